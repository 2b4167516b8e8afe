package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sgbilod/docpipe/internal/broker"
	"github.com/sgbilod/docpipe/internal/job"
	"github.com/sgbilod/docpipe/internal/pipeline"
	"github.com/sgbilod/docpipe/internal/stages"
)

// Config holds worker pool configuration.
type Config struct {
	Logger       *slog.Logger
	Broker       broker.Broker
	Orchestrator *pipeline.Orchestrator
	Registry     *stages.Registry

	// Concurrency is the number of execution units in the pool.
	Concurrency int

	// Queues are drained in the given order; earlier queues win when
	// several are non-empty.
	Queues []string

	// SoftTimeout logs a warning when a stage runs long; HardTimeout
	// cancels the stage context and is treated as a transient failure.
	SoftTimeout time.Duration
	HardTimeout time.Duration

	Retry job.RetryPolicy
}

// Pool is a set of concurrent execution units bound to a queue subset. Each
// unit loops dequeue -> execute -> report outcome to the orchestrator.
type Pool struct {
	logger   *slog.Logger
	broker   broker.Broker
	orch     *pipeline.Orchestrator
	registry *stages.Registry

	concurrency int
	queues      []string
	softTimeout time.Duration
	hardTimeout time.Duration
	retry       job.RetryPolicy

	workerID string
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewPool creates a worker pool.
func NewPool(cfg *Config) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = job.AllQueues()
	}
	hard := cfg.HardTimeout
	if hard <= 0 {
		hard = 10 * time.Minute
	}
	soft := cfg.SoftTimeout
	if soft <= 0 || soft > hard {
		soft = hard / 2
	}
	retry := cfg.Retry
	if retry.MaxRetries <= 0 {
		retry = job.DefaultRetryPolicy()
	}
	return &Pool{
		logger:      cfg.Logger,
		broker:      cfg.Broker,
		orch:        cfg.Orchestrator,
		registry:    cfg.Registry,
		concurrency: concurrency,
		queues:      queues,
		softTimeout: soft,
		hardTimeout: hard,
		retry:       retry,
		workerID:    "worker-" + uuid.New().String()[:8],
	}
}

// Start spawns the pool goroutines. It returns immediately; Stop drains
// them.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info("Starting worker pool",
		slog.String("worker_id", p.workerID),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Stop cancels the pool context and waits for in-flight stages to finish.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool",
		slog.String("worker_id", p.workerID),
	)
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped",
		slog.String("worker_id", p.workerID),
	)
}

func (p *Pool) loop(ctx context.Context, num int) {
	defer p.wg.Done()

	logger := p.logger.With(
		slog.String("worker", p.workerID),
		slog.Int("worker_num", num),
	)

	for {
		d, err := p.broker.Dequeue(ctx, p.queues...)
		if err != nil {
			if ctx.Err() != nil || err == broker.ErrClosed {
				logger.Info("Worker goroutine stopping")
				return
			}
			logger.Error("Dequeue failed",
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(ctx, logger, d)
	}
}
