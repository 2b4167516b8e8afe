package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sgbilod/docpipe/internal/job"
	"github.com/sgbilod/docpipe/internal/pipeline"
	"github.com/sgbilod/docpipe/internal/resultstore"
)

// DefaultTTL is how long finished job records are retained.
const DefaultTTL = 24 * time.Hour

// DefaultPriority is used when a submission does not specify one.
const DefaultPriority = 5

// Config assembles a Manager.
type Config struct {
	Logger       *slog.Logger
	Store        resultstore.Store
	Orchestrator *pipeline.Orchestrator
	TTL          time.Duration
}

// Manager is the public-facing job API: submit, query, cancel, statistics
// and TTL cleanup. Submissions validate synchronously, enqueue the first
// stage and return without waiting on processing.
type Manager struct {
	logger *slog.Logger
	store  resultstore.Store
	orch   *pipeline.Orchestrator
	ttl    time.Duration
}

// New creates a Manager.
func New(cfg *Config) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		logger: cfg.Logger,
		store:  cfg.Store,
		orch:   cfg.Orchestrator,
		ttl:    ttl,
	}
}

// SubmitInput describes one document-processing request.
type SubmitInput struct {
	SourcePath string
	Priority   int
	Metadata   map[string]string
}

func (in *SubmitInput) validate() error {
	if in.SourcePath == "" {
		return fmt.Errorf("%w: source_path is required", job.ErrValidation)
	}
	info, err := os.Stat(in.SourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: source %q does not exist", job.ErrValidation, in.SourcePath)
		}
		return fmt.Errorf("%w: source %q is not readable: %v", job.ErrValidation, in.SourcePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: source %q is a directory", job.ErrValidation, in.SourcePath)
	}
	return nil
}

// Submit validates the input, creates a PENDING job record and enqueues the
// parse stage. It never blocks on processing.
func (m *Manager) Submit(ctx context.Context, in SubmitInput) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}

	priority := in.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}

	j := &job.Job{
		ID:        uuid.New().String(),
		Status:    job.StatusPending,
		CreatedAt: time.Now().UTC(),
		Priority:  priority,
		Metadata:  in.Metadata,
	}
	if err := m.store.Create(ctx, j); err != nil {
		return "", fmt.Errorf("failed to create job record: %w", err)
	}

	if err := m.orch.Start(ctx, j.ID, job.ParseInput{SourcePath: in.SourcePath}, priority); err != nil {
		// The record stays PENDING; a reconciliation pass can pick it up,
		// but the caller must know the enqueue failed.
		return "", fmt.Errorf("failed to enqueue job %s: %w", j.ID, err)
	}

	m.logger.Info("Job submitted",
		slog.String("job_id", j.ID),
		slog.String("source", in.SourcePath),
		slog.Int("priority", priority),
	)
	return j.ID, nil
}

// BatchResult is the per-input outcome of a batch submission.
type BatchResult struct {
	JobID string
	Err   error
}

// SubmitBatch applies Submit to each input. A failing input never aborts
// the batch; each gets its own outcome.
func (m *Manager) SubmitBatch(ctx context.Context, inputs []SubmitInput) []BatchResult {
	results := make([]BatchResult, len(inputs))
	for i, in := range inputs {
		id, err := m.Submit(ctx, in)
		results[i] = BatchResult{JobID: id, Err: err}
	}
	return results
}

// GetStatus returns the most recent consistent snapshot of a job. It never
// blocks waiting for in-flight work.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*job.Job, error) {
	return m.store.Get(ctx, jobID)
}

// GetBatchStatus returns the snapshots found for the given ids; missing or
// expired ids are simply absent from the map.
func (m *Manager) GetBatchStatus(ctx context.Context, jobIDs []string) (map[string]*job.Job, error) {
	return m.store.GetBatch(ctx, jobIDs)
}

// Cancel flags the job for cooperative cancellation, observed by the
// orchestrator at the next stage boundary. Returns true only if the job was
// non-terminal at the time of the call.
func (m *Manager) Cancel(ctx context.Context, jobID string) (bool, error) {
	ok, err := m.store.RequestCancel(ctx, jobID)
	if err != nil {
		return false, err
	}
	if ok {
		m.logger.Info("Job cancellation requested",
			slog.String("job_id", jobID),
		)
	}
	return ok, nil
}

// Statistics aggregates job counts by status, success rate and average
// duration.
func (m *Manager) Statistics(ctx context.Context) (*resultstore.Stats, error) {
	return m.store.Stats(ctx)
}

// CleanupExpired purges job records past the TTL. Idempotent; in-flight
// jobs are never removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-m.ttl)
	count, err := m.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired jobs: %w", err)
	}
	return count, nil
}
