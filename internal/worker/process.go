package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sgbilod/docpipe/internal/broker"
	"github.com/sgbilod/docpipe/internal/job"
)

// process runs one delivery end to end: stage-boundary checks, execution
// under the timeout harness, outcome classification and the ack/nack
// decision.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, d broker.Delivery) {
	t := d.Task()
	logger = logger.With(
		slog.String("job_id", t.JobID),
		slog.String("stage", string(t.Stage)),
		slog.Int("attempt", t.Attempt),
	)

	if !t.Stage.Valid() {
		logger.Error("Dropping task with unknown stage")
		p.nack(logger, d, false)
		return
	}

	proceed, err := p.orch.StageStarted(ctx, t)
	if err != nil {
		// Result store trouble: leave the task for redelivery rather than
		// guessing at the job's state.
		logger.Error("Failed to open stage boundary",
			slog.Any("error", err),
		)
		p.nack(logger, d, true)
		return
	}
	if !proceed {
		p.ack(logger, d)
		return
	}

	handler, err := p.registry.Handler(t.Stage)
	if err != nil {
		p.report(ctx, logger, d, t, nil, err)
		return
	}

	logger.Info("Executing stage")

	stageCtx, cancel := context.WithTimeout(ctx, p.hardTimeout)
	soft := time.AfterFunc(p.softTimeout, func() {
		logger.Warn("Stage running past soft timeout",
			slog.Duration("soft_timeout", p.softTimeout),
		)
	})
	out, execErr := handler(stageCtx, t)
	soft.Stop()
	cancel()

	// Hard-limit expiry is a transient failure eligible for retry.
	if execErr != nil && stageCtx.Err() == context.DeadlineExceeded {
		execErr = job.Transient(fmt.Errorf("stage exceeded hard timeout %s: %w", p.hardTimeout, execErr))
	}

	p.report(ctx, logger, d, t, out, execErr)
}

// report feeds the stage outcome into the orchestrator and settles the
// delivery.
func (p *Pool) report(ctx context.Context, logger *slog.Logger, d broker.Delivery, t *job.Task, out any, execErr error) {
	if execErr == nil {
		if err := p.orch.Advance(ctx, t, out); err != nil {
			logger.Error("Failed to advance pipeline",
				slog.Any("error", err),
			)
			p.nack(logger, d, true)
			return
		}
		logger.Info("Stage completed")
		p.ack(logger, d)
		return
	}

	if job.IsTransient(execErr) {
		if !p.retry.Exhausted(t.Attempt) {
			if err := p.orch.RecordRetry(ctx, t, execErr, p.retry.Delay(t.Attempt)); err != nil {
				logger.Error("Failed to schedule retry",
					slog.Any("error", err),
				)
				p.nack(logger, d, true)
				return
			}
			p.ack(logger, d)
			return
		}
		// Out of budget: reclassify as permanent.
		execErr = fmt.Errorf("%w after %d attempts: %v", job.ErrMaxRetriesExceeded, t.Attempt, errors.Unwrap(execErr))
	}

	logger.Error("Stage failed permanently",
		slog.String("error", execErr.Error()),
	)
	if err := p.orch.Failed(ctx, t, execErr); err != nil {
		logger.Error("Failed to record job failure",
			slog.Any("error", err),
		)
		p.nack(logger, d, true)
		return
	}
	p.ack(logger, d)
}

func (p *Pool) ack(logger *slog.Logger, d broker.Delivery) {
	if err := d.Ack(); err != nil {
		logger.Error("Failed to ACK delivery",
			slog.Any("error", err),
		)
	}
}

func (p *Pool) nack(logger *slog.Logger, d broker.Delivery, requeue bool) {
	if err := d.Nack(requeue); err != nil {
		logger.Error("Failed to NACK delivery",
			slog.Any("error", err),
			slog.Bool("requeue", requeue),
		)
	}
}
