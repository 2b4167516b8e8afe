package resultstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sgbilod/docpipe/internal/job"
)

// Store is the single source of truth for job state. Every stage transition
// is one atomic read-modify-write against it; guarded updates protect against
// redelivery races resurrecting terminal jobs.
type Store interface {
	// Create inserts a new PENDING job record.
	Create(ctx context.Context, j *job.Job) error

	// Get returns the job or job.ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)

	// GetBatch returns the records found for the given ids; missing ids are
	// simply absent from the map.
	GetBatch(ctx context.Context, ids []string) (map[string]*job.Job, error)

	// SetStatus atomically moves the job to status if it is currently
	// non-terminal, updating progress. Returns job.ErrConflict when the job
	// is already terminal, job.ErrNotFound when absent.
	SetStatus(ctx context.Context, id string, status job.Status, stage string, pct int) error

	// MarkStarted sets started_at the first time a stage is dispatched.
	MarkStarted(ctx context.Context, id string) error

	// SaveStageOutput merges one stage's output document into the job's
	// in-progress accumulator under the stage key. The merge is a single
	// atomic write so the two fan-out branches can record their outputs
	// concurrently without clobbering each other.
	SaveStageOutput(ctx context.Context, id string, stage job.Stage, doc json.RawMessage) error

	// Complete writes the terminal SUCCESS state with the final result.
	// No-op with job.ErrConflict if the job is already terminal.
	Complete(ctx context.Context, id string, result json.RawMessage) error

	// Fail writes the terminal FAILURE state with a captured error string.
	Fail(ctx context.Context, id string, errMsg string) error

	// Revoke writes the terminal REVOKED state.
	Revoke(ctx context.Context, id string) error

	// RequestCancel sets the cancellation flag. Returns true only if the job
	// was non-terminal at the time of the call.
	RequestCancel(ctx context.Context, id string) (bool, error)

	// MarkFanout atomically records that a fan-out branch finished and
	// reports whether both branches are now done.
	MarkFanout(ctx context.Context, id string, branch job.Stage) (bool, error)

	// IncrementRetries bumps the job-level retry counter.
	IncrementRetries(ctx context.Context, id string) error

	// Stats aggregates counts by status, success rate and average duration
	// without materializing all jobs in memory.
	Stats(ctx context.Context) (*Stats, error)

	// DeleteExpired purges terminal jobs completed before the cutoff and
	// PENDING jobs created before it that never started. In-flight jobs are
	// never touched. Returns the number of rows removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Stats is the aggregate view served by the job manager.
type Stats struct {
	Total       int64                `json:"total"`
	ByStatus    map[job.Status]int64 `json:"by_status"`
	SuccessRate float64              `json:"success_rate"`
	AvgDuration time.Duration        `json:"avg_duration"`
}
