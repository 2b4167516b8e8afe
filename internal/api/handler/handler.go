package handler

import (
	"context"
	"log/slog"

	"github.com/sgbilod/docpipe/internal/job"
	"github.com/sgbilod/docpipe/internal/manager"
	"github.com/sgbilod/docpipe/internal/resultstore"
)

// JobService is the slice of the job manager the handlers need.
type JobService interface {
	Submit(ctx context.Context, in manager.SubmitInput) (string, error)
	SubmitBatch(ctx context.Context, inputs []manager.SubmitInput) []manager.BatchResult
	GetStatus(ctx context.Context, jobID string) (*job.Job, error)
	GetBatchStatus(ctx context.Context, jobIDs []string) (map[string]*job.Job, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	Statistics(ctx context.Context) (*resultstore.Stats, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service JobService
	Health  func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	service JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.Service,
	}
}
