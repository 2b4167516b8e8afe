package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sgbilod/docpipe/internal/api/dto"
	"github.com/sgbilod/docpipe/internal/job"
	"github.com/sgbilod/docpipe/internal/manager"
)

// SubmitJob handles POST /api/v1/jobs
// Accepts a document for asynchronous processing and returns the job id.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	in := manager.SubmitInput{
		SourcePath: req.SourcePath,
		Metadata:   req.Metadata,
	}
	if req.Priority != nil {
		in.Priority = *req.Priority
	}

	jobID, err := h.service.Submit(c.Request.Context(), in)
	if err != nil {
		h.respondError(c, err, "Failed to submit job")
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{
		JobID:  jobID,
		Status: string(job.StatusPending),
	})
}

// SubmitBatch handles POST /api/v1/jobs/batch
// Submits up to 100 documents in one call. Each entry succeeds or fails on
// its own; one bad path never rejects the rest.
func (h *JobHandler) SubmitBatch(c *gin.Context) {
	var req dto.SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	inputs := make([]manager.SubmitInput, len(req.Jobs))
	for i, item := range req.Jobs {
		inputs[i] = manager.SubmitInput{
			SourcePath: item.SourcePath,
			Metadata:   item.Metadata,
		}
		if item.Priority != nil {
			inputs[i].Priority = *item.Priority
		}
	}

	results := h.service.SubmitBatch(c.Request.Context(), inputs)

	resp := dto.SubmitBatchResponse{
		Results: make([]dto.BatchItemResult, len(results)),
	}
	for i, r := range results {
		if r.Err != nil {
			resp.Results[i] = dto.BatchItemResult{Error: r.Err.Error()}
			resp.Rejected++
			continue
		}
		resp.Results[i] = dto.BatchItemResult{JobID: r.JobID}
		resp.Submitted++
	}

	c.JSON(http.StatusAccepted, resp)
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the current snapshot of a job: status, progress, result or error.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	j, err := h.service.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(j))
}

// GetBatchStatus handles POST /api/v1/jobs/status
// Returns snapshots for up to 100 job ids; unknown ids are omitted.
func (h *JobHandler) GetBatchStatus(c *gin.Context) {
	var req dto.BatchStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jobs, err := h.service.GetBatchStatus(c.Request.Context(), req.JobIDs)
	if err != nil {
		h.respondError(c, err, "Failed to get job statuses")
		return
	}

	resp := dto.BatchStatusResponse{
		Jobs: make(map[string]dto.JobStatusResponse, len(jobs)),
	}
	for id, j := range jobs {
		resp.Jobs[id] = dto.FromJob(j)
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Requests cooperative cancellation. Work already in flight finishes its
// current stage; the job stops at the next stage boundary.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	cancelled, err := h.service.Cancel(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to cancel job")
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{
			"error": "job already finished",
		})
		return
	}

	h.logger.Info("Cancellation accepted", slog.String("job_id", jobID))
	c.JSON(http.StatusAccepted, dto.CancelJobResponse{
		JobID:     jobID,
		Cancelled: true,
	})
}

// GetStats handles GET /api/v1/jobs/stats
// Returns aggregate counters across all tracked jobs.
func (h *JobHandler) GetStats(c *gin.Context) {
	stats, err := h.service.Statistics(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to compute statistics")
		return
	}

	c.JSON(http.StatusOK, dto.FromStats(stats))
}

func (h *JobHandler) respondError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, job.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, job.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, job.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "job already finished"})
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
