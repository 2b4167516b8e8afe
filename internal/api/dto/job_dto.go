package dto

import (
	"encoding/json"
	"time"

	"github.com/sgbilod/docpipe/internal/job"
	"github.com/sgbilod/docpipe/internal/resultstore"
)

type SubmitJobRequest struct {
	SourcePath string            `json:"source_path" binding:"required"`
	Priority   *int              `json:"priority,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type SubmitBatchRequest struct {
	Jobs []SubmitJobRequest `json:"jobs" binding:"required,min=1,max=100"`
}

type BatchItemResult struct {
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

type SubmitBatchResponse struct {
	Results   []BatchItemResult `json:"results"`
	Submitted int               `json:"submitted"`
	Rejected  int               `json:"rejected"`
}

type BatchStatusRequest struct {
	JobIDs []string `json:"job_ids" binding:"required,min=1,max=100"`
}

type BatchStatusResponse struct {
	Jobs map[string]JobStatusResponse `json:"jobs"`
}

type JobStatusResponse struct {
	JobID         string            `json:"job_id"`
	Status        string            `json:"status"`
	ProgressStage string            `json:"progress_stage,omitempty"`
	ProgressPct   int               `json:"progress_pct"`
	Result        json.RawMessage   `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	Retries       int               `json:"retries"`
	Priority      int               `json:"priority"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     string            `json:"created_at"`
	StartedAt     string            `json:"started_at,omitempty"`
	CompletedAt   string            `json:"completed_at,omitempty"`
}

type CancelJobResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

type StatsResponse struct {
	Total          int64            `json:"total"`
	ByStatus       map[string]int64 `json:"by_status"`
	SuccessRate    float64          `json:"success_rate"`
	AvgDurationSec float64          `json:"avg_duration_seconds"`
}

// FromJob maps a job snapshot to its API representation.
func FromJob(j *job.Job) JobStatusResponse {
	resp := JobStatusResponse{
		JobID:         j.ID,
		Status:        string(j.Status),
		ProgressStage: j.ProgressStage,
		ProgressPct:   j.ProgressPct,
		Result:        j.Result,
		Error:         j.Error,
		Retries:       j.Retries,
		Priority:      j.Priority,
		Metadata:      j.Metadata,
		CreatedAt:     j.CreatedAt.Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		resp.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		resp.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

// FromStats maps aggregate counters to their API representation.
func FromStats(s *resultstore.Stats) StatsResponse {
	byStatus := make(map[string]int64, len(s.ByStatus))
	for status, n := range s.ByStatus {
		byStatus[string(status)] = n
	}
	return StatsResponse{
		Total:          s.Total,
		ByStatus:       byStatus,
		SuccessRate:    s.SuccessRate,
		AvgDurationSec: s.AvgDuration.Seconds(),
	}
}
