package job

import (
	"encoding/json"
	"time"
)

// Job is one end-to-end document-processing request tracked by id.
type Job struct {
	ID              string            `db:"job_id" json:"job_id"`
	Status          Status            `db:"status" json:"status"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	StartedAt       *time.Time        `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	ProgressStage   string            `db:"progress_stage" json:"progress_stage,omitempty"`
	ProgressPct     int               `db:"progress_pct" json:"progress_pct"`
	Result          json.RawMessage   `db:"result" json:"result,omitempty"`
	Error           string            `db:"error_message" json:"error,omitempty"`
	Retries         int               `db:"retries" json:"retries"`
	Priority        int               `db:"priority" json:"priority"`
	Metadata        map[string]string `db:"-" json:"metadata,omitempty"`
	CancelRequested bool              `db:"cancel_requested" json:"-"`

	// Accum holds stage outputs merged while the job is in flight. It is
	// internal bookkeeping and never exposed through the API.
	Accum json.RawMessage `db:"accum" json:"-"`

	// FanoutDone tracks which parallel branches have reported, as a bit set
	// (FanoutEmbedDone | FanoutMetadataDone).
	FanoutDone int16 `db:"fanout_state" json:"-"`
}

// Fan-out branch bits.
const (
	FanoutEmbedDone    int16 = 1 << 0
	FanoutMetadataDone int16 = 1 << 1
	FanoutAllDone            = FanoutEmbedDone | FanoutMetadataDone
)

// FanoutBit maps a fan-out branch stage to its bit. Zero for other stages.
func FanoutBit(s Stage) int16 {
	switch s {
	case StageEmbed:
		return FanoutEmbedDone
	case StageMetadata:
		return FanoutMetadataDone
	}
	return 0
}

// Task is one dispatched execution of a single stage for one job. Tasks are
// transient: they live only inside the broker's delivery window and their
// outcome is folded back into the job record.
type Task struct {
	JobID      string          `json:"job_id"`
	Stage      Stage           `json:"stage"`
	Queue      string          `json:"queue"`
	Priority   int             `json:"priority"`
	Attempt    int             `json:"attempt"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask builds a first-attempt task for a stage with a marshaled payload.
func NewTask(jobID string, stage Stage, priority int, payload any) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Task{
		JobID:      jobID,
		Stage:      stage,
		Queue:      stage.Queue(),
		Priority:   priority,
		Attempt:    1,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Retry returns a copy of t with the attempt counter advanced.
func (t *Task) Retry() *Task {
	next := *t
	next.Attempt = t.Attempt + 1
	next.EnqueuedAt = time.Now().UTC()
	return &next
}
