package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sgbilod/docpipe/internal/job"
)

// Memory is an in-process Store used by tests and single-node setups. It
// mirrors the guard semantics of the Postgres implementation.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
	now  func() time.Time
}

// NewMemory creates an empty in-memory result store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*job.Job),
		now:  time.Now,
	}
}

func copyJob(j *job.Job) *job.Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Accum = append(json.RawMessage(nil), j.Accum...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	return &c
}

func (s *Memory) Create(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = copyJob(j)
	return nil
}

func (s *Memory) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Memory) GetBatch(_ context.Context, ids []string) (map[string]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*job.Job)
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok {
			out[id] = copyJob(j)
		}
	}
	return out, nil
}

// mutate applies fn to a non-terminal job under the lock.
func (s *Memory) mutate(id string, fn func(*job.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if j.Status.IsTerminal() {
		return job.ErrConflict
	}
	fn(j)
	return nil
}

// SetStatus moves the job along the status machine. Re-asserting the current
// status is idempotent (redelivered tasks do this); any other edge must be
// legal per the transition table.
func (s *Memory) SetStatus(_ context.Context, id string, status job.Status, stage string, pct int) error {
	var edgeErr error
	err := s.mutate(id, func(j *job.Job) {
		if j.Status != status && !j.Status.CanTransitionTo(status) {
			edgeErr = fmt.Errorf("%w: job %s cannot move %s -> %s", job.ErrConflict, id, j.Status, status)
			return
		}
		j.Status = status
		j.ProgressStage = stage
		j.ProgressPct = pct
	})
	if err != nil {
		return err
	}
	return edgeErr
}

func (s *Memory) MarkStarted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if j.StartedAt == nil {
		t := s.now().UTC()
		j.StartedAt = &t
	}
	return nil
}

func (s *Memory) SaveStageOutput(_ context.Context, id string, stage job.Stage, doc json.RawMessage) error {
	var mergeErr error
	err := s.mutate(id, func(j *job.Job) {
		merged := make(map[string]json.RawMessage)
		if len(j.Accum) > 0 {
			if err := json.Unmarshal(j.Accum, &merged); err != nil {
				mergeErr = fmt.Errorf("decode accumulator: %w", err)
				return
			}
		}
		merged[string(stage)] = append(json.RawMessage(nil), doc...)
		raw, err := json.Marshal(merged)
		if err != nil {
			mergeErr = fmt.Errorf("encode accumulator: %w", err)
			return
		}
		j.Accum = raw
	})
	if err != nil {
		return err
	}
	return mergeErr
}

func (s *Memory) Complete(_ context.Context, id string, result json.RawMessage) error {
	return s.mutate(id, func(j *job.Job) {
		t := s.now().UTC()
		j.Status = job.StatusSuccess
		j.Result = append(json.RawMessage(nil), result...)
		j.Error = ""
		j.ProgressPct = 100
		j.CompletedAt = &t
	})
}

func (s *Memory) Fail(_ context.Context, id string, errMsg string) error {
	return s.mutate(id, func(j *job.Job) {
		t := s.now().UTC()
		j.Status = job.StatusFailure
		j.Error = errMsg
		j.Result = nil
		j.CompletedAt = &t
	})
}

func (s *Memory) Revoke(_ context.Context, id string) error {
	return s.mutate(id, func(j *job.Job) {
		t := s.now().UTC()
		j.Status = job.StatusRevoked
		j.Result = nil
		j.CompletedAt = &t
	})
}

func (s *Memory) RequestCancel(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, job.ErrNotFound
	}
	if j.Status.IsTerminal() {
		return false, nil
	}
	j.CancelRequested = true
	return true, nil
}

func (s *Memory) MarkFanout(_ context.Context, id string, branch job.Stage) (bool, error) {
	bit := job.FanoutBit(branch)
	if bit == 0 {
		return false, fmt.Errorf("stage %q is not a fan-out branch", branch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, job.ErrNotFound
	}
	j.FanoutDone |= bit
	return j.FanoutDone&job.FanoutAllDone == job.FanoutAllDone, nil
}

func (s *Memory) IncrementRetries(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	j.Retries++
	return nil
}

func (s *Memory) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ByStatus: make(map[job.Status]int64)}
	var durSum time.Duration
	var durCount int64

	for _, j := range s.jobs {
		stats.ByStatus[j.Status]++
		stats.Total++
		if j.CompletedAt != nil {
			durSum += j.CompletedAt.Sub(j.CreatedAt)
			durCount++
		}
	}
	if durCount > 0 {
		stats.AvgDuration = durSum / time.Duration(durCount)
	}

	terminal := stats.ByStatus[job.StatusSuccess] +
		stats.ByStatus[job.StatusFailure] +
		stats.ByStatus[job.StatusRevoked]
	if terminal > 0 {
		stats.SuccessRate = float64(stats.ByStatus[job.StatusSuccess]) / float64(terminal)
	}
	return stats, nil
}

func (s *Memory) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, j := range s.jobs {
		expiredTerminal := j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
		expiredPending := j.Status == job.StatusPending && j.StartedAt == nil && j.CreatedAt.Before(cutoff)
		if expiredTerminal || expiredPending {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}
