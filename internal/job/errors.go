package job

import "errors"

var (
	// ErrNotFound is returned when a job id is unknown or past TTL eviction.
	ErrNotFound = errors.New("job not found")

	// ErrConflict is returned on attempted mutation of a terminal job.
	ErrConflict = errors.New("job is in a terminal state")

	// ErrValidation is returned for malformed submit input. It is surfaced
	// synchronously and never enqueued.
	ErrValidation = errors.New("invalid job input")

	// ErrMaxRetriesExceeded marks a transient failure that exhausted its
	// retry budget and was reclassified as permanent.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// TransientError wraps failures that are eligible for the retry/backoff path:
// network errors, timeouts, rate limits. Everything else is treated as
// permanent and fails the job immediately.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
