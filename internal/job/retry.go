package job

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how often a transiently failing stage is re-attempted
// and how long to wait between attempts.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy matches the pipeline defaults: 3 retries, 1s base,
// capped at 10 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Minute,
	}
}

// Delay computes the backoff before the given attempt (1-based) is retried.
// Exponential in the attempt number with up to 25% jitter, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 10 * time.Minute
	}

	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}

	jitter := time.Duration(rand.Int64N(int64(d)/4 + 1))
	if d+jitter > max {
		return max
	}
	return d + jitter
}

// Exhausted reports whether a task that just failed its given attempt
// (1-based) has no retries left. MaxRetries bounds the total number of
// attempts.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetries
}
