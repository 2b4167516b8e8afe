package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Minute,
	}

	tests := []struct {
		name    string
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{"first attempt", 1, time.Second, 1250 * time.Millisecond},
		{"second attempt", 2, 2 * time.Second, 2500 * time.Millisecond},
		{"third attempt", 3, 4 * time.Second, 5 * time.Second},
		{"attempt below one is clamped", 0, time.Second, 1250 * time.Millisecond},
		{"huge attempt is capped", 40, 0, 10 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Jitter is random; sample a few times and check the window.
			for i := 0; i < 20; i++ {
				d := p.Delay(tt.attempt)
				assert.GreaterOrEqual(t, d, tt.min)
				assert.LessOrEqual(t, d, tt.max)
			}
		})
	}
}

func TestRetryPolicy_Delay_NeverExceedsCap(t *testing.T) {
	p := RetryPolicy{MaxRetries: 10, BaseDelay: time.Minute, MaxDelay: 5 * time.Minute}

	for attempt := 1; attempt <= 10; attempt++ {
		assert.LessOrEqual(t, p.Delay(attempt), 5*time.Minute)
	}
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3}

	// MaxRetries bounds the total number of attempts.
	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 10*time.Minute, p.MaxDelay)
}
