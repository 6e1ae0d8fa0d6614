package service

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds transient fetch retries within a single job.
// Replacement attempts are a separate mechanism: they create new jobs
// rather than retrying this one.
type RetryPolicy struct {
	// MaxFetchRetries is how many times one candidate may be refetched
	// after a transient failure before the worker moves on.
	MaxFetchRetries int

	BaseDelay time.Duration // first retry delay
	MaxDelay  time.Duration // cap on the exponential curve
	MaxJitter time.Duration // random jitter range
}

// DefaultRetryPolicy returns the retry defaults: three transient
// retries per candidate, 2s doubling to a 30s cap, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxFetchRetries: 3,
		BaseDelay:       2 * time.Second,
		MaxDelay:        30 * time.Second,
		MaxJitter:       500 * time.Millisecond,
	}
}

// Backoff computes the delay before retry number attempt (1-indexed):
// min(BaseDelay * 2^(attempt-1), MaxDelay) + jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	var jitter time.Duration
	if p.MaxJitter > 0 {
		jitter = time.Duration(rand.Int63n(int64(p.MaxJitter)))
	}

	return time.Duration(delay) + jitter
}
