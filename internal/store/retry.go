package store

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how often a lost write race is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy gives roughly three seconds of retries on top of any
// driver-level busy timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
	}
}

// backoff builds the exponential schedule with ±25% jitter, capped at
// MaxDelay and stopped after MaxAttempts calls.
func (p RetryPolicy) backoff() retry.Backoff {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay < base {
		maxDelay = base
	}

	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(25, b)
	b = retry.WithCappedDuration(maxDelay, b)
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// Retry calls fn until it succeeds, returns an error for which retryable is
// false, the attempts are exhausted, or ctx is done. The last error from fn is
// returned unwrapped.
func Retry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func() error) error {
	return retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		err := fn()
		if err != nil && retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
