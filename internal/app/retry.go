/**
 * @description
 * Bounded retry policy used by checkout initiation and confirmation polling.
 * The policy is a plain value so callers can test retry behavior without any
 * timers wired to UI state.
 */
package app

import (
	"context"
	"time"
)

// RetryPolicy describes a bounded retry loop. With Exponential set, the delay
// doubles after each failed attempt starting from BaseDelay; otherwise the
// delay is fixed.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Exponential bool
}

// CheckoutRetryPolicy matches the processor-facing policy: 3 attempts with
// exponential backoff for transient failures such as rate limiting.
var CheckoutRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Exponential: true}

// ConfirmationRetryPolicy matches the recovery polling policy: 3 attempts
// with a fixed 2 second delay between them.
var ConfirmationRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second}

// Run invokes op until it succeeds, the attempts are exhausted, or the
// context is canceled. retryable decides whether a given failure is worth
// another attempt; a nil retryable retries everything. The last error is
// returned on exhaustion, a context error on cancellation.
func (p RetryPolicy) Run(ctx context.Context, op func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if p.Exponential {
			delay *= 2
		}
	}
	return lastErr
}
