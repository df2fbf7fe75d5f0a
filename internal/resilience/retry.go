package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/agentforge/agentcore/internal/corerr"
)

// RetryPolicy configures Retry's backoff schedule.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFrac   float64 // fraction of the computed delay to randomize, e.g. 0.2
	Retryable    func(error) bool
}

// DefaultRetryPolicy makes up to 3 attempts in total on transient failures,
// with exponential backoff doubling from 100ms, capped at 5s, +/-20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFrac:   0.2,
		Retryable:    corerr.IsRetryable,
	}
}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * pow(p.Multiplier, attempt)
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}
	if p.JitterFrac > 0 {
		jitter := delay * p.JitterFrac
		delay += (rand.Float64()*2 - 1) * jitter
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Retry runs fn up to policy.MaxAttempts times, sleeping with exponential
// backoff between attempts. It stops early when ctx is cancelled or the
// error is classified non-retryable. The last error is wrapped in
// corerr.ErrMaxRetriesExceeded once attempts are exhausted.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Retryable == nil {
		policy.Retryable = corerr.IsRetryable
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !policy.Retryable(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(policy.delayFor(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w: %w", policy.MaxAttempts, corerr.ErrMaxRetriesExceeded, lastErr)
}

// RetryWithCircuitBreaker combines Retry with a CircuitBreaker so a
// persistently failing dependency stops absorbing retry attempts once the
// breaker trips, instead of each caller independently retrying into a dead
// service.
func RetryWithCircuitBreaker(ctx context.Context, policy RetryPolicy, cb *CircuitBreaker, fn func(ctx context.Context) error) error {
	return Retry(ctx, policy, func(ctx context.Context) error {
		if !cb.CanExecute() {
			return corerr.ErrCircuitBreakerOpen
		}
		return cb.Execute(ctx, func() error { return fn(ctx) })
	})
}
