package unifiedllm

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how Retry spaces attempts. Delays grow by
// Multiplier from BaseDelay and are capped at MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter  bool
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy retries twice, starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay is the wait before retry number attempt+1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for range attempt {
		if p.Multiplier > 1 {
			d *= p.Multiplier
		}
		if d >= float64(p.MaxDelay) {
			break
		}
	}
	d = min(d, float64(p.MaxDelay))
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, fails with an error that is not
// retryable, or the policy runs out. A provider asking to wait longer
// than MaxDelay fails immediately.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil || attempt >= policy.MaxRetries || !IsRetryable(err) {
			return result, err
		}

		delay := policy.Delay(attempt)
		var e *Error
		if errors.As(err, &e) && e.RetryAfter > 0 {
			if e.RetryAfter > policy.MaxDelay {
				return result, err
			}
			delay = e.RetryAfter
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, newError(KindAborted, "request cancelled during retry", ctx.Err())
		case <-time.After(delay):
		}
	}
}
