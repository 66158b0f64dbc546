// Package retry runs an operation a bounded number of times with doubling
// backoff between attempts.
package retry

import (
	"context"
	"time"
)

// Policy controls how Do retries.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// Retryable decides whether a failed attempt is retried. Nil retries
	// every error.
	Retryable func(error) bool
}

// Delay returns the wait after the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(1<<attempt)
}

// Do calls fn up to p.Attempts times, passing the zero-based attempt number.
// Delays double from p.BaseDelay (300ms, 600ms, ...). Returns the last error
// if all attempts fail, or ctx.Err() if the context ends during a backoff.
func Do[T any](ctx context.Context, p Policy, fn func(attempt int) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)

	var result T
	var err error
	for i := 0; i < attempts; i++ {
		if result, err = fn(i); err == nil {
			return result, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return result, err
		}
		if i < attempts-1 {
			select {
			case <-time.After(p.Delay(i)):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, err
}
