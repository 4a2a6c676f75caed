// Package retry provides the single retry-policy primitive shared by
// classification, synthesis and attribution call sites.
package retry

import (
	"context"
	"time"
)

// Policy bounds the attempt count and spaces attempts with a backoff
// function evaluated on the zero-based attempt index.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// Linear returns a backoff that grows by base per attempt: base, 2*base, ...
func Linear(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt+1)
	}
}

// Exponential returns a backoff that doubles per attempt: base, 2*base, 4*base, ...
func Exponential(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(1<<attempt)
	}
}

// Do runs fn up to p.MaxAttempts times, sleeping p.Backoff between
// attempts. retryable decides whether an error warrants another attempt;
// a nil predicate retries every error. The last error is returned once
// attempts are exhausted. Context cancellation aborts the wait.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt < attempts-1 {
			var wait time.Duration
			if p.Backoff != nil {
				wait = p.Backoff(attempt)
			}
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return zero, ctx.Err()
				}
			}
		}
	}
	return zero, lastErr
}
