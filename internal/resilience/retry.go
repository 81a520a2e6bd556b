// Package resilience provides the bounded-retry and circuit-breaking
// wrappers for the StorageTransient handling rules: 3 attempts, 200ms
// initial backoff, doubling, jittered. The object store retries through
// RetryTransient; the database and dispatch clients do not use this
// package, and no component wraps a call in NewBreaker.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 200 * time.Millisecond
	DefaultMultiplier      = 2.0
)

// RetryTransient runs fn up to maxAttempts times with exponential,
// jittered backoff, stopping as soon as fn returns a nil error or a
// non-transient error (isTransient returns false).
func RetryTransient(ctx context.Context, isTransient func(error) bool, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultInitialInterval
	b.Multiplier = DefaultMultiplier
	bounded := backoff.WithMaxRetries(b, DefaultMaxAttempts-1)
	ctxBackoff := backoff.WithContext(bounded, ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, ctxBackoff)
}

// NewBreaker builds a circuit breaker around a dependency identified by
// name, tripping after 5 consecutive failures and resetting after 30s,
// adapted from the teacher's hand-rolled breaker config shape.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}
