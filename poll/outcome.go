package poll

import (
	"context"
	"time"
)

type outcomeKind int

const (
	kindSuccess outcomeKind = iota
	kindRetryable
	kindFatal
)

// Outcome is the tagged result of one probe call: a value, a retryable failure or a fatal failure.
type Outcome[T any] struct {
	kind  outcomeKind
	value T
	err   error
}

// Success wraps a probe result; the condition decides whether polling stops.
func Success[T any](v T) Outcome[T] {
	return Outcome[T]{kind: kindSuccess, value: v}
}

// Retryable reports a failed attempt that may be retried, subject to Options.RetryIf.
func Retryable[T any](err error) Outcome[T] {
	return Outcome[T]{kind: kindRetryable, err: err}
}

// Fatal stops polling and returns err unchanged.
func Fatal[T any](err error) Outcome[T] {
	return Outcome[T]{kind: kindFatal, err: err}
}

// Probe performs one attempt.
type Probe[T any] func(ctx context.Context) Outcome[T]

// Call adapts a conventional (value, error) function into a Probe. Errors are tagged retryable;
// Options.RetryIf still filters them.
func Call[T any](fn func(ctx context.Context) (T, error)) Probe[T] {
	return func(ctx context.Context) Outcome[T] {
		v, err := fn(ctx)
		if err != nil {
			return Retryable[T](err)
		}
		return Success(v)
	}
}

// RateLimitDecision is produced by a rate-limit classifier. A rate limited attempt is not counted,
// and Delay, when positive, replaces the computed wait.
type RateLimitDecision struct {
	Limited bool
	Delay   time.Duration
}

// RateLimited marks an attempt as throttled; a zero delay keeps the current scheduled delay.
func RateLimited(delay time.Duration) RateLimitDecision {
	return RateLimitDecision{Limited: true, Delay: delay}
}
