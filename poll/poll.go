// Package poll repeatedly invokes a probe until a condition over its result holds.
//
// Two scheduling modes share one state machine: Poll waits a fixed delay between attempts,
// PollWithBackoff grows the delay exponentially. Attempts classified as rate limited are
// not counted against the attempt budget and do not advance the backoff.
package poll

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Fixed schedules attempts with a constant delay.
type Fixed struct {
	Delay       time.Duration
	MaxAttempts int
}

// Validate reports a negative delay or an attempt budget below 1.
func (f Fixed) Validate() error {
	if f.Delay < 0 {
		return &ValidationError{Field: "delay", Reason: "must not be negative"}
	}
	if f.MaxAttempts < 1 {
		return &ValidationError{Field: "max attempts", Reason: fmt.Sprintf("must be at least 1, got %d", f.MaxAttempts)}
	}
	return nil
}

// Backoff schedules attempts with an exponentially growing delay.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Factor multiplies the delay after every counted attempt, must be at least 1.
	Factor float64
	// Jitter draws every counted wait uniformly from [0.5x, 1.5x] of the computed delay.
	Jitter      bool
	MaxAttempts int
}

// Condition reports whether a probe result is final.
type Condition[T any] func(T) bool

// Options are the optional hooks of a polling call. The zero value is usable.
type Options[T any] struct {
	// Operation names the polled operation in logs and errors.
	Operation string
	// RetryIf decides whether a retryable probe failure is retried. Defaults to DefaultRetryIf.
	RetryIf func(error) bool
	// ErrorRateLimit classifies probe failures as throttling.
	ErrorRateLimit func(error) RateLimitDecision
	// ResultRateLimit classifies probe results as throttling.
	ResultRateLimit func(T) RateLimitDecision
	Logger          log.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// DefaultRetryIf retries every error except context cancellation.
func DefaultRetryIf(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Poll invokes probe until condition holds, waiting a fixed delay between attempts.
func Poll[T any](ctx context.Context, probe Probe[T], condition Condition[T], schedule Fixed, opts Options[T]) (T, error) {
	if err := schedule.Validate(); err != nil {
		var zero T
		return zero, err
	}
	s := &scheduler{
		current:     schedule.Delay,
		max:         schedule.Delay,
		factor:      1,
		maxAttempts: schedule.MaxAttempts,
	}
	return run(ctx, probe, condition, s, opts)
}

// PollWithBackoff invokes probe until condition holds, growing the delay after every counted attempt
// to min(MaxDelay, delay*Factor).
func PollWithBackoff[T any](ctx context.Context, probe Probe[T], condition Condition[T], schedule Backoff, opts Options[T]) (T, error) {
	var zero T
	switch {
	case schedule.InitialDelay < 0:
		return zero, &ValidationError{Field: "initial delay", Reason: "must not be negative"}
	case schedule.MaxDelay < schedule.InitialDelay:
		return zero, &ValidationError{Field: "max delay", Reason: fmt.Sprintf("must be at least the initial delay (%s)", schedule.InitialDelay)}
	case schedule.Factor < 1:
		return zero, &ValidationError{Field: "backoff factor", Reason: fmt.Sprintf("must be at least 1, got %v", schedule.Factor)}
	}
	s := &scheduler{
		current:     schedule.InitialDelay,
		max:         schedule.MaxDelay,
		factor:      schedule.Factor,
		jitter:      schedule.Jitter,
		maxAttempts: schedule.MaxAttempts,
	}
	return run(ctx, probe, condition, s, opts)
}

func run[T any](ctx context.Context, probe Probe[T], condition Condition[T], s *scheduler, opts Options[T]) (T, error) {
	var zero T
	if probe == nil {
		return zero, &ValidationError{Field: "probe", Reason: "must not be nil"}
	}
	if condition == nil {
		return zero, &ValidationError{Field: "condition", Reason: "must not be nil"}
	}
	if s.maxAttempts < 1 {
		return zero, &ValidationError{Field: "max attempts", Reason: fmt.Sprintf("must be at least 1, got %d", s.maxAttempts)}
	}
	opts = opts.withDefaults()

	var (
		counted    int
		calls      int
		lastErr    error
		lastResult *T
	)
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		calls++
		outcome := probe(ctx)

		var decision RateLimitDecision
		switch outcome.kind {
		case kindFatal:
			return zero, outcome.err
		case kindRetryable:
			if !opts.RetryIf(outcome.err) {
				return zero, outcome.err
			}
			lastErr = outcome.err
			if opts.ErrorRateLimit != nil {
				decision = opts.ErrorRateLimit(outcome.err)
			}
			if !decision.Limited {
				counted++
				if counted >= s.maxAttempts {
					return zero, newExhaustedError(opts.Operation, counted, calls, lastErr, lastResult)
				}
			}
			opts.Logger.Debugf("[%s] attempt %d/%d failed: %s", opts.Operation, counted, s.maxAttempts, outcome.err)
		default:
			if condition(outcome.value) {
				opts.Logger.Debugf("[%s] condition met after %d call(s)", opts.Operation, calls)
				return outcome.value, nil
			}
			value := outcome.value
			lastResult = &value
			if counted+1 >= s.maxAttempts {
				counted++
				return zero, newExhaustedError(opts.Operation, counted, calls, lastErr, lastResult)
			}
			if opts.ResultRateLimit != nil {
				decision = opts.ResultRateLimit(outcome.value)
			}
			if !decision.Limited {
				counted++
			}
		}

		wait := s.next(decision, opts.random)
		if decision.Limited {
			opts.Logger.Debugf("[%s] rate limited, waiting %s (not counted, %d/%d attempts used)", opts.Operation, wait, counted, s.maxAttempts)
		} else {
			opts.Logger.Debugf("[%s] condition not met, waiting %s before attempt %d/%d", opts.Operation, wait, counted+1, s.maxAttempts)
		}
		if err := opts.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

func (o Options[T]) withDefaults() Options[T] {
	if o.Operation == "" {
		o.Operation = "poll"
	}
	if o.RetryIf == nil {
		o.RetryIf = DefaultRetryIf
	}
	if o.Logger == nil {
		o.Logger = log.NewLogger()
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	if o.random == nil {
		o.random = rand.Float64
	}
	return o
}

// scheduler computes waits; it is owned by a single polling call.
type scheduler struct {
	current     time.Duration
	max         time.Duration
	factor      float64
	jitter      bool
	maxAttempts int
}

// next returns the wait before the next attempt. Rate limited waits use the override if present,
// are never jittered and leave the backoff sequence untouched.
func (s *scheduler) next(decision RateLimitDecision, random func() float64) time.Duration {
	if decision.Limited {
		if decision.Delay > 0 {
			return decision.Delay
		}
		return s.current
	}

	wait := s.current
	if s.jitter {
		wait = time.Duration(float64(wait) * (0.5 + random()))
	}

	grown := float64(s.current) * s.factor
	if grown >= float64(s.max) {
		s.current = s.max
	} else {
		s.current = time.Duration(grown)
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
