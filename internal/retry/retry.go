// Package retry runs fallible operations with bounded attempts and a
// backoff schedule.
//
// The combinator knows nothing about what it retries: callers supply the
// operation, a classifier that separates transient from fatal errors, an
// attempt budget, and a backoff schedule. Exhausting the budget yields an
// *ExhaustedError so the caller can escalate.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/cellchain/internal/clock"
)

// Backoff returns how long to wait before the given retry. retry is 1 for
// the wait between the first and second attempt.
type Backoff func(retry int) time.Duration

// Policy configures Value and Do.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// Backoff schedules waits between attempts. Nil means no wait.
	Backoff Backoff

	// IsTransient reports whether an error is worth retrying. Nil treats
	// every error as transient.
	IsTransient func(error) bool

	// Clock drives backoff waits. Nil uses the real clock.
	Clock clock.Clock

	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// ExhaustedError is returned when every attempt failed with a transient
// error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// IsExhausted reports whether err is or wraps an *ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Exponential doubles the wait from initial on each retry, capped at max.
func Exponential(initial, max time.Duration) Backoff {
	return func(retry int) time.Duration {
		if retry < 1 || initial <= 0 {
			return 0
		}
		wait := initial
		for i := 1; i < retry; i++ {
			wait *= 2
			if max > 0 && wait >= max {
				return max
			}
		}
		if max > 0 && wait > max {
			return max
		}
		return wait
	}
}

// Value runs op until it succeeds, fails with a non-transient error, the
// attempt budget is spent, or ctx is cancelled during a backoff wait.
// Non-transient errors are returned unchanged.
func Value[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}

	var zero T
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			var wait time.Duration
			if p.Backoff != nil {
				wait = p.Backoff(attempt - 1)
			}
			if p.OnRetry != nil {
				p.OnRetry(attempt-1, last, wait)
			}
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-clk.After(wait):
			}
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if p.IsTransient != nil && !p.IsTransient(err) {
			return zero, err
		}
		last = err
	}
	return zero, &ExhaustedError{Attempts: attempts, Last: last}
}

// Do is Value for operations without a result.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
