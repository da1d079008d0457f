// Package retry is the bounded retry primitive shared by dependency waits,
// lock-contention retries and allocation conflict retries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of calls, including the first one.
	Attempts int
	// Interval is the wait before the second attempt. Zero retries immediately.
	Interval time.Duration
	// MaxInterval caps exponential growth. Zero leaves it uncapped.
	MaxInterval time.Duration
	// Exponential doubles the interval after every attempt.
	Exponential bool
}

// Constant returns a fixed-interval policy.
func Constant(attempts int, interval time.Duration) Policy {
	return Policy{Attempts: attempts, Interval: interval}
}

// Exponential returns a doubling policy capped at maxInterval.
func Exponential(attempts int, base, maxInterval time.Duration) Policy {
	return Policy{Attempts: attempts, Interval: base, MaxInterval: maxInterval, Exponential: true}
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Retryable marks err as transient. Errors returned unmarked stop the loop at once.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return goretry.RetryableError(&transientError{err: err})
}

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// Do calls fn until it succeeds, returns a non-retryable error, the context ends,
// or the policy runs out of attempts.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	calls := 0
	err := goretry.Do(ctx, p.backoff(attempts), func(ctx context.Context) error {
		calls++
		return fn(ctx)
	})
	var te *transientError
	if errors.As(err, &te) {
		return &ExhaustedError{Attempts: calls, Err: te.err}
	}
	return err
}

func (p Policy) backoff(attempts int) goretry.Backoff {
	var b goretry.Backoff
	switch {
	case p.Interval <= 0:
		b = goretry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	case p.Exponential:
		b = goretry.NewExponential(p.Interval)
		if p.MaxInterval > 0 {
			b = goretry.WithCappedDuration(p.MaxInterval, b)
		}
	default:
		b = goretry.NewConstant(p.Interval)
	}
	return goretry.WithMaxRetries(uint64(attempts-1), b)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }
