package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Constant(5, 0), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("not yet"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoReturnsExhaustedAfterBoundedAttempts(t *testing.T) {
	cause := errors.New("connection refused")
	calls := 0
	err := Do(context.Background(), Constant(4, time.Millisecond), func(context.Context) error {
		calls++
		return Retryable(cause)
	})
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
	if !IsExhausted(err) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected exhausted error to wrap cause, got %v", err)
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) && exhausted.Attempts != 4 {
		t.Fatalf("expected 4 attempts recorded, got %d", exhausted.Attempts)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	cause := errors.New("bad credentials")
	calls := 0
	err := Do(context.Background(), Constant(5, 0), func(context.Context) error {
		calls++
		return cause
	})
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if !errors.Is(err, cause) || IsExhausted(err) {
		t.Fatalf("expected permanent error to pass through, got %v", err)
	}
}

func TestDoHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Constant(10, 50*time.Millisecond), func(context.Context) error {
		calls++
		cancel()
		return Retryable(errors.New("busy"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call before cancellation, got %d", calls)
	}
}

func TestExponentialPolicyBackoffIsCapped(t *testing.T) {
	b := Exponential(5, 10*time.Millisecond, 25*time.Millisecond).backoff(5)
	var waits []time.Duration
	for {
		next, stop := b.Next()
		if stop {
			break
		}
		waits = append(waits, next)
	}
	if len(waits) != 4 {
		t.Fatalf("expected 4 waits for 5 attempts, got %d", len(waits))
	}
	for _, w := range waits {
		if w > 25*time.Millisecond {
			t.Fatalf("wait %s exceeds cap", w)
		}
	}
}
