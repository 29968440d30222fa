package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntil_SucceedsOnThirdAttempt(t *testing.T) {
	var retries []int
	err := Until(context.Background(), Options{
		Interval:    time.Millisecond,
		MaxAttempts: 5,
		OnRetry:     func(attempt int, _ error) { retries = append(retries, attempt) },
	}, func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Fatalf("unexpected retry callbacks: %v", retries)
	}
}

func TestUntil_ExhaustsBound(t *testing.T) {
	calls := 0
	err := Until(context.Background(), Options{Interval: time.Millisecond, MaxAttempts: 4},
		func(context.Context, int) error {
			calls++
			return errors.New("down")
		})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestUntil_FixedIntervalBoundsTotalWait(t *testing.T) {
	start := time.Now()
	_ = Until(context.Background(), Options{Interval: 20 * time.Millisecond, MaxAttempts: 3},
		func(context.Context, int) error { return errors.New("down") })
	elapsed := time.Since(start)
	if elapsed < 40*time.Millisecond {
		t.Fatalf("expected two fixed waits, elapsed %v", elapsed)
	}
	if elapsed > time.Second {
		t.Fatalf("waited far too long: %v", elapsed)
	}
}

func TestUntil_AbortStopsImmediately(t *testing.T) {
	sentinel := errors.New("fatal")
	calls := 0
	err := Until(context.Background(), Options{Interval: time.Millisecond, MaxAttempts: 10},
		func(context.Context, int) error {
			calls++
			return Abort(sentinel)
		})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestUntil_ContextCancelUnbounded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := Until(ctx, Options{Interval: 5 * time.Millisecond},
		func(context.Context, int) error { return errors.New("never") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
