package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	r := &RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Logger: NewNopLogger()}
	calls := 0

	err := r.Do(context.Background(), "flaky", func() error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestRetryWrapsLastError(t *testing.T) {
	sentinel := errors.New("still broken")
	r := &RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, Logger: NewNopLogger()}

	err := r.Do(context.Background(), "broken", func() error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("expected wrapped sentinel, got %v", err)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("404")
	r := &RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
	}
	calls := 0

	err := r.Do(context.Background(), "lookup", func() error {
		calls++
		return permanent
	})

	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
	if err != permanent {
		t.Errorf("expected the unwrapped permanent error, got %v", err)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour}
	calls := 0

	start := time.Now()
	err := r.Do(ctx, "cancelled", func() error {
		calls++
		return errors.New("fail")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
	if time.Since(start) > time.Second {
		t.Error("retry did not stop on cancelled context")
	}
}
