package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastOp(maxRetries int, retryIf Classifier) *Operation {
	return New(Config{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		RetryIf:    retryIf,
	})
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	op := fastOp(3, func(error) bool { return true })

	v, stats, err := DoWithStats(context.Background(), op, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Fatalf("value = %q, want ok", v)
	}
	if stats.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", stats.Attempts)
	}
}

func TestNonRetryableRethrownImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("401 unauthorized")
	op := fastOp(5, DefaultRetryIf)

	err := op.Execute(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retries on non-retryable)", calls)
	}
}

func TestExhaustionReturnsOriginalError(t *testing.T) {
	sentinel := errors.New("timeout waiting for response")
	op := fastOp(2, DefaultRetryIf)

	calls := 0
	err := op.Execute(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("err = %v, want the original error unchanged", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (1 + 2 retries)", calls)
	}
}

func TestContextCancelAbortsSleep(t *testing.T) {
	op := New(Config{MaxRetries: 3, BaseDelay: time.Hour, RetryIf: func(error) bool { return true }})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := op.Execute(ctx, func(context.Context) error {
		return errors.New("connection refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("retry sleep did not abort on cancellation")
	}
}

func TestDelayCappedAtMax(t *testing.T) {
	op := New(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffMultiplier: 10, JitterMax: 0})
	if d := op.delayFor(5); d != 300*time.Millisecond {
		t.Fatalf("delay = %v, want capped 300ms", d)
	}
}

func TestDefaultRetryIf(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("request timeout"), true},
		{errors.New("429 too many requests"), true},
		{errors.New("503 service unavailable"), true},
		{errors.New("404 not found"), false},
		{errors.New("invalid argument"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
		{fmt.Errorf("wrapped: %w", context.Canceled), false},
	}
	for _, tc := range cases {
		if got := DefaultRetryIf(tc.err); got != tc.want {
			t.Errorf("DefaultRetryIf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestPresetsDifferOnlyInDefaults(t *testing.T) {
	for name, op := range map[string]*Operation{
		"http":         ForHTTP(),
		"database":     ForDatabase(),
		"aggressive":   Aggressive(),
		"conservative": Conservative(),
	} {
		if op.cfg.RetryIf == nil {
			t.Errorf("%s preset missing classifier", name)
		}
		if op.cfg.MaxRetries < 1 {
			t.Errorf("%s preset has no retries", name)
		}
	}
}
