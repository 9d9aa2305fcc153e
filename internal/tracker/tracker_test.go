package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := New(filepath.Join(t.TempDir(), "ledger", "executions.db"))
	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestMethodsFailBeforeInitialize(t *testing.T) {
	tr := New(filepath.Join(t.TempDir(), "executions.db"))
	ctx := context.Background()

	if _, err := tr.MarkProcessed(ctx, "t1", time.Now(), "ws-a"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("MarkProcessed err = %v, want ErrNotInitialized", err)
	}
	if _, err := tr.IsProcessed(ctx, "t1", time.Now(), "ws-a"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("IsProcessed err = %v, want ErrNotInitialized", err)
	}
	if _, err := tr.ProcessedCount(ctx, ""); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("ProcessedCount err = %v, want ErrNotInitialized", err)
	}
	if _, err := tr.CleanupOlderThan(ctx, 0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("CleanupOlderThan err = %v, want ErrNotInitialized", err)
	}
}

func TestClaimWonExactlyOnce(t *testing.T) {
	tr := openTestTracker(t)
	ctx := context.Background()
	when := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	won, err := tr.MarkProcessed(ctx, "task-1", when, "ws-a")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !won {
		t.Fatal("first claim should win")
	}

	won, err = tr.MarkProcessed(ctx, "task-1", when, "ws-a")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Fatal("second claim with identical key should lose")
	}
}

func TestDistinctKeysAreIndependentClaims(t *testing.T) {
	tr := openTestTracker(t)
	ctx := context.Background()
	when := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		task, store string
		at          time.Time
	}{
		{"task-1", "ws-a", when},
		{"task-1", "ws-b", when},                // different store
		{"task-1", "ws-a", when.Add(time.Hour)}, // different scheduled time
		{"task-2", "ws-a", when},                // different task
	}
	for _, tc := range cases {
		won, err := tr.MarkProcessed(ctx, tc.task, tc.at, tc.store)
		if err != nil {
			t.Fatalf("claim %+v: %v", tc, err)
		}
		if !won {
			t.Fatalf("claim %+v should be independent and win", tc)
		}
	}
}

func TestConcurrentClaimsExactlyOneWinner(t *testing.T) {
	tr := openTestTracker(t)
	when := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := tr.MarkProcessed(context.Background(), "task-1", when, "ws-a")
			if err != nil {
				t.Errorf("concurrent claim: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestIsProcessed(t *testing.T) {
	tr := openTestTracker(t)
	ctx := context.Background()
	when := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	ok, err := tr.IsProcessed(ctx, "task-1", when, "ws-a")
	if err != nil || ok {
		t.Fatalf("IsProcessed before claim = (%v, %v), want (false, nil)", ok, err)
	}
	if _, err := tr.MarkProcessed(ctx, "task-1", when, "ws-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ok, err = tr.IsProcessed(ctx, "task-1", when, "ws-a")
	if err != nil || !ok {
		t.Fatalf("IsProcessed after claim = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestProcessedCountWithStoreFilter(t *testing.T) {
	tr := openTestTracker(t)
	ctx := context.Background()
	when := time.Now().UTC()

	for i, store := range []string{"ws-a", "ws-a", "ws-b"} {
		if _, err := tr.MarkProcessed(ctx, "task-"+string(rune('a'+i)), when, store); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}

	total, err := tr.ProcessedCount(ctx, "")
	if err != nil || total != 3 {
		t.Fatalf("total = (%d, %v), want 3", total, err)
	}
	a, err := tr.ProcessedCount(ctx, "ws-a")
	if err != nil || a != 2 {
		t.Fatalf("ws-a = (%d, %v), want 2", a, err)
	}
	b, err := tr.ProcessedCount(ctx, "ws-b")
	if err != nil || b != 1 {
		t.Fatalf("ws-b = (%d, %v), want 1", b, err)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	tr := openTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		when := time.Now().UTC().Add(time.Duration(i) * time.Minute)
		if _, err := tr.MarkProcessed(ctx, "task-1", when, "ws-a"); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}

	// Retention of 30 days keeps just-created entries.
	removed, err := tr.CleanupOlderThan(ctx, 30)
	if err != nil {
		t.Fatalf("cleanup(30): %v", err)
	}
	if removed != 0 {
		t.Fatalf("cleanup(30) removed %d, want 0", removed)
	}

	// Zero deletes everything whose claim predates this instant.
	removed, err = tr.CleanupOlderThan(ctx, 0)
	if err != nil {
		t.Fatalf("cleanup(0): %v", err)
	}
	if removed != 3 {
		t.Fatalf("cleanup(0) removed %d, want 3", removed)
	}
	count, err := tr.ProcessedCount(ctx, "")
	if err != nil || count != 0 {
		t.Fatalf("count after cleanup = (%d, %v), want 0", count, err)
	}
}
