// Package tracker is the durable claim ledger for recurring-task executions.
// A claim is an atomic assertion that one specific (task, scheduled time,
// store) execution instance has been taken by exactly one caller, enforced
// by a SQLite uniqueness constraint rather than in-process locking, so it
// holds across horizontally scaled scheduler processes.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotInitialized is returned when a method is called before Initialize.
var ErrNotInitialized = errors.New("tracker: not initialized")

// Tracker records processed task executions in a SQLite ledger.
type Tracker struct {
	path string
	db   *sql.DB
}

// New creates a Tracker for the given database path. Initialize must be
// called before any other method.
func New(path string) *Tracker {
	return &Tracker{path: path}
}

// Initialize opens (creating if absent) the ledger database and its
// containing directory.
func (t *Tracker) Initialize(ctx context.Context) error {
	if t.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create tracker directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", t.path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS processed_executions (
			task_id        TEXT NOT NULL,
			scheduled_time TIMESTAMP NOT NULL,
			store_id       TEXT NOT NULL,
			processed_at   TIMESTAMP NOT NULL,
			PRIMARY KEY (task_id, scheduled_time, store_id)
		);
		CREATE INDEX IF NOT EXISTS idx_processed_store ON processed_executions(store_id);
		CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_executions(processed_at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("init tracker schema: %w", err)
	}

	t.db = db
	return nil
}

// MarkProcessed attempts to atomically claim the execution instance.
// Returns true when this call performed the insert (the claim was won),
// false when the key already existed. Of N concurrent callers with an
// identical key, exactly one receives true.
func (t *Tracker) MarkProcessed(ctx context.Context, taskID string, scheduledTime time.Time, storeID string) (bool, error) {
	if t.db == nil {
		return false, ErrNotInitialized
	}

	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := t.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO processed_executions (task_id, scheduled_time, store_id, processed_at)
			VALUES (?, ?, ?, ?);
		`, taskID, scheduledTime.UTC(), storeID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// IsProcessed is a pure existence check for the composite key.
func (t *Tracker) IsProcessed(ctx context.Context, taskID string, scheduledTime time.Time, storeID string) (bool, error) {
	if t.db == nil {
		return false, ErrNotInitialized
	}

	var one int
	err := t.db.QueryRowContext(ctx, `
		SELECT 1 FROM processed_executions
		WHERE task_id = ? AND scheduled_time = ? AND store_id = ?;
	`, taskID, scheduledTime.UTC(), storeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check claim: %w", err)
	}
	return true, nil
}

// ProcessedCount counts recorded claims, optionally filtered by store.
// An empty storeID counts everything.
func (t *Tracker) ProcessedCount(ctx context.Context, storeID string) (int64, error) {
	if t.db == nil {
		return 0, ErrNotInitialized
	}

	var count int64
	var err error
	if storeID == "" {
		err = t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_executions;`).Scan(&count)
	} else {
		err = t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_executions WHERE store_id = ?;`, storeID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count claims: %w", err)
	}
	return count, nil
}

// CleanupOlderThan deletes claims processed before now - olderThanDays and
// returns the number removed. A value of 0 deletes everything.
func (t *Tracker) CleanupOlderThan(ctx context.Context, olderThanDays int) (int64, error) {
	if t.db == nil {
		return 0, ErrNotInitialized
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := t.db.ExecContext(ctx, `
			DELETE FROM processed_executions WHERE processed_at < ?;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup claims: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cleanup rows affected: %w", err)
		}
		return nil
	})
	return removed, err
}

// Close releases the ledger's storage resources.
func (t *Tracker) Close() error {
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}
