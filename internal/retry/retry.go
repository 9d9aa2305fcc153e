// Package retry provides a generic retryable-operation wrapper with
// exponential backoff, bounded jitter, and pluggable error classification.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// Config defines retry behavior. Zero values are replaced with defaults
// by New.
type Config struct {
	MaxRetries        int           // attempts beyond the first; total attempts = MaxRetries+1
	BaseDelay         time.Duration // delay before the first retry
	MaxDelay          time.Duration // cap on the computed backoff delay
	BackoffMultiplier float64       // exponential growth factor
	JitterMax         float64       // max fractional jitter added to each delay, 0..1
	RetryIf           Classifier    // nil means DefaultRetryIf
}

// Stats reports how an ExecuteWithStats run went.
type Stats struct {
	Attempts      int
	TotalDuration time.Duration
}

// Operation runs functions with retry semantics. Safe for concurrent use.
type Operation struct {
	cfg Config
}

// New creates an Operation, filling unset config fields with defaults.
func New(cfg Config) *Operation {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.JitterMax < 0 {
		cfg.JitterMax = 0
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = DefaultRetryIf
	}
	return &Operation{cfg: cfg}
}

// ForHTTP is tuned for flaky HTTP endpoints: modest retries, fast ramp.
func ForHTTP() *Operation {
	return New(Config{MaxRetries: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, JitterMax: 0.25})
}

// ForDatabase is tuned for lock contention: short delays, more attempts.
func ForDatabase() *Operation {
	return New(Config{MaxRetries: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond, JitterMax: 0.25})
}

// Aggressive retries hard and fast. For calls that must eventually land.
func Aggressive() *Operation {
	return New(Config{MaxRetries: 8, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, JitterMax: 0.5})
}

// Conservative retries once, slowly. For expensive side-effecting calls.
func Conservative() *Operation {
	return New(Config{MaxRetries: 1, BaseDelay: time.Second, MaxDelay: 10 * time.Second, JitterMax: 0.1})
}

// Execute runs fn up to MaxRetries+1 times. The classifier is consulted
// before every retry; a false verdict rethrows the error immediately.
// When attempts are exhausted the last error is returned unchanged.
func (o *Operation) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, _, err := doWithStats(ctx, o, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteWithStats is Execute plus attempt accounting.
func (o *Operation) ExecuteWithStats(ctx context.Context, fn func(context.Context) error) (Stats, error) {
	_, stats, err := doWithStats(ctx, o, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return stats, err
}

// Do runs fn with the operation's retry policy and returns its value.
func Do[T any](ctx context.Context, o *Operation, fn func(context.Context) (T, error)) (T, error) {
	v, _, err := doWithStats(ctx, o, fn)
	return v, err
}

// DoWithStats is Do plus attempt accounting.
func DoWithStats[T any](ctx context.Context, o *Operation, fn func(context.Context) (T, error)) (T, Stats, error) {
	return doWithStats(ctx, o, fn)
}

func doWithStats[T any](ctx context.Context, o *Operation, fn func(context.Context) (T, error)) (T, Stats, error) {
	var zero T
	start := time.Now()
	stats := Stats{}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := o.delayFor(attempt)
			select {
			case <-ctx.Done():
				stats.TotalDuration = time.Since(start)
				return zero, stats, ctx.Err()
			case <-time.After(delay):
			}
		}

		stats.Attempts++
		v, err := fn(ctx)
		if err == nil {
			stats.TotalDuration = time.Since(start)
			return v, stats, nil
		}
		lastErr = err

		if !o.cfg.RetryIf(err) {
			break
		}
	}

	stats.TotalDuration = time.Since(start)
	return zero, stats, lastErr
}

// delayFor computes the backoff delay preceding the given retry attempt
// (attempt >= 1): min(base * multiplier^(attempt-1), max) plus jitter.
func (o *Operation) delayFor(attempt int) time.Duration {
	delay := time.Duration(float64(o.cfg.BaseDelay) * math.Pow(o.cfg.BackoffMultiplier, float64(attempt-1)))
	if delay > o.cfg.MaxDelay {
		delay = o.cfg.MaxDelay
	}
	if o.cfg.JitterMax > 0 && delay > 0 {
		jitter := time.Duration(rand.Float64() * o.cfg.JitterMax * float64(delay))
		delay += jitter
	}
	return delay
}

// DefaultRetryIf classifies transient failures: timeouts, connection
// trouble, rate limiting, and 5xx responses are retryable; context
// cancellation and other client errors are not.
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := err.Error()

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "temporary") {
		return true
	}
	if strings.Contains(errStr, "rate") || strings.Contains(errStr, "429") {
		return true
	}
	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return true
	}
	if strings.Contains(errStr, "400") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "404") {
		return false
	}
	return false
}
