// Package reconcile periodically heals drift between the authoritative
// workspace directory and the set of stores actually being monitored.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sociotechnica-org/lifebuild/internal/bus"
	"github.com/sociotechnica-org/lifebuild/internal/workspace"
)

const (
	// DefaultInterval between periodic reconciliation runs.
	DefaultInterval = 5 * time.Minute
	// MinInterval guards against hammering the directory.
	MinInterval = 30 * time.Second
)

// Orchestrator is the set of hooks the reconciler drives to converge the
// monitored set. Provision and deprovision failures are collected per id,
// never aborted wholesale.
type Orchestrator interface {
	MonitoredIDs() []string
	ProvisionStore(ctx context.Context, storeID string) error
	DeprovisionStore(ctx context.Context, storeID string) error
}

// IDFailure records one per-id provisioning failure.
type IDFailure struct {
	StoreID string `json:"store_id"`
	Error   string `json:"error"`
}

// Result is the value object produced by one reconciliation run.
// Never mutated after production.
type Result struct {
	Added              []string    `json:"added"`
	Removed            []string    `json:"removed"`
	FailedAdds         []IDFailure `json:"failed_adds"`
	FailedRemovals     []IDFailure `json:"failed_removals"`
	AuthoritativeCount int         `json:"authoritative_count"`
	MonitoredCount     int         `json:"monitored_count"` // pre-run monitored count
	CompletedAt        time.Time   `json:"completed_at"`
}

// Success reports whether the run converged with no per-id failures.
func (r *Result) Success() bool {
	return len(r.FailedAdds) == 0 && len(r.FailedRemovals) == 0
}

// Status is a snapshot of the reconciler's running counters.
type Status struct {
	Running        bool      `json:"running"`
	TotalRuns      int64     `json:"total_runs"`
	TotalSuccesses int64     `json:"total_successes"`
	TotalFailures  int64     `json:"total_failures"`
	LastResult     *Result   `json:"last_result,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastRunAt      time.Time `json:"last_run_at,omitempty"`
}

// Config holds the dependencies for a Reconciler.
type Config struct {
	Directory    workspace.Directory
	Orchestrator Orchestrator
	Logger       *slog.Logger
	Bus          *bus.Bus      // may be nil
	Interval     time.Duration // defaults to DefaultInterval, floored at MinInterval
}

// Reconciler converges the monitored store set toward the directory's
// authoritative workspace set.
type Reconciler struct {
	directory workspace.Directory
	orch      Orchestrator
	logger    *slog.Logger
	bus       *bus.Bus
	interval  time.Duration

	inFlight atomic.Bool

	mu             sync.Mutex
	totalRuns      int64
	totalSuccesses int64
	totalFailures  int64
	lastResult     *Result
	lastError      string
	lastRunAt      time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Reconciler with the given config.
func New(cfg Config) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		directory: cfg.Directory,
		orch:      cfg.Orchestrator,
		logger:    logger,
		bus:       cfg.Bus,
		interval:  interval,
	}
}

// Start performs one immediate reconciliation (fire-and-forget) then
// schedules periodic runs.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("workspace reconciler started", "interval", r.interval)
}

// Stop cancels the periodic schedule and waits for the loop to exit.
// An in-flight run completes; subsequent ticks are cancelled.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("workspace reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if _, err := r.Reconcile(ctx); err != nil {
		r.logger.Error("initial reconciliation failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error("reconciliation failed", "error", err)
			}
		}
	}
}

// Reconcile runs one reconciliation pass. It is single-flight: a call made
// while another run is in progress returns (nil, nil) immediately rather
// than queueing, so a slow run simply causes ticks to be skipped.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.Debug("reconciliation already in progress, skipping")
		return nil, nil
	}
	defer r.inFlight.Store(false)

	if r.bus != nil {
		r.bus.Publish(bus.TopicReconcileStarted, nil)
	}

	records, err := r.directory.ListWorkspaces(ctx)
	if err != nil {
		err = fmt.Errorf("list workspaces: %w", err)
		r.recordAbort(err)
		return nil, err
	}

	authoritative := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.InstanceID == "" {
			continue
		}
		authoritative[rec.InstanceID] = struct{}{}
	}

	monitored := r.orch.MonitoredIDs()
	monitoredSet := make(map[string]struct{}, len(monitored))
	for _, id := range monitored {
		monitoredSet[id] = struct{}{}
	}

	toAdd := diff(authoritative, monitoredSet)
	toRemove := diff(monitoredSet, authoritative)

	result := &Result{
		Added:              []string{},
		Removed:            []string{},
		FailedAdds:         []IDFailure{},
		FailedRemovals:     []IDFailure{},
		AuthoritativeCount: len(authoritative),
		MonitoredCount:     len(monitored),
	}

	for _, id := range toAdd {
		if err := r.orch.ProvisionStore(ctx, id); err != nil {
			r.logger.Error("failed to provision store", "store_id", id, "error", err)
			result.FailedAdds = append(result.FailedAdds, IDFailure{StoreID: id, Error: err.Error()})
			continue
		}
		result.Added = append(result.Added, id)
	}
	for _, id := range toRemove {
		if err := r.orch.DeprovisionStore(ctx, id); err != nil {
			r.logger.Error("failed to deprovision store", "store_id", id, "error", err)
			result.FailedRemovals = append(result.FailedRemovals, IDFailure{StoreID: id, Error: err.Error()})
			continue
		}
		result.Removed = append(result.Removed, id)
	}
	result.CompletedAt = time.Now()

	r.recordResult(result)

	if len(result.Added) > 0 || len(result.Removed) > 0 || !result.Success() {
		r.logger.Info("reconciliation completed",
			"added", len(result.Added),
			"removed", len(result.Removed),
			"failed_adds", len(result.FailedAdds),
			"failed_removals", len(result.FailedRemovals),
			"authoritative", result.AuthoritativeCount,
			"monitored", result.MonitoredCount,
		)
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicReconcileCompleted, bus.ReconcileEvent{
			Added:    len(result.Added),
			Removed:  len(result.Removed),
			Failures: len(result.FailedAdds) + len(result.FailedRemovals),
		})
	}
	return result, nil
}

// GetStatus returns a snapshot of counters and the latest run state.
func (r *Reconciler) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Running:        r.inFlight.Load(),
		TotalRuns:      r.totalRuns,
		TotalSuccesses: r.totalSuccesses,
		TotalFailures:  r.totalFailures,
		LastResult:     r.lastResult,
		LastError:      r.lastError,
		LastRunAt:      r.lastRunAt,
	}
}

func (r *Reconciler) recordResult(result *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalRuns++
	if result.Success() {
		r.totalSuccesses++
	} else {
		r.totalFailures++
	}
	r.lastResult = result
	r.lastError = ""
	r.lastRunAt = time.Now()
}

// recordAbort handles an error thrown before failure collection: the whole
// run aborts and the monitored set is untouched.
func (r *Reconciler) recordAbort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalRuns++
	r.totalFailures++
	r.lastError = err.Error()
	r.lastRunAt = time.Now()
	if r.bus != nil {
		r.bus.Publish(bus.TopicReconcileFailed, err.Error())
	}
}

// diff returns the sorted set difference a − b.
func diff(a, b map[string]struct{}) []string {
	var out []string
	for id := range a {
		if _, ok := b[id]; !ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
