package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sociotechnica-org/lifebuild/internal/workspace"
)

// DefaultScanInterval is the runner's tick period.
const DefaultScanInterval = time.Minute

// StoreSource supplies the currently monitored stores each tick.
type StoreSource interface {
	GetAllStores() map[string]workspace.Store
}

// RunnerConfig holds runner dependencies.
type RunnerConfig struct {
	Scheduler *Scheduler
	Stores    StoreSource
	Logger    *slog.Logger
	Interval  time.Duration
}

// Runner drives scans across all monitored stores on a ticker. Scans for
// one store are serialized: a tick skips any store whose previous scan
// has not returned yet.
type Runner struct {
	scheduler *Scheduler
	stores    StoreSource
	logger    *slog.Logger
	interval  time.Duration

	mu       sync.Mutex
	inFlight map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Runner{
		scheduler: cfg.Scheduler,
		stores:    cfg.Stores,
		logger:    logger,
		interval:  interval,
		inFlight:  make(map[string]bool),
	}
}

// Start launches the tick loop. The first scan runs immediately.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.ScanAll(ctx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ScanAll(ctx)
			}
		}
	}()
	r.logger.Info("scheduler runner started", "interval", r.interval)
}

// Stop cancels the loop and waits for in-progress scans to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// ScanAll launches one scan per monitored store, skipping stores whose
// previous scan is still running.
func (r *Runner) ScanAll(ctx context.Context) {
	for storeID, store := range r.stores.GetAllStores() {
		if !r.begin(storeID) {
			r.logger.Debug("scan still in flight, skipping", "store_id", storeID)
			continue
		}
		r.wg.Add(1)
		go func(storeID string, store workspace.Store) {
			defer r.wg.Done()
			defer r.end(storeID)
			if err := r.scheduler.CheckAndExecuteTasks(ctx, storeID, store); err != nil {
				r.logger.Error("store scan failed", "store_id", storeID, "error", err)
			}
		}(storeID, store)
	}
}

func (r *Runner) begin(storeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[storeID] {
		return false
	}
	r.inFlight[storeID] = true
	return true
}

func (r *Runner) end(storeID string) {
	r.mu.Lock()
	delete(r.inFlight, storeID)
	r.mu.Unlock()
}
