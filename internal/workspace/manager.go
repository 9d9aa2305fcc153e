package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sociotechnica-org/lifebuild/internal/bus"
)

// StoreHealth is one store's entry in a health snapshot.
type StoreHealth struct {
	StoreID           string    `json:"store_id"`
	Status            Status    `json:"status"`
	ErrorCount        int       `json:"error_count"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastActivity      time.Time `json:"last_activity"`
}

// HealthStatus aggregates per-store health. Healthy is false if any store
// is in error status.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Stores  []StoreHealth `json:"stores"`
}

// storeRecord is the manager's private bookkeeping for one monitored store.
// The store handle is owned exclusively by the manager.
type storeRecord struct {
	storeID           string
	store             Store
	status            Status
	errorCount        int
	reconnectAttempts int
	lastActivity      time.Time
}

// ManagerConfig holds the dependencies for a Manager.
type ManagerConfig struct {
	Factory Factory
	Logger  *slog.Logger
	Bus     *bus.Bus // may be nil
}

// Manager keeps a live connection to every monitored workspace store.
// The registry is mutated only by its own methods.
type Manager struct {
	factory Factory
	logger  *slog.Logger
	bus     *bus.Bus

	mu     sync.RWMutex
	stores map[string]*storeRecord
}

// NewManager creates a Manager with the given config.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory: cfg.Factory,
		logger:  logger,
		bus:     cfg.Bus,
		stores:  make(map[string]*storeRecord),
	}
}

// Initialize concurrently creates a store per id, tolerating individual
// failures: a failed id is simply absent from the registry.
func (m *Manager) Initialize(ctx context.Context, storeIDs []string) {
	var wg sync.WaitGroup
	for _, id := range storeIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.AddStore(ctx, id); err != nil {
				m.logger.Error("failed to initialize store", "store_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// AddStore is idempotent: an already-monitored id returns its existing
// store. Otherwise construction is delegated to the factory, and the
// factory's error is returned as-is (no retry here).
func (m *Manager) AddStore(ctx context.Context, storeID string) (Store, error) {
	if !m.factory.ValidateStoreID(storeID) {
		return nil, fmt.Errorf("invalid store id %q", storeID)
	}

	m.mu.Lock()
	if rec, ok := m.stores[storeID]; ok {
		existing := rec.store
		m.mu.Unlock()
		if existing == nil {
			return nil, fmt.Errorf("store %q is still being provisioned", storeID)
		}
		return existing, nil
	}
	// Reserve the slot before the (slow) factory call so a concurrent add
	// of the same id gets a provisioning-in-progress error instead of
	// racing a second factory call.
	rec := &storeRecord{
		storeID:      storeID,
		status:       StatusConnecting,
		lastActivity: time.Now(),
	}
	m.stores[storeID] = rec
	m.mu.Unlock()

	store, err := m.factory.CreateStore(ctx, storeID, m.handleStatus)
	if err != nil {
		m.mu.Lock()
		delete(m.stores, storeID)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	rec.store = store
	m.mu.Unlock()

	m.logger.Info("store added", "store_id", storeID)
	if m.bus != nil {
		m.bus.Publish(bus.TopicWorkspaceAdded, storeID)
	}
	return store, nil
}

// RemoveStore shuts the store down gracefully. Shutdown errors are
// swallowed (logged) so that removal always succeeds for the caller.
func (m *Manager) RemoveStore(ctx context.Context, storeID string) {
	m.mu.Lock()
	rec, ok := m.stores[storeID]
	if ok {
		delete(m.stores, storeID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	rec.status = StatusDisconnected
	if rec.store != nil {
		if err := rec.store.Close(ctx); err != nil {
			m.logger.Warn("store shutdown reported error", "store_id", storeID, "error", err)
		}
	}

	m.logger.Info("store removed", "store_id", storeID)
	if m.bus != nil {
		m.bus.Publish(bus.TopicWorkspaceRemoved, storeID)
	}
}

// GetStore returns the store for an id, or nil if not monitored.
func (m *Manager) GetStore(storeID string) Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.stores[storeID]; ok {
		return rec.store
	}
	return nil
}

// GetAllStores returns a snapshot of monitored stores keyed by id.
// Records still waiting on factory construction are excluded.
func (m *Manager) GetAllStores() map[string]Store {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Store, len(m.stores))
	for id, rec := range m.stores {
		if rec.store != nil {
			out[id] = rec.store
		}
	}
	return out
}

// MonitoredIDs returns the sorted set of monitored store ids.
func (m *Manager) MonitoredIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.stores))
	for id := range m.stores {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// UpdateActivity records activity for a store. No-op for unknown ids.
func (m *Manager) UpdateActivity(storeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.stores[storeID]; ok {
		rec.lastActivity = time.Now()
	}
}

// GetHealthStatus aggregates per-store status. Healthy is false if any
// store is in error status.
func (m *Manager) GetHealthStatus() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hs := HealthStatus{Healthy: true, Stores: make([]StoreHealth, 0, len(m.stores))}
	for _, rec := range m.stores {
		if rec.status == StatusError {
			hs.Healthy = false
		}
		hs.Stores = append(hs.Stores, StoreHealth{
			StoreID:           rec.storeID,
			Status:            rec.status,
			ErrorCount:        rec.errorCount,
			ReconnectAttempts: rec.reconnectAttempts,
			LastActivity:      rec.lastActivity,
		})
	}
	slices.SortFunc(hs.Stores, func(a, b StoreHealth) int {
		if a.StoreID < b.StoreID {
			return -1
		}
		if a.StoreID > b.StoreID {
			return 1
		}
		return 0
	})
	return hs
}

// Shutdown tears down all stores and clears the registry.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	records := make([]*storeRecord, 0, len(m.stores))
	for _, rec := range m.stores {
		records = append(records, rec)
	}
	m.stores = make(map[string]*storeRecord)
	m.mu.Unlock()

	for _, rec := range records {
		rec.status = StatusDisconnected
		if rec.store == nil {
			continue
		}
		if err := rec.store.Close(ctx); err != nil {
			m.logger.Warn("store shutdown reported error", "store_id", rec.storeID, "error", err)
		}
	}
	m.logger.Info("store manager shut down", "count", len(records))
}

// handleStatus applies connection-event transitions reported by a store's
// transport: connecting → connected, connected ↔ error. A transport that
// reports disconnected has given up for good, so the record is evicted
// and the next reconciliation pass provisions a replacement. Events for
// ids no longer in the registry are ignored.
func (m *Manager) handleStatus(storeID string, status Status, err error) {
	if status == StatusDisconnected {
		m.evictDead(storeID, err)
		return
	}

	m.mu.Lock()
	rec, ok := m.stores[storeID]
	var old Status
	if ok {
		old = rec.status
		rec.status = status
		switch status {
		case StatusConnected:
			rec.lastActivity = time.Now()
			rec.reconnectAttempts = 0
		case StatusError:
			rec.errorCount++
		case StatusConnecting:
			rec.reconnectAttempts++
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err != nil {
		m.logger.Warn("store transport error", "store_id", storeID, "error", err)
	} else {
		m.logger.Debug("store status changed", "store_id", storeID, "from", old, "to", status)
	}
	if m.bus != nil && old != status {
		m.bus.Publish(bus.TopicWorkspaceStatus, bus.WorkspaceStatusEvent{
			StoreID:   storeID,
			OldStatus: string(old),
			NewStatus: string(status),
		})
	}
}

// evictDead drops a store whose transport reported a terminal disconnect.
// The id is still listed by the directory, so reconciliation re-adds it.
func (m *Manager) evictDead(storeID string, err error) {
	m.mu.Lock()
	rec, ok := m.stores[storeID]
	if ok {
		delete(m.stores, storeID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if rec.store != nil {
		_ = rec.store.Close(context.Background())
	}
	m.logger.Warn("store connection lost, evicting until next reconcile", "store_id", storeID, "error", err)
	if m.bus != nil {
		m.bus.Publish(bus.TopicWorkspaceRemoved, storeID)
	}
}
