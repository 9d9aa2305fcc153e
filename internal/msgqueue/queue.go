// Package msgqueue buffers inbound chat messages per conversation while an
// agent run is in flight. Queues are bounded, FIFO, and TTL-expiring.
package msgqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMaxPerConversation = 100
	defaultTTL                = 5 * time.Minute
	defaultSweepInterval      = time.Minute
)

// Message is one buffered chat message.
type Message struct {
	ID        string
	Content   string
	Timestamp time.Time
}

// OverflowError reports a rejected enqueue on a full conversation queue.
// The message was not added.
type OverflowError struct {
	Key  string
	Size int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("message queue overflow for conversation %q: %d messages buffered", e.Key, e.Size)
}

// Stats summarizes current queue state.
type Stats struct {
	TotalConversations int
	TotalMessages      int
	AverageQueueLength float64
	MaxQueueLength     int
}

// Config holds the dependencies and tuning for a Manager.
type Config struct {
	MaxPerConversation int           // queue cap per key; defaults to 100
	TTL                time.Duration // staleness horizon; defaults to 5 minutes
	SweepInterval      time.Duration // periodic purge cadence; defaults to 1 minute
	Logger             *slog.Logger
}

// Manager owns the per-conversation queues. All mutation goes through its
// methods; the registry is never handed out.
type Manager struct {
	mu     sync.Mutex
	queues map[string][]Message

	maxLen int
	ttl    time.Duration
	sweep  time.Duration
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager with the given config.
func NewManager(cfg Config) *Manager {
	if cfg.MaxPerConversation <= 0 {
		cfg.MaxPerConversation = defaultMaxPerConversation
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		queues: make(map[string][]Message),
		maxLen: cfg.MaxPerConversation,
		ttl:    cfg.TTL,
		sweep:  cfg.SweepInterval,
		logger: cfg.Logger,
	}
}

// Start begins the periodic sweep. Optional; Enqueue also purges lazily.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepStale()
		}
	}
}

// Enqueue appends a message to the conversation's queue, purging stale
// entries first. A full queue yields an *OverflowError and the message is
// not added.
func (m *Manager) Enqueue(key string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.purgeLocked(key)
	if len(q) >= m.maxLen {
		return &OverflowError{Key: key, Size: len(q)}
	}
	m.queues[key] = append(q, msg)
	return nil
}

// Dequeue pops the oldest message, or returns nil for an empty or unknown key.
func (m *Manager) Dequeue(key string) *Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[key]
	if len(q) == 0 {
		return nil
	}
	msg := q[0]
	if len(q) == 1 {
		delete(m.queues, key)
	} else {
		m.queues[key] = q[1:]
	}
	return &msg
}

// HasMessages reports whether the key has anything buffered.
func (m *Manager) HasMessages(key string) bool {
	return m.QueueLength(key) > 0
}

// QueueLength returns the current queue length; 0 for unknown keys.
func (m *Manager) QueueLength(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[key])
}

// SweepStale purges expired entries across all keys and drops queues that
// become empty, so abandoned conversations do not grow key cardinality.
func (m *Manager) SweepStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for key := range m.queues {
		before := len(m.queues[key])
		q := m.purgeLocked(key)
		purged += before - len(q)
		if len(q) == 0 {
			delete(m.queues, key)
		} else {
			m.queues[key] = q
		}
	}
	if purged > 0 {
		m.logger.Debug("purged stale queued messages", "count", purged)
	}
}

// purgeLocked drops entries older than the TTL from one key's queue and
// returns the surviving slice. Caller holds m.mu.
func (m *Manager) purgeLocked(key string) []Message {
	q := m.queues[key]
	if len(q) == 0 {
		return q
	}
	cutoff := time.Now().Add(-m.ttl)
	// Entries are in insertion order, so the first fresh entry bounds the purge.
	i := 0
	for i < len(q) && q[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return q
	}
	m.queues[key] = q[i:]
	return m.queues[key]
}

// GetStats computes aggregate queue statistics from current state.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{TotalConversations: len(m.queues)}
	for _, q := range m.queues {
		s.TotalMessages += len(q)
		if len(q) > s.MaxQueueLength {
			s.MaxQueueLength = len(q)
		}
	}
	if s.TotalConversations > 0 {
		s.AverageQueueLength = float64(s.TotalMessages) / float64(s.TotalConversations)
	}
	return s
}

// Destroy cancels the periodic sweep and clears all queues.
func (m *Manager) Destroy() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = make(map[string][]Message)
}
