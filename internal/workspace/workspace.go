// Package workspace defines the external collaborator contracts for
// per-tenant stores and the manager that keeps live connections to them.
package workspace

import (
	"context"
	"time"
)

// Event is a fire-and-forget mutation committed into a workspace store.
type Event struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Query describes a read against a workspace store.
type Query struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Row is one result row from a store query.
type Row = map[string]any

// Store is one tenant's continuously-synchronized data instance. The store's
// internal consistency model is its own concern; this core only commits
// events and runs queries.
type Store interface {
	Commit(ctx context.Context, ev Event) error
	Query(ctx context.Context, q Query) ([]Row, error)
	Close(ctx context.Context) error
}

// Status is a monitored store's connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// StatusFunc receives connection-state transitions from a store's transport.
// err is non-nil only for StatusError.
type StatusFunc func(storeID string, status Status, err error)

// Factory constructs stores. Implementations own transport concerns;
// the manager owns lifecycle and health bookkeeping.
type Factory interface {
	CreateStore(ctx context.Context, storeID string, onStatus StatusFunc) (Store, error)
	ValidateStoreID(storeID string) bool
}

// Record is a read-only snapshot of one workspace from the directory.
type Record struct {
	InstanceID string    `json:"instanceId"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// Directory is the authoritative source of truth for which workspaces
// should currently be monitored.
type Directory interface {
	ListWorkspaces(ctx context.Context) ([]Record, error)
}
