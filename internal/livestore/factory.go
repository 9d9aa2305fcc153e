package livestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sociotechnica-org/lifebuild/internal/retry"
	"github.com/sociotechnica-org/lifebuild/internal/workspace"
)

// storeIDPattern matches the instance IDs the directory hands out.
var storeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// FactoryConfig configures store construction.
type FactoryConfig struct {
	// StoreURL is the endpoint template; the literal "{storeId}" is
	// replaced with the store's ID.
	StoreURL             string
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	Logger               *slog.Logger
}

// Factory implements workspace.Factory over websocket stores.
type Factory struct {
	cfg    FactoryConfig
	logger *slog.Logger
}

// NewFactory creates a Factory.
func NewFactory(cfg FactoryConfig) *Factory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	return &Factory{cfg: cfg, logger: logger}
}

// CreateStore implements workspace.Factory.
func (f *Factory) CreateStore(ctx context.Context, storeID string, onStatus workspace.StatusFunc) (workspace.Store, error) {
	if !f.ValidateStoreID(storeID) {
		return nil, fmt.Errorf("livestore: invalid store id %q", storeID)
	}
	return Dial(ctx, ClientConfig{
		URL:            strings.ReplaceAll(f.cfg.StoreURL, "{storeId}", storeID),
		StoreID:        storeID,
		ConnectTimeout: f.cfg.ConnectTimeout,
		ReconnectRetry: retry.New(retry.Config{
			MaxRetries: f.cfg.MaxReconnectAttempts,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			JitterMax:  0.25,
			RetryIf:    func(error) bool { return true },
		}),
		OnStatus: onStatus,
		Logger:   f.logger.With("store_id", storeID),
	})
}

// ValidateStoreID implements workspace.Factory.
func (f *Factory) ValidateStoreID(storeID string) bool {
	return storeIDPattern.MatchString(storeID)
}

// Directory implements workspace.Directory against the directory
// service's websocket endpoint: one short-lived connection per listing.
type Directory struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewDirectory creates a Directory client.
func NewDirectory(url string, timeout time.Duration, logger *slog.Logger) *Directory {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{url: url, timeout: timeout, logger: logger}
}

// ListWorkspaces implements workspace.Directory.
func (d *Directory) ListWorkspaces(ctx context.Context) ([]workspace.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial directory %s: %w", d.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := wsjson.Write(ctx, conn, frame{ID: 1, Method: "listWorkspaces"}); err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	var resp frame
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var records []workspace.Record
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &records); err != nil {
			return nil, fmt.Errorf("list workspaces: decode: %w", err)
		}
	}
	return records, nil
}
