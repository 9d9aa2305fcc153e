// Package livestore is the websocket transport adapter for workspace
// stores: commits and queries are JSON request/response frames over a
// single connection per store, with status callbacks feeding the manager's
// health machine.
package livestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sociotechnica-org/lifebuild/internal/retry"
	"github.com/sociotechnica-org/lifebuild/internal/workspace"
)

// ErrClosed is returned for operations on a client after Close.
var ErrClosed = errors.New("livestore: client closed")

// frame is the wire envelope for both directions. Requests carry Method
// and Params; responses echo ID with Result or Error set.
type frame struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *frameError) Error() string {
	return fmt.Sprintf("livestore: remote error %d: %s", e.Code, e.Message)
}

// ClientConfig configures one store connection.
type ClientConfig struct {
	URL            string
	StoreID        string
	ConnectTimeout time.Duration
	// ReconnectRetry drives redial attempts after a dropped connection.
	// Nil gets a modest default.
	ReconnectRetry *retry.Operation
	OnStatus       workspace.StatusFunc
	Logger         *slog.Logger
}

// Client implements workspace.Store over a websocket connection.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan frame
	nextID  int64
	closed  bool
}

// Dial connects and starts the read pump. The status callback sees
// connecting before the dial and connected after it succeeds.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectRetry == nil {
		cfg.ReconnectRetry = retry.New(retry.Config{
			MaxRetries: 5,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			JitterMax:  0.25,
			RetryIf:    func(error) bool { return true },
		})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[int64]chan frame),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	c.status(workspace.StatusConnecting, nil)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		c.status(workspace.StatusError, err)
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.status(workspace.StatusConnected, nil)
	go c.readPump(conn)
	return nil
}

// readPump reads frames until the connection drops, routing responses to
// their waiting callers. A drop on a live client triggers reconnection.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(context.Background(), conn, &f); err != nil {
			c.failPending(err)
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			c.status(workspace.StatusError, err)
			c.reconnect()
			return
		}
		if f.ID == 0 {
			// Unsolicited push frames are ignored by this client.
			continue
		}
		c.mu.Lock()
		ch := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- f
		}
	}
}

// reconnect redials with backoff. Exhaustion is terminal: the client
// closes itself and reports disconnected, and the manager evicts the
// store so the next reconciliation pass provisions a fresh one.
func (c *Client) reconnect() {
	err := c.cfg.ReconnectRetry.Execute(context.Background(), func(ctx context.Context) error {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return c.connect(ctx)
	})
	if err != nil {
		c.logger.Error("store reconnect exhausted", "store_id", c.cfg.StoreID, "error", err)
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.status(workspace.StatusDisconnected, err)
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- frame{ID: id, Error: &frameError{Code: -1, Message: err.Error()}}
	}
}

func (c *Client) status(s workspace.Status, err error) {
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(c.cfg.StoreID, s, err)
	}
}

// call sends one request frame and waits for its response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("livestore: store %s not connected", c.cfg.StoreID)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := frame{ID: id, Method: method, Params: params}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case f := <-ch:
		if f.Error != nil {
			return nil, f.Error
		}
		return f.Result, nil
	}
}

// Commit implements workspace.Store.
func (c *Client) Commit(ctx context.Context, ev workspace.Event) error {
	_, err := c.call(ctx, "commit", ev)
	if err != nil {
		return fmt.Errorf("commit %s: %w", ev.Name, err)
	}
	return nil
}

// Query implements workspace.Store.
func (c *Client) Query(ctx context.Context, q workspace.Query) ([]workspace.Row, error) {
	raw, err := c.call(ctx, "query", q)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Name, err)
	}
	var rows []workspace.Row
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("query %s: decode rows: %w", q.Name, err)
		}
	}
	return rows, nil
}

// Close implements workspace.Store. Safe to call more than once.
func (c *Client) Close(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	c.status(workspace.StatusDisconnected, nil)
	return nil
}
