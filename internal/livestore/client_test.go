package livestore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sociotechnica-org/lifebuild/internal/retry"
	"github.com/sociotechnica-org/lifebuild/internal/workspace"
)

// fakeStoreServer answers commit and query frames like a store endpoint.
type fakeStoreServer struct {
	mu      sync.Mutex
	commits []workspace.Event
	rows    []workspace.Row
	failAll bool
}

func (s *fakeStoreServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		for {
			var req struct {
				ID     int64           `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := wsjson.Read(r.Context(), conn, &req); err != nil {
				return
			}
			resp := frame{ID: req.ID}
			s.mu.Lock()
			switch {
			case s.failAll:
				resp.Error = &frameError{Code: 500, Message: "store unavailable"}
			case req.Method == "commit":
				var ev workspace.Event
				_ = json.Unmarshal(req.Params, &ev)
				s.commits = append(s.commits, ev)
				resp.Result = json.RawMessage(`{"ok":true}`)
			case req.Method == "query":
				raw, _ := json.Marshal(s.rows)
				resp.Result = raw
			default:
				resp.Error = &frameError{Code: -32601, Message: "unknown method"}
			}
			s.mu.Unlock()
			if err := wsjson.Write(r.Context(), conn, resp); err != nil {
				return
			}
		}
	}
}

type statusRecorder struct {
	mu     sync.Mutex
	states []workspace.Status
}

func (r *statusRecorder) fn(_ string, s workspace.Status, _ error) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *statusRecorder) snapshot() []workspace.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]workspace.Status, len(r.states))
	copy(out, r.states)
	return out
}

func dialTestClient(t *testing.T, srv *httptest.Server, rec *statusRecorder) *Client {
	t.Helper()
	cfg := ClientConfig{
		URL:     srv.URL,
		StoreID: "ws-test",
		Logger:  slog.New(slog.DiscardHandler),
	}
	if rec != nil {
		cfg.OnStatus = rec.fn
	}
	client, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return client
}

func TestClientCommitAndQuery(t *testing.T) {
	store := &fakeStoreServer{rows: []workspace.Row{{"id": "t1", "title": "water plants"}}}
	srv := httptest.NewServer(store.handler(t))
	defer srv.Close()

	client := dialTestClient(t, srv, nil)
	ctx := context.Background()

	if err := client.Commit(ctx, workspace.Event{Name: "taskCompleted", Args: map[string]any{"taskId": "t1"}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	store.mu.Lock()
	if len(store.commits) != 1 || store.commits[0].Name != "taskCompleted" {
		t.Fatalf("commits = %+v", store.commits)
	}
	store.mu.Unlock()

	rows, err := client.Query(ctx, workspace.Query{Name: "dueTasks"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "t1" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestClientRemoteError(t *testing.T) {
	store := &fakeStoreServer{failAll: true}
	srv := httptest.NewServer(store.handler(t))
	defer srv.Close()

	client := dialTestClient(t, srv, nil)
	err := client.Commit(context.Background(), workspace.Event{Name: "x"})
	if err == nil {
		t.Fatal("expected remote error")
	}
}

func TestClientStatusTransitions(t *testing.T) {
	store := &fakeStoreServer{}
	srv := httptest.NewServer(store.handler(t))
	defer srv.Close()

	rec := &statusRecorder{}
	client := dialTestClient(t, srv, rec)

	states := rec.snapshot()
	if len(states) < 2 || states[0] != workspace.StatusConnecting || states[1] != workspace.StatusConnected {
		t.Fatalf("states = %v, want connecting then connected", states)
	}

	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	states = rec.snapshot()
	if states[len(states)-1] != workspace.StatusDisconnected {
		t.Fatalf("states = %v, want disconnected last", states)
	}
}

func TestClientClosedOperationsFail(t *testing.T) {
	store := &fakeStoreServer{}
	srv := httptest.NewServer(store.handler(t))
	defer srv.Close()

	client := dialTestClient(t, srv, nil)
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := client.Commit(context.Background(), workspace.Event{Name: "x"}); err == nil {
		t.Fatal("expected error committing on closed client")
	}
}

func TestClientCallRespectsContext(t *testing.T) {
	// Server that accepts but never answers.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := dialTestClient(t, srv, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Query(ctx, workspace.Query{Name: "slow"})
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestClientReconnectExhaustionClosesClient(t *testing.T) {
	// Server that accepts one connection and holds it until told to drop.
	drop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		<-drop
		_ = conn.Close(websocket.StatusInternalError, "going away")
	}))
	defer srv.Close()

	rec := &statusRecorder{}
	client, err := Dial(context.Background(), ClientConfig{
		URL:     srv.URL,
		StoreID: "ws-test",
		ReconnectRetry: retry.New(retry.Config{
			MaxRetries: 1,
			BaseDelay:  5 * time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
			RetryIf:    func(error) bool { return true },
		}),
		OnStatus: rec.fn,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	// Stop the listener so every redial is refused, then kill the live
	// connection to trigger reconnection.
	srv.Close()
	close(drop)

	deadline := time.Now().Add(2 * time.Second)
	for {
		states := rec.snapshot()
		if n := len(states); n > 0 && states[n-1] == workspace.StatusDisconnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("states = %v, want disconnected last", rec.snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A client that gave up is closed for good.
	if err := client.Commit(context.Background(), workspace.Event{Name: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Commit error = %v, want ErrClosed", err)
	}
}

func TestFactoryValidateStoreID(t *testing.T) {
	f := NewFactory(FactoryConfig{StoreURL: "ws://example/{storeId}"})
	for _, ok := range []string{"ws-1", "A.b_c-d", "7ced61c5-923f-41c2-ac40-d2137193a676"} {
		if !f.ValidateStoreID(ok) {
			t.Errorf("ValidateStoreID(%q) = false, want true", ok)
		}
	}
	for _, bad := range []string{"", "-leading", "has space", "semi;colon", "../escape"} {
		if f.ValidateStoreID(bad) {
			t.Errorf("ValidateStoreID(%q) = true, want false", bad)
		}
	}
}

func TestDirectoryListWorkspaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		var req frame
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		raw, _ := json.Marshal([]workspace.Record{
			{InstanceID: "ws-a", Name: "Alpha"},
			{InstanceID: "ws-b", Name: "Beta"},
		})
		_ = wsjson.Write(r.Context(), conn, frame{ID: req.ID, Result: raw})
	}))
	defer srv.Close()

	dir := NewDirectory(srv.URL, time.Second, slog.New(slog.DiscardHandler))
	records, err := dir.ListWorkspaces(context.Background())
	if err != nil {
		t.Fatalf("ListWorkspaces: %v", err)
	}
	if len(records) != 2 || records[0].InstanceID != "ws-a" || records[1].InstanceID != "ws-b" {
		t.Fatalf("records = %+v", records)
	}
}
