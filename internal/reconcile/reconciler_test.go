package reconcile

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sociotechnica-org/lifebuild/internal/workspace"
)

// fakeDirectory serves a fixed workspace set, optionally failing.
type fakeDirectory struct {
	mu    sync.Mutex
	ids   []string
	err   error
	block chan struct{} // when set, ListWorkspaces blocks until closed
	calls int
}

func (d *fakeDirectory) ListWorkspaces(context.Context) ([]workspace.Record, error) {
	d.mu.Lock()
	d.calls++
	ids, err, block := d.ids, d.err, d.block
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	records := make([]workspace.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, workspace.Record{InstanceID: id})
	}
	return records, nil
}

// fakeOrch tracks monitored ids in memory, with per-id failure injection.
type fakeOrch struct {
	mu         sync.Mutex
	monitored  map[string]bool
	failAdd    map[string]bool
	failRemove map[string]bool
}

func newFakeOrch(ids ...string) *fakeOrch {
	o := &fakeOrch{monitored: map[string]bool{}, failAdd: map[string]bool{}, failRemove: map[string]bool{}}
	for _, id := range ids {
		o.monitored[id] = true
	}
	return o
}

func (o *fakeOrch) MonitoredIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for id := range o.monitored {
		out = append(out, id)
	}
	return out
}

func (o *fakeOrch) ProvisionStore(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failAdd[id] {
		return errors.New("factory: connection refused")
	}
	o.monitored[id] = true
	return nil
}

func (o *fakeOrch) DeprovisionStore(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failRemove[id] {
		return errors.New("store shutdown wedged")
	}
	delete(o.monitored, id)
	return nil
}

func newTestReconciler(dir workspace.Directory, orch Orchestrator) *Reconciler {
	return New(Config{Directory: dir, Orchestrator: orch})
}

func TestReconcileAddsAndRemoves(t *testing.T) {
	dir := &fakeDirectory{ids: []string{"ws-a", "ws-b"}}
	orch := newFakeOrch("ws-b", "ws-c")
	r := newTestReconciler(dir, orch)

	result, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !reflect.DeepEqual(result.Added, []string{"ws-a"}) {
		t.Errorf("added = %v, want [ws-a]", result.Added)
	}
	if !reflect.DeepEqual(result.Removed, []string{"ws-c"}) {
		t.Errorf("removed = %v, want [ws-c]", result.Removed)
	}
	if result.AuthoritativeCount != 2 {
		t.Errorf("authoritative = %d, want 2", result.AuthoritativeCount)
	}
	if result.MonitoredCount != 2 {
		t.Errorf("monitored (pre-run) = %d, want 2", result.MonitoredCount)
	}
	if !orch.monitored["ws-b"] {
		t.Error("ws-b should be untouched")
	}

	status := r.GetStatus()
	if status.TotalRuns != 1 || status.TotalSuccesses != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestSecondRunWithNoDriftIsEmpty(t *testing.T) {
	dir := &fakeDirectory{ids: []string{"ws-a", "ws-b"}}
	orch := newFakeOrch("ws-c")
	r := newTestReconciler(dir, orch)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	result, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if len(result.Added) != 0 || len(result.Removed) != 0 ||
		len(result.FailedAdds) != 0 || len(result.FailedRemovals) != 0 {
		t.Fatalf("second run should be a no-op, got %+v", result)
	}
}

func TestPerIDFailuresCollectedNotAborted(t *testing.T) {
	dir := &fakeDirectory{ids: []string{"ws-a", "ws-b"}}
	orch := newFakeOrch("ws-c")
	orch.failAdd["ws-a"] = true
	r := newTestReconciler(dir, orch)

	result, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(result.FailedAdds) != 1 || result.FailedAdds[0].StoreID != "ws-a" {
		t.Fatalf("failedAdds = %v", result.FailedAdds)
	}
	// The batch still applied the successful add and remove.
	if !reflect.DeepEqual(result.Added, []string{"ws-b"}) {
		t.Errorf("added = %v, want [ws-b]", result.Added)
	}
	if !reflect.DeepEqual(result.Removed, []string{"ws-c"}) {
		t.Errorf("removed = %v, want [ws-c]", result.Removed)
	}
	if result.Success() {
		t.Error("run with failures must not count as success")
	}
	if status := r.GetStatus(); status.TotalFailures != 1 {
		t.Errorf("totalFailures = %d, want 1", status.TotalFailures)
	}
}

func TestDirectoryErrorAbortsRun(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("directory unreachable")}
	orch := newFakeOrch("ws-a")
	r := newTestReconciler(dir, orch)

	result, err := r.Reconcile(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if result != nil {
		t.Fatal("aborted run must not produce a result")
	}
	if !orch.monitored["ws-a"] {
		t.Fatal("aborted run must not touch the monitored set")
	}
	status := r.GetStatus()
	if status.LastError == "" {
		t.Error("lastError not recorded")
	}
	if status.TotalRuns != 1 || status.TotalFailures != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestSingleFlight(t *testing.T) {
	block := make(chan struct{})
	dir := &fakeDirectory{ids: []string{"ws-a"}, block: block}
	orch := newFakeOrch()
	r := newTestReconciler(dir, orch)

	first := make(chan *Result, 1)
	go func() {
		result, _ := r.Reconcile(context.Background())
		first <- result
	}()

	// Wait for the first run to be inside ListWorkspaces.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dir.mu.Lock()
		started := dir.calls > 0
		dir.mu.Unlock()
		if started {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	result, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("concurrent reconcile: %v", err)
	}
	if result != nil {
		t.Fatal("concurrent reconcile should return nil immediately")
	}

	close(block)
	if got := <-first; got == nil {
		t.Fatal("first run should complete with a result")
	}
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	dir := &fakeDirectory{ids: []string{"ws-a"}}
	orch := newFakeOrch()
	r := New(Config{Directory: dir, Orchestrator: orch, Interval: MinInterval})

	r.Start(context.Background())
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.GetStatus().TotalRuns >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no immediate reconciliation after Start")
}
