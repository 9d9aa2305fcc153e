package bus

// Workspace lifecycle topics.
const (
	TopicWorkspaceAdded     = "workspace.added"
	TopicWorkspaceRemoved   = "workspace.removed"
	TopicWorkspaceStatus    = "workspace.status_changed"
	TopicReconcileStarted   = "reconcile.started"
	TopicReconcileCompleted = "reconcile.completed"
	TopicReconcileFailed    = "reconcile.failed"
)

// Recurring-task execution topics.
const (
	TopicTaskClaimed   = "task.claimed"
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskSkipped   = "task.skipped"
)

// Agent loop topics.
const (
	TopicLoopStarted   = "loop.started"
	TopicLoopIteration = "loop.iteration"
	TopicLoopTools     = "loop.tools"
	TopicLoopStuck     = "loop.stuck"
	TopicLoopCompleted = "loop.completed"
	TopicLoopFailed    = "loop.failed"
)

// WorkspaceStatusEvent is published when a monitored store changes status.
type WorkspaceStatusEvent struct {
	StoreID   string // Store ID
	OldStatus string // Previous status (e.g. connecting)
	NewStatus string // New status (e.g. connected)
}

// TaskLifecycleEvent is published on task claim/start/complete/fail.
type TaskLifecycleEvent struct {
	StoreID     string // Store the task belongs to
	TaskID      string // Recurring task ID
	ExecutionID string // Execution instance ID
	Error       string // Failure message, empty on success
}

// ReconcileEvent is published when a reconciliation run finishes.
type ReconcileEvent struct {
	Added    int // Stores provisioned this run
	Removed  int // Stores deprovisioned this run
	Failures int // Per-id failures collected this run
}

// LoopEvent is published on agent-loop transitions.
type LoopEvent struct {
	RunID           string  // Loop run ID
	StoreID         string  // Store the loop is bound to
	Iteration       int     // Current iteration, 1-based
	Status          string  // Terminal status, empty for progress events
	DurationSeconds float64 // Wall time of the run, set on terminal events
}
