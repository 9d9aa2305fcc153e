package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the orchestrator's metric instruments.
type Metrics struct {
	TaskExecutions    metric.Int64Counter
	TaskFailures      metric.Int64Counter
	ClaimConflicts    metric.Int64Counter
	ReconcileRuns     metric.Int64Counter
	ReconcileFailures metric.Int64Counter
	LoopIterations    metric.Int64Counter
	ActiveLoops       metric.Int64UpDownCounter
	LoopDuration      metric.Float64Histogram
	QueueDepth        metric.Int64UpDownCounter
	QueueOverflows    metric.Int64Counter
	MonitoredStores   metric.Int64UpDownCounter
	StoreErrors       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskExecutions, err = meter.Int64Counter("lifebuild.task.executions",
		metric.WithDescription("Recurring task executions started"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("lifebuild.task.failures",
		metric.WithDescription("Recurring task executions that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("lifebuild.task.claim_conflicts",
		metric.WithDescription("Task claims lost to another scheduler instance"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileRuns, err = meter.Int64Counter("lifebuild.reconcile.runs",
		metric.WithDescription("Workspace reconciliation runs"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileFailures, err = meter.Int64Counter("lifebuild.reconcile.failures",
		metric.WithDescription("Workspace reconciliation runs with failures"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopIterations, err = meter.Int64Counter("lifebuild.loop.iterations",
		metric.WithDescription("Agent loop iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveLoops, err = meter.Int64UpDownCounter("lifebuild.loop.active",
		metric.WithDescription("Number of currently active agent loops"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopDuration, err = meter.Float64Histogram("lifebuild.loop.duration",
		metric.WithDescription("Agent loop run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("lifebuild.queue.depth",
		metric.WithDescription("Buffered chat messages across all conversations"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueOverflows, err = meter.Int64Counter("lifebuild.queue.overflows",
		metric.WithDescription("Messages rejected because a conversation queue was full"),
	)
	if err != nil {
		return nil, err
	}

	m.MonitoredStores, err = meter.Int64UpDownCounter("lifebuild.workspace.monitored",
		metric.WithDescription("Workspace stores currently monitored"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreErrors, err = meter.Int64Counter("lifebuild.workspace.errors",
		metric.WithDescription("Store transport errors observed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
