package main

import (
	"context"

	"github.com/sociotechnica-org/lifebuild/internal/bus"
	otelpkg "github.com/sociotechnica-org/lifebuild/internal/otel"
)

// pumpMetrics translates bus lifecycle events into metric increments, so
// components stay free of instrumentation concerns.
func pumpMetrics(ctx context.Context, eventBus *bus.Bus, metrics *otelpkg.Metrics) {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			record(ctx, metrics, ev)
		}
	}
}

func record(ctx context.Context, m *otelpkg.Metrics, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicTaskStarted:
		m.TaskExecutions.Add(ctx, 1)
	case bus.TopicTaskFailed:
		m.TaskFailures.Add(ctx, 1)
	case bus.TopicTaskSkipped:
		m.ClaimConflicts.Add(ctx, 1)
	case bus.TopicReconcileCompleted:
		m.ReconcileRuns.Add(ctx, 1)
	case bus.TopicReconcileFailed:
		m.ReconcileRuns.Add(ctx, 1)
		m.ReconcileFailures.Add(ctx, 1)
	case bus.TopicLoopIteration:
		m.LoopIterations.Add(ctx, 1)
	case bus.TopicLoopStarted:
		m.ActiveLoops.Add(ctx, 1)
	case bus.TopicLoopCompleted, bus.TopicLoopFailed:
		m.ActiveLoops.Add(ctx, -1)
		if loop, ok := ev.Payload.(bus.LoopEvent); ok {
			m.LoopDuration.Record(ctx, loop.DurationSeconds)
		}
	case bus.TopicWorkspaceAdded:
		m.MonitoredStores.Add(ctx, 1)
	case bus.TopicWorkspaceRemoved:
		m.MonitoredStores.Add(ctx, -1)
	case bus.TopicWorkspaceStatus:
		if status, ok := ev.Payload.(bus.WorkspaceStatusEvent); ok && status.NewStatus == "error" {
			m.StoreErrors.Add(ctx, 1)
		}
	}
}
