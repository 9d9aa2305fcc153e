// Package orchestrator glues the core components together: it adapts the
// store manager to the reconciler's provisioning hooks and executes
// claimed recurring tasks by running an agentic loop against the task's
// store.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sociotechnica-org/lifebuild/internal/agentic"
	"github.com/sociotechnica-org/lifebuild/internal/bus"
	"github.com/sociotechnica-org/lifebuild/internal/scheduler"
	"github.com/sociotechnica-org/lifebuild/internal/workspace"
)

// Orchestrator exposes the store manager as the reconciler's
// provision/deprovision surface.
type Orchestrator struct {
	manager *workspace.Manager
}

// New creates an Orchestrator over a manager.
func New(manager *workspace.Manager) *Orchestrator {
	return &Orchestrator{manager: manager}
}

// MonitoredIDs returns the currently monitored store ids, sorted.
func (o *Orchestrator) MonitoredIDs() []string {
	return o.manager.MonitoredIDs()
}

// ProvisionStore brings a store under monitoring.
func (o *Orchestrator) ProvisionStore(ctx context.Context, storeID string) error {
	_, err := o.manager.AddStore(ctx, storeID)
	return err
}

// DeprovisionStore removes a store from monitoring. Shutdown errors are
// swallowed by the manager, so this never fails.
func (o *Orchestrator) DeprovisionStore(ctx context.Context, storeID string) error {
	o.manager.RemoveStore(ctx, storeID)
	return nil
}

// TaskExecutorConfig holds task-execution dependencies.
type TaskExecutorConfig struct {
	Provider      agentic.Provider
	Logger        *slog.Logger
	Bus           *bus.Bus
	Model         string
	MaxIterations int
}

// TaskExecutor runs one claimed recurring task by driving an agentic
// loop whose tools operate on the task's own store.
type TaskExecutor struct {
	provider      agentic.Provider
	logger        *slog.Logger
	bus           *bus.Bus
	model         string
	maxIterations int
}

// NewTaskExecutor creates a TaskExecutor.
func NewTaskExecutor(cfg TaskExecutorConfig) *TaskExecutor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskExecutor{
		provider:      cfg.Provider,
		logger:        logger,
		bus:           cfg.Bus,
		model:         cfg.Model,
		maxIterations: cfg.MaxIterations,
	}
}

// ExecuteTask implements scheduler.Executor. A stuck loop or exhausted
// iteration budget counts as task failure; the scheduler emits the fail
// event and keeps scanning.
func (e *TaskExecutor) ExecuteTask(ctx context.Context, storeID string, store workspace.Store, task scheduler.Task) (string, error) {
	loop := agentic.New(agentic.Config{
		Provider: e.provider,
		Tools:    newStoreTools(store),
		Logger:   e.logger.With("store_id", storeID, "task_id", task.ID),
		Bus:      e.bus,
	})

	result, err := loop.Run(ctx, task.Prompt, agentic.RunContext{
		StoreID:       storeID,
		SystemPrompt:  SystemPrompt(task),
		Model:         e.model,
		MaxIterations: e.maxIterations,
	})
	if err != nil {
		return "", err
	}
	if result.Err != nil {
		return result.FinalMessage, result.Err
	}
	return result.FinalMessage, nil
}

// SystemPrompt renders the instruction preamble for one recurring task.
func SystemPrompt(task scheduler.Task) string {
	var b strings.Builder
	b.WriteString("You are an automated worker executing a recurring task in a workspace.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if task.CronExpr != "" {
		fmt.Fprintf(&b, "Schedule: cron %s\n", task.CronExpr)
	} else if task.IntervalHours > 0 {
		fmt.Fprintf(&b, "Runs every %g hours.\n", task.IntervalHours)
	}
	if task.ProjectID != "" {
		fmt.Fprintf(&b, "Project: %s\n", task.ProjectID)
	}
	b.WriteString("\nUse the provided tools to read the workspace and record your work. ")
	b.WriteString("Finish with a short summary of what you did.")
	return b.String()
}
