// Package scheduler scans workspace stores for due recurring tasks,
// claims each (task, scheduled time, store) exactly once through the
// durable tracker, and executes the claimed ones.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/sociotechnica-org/lifebuild/internal/bus"
	"github.com/sociotechnica-org/lifebuild/internal/workspace"
)

// DefaultDueWindow is how far back a scan looks for missed runs. Tasks
// due earlier than this are considered stale and left for cleanup.
const DefaultDueWindow = 10 * time.Minute

// cronParser accepts the standard 5-field form.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Task is one recurring task row decoded from a store.
type Task struct {
	ID              string
	Name            string
	Description     string
	Prompt          string
	ProjectID       string
	IntervalHours   float64
	CronExpr        string
	NextExecutionAt *time.Time
	Enabled         bool
}

// Claimer is the durable exactly-once ledger consulted before execution.
type Claimer interface {
	MarkProcessed(ctx context.Context, taskID string, scheduledTime time.Time, storeID string) (bool, error)
	ProcessedCount(ctx context.Context, storeID string) (int64, error)
	CleanupOlderThan(ctx context.Context, olderThanDays int) (int64, error)
}

// Executor runs one claimed task to completion and returns its output.
type Executor interface {
	ExecuteTask(ctx context.Context, storeID string, store workspace.Store, task Task) (string, error)
}

// Config holds scheduler dependencies.
type Config struct {
	Claimer   Claimer
	Executor  Executor
	Logger    *slog.Logger
	Bus       *bus.Bus // optional
	DueWindow time.Duration
	Now       func() time.Time // test hook
}

// Scheduler implements the due-task scan. One value serves all stores.
type Scheduler struct {
	claimer   Claimer
	executor  Executor
	logger    *slog.Logger
	bus       *bus.Bus
	dueWindow time.Duration
	now       func() time.Time
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dueWindow := cfg.DueWindow
	if dueWindow <= 0 {
		dueWindow = DefaultDueWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		claimer:   cfg.Claimer,
		executor:  cfg.Executor,
		logger:    logger,
		bus:       cfg.Bus,
		dueWindow: dueWindow,
		now:       now,
	}
}

// CheckAndExecuteTasks scans one store for due tasks and executes every
// one this process wins the claim for. Tasks are processed sequentially
// in query order; a failure in one never stops the rest of the scan.
func (s *Scheduler) CheckAndExecuteTasks(ctx context.Context, storeID string, store workspace.Store) error {
	now := s.now()
	from := now.Add(-s.dueWindow)

	rows, err := store.Query(ctx, workspace.Query{
		Name: "dueRecurringTasks",
		Params: map[string]any{
			"from": from.UTC().Format(time.RFC3339),
			"to":   now.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("query due tasks for %s: %w", storeID, err)
	}

	for _, row := range rows {
		task, err := decodeTask(row)
		if err != nil {
			s.logger.Warn("skipping malformed task row", "store_id", storeID, "error", err)
			continue
		}
		if !task.Enabled || task.NextExecutionAt == nil {
			continue
		}
		due := *task.NextExecutionAt
		if due.Before(from) || due.After(now) {
			continue
		}
		s.processTask(ctx, storeID, store, task, now)
	}
	return nil
}

// processTask claims and executes one due task. All lifecycle event
// commits are best-effort.
func (s *Scheduler) processTask(ctx context.Context, storeID string, store workspace.Store, task Task, now time.Time) {
	due := *task.NextExecutionAt

	claimed, err := s.claimer.MarkProcessed(ctx, task.ID, due, storeID)
	if err != nil {
		s.logger.Error("claim attempt failed", "store_id", storeID, "task_id", task.ID, "error", err)
		return
	}
	if !claimed {
		// Another scheduler instance won this execution.
		s.publish(bus.TopicTaskSkipped, bus.TaskLifecycleEvent{StoreID: storeID, TaskID: task.ID})
		return
	}
	s.publish(bus.TopicTaskClaimed, bus.TaskLifecycleEvent{StoreID: storeID, TaskID: task.ID})

	executionID := uuid.NewString()
	startTime := s.now()

	s.commitEvent(ctx, store, storeID, "task_execution.start", map[string]any{
		"id":              executionID,
		"recurringTaskId": task.ID,
		"startedAt":       startTime.UTC().Format(time.RFC3339),
		"status":          "running",
	})
	s.publish(bus.TopicTaskStarted, bus.TaskLifecycleEvent{StoreID: storeID, TaskID: task.ID, ExecutionID: executionID})

	output, runErr := s.executor.ExecuteTask(ctx, storeID, store, task)
	completedAt := s.now().UTC().Format(time.RFC3339)

	if runErr != nil {
		s.logger.Error("task execution failed",
			"store_id", storeID, "task_id", task.ID, "execution_id", executionID, "error", runErr)
		// Same id and start time as the start event so the pair matches.
		s.commitEvent(ctx, store, storeID, "task_execution.fail", map[string]any{
			"id":              executionID,
			"recurringTaskId": task.ID,
			"startedAt":       startTime.UTC().Format(time.RFC3339),
			"completedAt":     completedAt,
			"status":          "failed",
			"output":          runErr.Error(),
		})
		s.publish(bus.TopicTaskFailed, bus.TaskLifecycleEvent{StoreID: storeID, TaskID: task.ID, ExecutionID: executionID, Error: runErr.Error()})
		return
	}

	next, nextErr := NextExecution(task, now)
	if nextErr != nil {
		s.logger.Warn("next execution not advanced", "store_id", storeID, "task_id", task.ID, "error", nextErr)
	}

	s.commitEvent(ctx, store, storeID, "task_execution.complete", map[string]any{
		"id":              executionID,
		"recurringTaskId": task.ID,
		"startedAt":       startTime.UTC().Format(time.RFC3339),
		"completedAt":     completedAt,
		"status":          "completed",
		"output":          output,
	})
	if nextErr == nil {
		s.commitEvent(ctx, store, storeID, "recurring_task.updated", map[string]any{
			"taskId":          task.ID,
			"nextExecutionAt": next.UTC().Format(time.RFC3339),
		})
	}
	s.publish(bus.TopicTaskCompleted, bus.TaskLifecycleEvent{StoreID: storeID, TaskID: task.ID, ExecutionID: executionID})
	s.logger.Info("task executed",
		"store_id", storeID, "task_id", task.ID, "execution_id", executionID,
		"duration", s.now().Sub(startTime))
}

// NextExecution computes a task's next run after now: the cron expression
// when one is set, otherwise now plus the interval.
func NextExecution(task Task, now time.Time) (time.Time, error) {
	if task.CronExpr != "" {
		schedule, err := cronParser.Parse(task.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron expression %q: %w", task.CronExpr, err)
		}
		return schedule.Next(now), nil
	}
	if task.IntervalHours <= 0 {
		return time.Time{}, fmt.Errorf("task %s has no recurrence", task.ID)
	}
	return now.Add(time.Duration(task.IntervalHours * float64(time.Hour))), nil
}

// Stats returns processed-execution counts, for one store or all.
func (s *Scheduler) Stats(ctx context.Context, storeID string) (int64, error) {
	return s.claimer.ProcessedCount(ctx, storeID)
}

// Cleanup removes tracker entries older than the given number of days.
func (s *Scheduler) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	return s.claimer.CleanupOlderThan(ctx, olderThanDays)
}

func (s *Scheduler) commitEvent(ctx context.Context, store workspace.Store, storeID, name string, args map[string]any) {
	if err := store.Commit(ctx, workspace.Event{Name: name, Args: args}); err != nil {
		s.logger.Warn("lifecycle event not committed", "store_id", storeID, "event", name, "error", err)
	}
}

func (s *Scheduler) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// decodeTask maps a store row to a Task. Unknown keys are ignored;
// timestamps may be RFC 3339 strings or time.Time values.
func decodeTask(row workspace.Row) (Task, error) {
	id, _ := row["id"].(string)
	if id == "" {
		return Task{}, fmt.Errorf("row has no id")
	}
	task := Task{ID: id, Enabled: true}
	if v, ok := row["name"].(string); ok {
		task.Name = v
	} else if v, ok := row["title"].(string); ok {
		// Older stores carry the name under "title".
		task.Name = v
	}
	if v, ok := row["description"].(string); ok {
		task.Description = v
	}
	if v, ok := row["prompt"].(string); ok {
		task.Prompt = v
	}
	if v, ok := row["projectId"].(string); ok {
		task.ProjectID = v
	}
	if v, ok := row["cronExpr"].(string); ok {
		task.CronExpr = v
	}
	if v, ok := row["enabled"].(bool); ok {
		task.Enabled = v
	}
	switch v := row["intervalHours"].(type) {
	case float64:
		task.IntervalHours = v
	case int:
		task.IntervalHours = float64(v)
	case int64:
		task.IntervalHours = float64(v)
	}
	switch v := row["nextExecutionAt"].(type) {
	case string:
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Task{}, fmt.Errorf("task %s: nextExecutionAt: %w", id, err)
		}
		task.NextExecutionAt = &ts
	case time.Time:
		task.NextExecutionAt = &v
	}
	return task, nil
}
