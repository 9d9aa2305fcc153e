package agentic

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sociotechnica-org/lifebuild/internal/bus"
)

// DefaultMaxIterations bounds a run when neither the run context nor the
// LIFEBUILD_MAX_ITERATIONS environment variable says otherwise.
const DefaultMaxIterations = 15

// stuckWindow is the trailing tool-call window examined for repetition.
const stuckWindow = 3

// ErrStuckLoop reports a degenerate run where the model repeated an
// identical tool call without progress.
var ErrStuckLoop = errors.New("stuck loop detected")

// ErrIterationLimit reports a run that exhausted its iteration budget
// without a natural stop.
var ErrIterationLimit = errors.New("iteration limit reached")

// RunContext scopes one loop run.
type RunContext struct {
	StoreID       string
	SystemPrompt  string
	Model         string
	BoardContext  string
	WorkerContext map[string]any
	MaxIterations int // 0 resolves from env, else DefaultMaxIterations
	Observer      Observer
}

// Config holds the dependencies for a Loop.
type Config struct {
	Provider Provider
	Tools    ToolExecutor // may be nil: the model gets no tools
	Logger   *slog.Logger
	Bus      *bus.Bus // may be nil
}

// Loop alternates between model calls and tool executions until a final
// answer or a bound is reached. One Loop value may serve many runs.
type Loop struct {
	provider Provider
	tools    ToolExecutor
	logger   *slog.Logger
	bus      *bus.Bus
}

// New creates a Loop with the given config.
func New(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		provider: cfg.Provider,
		tools:    cfg.Tools,
		logger:   logger,
		bus:      cfg.Bus,
	}
}

// Run drives up to MaxIterations rounds of model call + tool execution.
// The returned Result is non-nil even on failure; err mirrors Result.Err
// for terminal failures other than the iteration-limit soft failure.
func (l *Loop) Run(ctx context.Context, userMessage string, rc RunContext) (*Result, error) {
	runID := uuid.NewString()
	maxIterations := resolveMaxIterations(rc.MaxIterations)
	start := time.Now()

	history := []Message{}
	if rc.SystemPrompt != "" {
		history = append(history, Message{Role: RoleSystem, Content: rc.SystemPrompt})
	}
	history = append(history, Message{Role: RoleUser, Content: userMessage})

	var defs []ToolDefinition
	if l.tools != nil {
		defs = l.tools.Definitions()
	}
	validators := compileSchemas(defs, l.logger)

	opts := CallOptions{
		Model:         rc.Model,
		BoardContext:  rc.BoardContext,
		WorkerContext: rc.WorkerContext,
		Tools:         defs,
		OnRetry: func(attempt int, err error) {
			notify(l.logger, func() { callIfSet2(rc.Observer.OnRetry, attempt, err) })
		},
	}

	l.publish(bus.TopicLoopStarted, bus.LoopEvent{RunID: runID, StoreID: rc.StoreID})
	l.logger.Debug("agent loop started", "run_id", runID, "store_id", rc.StoreID, "max_iterations", maxIterations)

	// Trailing signatures of executed tool calls, capped at stuckWindow.
	var trail []string
	var finalMessage string

	for iteration := 1; iteration <= maxIterations; iteration++ {
		notify(l.logger, func() { callIfSet(rc.Observer.OnIterationStart, iteration) })
		l.publish(bus.TopicLoopIteration, bus.LoopEvent{RunID: runID, StoreID: rc.StoreID, Iteration: iteration})

		resp, err := l.provider.Call(ctx, history, opts)
		if err != nil {
			return l.fail(rc, runID, iteration, start, fmt.Errorf("provider call: %w", err))
		}
		if resp == nil {
			resp = &Response{}
		}

		if len(resp.ToolCalls) == 0 {
			// Final message (or nothing): append and stop.
			if resp.Message != "" {
				history = append(history, Message{Role: RoleAssistant, Content: resp.Message})
				finalMessage = resp.Message
			}
			notify(l.logger, func() { callIfSet(rc.Observer.OnFinalMessage, finalMessage) })
			notify(l.logger, func() { callIfSet(rc.Observer.OnIterationComplete, iteration) })

			result := &Result{Status: StatusCompleted, Iterations: iteration, FinalMessage: finalMessage}
			l.complete(rc, runID, result, start)
			return result, nil
		}

		// Stuck-loop check before executing the batch: abort when an
		// identical signature has already filled the trailing window.
		for _, call := range resp.ToolCalls {
			sig := callSignature(call)
			if isStuck(trail, sig) {
				err := fmt.Errorf("%w: tool %q repeated %d times", ErrStuckLoop, call.Name, stuckWindow)
				l.publish(bus.TopicLoopStuck, bus.LoopEvent{RunID: runID, StoreID: rc.StoreID, Iteration: iteration, Status: StatusStuck})
				result := &Result{Status: StatusStuck, Iterations: iteration, FinalMessage: finalMessage, Err: err}
				notify(l.logger, func() { callIfSet(rc.Observer.OnError, err) })
				notify(l.logger, func() { callIfSet(rc.Observer.OnComplete, result) })
				l.publish(bus.TopicLoopFailed, bus.LoopEvent{
					RunID: runID, StoreID: rc.StoreID, Iteration: iteration,
					Status: StatusStuck, DurationSeconds: time.Since(start).Seconds(),
				})
				return result, err
			}
		}

		history = append(history, Message{Role: RoleAssistant, Content: resp.Message, ToolCalls: resp.ToolCalls})

		notify(l.logger, func() { callIfSet2(rc.Observer.OnToolsExecuting, iteration, resp.ToolCalls) })
		l.publish(bus.TopicLoopTools, bus.LoopEvent{RunID: runID, StoreID: rc.StoreID, Iteration: iteration})

		results := make([]ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			results = append(results, l.executeTool(ctx, call, validators))
			trail = append(trail, callSignature(call))
			if len(trail) > stuckWindow {
				trail = trail[1:]
			}
		}

		history = append(history, Message{Role: RoleTool, ToolResults: results})
		notify(l.logger, func() { callIfSet2(rc.Observer.OnToolsComplete, iteration, results) })
		notify(l.logger, func() { callIfSet(rc.Observer.OnIterationComplete, iteration) })
	}

	// Budget exhausted without a natural stop: soft failure. Completion is
	// still signalled — partial progress may have been made.
	err := fmt.Errorf("%w: %d iterations", ErrIterationLimit, maxIterations)
	result := &Result{Status: StatusIterationLimit, Iterations: maxIterations, FinalMessage: finalMessage, Err: err}
	notify(l.logger, func() { callIfSet(rc.Observer.OnError, err) })
	l.complete(rc, runID, result, start)
	return result, nil
}

func (l *Loop) executeTool(ctx context.Context, call ToolCall, validators map[string]*schemaValidator) ToolResult {
	if v, ok := validators[call.Name]; ok {
		if err := v.validate(call.Args); err != nil {
			l.logger.Warn("tool call rejected by schema", "tool", call.Name, "error", err)
			return ToolResult{CallID: call.ID, Name: call.Name, Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}
		}
	}
	if l.tools == nil {
		return ToolResult{CallID: call.ID, Name: call.Name, Content: "no tool executor configured", IsError: true}
	}
	out, err := l.tools.Execute(ctx, call)
	if err != nil {
		l.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return ToolResult{CallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}
	}
	return ToolResult{CallID: call.ID, Name: call.Name, Content: out}
}

func (l *Loop) fail(rc RunContext, runID string, iteration int, start time.Time, err error) (*Result, error) {
	l.logger.Error("agent loop failed", "run_id", runID, "iteration", iteration, "error", err)
	result := &Result{Status: StatusFailed, Iterations: iteration, Err: err}
	notify(l.logger, func() { callIfSet(rc.Observer.OnError, err) })
	notify(l.logger, func() { callIfSet(rc.Observer.OnComplete, result) })
	l.publish(bus.TopicLoopFailed, bus.LoopEvent{
		RunID: runID, StoreID: rc.StoreID, Iteration: iteration,
		Status: StatusFailed, DurationSeconds: time.Since(start).Seconds(),
	})
	return result, err
}

func (l *Loop) complete(rc RunContext, runID string, result *Result, start time.Time) {
	notify(l.logger, func() { callIfSet(rc.Observer.OnComplete, result) })
	l.publish(bus.TopicLoopCompleted, bus.LoopEvent{
		RunID: runID, StoreID: rc.StoreID, Iteration: result.Iterations,
		Status: result.Status, DurationSeconds: time.Since(start).Seconds(),
	})
	l.logger.Debug("agent loop finished",
		"run_id", runID,
		"status", result.Status,
		"iterations", result.Iterations,
		"duration", time.Since(start),
	)
}

func (l *Loop) publish(topic string, payload any) {
	if l.bus != nil {
		l.bus.Publish(topic, payload)
	}
}

// callSignature builds a stable identity for a tool call from its name and
// argument hash; the call ID is deliberately excluded.
func callSignature(call ToolCall) string {
	argBytes, _ := json.Marshal(call.Args)
	h := sha256.Sum256(argBytes)
	return fmt.Sprintf("%s:%x", call.Name, h[:16])
}

// isStuck reports whether sig already fills the trailing window, meaning
// the next execution would be its fourth consecutive repetition.
func isStuck(trail []string, sig string) bool {
	if len(trail) < stuckWindow {
		return false
	}
	for _, prev := range trail[len(trail)-stuckWindow:] {
		if prev != sig {
			return false
		}
	}
	return true
}

func resolveMaxIterations(requested int) int {
	if requested > 0 {
		return requested
	}
	if raw := os.Getenv("LIFEBUILD_MAX_ITERATIONS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return DefaultMaxIterations
}

// notify runs an observer callback in a goroutine so it can never block
// the loop, recovering panics so it can never kill it either.
func notify(logger *slog.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Warn("loop observer panicked", "panic", r)
			}
		}()
		fn()
	}()
}

func callIfSet[T any](fn func(T), v T) {
	if fn != nil {
		fn(v)
	}
}

func callIfSet2[A, B any](fn func(A, B), a A, b B) {
	if fn != nil {
		fn(a, b)
	}
}
