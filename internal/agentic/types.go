// Package agentic drives a bounded iterative LLM/tool-execution loop with
// stuck-loop detection.
package agentic

import (
	"context"
	"encoding/json"
)

// Role constants for conversation history entries.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one conversation history entry.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Response is what the provider returns for one model call: a final
// message, tool calls to execute, or both.
type Response struct {
	Message   string
	ToolCalls []ToolCall
}

// CallOptions carries the per-call context handed to the provider.
type CallOptions struct {
	Model         string
	BoardContext  string
	WorkerContext map[string]any
	Tools         []ToolDefinition
	// OnRetry is invoked when the provider retries a transient failure.
	OnRetry func(attempt int, err error)
}

// Provider is the LLM abstraction consumed by the loop. Never implemented
// by this core.
type Provider interface {
	Call(ctx context.Context, history []Message, opts CallOptions) (*Response, error)
}

// ToolDefinition describes one tool offered to the model. Schema, when
// present, is a JSON Schema for the tool's arguments.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ToolExecutor runs tool calls on behalf of the loop.
type ToolExecutor interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, call ToolCall) (string, error)
}

// Observer is the caller-supplied callback set for loop transitions.
// Every field is optional. Callbacks are fire-and-forget notifications:
// they must never block or abort the loop's forward progress.
type Observer struct {
	OnIterationStart    func(iteration int)
	OnIterationComplete func(iteration int)
	OnToolsExecuting    func(iteration int, calls []ToolCall)
	OnToolsComplete     func(iteration int, results []ToolResult)
	OnRetry             func(attempt int, err error)
	OnFinalMessage      func(message string)
	OnError             func(err error)
	OnComplete          func(result *Result)
}

// Loop terminal statuses.
const (
	StatusCompleted      = "completed"
	StatusIterationLimit = "iteration_limit"
	StatusStuck          = "stuck"
	StatusFailed         = "failed"
)

// Result is the final output of one loop run. An iteration-limit result is
// a soft failure: partial progress may have been made and Err is set, but
// completion is still signalled to the observer.
type Result struct {
	Status       string
	Iterations   int
	FinalMessage string
	Err          error
}
