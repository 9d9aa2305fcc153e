package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sociotechnica-org/lifebuild/internal/agentic"
	"github.com/sociotechnica-org/lifebuild/internal/workspace"
)

var queryBoardSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {"type": "string", "description": "Named query to run"},
		"params": {"type": "object", "description": "Query parameters"}
	},
	"required": ["name"],
	"additionalProperties": false
}`)

var commitEventSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {"type": "string", "description": "Event name"},
		"args": {"type": "object", "description": "Event payload"}
	},
	"required": ["name"],
	"additionalProperties": false
}`)

// storeTools exposes one workspace store to the loop as query and commit
// tools.
type storeTools struct {
	store workspace.Store
}

func newStoreTools(store workspace.Store) *storeTools {
	return &storeTools{store: store}
}

func (t *storeTools) Definitions() []agentic.ToolDefinition {
	return []agentic.ToolDefinition{
		{
			Name:        "query_board",
			Description: "Run a named read query against the workspace store and return its rows as JSON.",
			Schema:      queryBoardSchema,
		},
		{
			Name:        "commit_event",
			Description: "Commit a named event with arguments into the workspace store.",
			Schema:      commitEventSchema,
		},
	}
}

func (t *storeTools) Execute(ctx context.Context, call agentic.ToolCall) (string, error) {
	switch call.Name {
	case "query_board":
		name, _ := call.Args["name"].(string)
		params, _ := call.Args["params"].(map[string]any)
		rows, err := t.store.Query(ctx, workspace.Query{Name: name, Params: params})
		if err != nil {
			return "", err
		}
		raw, err := json.Marshal(rows)
		if err != nil {
			return "", fmt.Errorf("encode rows: %w", err)
		}
		return string(raw), nil
	case "commit_event":
		name, _ := call.Args["name"].(string)
		args, _ := call.Args["args"].(map[string]any)
		if err := t.store.Commit(ctx, workspace.Event{Name: name, Args: args}); err != nil {
			return "", err
		}
		return `{"ok":true}`, nil
	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}
