package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sociotechnica-org/lifebuild/internal/agentic"
	"github.com/sociotechnica-org/lifebuild/internal/retry"
)

// DefaultModel is used when neither the provider config nor the call
// options name one.
const DefaultModel = "claude-sonnet-4-20250514"

const defaultMaxTokens = 4096

// Config configures the Anthropic provider.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
	Logger    *slog.Logger
}

// AnthropicProvider implements agentic.Provider against the Claude
// Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	retrier   *retry.Operation
	logger    *slog.Logger
}

// NewAnthropic creates a provider with transient-failure retries built in.
func NewAnthropic(cfg Config) *AnthropicProvider {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     anthropic.Model(model),
		maxTokens: int64(maxTokens),
		retrier: retry.New(retry.Config{
			MaxRetries: 3,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   15 * time.Second,
			JitterMax:  0.25,
			RetryIf:    IsRetryable,
		}),
		logger: logger,
	}
}

// Call sends the conversation to the Messages API and maps the response
// back to loop types. Transient failures are retried with backoff; the
// caller's OnRetry hook fires on each re-attempt.
func (p *AnthropicProvider) Call(ctx context.Context, history []agentic.Message, opts agentic.CallOptions) (*agentic.Response, error) {
	systemPrompt, merged, err := flattenHistory(history)
	if err != nil {
		return nil, &Error{Type: ErrorTypeBadRequest, Message: err.Error(), Cause: err}
	}
	systemPrompt = appendContexts(systemPrompt, opts)

	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  toMessageParams(merged),
	}
	if opts.Model != "" {
		params.Model = anthropic.Model(opts.Model)
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt, Type: "text"}}
	}
	if tools, err := toToolParams(opts.Tools); err != nil {
		return nil, &Error{Type: ErrorTypeBadRequest, Message: err.Error(), Cause: err}
	} else if len(tools) > 0 {
		params.Tools = tools
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}

	var attempt int
	var prevErr error
	var resp *anthropic.Message
	callErr := p.retrier.Execute(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 && opts.OnRetry != nil {
			opts.OnRetry(attempt, prevErr)
		}
		out, err := p.client.Messages.New(ctx, params)
		if err != nil {
			classified := classify(err)
			p.logger.Warn("anthropic call failed", "attempt", attempt, "type", classified.Type, "error", err)
			prevErr = classified
			return classified
		}
		if out == nil || len(out.Content) == 0 {
			prevErr = &Error{Type: ErrorTypeEmptyResponse, Message: "empty response from model"}
			return prevErr
		}
		resp = out
		return nil
	})
	if callErr != nil {
		return nil, callErr
	}
	return parseResponse(resp)
}

func parseResponse(resp *anthropic.Message) (*agentic.Response, error) {
	out := &agentic.Response{}
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			out.Message += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(tu.Input, &args); err != nil {
				return nil, &Error{Type: ErrorTypeBadRequest, Message: fmt.Sprintf("tool input for %q is not an object", tu.Name), Cause: err}
			}
			out.ToolCalls = append(out.ToolCalls, agentic.ToolCall{ID: tu.ID, Name: tu.Name, Args: args})
		}
	}
	return out, nil
}

// flattenHistory extracts system messages into the system parameter and
// reduces the remainder to strictly alternating user/assistant turns.
// Tool results are rendered as user text; the API sees a plain-text
// transcript of them.
func flattenHistory(history []agentic.Message) (systemPrompt string, merged []agentic.Message, err error) {
	if len(history) == 0 {
		return "", nil, fmt.Errorf("history cannot be empty")
	}

	var systemParts []string
	var rest []agentic.Message
	for _, msg := range history {
		if msg.Role == agentic.RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	systemPrompt = strings.Join(systemParts, "\n\n")
	if len(rest) == 0 {
		return "", nil, fmt.Errorf("history has no user or assistant messages")
	}

	var userParts []string
	flushUser := func() {
		if len(userParts) > 0 {
			merged = append(merged, agentic.Message{Role: agentic.RoleUser, Content: strings.Join(userParts, "\n\n")})
			userParts = nil
		}
	}

	for _, msg := range rest {
		switch msg.Role {
		case agentic.RoleAssistant:
			flushUser()
			merged = append(merged, agentic.Message{Role: agentic.RoleAssistant, Content: renderAssistant(msg)})
		default:
			// User and tool turns collapse into one user message.
			userParts = append(userParts, renderUser(msg))
		}
	}
	flushUser()

	for i, msg := range merged {
		if i > 0 && merged[i-1].Role == msg.Role {
			return "", nil, fmt.Errorf("alternation violation at index %d: consecutive %s messages", i, msg.Role)
		}
	}
	if merged[0].Role != agentic.RoleUser {
		return "", nil, fmt.Errorf("first message must be a user turn, got %s", merged[0].Role)
	}
	if merged[len(merged)-1].Role != agentic.RoleUser {
		return "", nil, fmt.Errorf("last message must be a user turn, got %s", merged[len(merged)-1].Role)
	}
	return systemPrompt, merged, nil
}

func renderAssistant(msg agentic.Message) string {
	var b strings.Builder
	b.WriteString(msg.Content)
	for _, call := range msg.ToolCalls {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		args, _ := json.Marshal(call.Args)
		fmt.Fprintf(&b, "[called tool %s with %s]", call.Name, args)
	}
	if b.Len() == 0 {
		b.WriteString("(no content)")
	}
	return b.String()
}

func renderUser(msg agentic.Message) string {
	if msg.Role != agentic.RoleTool {
		return msg.Content
	}
	var b strings.Builder
	for i, res := range msg.ToolResults {
		if i > 0 {
			b.WriteString("\n\n")
		}
		label := "result"
		if res.IsError {
			label = "error"
		}
		fmt.Fprintf(&b, "[tool %s %s]\n%s", res.Name, label, res.Content)
	}
	return b.String()
}

func appendContexts(systemPrompt string, opts agentic.CallOptions) string {
	parts := []string{}
	if systemPrompt != "" {
		parts = append(parts, systemPrompt)
	}
	if opts.BoardContext != "" {
		parts = append(parts, "## Board context\n\n"+opts.BoardContext)
	}
	if len(opts.WorkerContext) > 0 {
		if raw, err := json.Marshal(opts.WorkerContext); err == nil {
			parts = append(parts, "## Worker context\n\n"+string(raw))
		}
	}
	return strings.Join(parts, "\n\n")
}

func toMessageParams(merged []agentic.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(merged))
	for _, msg := range merged {
		out = append(out, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}
	return out
}

// toToolParams converts loop tool definitions to API tool params. A
// definition without a schema becomes a permissive object schema.
func toToolParams(defs []agentic.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := anthropic.ToolInputSchemaParam{Type: "object"}
		if len(def.Schema) > 0 {
			var parsed struct {
				Properties map[string]any `json:"properties"`
				Required   []string       `json:"required"`
			}
			if err := json.Unmarshal(def.Schema, &parsed); err != nil {
				return nil, fmt.Errorf("schema for tool %q: %w", def.Name, err)
			}
			schema.Properties = parsed.Properties
			schema.Required = parsed.Required
		}
		tools = append(tools, anthropic.ToolUnionParamOfTool(schema, def.Name))
	}
	return tools, nil
}
