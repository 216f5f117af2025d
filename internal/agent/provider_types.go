package agent

import (
	"context"
	"encoding/json"

	"github.com/clawdbot/coreloop/pkg/models"
)

// LLMProvider is the interface CloudDispatcher and LocalEngine both satisfy,
// letting AgenticLoop drive either a remote HTTP backend or the local GGUF
// model through one streaming contract.
//
// Implementations must be safe for concurrent use by distinct requests, but
// a single LocalEngine instance serializes its own generation calls
// internally (see localengine.Engine).
type LLMProvider interface {
	// Complete sends a request and returns a channel of streaming chunks.
	// The channel is closed after a chunk with Done=true or Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider id (e.g. "openai", "anthropic", "local").
	Name() string

	// Models returns the models this provider currently offers.
	Models() []Model

	// SupportsTools reports whether the provider can be given Tools in a
	// CompletionRequest.
	SupportsTools() bool
}

// ToolSchema describes one tool available for the model to call. It carries
// no execution behavior; actually running a tool is ToolExecutor's job.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// CompletionRequest is `req` from the CloudDispatcher contract: provider,
// model, system_prompt, messages, images, max_tokens, temperature, stream.
type CompletionRequest struct {
	Provider    string              `json:"provider,omitempty"`
	Model       string              `json:"model"`
	System      string              `json:"system,omitempty"`
	Messages    []CompletionMessage `json:"messages"`
	Images      []models.Image      `json:"images,omitempty"`
	Tools       []ToolSchema        `json:"tools,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	Stream      bool                `json:"stream"`
}

// CompletionMessage is one ChatTurn flattened to the wire shape every
// dialect's request-body builder expects.
type CompletionMessage struct {
	Role        string             `json:"role"`
	Content     string             `json:"content,omitempty"`
	ToolCalls   []models.ToolCall  `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one unit produced by the provider stream: partial text,
// a thinking segment, a completed tool call, or a terminal Done/Error.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`

	Thinking      string `json:"thinking,omitempty"`
	ThinkingStart bool   `json:"thinking_start,omitempty"`
	ThinkingEnd   bool   `json:"thinking_end,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes one model a provider can serve.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// ToolExecutor is the opaque external collaborator that actually runs a
// tool. This module only calls it; it never implements it.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, params json.RawMessage) (models.ToolResult, error)
}

// ResponseChunk is the fully assembled streaming unit AgenticLoop emits to
// its caller: text/thinking deltas, completed tool results, and lifecycle
// events, or a terminal error.
type ResponseChunk struct {
	Text          string             `json:"text,omitempty"`
	Thinking      string             `json:"thinking,omitempty"`
	ThinkingStart bool               `json:"thinking_start,omitempty"`
	ThinkingEnd   bool               `json:"thinking_end,omitempty"`
	ToolResult    *models.ToolResult `json:"tool_result,omitempty"`
	ToolEvent     *models.ToolEvent  `json:"tool_event,omitempty"`
	Event         *models.AgentEvent `json:"event,omitempty"`
	Error         error              `json:"-"`
}

// ContextUsage mirrors the core->host `context-usage` IPC payload.
type ContextUsage struct {
	Used  int `json:"used"`
	Total int `json:"total"`
}
