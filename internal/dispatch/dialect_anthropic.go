package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/clawdbot/coreloop/internal/agent"
	"github.com/clawdbot/coreloop/internal/stream"
)

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicRequest struct {
	Model     string              `json:"model"`
	System    string              `json:"system,omitempty"`
	Messages  []anthropicMessage  `json:"messages"`
	MaxTokens int                 `json:"max_tokens"`
	Stream    bool                `json:"stream"`
	Tools     []anthropicTool     `json:"tools,omitempty"`
}

// buildAnthropicRequest composes an Anthropic Messages API request. It's a
// hand-rolled builder against the documented JSON body rather than an
// official SDK, matching how the other non-primary dialects are built;
// see DESIGN.md.
func buildAnthropicRequest(ctx context.Context, host, path, key string, creq *agent.CompletionRequest) (*http.Request, error) {
	messages := make([]anthropicMessage, 0, len(creq.Messages))
	for _, m := range creq.Messages {
		role := m.Role
		if role == "tool" {
			role = "user"
		}
		if role != "user" && role != "assistant" {
			continue
		}
		messages = append(messages, anthropicMessage{Role: role, Content: m.Content})
	}

	maxTokens := creq.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	payload := anthropicRequest{
		Model:     creq.Model,
		System:    creq.System,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    true,
	}
	for _, t := range creq.Tools {
		payload.Tools = append(payload.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Schema})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, host+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	return httpReq, nil
}

func decodeAnthropic(ctx context.Context, body io.ReadCloser) <-chan *stream.Chunk {
	return stream.DecodeAnthropic(ctx, body)
}
