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

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

// buildOllamaRequest composes an Ollama NDJSON chat request. It skips
// native-tool-call wiring: the ollama catalog entry here is a fallback
// remote-http surface for the dialect, not this module's local inference
// path — that is internal/localengine's job.
func buildOllamaRequest(ctx context.Context, host, path, _ string, creq *agent.CompletionRequest) (*http.Request, error) {
	messages := make([]ollamaChatMessage, 0, len(creq.Messages)+1)
	if creq.System != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: creq.System})
	}
	for _, m := range creq.Messages {
		messages = append(messages, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}

	payload := ollamaChatRequest{Model: creq.Model, Messages: messages, Stream: true}
	if creq.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": creq.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, host+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func decodeOllama(ctx context.Context, body io.ReadCloser) <-chan *stream.Chunk {
	return stream.DecodeOllamaNDJSON(ctx, body)
}
