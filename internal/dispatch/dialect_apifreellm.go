package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/clawdbot/coreloop/internal/agent"
	"github.com/clawdbot/coreloop/internal/stream"
)

type apifreellmRequest struct {
	Message string `json:"message"`
}

// buildAPIFreeLLMRequest composes apifreellm's single non-streaming
// request: the whole conversation flattened to one message field, since
// the API has no multi-turn message array.
func buildAPIFreeLLMRequest(ctx context.Context, host, path, _ string, creq *agent.CompletionRequest) (*http.Request, error) {
	var sb strings.Builder
	if creq.System != "" {
		sb.WriteString(creq.System)
		sb.WriteString("\n\n")
	}
	for _, m := range creq.Messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}

	body, err := json.Marshal(apifreellmRequest{Message: sb.String()})
	if err != nil {
		return nil, fmt.Errorf("marshal apifreellm request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, host+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func decodeAPIFreeLLM(ctx context.Context, body io.ReadCloser) <-chan *stream.Chunk {
	return stream.DecodeAPIFreeLLM(ctx, body)
}
