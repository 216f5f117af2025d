package dispatch

import (
	"context"
	"io"
	"net/http"

	"github.com/clawdbot/coreloop/internal/agent"
	"github.com/clawdbot/coreloop/internal/stream"
)

// buildProxyRequest composes a request to the bundled proxy endpoint
// (§6 Proxy): same OpenAI-compatible body shape as buildOpenAIRequest, but
// authenticated with a session token rather than a pooled API key.
func buildProxyRequest(ctx context.Context, host, path, sessionToken string, creq *agent.CompletionRequest) (*http.Request, error) {
	return buildOpenAIRequest(ctx, host, path, sessionToken, creq)
}

func decodeProxy(ctx context.Context, body io.ReadCloser) <-chan *stream.Chunk {
	return stream.DecodeOpenAI(ctx, body)
}
