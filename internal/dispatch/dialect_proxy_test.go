package dispatch

import (
	"context"
	"testing"

	"github.com/clawdbot/coreloop/internal/agent"
)

func TestBuildProxyRequest_UsesOpenAICompatibleBody(t *testing.T) {
	creq := &agent.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	}
	req, err := buildProxyRequest(context.Background(), "https://proxy.internal", "/v1/chat/completions", "session-token", creq)
	if err != nil {
		t.Fatalf("buildProxyRequest: %v", err)
	}
	if req.Header.Get("Authorization") != "Bearer session-token" {
		t.Fatalf("expected session token in Authorization header, got %q", req.Header.Get("Authorization"))
	}
	if req.URL.String() != "https://proxy.internal/v1/chat/completions" {
		t.Fatalf("unexpected URL: %s", req.URL.String())
	}
}
