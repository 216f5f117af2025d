package dispatch

import (
	"encoding/json"
	"testing"
)

func TestToolCallFrom_BuildsToolCallFromNameAndArgs(t *testing.T) {
	call := toolCallFrom("search", `{"q":"go modules"}`)
	if call.Name != "search" {
		t.Fatalf("expected name search, got %q", call.Name)
	}
	if string(call.Params) != `{"q":"go modules"}` {
		t.Fatalf("expected raw args carried verbatim, got %q", string(call.Params))
	}
}

func TestToolCallFrom_ParamsRemainValidJSON(t *testing.T) {
	call := toolCallFrom("lookup", `{"id":42}`)
	var decoded map[string]any
	if err := json.Unmarshal(call.Params, &decoded); err != nil {
		t.Fatalf("expected Params to decode as JSON, got error: %v", err)
	}
	if decoded["id"].(float64) != 42 {
		t.Fatalf("expected id 42, got %v", decoded["id"])
	}
}

func TestToolCallFrom_EmptyArgsProducesEmptyRawMessage(t *testing.T) {
	call := toolCallFrom("noop", "")
	if len(call.Params) != 0 {
		t.Fatalf("expected empty Params for empty args, got %q", string(call.Params))
	}
}
