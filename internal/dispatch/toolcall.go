package dispatch

import (
	"encoding/json"

	"github.com/clawdbot/coreloop/pkg/models"
)

// toolCallFrom builds a models.ToolCall from a decoded name and raw JSON
// arguments string, matching the parser's native-call output shape to the
// fenced-JSON extraction path's output shape (§3 ToolCall: both paths
// produce identical records).
func toolCallFrom(name, args string) *models.ToolCall {
	return &models.ToolCall{Name: name, Params: json.RawMessage(args)}
}
