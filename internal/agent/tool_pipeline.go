package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/clawdbot/coreloop/pkg/models"
)

// browserActions are the state-changing browser tools subject to the
// per-response burst cap.
var browserActions = map[string]bool{
	"navigate": true, "click": true, "type": true, "select": true,
	"press_key": true, "back": true, "fill_form": true, "drag": true,
	"file_upload": true,
}

// dataGatheringTools populate gatheredWebData and participate in write
// deferral alongside browser actions.
var dataGatheringTools = map[string]bool{
	"web_search": true, "fetch_webpage": true,
}

// writeTools are deferred when batched with data-gathering calls in the
// same response.
var writeTools = map[string]bool{
	"write_file": true, "edit_file": true,
}

var fencedToolBlock = regexp.MustCompile("(?s)```(?:json|tool|tool_call)?\\s*\\n(.*?)```")

// PipelineConfig tunes ToolPipeline behavior.
type PipelineConfig struct {
	// TinyModel disables write deferral for models that cannot handle the
	// retry-next-turn protocol (<=1B parameter class).
	TinyModel bool

	// TurnPaceMs sleeps this long between sequential tool executions.
	TurnPaceMs int
}

// PipelineOutput is the contract result: process(...) -> {calls, results,
// capped, skipped}.
type PipelineOutput struct {
	Calls   []models.ToolCall
	Results []models.ToolResult
	Capped  []models.ToolCall // browser calls skipped by the burst cap
	Skipped []models.ToolCall // write calls deferred to next turn
}

// ToolPipeline implements the parse/repair/normalize/dedup/cap/defer/execute
// sequence AgenticLoop runs after each generation, for both native
// tool-call output and fenced-JSON text output. Calls execute sequentially,
// each bounded by its own retry/timeout budget.
type ToolPipeline struct {
	executor ToolExecutor
	sink     EventSink
	config   PipelineConfig
}

// NewToolPipeline builds a pipeline that executes calls against executor and
// reports lifecycle events to sink (may be NopSink{}).
func NewToolPipeline(executor ToolExecutor, sink EventSink, config PipelineConfig) *ToolPipeline {
	if sink == nil {
		sink = NopSink{}
	}
	return &ToolPipeline{executor: executor, sink: sink, config: config}
}

// ParseFencedCalls extracts tool calls from fenced code blocks in model text
// output. Each block must contain a JSON object with a "tool" or "name"
// field and a "params" or "arguments" field.
func ParseFencedCalls(text string) []models.ToolCall {
	var calls []models.ToolCall
	for _, m := range fencedToolBlock.FindAllStringSubmatch(text, -1) {
		call, ok := parseOneFencedCall(m[1])
		if ok {
			calls = append(calls, call)
		}
	}
	return calls
}

func parseOneFencedCall(body string) (models.ToolCall, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &raw); err != nil {
		return models.ToolCall{}, false
	}

	var name string
	for _, key := range []string{"tool", "name"} {
		if v, ok := raw[key]; ok {
			_ = json.Unmarshal(v, &name)
			if name != "" {
				break
			}
		}
	}
	if name == "" {
		return models.ToolCall{}, false
	}

	var params json.RawMessage
	for _, key := range []string{"params", "arguments"} {
		if v, ok := raw[key]; ok {
			params = v
			break
		}
	}
	if params == nil {
		params = json.RawMessage("{}")
	}

	return models.ToolCall{Name: name, Params: params}, true
}

// controlCharPattern matches C0 control characters (0x00-0x1F) that must be
// scrubbed from file-path parameters.
var controlCharPattern = regexp.MustCompile("[\x00-\x1f]")

// Repair recovers an empty write_file.content by scanning responseText for
// an adjacent code block, and normalizes bare URLs by adding an https://
// scheme. Calls that remain unrecoverable are dropped.
func Repair(calls []models.ToolCall, responseText string) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(calls))
	for _, c := range calls {
		var params map[string]any
		if err := json.Unmarshal(c.Params, &params); err != nil {
			params = map[string]any{}
		}

		if c.Name == "write_file" {
			if content, _ := params["content"].(string); content == "" {
				if recovered, ok := recoverAdjacentBlock(responseText); ok {
					params["content"] = recovered
				} else {
					continue // unrecoverable
				}
			}
		}

		if url, ok := params["url"].(string); ok && url != "" {
			params["url"] = normalizeURL(url)
		}

		normalized, err := json.Marshal(params)
		if err != nil {
			continue
		}
		c.Params = normalized
		out = append(out, c)
	}
	return out
}

func recoverAdjacentBlock(text string) (string, bool) {
	matches := fencedToolBlock.FindAllStringSubmatch(text, -1)
	if len(matches) < 2 {
		return "", false
	}
	// The block immediately preceding the tool-call block, if not itself a
	// tool-call JSON object, is treated as the missing file content.
	candidate := strings.TrimSpace(matches[len(matches)-2][1])
	if candidate == "" {
		return "", false
	}
	return candidate, true
}

func normalizeURL(u string) string {
	if strings.Contains(u, "://") {
		return u
	}
	return "https://" + u
}

// NormalizeParams scrubs control characters from file-path-bearing params.
func NormalizeParams(calls []models.ToolCall) []models.ToolCall {
	for i, c := range calls {
		var params map[string]any
		if err := json.Unmarshal(c.Params, &params); err != nil {
			continue
		}
		changed := false
		for _, key := range []string{"path", "file_path", "filename"} {
			if p, ok := params[key].(string); ok {
				cleaned := controlCharPattern.ReplaceAllString(p, "")
				if cleaned != p {
					params[key] = cleaned
					changed = true
				}
			}
		}
		if changed {
			if data, err := json.Marshal(params); err == nil {
				calls[i].Params = data
			}
		}
	}
	return calls
}

// Dedup drops later calls whose (tool, params) signature repeats an earlier
// one in the same response.
func Dedup(calls []models.ToolCall) []models.ToolCall {
	seen := make(map[string]bool, len(calls))
	out := make([]models.ToolCall, 0, len(calls))
	for _, c := range calls {
		sig := c.Name + "|" + string(c.Params)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, c)
	}
	return out
}

// BrowserCap caps state-changing browser actions at 2 per response. Calls
// beyond the cap are returned separately as capped, to be reported back to
// the model.
func BrowserCap(calls []models.ToolCall) (kept, capped []models.ToolCall) {
	count := 0
	for _, c := range calls {
		if browserActions[c.Name] {
			count++
			if count > 2 {
				capped = append(capped, c)
				continue
			}
		}
		kept = append(kept, c)
	}
	return kept, capped
}

// WriteDefer defers write_file/edit_file calls to next turn when the same
// response also contains data-gathering calls, unless tinyModel is set (in
// which case writes proceed and fabrication auto-correction cleans up).
func WriteDefer(calls []models.ToolCall, tinyModel bool) (kept, deferred []models.ToolCall) {
	if tinyModel {
		return calls, nil
	}
	hasGathering := false
	for _, c := range calls {
		if dataGatheringTools[c.Name] || browserActions[c.Name] {
			hasGathering = true
			break
		}
	}
	if !hasGathering {
		return calls, nil
	}
	for _, c := range calls {
		if writeTools[c.Name] {
			deferred = append(deferred, c)
			continue
		}
		kept = append(kept, c)
	}
	return kept, deferred
}

// Process runs the full pipeline: parse (if text-only), repair, normalize,
// dedup, browser cap, write deferral, execute, and post-execute events.
func (p *ToolPipeline) Process(ctx context.Context, nativeCalls []models.ToolCall, responseText string) PipelineOutput {
	calls := nativeCalls
	if len(calls) == 0 && responseText != "" {
		calls = ParseFencedCalls(responseText)
	}

	calls = Repair(calls, responseText)
	calls = NormalizeParams(calls)
	calls = Dedup(calls)

	kept, capped := BrowserCap(calls)
	kept, deferred := WriteDefer(kept, p.config.TinyModel)

	out := PipelineOutput{Calls: kept, Capped: capped, Skipped: deferred}
	out.Results = p.execute(ctx, kept)
	return out
}

func (p *ToolPipeline) execute(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for i, call := range calls {
		p.sink.Emit(ctx, toolEvent(call, models.ToolEventStarted, nil))

		result, err := p.executor.Execute(ctx, call.Name, call.Params)
		if err != nil {
			result = models.ToolResult{Tool: call.Name, Params: call.Params, Success: false, Error: err.Error()}
			p.sink.Emit(ctx, toolEvent(call, models.ToolEventFailed, err))
		} else {
			p.sink.Emit(ctx, toolEvent(call, models.ToolEventSucceeded, nil))
		}
		results = append(results, result)

		if i < len(calls)-1 && p.config.TurnPaceMs > 0 {
			select {
			case <-time.After(time.Duration(p.config.TurnPaceMs) * time.Millisecond):
			case <-ctx.Done():
				return results
			}
		}
	}
	return results
}

func toolEvent(call models.ToolCall, stage models.ToolEventStage, err error) models.AgentEvent {
	payload := &models.ToolEventPayload{Name: call.Name, ArgsJSON: call.Params}
	e := models.AgentEvent{Type: eventTypeForStage(stage), Tool: payload}
	if err != nil {
		e.Error = &models.ErrorEventPayload{Message: err.Error(), Err: err}
	}
	return e
}

func eventTypeForStage(stage models.ToolEventStage) models.AgentEventType {
	switch stage {
	case models.ToolEventStarted:
		return models.AgentEventToolStarted
	case models.ToolEventFailed, models.ToolEventSucceeded:
		return models.AgentEventToolFinished
	default:
		return models.AgentEventToolStarted
	}
}

// FormatSkipped renders capped/deferred calls into the feedback message that
// tells the model which calls to re-issue next turn.
func FormatSkipped(capped, deferred []models.ToolCall) string {
	if len(capped) == 0 && len(deferred) == 0 {
		return ""
	}
	var b strings.Builder
	for _, c := range capped {
		fmt.Fprintf(&b, "Skipped (browser burst cap): %s. Re-issue next turn.\n", c.Name)
	}
	for _, c := range deferred {
		fmt.Fprintf(&b, "Deferred (gather-then-write): %s. Re-issue next turn with the data above.\n", c.Name)
	}
	return b.String()
}
