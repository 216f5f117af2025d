package agent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// regexpIncompleteItem matches an unchecked checklist item ("- [ ] ...") in
// model prose, used by the incomplete-todo-plan check.
var regexpIncompleteItem = regexp.MustCompile(`(?m)^\s*[-*]\s*\[\s\]\s+\S`)

// dataLikeContentPattern flags write_file content that looks like scraped
// structured data (price/product/listing tables) and is therefore a
// fabrication-auto-correction candidate.
var dataLikeContentPattern = regexp.MustCompile(`(?i)\b(price|product|listing|\$[\d,]+\.?\d*)\b`)

const minOverlapSnippetChars = 6

// autoCorrectFabrication runs after every write_file success whose content
// looks data-like: it checks the written content actually overlaps with
// data gathered this turn, and if not, overwrites the file with a
// structured report built from the real data instead.
//
// The spec leaves unspecified whether this should route back through
// ToolExecutor.execute("write_file", ...) instead of writing directly; this
// implementation calls back through the executor so every filesystem
// mutation stays observable through the same path, rather than bypassing
// it the way the distilled description allows.
func (l *AgenticLoop) autoCorrectFabrication(ctx context.Context, output PipelineOutput, state *ExecutionState) {
	for i, call := range output.Calls {
		if call.Name != "write_file" || i >= len(output.Results) || !output.Results[i].Success {
			continue
		}

		var params map[string]any
		if err := json.Unmarshal(call.Params, &params); err != nil {
			continue
		}
		content, _ := params["content"].(string)
		if content == "" || !dataLikeContentPattern.MatchString(content) {
			continue
		}
		if overlapsGatheredData(content, state.GatheredWebData) {
			continue
		}
		if len(state.GatheredWebData) == 0 {
			continue
		}

		report := buildFactualReport(state.GatheredWebData)
		fixedParams, err := json.Marshal(map[string]any{"path": params["path"], "content": report})
		if err != nil {
			continue
		}
		_, _ = l.pipeline.executor.Execute(ctx, "write_file", fixedParams)
	}
}

func overlapsGatheredData(content string, gathered []string) bool {
	for _, snippet := range gathered {
		for start := 0; start+minOverlapSnippetChars <= len(snippet); start++ {
			sub := snippet[start : start+minOverlapSnippetChars]
			if strings.Contains(content, sub) {
				return true
			}
		}
	}
	return false
}

func buildFactualReport(gathered []string) string {
	var b strings.Builder
	b.WriteString("# Report\n\n")
	b.WriteString("Auto-corrected: the model's written content did not match data gathered this turn.\n\n")
	for _, snippet := range gathered {
		b.WriteString("- ")
		b.WriteString(snippet)
		b.WriteString("\n")
	}
	return b.String()
}
