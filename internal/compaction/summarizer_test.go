package compaction

import (
	"strings"
	"testing"

	"github.com/clawdbot/coreloop/pkg/models"
)

func toolCallTurn(name, params string) models.ChatTurn {
	return models.ChatTurn{
		Role: models.RoleModel,
		Segments: []models.Segment{
			{
				Kind:     models.SegmentToolCall,
				ToolCall: &models.ToolCall{Name: name, Params: []byte(params)},
			},
		},
	}
}

func textTurn(text string) models.ChatTurn {
	return models.ChatTurn{
		Role: models.RoleModel,
		Segments: []models.Segment{
			{Kind: models.SegmentText, Text: text},
		},
	}
}

func TestExtract_GoalComesFromFirstUserTurn(t *testing.T) {
	history := []models.ChatTurn{
		{Role: models.RoleSystem, Text: "you are an agent"},
		{Role: models.RoleUser, Text: "find the weather in Austin"},
		{Role: models.RoleUser, Text: "also check the forecast"},
	}
	ex := NewTurnSummarizer().Extract(history)
	if ex.Goal != "find the weather in Austin" {
		t.Fatalf("expected goal from first user turn, got %q", ex.Goal)
	}
}

func TestExtract_PlanStepsFromChecklistMarkdown(t *testing.T) {
	history := []models.ChatTurn{
		textTurn("Here's my plan:\n- [ ] search for docs\n- [x] read the readme\n1. finalize the report\n"),
	}
	ex := NewTurnSummarizer().Extract(history)
	if len(ex.PlanSteps) != 3 {
		t.Fatalf("expected 3 plan steps, got %v", ex.PlanSteps)
	}
	if ex.PlanSteps[0] != "search for docs" || ex.PlanSteps[1] != "read the readme" || ex.PlanSteps[2] != "finalize the report" {
		t.Fatalf("unexpected plan step text: %v", ex.PlanSteps)
	}
}

func TestExtract_LedgerRecordsToolCallsInOrder(t *testing.T) {
	history := []models.ChatTurn{
		toolCallTurn("search", `{"q":"a"}`),
		toolCallTurn("read_file", `{"path":"b.txt"}`),
	}
	ex := NewTurnSummarizer().Extract(history)
	if len(ex.Ledger) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(ex.Ledger))
	}
	if ex.Ledger[0].Tool != "search" || ex.Ledger[1].Tool != "read_file" {
		t.Fatalf("expected ledger in call order, got %+v", ex.Ledger)
	}
}

func TestExtract_KeyResultsMatchSuccessFailureURLsAndPaths(t *testing.T) {
	history := []models.ChatTurn{
		textTurn("The build succeeded.\nTest failed on line 10.\nSee https://example.com/report\nWrote output to /tmp/report.json\nordinary prose line"),
	}
	ex := NewTurnSummarizer().Extract(history)
	if len(ex.KeyResults) != 4 {
		t.Fatalf("expected 4 key result lines, got %v", ex.KeyResults)
	}
}

func TestMarkCompletedStep_MatchesPlanStepByToolNameSubstring(t *testing.T) {
	history := []models.ChatTurn{
		textTurn("- [ ] run search to find docs\n- [ ] write the final report\n"),
		toolCallTurn("search", `{}`),
	}
	ex := NewTurnSummarizer().Extract(history)
	if !ex.CompletedSteps[0] {
		t.Fatalf("expected step 0 (mentions search) marked complete, got %v", ex.CompletedSteps)
	}
	if ex.CompletedSteps[1] {
		t.Fatalf("did not expect step 1 (write the final report) marked complete")
	}
}

func TestMarkCompletedStep_OnlyMarksFirstUnmarkedMatch(t *testing.T) {
	history := []models.ChatTurn{
		textTurn("- [ ] search for docs\n- [ ] search again to confirm\n"),
		toolCallTurn("search", `{}`),
		toolCallTurn("search", `{}`),
	}
	ex := NewTurnSummarizer().Extract(history)
	if !ex.CompletedSteps[0] || !ex.CompletedSteps[1] {
		t.Fatalf("expected both search-matching steps eventually marked complete, got %v", ex.CompletedSteps)
	}
}

func TestCompressParams_TruncatesOver80CharsWithEllipsis(t *testing.T) {
	long := strings.Repeat("a", 100)
	got := compressParams(long)
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected an ellipsis suffix, got %q", got)
	}
	if len([]rune(got)) != 81 {
		t.Fatalf("expected 80 chars plus ellipsis, got %d runes", len([]rune(got)))
	}
}

func TestCompressParams_LeavesShortParamsUntouched(t *testing.T) {
	short := `{"q":"hi"}`
	if got := compressParams(short); got != short {
		t.Fatalf("expected short params untouched, got %q", got)
	}
}

func TestCompressParams_TrimsSurroundingWhitespace(t *testing.T) {
	if got := compressParams("  {}  "); got != "{}" {
		t.Fatalf("expected whitespace trimmed, got %q", got)
	}
}

func TestQuickSummary_IncludesGoalAndToolCount(t *testing.T) {
	history := []models.ChatTurn{
		{Role: models.RoleUser, Text: "investigate the outage"},
		toolCallTurn("search", `{}`),
		toolCallTurn("read_logs", `{}`),
	}
	summary := NewTurnSummarizer().QuickSummary(history)
	if !strings.Contains(summary, "Goal: investigate the outage") {
		t.Fatalf("expected goal line in quick summary, got %q", summary)
	}
	if !strings.Contains(summary, "Tools used: 2 (last: read_logs)") {
		t.Fatalf("expected tool count line naming the last tool, got %q", summary)
	}
}

func TestQuickSummary_BoundedByTokenBudget(t *testing.T) {
	var history []models.ChatTurn
	history = append(history, models.ChatTurn{Role: models.RoleUser, Text: "investigate"})
	for i := 0; i < 50; i++ {
		history = append(history, textTurn("Result: success at https://example.com/path/"+strings.Repeat("x", 50)))
	}
	summary := NewTurnSummarizer().QuickSummary(history)
	if len(summary) > QuickSummaryTokenBudget*CharsPerToken {
		t.Fatalf("expected summary bounded to %d chars, got %d", QuickSummaryTokenBudget*CharsPerToken, len(summary))
	}
}

func TestQuickSummary_LimitsKeyResultsToFive(t *testing.T) {
	var history []models.ChatTurn
	for i := 0; i < 10; i++ {
		history = append(history, textTurn("operation succeeded on attempt"))
	}
	summary := NewTurnSummarizer().QuickSummary(history)
	if strings.Count(summary, "- ") != 5 {
		t.Fatalf("expected exactly 5 key result bullet lines, got %d in %q", strings.Count(summary, "- "), summary)
	}
}

func TestGenerateSummary_IncludesAllSections(t *testing.T) {
	history := []models.ChatTurn{
		{Role: models.RoleUser, Text: "ship the release"},
		textTurn("- [ ] run tests\n- [x] build artifact\n"),
		toolCallTurn("build", `{"target":"all"}`),
	}
	summary := NewTurnSummarizer().GenerateSummary(history, 2000)
	if !strings.Contains(summary, "## Goal") || !strings.Contains(summary, "ship the release") {
		t.Fatalf("expected a Goal section, got %q", summary)
	}
	if !strings.Contains(summary, "## Plan") || !strings.Contains(summary, "[ ] run tests") || !strings.Contains(summary, "build artifact") {
		t.Fatalf("expected a Plan section with completion marks, got %q", summary)
	}
	if !strings.Contains(summary, "## Tool calls") || !strings.Contains(summary, "build(") {
		t.Fatalf("expected a Tool calls section, got %q", summary)
	}
}

func TestGenerateSummary_DefaultsMaxTokensWhenNonPositive(t *testing.T) {
	history := []models.ChatTurn{{Role: models.RoleUser, Text: strings.Repeat("x", 10000)}}
	summary := NewTurnSummarizer().GenerateSummary(history, 0)
	if len(summary) > 2000*CharsPerToken {
		t.Fatalf("expected the default 2000-token budget applied, got %d chars", len(summary))
	}
}

func TestGenerateSummary_OmitsEmptySections(t *testing.T) {
	history := []models.ChatTurn{{Role: models.RoleUser, Text: "do nothing notable"}}
	summary := NewTurnSummarizer().GenerateSummary(history, 2000)
	if strings.Contains(summary, "## Plan") || strings.Contains(summary, "## Tool calls") || strings.Contains(summary, "## Key results") {
		t.Fatalf("expected empty sections omitted, got %q", summary)
	}
}

func TestTruncate_AddsEllipsisOnlyWhenOverLimit(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("expected untouched string under limit, got %q", got)
	}
	long := strings.Repeat("y", 50)
	got := truncate(long, 10)
	if got != long[:10]+"…" {
		t.Fatalf("expected truncated string with ellipsis, got %q", got)
	}
}
