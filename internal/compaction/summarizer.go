package compaction

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/clawdbot/coreloop/pkg/models"
)

// QuickSummaryTokenBudget bounds quick_summary() for mid-turn rotation.
const QuickSummaryTokenBudget = 500

var (
	planLinePattern   = regexp.MustCompile(`(?m)^\s*(?:[-*]\s*\[[ xX]\]|\d+[.)]\s+)(.+)$`)
	keyResultPattern  = regexp.MustCompile(`(?i)success|failure|failed|error|https?://\S+|/[\w./-]+\.\w+`)
)

// TurnSummarizer produces extractive summaries of a chat history with no LLM
// call: it tracks the stated goal, any plan detected from model prose, which
// plan steps tool activity implies were completed, an ordered tool-call
// ledger, and lines that look like key results.
type TurnSummarizer struct{}

// NewTurnSummarizer returns a ready-to-use extractive summarizer.
func NewTurnSummarizer() *TurnSummarizer { return &TurnSummarizer{} }

// LedgerEntry is one tool invocation recorded in summary order.
type LedgerEntry struct {
	Tool   string
	Params string
}

// Extract walks history once and returns the structured facts a summary is
// built from.
type Extract struct {
	Goal            string
	PlanSteps       []string
	CompletedSteps  map[int]bool
	Ledger          []LedgerEntry
	KeyResults      []string
}

// Extract scans history for goal/plan/ledger/key-result facts.
func (s *TurnSummarizer) Extract(history []models.ChatTurn) Extract {
	var ex Extract
	ex.CompletedSteps = make(map[int]bool)

	for _, turn := range history {
		if ex.Goal == "" && turn.Role == models.RoleUser && turn.Text != "" {
			ex.Goal = turn.Text
		}

		if turn.Role == models.RoleModel {
			for _, seg := range turn.Segments {
				switch seg.Kind {
				case models.SegmentText:
					for _, m := range planLinePattern.FindAllStringSubmatch(seg.Text, -1) {
						ex.PlanSteps = append(ex.PlanSteps, strings.TrimSpace(m[1]))
					}
					for _, line := range strings.Split(seg.Text, "\n") {
						if keyResultPattern.MatchString(line) {
							ex.KeyResults = append(ex.KeyResults, strings.TrimSpace(line))
						}
					}
				case models.SegmentToolCall:
					if seg.ToolCall != nil {
						ex.Ledger = append(ex.Ledger, LedgerEntry{
							Tool:   seg.ToolCall.Name,
							Params: compressParams(string(seg.ToolCall.Params)),
						})
						markCompletedStep(ex.PlanSteps, ex.CompletedSteps, seg.ToolCall.Name)
					}
				}
			}
		}
	}
	return ex
}

// markCompletedStep does a best-effort correspondence: a plan step is
// considered complete if its text mentions the tool that just ran.
func markCompletedStep(steps []string, done map[int]bool, toolName string) {
	for i, step := range steps {
		if done[i] {
			continue
		}
		if strings.Contains(strings.ToLower(step), strings.ToLower(toolName)) {
			done[i] = true
			return
		}
	}
}

func compressParams(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > 80 {
		return raw[:80] + "…"
	}
	return raw
}

// QuickSummary produces a short (<=500 token, ~2000 char) summary suitable
// for a mid-turn phase-4 rotation.
func (s *TurnSummarizer) QuickSummary(history []models.ChatTurn) string {
	ex := s.Extract(history)
	var b strings.Builder
	if ex.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", truncate(ex.Goal, 200))
	}
	if n := len(ex.Ledger); n > 0 {
		fmt.Fprintf(&b, "Tools used: %d (last: %s)\n", n, ex.Ledger[n-1].Tool)
	}
	if n := countCompleted(ex); n > 0 {
		fmt.Fprintf(&b, "Completed plan steps: %d/%d\n", n, len(ex.PlanSteps))
	}
	for i, kr := range ex.KeyResults {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&b, "- %s\n", truncate(kr, 160))
	}
	return truncate(b.String(), QuickSummaryTokenBudget*CharsPerToken)
}

// GenerateSummary produces a fuller continuation summary bounded by
// maxTokens, used after a rotation to seed the new session.
func (s *TurnSummarizer) GenerateSummary(history []models.ChatTurn, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	ex := s.Extract(history)
	var b strings.Builder
	if ex.Goal != "" {
		fmt.Fprintf(&b, "## Goal\n%s\n\n", ex.Goal)
	}
	if len(ex.PlanSteps) > 0 {
		b.WriteString("## Plan\n")
		for i, step := range ex.PlanSteps {
			mark := " "
			if ex.CompletedSteps[i] {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, step)
		}
		b.WriteString("\n")
	}
	if len(ex.Ledger) > 0 {
		b.WriteString("## Tool calls\n")
		for _, e := range ex.Ledger {
			fmt.Fprintf(&b, "- %s(%s)\n", e.Tool, e.Params)
		}
		b.WriteString("\n")
	}
	if len(ex.KeyResults) > 0 {
		b.WriteString("## Key results\n")
		for _, kr := range ex.KeyResults {
			fmt.Fprintf(&b, "- %s\n", kr)
		}
	}
	return truncate(b.String(), maxTokens*CharsPerToken)
}

func countCompleted(ex Extract) int {
	n := 0
	for _, v := range ex.CompletedSteps {
		if v {
			n++
		}
	}
	return n
}

func truncate(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + "…"
}
