package compaction

import (
	"strings"

	ctxwindow "github.com/clawdbot/coreloop/internal/context"
	"github.com/clawdbot/coreloop/pkg/models"
)

// Phase thresholds, each expressed as ctx_used/ctx_total.
const (
	Phase1Threshold = 0.60
	Phase2Threshold = 0.70
	Phase3Threshold = 0.80
	Phase4Threshold = 0.85

	// PlaceholderSnippetChars bounds the snippet kept in a phase-1 placeholder.
	PlaceholderSnippetChars = 120

	// ToolResultCompactThreshold is the size above which a tool result becomes
	// a phase-1 placeholder candidate.
	ToolResultCompactThreshold = 400

	// RetainedTail is the number of most recent assistant/user exchanges kept
	// intact through phase 2.
	RetainedTail = 6

	// AggressiveTail is the retained-tail size once phase 3 engages.
	AggressiveTail = 2

	// MaxRotations bounds how many times a single turn may rotate (phase-4
	// summarize-and-reset) before the loop must give up instead of looping
	// forever on an unshrinkable conversation.
	MaxRotations = 10

	// CharsPerToken is the approximate character-to-token ratio shared by
	// usage estimation and summary-length budgeting across this package.
	CharsPerToken = 4
)

// Result reports what a compaction pass did, so AgenticLoop knows whether to
// re-measure usage, rotate, or proceed.
type Result struct {
	History      []models.ChatTurn
	ShouldRotate bool
}

// Compactor implements the four ratio-driven phases against ctx_used/ctx_total,
// applied in sequence until usage is acceptable or phase 4 asks the caller to
// rotate (summarize + reset the session). Token estimation delegates to the
// context package's rune-counting heuristic so usage ratios stay consistent
// with the WindowInfo a caller reports alongside a run.
type Compactor struct{}

// NewCompactor returns a ready-to-use Compactor.
func NewCompactor() *Compactor {
	return &Compactor{}
}

// Usage estimates ctx_used/ctx_total for the given history against a model's
// context window size in tokens.
func (c *Compactor) Usage(history []models.ChatTurn, contextWindow int) float64 {
	if contextWindow <= 0 {
		return 0
	}
	used := c.estimateTokens(history)
	return float64(used) / float64(contextWindow)
}

func (c *Compactor) estimateTokens(history []models.ChatTurn) int {
	total := 0
	for _, turn := range history {
		total += ctxwindow.EstimateTokens(turn.Text)
		for _, seg := range turn.Segments {
			total += ctxwindow.EstimateTokens(seg.Text)
			if seg.ToolCall != nil {
				total += ctxwindow.EstimateTokens(seg.ToolCall.Name)
				total += ctxwindow.EstimateTokens(string(seg.ToolCall.Params))
			}
		}
	}
	return total
}

// Compact applies phases 1-3 in order, stopping as soon as usage drops to or
// below Phase1Threshold, and reports ShouldRotate once usage remains above
// Phase4Threshold after the aggressive phase. The system prompt (index 0, if
// Role==RoleSystem) and the original user message are never dropped.
func (c *Compactor) Compact(history []models.ChatTurn, contextWindow int) Result {
	out := history
	usage := c.Usage(out, contextWindow)

	if usage > Phase1Threshold {
		out = phase1Placeholders(out)
		usage = c.Usage(out, contextWindow)
	}
	if usage > Phase2Threshold {
		out = pruneTurns(out, RetainedTail, false)
		usage = c.Usage(out, contextWindow)
	}
	if usage > Phase3Threshold {
		out = pruneTurns(out, AggressiveTail, true)
		usage = c.Usage(out, contextWindow)
	}

	return Result{History: out, ShouldRotate: usage > Phase4Threshold}
}

// phase1Placeholders replaces oversized tool-result feedback from prior
// iterations with a short placeholder. Tool results are fed back to the
// model as the Text of a RoleUser turn (see buildFeedback), so that is what
// this phase targets; the original user message is never touched. Also
// compacts any oversized SegmentToolCall.Text a caller may have populated
// directly. Idempotent: text already carrying the placeholder prefix is
// left alone.
func phase1Placeholders(history []models.ChatTurn) []models.ChatTurn {
	out := make([]models.ChatTurn, len(history))
	copy(out, history)

	firstUser := -1
	for i, t := range out {
		if t.Role == models.RoleUser {
			firstUser = i
			break
		}
	}

	for i := range out {
		if out[i].Role == models.RoleUser && i != firstUser {
			if text, ok := compactedPlaceholder(out[i].Text); ok {
				out[i].Text = text
			}
		}

		if out[i].Role != models.RoleModel || len(out[i].Segments) == 0 {
			continue
		}
		segs := make([]models.Segment, len(out[i].Segments))
		copy(segs, out[i].Segments)
		changed := false
		for j := range segs {
			if segs[j].Kind != models.SegmentToolCall || segs[j].ToolCall == nil {
				continue
			}
			if snippet, ok := toolCallSnippet(segs[j].Text); ok {
				segs[j].Text = "[compacted] " + segs[j].ToolCall.Name + ": " + snippet
				changed = true
			}
		}
		if changed {
			out[i].Segments = segs
		}
	}
	return out
}

// compactedPlaceholder returns a placeholder for text over
// ToolResultCompactThreshold, and false if text is already short enough or
// already carries the placeholder prefix (idempotence).
func compactedPlaceholder(text string) (string, bool) {
	snippet, ok := toolCallSnippet(text)
	if !ok {
		return text, false
	}
	return "[compacted] " + snippet, true
}

// toolCallSnippet bounds text to PlaceholderSnippetChars, returning false if
// text is already short enough or already carries the placeholder prefix.
func toolCallSnippet(text string) (string, bool) {
	if len(text) <= ToolResultCompactThreshold || strings.HasPrefix(text, "[compacted]") {
		return text, false
	}
	if len(text) > PlaceholderSnippetChars {
		text = text[:PlaceholderSnippetChars]
	}
	return text, true
}

// pruneTurns drops older assistant/user exchanges beyond the retained tail,
// optionally (aggressive=true) also dropping non-system/user turns from the
// first half of what remains. The leading system turn and the first user
// turn are always kept.
func pruneTurns(history []models.ChatTurn, tail int, aggressive bool) []models.ChatTurn {
	if len(history) <= tail+2 {
		return history
	}

	firstUser := -1
	for i, t := range history {
		if t.Role == models.RoleUser {
			firstUser = i
			break
		}
	}

	cutoff := len(history) - tail
	kept := make([]models.ChatTurn, 0, len(history))
	for i, t := range history {
		switch {
		case t.Role == models.RoleSystem:
			kept = append(kept, t)
		case i == firstUser:
			kept = append(kept, t)
		case i >= cutoff:
			kept = append(kept, t)
		case aggressive && i < cutoff/2 && t.Role != models.RoleUser:
			// dropped: non-user turn in the older half, aggressive phase
		case !aggressive:
			// phase 2: drop the oldest half of the prunable middle range
			midpoint := firstUser + (cutoff-firstUser)/2
			if i < midpoint {
				continue
			}
			kept = append(kept, t)
		default:
			kept = append(kept, t)
		}
	}
	return kept
}
