package agent

import (
	"regexp"
	"strings"
)

// FailureKind is the tagged-variant discriminator for response evaluation.
type FailureKind string

const (
	FailureNone                 FailureKind = ""
	FailureEmpty                FailureKind = "empty"
	FailureRefusal              FailureKind = "refusal"
	FailureHallucination        FailureKind = "hallucination"
	FailureRepetition           FailureKind = "repetition"
	FailureIncoherent           FailureKind = "incoherent"
	FailureDescribedNotExecuted FailureKind = "described_not_executed"
	FailureNoToolsWhenExpected  FailureKind = "no_tools_when_expected"
	FailureRuntimeDecline       FailureKind = "runtime_decline"
)

// Severity controls how AgenticLoop responds to a classification.
type Severity string

const (
	SeverityOK    Severity = "ok"
	SeverityNudge Severity = "nudge"
	SeverityStop  Severity = "stop"
)

// Recovery describes what AgenticLoop should do about a classified failure.
type Recovery struct {
	PromptOverride string
	ForcedTools    []string
}

// Classification is the result of evaluating one generated response.
type Classification struct {
	Kind     FailureKind
	Severity Severity
	Recovery Recovery
}

var refusalPhrases = []string{
	"i can't assist", "i cannot assist", "i'm not able to", "i won't be able to",
	"as an ai", "i must decline", "against my guidelines",
}

var claimsActionPhrases = regexp.MustCompile(`(?i)\b(i (have|'ve) (created|written|edited|saved|searched|fetched|navigated))\b`)

// stutterWindow and threshold implement the repetition detector: 3+ stutter
// words in a 6-word sliding window, or an 80-char tail repeating >=5 times
// earlier in the same response.
const (
	stutterWindow    = 6
	stutterThreshold = 3
	tailCheckChars   = 80
	tailRepeatMin    = 5
)

// Evaluator classifies a committed response's text and tool-call outcome
// against the failure taxonomy and looks up its recovery action.
type Evaluator struct{}

// NewEvaluator returns a stateless classifier.
func NewEvaluator() *Evaluator { return &Evaluator{} }

// Classify inspects text, whether any tool call was produced, whether
// incomplete plan items remain, and the execution ledger, and returns the
// first matching classification in priority order.
func (e *Evaluator) Classify(text string, hadToolCall bool, planIncomplete bool, state *ExecutionState) Classification {
	trimmed := strings.TrimSpace(text)

	if trimmed == "" && !hadToolCall {
		return Classification{Kind: FailureEmpty, Severity: SeverityNudge}
	}

	if isRefusal(trimmed) {
		return Classification{Kind: FailureRefusal, Severity: SeverityNudge}
	}

	if isRepetitive(trimmed) {
		return Classification{Kind: FailureRepetition, Severity: SeverityStop}
	}

	if !hadToolCall && claimsActionPhrases.MatchString(trimmed) {
		return Classification{
			Kind:     FailureDescribedNotExecuted,
			Severity: SeverityNudge,
			Recovery: Recovery{PromptOverride: "Output the JSON tool call NOW."},
		}
	}

	if state != nil {
		if url, ok := findUnverifiedURL(trimmed, state); ok {
			return Classification{
				Kind:     FailureHallucination,
				Severity: SeverityNudge,
				Recovery: Recovery{PromptOverride: "[VERIFICATION FAILURE] " + url + " was not actually visited this turn."},
			}
		}
	}

	if !hadToolCall && planIncomplete {
		return Classification{
			Kind:     FailureNoToolsWhenExpected,
			Severity: SeverityNudge,
			Recovery: Recovery{PromptOverride: "The plan has incomplete items. Continue executing them."},
		}
	}

	return Classification{Kind: FailureNone, Severity: SeverityOK}
}

func isRefusal(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func isRepetitive(text string) bool {
	words := strings.Fields(text)
	for i := 0; i+stutterWindow <= len(words); i++ {
		window := words[i : i+stutterWindow]
		counts := make(map[string]int, stutterWindow)
		for _, w := range window {
			counts[strings.ToLower(w)]++
			if counts[strings.ToLower(w)] >= stutterThreshold {
				return true
			}
		}
	}

	if len(text) >= tailCheckChars {
		tail := text[len(text)-tailCheckChars:]
		if strings.Count(text, tail) >= tailRepeatMin {
			return true
		}
	}
	return false
}

var urlPattern = regexp.MustCompile(`https?://[^\s)"'\]]+`)

func findUnverifiedURL(text string, state *ExecutionState) (string, bool) {
	for _, url := range urlPattern.FindAllString(text, -1) {
		if !state.ContainsURL(url) {
			return url, true
		}
	}
	return "", false
}
