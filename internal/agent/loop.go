package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawdbot/coreloop/internal/compaction"
	"github.com/clawdbot/coreloop/pkg/models"
)

// LoopConfig configures one AgenticLoop run: iteration/time budgets, rollback
// retry budget, rotation limit, and nudge budget, per the per-iteration
// sequence and nudge/rotation rules.
type LoopConfig struct {
	// MaxIterations terminates the loop once reached: 100 for local
	// inference, 500 for cloud providers, per the model profile.
	MaxIterations int

	// MaxWallTime is the hard wall-clock deadline for the whole turn.
	// Default: 30 minutes.
	MaxWallTime time.Duration

	// ContextWindow is the model's total token budget, used to drive
	// ContextCompactor's ctx_used/ctx_total ratio.
	ContextWindow int

	// RetryBudget bounds ROLLBACK retries per iteration before the bad
	// response is discarded without a retry. Typically 2-4.
	RetryBudget int

	// MaxRotations bounds phase-4 summarize-and-reset cycles per turn.
	MaxRotations int

	// NudgeBudget bounds nudge-severity corrections injected per turn.
	NudgeBudget int

	// TinyModel disables write deferral (writes proceed; fabrication
	// auto-correction cleans up after) for <=1B parameter-class models.
	TinyModel bool

	// ToolPaceMs sleeps this long between sequential tool executions.
	ToolPaceMs int

	Logger *slog.Logger
}

// DefaultLoopConfig returns the cloud-provider defaults (500 iterations).
// Local inference callers should override MaxIterations to 100.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations: 500,
		MaxWallTime:   30 * time.Minute,
		ContextWindow: 128000,
		RetryBudget:   3,
		MaxRotations:  10,
		NudgeBudget:   3,
		Logger:        slog.Default(),
	}
}

func sanitizeLoopConfig(c *LoopConfig) *LoopConfig {
	if c == nil {
		return DefaultLoopConfig()
	}
	cfg := *c
	d := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = d.MaxIterations
	}
	if cfg.MaxWallTime <= 0 {
		cfg.MaxWallTime = d.MaxWallTime
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = d.ContextWindow
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = d.RetryBudget
	}
	if cfg.MaxRotations <= 0 {
		cfg.MaxRotations = d.MaxRotations
	}
	if cfg.NudgeBudget <= 0 {
		cfg.NudgeBudget = d.NudgeBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = d.Logger
	}
	return &cfg
}

// toolSig is one entry in the stuck/cycle sliding window: a tool name plus a
// hash of its params.
type toolSig struct {
	tool string
	hash string
}

func sigFor(call models.ToolCall) toolSig {
	sum := sha256.Sum256(call.Params)
	return toolSig{tool: call.Name, hash: hex.EncodeToString(sum[:8])}
}

const stuckWindowSize = 20

// checkpoint is a snapshot of loop state taken before each generation, for
// ROLLBACK to restore.
type checkpoint struct {
	history  []models.ChatTurn
	execCopy ExecutionState
}

// LoopState tracks one turn's progress through the per-iteration sequence.
type LoopState struct {
	Iteration     int
	History       []models.ChatTurn
	ExecState     *ExecutionState
	RotationCount int
	NudgesUsed    int
	RecentCalls   []toolSig
}

// AgenticLoop is the orchestrator: one instance drives one user turn,
// dispatching generation to an LLMProvider, evaluating and committing
// responses, running the tool pipeline, and compacting context, until task
// completion, cancellation, a budget is exhausted, or a fatal error. A
// phase enum, a streaming channel, and a checkpoint/rollback point carry
// the state a single turn needs; there's no approval queue, async job
// tracking, branch store, or steering queue, since none of that is in
// scope here.
type AgenticLoop struct {
	provider   LLMProvider
	pipeline   *ToolPipeline
	compactor  *compaction.Compactor
	summarizer *compaction.TurnSummarizer
	evaluator  *Evaluator
	gate       *RequestGate
	emitter    *EventEmitter
	config     *LoopConfig

	defaultModel  string
	defaultSystem string
}

// NewAgenticLoop builds a loop driving provider, executing tools through
// executor, and admitted through gate. If config is nil, cloud defaults
// apply.
func NewAgenticLoop(provider LLMProvider, executor ToolExecutor, gate *RequestGate, sink EventSink, config *LoopConfig) *AgenticLoop {
	cfg := sanitizeLoopConfig(config)
	if gate == nil {
		gate = NewRequestGate()
	}
	pipeline := NewToolPipeline(executor, sink, PipelineConfig{
		TinyModel:  cfg.TinyModel,
		TurnPaceMs: cfg.ToolPaceMs,
	})
	return &AgenticLoop{
		provider:   provider,
		pipeline:   pipeline,
		compactor:  compaction.NewCompactor(),
		summarizer: compaction.NewTurnSummarizer(),
		evaluator:  NewEvaluator(),
		gate:       gate,
		emitter:    NewEventEmitter("", sink),
		config:     cfg,
	}
}

// SetDefaultModel sets the model used when a request does not specify one.
func (l *AgenticLoop) SetDefaultModel(model string) { l.defaultModel = model }

// SetDefaultSystem sets the system prompt used when a request does not
// supply one.
func (l *AgenticLoop) SetDefaultSystem(system string) { l.defaultSystem = system }

// Run admits a new turn via RequestGate (superseding any loop already in
// flight) and streams the result. The channel closes when the turn
// completes, is superseded, hits a budget, or errors fatally.
func (l *AgenticLoop) Run(ctx context.Context, history []models.ChatTurn, userTurn models.ChatTurn, tools []ToolSchema) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}

	myID := l.gate.Admit()
	runCtx, cancel := context.WithTimeout(ctx, l.config.MaxWallTime)

	chunks := make(chan *ResponseChunk, 64)
	go func() {
		defer close(chunks)
		defer cancel()
		l.run(runCtx, myID, append(append([]models.ChatTurn{}, history...), userTurn), tools, chunks)
	}()
	return chunks, nil
}

func (l *AgenticLoop) run(ctx context.Context, myID uint64, history []models.ChatTurn, tools []ToolSchema, chunks chan<- *ResponseChunk) {
	state := &LoopState{History: history, ExecState: NewExecutionState()}
	l.emitter.RunStarted(ctx)

	for state.Iteration = 1; state.Iteration <= l.config.MaxIterations; state.Iteration++ {
		l.emitter.SetIter(state.Iteration)

		// 1. Staleness check.
		if !l.gate.Valid(myID) {
			return
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				l.emitter.RunTimedOut(ctx, l.config.MaxWallTime)
			} else {
				l.emitter.RunCancelled(ctx)
			}
			chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseStream, Iteration: state.Iteration, Cause: ctx.Err()}}
			return
		default:
		}
		l.emitter.IterStarted(ctx)

		// 2. Pause wait: no live-takeover pause mechanism in this module;
		// a future UI layer would block here on a pause signal.

		// 3. Pre-generation compaction.
		before := len(state.History)
		usage := l.compactor.Usage(state.History, l.config.ContextWindow)
		if usage > compaction.Phase1Threshold {
			result := l.compactor.Compact(state.History, l.config.ContextWindow)
			state.History = result.History
			l.emitter.ContextPacked(ctx, &models.ContextEventPayload{
				BudgetMessages: l.config.ContextWindow,
				Candidates:     before,
				Included:       len(state.History),
				Dropped:        before - len(state.History),
			})
			if result.ShouldRotate && state.RotationCount < l.config.MaxRotations {
				state.RotationCount++
				summary := l.summarizer.QuickSummary(state.History)
				state.History = rotateHistory(state.History, summary)
				state.Iteration--
				continue
			}
		}

		// 4. Checkpoint.
		cp := checkpoint{history: append([]models.ChatTurn{}, state.History...), execCopy: *state.ExecState}

		// 5. Generate.
		text, toolCalls, inputTokens, outputTokens, genErr := l.generate(ctx, myID, state, tools)
		if genErr != nil {
			if errors.Is(genErr, context.Canceled) || !l.gate.Valid(myID) {
				return
			}
			chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseStream, Iteration: state.Iteration, Cause: genErr}}
			return
		}
		l.emitter.ModelCompleted(ctx, "", l.defaultModel, inputTokens, outputTokens)

		// 6. Evaluate.
		planIncomplete := hasIncompleteTodo(state.History)
		classification := l.evaluator.Classify(text, len(toolCalls) > 0, planIncomplete, state.ExecState)

		if classification.Severity == SeverityStop {
			state.History = cp.history
			*state.ExecState = cp.execCopy
			event := l.emitter.RunFinished(ctx, nil)
			chunks <- &ResponseChunk{Event: &event}
			return
		}

		if classification.Kind != FailureNone && classification.Severity == SeverityNudge {
			if state.NudgesUsed < l.config.NudgeBudget {
				state.NudgesUsed++
				state.History = cp.history
				*state.ExecState = cp.execCopy
				state.History = append(state.History, models.ChatTurn{
					Role: models.RoleUser,
					Text: classification.Recovery.PromptOverride,
				})
				continue
			}
			// Nudge budget exhausted: commit nothing, continue best-effort.
		}

		// 7. Commit.
		state.History = append(state.History, models.ChatTurn{
			Role:     models.RoleModel,
			Segments: responseSegments(text, toolCalls),
		})
		chunks <- &ResponseChunk{Text: text}

		// 8. Parse/execute tools.
		if len(toolCalls) == 0 {
			// 9. Evaluate again.
			if planIncomplete && state.NudgesUsed < l.config.NudgeBudget {
				state.NudgesUsed++
				state.History = append(state.History, models.ChatTurn{
					Role: models.RoleUser,
					Text: "The plan has incomplete items. Continue executing them.",
				})
				l.emitter.IterFinished(ctx)
				continue
			}
			l.emitter.RunFinished(ctx, nil)
			return
		}

		output := l.pipeline.Process(ctx, toolCalls, text)
		for i, call := range output.Calls {
			if i < len(output.Results) {
				state.ExecState.RecordToolResult(call.Name, output.Results[i].Success, output.Results[i].Payload)
			}
		}
		l.autoCorrectFabrication(ctx, output, state.ExecState)

		// 10. Feed back.
		feedback := buildFeedback(output, state.ExecState)
		state.History = append(state.History, models.ChatTurn{Role: models.RoleUser, Text: feedback})

		// 11. Stuck/cycle detection.
		state.RecentCalls = appendWindow(state.RecentCalls, output.Calls, stuckWindowSize)
		if isStuck(state.RecentCalls) || isCycling(state.RecentCalls) {
			chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseExecuteTools, Iteration: state.Iteration, Cause: ErrStuckDetected}}
			return
		}
		l.emitter.IterFinished(ctx)
	}

	l.emitter.RunError(ctx, ErrMaxIterations, false)
	chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseComplete, Iteration: state.Iteration, Cause: ErrMaxIterations}}
}

func (l *AgenticLoop) generate(ctx context.Context, myID uint64, state *LoopState, tools []ToolSchema) (string, []models.ToolCall, int, int, error) {
	req := &CompletionRequest{
		Model:    l.defaultModel,
		System:   l.defaultSystem,
		Messages: turnsToMessages(state.History),
		Tools:    tools,
		Stream:   true,
	}

	stream, err := l.provider.Complete(ctx, req)
	if err != nil {
		return "", nil, 0, 0, err
	}

	var text string
	var calls []models.ToolCall
	var inputTokens, outputTokens int
	for chunk := range stream {
		if !l.gate.Valid(myID) {
			return "", nil, 0, 0, fmt.Errorf("superseded")
		}
		if chunk.Error != nil {
			return "", nil, 0, 0, chunk.Error
		}
		text += chunk.Text
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.InputTokens > 0 {
			inputTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			outputTokens = chunk.OutputTokens
		}
		if chunk.Done {
			break
		}
	}
	return text, calls, inputTokens, outputTokens, nil
}

func turnsToMessages(history []models.ChatTurn) []CompletionMessage {
	msgs := make([]CompletionMessage, 0, len(history))
	for _, t := range history {
		switch t.Role {
		case models.RoleSystem:
			msgs = append(msgs, CompletionMessage{Role: "system", Content: t.Text})
		case models.RoleUser:
			msgs = append(msgs, CompletionMessage{Role: "user", Content: t.Text})
		case models.RoleModel:
			msgs = append(msgs, CompletionMessage{Role: "assistant", Content: t.CombinedText(), ToolCalls: t.ToolCalls()})
		}
	}
	return msgs
}

func responseSegments(text string, calls []models.ToolCall) []models.Segment {
	segs := make([]models.Segment, 0, len(calls)+1)
	if text != "" {
		segs = append(segs, models.Segment{Kind: models.SegmentText, Text: text})
	}
	for i := range calls {
		segs = append(segs, models.Segment{Kind: models.SegmentToolCall, ToolCall: &calls[i]})
	}
	return segs
}

func rotateHistory(history []models.ChatTurn, summary string) []models.ChatTurn {
	var system *models.ChatTurn
	var firstUser *models.ChatTurn
	for i := range history {
		if system == nil && history[i].Role == models.RoleSystem {
			system = &history[i]
		}
		if firstUser == nil && history[i].Role == models.RoleUser {
			firstUser = &history[i]
		}
	}
	out := make([]models.ChatTurn, 0, 3)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, models.ChatTurn{Role: models.RoleUser, Text: "Conversation summary:\n" + summary})
	if firstUser != nil {
		out = append(out, *firstUser)
	}
	return out
}

func hasIncompleteTodo(history []models.ChatTurn) bool {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != models.RoleModel {
			continue
		}
		for _, seg := range history[i].Segments {
			if seg.Kind == models.SegmentText && containsIncompleteChecklistItem(seg.Text) {
				return true
			}
		}
	}
	return false
}

func containsIncompleteChecklistItem(text string) bool {
	return regexpIncompleteItem.MatchString(text)
}

func appendWindow(window []toolSig, calls []models.ToolCall, max int) []toolSig {
	for _, c := range calls {
		window = append(window, sigFor(c))
	}
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}

// isStuck reports whether the same (tool, params) pair repeats 3+ times
// consecutively at the tail of the window.
func isStuck(window []toolSig) bool {
	if len(window) < 3 {
		return false
	}
	last := window[len(window)-1]
	for i := 2; i <= 3; i++ {
		if window[len(window)-i] != last {
			return false
		}
	}
	return true
}

// isCycling reports whether a length-2-to-4 subsequence repeats >=3 times
// consecutively at the tail of the window.
func isCycling(window []toolSig) bool {
	for cycleLen := 2; cycleLen <= 4; cycleLen++ {
		need := cycleLen * 3
		if len(window) < need {
			continue
		}
		tail := window[len(window)-need:]
		cycle := tail[len(tail)-cycleLen:]
		matches := true
		for rep := 1; rep < 3 && matches; rep++ {
			start := len(tail) - (rep+1)*cycleLen
			for j := 0; j < cycleLen; j++ {
				if tail[start+j] != cycle[j] {
					matches = false
					break
				}
			}
		}
		if matches {
			return true
		}
	}
	return false
}

func buildFeedback(output PipelineOutput, state *ExecutionState) string {
	feedback := "Tool results:\n"
	for _, r := range output.Results {
		if r.Success {
			feedback += fmt.Sprintf("- %s: ok: %s\n", r.Tool, truncateFeedback(r.Payload))
		} else {
			feedback += fmt.Sprintf("- %s: error: %s\n", r.Tool, r.Error)
		}
	}
	if skipped := FormatSkipped(output.Capped, output.Skipped); skipped != "" {
		feedback += "\n" + skipped
	}
	return feedback
}

func truncateFeedback(s string) string {
	const max = 2000
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
