package localengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/clawdbot/coreloop/internal/agent"
	"github.com/clawdbot/coreloop/pkg/models"
)

// Sentinel errors surfaced by Engine. Checked with errors.Is by callers
// deciding how to react to a failed load or a fatal generation error.
var (
	// ErrNotLoaded is returned by Complete/Dispose when no model is loaded.
	ErrNotLoaded = errors.New("localengine: no model loaded")

	// ErrContextTooSmall is returned internally by the load ladder when a
	// GPU-mode context creation lands below the minimum usable size and
	// CPU fallback must be attempted (§4.5 step 5 final bullet).
	ErrContextTooSmall = errors.New("localengine: context size below minimum in GPU mode")
)

const (
	minUsableGPUContext = 4096
	vramPaddingFloor    = 800 * 1 << 20 // 800 MB
	vramPaddingCap      = 2 * 1 << 30   // 2 GB
	vramPaddingFraction = 0.15
	sizeGuardFactor     = 1.15
	extraRAMPadding     = 1 << 30 // 1 GB
)

// LoadConfig parameters one Initialize call.
type LoadConfig struct {
	ModelPath        string
	RequestedContext int // profile_target; 0 uses native_train_ctx only
	GPUMode          GPUMode
	FlashAttention   bool
	WrapperCachePath string
	SystemPrompt     string
}

// Engine owns one LocalSession at a time, serializing load, generate, and
// dispose against each other with a per-engine lock, per §4.5/§4.9/§5's
// "no native call while another is in flight on the same handle" rule.
//
// Grounded stylistically on internal/agent/failover.go's mutex-guarded
// state-transition pattern and internal/sessions/write_lock.go's
// exclusive-lock-with-poll idiom, adapted here to the load/generate/dispose
// three-way exclusion the native library demands.
type Engine struct {
	native  NativeModel
	probe   HardwareProbe
	prober  *WrapperProber
	logger  *slog.Logger
	sink    agent.EventSink

	mu      sync.Mutex // serializes Initialize/Dispose/generate transitions
	session *LocalSession

	generating   bool
	genCancel    context.CancelFunc
	genDone      chan struct{}
	loadCancel   context.CancelFunc
	loadDone     chan struct{}
	loadSeq      uint64
}

// LocalSession is the live set of native handles plus the bookkeeping
// needed to drive generation and session reset, per §3's data model.
type LocalSession struct {
	ModelPath      string
	Model          ModelHandle
	Context        ContextHandle
	Sequence       SequenceHandle
	Chat           ChatHandle
	WrapperName    string
	FlashAttention bool
	NTokens        int
	ContextSize    int
	GPUMode        GPUMode
	LastEval       *EvalCache
}

// NewEngine constructs an Engine against the given native binding and
// hardware probe. sink receives granular load-lifecycle status events
// (§4.5 "Emit granular status events on every phase").
func NewEngine(native NativeModel, probe HardwareProbe, wrapperCachePath string, sink agent.EventSink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		native: native,
		probe:  probe,
		prober: NewWrapperProber(native, NewWrapperCache(wrapperCachePath)),
		sink:   sink,
		logger: logger,
	}
}

func (e *Engine) emit(ctx context.Context, state, message string, progress float64, info *models.ModelInfo) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(ctx, models.AgentEvent{
		Type: models.AgentEventStatus,
		Time: time.Now(),
		Status: &models.StatusEventPayload{
			State:     state,
			Message:   message,
			Progress:  progress,
			ModelInfo: info,
		},
	})
}

// Initialize runs the load ladder against cfg.ModelPath: cancels any
// in-flight initialize/generate, disposes the prior session, applies the
// size guard, then walks the GPU/CPU fallback ladder per §4.5. The later of
// two concurrent Initialize calls wins once the earlier fully drains
// (native C++ ops cannot be cancelled mid-flight; proceeding early crashes
// the process).
func (e *Engine) Initialize(ctx context.Context, cfg LoadConfig) error {
	e.mu.Lock()
	e.loadSeq++
	mySeq := e.loadSeq
	if e.loadCancel != nil {
		e.loadCancel()
	}
	priorDone := e.loadDone
	e.mu.Unlock()

	if priorDone != nil {
		<-priorDone
	}

	e.mu.Lock()
	if mySeq != e.loadSeq {
		// A newer Initialize call superseded this one while we waited.
		e.mu.Unlock()
		return nil
	}
	loadCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.loadCancel = cancel
	e.loadDone = done
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.loadDone == done {
			e.loadCancel = nil
			e.loadDone = nil
		}
		e.mu.Unlock()
		close(done)
	}()

	return e.initializeLocked(loadCtx, mySeq, cfg)
}

func (e *Engine) initializeLocked(ctx context.Context, mySeq uint64, cfg LoadConfig) error {
	e.emit(ctx, "loading", "cancelling in-flight generation", 0, nil)
	if err := e.cancelAndWaitGeneration(30 * time.Second); err != nil {
		e.logger.Warn("localengine: generation did not settle before load", "error", err)
	}

	e.mu.Lock()
	prior := e.session
	e.session = nil
	e.mu.Unlock()

	if prior != nil {
		e.emit(ctx, "loading", "disposing prior model", 0.05, nil)
		e.disposeSession(prior)
	}

	info, statErr := os.Stat(cfg.ModelPath)
	if statErr != nil {
		e.emit(ctx, "error", fmt.Sprintf("model file not found: %v", statErr), 0, nil)
		return fmt.Errorf("stat model path: %w", statErr)
	}

	e.sizeGuard(ctx, info.Size())

	gpuModes := []GPUMode{GPUAuto, GPUOff}
	if cfg.GPUMode == GPUOff {
		gpuModes = []GPUMode{GPUOff}
	}

	var lastErr error
	for _, mode := range gpuModes {
		session, err := e.attemptLoad(ctx, cfg, mode, info)
		if err == nil {
			e.mu.Lock()
			if mySeq != e.loadSeq {
				// Superseded mid-load; dispose what we just built.
				e.mu.Unlock()
				e.disposeSession(session)
				return nil
			}
			e.session = session
			e.mu.Unlock()

			e.emit(ctx, "ready", "model loaded", 1, &models.ModelInfo{
				Path:           cfg.ModelPath,
				WrapperName:    session.WrapperName,
				ContextSize:    session.ContextSize,
				FlashAttention: session.FlashAttention,
				GPUMode:        string(session.GPUMode),
			})
			return nil
		}
		lastErr = err
		e.logger.Warn("localengine: load attempt failed", "gpu_mode", mode, "error", err)
	}

	e.emit(ctx, "error", fmt.Sprintf("load failed: %v", lastErr), 0, nil)
	return fmt.Errorf("localengine: all load attempts failed: %w", lastErr)
}

// sizeGuard emits a warning status (never blocks loading) when the model
// file is implausibly large for detected VRAM+RAM, per §4.5 step 4.
func (e *Engine) sizeGuard(ctx context.Context, fileSize int64) {
	if e.probe == nil {
		return
	}
	budget := e.probe.DetectedVRAMBytes() + e.probe.FreeRAMBytes() + extraRAMPadding
	if float64(fileSize)*sizeGuardFactor > float64(budget) {
		e.emit(ctx, "loading", "model file may exceed available VRAM+RAM; continuing anyway", 0.02, nil)
	}
}

// vramPadding computes the load ladder's VRAM padding reservation, clamped
// to [vramPaddingFloor, vramPaddingCap], and applies the shared-memory
// inflation clamp against nvidia-smi's dedicated-VRAM figure when present.
func (e *Engine) vramPadding(totalVRAM int64) int64 {
	padding := int64(float64(totalVRAM) * vramPaddingFraction)
	if padding < vramPaddingFloor {
		padding = vramPaddingFloor
	}
	if padding > vramPaddingCap {
		padding = vramPaddingCap
	}
	return padding
}

// effectiveVRAM applies the shared-memory inflation clamp: if nvidia-smi's
// dedicated VRAM figure is less than 70% of what the GPU backend reports,
// the effective budget is clamped to nvidia-smi's figure.
func (e *Engine) effectiveVRAM() int64 {
	reported := e.probe.DetectedVRAMBytes()
	dedicated, ok := e.probe.NvidiaSmiDedicatedVRAMBytes()
	if !ok {
		return reported
	}
	if float64(dedicated) < 0.70*float64(reported) {
		return dedicated
	}
	return reported
}

func (e *Engine) attemptLoad(ctx context.Context, cfg LoadConfig, mode GPUMode, fileInfo os.FileInfo) (*LocalSession, error) {
	gpuLayers := 0
	if mode == GPUAuto {
		gpuLayers = AutoGPULayers
		if e.probe != nil {
			_ = e.vramPadding(e.effectiveVRAM()) // computed for the native loader's benefit; real binding consumes it via LoadOptions extension points.
		}
	}

	model, err := e.native.LoadModel(ctx, cfg.ModelPath, LoadOptions{
		GPULayers: gpuLayers,
		UseMmap:   true,
		Timeout:   180 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("load model (%s): %w", mode, err)
	}

	e.emit(ctx, "loading", "probing chat wrapper", 0.3, nil)
	probeResult, err := e.prober.Probe(ctx, model, cfg.ModelPath, fileInfo.Size(), fileInfo.ModTime().Unix())
	if err != nil {
		e.native.DisposeModel(model) //nolint:errcheck
		return nil, fmt.Errorf("probe wrapper: %w", err)
	}

	maxCtx := cfg.RequestedContext
	if trainCtx := e.native.NativeTrainContext(model); trainCtx > 0 && (maxCtx == 0 || trainCtx < maxCtx) {
		maxCtx = trainCtx
	}
	if maxCtx <= 0 {
		maxCtx = 4096
	}

	threads := runtime.NumCPU() - 2
	if threads < 1 {
		threads = 1
	}

	flash := cfg.FlashAttention
	contextHandle, contextSize, err := e.createContextWithShrink(ctx, model, maxCtx, threads, flash)
	if err != nil {
		e.native.DisposeModel(model) //nolint:errcheck
		return nil, fmt.Errorf("create context: %w", err)
	}

	if flash {
		coherent, cErr := e.flashCoherenceCheck(ctx, model, contextHandle, probeResult.WrapperName)
		if cErr == nil && !coherent {
			e.logger.Info("localengine: flash attention coherence check failed, disabling")
			e.native.DisposeContext(contextHandle) //nolint:errcheck
			flash = false
			contextHandle, contextSize, err = e.createContextWithShrink(ctx, model, maxCtx, threads, flash)
			if err != nil {
				e.native.DisposeModel(model) //nolint:errcheck
				return nil, fmt.Errorf("recreate context without flash attention: %w", err)
			}
		}
	}

	if mode == GPUAuto && contextSize < minUsableGPUContext {
		e.native.DisposeContext(contextHandle) //nolint:errcheck
		e.native.DisposeModel(model)            //nolint:errcheck
		return nil, ErrContextTooSmall
	}

	seq, err := e.native.NewSequence(contextHandle)
	if err != nil {
		e.native.DisposeContext(contextHandle) //nolint:errcheck
		e.native.DisposeModel(model)            //nolint:errcheck
		return nil, fmt.Errorf("create sequence: %w", err)
	}

	chat, err := e.native.NewChat(contextHandle, probeResult.WrapperName, cfg.SystemPrompt)
	if err != nil {
		e.native.DisposeContext(contextHandle) //nolint:errcheck
		e.native.DisposeModel(model)            //nolint:errcheck
		return nil, fmt.Errorf("create chat: %w", err)
	}

	return &LocalSession{
		ModelPath:      cfg.ModelPath,
		Model:          model,
		Context:        contextHandle,
		Sequence:       seq,
		Chat:           chat,
		WrapperName:    probeResult.WrapperName,
		FlashAttention: flash,
		ContextSize:    contextSize,
		GPUMode:        mode,
	}, nil
}

// createContextWithShrink creates a context, retrying up to 6 times with a
// 16% size shrink on failure (failedCreationRemedy, §4.5 step 5).
func (e *Engine) createContextWithShrink(ctx context.Context, model ModelHandle, maxCtx, threads int, flash bool) (ContextHandle, int, error) {
	const maxRetries = 6
	const shrinkPercent = 16

	size := maxCtx
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if size < 256 {
			break
		}
		handle, err := e.native.CreateContext(ctx, model, ContextOptions{
			MinContextSize:  2048,
			MaxContextSize:  size,
			Threads:         threads,
			FlashAttention:  flash,
			CreationRetries: maxRetries,
			ShrinkPercent:   shrinkPercent,
			Timeout:         15 * time.Second,
		})
		if err == nil {
			return handle, size, nil
		}
		lastErr = err
		size = size * (100 - shrinkPercent) / 100
	}
	return nil, 0, lastErr
}

// flashCoherenceCheck generates "yes" against a throwaway sequence on
// contextHandle to validate flash attention didn't degrade output quality.
func (e *Engine) flashCoherenceCheck(ctx context.Context, model ModelHandle, contextHandle ContextHandle, wrapperName string) (bool, error) {
	seq, err := e.native.NewSequence(contextHandle)
	if err != nil {
		return false, err
	}
	chat, err := e.native.NewChat(contextHandle, wrapperName, "")
	if err != nil {
		return false, err
	}
	defer e.native.DisposeChat(chat) //nolint:errcheck

	result, err := e.native.Generate(ctx, seq, chat, GenerateOptions{Prompt: probeMessage, MaxTokens: probeMaxTokens})
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(result.Text), "yes"), nil
}

// cancelAndWaitGeneration sets the cancel flag for any in-flight generation
// and polls up to timeout for it to observe the cancellation, per §4.5
// step 2 and §5's disposal-race ordering.
func (e *Engine) cancelAndWaitGeneration(timeout time.Duration) error {
	e.mu.Lock()
	if !e.generating {
		e.mu.Unlock()
		return nil
	}
	if e.genCancel != nil {
		e.genCancel()
	}
	done := e.genDone
	e.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("localengine: generation did not settle within %s", timeout)
	}
}

// disposeSession releases chat, context, then model handles in that order,
// tolerating "already disposed" errors silently per §4.5 Disposal. The
// native library instance itself is never disposed here — it is reused
// across model switches.
func (e *Engine) disposeSession(s *LocalSession) {
	if s == nil {
		return
	}
	if s.Chat != nil {
		if err := e.native.DisposeChat(s.Chat); err != nil && !errors.Is(err, ErrDisposed) {
			e.logger.Warn("localengine: dispose chat", "error", err)
		}
	}
	if s.Context != nil {
		if err := e.native.DisposeContext(s.Context); err != nil && !errors.Is(err, ErrDisposed) {
			e.logger.Warn("localengine: dispose context", "error", err)
		}
	}
	if s.Model != nil {
		if err := e.native.DisposeModel(s.Model); err != nil && !errors.Is(err, ErrDisposed) {
			e.logger.Warn("localengine: dispose model", "error", err)
		}
	}
}

// Dispose cancels any in-flight generation, waits up to 30s, then tears
// down the current session. Safe to call with nothing loaded.
func (e *Engine) Dispose() error {
	if err := e.cancelAndWaitGeneration(30 * time.Second); err != nil {
		e.logger.Warn("localengine: generation did not settle before dispose", "error", err)
	}
	e.mu.Lock()
	session := e.session
	e.session = nil
	e.mu.Unlock()
	if session == nil {
		return ErrNotLoaded
	}
	e.disposeSession(session)
	return nil
}

// ResetSession handles context overflow: disposes the chat, resets (or
// recreates) the sequence, reconstructs the chat with the probed wrapper,
// and seeds a compact system prompt, per §4.5 Session reset.
func (e *Engine) ResetSession(ctx context.Context, compactSystemPrompt string) error {
	e.mu.Lock()
	session := e.session
	e.mu.Unlock()
	if session == nil {
		return ErrNotLoaded
	}

	if session.Chat != nil {
		if err := e.native.DisposeChat(session.Chat); err != nil && !errors.Is(err, ErrDisposed) {
			return fmt.Errorf("dispose chat: %w", err)
		}
	}

	if err := e.native.ResetSequence(session.Sequence); err != nil {
		seq, newErr := e.native.NewSequence(session.Context)
		if newErr != nil {
			return fmt.Errorf("reset sequence: %w (recreate also failed: %v)", err, newErr)
		}
		session.Sequence = seq
	}

	chat, err := e.native.NewChat(session.Context, session.WrapperName, compactSystemPrompt)
	if err != nil {
		return fmt.Errorf("recreate chat: %w", err)
	}

	e.mu.Lock()
	session.Chat = chat
	session.NTokens = 0
	session.LastEval = nil
	e.mu.Unlock()
	return nil
}

// Name implements agent.LLMProvider.
func (e *Engine) Name() string { return "local" }

// Models implements agent.LLMProvider: the single currently-loaded model,
// if any.
func (e *Engine) Models() []agent.Model {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	return []agent.Model{{
		ID:          e.session.ModelPath,
		Name:        e.session.ModelPath,
		ContextSize: e.session.ContextSize,
	}}
}

// SupportsTools implements agent.LLMProvider. Local models are driven
// through grammar-constrained tool calling by AgenticLoop, not a
// provider-declared capability flag, so this always reports true; the loop
// itself decides text-only mode for small models past initial iterations.
func (e *Engine) SupportsTools() bool { return true }

// Complete implements agent.LLMProvider: streams one generation against the
// currently loaded session. Only one generation may be in flight at a time;
// a second concurrent call is rejected rather than queued, since
// AgenticLoop never issues two generations for the same turn concurrently.
func (e *Engine) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	e.mu.Lock()
	session := e.session
	if session == nil {
		e.mu.Unlock()
		return nil, ErrNotLoaded
	}
	if e.generating {
		e.mu.Unlock()
		return nil, errors.New("localengine: generation already in flight")
	}
	genCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.generating = true
	e.genCancel = cancel
	e.genDone = done
	e.mu.Unlock()

	out := make(chan *agent.CompletionChunk, 8)
	go func() {
		defer close(out)
		defer close(done)
		defer func() {
			e.mu.Lock()
			e.generating = false
			e.genCancel = nil
			e.genDone = nil
			e.mu.Unlock()
		}()
		defer cancel()

		prompt := flattenPrompt(req)
		result, err := e.native.Generate(genCtx, session.Sequence, session.Chat, GenerateOptions{
			Prompt:      prompt,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			WrapperName: session.WrapperName,
			EvalCache:   session.LastEval,
		})
		if err != nil {
			out <- &agent.CompletionChunk{Error: err}
			return
		}

		e.mu.Lock()
		session.LastEval = result.EvalCache
		e.mu.Unlock()

		out <- &agent.CompletionChunk{Text: result.Text}
		out <- &agent.CompletionChunk{Done: true}
	}()
	return out, nil
}

// flattenPrompt renders a CompletionRequest's messages into the single
// prompt string the native Generate call consumes; the chat handle already
// carries the wrapper's role-tagging, so this only concatenates turn text.
func flattenPrompt(req *agent.CompletionRequest) string {
	var b strings.Builder
	for _, msg := range req.Messages {
		if msg.Content == "" {
			continue
		}
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// InvalidateEvalCache clears the KV-cache reuse metadata, forcing the next
// generation to re-encode the full prefix. Called whenever history is
// mutated in a way inconsistent with the cached prefix (e.g. after a
// rollback restores an older checkpoint).
func (e *Engine) InvalidateEvalCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.LastEval = nil
	}
}
