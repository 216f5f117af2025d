// Package localengine owns the lifecycle of the local GGUF model: the load
// ladder with GPU/CPU fallback, chat-template probing, KV-cache reuse, the
// flash-attention coherence check, and disposal serialization against
// concurrent generation.
//
// No repo in the retrieval pack binds llama.cpp natively, so the native
// inference call is expressed behind the NativeModel interface below. The
// real binding is github.com/go-skynet/go-llama.cpp (an out-of-pack
// dependency, named because no example in the corpus exercises GGUF
// inference); every other concern in this package — the lock, the load
// ladder, the wrapper probe, the disposal race — is fully implemented and
// testable against FakeNativeModel.
package localengine

import (
	"context"
	"errors"
	"time"
)

// GPUMode selects how the load ladder attempts to place the model.
type GPUMode string

const (
	// GPUAuto tries GPU offload first, falling back to CPU on failure.
	GPUAuto GPUMode = "auto"
	// GPUOff forces CPU-only loading.
	GPUOff GPUMode = "off"
)

// ModelHandle, ContextHandle, SequenceHandle, and ChatHandle are opaque
// native resource handles. LocalSession holds exactly one of each; all four
// share LocalEngine as their single owner.
type ModelHandle interface{ nativeHandle() }
type ContextHandle interface{ nativeHandle() }
type SequenceHandle interface{ nativeHandle() }
type ChatHandle interface{ nativeHandle() }

// ErrDisposed is returned by native operations on an already-disposed
// handle. LocalEngine tolerates this error silently during disposal.
var ErrDisposed = errors.New("localengine: handle disposed")

// LoadOptions parameters the native library's model-load call.
type LoadOptions struct {
	GPULayers int // 0 forces CPU; "auto" is represented by a negative sentinel, see AutoGPULayers
	UseMmap   bool
	Timeout   time.Duration
}

// AutoGPULayers is the sentinel GPULayers value meaning "let the native
// library decide based on available VRAM".
const AutoGPULayers = -1

// ContextOptions parameters context creation.
type ContextOptions struct {
	MinContextSize   int
	MaxContextSize   int
	Threads          int
	FlashAttention   bool
	CreationRetries  int
	ShrinkPercent    int // autoContextSizeShrink, e.g. 16
	Timeout          time.Duration
}

// GenerateOptions parameters one generation call against a sequence.
type GenerateOptions struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	WrapperName string
	EvalCache   *EvalCache
}

// EvalCache is opaque token-window metadata allowing KV-cache reuse on the
// next generation. Invalidated whenever history is mutated inconsistently
// with the cached prefix (see Engine.invalidateEvalCache).
type EvalCache struct {
	PrefixTokens int
	Opaque       []byte
}

// GenerateResult is the outcome of one native generation call.
type GenerateResult struct {
	Text      string
	EvalCache *EvalCache
}

// NativeModel is the native inference library surface LocalEngine drives.
// A real binding wraps llama.cpp's C API; FakeNativeModel in native_fake.go
// backs every test in this package.
type NativeModel interface {
	// LoadModel loads path with opts, returning a handle alive until Dispose.
	LoadModel(ctx context.Context, path string, opts LoadOptions) (ModelHandle, error)

	// DetectWrapper returns the library's auto-detected chat-template name
	// for model, or "" if none is embedded/detectable.
	DetectWrapper(model ModelHandle) string

	// EmbeddedJinjaTemplate returns the GGUF metadata's embedded Jinja
	// template name, if present.
	EmbeddedJinjaTemplate(model ModelHandle) string

	// ArchitectureFamily returns the GGUF metadata's model-architecture
	// family string (e.g. "qwen2", "llama"), used for metadata-match probing.
	ArchitectureFamily(model ModelHandle) string

	// NativeTrainContext returns the model's trained context length.
	NativeTrainContext(model ModelHandle) int

	// CreateContext creates a context against model.
	CreateContext(ctx context.Context, model ModelHandle, opts ContextOptions) (ContextHandle, error)

	// NewSequence allocates a generation sequence on ctxHandle.
	NewSequence(ctxHandle ContextHandle) (SequenceHandle, error)

	// ResetSequence erases a sequence's token range for reuse without
	// disposing it (session-reset fast path).
	ResetSequence(seq SequenceHandle) error

	// NewChat constructs a chat using the named wrapper, seeded with
	// systemPrompt.
	NewChat(ctxHandle ContextHandle, wrapperName string, systemPrompt string) (ChatHandle, error)

	// Generate runs one generation against seq/chat with opts. Cooperative:
	// returns promptly once ctx is cancelled, but the native library may
	// take up to 30s to fully honour cancellation (see Engine.cancelAndWait).
	Generate(ctx context.Context, seq SequenceHandle, chat ChatHandle, opts GenerateOptions) (GenerateResult, error)

	// DisposeChat, DisposeContext, DisposeModel release native resources.
	// Must tolerate being called on an already-disposed handle (return
	// ErrDisposed, never panic).
	DisposeChat(ChatHandle) error
	DisposeContext(ContextHandle) error
	DisposeModel(ModelHandle) error
}

// HardwareProbe reports detected VRAM/RAM so the load ladder can apply the
// size guard and the shared-memory VRAM-inflation clamp. An opaque external
// collaborator in the real system (shells out to nvidia-smi); faked in
// tests.
type HardwareProbe interface {
	// DetectedVRAMBytes is what the GPU backend itself reports.
	DetectedVRAMBytes() int64
	// NvidiaSmiDedicatedVRAMBytes is nvidia-smi's dedicated-VRAM figure,
	// used to clamp shared-memory inflation. Returns (0, false) if
	// nvidia-smi is unavailable.
	NvidiaSmiDedicatedVRAMBytes() (int64, bool)
	FreeRAMBytes() int64
	CPUCount() int
}
