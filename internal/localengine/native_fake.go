package localengine

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type fakeModelHandle struct{ id int }

func (fakeModelHandle) nativeHandle() {}

type fakeContextHandle struct {
	id       int
	size     int
	flash    bool
	disposed bool
}

func (*fakeContextHandle) nativeHandle() {}

type fakeSequenceHandle struct {
	id    int
	reset bool
}

func (*fakeSequenceHandle) nativeHandle() {}

type fakeChatHandle struct {
	id       int
	wrapper  string
	disposed bool
}

func (*fakeChatHandle) nativeHandle() {}

// FakeNativeModel is a deterministic, in-memory NativeModel used by every
// test in this package. Its behavior is configured via the exported fields
// before the call under test.
type FakeNativeModel struct {
	mu sync.Mutex

	// AutoDetected is returned by DetectWrapper.
	AutoDetected string
	// EmbeddedJinja is returned by EmbeddedJinjaTemplate.
	EmbeddedJinja string
	// Architecture is returned by ArchitectureFamily.
	Architecture string
	// TrainContext is returned by NativeTrainContext.
	TrainContext int

	// ConfirmedWrapper: Generate returns "yes" only when opts.WrapperName
	// equals this (simulating only one candidate actually working), or
	// when ConfirmAll is true.
	ConfirmedWrapper string
	ConfirmAll       bool

	// FailLoadModes fails LoadModel whenever opts.GPULayers != 0 (i.e.
	// "GPU" mode) if set.
	FailGPULoad bool

	// ContextSizeResult overrides the size CreateContext reports;
	// 0 means "use opts.MaxContextSize".
	ContextSizeResult int
	// FailContextUntilSize fails CreateContext until MaxContextSize <= this.
	FailContextUntilSize int

	// FlashCoherenceFails makes any Generate call with FlashAttention
	// (tracked via context handle) return non-"yes" text.
	FlashCoherenceFails bool

	GenerateErr error

	nextID int

	// LoadCalls / DisposeModelCalls / DisposeContextCalls / DisposeChatCalls
	// count invocations for assertions.
	LoadCalls           int
	DisposeModelCalls   int
	DisposeContextCalls int
	DisposeChatCalls    int
	GenerateCalls       int
}

var _ NativeModel = (*FakeNativeModel)(nil)

func (f *FakeNativeModel) LoadModel(ctx context.Context, path string, opts LoadOptions) (ModelHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoadCalls++
	if f.FailGPULoad && opts.GPULayers != 0 {
		return nil, fmt.Errorf("fake: gpu load disabled")
	}
	f.nextID++
	return fakeModelHandle{id: f.nextID}, nil
}

func (f *FakeNativeModel) DetectWrapper(ModelHandle) string            { return f.AutoDetected }
func (f *FakeNativeModel) EmbeddedJinjaTemplate(ModelHandle) string    { return f.EmbeddedJinja }
func (f *FakeNativeModel) ArchitectureFamily(ModelHandle) string       { return f.Architecture }
func (f *FakeNativeModel) NativeTrainContext(ModelHandle) int          { return f.TrainContext }

func (f *FakeNativeModel) CreateContext(ctx context.Context, model ModelHandle, opts ContextOptions) (ContextHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailContextUntilSize > 0 && opts.MaxContextSize > f.FailContextUntilSize {
		return nil, fmt.Errorf("fake: context too large")
	}
	f.nextID++
	size := opts.MaxContextSize
	if f.ContextSizeResult > 0 {
		size = f.ContextSizeResult
	}
	return &fakeContextHandle{id: f.nextID, size: size, flash: opts.FlashAttention}, nil
}

func (f *FakeNativeModel) NewSequence(ctxHandle ContextHandle) (SequenceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return &fakeSequenceHandle{id: f.nextID}, nil
}

func (f *FakeNativeModel) ResetSequence(seq SequenceHandle) error {
	s, ok := seq.(*fakeSequenceHandle)
	if !ok {
		return fmt.Errorf("fake: bad sequence handle")
	}
	s.reset = true
	return nil
}

func (f *FakeNativeModel) NewChat(ctxHandle ContextHandle, wrapperName, systemPrompt string) (ChatHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return &fakeChatHandle{id: f.nextID, wrapper: wrapperName}, nil
}

func (f *FakeNativeModel) Generate(ctx context.Context, seq SequenceHandle, chat ChatHandle, opts GenerateOptions) (GenerateResult, error) {
	f.mu.Lock()
	f.GenerateCalls++
	genErr := f.GenerateErr
	confirmed := f.ConfirmedWrapper
	confirmAll := f.ConfirmAll
	flashFails := f.FlashCoherenceFails
	f.mu.Unlock()

	if genErr != nil {
		return GenerateResult{}, genErr
	}

	ch, _ := chat.(*fakeChatHandle)
	wrapperName := opts.WrapperName
	if wrapperName == "" && ch != nil {
		wrapperName = ch.wrapper
	}

	if !strings.Contains(opts.Prompt, "yes") {
		return GenerateResult{Text: "ok"}, nil
	}

	if flashFails {
		return GenerateResult{Text: "garbled output"}, nil
	}
	if confirmAll || wrapperName == confirmed {
		return GenerateResult{Text: "Yes", EvalCache: &EvalCache{PrefixTokens: 10}}, nil
	}
	return GenerateResult{Text: "no idea what you mean"}, nil
}

func (f *FakeNativeModel) DisposeChat(h ChatHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DisposeChatCalls++
	c, ok := h.(*fakeChatHandle)
	if !ok {
		return fmt.Errorf("fake: bad chat handle")
	}
	if c.disposed {
		return ErrDisposed
	}
	c.disposed = true
	return nil
}

func (f *FakeNativeModel) DisposeContext(h ContextHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DisposeContextCalls++
	c, ok := h.(*fakeContextHandle)
	if !ok {
		return fmt.Errorf("fake: bad context handle")
	}
	if c.disposed {
		return ErrDisposed
	}
	c.disposed = true
	return nil
}

func (f *FakeNativeModel) DisposeModel(h ModelHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DisposeModelCalls++
	return nil
}

// FakeHardwareProbe is a configurable HardwareProbe for tests.
type FakeHardwareProbe struct {
	VRAM              int64
	NvidiaSmiVRAM     int64
	NvidiaSmiPresent  bool
	FreeRAM           int64
	Cores             int
}

func (f *FakeHardwareProbe) DetectedVRAMBytes() int64 { return f.VRAM }
func (f *FakeHardwareProbe) NvidiaSmiDedicatedVRAMBytes() (int64, bool) {
	return f.NvidiaSmiVRAM, f.NvidiaSmiPresent
}
func (f *FakeHardwareProbe) FreeRAMBytes() int64 { return f.FreeRAM }
func (f *FakeHardwareProbe) CPUCount() int        { return f.Cores }
