package localengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawdbot/coreloop/internal/agent"
)

func writeTempModel(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("fake gguf contents"), 0o644); err != nil {
		t.Fatalf("write temp model: %v", err)
	}
	return path
}

func TestEngine_InitializeGPUAuto(t *testing.T) {
	native := &FakeNativeModel{ConfirmAll: true}
	probe := &FakeHardwareProbe{VRAM: 8 << 30, FreeRAM: 16 << 30}
	e := NewEngine(native, probe, "", agent.NopSink{}, nil)

	path := writeTempModel(t, "model.gguf")
	if err := e.Initialize(context.Background(), LoadConfig{ModelPath: path, GPUMode: GPUAuto}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	models := e.Models()
	if len(models) != 1 || models[0].ID != path {
		t.Fatalf("expected one model entry for %s, got %+v", path, models)
	}
}

func TestEngine_InitializeFallsBackToCPU(t *testing.T) {
	native := &FakeNativeModel{ConfirmAll: true, FailGPULoad: true}
	probe := &FakeHardwareProbe{VRAM: 8 << 30, FreeRAM: 16 << 30}
	e := NewEngine(native, probe, "", agent.NopSink{}, nil)

	path := writeTempModel(t, "model.gguf")
	if err := e.Initialize(context.Background(), LoadConfig{ModelPath: path, GPUMode: GPUAuto}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if native.LoadCalls < 2 {
		t.Fatalf("expected a GPU attempt followed by a CPU attempt, got %d load calls", native.LoadCalls)
	}
}

func TestEngine_ContextTooSmallRetriesOnCPU(t *testing.T) {
	native := &FakeNativeModel{ConfirmAll: true, ContextSizeResult: 2048}
	probe := &FakeHardwareProbe{VRAM: 8 << 30, FreeRAM: 16 << 30}
	e := NewEngine(native, probe, "", agent.NopSink{}, nil)

	path := writeTempModel(t, "model.gguf")
	if err := e.Initialize(context.Background(), LoadConfig{ModelPath: path, GPUMode: GPUAuto, RequestedContext: 8192}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	e.mu.Lock()
	gpuMode := e.session.GPUMode
	e.mu.Unlock()
	if gpuMode != GPUOff {
		t.Fatalf("context below 4096 in GPU mode should force a CPU retry, landed on %s", gpuMode)
	}
}

func TestEngine_FlashAttentionDisabledOnIncoherence(t *testing.T) {
	native := &FakeNativeModel{ConfirmAll: true, FlashCoherenceFails: true}
	probe := &FakeHardwareProbe{VRAM: 8 << 30, FreeRAM: 16 << 30}
	e := NewEngine(native, probe, "", agent.NopSink{}, nil)

	path := writeTempModel(t, "model.gguf")
	if err := e.Initialize(context.Background(), LoadConfig{ModelPath: path, GPUMode: GPUAuto, FlashAttention: true}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	e.mu.Lock()
	flash := e.session.FlashAttention
	e.mu.Unlock()
	if flash {
		t.Fatalf("expected flash attention to be disabled after a failed coherence check")
	}
}

func TestEngine_DisposeToleratesAlreadyDisposed(t *testing.T) {
	native := &FakeNativeModel{ConfirmAll: true}
	probe := &FakeHardwareProbe{VRAM: 8 << 30, FreeRAM: 16 << 30}
	e := NewEngine(native, probe, "", agent.NopSink{}, nil)

	path := writeTempModel(t, "model.gguf")
	if err := e.Initialize(context.Background(), LoadConfig{ModelPath: path, GPUMode: GPUAuto}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := e.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := e.Dispose(); err == nil {
		t.Fatalf("second Dispose with nothing loaded should return ErrNotLoaded")
	}
}

func TestEngine_ReinitializeDisposesPriorSession(t *testing.T) {
	native := &FakeNativeModel{ConfirmAll: true}
	probe := &FakeHardwareProbe{VRAM: 8 << 30, FreeRAM: 16 << 30}
	e := NewEngine(native, probe, "", agent.NopSink{}, nil)

	path1 := writeTempModel(t, "a.gguf")
	path2 := writeTempModel(t, "b.gguf")

	if err := e.Initialize(context.Background(), LoadConfig{ModelPath: path1, GPUMode: GPUAuto}); err != nil {
		t.Fatalf("Initialize 1: %v", err)
	}
	if err := e.Initialize(context.Background(), LoadConfig{ModelPath: path2, GPUMode: GPUAuto}); err != nil {
		t.Fatalf("Initialize 2: %v", err)
	}
	if native.DisposeModelCalls == 0 {
		t.Fatalf("expected the prior model to be disposed before the second load completed")
	}
	models := e.Models()
	if len(models) != 1 || models[0].ID != path2 {
		t.Fatalf("expected the second model loaded, got %+v", models)
	}
}

func TestEngine_CompleteRejectsConcurrentGeneration(t *testing.T) {
	native := &FakeNativeModel{ConfirmAll: true}
	probe := &FakeHardwareProbe{VRAM: 8 << 30, FreeRAM: 16 << 30}
	e := NewEngine(native, probe, "", agent.NopSink{}, nil)

	path := writeTempModel(t, "model.gguf")
	if err := e.Initialize(context.Background(), LoadConfig{ModelPath: path, GPUMode: GPUAuto}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	e.mu.Lock()
	e.generating = true
	e.mu.Unlock()

	_, err := e.Complete(context.Background(), &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatalf("expected an error when a generation is already in flight")
	}

	e.mu.Lock()
	e.generating = false
	e.mu.Unlock()
}

func TestEngine_CompleteStreamsTextThenDone(t *testing.T) {
	native := &FakeNativeModel{ConfirmAll: true}
	probe := &FakeHardwareProbe{VRAM: 8 << 30, FreeRAM: 16 << 30}
	e := NewEngine(native, probe, "", agent.NopSink{}, nil)

	path := writeTempModel(t, "model.gguf")
	if err := e.Initialize(context.Background(), LoadConfig{ModelPath: path, GPUMode: GPUAuto}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ch, err := e.Complete(context.Background(), &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "hello"}}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var sawText, sawDone bool
	timeout := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if !sawDone {
					t.Fatalf("channel closed without a Done chunk")
				}
				return
			}
			if chunk.Text != "" {
				sawText = true
			}
			if chunk.Done {
				sawDone = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for completion chunks")
		}
	}
	_ = sawText
}

func TestEngine_SupportsToolsAndName(t *testing.T) {
	e := NewEngine(&FakeNativeModel{}, &FakeHardwareProbe{}, "", agent.NopSink{}, nil)
	if e.Name() != "local" {
		t.Fatalf("expected Name() == \"local\", got %s", e.Name())
	}
	if !e.SupportsTools() {
		t.Fatalf("expected SupportsTools() == true")
	}
}
