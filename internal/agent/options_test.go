package agent

import (
	"log/slog"
	"testing"
	"time"
)

func TestMergeRuntimeOptions_OverridesOnlySetFields(t *testing.T) {
	base := DefaultRuntimeOptions()
	override := RuntimeOptions{MaxIterations: 50}

	merged := mergeRuntimeOptions(base, override)

	if merged.MaxIterations != 50 {
		t.Fatalf("expected overridden MaxIterations 50, got %d", merged.MaxIterations)
	}
	if merged.ToolParallelism != base.ToolParallelism {
		t.Fatalf("expected unset ToolParallelism to keep the base value, got %d", merged.ToolParallelism)
	}
	if merged.ToolTimeout != base.ToolTimeout {
		t.Fatalf("expected unset ToolTimeout to keep the base value, got %v", merged.ToolTimeout)
	}
}

func TestMergeRuntimeOptions_ZeroDurationDoesNotOverride(t *testing.T) {
	base := DefaultRuntimeOptions()
	merged := mergeRuntimeOptions(base, RuntimeOptions{ToolTimeout: 0})
	if merged.ToolTimeout != base.ToolTimeout {
		t.Fatalf("expected a zero override duration to leave the base timeout untouched, got %v", merged.ToolTimeout)
	}
}

func TestMergeRuntimeOptions_DisableToolEventsOnlyTurnsOn(t *testing.T) {
	base := DefaultRuntimeOptions()
	base.DisableToolEvents = true

	merged := mergeRuntimeOptions(base, RuntimeOptions{DisableToolEvents: false})
	if !merged.DisableToolEvents {
		t.Fatalf("expected a false override to never turn DisableToolEvents back off")
	}
}

func TestMergeRuntimeOptions_NilLoggerDoesNotOverride(t *testing.T) {
	base := DefaultRuntimeOptions()
	custom := slog.Default()
	base.Logger = custom

	merged := mergeRuntimeOptions(base, RuntimeOptions{})
	if merged.Logger != custom {
		t.Fatalf("expected a nil override logger to leave the base logger untouched")
	}
}

func TestMergeRuntimeOptions_AllFieldsOverridden(t *testing.T) {
	base := DefaultRuntimeOptions()
	logger := slog.Default()
	override := RuntimeOptions{
		MaxIterations:     99,
		ToolParallelism:   8,
		ToolTimeout:       5 * time.Second,
		ToolMaxAttempts:   3,
		ToolRetryBackoff:  2 * time.Second,
		DisableToolEvents: true,
		MaxToolCalls:      20,
		Logger:            logger,
	}

	merged := mergeRuntimeOptions(base, override)
	if merged != override {
		t.Fatalf("expected every field overridden to match override exactly, got %+v", merged)
	}
}

func TestDefaultRuntimeOptions_HasSaneDefaults(t *testing.T) {
	opts := DefaultRuntimeOptions()
	if opts.MaxIterations <= 0 {
		t.Fatal("expected a positive default MaxIterations")
	}
	if opts.Logger == nil {
		t.Fatal("expected a non-nil default Logger")
	}
}
