package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/clawdbot/coreloop/internal/config"
)

func TestLoadConfigOrDefault_MissingFileReturnsEmptyConfig(t *testing.T) {
	orig := configPath
	defer func() { configPath = orig }()
	configPath = filepath.Join(t.TempDir(), "does-not-exist.yaml")

	cfg, err := loadConfigOrDefault()
	if err != nil {
		t.Fatalf("loadConfigOrDefault: %v", err)
	}
	if cfg.LLM.DefaultProvider != "" {
		t.Fatalf("expected an empty default Config, got %+v", cfg)
	}
}

func TestLoadConfigOrDefault_LoadsExistingFile(t *testing.T) {
	orig := configPath
	defer func() { configPath = orig }()

	dir := t.TempDir()
	path := filepath.Join(dir, "coreloop.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  default_provider: openai\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	configPath = path

	cfg, err := loadConfigOrDefault()
	if err != nil {
		t.Fatalf("loadConfigOrDefault: %v", err)
	}
	if cfg.LLM.DefaultProvider != "openai" {
		t.Fatalf("expected default_provider openai, got %q", cfg.LLM.DefaultProvider)
	}
}

func TestBuildRegistry_SeedsCatalog(t *testing.T) {
	registry := buildRegistry()
	if len(registry.All()) == 0 {
		t.Fatal("expected a non-empty provider catalog")
	}
}

func TestBuildKeyPool_PrefersKeysOverSingleAPIKey(t *testing.T) {
	cfg := &config.Config{
		LLM: config.LLMConfig{
			Providers: map[string]config.LLMProviderConfig{
				"openai": {APIKey: "single-key", Keys: []string{"key-a", "key-b"}},
			},
		},
	}
	pool := buildKeyPool(cfg)
	if pool.PoolSize("openai") != 2 {
		t.Fatalf("expected both pooled keys registered, got pool size %d", pool.PoolSize("openai"))
	}
}

func TestBuildKeyPool_FallsBackToSingleAPIKey(t *testing.T) {
	cfg := &config.Config{
		LLM: config.LLMConfig{
			Providers: map[string]config.LLMProviderConfig{
				"anthropic": {APIKey: "solo-key"},
			},
		},
	}
	pool := buildKeyPool(cfg)
	if pool.PoolSize("anthropic") != 1 {
		t.Fatalf("expected the single api_key shorthand registered, got pool size %d", pool.PoolSize("anthropic"))
	}
}

func TestNewConfigSchemaCmd_PrintsSchema(t *testing.T) {
	cmd := newConfigSchemaCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("RunE: %v", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(out.Bytes(), &schema); err != nil {
		t.Fatalf("expected valid JSON schema output, got error: %v", err)
	}
	if schema["$schema"] == nil {
		t.Fatalf("expected a $schema field in the output, got %+v", schema)
	}
}

func TestStdoutToolExecutor_ReportsUnimplemented(t *testing.T) {
	exec := stdoutToolExecutor{}
	result, err := exec.Execute(context.Background(), "search", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected the stub executor to report failure")
	}
	if result.Error == "" {
		t.Fatal("expected a non-empty error message explaining the stub")
	}
}
