package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writeFile(%s): %v", name, err)
	}
	return path
}

func TestLoad_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
llm:
  default_provider: openai
  providers:
    openai:
      api_key: sk-test
      rpm_per_key: 60
session:
  max_history_turns: 40
logging:
  level: info
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.DefaultProvider != "openai" {
		t.Fatalf("expected default_provider openai, got %q", cfg.LLM.DefaultProvider)
	}
	if cfg.LLM.Providers["openai"].RPMPerKey != 60 {
		t.Fatalf("expected rpm_per_key 60, got %d", cfg.LLM.Providers["openai"].RPMPerKey)
	}
	if cfg.Session.MaxHistoryTurns != 40 {
		t.Fatalf("expected max_history_turns 40, got %d", cfg.Session.MaxHistoryTurns)
	}
}

func TestLoad_ParsesJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json5", `{
  // trailing commas and comments are fine in json5
  llm: {
    default_provider: "anthropic",
  },
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Fatalf("expected default_provider anthropic, got %q", cfg.LLM.DefaultProvider)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
llm:
  default_provider: openai
not_a_real_field: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown top-level field")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("COREL_TEST_KEY", "sk-from-env")
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
llm:
  default_provider: openai
  providers:
    openai:
      api_key: ${COREL_TEST_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Providers["openai"].APIKey != "sk-from-env" {
		t.Fatalf("expected expanded env var, got %q", cfg.LLM.Providers["openai"].APIKey)
	}
}

func TestLoad_ResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
session:
  max_history_turns: 100
logging:
  level: debug
`)
	path := writeFile(t, dir, "config.yaml", `
$include: base.yaml
llm:
  default_provider: google
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.MaxHistoryTurns != 100 {
		t.Fatalf("expected included max_history_turns 100, got %d", cfg.Session.MaxHistoryTurns)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected included logging level debug, got %q", cfg.Logging.Level)
	}
	if cfg.LLM.DefaultProvider != "google" {
		t.Fatalf("expected the including file's own field to survive the merge, got %q", cfg.LLM.DefaultProvider)
	}
}

func TestLoad_DetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `$include: b.yaml`)
	path := writeFile(t, dir, "b.yaml", `$include: a.yaml`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an include-cycle error")
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoad_EmptyPathReturnsError(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestLoad_RejectsMultiDocumentYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "llm:\n  default_provider: openai\n---\nextra: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a multi-document YAML file")
	}
}

func TestLoad_RejectsUnknownDefaultProvider(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
llm:
  default_provider: openai
  providers:
    anthropic:
      api_key: sk-test
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a default_provider with no matching providers entry")
	}
}

func TestLoad_RejectsUnknownFallbackChainEntry(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
llm:
  default_provider: openai
  fallback_chain: [google]
  providers:
    openai:
      api_key: sk-test
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a fallback_chain entry with no matching providers entry")
	}
}

func TestLoad_RejectsProviderWithNoKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
llm:
  default_provider: openai
  providers:
    openai:
      default_model: gpt-4o
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a provider with neither api_key nor keys")
	}
}
