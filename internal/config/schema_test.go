package config

import (
	"encoding/json"
	"testing"
)

func TestJSONSchema_ProducesValidJSON(t *testing.T) {
	raw, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("expected valid JSON schema output, got parse error: %v", err)
	}
	if len(decoded) == 0 {
		t.Fatal("expected a non-empty schema document")
	}
}

func TestJSONSchema_IsCached(t *testing.T) {
	first, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	second, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("expected JSONSchema to return a stable cached result")
	}
}
