package models

import "testing"

func TestCombinedText_ConcatenatesTextSegmentsOnly(t *testing.T) {
	turn := ChatTurn{
		Role: RoleModel,
		Segments: []Segment{
			{Kind: SegmentText, Text: "Hello, "},
			{Kind: SegmentThought, Text: "thinking about it"},
			{Kind: SegmentText, Text: "world."},
			{Kind: SegmentToolCall, ToolCall: &ToolCall{Name: "search"}},
		},
	}
	if got := turn.CombinedText(); got != "Hello, world." {
		t.Fatalf("expected only text segments concatenated, got %q", got)
	}
}

func TestCombinedText_NonModelTurnReturnsTextField(t *testing.T) {
	turn := ChatTurn{Role: RoleUser, Text: "what's the weather"}
	if got := turn.CombinedText(); got != "what's the weather" {
		t.Fatalf("expected Text field for a non-model turn, got %q", got)
	}
}

func TestToolCalls_ExtractsInOrder(t *testing.T) {
	turn := ChatTurn{
		Role: RoleModel,
		Segments: []Segment{
			{Kind: SegmentText, Text: "let me check"},
			{Kind: SegmentToolCall, ToolCall: &ToolCall{Name: "first"}},
			{Kind: SegmentToolCall, ToolCall: &ToolCall{Name: "second"}},
		},
	}
	calls := turn.ToolCalls()
	if len(calls) != 2 || calls[0].Name != "first" || calls[1].Name != "second" {
		t.Fatalf("expected [first second] in order, got %+v", calls)
	}
}

func TestToolCalls_NonModelTurnReturnsNil(t *testing.T) {
	turn := ChatTurn{Role: RoleUser, Text: "hi"}
	if calls := turn.ToolCalls(); calls != nil {
		t.Fatalf("expected nil tool calls for a non-model turn, got %+v", calls)
	}
}

func TestIsModel(t *testing.T) {
	if !(ChatTurn{Role: RoleModel}).IsModel() {
		t.Fatalf("expected a RoleModel turn to report IsModel true")
	}
	if (ChatTurn{Role: RoleUser}).IsModel() {
		t.Fatalf("expected a RoleUser turn to report IsModel false")
	}
}
