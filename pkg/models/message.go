package models

import (
	"encoding/json"
	"time"
)

// Role indicates the author of a chat turn.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
)

// SegmentKind discriminates the pieces a Model turn is built from.
type SegmentKind string

const (
	SegmentText     SegmentKind = "text"
	SegmentThought  SegmentKind = "thought"
	SegmentToolCall SegmentKind = "tool_call"
)

// Segment is one piece of a Model turn's output. Exactly one of Text or
// ToolCall is populated, selected by Kind.
type Segment struct {
	Kind     SegmentKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	ToolCall *ToolCall   `json:"tool_call,omitempty"`
}

// Image is an inline image blob attached to a User turn. Only meaningful
// for vision-capable models (see ProviderRegistry.SupportsVision).
type Image struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// ChatTurn is the tagged variant described in the data model: every turn is
// exactly one of System, User, or Model. The zero value of the other two
// role-specific fields is always unused once Role is set.
type ChatTurn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text,omitempty"`    // System and User turns
	Images    []Image   `json:"images,omitempty"`  // User turns only, vision models only
	Segments  []Segment `json:"segments,omitempty"` // Model turns only
	CreatedAt time.Time `json:"created_at"`
}

// IsModel reports whether this turn is a Model turn.
func (t ChatTurn) IsModel() bool { return t.Role == RoleModel }

// Text returns the concatenated text segments of a Model turn, or the Text
// field directly for System/User turns.
func (t ChatTurn) CombinedText() string {
	if t.Role != RoleModel {
		return t.Text
	}
	out := ""
	for _, seg := range t.Segments {
		if seg.Kind == SegmentText {
			out += seg.Text
		}
	}
	return out
}

// ToolCalls returns the tool-call segments of a Model turn, in order.
func (t ChatTurn) ToolCalls() []ToolCall {
	if t.Role != RoleModel {
		return nil
	}
	var calls []ToolCall
	for _, seg := range t.Segments {
		if seg.Kind == SegmentToolCall && seg.ToolCall != nil {
			calls = append(calls, *seg.ToolCall)
		}
	}
	return calls
}

// ToolCall is a request, extracted either from a fenced text block or from
// a grammar-constrained native output, to invoke one tool.
type ToolCall struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`
}

// ToolResult is the outcome of executing one ToolCall.
type ToolResult struct {
	Tool    string          `json:"tool"`
	Params  json.RawMessage `json:"params"`
	Success bool            `json:"success"`
	Payload string          `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
