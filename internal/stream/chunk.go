// Package stream decodes a provider's raw HTTP response body into a
// sequence of normalized Chunks, one dialect parser per provider wire
// format. A decoder never blocks past its idle/hard timeout budget.
package stream

// Kind discriminates what a Chunk carries.
type Kind string

const (
	KindText           Kind = "text"
	KindThought        Kind = "thought"
	KindToolCallPartial Kind = "tool_call_partial"
	KindToolCallDone   Kind = "tool_call_done"
	KindEnd            Kind = "end"
)

// Chunk is one unit a dialect parser emits. Exactly the fields relevant to
// Kind are populated.
type Chunk struct {
	Kind Kind

	// Text holds delta text for KindText/KindThought.
	Text string

	// ToolCallID correlates partials belonging to the same call across
	// multiple chunks (dialects that stream tool-call arguments in
	// pieces, e.g. OpenAI's indexed tool_calls delta).
	ToolCallID string

	// FunctionName is set once known, on the first partial or on Done.
	FunctionName string

	// ArgsDelta is an incremental fragment of the JSON arguments string;
	// the caller concatenates fragments across partials with the same
	// ToolCallID until KindToolCallDone.
	ArgsDelta string

	// Args holds the complete arguments JSON on KindToolCallDone, when
	// the dialect delivers the call in one piece (e.g. Ollama, Anthropic
	// input_json_delta accumulation already performed by the parser).
	Args string

	// InputTokens/OutputTokens are populated on KindEnd when the dialect
	// reports usage in its terminal message.
	InputTokens  int
	OutputTokens int

	// Err terminates the stream; the channel is closed after an Err or
	// KindEnd chunk.
	Err error
}
