package adapter

// EventType tags a canonical stream event.
type EventType string

const (
	// EventText is a chunk of assistant text.
	EventText EventType = "text"
	// EventReasoning is a chunk of chain-of-thought text.
	EventReasoning EventType = "reasoning"
	// EventToolCallStart announces a tool call whose arguments will follow
	// incrementally.
	EventToolCallStart EventType = "tool_call_start"
	// EventToolCallDelta carries an argument fragment for a started call.
	EventToolCallDelta EventType = "tool_call_delta"
	// EventToolCalls carries complete tool calls in one batch (the
	// non-incremental form).
	EventToolCalls EventType = "tool_calls"
	// EventImage carries inline binary image data.
	EventImage EventType = "image"
	// EventError is terminal; no further events follow it.
	EventError EventType = "error"
)

// ToolCall is a fully assembled tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON-encoded arguments
	// Signature is the opaque thought signature some upstreams attach to a
	// function call; it is carried through untouched.
	Signature string
}

// ImageData is inline binary image content.
type ImageData struct {
	MIMEType string
	Data     []byte
}

// StreamEvent is the provider-agnostic unit emitted to callers regardless
// of the upstream wire format. Exactly the fields for the tagged Type are
// populated.
type StreamEvent struct {
	Type EventType

	// Text for EventText and EventReasoning.
	Text string

	// Tool call fields. Index orders concurrent calls within one response.
	Index     int
	ToolID    string
	ToolName  string
	ArgsDelta string     // EventToolCallDelta
	ToolCalls []ToolCall // EventToolCalls

	// Image for EventImage.
	Image *ImageData

	// Err for EventError.
	Err error
}
