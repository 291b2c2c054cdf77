package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClientRequest marks defects in the caller's request detected before
// any network call. Handlers map it to HTTP 400.
var ErrClientRequest = errors.New("invalid request")

// ChatMessage is one OpenAI-style conversation message. Content is kept raw
// because the surface allows both a plain string and a parts array.
type ChatMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

// OpenAIToolCall mirrors the OpenAI assistant tool_calls entry.
type OpenAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Tool is an OpenAI function-tool definition.
type Tool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

// ContentPart is one entry of an OpenAI parts-array content.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// textOfContent flattens an OpenAI content value to plain text, ignoring
// image parts.
func textOfContent(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	var out string
	for _, p := range parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// contentParts decodes an OpenAI content value into parts. A plain string
// becomes a single text part.
func contentParts(content json.RawMessage) ([]ContentPart, error) {
	if len(content) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []ContentPart{{Type: "text", Text: s}}, nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return nil, fmt.Errorf("%w: malformed message content", ErrClientRequest)
	}
	return parts, nil
}

// ToOpenAIToolCalls converts canonical tool calls back to the OpenAI wire
// shape. Name and arguments survive the round trip exactly.
func ToOpenAIToolCalls(calls []ToolCall) []OpenAIToolCall {
	out := make([]OpenAIToolCall, 0, len(calls))
	for i, call := range calls {
		oc := OpenAIToolCall{
			ID:   call.ID,
			Type: "function",
		}
		if oc.ID == "" {
			oc.ID = fmt.Sprintf("call_%d", i)
		}
		oc.Function.Name = call.Name
		oc.Function.Arguments = call.Arguments
		out = append(out, oc)
	}
	return out
}
