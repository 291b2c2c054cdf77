package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"account_gateway/internal/adapter"
)

// OpenAI chat.completion wire shapes, shared by the streaming and
// aggregated response paths.

type chatChoiceDelta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []deltaToolCall `json:"tool_calls,omitempty"`
}

type deltaToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type chatChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int             `json:"index"`
		Delta        chatChoiceDelta `json:"delta"`
		FinishReason *string         `json:"finish_reason"`
	} `json:"choices"`
}

type chatMessageOut struct {
	Role             string                   `json:"role"`
	Content          string                   `json:"content"`
	ReasoningContent string                   `json:"reasoning_content,omitempty"`
	ToolCalls        []adapter.OpenAIToolCall `json:"tool_calls,omitempty"`
}

type chatCompletion struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int            `json:"index"`
		Message      chatMessageOut `json:"message"`
		FinishReason string         `json:"finish_reason"`
	} `json:"choices"`
}

func newChunk(id, model string, delta chatChoiceDelta, finish *string) chatChunk {
	chunk := chatChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
	}
	chunk.Choices = append(chunk.Choices, struct {
		Index        int             `json:"index"`
		Delta        chatChoiceDelta `json:"delta"`
		FinishReason *string         `json:"finish_reason"`
	}{Delta: delta, FinishReason: finish})
	return chunk
}

// sseWriter serializes chunks as Server-Sent Events, installing the SSE
// headers lazily so a request that fails before its first event can still
// get a plain JSON error response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) Started() bool { return s.started }

func (s *sseWriter) send(payload any) {
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *sseWriter) done() {
	if !s.started {
		return
	}
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// deltaFor maps one canonical event to an OpenAI delta. ok is false for
// events with no wire representation.
func deltaFor(ev adapter.StreamEvent) (chatChoiceDelta, bool) {
	switch ev.Type {
	case adapter.EventText:
		return chatChoiceDelta{Content: ev.Text}, true
	case adapter.EventReasoning:
		return chatChoiceDelta{ReasoningContent: ev.Text}, true
	case adapter.EventImage:
		if ev.Image == nil {
			return chatChoiceDelta{}, false
		}
		return chatChoiceDelta{Content: inlineImageMarkdown(ev.Image)}, true
	case adapter.EventToolCallStart:
		call := deltaToolCall{Index: ev.Index, ID: ev.ToolID, Type: "function"}
		call.Function.Name = ev.ToolName
		return chatChoiceDelta{ToolCalls: []deltaToolCall{call}}, true
	case adapter.EventToolCallDelta:
		call := deltaToolCall{Index: ev.Index}
		call.Function.Arguments = ev.ArgsDelta
		return chatChoiceDelta{ToolCalls: []deltaToolCall{call}}, true
	case adapter.EventToolCalls:
		var calls []deltaToolCall
		for i, tc := range adapter.ToOpenAIToolCalls(ev.ToolCalls) {
			call := deltaToolCall{Index: i, ID: tc.ID, Type: tc.Type}
			call.Function.Name = tc.Function.Name
			call.Function.Arguments = tc.Function.Arguments
			calls = append(calls, call)
		}
		return chatChoiceDelta{ToolCalls: calls}, true
	default:
		return chatChoiceDelta{}, false
	}
}

func inlineImageMarkdown(img *adapter.ImageData) string {
	return fmt.Sprintf("![image](data:%s;base64,%s)",
		img.MIMEType, base64.StdEncoding.EncodeToString(img.Data))
}
