package adapter

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// TextFrameParser consumes the antigravity wire encoding: newline-delimited
// `data: <json>` records. Function-call parts accumulate across records and
// flush as one batched tool_calls event when a finish reason appears.
type TextFrameParser struct {
	pending []ToolCall
}

// NewTextFrameParser creates a parser for one response stream.
func NewTextFrameParser() *TextFrameParser {
	return &TextFrameParser{}
}

// Parse reads the stream to EOF, invoking emit for every canonical event in
// wire order. Lines that are not data records are skipped.
func (p *TextFrameParser) Parse(r io.Reader, emit func(StreamEvent)) error {
	scanner := bufio.NewScanner(r)
	// Image records can be large.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		p.parseRecord(payload, emit)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}

	return nil
}

func (p *TextFrameParser) parseRecord(payload []byte, emit func(StreamEvent)) {
	record := gjson.ParseBytes(payload)

	if errVal := record.Get("error"); errVal.Exists() {
		emit(StreamEvent{
			Type: EventError,
			Err:  fmt.Errorf("upstream error: %s", errVal.Raw),
		})
		return
	}

	candidate := record.Get("candidates.0")
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("thought").Bool():
			if text := part.Get("text").String(); text != "" {
				emit(StreamEvent{Type: EventReasoning, Text: text})
			}

		case part.Get("functionCall").Exists():
			call := ToolCall{
				ID:        fmt.Sprintf("call_%d", len(p.pending)),
				Name:      part.Get("functionCall.name").String(),
				Arguments: part.Get("functionCall.args").Raw,
				Signature: part.Get("thoughtSignature").String(),
			}
			if call.Arguments == "" {
				call.Arguments = "{}"
			}
			p.pending = append(p.pending, call)

		case part.Get("inlineData").Exists():
			data, err := base64.StdEncoding.DecodeString(part.Get("inlineData.data").String())
			if err != nil {
				emit(StreamEvent{
					Type: EventError,
					Err:  fmt.Errorf("malformed inline image data: %w", err),
				})
				return false
			}
			emit(StreamEvent{
				Type: EventImage,
				Image: &ImageData{
					MIMEType: part.Get("inlineData.mimeType").String(),
					Data:     data,
				},
			})

		case part.Get("text").Exists():
			// Empty text chunks are suppressed.
			if text := part.Get("text").String(); text != "" {
				emit(StreamEvent{Type: EventText, Text: text})
			}
		}
		return true
	})

	// A finish reason in the same record flushes accumulated calls as one
	// batched event.
	if candidate.Get("finishReason").String() != "" && len(p.pending) > 0 {
		emit(StreamEvent{Type: EventToolCalls, ToolCalls: p.pending})
		p.pending = nil
	}
}
