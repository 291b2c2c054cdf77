package adapter

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// Binary frame layout (big-endian):
//
//	[0:4)                total length
//	[4:8)                header length
//	[8:12)               prelude checksum
//	[12:12+headerLen)    headers
//	[12+headerLen:total-4) payload
//	[total-4:total)      message checksum
//
// A frame whose lengths contradict each other (header region running past
// the payload end, or a total shorter than the fixed overhead) is treated
// as garbage: parsing skips one byte and resynchronizes on the next
// plausible frame.

const (
	frameOverhead    = 16 // prelude (12) + trailing checksum (4)
	maxFrameSize     = 16 * 1024 * 1024
	readChunkSize    = 32 * 1024
	minFramePrelude  = 12
	frameHeaderStart = 12
)

// UsageFunc receives the numeric usage figure attached to a stream, off the
// hot path.
type UsageFunc func(usage float64)

// EventStreamParser consumes the kiro length-prefixed binary encoding and
// emits canonical events. Tool calls arrive as a start record followed by
// input fragments keyed by toolUseId; the parser assigns sequential indexes
// in order of first appearance.
type EventStreamParser struct {
	buf       []byte
	toolIndex map[string]int
	onUsage   UsageFunc
}

// NewEventStreamParser creates a parser for one response stream. onUsage
// may be nil.
func NewEventStreamParser(onUsage UsageFunc) *EventStreamParser {
	return &EventStreamParser{
		toolIndex: make(map[string]int),
		onUsage:   onUsage,
	}
}

// Parse reads the stream to EOF, invoking emit for every canonical event.
func (p *EventStreamParser) Parse(r io.Reader, emit func(StreamEvent)) error {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			p.Feed(chunk[:n], emit)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream read failed: %w", err)
		}
	}
}

// Feed appends data to the internal buffer and drains every complete frame
// from it. Partial frames stay buffered until more data arrives.
func (p *EventStreamParser) Feed(data []byte, emit func(StreamEvent)) {
	p.buf = append(p.buf, data...)

	for {
		if len(p.buf) < minFramePrelude {
			return
		}

		totalLen := binary.BigEndian.Uint32(p.buf[0:4])
		headerLen := binary.BigEndian.Uint32(p.buf[4:8])

		if !frameLengthsValid(totalLen, headerLen) {
			// Garbage at the head of the buffer; resync on the next byte.
			p.buf = p.buf[1:]
			continue
		}

		if uint32(len(p.buf)) < totalLen {
			return // incomplete frame, wait for more data
		}

		payload := p.buf[frameHeaderStart+headerLen : totalLen-4]
		p.handlePayload(payload, emit)
		p.buf = p.buf[totalLen:]
	}
}

// frameLengthsValid rejects frames whose header region would overrun the
// payload end or whose total is shorter than the fixed overhead. The sum is
// widened so a huge header length cannot wrap around.
func frameLengthsValid(totalLen, headerLen uint32) bool {
	if totalLen < frameOverhead || totalLen > maxFrameSize {
		return false
	}
	if uint64(frameHeaderStart)+uint64(headerLen) > uint64(totalLen)-4 {
		return false
	}
	return true
}

func (p *EventStreamParser) handlePayload(payload []byte, emit func(StreamEvent)) {
	record := gjson.ParseBytes(payload)
	if !record.IsObject() {
		return
	}

	if usage := record.Get("usage"); usage.Exists() && usage.Type == gjson.Number {
		if p.onUsage != nil {
			p.onUsage(usage.Float())
		}
		return
	}

	name := record.Get("name")
	toolUseID := record.Get("toolUseId")

	switch {
	case name.Exists() && toolUseID.Exists():
		id := toolUseID.String()
		index, seen := p.toolIndex[id]
		if !seen {
			index = len(p.toolIndex)
			p.toolIndex[id] = index
			emit(StreamEvent{
				Type:     EventToolCallStart,
				Index:    index,
				ToolID:   id,
				ToolName: name.String(),
			})
		}
		if input := record.Get("input"); input.Exists() && input.String() != "" {
			emit(StreamEvent{
				Type:      EventToolCallDelta,
				Index:     index,
				ToolID:    id,
				ArgsDelta: input.String(),
			})
		}

	case toolUseID.Exists() && record.Get("input").Exists():
		id := toolUseID.String()
		index, seen := p.toolIndex[id]
		if !seen {
			// Input for a call never started; drop it.
			return
		}
		emit(StreamEvent{
			Type:      EventToolCallDelta,
			Index:     index,
			ToolID:    id,
			ArgsDelta: record.Get("input").String(),
		})

	case record.Get("content").Exists():
		if text := record.Get("content").String(); text != "" {
			emit(StreamEvent{Type: EventText, Text: text})
		}
	}
}
