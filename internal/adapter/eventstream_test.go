package adapter

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFrame encodes one well-formed binary frame around payload. Checksums
// are not validated by the parser, so zeros suffice.
func buildFrame(headerLen int, payload []byte) []byte {
	total := 12 + headerLen + len(payload) + 4
	frame := make([]byte, total)
	binary.BigEndian.PutUint32(frame[0:4], uint32(total))
	binary.BigEndian.PutUint32(frame[4:8], uint32(headerLen))
	copy(frame[12+headerLen:], payload)
	return frame
}

func collectBinaryEvents(t *testing.T, data []byte, onUsage UsageFunc) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	parser := NewEventStreamParser(onUsage)
	err := parser.Parse(bytes.NewReader(data), func(ev StreamEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	return events
}

func TestEventStreamParserText(t *testing.T) {
	data := append(
		buildFrame(16, []byte(`{"content":"Hel"}`)),
		buildFrame(16, []byte(`{"content":"lo"}`))...,
	)

	events := collectBinaryEvents(t, data, nil)
	require.Len(t, events, 2)
	assert.Equal(t, "Hel", events[0].Text)
	assert.Equal(t, "lo", events[1].Text)
}

func TestEventStreamParserToolCallLifecycle(t *testing.T) {
	var data []byte
	data = append(data, buildFrame(0, []byte(`{"name":"search","toolUseId":"tid-1"}`))...)
	data = append(data, buildFrame(0, []byte(`{"toolUseId":"tid-1","input":"{\"que"}`))...)
	data = append(data, buildFrame(0, []byte(`{"toolUseId":"tid-1","input":"ry\":1}"}`))...)

	events := collectBinaryEvents(t, data, nil)
	require.Len(t, events, 3)

	assert.Equal(t, EventToolCallStart, events[0].Type)
	assert.Equal(t, 0, events[0].Index)
	assert.Equal(t, "tid-1", events[0].ToolID)
	assert.Equal(t, "search", events[0].ToolName)

	assert.Equal(t, EventToolCallDelta, events[1].Type)
	assert.Equal(t, `{"que`, events[1].ArgsDelta)
	assert.Equal(t, EventToolCallDelta, events[2].Type)
	assert.Equal(t, `ry":1}`, events[2].ArgsDelta)
}

func TestEventStreamParserAssignsSequentialIndexes(t *testing.T) {
	var data []byte
	data = append(data, buildFrame(0, []byte(`{"name":"first","toolUseId":"a"}`))...)
	data = append(data, buildFrame(0, []byte(`{"name":"second","toolUseId":"b"}`))...)

	events := collectBinaryEvents(t, data, nil)
	require.Len(t, events, 2)
	assert.Equal(t, 0, events[0].Index)
	assert.Equal(t, 1, events[1].Index)
}

func TestEventStreamParserDropsInputForUnknownTool(t *testing.T) {
	data := buildFrame(0, []byte(`{"toolUseId":"never-started","input":"{}"}`))
	events := collectBinaryEvents(t, data, nil)
	assert.Empty(t, events)
}

func TestEventStreamParserUsageCallback(t *testing.T) {
	var usages []float64
	data := append(
		buildFrame(0, []byte(`{"content":"done"}`)),
		buildFrame(0, []byte(`{"usage":0.125}`))...,
	)

	events := collectBinaryEvents(t, data, func(u float64) { usages = append(usages, u) })
	require.Len(t, events, 1, "usage payloads emit no stream event")
	require.Len(t, usages, 1)
	assert.Equal(t, 0.125, usages[0])
}

func TestEventStreamParserResyncsAfterMalformedFrame(t *testing.T) {
	// Header length exceeding the payload end makes the frame malformed.
	bad := make([]byte, 20)
	binary.BigEndian.PutUint32(bad[0:4], 20)
	binary.BigEndian.PutUint32(bad[4:8], 0xFFFFFFFF)

	good := buildFrame(0, []byte(`{"content":"recovered"}`))
	data := append(bad, good...)

	events := collectBinaryEvents(t, data, nil)
	require.Len(t, events, 1, "parser must skip the malformed frame and resume")
	assert.Equal(t, "recovered", events[0].Text)
}

func TestEventStreamParserPartialFrameAcrossFeeds(t *testing.T) {
	frame := buildFrame(4, []byte(`{"content":"split"}`))

	var events []StreamEvent
	parser := NewEventStreamParser(nil)
	emit := func(ev StreamEvent) { events = append(events, ev) }

	parser.Feed(frame[:7], emit)
	assert.Empty(t, events, "incomplete frame must stay buffered")
	parser.Feed(frame[7:], emit)
	require.Len(t, events, 1)
	assert.Equal(t, "split", events[0].Text)
}
