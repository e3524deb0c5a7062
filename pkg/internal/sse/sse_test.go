package sse

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEParser_Next_ParsesDataOnlyEvent(t *testing.T) {
	p := NewSSEParser(strings.NewReader("data: hello\n\n"))
	event, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "hello", event.Data)
}

func TestSSEParser_Next_ParsesMultilineData(t *testing.T) {
	p := NewSSEParser(strings.NewReader("data: line one\ndata: line two\n\n"))
	event, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", event.Data)
}

func TestSSEParser_Next_ParsesEventIDAndRetry(t *testing.T) {
	p := NewSSEParser(strings.NewReader("event: update\nid: 42\nretry: 3000\ndata: payload\n\n"))
	event, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "update", event.Event)
	assert.Equal(t, "42", event.ID)
	assert.Equal(t, 3000, event.Retry)
	assert.Equal(t, "payload", event.Data)
}

func TestSSEParser_Next_IgnoresCommentLines(t *testing.T) {
	p := NewSSEParser(strings.NewReader(": this is a comment\ndata: real data\n\n"))
	event, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "real data", event.Data)
}

func TestSSEParser_Next_ReturnsEOFOnEmptyStream(t *testing.T) {
	p := NewSSEParser(strings.NewReader(""))
	_, err := p.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSEParser_Next_EmitsTrailingEventWithoutFinalBlankLine(t *testing.T) {
	p := NewSSEParser(strings.NewReader("data: no trailing newline"))
	event, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "no trailing newline", event.Data)

	_, err = p.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSEParser_Next_SequenceOfEvents(t *testing.T) {
	body := "data: first\n\ndata: second\n\n"
	p := NewSSEParser(strings.NewReader(body))

	first, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "first", first.Data)

	second, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "second", second.Data)

	_, err = p.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSEParser_Err_ReturnsNilOnCleanEOF(t *testing.T) {
	p := NewSSEParser(strings.NewReader(""))
	_, _ = p.Next()
	assert.NoError(t, p.Err())
}

func TestParseSSEStream_CollectsAllEvents(t *testing.T) {
	body := "data: a\n\ndata: b\n\ndata: c\n\n"
	events, err := ParseSSEStream(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].Data)
	assert.Equal(t, "c", events[2].Data)
}

func TestSSEWriter_WriteEvent_RendersAllFields(t *testing.T) {
	var buf strings.Builder
	w := NewSSEWriter(&buf)
	err := w.WriteEvent(SSEEvent{Event: "update", ID: "1", Retry: 500, Data: "line one\nline two"})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "event: update\n")
	assert.Contains(t, out, "id: 1\n")
	assert.Contains(t, out, "retry: 500\n")
	assert.Contains(t, out, "data: line one\n")
	assert.Contains(t, out, "data: line two\n")
	assert.True(t, strings.HasSuffix(out, "\n\n"))
}

func TestSSEWriter_WriteData_OmitsEventField(t *testing.T) {
	var buf strings.Builder
	w := NewSSEWriter(&buf)
	require.NoError(t, w.WriteData("just data"))
	assert.Equal(t, "data: just data\n\n", buf.String())
}

func TestSSEWriter_WriteNamedEvent_IncludesEventType(t *testing.T) {
	var buf strings.Builder
	w := NewSSEWriter(&buf)
	require.NoError(t, w.WriteNamedEvent("message_stop", `{"type":"message_stop"}`))
	assert.Equal(t, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n", buf.String())
}

func TestSSEWriter_WriteDone_EmitsDoneMarker(t *testing.T) {
	var buf strings.Builder
	w := NewSSEWriter(&buf)
	require.NoError(t, w.WriteDone())
	assert.Equal(t, "event: done\ndata: [DONE]\n\n", buf.String())
}

func TestIsStreamDone_TrueForDataDone(t *testing.T) {
	assert.True(t, IsStreamDone(&SSEEvent{Data: "[DONE]"}))
}

func TestIsStreamDone_TrueForDoneEventType(t *testing.T) {
	assert.True(t, IsStreamDone(&SSEEvent{Event: "done"}))
}

func TestIsStreamDone_FalseForOrdinaryEvent(t *testing.T) {
	assert.False(t, IsStreamDone(&SSEEvent{Data: "hello"}))
}

func TestRoundTrip_WriterOutputParsesBackToSameEvent(t *testing.T) {
	var buf strings.Builder
	w := NewSSEWriter(&buf)
	require.NoError(t, w.WriteEvent(SSEEvent{Event: "content_block_delta", Data: `{"text":"hi"}`}))

	p := NewSSEParser(strings.NewReader(buf.String()))
	event, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "content_block_delta", event.Event)
	assert.Equal(t, `{"text":"hi"}`, event.Data)
}
