package translate

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkmesh/clusterproxy/pkg/internal/sse"
)

func collectEvents(t *testing.T, body string) []AnthropicEvent {
	t.Helper()
	var events []AnthropicEvent
	translator := NewStreamTranslator("msg_1", "gpt-4o-mini", func(ev AnthropicEvent) error {
		events = append(events, ev)
		return nil
	})
	err := translator.Run(context.Background(), strings.NewReader(body))
	require.NoError(t, err)
	return events
}

func eventNames(events []AnthropicEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Name
	}
	return out
}

func TestStreamTranslator_Run_TextDeltaSequence(t *testing.T) {
	body := "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\" world\"},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, body)
	names := eventNames(events)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	stopData := events[len(events)-2].Data.(map[string]any)
	delta := stopData["delta"].(map[string]any)
	assert.Equal(t, "end_turn", delta["stop_reason"])
}

func TestStreamTranslator_Run_ToolCallSequence(t *testing.T) {
	body := "data: {\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"type\":\"function\",\"function\":{\"name\":\"get_weather\",\"arguments\":\"\"}}]}}]}\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"{\\\"city\\\":\\\"nyc\\\"}\"}}]},\"finish_reason\":\"tool_calls\"}]}\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, body)
	names := eventNames(events)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	start := events[1].Data.(map[string]any)
	block := start["content_block"].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "get_weather", block["name"])

	stopData := events[len(events)-2].Data.(map[string]any)
	delta := stopData["delta"].(map[string]any)
	assert.Equal(t, "tool_use", delta["stop_reason"])
}

func TestStreamTranslator_Run_MalformedChunkSkippedNotFatal(t *testing.T) {
	body := "data: not valid json at all\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, body)
	assert.Contains(t, eventNames(events), "content_block_delta")
}

func TestStreamTranslator_Run_UsageCapturedFromFinalChunk(t *testing.T) {
	body := "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":7}}\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, body)
	last := events[len(events)-2].Data.(map[string]any)
	usage := last["usage"].(Usage)
	assert.Equal(t, 5, usage.InputTokens)
	assert.Equal(t, 7, usage.OutputTokens)
}

func TestStreamTranslator_Run_EmptyBodyStillEmitsStartAndStop(t *testing.T) {
	events := collectEvents(t, "")
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, eventNames(events))
}

func TestStreamTranslator_Run_EmitErrorPropagatesImmediately(t *testing.T) {
	boom := errors.New("downstream write failed")
	translator := NewStreamTranslator("msg_1", "gpt-4o-mini", func(ev AnthropicEvent) error {
		return boom
	})
	err := translator.Run(context.Background(), strings.NewReader(""))
	assert.ErrorIs(t, err, boom)
}

func TestStreamTranslator_Run_ContextCancellationStillClosesOutEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var events []AnthropicEvent
	translator := NewStreamTranslator("msg_1", "gpt-4o-mini", func(ev AnthropicEvent) error {
		events = append(events, ev)
		return nil
	})
	r, w := io.Pipe()
	defer w.Close()

	err := translator.Run(ctx, r)
	assert.Error(t, err)
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, eventNames(events))
}

func TestWriteAnthropicEvent_RendersNamedSSEFrame(t *testing.T) {
	var buf strings.Builder
	w := sse.NewSSEWriter(&buf)
	err := WriteAnthropicEvent(w, AnthropicEvent{Name: "message_stop", Data: map[string]any{"type": "message_stop"}})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "event: message_stop")
	assert.Contains(t, buf.String(), `"type":"message_stop"`)
}
