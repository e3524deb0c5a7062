package translate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/sparkmesh/clusterproxy/pkg/internal/sse"
	"github.com/sparkmesh/clusterproxy/pkg/jsonparser"
)

// openAIChunk is one SSE data payload from an OpenAI-compatible
// streaming chat-completion.
type openAIChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string `json:"role,omitempty"`
			Content   string `json:"content,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Type     string `json:"type,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// AnthropicEvent is one SSE event this proxy emits to the client, named
// per spec.md §6's Anthropic SSE event list.
type AnthropicEvent struct {
	Name string
	Data any
}

// blockState tracks the open content block (if any) for one choice
// index, so interleaved text and tool-call deltas translate into
// correctly paired content_block_start/delta/stop events without
// reordering (spec.md §5's ordering guarantee).
type blockState struct {
	open      bool
	anthIndex int
	kind      string // "text" | "tool_use"
	toolCallIndexByID map[string]int

	// toolName/argsBuf accumulate a tool_use block's arguments as they
	// stream in, so closeOpenBlock can check the finished JSON is
	// syntactically valid (spec.md §4.8) without buffering the whole
	// response.
	toolName string
	argsBuf  strings.Builder
}

// StreamTranslator converts an upstream OpenAI SSE stream into the
// Anthropic event sequence, preserving per-request ordering. It is a
// pull-based reader on the upstream side and a push-based emitter on
// the downstream side, matching the event-stream bridging strategy
// spec.md §9 calls for.
type StreamTranslator struct {
	messageID string
	model     string
	emit      func(AnthropicEvent) error

	blocks      []blockState
	nextIndex   int
	sawAnyDelta bool
	usage       Usage
	stopReason  string
}

// NewStreamTranslator constructs a translator that calls emit for every
// Anthropic event it produces, in order.
func NewStreamTranslator(messageID, model string, emit func(AnthropicEvent) error) *StreamTranslator {
	return &StreamTranslator{messageID: messageID, model: model, emit: emit}
}

// Run reads upstream's OpenAI SSE body until EOF, ctx cancellation, or a
// terminal error, translating each event as it arrives. It always emits
// a well-formed message_start before the first content event and a
// message_delta/message_stop pair at the end, even if upstream closes
// mid-stream.
func (t *StreamTranslator) Run(ctx context.Context, upstream io.Reader) error {
	if err := t.emitMessageStart(); err != nil {
		return err
	}

	scanner := bufio.NewReader(upstream)
	parser := sse.NewSSEParser(readerWithContext{ctx: ctx, r: scanner})

	for {
		select {
		case <-ctx.Done():
			return t.finish(ctx.Err())
		default:
		}

		event, err := parser.Next()
		if err == io.EOF {
			return t.finish(nil)
		}
		if err != nil {
			return t.finish(err)
		}
		if sse.IsStreamDone(event) {
			return t.finish(nil)
		}
		if event.Data == "" {
			continue
		}

		var chunk openAIChunk
		if jsonErr := json.Unmarshal([]byte(event.Data), &chunk); jsonErr != nil {
			continue // malformed keep-alive/comment chunk, not a protocol violation
		}
		if err := t.applyChunk(chunk); err != nil {
			return t.finish(err)
		}
	}
}

func (t *StreamTranslator) emitMessageStart() error {
	return t.emit(AnthropicEvent{
		Name: "message_start",
		Data: map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            t.messageID,
				"type":          "message",
				"role":          "assistant",
				"model":         t.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         Usage{},
			},
		},
	})
}

func (t *StreamTranslator) applyChunk(chunk openAIChunk) error {
	if chunk.Usage != nil {
		t.usage.InputTokens = chunk.Usage.PromptTokens
		t.usage.OutputTokens = chunk.Usage.CompletionTokens
	}

	for _, choice := range chunk.Choices {
		for len(t.blocks) <= choice.Index {
			t.blocks = append(t.blocks, blockState{})
		}
		state := &t.blocks[choice.Index]

		if choice.Delta.Content != "" {
			if err := t.ensureTextBlock(state); err != nil {
				return err
			}
			t.sawAnyDelta = true
			if err := t.emit(AnthropicEvent{
				Name: "content_block_delta",
				Data: map[string]any{
					"type":  "content_block_delta",
					"index": state.anthIndex,
					"delta": map[string]any{"type": "text_delta", "text": choice.Delta.Content},
				},
			}); err != nil {
				return err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			if err := t.applyToolCallDelta(state, tc.ID, tc.Function.Name, tc.Function.Arguments); err != nil {
				return err
			}
			t.sawAnyDelta = true
		}

		if choice.FinishReason != "" {
			t.stopReason = stopReasonFromOpenAI(choice.FinishReason)
			if err := t.closeOpenBlock(state); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *StreamTranslator) ensureTextBlock(state *blockState) error {
	if state.open && state.kind == "text" {
		return nil
	}
	if state.open {
		if err := t.closeOpenBlock(state); err != nil {
			return err
		}
	}
	idx := t.nextIndex
	t.nextIndex++
	state.open = true
	state.kind = "text"
	state.anthIndex = idx
	return t.emit(AnthropicEvent{
		Name: "content_block_start",
		Data: map[string]any{
			"type":  "content_block_start",
			"index": idx,
			"content_block": map[string]any{"type": "text", "text": ""},
		},
	})
}

func (t *StreamTranslator) applyToolCallDelta(state *blockState, id, name, argsFragment string) error {
	if state.toolCallIndexByID == nil {
		state.toolCallIndexByID = make(map[string]int)
	}

	// A non-empty id with a name marks the start of a new tool call; an
	// empty id continues streaming arguments for the currently open one.
	if id != "" && name != "" {
		if state.open {
			if err := t.closeOpenBlock(state); err != nil {
				return err
			}
		}
		idx := t.nextIndex
		t.nextIndex++
		state.open = true
		state.kind = "tool_use"
		state.anthIndex = idx
		state.toolName = name
		state.argsBuf.Reset()
		state.toolCallIndexByID[id] = idx
		return t.emit(AnthropicEvent{
			Name: "content_block_start",
			Data: map[string]any{
				"type":  "content_block_start",
				"index": idx,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    id,
					"name":  name,
					"input": map[string]any{},
				},
			},
		})
	}

	if argsFragment == "" {
		return nil
	}
	if !state.open || state.kind != "tool_use" {
		return fmt.Errorf("translate: tool call argument delta with no open tool_use block")
	}
	state.argsBuf.WriteString(argsFragment)
	return t.emit(AnthropicEvent{
		Name: "content_block_delta",
		Data: map[string]any{
			"type":  "content_block_delta",
			"index": state.anthIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": argsFragment},
		},
	})
}

func (t *StreamTranslator) closeOpenBlock(state *blockState) error {
	if !state.open {
		return nil
	}
	state.open = false
	if state.kind == "tool_use" {
		t.checkToolArguments(state)
	}
	return t.emit(AnthropicEvent{
		Name: "content_block_stop",
		Data: map[string]any{"type": "content_block_stop", "index": state.anthIndex},
	})
}

// checkToolArguments verifies a finished tool_use block's accumulated
// arguments are syntactically valid JSON (spec.md §4.8). A backend that
// truncates a tool call mid-stream produces arguments input_json_delta
// never finishes cleanly; ParsePartialJSON's repair pass recovers
// whatever was salvageable, and a still-unparseable result is logged
// rather than surfaced as a client-facing error, since the
// content_block_stop event has already gone out.
func (t *StreamTranslator) checkToolArguments(state *blockState) {
	raw := state.argsBuf.String()
	if raw == "" {
		return
	}
	result := jsonparser.ParsePartialJSON(raw)
	if result.State == jsonparser.ParseStateFailed {
		log.Printf("translate: tool_use arguments for %q did not repair to valid JSON: %v", state.toolName, result.Error)
	}
}

func (t *StreamTranslator) finish(cause error) error {
	for i := range t.blocks {
		if err := t.closeOpenBlock(&t.blocks[i]); err != nil {
			return err
		}
	}

	stopReason := t.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	if err := t.emit(AnthropicEvent{
		Name: "message_delta",
		Data: map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
			"usage": t.usage,
		},
	}); err != nil {
		return err
	}

	if err := t.emit(AnthropicEvent{Name: "message_stop", Data: map[string]any{"type": "message_stop"}}); err != nil {
		return err
	}

	if cause != nil {
		return fmt.Errorf("translate: upstream stream ended: %w", cause)
	}
	return nil
}

// readerWithContext fails every Read that starts after ctx is done, so a
// client disconnect stops the SSE scan at its next read (spec.md §5). A
// Read already blocked on r is not interrupted.
type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	default:
	}
	return r.r.Read(p)
}

// WriteAnthropicEvent renders one AnthropicEvent as an Anthropic-style
// named SSE frame (`event: <name>\ndata: <json>\n\n`).
func WriteAnthropicEvent(w *sse.SSEWriter, ev AnthropicEvent) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("translate: failed to marshal %s event: %w", ev.Name, err)
	}
	return w.WriteEvent(sse.SSEEvent{Event: ev.Name, Data: strings.TrimRight(string(payload), "\n")})
}
