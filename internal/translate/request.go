package translate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sparkmesh/clusterproxy/internal/apierror"
	"github.com/sparkmesh/clusterproxy/internal/backend"
)

// Options configures a single request-direction translation.
type Options struct {
	// MaxDocumentBytes rejects any base64-decoded document block larger
	// than this; image blocks are not size-checked. Zero disables the
	// check.
	MaxDocumentBytes int

	// MaxTools rejects requests carrying more than this many tool
	// definitions. Zero disables the check.
	MaxTools int

	// NormalizeSystemWhitespace collapses internal whitespace and strips
	// newlines from the outbound system message only, for backends with
	// strict JSON input (spec.md §4.8). It never touches user/assistant
	// content.
	NormalizeSystemWhitespace bool
}

var collapseWhitespace = regexp.MustCompile(`\s+`)

// ToOpenAI converts an Anthropic request into the OpenAI-compatible
// chat-completions shape this proxy forwards upstream.
func ToOpenAI(req AnthropicRequest, opts Options) (backend.ChatRequest, error) {
	if opts.MaxTools > 0 && len(req.Tools) > opts.MaxTools {
		return backend.ChatRequest{}, apierror.InvalidRequest(
			fmt.Sprintf("request has %d tools, exceeding the configured maximum of %d", len(req.Tools), opts.MaxTools))
	}

	out := backend.ChatRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = &req.MaxTokens
	}

	systemText, err := collapseSystem(req.System)
	if err != nil {
		return backend.ChatRequest{}, err
	}
	if systemText != "" {
		if opts.NormalizeSystemWhitespace {
			systemText = normalizeSystemText(systemText)
		}
		out.Messages = append(out.Messages, backend.ChatMessage{Role: "system", Content: systemText})
	}

	for _, m := range req.Messages {
		converted, err := convertMessage(m, opts)
		if err != nil {
			return backend.ChatRequest{}, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, toOpenAITool(t))
		}
		out.Tools = tools
	}
	if req.ToolChoice != nil {
		out.ToolChoice = req.ToolChoice
	}

	return out, nil
}

// collapseSystem folds a string-or-array Anthropic system prompt into a
// single string (spec.md §4.8).
func collapseSystem(system any) (string, error) {
	switch v := system.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []any:
		var sb strings.Builder
		for i, raw := range v {
			blockJSON, err := json.Marshal(raw)
			if err != nil {
				return "", apierror.InvalidRequest("system block is not valid JSON")
			}
			var block SystemBlock
			if err := json.Unmarshal(blockJSON, &block); err != nil {
				return "", apierror.InvalidRequest("system block must be a {type, text} object")
			}
			if i > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(block.Text)
		}
		return sb.String(), nil
	default:
		return "", apierror.InvalidRequest("system must be a string or an array of text blocks")
	}
}

func normalizeSystemText(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.TrimSpace(collapseWhitespace.ReplaceAllString(s, " "))
}

// convertMessage expands one Anthropic message into zero or more OpenAI
// messages: tool_result blocks become standalone role:"tool" messages,
// so a single Anthropic user message can yield several OpenAI messages.
func convertMessage(m AnthropicMessage, opts Options) ([]backend.ChatMessage, error) {
	switch content := m.Content.(type) {
	case string:
		return []backend.ChatMessage{{Role: m.Role, Content: content}}, nil
	case []any:
		blocks, err := decodeBlocks(content)
		if err != nil {
			return nil, err
		}
		return convertBlocks(m.Role, blocks, opts)
	case nil:
		return []backend.ChatMessage{{Role: m.Role, Content: ""}}, nil
	default:
		return nil, apierror.InvalidRequest("message content must be a string or an array of content blocks")
	}
}

func decodeBlocks(raw []any) ([]ContentBlock, error) {
	blocksJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, apierror.InvalidRequest("message content is not valid JSON")
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(blocksJSON, &blocks); err != nil {
		return nil, apierror.InvalidRequest("message content block is malformed")
	}
	return blocks, nil
}

func convertBlocks(role string, blocks []ContentBlock, opts Options) ([]backend.ChatMessage, error) {
	var out []backend.ChatMessage
	var parts []any
	var toolCalls []any

	flushParts := func() {
		if len(parts) == 0 {
			return
		}
		out = append(out, backend.ChatMessage{Role: role, Content: parts})
		parts = nil
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, map[string]any{"type": "text", "text": b.Text})

		case "image":
			part, err := imagePart(b)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)

		case "document":
			part, err := documentPart(b, opts)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)

		case "tool_use":
			argsJSON, err := json.Marshal(b.Input)
			if err != nil {
				return nil, apierror.InvalidRequest("tool_use input is not valid JSON")
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   b.ID,
				"type": "function",
				"function": map[string]any{
					"name":      b.Name,
					"arguments": string(argsJSON),
				},
			})

		case "tool_result":
			flushParts()
			text, err := toolResultText(b)
			if err != nil {
				return nil, err
			}
			out = append(out, backend.ChatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    text,
			})

		default:
			return nil, apierror.InvalidRequest(fmt.Sprintf("unsupported content block type %q", b.Type))
		}
	}

	if len(toolCalls) > 0 {
		flushParts()
		out = append(out, backend.ChatMessage{Role: role, ToolCalls: toolCalls})
		return out, nil
	}

	flushParts()
	if len(out) == 0 {
		return []backend.ChatMessage{{Role: role, Content: ""}}, nil
	}
	return out, nil
}

func toolResultText(b ContentBlock) (string, error) {
	switch v := b.Content.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []any:
		blocks, err := decodeBlocks(v)
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		for i, inner := range blocks {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(inner.Text)
		}
		return sb.String(), nil
	default:
		return "", apierror.InvalidRequest("tool_result content must be a string or content block array")
	}
}

func imagePart(b ContentBlock) (map[string]any, error) {
	if b.Source == nil || b.Source.Type != "base64" {
		return nil, apierror.InvalidRequest("image block requires a base64 source")
	}
	// Image bytes are binary, not text, so only malformed base64 itself
	// is rejected here — UTF-8 validity is checked for text documents.
	if _, err := decodeBase64(b.Source.Data, false); err != nil {
		return nil, err
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)
	return map[string]any{
		"type":      "image_url",
		"image_url": map[string]any{"url": dataURL},
	}, nil
}

func documentPart(b ContentBlock, opts Options) (map[string]any, error) {
	if b.Source == nil || b.Source.Type != "base64" {
		return nil, apierror.InvalidRequest("document block requires a base64 source")
	}
	requireUTF8 := strings.HasPrefix(b.Source.MediaType, "text/")
	decoded, err := decodeBase64(b.Source.Data, requireUTF8)
	if err != nil {
		return nil, err
	}
	if opts.MaxDocumentBytes > 0 && len(decoded) > opts.MaxDocumentBytes {
		return nil, apierror.InvalidRequest(fmt.Sprintf(
			"document of %d bytes exceeds the configured maximum of %d bytes", len(decoded), opts.MaxDocumentBytes))
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)
	return map[string]any{
		"type":      "image_url",
		"image_url": map[string]any{"url": dataURL},
	}, nil
}

func decodeBase64(data string, requireUTF8 bool) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, apierror.InvalidRequest("malformed base64 data")
	}
	if requireUTF8 && !utf8.Valid(decoded) {
		return nil, apierror.InvalidRequest("document content is not valid UTF-8")
	}
	return decoded, nil
}

func toOpenAITool(t AnthropicTool) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.InputSchema,
		},
	}
}
