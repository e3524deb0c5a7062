package translate

import (
	"encoding/json"

	"github.com/sparkmesh/clusterproxy/internal/backend"
)

// FromOpenAI converts a non-streaming OpenAI chat completion into an
// Anthropic /v1/messages response.
func FromOpenAI(resp *backend.ChatResponse, messageID string) AnthropicResponse {
	out := AnthropicResponse{
		ID:    messageID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	if len(resp.Choices) == 0 {
		out.StopReason = "end_turn"
		return out
	}

	choice := resp.Choices[0]
	out.StopReason = stopReasonFromOpenAI(choice.FinishReason)

	if text, ok := choice.Message.Content.(string); ok && text != "" {
		out.Content = append(out.Content, ContentBlock{Type: "text", Text: text})
	}

	for _, raw := range choice.Message.ToolCalls {
		block, ok := toolUseBlock(raw)
		if ok {
			out.Content = append(out.Content, block)
		}
	}

	return out
}

func toolUseBlock(raw any) (ContentBlock, bool) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return ContentBlock{}, false
	}
	var call struct {
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	if err := json.Unmarshal(encoded, &call); err != nil {
		return ContentBlock{}, false
	}

	var input any
	if call.Function.Arguments != "" {
		_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
	}
	if input == nil {
		input = map[string]any{}
	}

	return ContentBlock{
		Type:  "tool_use",
		ID:    call.ID,
		Name:  call.Function.Name,
		Input: input,
	}, true
}
