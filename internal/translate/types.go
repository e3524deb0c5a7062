// Package translate converts between the Anthropic messages wire format
// used by clients and the OpenAI chat-completions wire format used by
// every backend this proxy talks to (spec.md §4.8).
package translate

// AnthropicRequest is the inbound /v1/messages body.
type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	System      any                `json:"system,omitempty"` // string or []SystemBlock
	Tools       []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice  any                `json:"tool_choice,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Metadata    *AnthropicMetadata `json:"metadata,omitempty"`
}

// AnthropicMetadata carries client-supplied request metadata.
type AnthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// SystemBlock is one element of an array-form system prompt.
type SystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AnthropicMessage is one message in the conversation.
type AnthropicMessage struct {
	Role    string `json:"role"` // "user" | "assistant"
	Content any    `json:"content"` // string or []ContentBlock
}

// ContentBlock is a tagged union over Anthropic content block types.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image / document
	Source *BlockSource `json:"source,omitempty"`

	// tool_use
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"` // string or []ContentBlock
	IsError   bool   `json:"is_error,omitempty"`
}

// BlockSource is the base64 payload carried by image/document blocks.
type BlockSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// AnthropicTool is one tool definition in the request's tool schema.
type AnthropicTool struct {
	Type        string `json:"type,omitempty"` // "" for custom tools, "web_search_..." for server tools
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

// AnthropicResponse is a non-streaming /v1/messages response.
type AnthropicResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // "message"
	Role         string         `json:"role"` // "assistant"
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Usage mirrors Anthropic's token accounting block.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// stopReasonFromOpenAI maps an OpenAI finish_reason to an Anthropic
// stop_reason.
func stopReasonFromOpenAI(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	case "":
		return ""
	default:
		return "end_turn"
	}
}
