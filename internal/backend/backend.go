// Package backend implements the per-node polymorphic provider client:
// a uniform interface over an OpenAI-compatible chat endpoint, grounded
// on the teacher's internal HTTP client and retry helper.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	httpclient "github.com/sparkmesh/clusterproxy/pkg/internal/http"
	"github.com/sparkmesh/clusterproxy/pkg/internal/retry"
)

// ChatRequest is the outbound OpenAI-compatible chat-completions body.
// internal/translate is responsible for producing this from an Anthropic
// request; backend only transports it.
type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Tools    []any          `json:"tools,omitempty"`
	ToolChoice any          `json:"tool_choice,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	MaxTokens  *int         `json:"max_tokens,omitempty"`
	TopP       *float64     `json:"top_p,omitempty"`
	Stop       []string     `json:"stop,omitempty"`
}

// ChatMessage is one OpenAI chat-completions message.
type ChatMessage struct {
	Role       string `json:"role"`
	Content    any    `json:"content,omitempty"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolCalls  []any  `json:"tool_calls,omitempty"`
}

// ChatResponse is a non-streaming OpenAI-compatible chat completion.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// StreamHandle carries a live streaming response; callers read events
// via internal/sse against Raw.Body and must call Close when done.
type StreamHandle struct {
	Raw *http.Response
}

func (s *StreamHandle) Close() error {
	if s.Raw == nil {
		return nil
	}
	return s.Raw.Body.Close()
}

// Client is the uniform call site spec.md §9 asks for: "a small
// interface { chat(req, ctx) -> stream } with concrete implementations
// per backend". This proxy only ever talks to OpenAI-compatible
// backends, so one implementation suffices; the interface still exists
// so the cluster manager's node->client map stays backend-agnostic.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest) (*StreamHandle, error)
	ListModels(ctx context.Context) (ModelList, error)
	BaseURL() string
}

// openAICompatClient is the concrete Client talking to any
// OpenAI-compatible chat-completions endpoint (cloud provider, single
// local inference server, or a fleet worker node).
type openAICompatClient struct {
	http       *httpclient.Client
	baseURL    string
	retryCfg   retry.Config
}

// Config constructs one Client bound to a node's base URL.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New builds a Client for cfg. Construction never fails for a
// reachable-looking URL; transport errors surface at call time so that
// cluster manager initialization can exclude a bad node without
// aborting (spec.md §4.7).
func New(cfg Config) Client {
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &openAICompatClient{
		http: httpclient.NewClient(httpclient.Config{
			BaseURL: cfg.BaseURL,
			Headers: headers,
			Timeout: timeout,
		}),
		baseURL:  cfg.BaseURL,
		retryCfg: retry.DefaultConfig(),
	}
}

func (c *openAICompatClient) BaseURL() string { return c.baseURL }

func (c *openAICompatClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	var resp ChatResponse

	err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) error {
		return c.http.PostJSON(ctx, "/chat/completions", req, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("backend chat request to %s failed: %w", c.baseURL, err)
	}
	return &resp, nil
}

func (c *openAICompatClient) ChatStream(ctx context.Context, req ChatRequest) (*StreamHandle, error) {
	req.Stream = true

	httpResp, err := c.http.DoStream(ctx, httpclient.Request{
		Method:  "POST",
		Path:    "/chat/completions",
		Headers: map[string]string{"Accept": "text/event-stream"},
		Body:    req,
	})
	if err != nil {
		return nil, fmt.Errorf("backend stream request to %s failed: %w", c.baseURL, err)
	}
	return &StreamHandle{Raw: httpResp}, nil
}

// ListModels issues a cheap GET against /v1/models, used both by the
// GET /v1/models proxy endpoint and as the cluster health prober's
// default probe operation.
func (c *openAICompatClient) ListModels(ctx context.Context) (ModelList, error) {
	var out ModelList
	if err := c.http.GetJSON(ctx, "/v1/models", &out); err != nil {
		return ModelList{}, fmt.Errorf("backend list-models request to %s failed: %w", c.baseURL, err)
	}
	return out, nil
}

// ModelList is the OpenAI-compatible /v1/models response shape.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo is one entry of ModelList.Data.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}
