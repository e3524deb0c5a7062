package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sparkmesh/clusterproxy/internal/apierror"
	"github.com/sparkmesh/clusterproxy/internal/backend"
	"github.com/sparkmesh/clusterproxy/internal/filter"
	"github.com/sparkmesh/clusterproxy/internal/servertools"
	"github.com/sparkmesh/clusterproxy/internal/toolinject"
	"github.com/sparkmesh/clusterproxy/internal/translate"
	"github.com/sparkmesh/clusterproxy/pkg/internal/sse"
)

// handleMessages implements POST /v1/messages per spec.md §4.9's
// nine-step pipeline: parse → filter → server-tools → inject →
// translate → route → dial → stream → cleanup.
func (s *Server) handleMessages(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(s.cfg.MaxPromptBytes)+1))
	if err != nil {
		writeAPIError(c, apierror.InvalidRequest("failed to read request body"))
		return
	}
	if len(body) == 0 {
		writeAPIError(c, apierror.InvalidRequest("request body is empty"))
		return
	}
	if s.cfg.MaxPromptBytes > 0 && len(body) > s.cfg.MaxPromptBytes {
		writeAPIError(c, apierror.InvalidRequest(fmt.Sprintf("request body of %d bytes exceeds the maximum of %d bytes", len(body), s.cfg.MaxPromptBytes)))
		return
	}

	var req translate.AnthropicRequest
	if jsonErr := json.Unmarshal(body, &req); jsonErr != nil {
		writeAPIError(c, apierror.InvalidRequest("request body is not valid JSON"))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeAPIError(c, apierror.InvalidRequest("request must include a model and at least one message"))
		return
	}

	// Step 2: safe filter on the system prompt.
	systemText := systemAsText(req.System)
	filterTier := s.cfg.DefaultFilterTier
	filterResult := filter.Run(systemText, filter.Options{Tier: filterTier})
	req.System = filterResult.FilteredPrompt

	// Step 3: server-side tool handling.
	anthTools := make([]servertools.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		anthTools = append(anthTools, servertools.Tool{Type: t.Type, Name: t.Name})
	}
	toolFilter := servertools.FilterServerSideTools(anthTools)

	lastUserIdx := lastUserMessageIndex(req.Messages)
	if toolFilter.HasWebSearch && lastUserIdx >= 0 {
		lastText := lastTextOf(req.Messages[lastUserIdx])
		if servertools.DetectSearchIntent(lastText) {
			results, searchErr := s.searchCh.ExecuteSearch(ctx, lastText)
			if searchErr == nil && len(results) > 0 {
				augmented := lastText + "\n\n" + servertools.FormatResultsForContext(lastText, results)
				req.Messages[lastUserIdx] = setLastText(req.Messages[lastUserIdx], augmented)
			}
		}
		req.Tools = stripServerSideTools(req.Tools)
	}

	// Step 4: tool-instruction injection on the last user message.
	if lastUserIdx >= 0 {
		specs := toToolSpecs(req.Tools)
		conversationID := conversationKey(req)
		if s.limiters.Allow(conversationID) {
			lastText := lastTextOf(req.Messages[lastUserIdx])
			currentCount := s.limiters.Count(conversationID)
			injection := toolinject.Inject(lastText, specs, s.injector, currentCount)
			if injection.Modified {
				req.Messages[lastUserIdx] = setLastText(req.Messages[lastUserIdx], injection.ModifiedMessage)
				s.limiters.RecordInjection(conversationID)
			}
		}
	}

	// Step 5: translate Anthropic -> OpenAI.
	openAIReq, translateErr := translate.ToOpenAI(req, translate.Options{
		MaxDocumentBytes: s.cfg.MaxDocumentBytes,
		MaxTools:         s.cfg.MaxTools,
	})
	if translateErr != nil {
		writeAPIError(c, translateErr)
		return
	}

	toolsJSON, _ := json.Marshal(req.Tools)
	toolsHash := filter.Fingerprint(string(toolsJSON))
	sessionID := ""
	if req.Metadata != nil {
		sessionID = req.Metadata.UserID
	}

	// Step 6: node selection.
	decision := s.manager.SelectNode(filter.Fingerprint(req.System), toolsHash, sessionID)
	if decision == nil {
		writeAPIError(c, apierror.Overloaded("No healthy cluster nodes available"))
		return
	}

	// Step 7: retrieve the provider client.
	provider := s.manager.GetNodeProvider(decision.NodeID)
	if provider == nil {
		writeAPIError(c, apierror.Internal(fmt.Sprintf("no provider client registered for node %s", decision.NodeID)))
		return
	}

	if s.cfg.NormalizeSystemForBackends[decision.NodeID] {
		openAIReq, _ = translate.ToOpenAI(req, translate.Options{
			MaxDocumentBytes:          s.cfg.MaxDocumentBytes,
			MaxTools:                  s.cfg.MaxTools,
			NormalizeSystemWhitespace: true,
		})
	}

	messageID := "msg_" + uuid.New().String()
	s.manager.RecordNodeStart(decision.NodeID)

	if req.Stream {
		s.streamResponse(c, ctx, provider, decision.NodeID, openAIReq, messageID, req.Model)
		return
	}
	s.nonStreamResponse(c, ctx, provider, decision.NodeID, openAIReq, messageID)
}

// nonStreamResponse issues a non-streaming upstream chat call and
// renders an Anthropic-shaped JSON response (spec.md §4.9 step 8).
func (s *Server) nonStreamResponse(c *gin.Context, ctx context.Context, provider backend.Client, nodeID string, req backend.ChatRequest, messageID string) {
	start := time.Now()
	resp, err := provider.Chat(ctx, req)
	latencyMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		s.manager.RecordNodeFailure(nodeID, err)
		writeAPIError(c, apierror.Internal(fmt.Sprintf("upstream request to node %s failed: %s", nodeID, sanitizedError(err))))
		return
	}
	s.manager.RecordNodeSuccess(nodeID, latencyMs)

	out := translate.FromOpenAI(resp, messageID)
	c.JSON(200, out)
}

// streamResponse bridges the upstream OpenAI SSE stream into an
// Anthropic SSE stream, honoring client disconnect (spec.md §4.9 steps
// 8-9).
func (s *Server) streamResponse(c *gin.Context, ctx context.Context, provider backend.Client, nodeID string, req backend.ChatRequest, messageID, model string) {
	start := time.Now()
	handle, err := provider.ChatStream(ctx, req)
	if err != nil {
		s.manager.RecordNodeFailure(nodeID, err)
		writeAPIError(c, apierror.Internal(fmt.Sprintf("upstream stream request to node %s failed: %s", nodeID, sanitizedError(err))))
		return
	}
	defer handle.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(200)

	writer := sse.NewSSEWriter(c.Writer)
	translator := translate.NewStreamTranslator(messageID, model, func(ev translate.AnthropicEvent) error {
		if err := translate.WriteAnthropicEvent(writer, ev); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})

	runErr := translator.Run(ctx, handle.Raw.Body)
	latencyMs := float64(time.Since(start).Milliseconds())
	if runErr != nil && ctx.Err() == nil {
		s.manager.RecordNodeFailure(nodeID, runErr)
		return
	}
	s.manager.RecordNodeSuccess(nodeID, latencyMs)
}

var urlQuery = regexp.MustCompile(`(https?://[^\s?"]*)\?[^\s"]*`)

func sanitizedError(err error) string {
	// Never echo the raw upstream error text verbatim: it may embed a
	// base URL carrying an API key in a query string. The query string of
	// every URL in it is replaced before the text is surfaced; secrets are
	// never part of our own error text.
	return urlQuery.ReplaceAllString(err.Error(), "$1?[redacted]")
}
