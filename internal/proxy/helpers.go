package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sparkmesh/clusterproxy/internal/apierror"
	"github.com/sparkmesh/clusterproxy/internal/toolinject"
	"github.com/sparkmesh/clusterproxy/internal/translate"
)

var webSearchToolType = regexp.MustCompile(`(?i)^web_search(_\d{8})?$`)

var webSearchToolName = map[string]bool{
	"websearch": true, "web_search": true, "web search": true,
}

func normalizedToolName(name string) string {
	return strings.ToLower(name)
}

// systemAsText folds a string-or-array Anthropic system prompt into a
// single string for the safe filter (spec.md §4.3), tolerating whatever
// shape arrived on the wire since full validation happens later in
// translate.ToOpenAI.
func systemAsText(system any) string {
	switch v := system.(type) {
	case string:
		return v
	case []any:
		var out string
		for i, raw := range v {
			blockJSON, err := json.Marshal(raw)
			if err != nil {
				continue
			}
			var block translate.SystemBlock
			if err := json.Unmarshal(blockJSON, &block); err != nil {
				continue
			}
			if i > 0 {
				out += "\n\n"
			}
			out += block.Text
		}
		return out
	default:
		return ""
	}
}

// lastUserMessageIndex returns the index of the last "user" message, or
// -1 if there is none.
func lastUserMessageIndex(messages []translate.AnthropicMessage) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return i
		}
	}
	return -1
}

// lastTextOf extracts the concatenated text of a message for intent
// detection and tool-instruction injection. Non-text blocks (images,
// tool_use, tool_result) are ignored.
func lastTextOf(m translate.AnthropicMessage) string {
	switch content := m.Content.(type) {
	case string:
		return content
	case []any:
		var out string
		for _, raw := range content {
			blockJSON, err := json.Marshal(raw)
			if err != nil {
				continue
			}
			var block translate.ContentBlock
			if err := json.Unmarshal(blockJSON, &block); err != nil {
				continue
			}
			if block.Type == "text" {
				if out != "" {
					out += "\n"
				}
				out += block.Text
			}
		}
		return out
	default:
		return ""
	}
}

// setLastText replaces a message's text. String-content messages are
// replaced outright; block-array messages have their last text block's
// Text field overwritten (or a new trailing text block appended if none
// exists), leaving any image/tool blocks untouched.
func setLastText(m translate.AnthropicMessage, text string) translate.AnthropicMessage {
	switch content := m.Content.(type) {
	case string:
		m.Content = text
		return m
	case []any:
		lastTextIdx := -1
		blocks := make([]translate.ContentBlock, len(content))
		for i, raw := range content {
			blockJSON, err := json.Marshal(raw)
			if err != nil {
				continue
			}
			var block translate.ContentBlock
			if err := json.Unmarshal(blockJSON, &block); err == nil {
				blocks[i] = block
				if block.Type == "text" {
					lastTextIdx = i
				}
			}
		}
		if lastTextIdx >= 0 {
			blocks[lastTextIdx].Text = text
		} else {
			blocks = append(blocks, translate.ContentBlock{Type: "text", Text: text})
		}
		out := make([]any, len(blocks))
		for i, b := range blocks {
			out[i] = b
		}
		m.Content = out
		return m
	default:
		m.Content = text
		return m
	}
}

// stripServerSideTools removes web-search tool definitions from the set
// forwarded to the backend, since the proxy has already executed them
// itself (spec.md §4.5).
func stripServerSideTools(tools []translate.AnthropicTool) []translate.AnthropicTool {
	out := make([]translate.AnthropicTool, 0, len(tools))
	for _, t := range tools {
		if webSearchToolType.MatchString(t.Type) || webSearchToolName[normalizedToolName(t.Name)] {
			continue
		}
		out = append(out, t)
	}
	return out
}

var webFetchToolName = map[string]bool{
	"webfetch": true, "web_fetch": true, "web fetch": true,
}

// curatedToolKeywords holds hand-picked positive/negative phrase pairs for
// the tool names that show up across coding-agent tool schemas, grounded
// in how those tools actually get asked for in a user message rather than
// the tool's bare name (which is often an ordinary English verb).
type curatedSpec struct {
	positive []string
	negative []string
}

var curatedToolKeywords = map[string]curatedSpec{
	"read": {
		positive: []string{"read the file", "read file", "open the file", "show me the contents", "use the read tool"},
		negative: []string{"please read", "read this carefully", "read the following", "read through", "I read", "you read"},
	},
	"write": {
		positive: []string{"write the file", "write to file", "save this to", "create a file", "use the write tool"},
		negative: []string{"I will write", "I'll write", "write a detailed", "write up", "writing this", "let me write"},
	},
	"edit": {
		positive: []string{"edit the file", "make this change", "modify the file", "use the edit tool"},
		negative: []string{"edit this", "editing this", "I will edit", "an edited version"},
	},
	"bash": {
		positive: []string{"run the command", "run this command", "execute the script", "use the bash tool"},
		negative: []string{"bash script", "in bash", "bash shell"},
	},
	"glob": {
		positive: []string{"find files matching", "list files matching", "use the glob tool"},
		negative: []string{"global", "globally"},
	},
	"grep": {
		positive: []string{"search for this pattern", "find occurrences of", "search the codebase", "use the grep tool"},
		negative: []string{"grep for it", "regex pattern"},
	},
}

// toToolSpecs builds the keyword-scoring specs toolinject.Inject needs
// from the request's declared tools. Known tool names get a curated
// multi-word keyword/negative-phrase pair grounded in how that tool is
// actually requested in conversation; unrecognized tools fall back to an
// "action + tool name" phrase so a bare mention of the tool's name in
// ordinary prose (e.g. "please read this carefully") never matches on its
// own (spec.md §4.4/§8 scenario 6).
func toToolSpecs(tools []translate.AnthropicTool) []toolinject.ToolSpec {
	specs := make([]toolinject.ToolSpec, 0, len(tools))
	for _, t := range tools {
		spec := toolinject.ToolSpec{
			Name:           t.Name,
			RequiredParams: requiredParamsOf(t.InputSchema),
			Style:          toolinject.StyleExplicit,
		}

		switch {
		case webSearchToolType.MatchString(t.Type) || webSearchToolName[normalizedToolName(t.Name)]:
			spec.PositiveKeywords = toolinject.WebSearchKeywords
			spec.NegativePhrases = toolinject.WebSearchNegatives
		case webFetchToolName[normalizedToolName(t.Name)]:
			spec.PositiveKeywords = toolinject.WebFetchKeywords
			spec.NegativePhrases = toolinject.WebSearchNegatives
		default:
			if curated, ok := curatedToolKeywords[normalizedToolName(t.Name)]; ok {
				spec.PositiveKeywords = curated.positive
				spec.NegativePhrases = curated.negative
			} else {
				spec.PositiveKeywords = []string{"use the " + t.Name + " tool", "call " + t.Name, t.Name + " tool"}
				spec.NegativePhrases = genericNegativesFor(t.Name)
			}
		}

		specs = append(specs, spec)
	}
	return specs
}

// genericNegativesFor guards an unrecognized tool name against the most
// common way its bare name shows up as ordinary prose rather than a
// request to use the tool, when that name happens to double as an
// English verb.
func genericNegativesFor(name string) []string {
	lower := strings.ToLower(name)
	return []string{
		"please " + lower, "I will " + lower, "I'll " + lower, "let me " + lower,
		lower + " this carefully", lower + " the following",
	}
}

func requiredParamsOf(schema any) []string {
	schemaMap, ok := schema.(map[string]any)
	if !ok {
		return nil
	}
	required, ok := schemaMap["required"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(required))
	for _, r := range required {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// conversationKey derives a stable per-conversation identifier from the
// request's message history, used to key the injection rate limiter
// when no client-supplied user id is present.
func conversationKey(req translate.AnthropicRequest) string {
	if req.Metadata != nil && req.Metadata.UserID != "" {
		return req.Metadata.UserID
	}
	if len(req.Messages) == 0 {
		return ""
	}
	h := sha256.New()
	for _, m := range req.Messages {
		h.Write([]byte(m.Role))
		h.Write([]byte(lastTextOf(m)))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// writeAPIError renders err as the Anthropic error envelope, translating
// any non-apierror error into a generic 500 rather than leaking its raw
// text to the client.
func writeAPIError(c *gin.Context, err error) {
	apiErr, ok := err.(*apierror.Error)
	if !ok {
		apiErr = apierror.Internal("an unexpected error occurred")
	}
	c.JSON(apiErr.StatusCode, apiErr.ToEnvelope())
}
