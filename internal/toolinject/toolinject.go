// Package toolinject detects tool intent in a user message and appends a
// short reminder naming the relevant tool and its required parameters,
// with a negative-phrase guard against false positives and a
// per-conversation injection cap backed by a token-bucket limiter.
package toolinject

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Style selects how the injected reminder reads.
type Style string

const (
	StyleExplicit Style = "explicit"
	StyleSubtle   Style = "subtle"
)

// ToolSpec describes one tool's intent-detection keywords and the
// parameters it needs, consulted by Inject.
type ToolSpec struct {
	Name              string
	PositiveKeywords  []string
	NegativePhrases   []string
	RequiredParams    []string
	Style             Style
}

// Config controls Inject's behaviour.
type Config struct {
	Enabled                    bool
	ConfidenceThreshold        float64
	MaxInjectionsPerConversation int
}

// DefaultConfig mirrors the teacher's convention of a sane, explicit
// zero-value-free default rather than relying on Go zero values.
func DefaultConfig() Config {
	return Config{
		Enabled:                    true,
		ConfidenceThreshold:        0.3,
		MaxInjectionsPerConversation: 3,
	}
}

// DebugInfo surfaces the scoring detail behind a decision, useful for
// tests and operator diagnostics.
type DebugInfo struct {
	Candidates      []string
	Confidence      float64
	SecurityFlag    bool
	NegativeMatched []string
}

// Result is the outcome of Inject.
type Result struct {
	Modified        bool
	ModifiedMessage string
	InjectedTool    string
	InjectionCount  int
	Debug           DebugInfo
}

var wordBoundary = `\b`

func compileKeyword(kw string) *regexp.Regexp {
	parts := strings.Fields(kw)
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = regexp.QuoteMeta(p)
	}
	pattern := wordBoundary + strings.Join(escaped, `\s+`) + wordBoundary
	return regexp.MustCompile(`(?i)` + pattern)
}

var privilegedPathPattern = regexp.MustCompile(`(?i)(/etc/passwd|/etc/shadow|~/\.ssh|/etc/sudoers|id_rsa|\.aws/credentials)`)
var sharedDirPattern = regexp.MustCompile(`(?i)(/tmp/shared|/var/shared|/srv/shared)`)

// Inject scores message against tools and, if confidence clears
// config.ConfidenceThreshold and the per-conversation cap has not been
// reached, appends a reminder naming the best-matching tool.
func Inject(message string, tools []ToolSpec, config Config, currentCount int) Result {
	if !config.Enabled || len(tools) == 0 {
		return Result{Modified: false, ModifiedMessage: message}
	}
	if currentCount >= config.MaxInjectionsPerConversation {
		return Result{Modified: false, ModifiedMessage: message}
	}

	best, confidence, debug := scoreTools(message, tools)
	debug.SecurityFlag = privilegedPathPattern.MatchString(message) || sharedDirPattern.MatchString(message)

	if best == nil || confidence < config.ConfidenceThreshold {
		return Result{Modified: false, ModifiedMessage: message, Debug: debug}
	}

	reminder := renderReminder(*best)
	modified := message + "\n\n" + reminder

	return Result{
		Modified:        true,
		ModifiedMessage: modified,
		InjectedTool:    best.Name,
		InjectionCount:  currentCount + 1,
		Debug:           debug,
	}
}

func scoreTools(message string, tools []ToolSpec) (*ToolSpec, float64, DebugInfo) {
	type scored struct {
		tool       ToolSpec
		confidence float64
		specificity int
	}
	var candidates []scored
	var debug DebugInfo

	for _, tool := range tools {
		var negativeMatched []string
		suppressed := false
		for _, neg := range tool.NegativePhrases {
			if compileKeyword(neg).MatchString(message) {
				suppressed = true
				negativeMatched = append(negativeMatched, neg)
			}
		}
		debug.NegativeMatched = append(debug.NegativeMatched, negativeMatched...)
		if suppressed {
			continue
		}

		matched := 0
		specificity := 0
		for _, kw := range tool.PositiveKeywords {
			if compileKeyword(kw).MatchString(message) {
				matched++
				if strings.Contains(kw, " ") {
					specificity += 2
				} else {
					specificity++
				}
			}
		}
		if matched == 0 || len(tool.PositiveKeywords) == 0 {
			continue
		}
		confidence := float64(matched) / float64(len(tool.PositiveKeywords))
		for _, p := range tool.RequiredParams {
			if paramAppearsIn(message, p) {
				specificity++
			}
		}
		debug.Candidates = append(debug.Candidates, tool.Name)
		candidates = append(candidates, scored{tool: tool, confidence: confidence, specificity: specificity})
	}

	if len(candidates) == 0 {
		return nil, 0, debug
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].confidence != candidates[j].confidence {
			return candidates[i].confidence > candidates[j].confidence
		}
		return candidates[i].specificity > candidates[j].specificity
	})

	debug.Confidence = candidates[0].confidence
	return &candidates[0].tool, candidates[0].confidence, debug
}

var filePathPattern = regexp.MustCompile(`[./][\w./-]+\.\w+`)
var urlPattern = regexp.MustCompile(`https?://\S+`)
var globPattern = regexp.MustCompile(`[\w./-]*\*[\w./-]*`)

func paramAppearsIn(message, param string) bool {
	switch strings.ToLower(param) {
	case "file_path", "path", "file":
		return filePathPattern.MatchString(message)
	case "url":
		return urlPattern.MatchString(message)
	case "pattern", "glob":
		return globPattern.MatchString(message)
	default:
		return strings.Contains(strings.ToLower(message), strings.ToLower(param))
	}
}

func renderReminder(tool ToolSpec) string {
	switch tool.Style {
	case StyleSubtle:
		return fmt.Sprintf("(you have the %s tool available if it helps here)", tool.Name)
	default:
		if len(tool.RequiredParams) == 0 {
			return fmt.Sprintf("Use the %s tool to accomplish this.", tool.Name)
		}
		return fmt.Sprintf("Use the %s tool with the required parameters: %s.", tool.Name, strings.Join(tool.RequiredParams, ", "))
	}
}

// WebSearchKeywords is the fixed eleven-phrase keyword set from spec.md
// §4.4, combined with the suppression list that prevents "research" from
// matching "search" and "current directory/file/function" from matching
// the web-search "current" family.
var WebSearchKeywords = []string{
	"search the web", "web search", "search online", "look up online",
	"search for", "find information about", "latest news",
	"current events", "google", "search the internet", "browse the web",
}

var WebSearchNegatives = []string{
	"research", "re-search", "current directory", "current file", "current function",
}

// WebFetchKeywords recognizes explicit fetch/download/scrape verbs; the
// presence of an http(s) URL is checked separately by the caller via
// urlPattern-equivalent detection in servertools.
var WebFetchKeywords = []string{"fetch", "download", "scrape", "get from url"}

// LimiterRegistry provides the per-conversation rate limiting referenced
// in spec.md §4.4 beyond the simple counter: a token-bucket smooths
// injection bursts within a single conversation's window, and a running
// injection count per conversation feeds Inject's MaxInjectionsPerConversation
// cap.
type LimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	counts   map[string]int
}

// Allow reports whether conversationID may receive another injection
// right now, consuming one token if so. r is tolerant of nil (always
// allows) so callers without conversation tracking are unaffected.
func (r *LimiterRegistry) Allow(conversationID string) bool {
	if r == nil || conversationID == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(20*time.Second), 3)
		r.limiters[conversationID] = lim
	}
	return lim.Allow()
}

// NewLimiterRegistry constructs the per-conversation limiter store used
// by the proxy pipeline to pace injections across a long-running
// conversation independently of the per-call MaxInjectionsPerConversation
// counter.
func NewLimiterRegistry() *LimiterRegistry {
	return &LimiterRegistry{limiters: make(map[string]*rate.Limiter), counts: make(map[string]int)}
}

// Count returns the number of injections already recorded for
// conversationID, the currentCount Inject needs to enforce
// config.MaxInjectionsPerConversation. r tolerant of nil (reports 0) so
// callers without conversation tracking are unaffected.
func (r *LimiterRegistry) Count(conversationID string) int {
	if r == nil || conversationID == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[conversationID]
}

// RecordInjection increments conversationID's running injection count
// after Inject reports Modified, so the next call on the same
// conversation sees an accurate currentCount.
func (r *LimiterRegistry) RecordInjection(conversationID string) {
	if r == nil || conversationID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[conversationID]++
}
