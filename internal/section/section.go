// Package section splits a markdown system prompt into ordered sections
// for the safe system filter, classifying each by tier and flagging
// sections that contain critical tool-calling content.
package section

import (
	"regexp"
	"strings"
)

// Tier is the priority class assigned to a section by its normalized
// header text. Lower tiers are preserved more aggressively by the
// filter.
type Tier int

const (
	Tier0 Tier = iota // tool-related
	Tier1             // identity / behaviour
	Tier2             // workflow
	Tier3             // everything else
)

// Section is an ordered slice of a markdown prompt produced by Parse.
type Section struct {
	ID               string
	Header           string
	Content          string
	StartLine        int
	EndLine          int
	Tier             Tier
	ContainsCritical bool
}

const preambleID = "_preamble"

var headerLine = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)

var idStrip = regexp.MustCompile(`[^a-z0-9\s-]`)
var idSpaces = regexp.MustCompile(`\s+`)

// Parse splits prompt into an ordered list of Section. Text before the
// first header becomes a synthetic "_preamble" section so that
// reconstruction is always total (see SPEC_FULL.md open question D.1).
func Parse(prompt string) []Section {
	lines := strings.Split(prompt, "\n")

	type rawHeader struct {
		line  int
		level int
		text  string
	}

	var headers []rawHeader
	inFence := false
	fenceMarker := ""

	for i, ln := range lines {
		trimmed := strings.TrimLeft(ln, " \t")
		if fm := fenceDelimiter(trimmed); fm != "" {
			if !inFence {
				inFence = true
				fenceMarker = fm
			} else if trimmed == fenceMarker || strings.HasPrefix(trimmed, fenceMarker) {
				inFence = false
				fenceMarker = ""
			}
			continue
		}
		if inFence {
			continue
		}
		if isInlineCodeOnly(trimmed) {
			continue
		}
		if m := headerLine.FindStringSubmatch(trimmed); m != nil {
			headers = append(headers, rawHeader{line: i, level: len(m[1]), text: strings.TrimSpace(m[2])})
		}
	}

	var out []Section
	if len(headers) == 0 {
		content := strings.Join(lines, "\n")
		return []Section{buildSection(preambleID, "", content, 0, maxInt(len(lines)-1, 0))}
	}

	if headers[0].line > 0 {
		preContent := strings.Join(lines[0:headers[0].line], "\n")
		out = append(out, buildSection(preambleID, "", preContent, 0, headers[0].line-1))
	}

	for hi, h := range headers {
		endLine := len(lines) - 1
		for nj := hi + 1; nj < len(headers); nj++ {
			if headers[nj].level <= h.level {
				endLine = headers[nj].line - 1
				break
			}
		}
		contentStart := h.line + 1
		var content string
		if contentStart > endLine {
			content = ""
		} else {
			content = strings.Join(lines[contentStart:endLine+1], "\n")
		}
		id := makeID(h.text)
		header := strings.Repeat("#", h.level) + " " + h.text
		out = append(out, buildSection(id, header, content, h.line, maxInt(endLine, h.line)))
	}

	return out
}

// buildSection trims the trailing blank line(s) a section's content
// range picks up from the header/content separator before the next
// section (Parse's endLine lands on that separator, not on the last
// line of actual content). Reconstruct always re-adds exactly one
// blank line between parts, so leaving the separator's blank lines in
// Content would double them up on every round trip.
func buildSection(id, header, content string, start, end int) Section {
	content = strings.TrimRight(content, "\n")
	s := Section{
		ID:        id,
		Header:    header,
		Content:   content,
		StartLine: start,
		EndLine:   end,
	}
	s.Tier = classifyTier(header)
	s.ContainsCritical = looksCritical(content)
	return s
}

func fenceDelimiter(line string) string {
	if strings.HasPrefix(line, "```") {
		return "```"
	}
	if strings.HasPrefix(line, "~~~") {
		return "~~~"
	}
	return ""
}

// isInlineCodeOnly reports whether the entire visible line content is
// wrapped in a single pair of backticks, which would otherwise be
// misread as a header if it happened to start with '#'.
func isInlineCodeOnly(line string) bool {
	return strings.HasPrefix(line, "`") && strings.HasSuffix(line, "`") && len(line) > 1 && !strings.HasPrefix(line, "```")
}

func makeID(header string) string {
	h := strings.ToLower(header)
	h = idStrip.ReplaceAllString(h, "")
	h = idSpaces.ReplaceAllString(h, "-")
	h = strings.Trim(h, "-")
	return h
}

var tier0Markers = []string{"tool usage", "available tools", "function calling", "tool schema", "tool use", "tools"}
var tier1Markers = []string{"core identity", "identity", "tone", "doing tasks", "task management", "behaviour", "behavior"}
var tier2Markers = []string{"planning", "git workflow", "workflow", "asking questions"}

func classifyTier(header string) Tier {
	norm := strings.ToLower(strings.TrimLeft(header, "# \t"))
	for _, m := range tier0Markers {
		if strings.Contains(norm, m) {
			return Tier0
		}
	}
	for _, m := range tier1Markers {
		if strings.Contains(norm, m) {
			return Tier1
		}
	}
	for _, m := range tier2Markers {
		if strings.Contains(norm, m) {
			return Tier2
		}
	}
	return Tier3
}

var functionCallsBlock = regexp.MustCompile(`(?i)<function_calls>`)
var jsonFormatNearTool = regexp.MustCompile(`(?i)json format`)
var toolWord = regexp.MustCompile(`(?i)\btool\b`)

// looksCritical is a cheap pre-check used while building a section;
// the authoritative signal comes from classifier.Detect, which a
// filter pass also runs against the whole prompt.
func looksCritical(content string) bool {
	if strings.Contains(content, "IMPORTANT") {
		return true
	}
	if functionCallsBlock.MatchString(content) {
		return true
	}
	if jsonFormatNearTool.MatchString(content) && toolWord.MatchString(content) {
		return true
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Reconstruct rejoins sections in order, reproducing the original
// modulo trailing whitespace per spec.md §4.1's round-trip invariant.
func Reconstruct(sections []Section) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		if s.ID == preambleID && s.Header == "" {
			if s.Content == "" {
				continue
			}
			parts = append(parts, s.Content)
			continue
		}
		if s.Content == "" {
			parts = append(parts, s.Header)
			continue
		}
		parts = append(parts, s.Header+"\n"+s.Content)
	}
	return strings.Join(parts, "\n\n")
}

// IsPreamble reports whether s is the synthetic pre-first-header section.
func IsPreamble(s Section) bool {
	return s.ID == preambleID && s.Header == ""
}
