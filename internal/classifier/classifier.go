// Package classifier holds the compile-time critical-content pattern
// table and the detection/validation operations run against a system
// prompt by the safe system filter.
package classifier

import (
	"regexp"
	"strings"
)

// Priority is the severity class of a CriticalPattern.
type Priority string

const (
	P0 Priority = "P0"
	P1 Priority = "P1"
	P2 Priority = "P2"
)

// Pattern is a process-lifetime constant describing one thing the
// filter must never silently drop.
type Pattern struct {
	Name         string
	Priority     Priority
	Required     bool
	Regexp       *regexp.Regexp
	Dependencies []string
	Description  string
}

// Match is one detected occurrence of a Pattern in a prompt.
type Match struct {
	Pattern Pattern
	Start   int
	End     int
}

// Warning is a non-fatal finding surfaced by Validate.
type Warning struct {
	Message string
}

// ValidateResult is the outcome of Validate.
type ValidateResult struct {
	IsValid        bool
	MissingRequired []Pattern
	FoundSections   []string
	CoveragePercent float64
	Warnings        []Warning
}

// Table is the full set of patterns used by Detect/Validate. Every
// regex here avoids nested unbounded quantifiers and runs on Go's RE2
// engine, so matching stays linear time on adversarial input (SPEC_FULL
// §9). The patterns are not anchored: each one matches anywhere in the
// prompt.
var Table = []Pattern{
	{
		Name:        "tool-usage-policy",
		Priority:    P0,
		Required:    true,
		Regexp:      regexp.MustCompile(`(?i)tool[ -]?usage policy`),
		Description: "a section describing how tools must be invoked",
	},
	{
		Name:        "function-calls-block",
		Priority:    P0,
		Required:    true,
		Regexp:      regexp.MustCompile(`(?i)<function_calls>`),
		Description: "the literal tool-invocation block marker",
	},
	{
		Name:         "available-tools",
		Priority:     P0,
		Required:     true,
		Regexp:       regexp.MustCompile(`(?i)available tools`),
		Dependencies: []string{"tool-usage-policy"},
		Description:  "a list of the tools the model may call",
	},
	{
		Name:        "important-marker",
		Priority:    P1,
		Required:    false,
		Regexp:      regexp.MustCompile(`IMPORTANT`),
		Description: "an explicit IMPORTANT callout",
	},
	{
		Name:        "json-format-near-tool",
		Priority:    P1,
		Required:    false,
		Regexp:      regexp.MustCompile(`(?i)json format`),
		Description: "instruction to emit JSON, typically tied to tool arguments",
	},
	{
		Name:        "core-identity",
		Priority:    P2,
		Required:    false,
		Regexp:      regexp.MustCompile(`(?i)core identity`),
		Description: "the model's identity/persona section",
	},
}

// Detect runs every pattern in Table against prompt and returns every
// match found. It must complete in under 100ms for a 10,000-character
// adversarial input and under 5s for a 100,000-character input; every
// pattern in Table is constructed to match in time linear in len(prompt),
// so Detect's total cost is O(len(Table) * len(prompt)).
//
// Control characters and regex metacharacters in prompt are ordinary
// runes to Go's RE2-backed regexp engine and never cause a panic.
func Detect(prompt string) []Match {
	var matches []Match
	for _, p := range Table {
		locs := p.Regexp.FindAllStringIndex(prompt, -1)
		for _, loc := range locs {
			matches = append(matches, Match{Pattern: p, Start: loc[0], End: loc[1]})
		}
	}
	return matches
}

// Validate reports whether prompt satisfies every required (P0) pattern
// and collects advisory P1 warnings plus dependency violations.
func Validate(prompt string) ValidateResult {
	matches := Detect(prompt)

	present := map[string]bool{}
	for _, m := range matches {
		present[m.Pattern.Name] = true
	}

	var missing []Pattern
	var warnings []Warning
	found := make([]string, 0, len(present))
	for name := range present {
		found = append(found, name)
	}

	for _, p := range Table {
		if p.Required && !present[p.Name] {
			missing = append(missing, p)
		}
		if p.Priority == P1 && !present[p.Name] {
			warnings = append(warnings, Warning{Message: "missing recommended pattern: " + p.Name})
		}
		if present[p.Name] {
			for _, dep := range p.Dependencies {
				if !present[dep] {
					warnings = append(warnings, Warning{Message: p.Name + " matched without its dependency " + dep})
				}
			}
		}
	}

	coverage := 0.0
	if len(Table) > 0 {
		coverage = 100.0 * float64(len(present)) / float64(len(Table))
	}

	return ValidateResult{
		IsValid:         len(missing) == 0,
		MissingRequired: missing,
		FoundSections:   found,
		CoveragePercent: coverage,
		Warnings:        warnings,
	}
}

// SanitizeForDetection strips NUL bytes and other control characters so
// that null-byte or control-character injection in untrusted prompts is
// treated as literal text rather than tripping any downstream consumer
// that chokes on raw control bytes. Detect and Validate already operate
// safely on raw input; this helper exists for callers (e.g. the section
// parser) that want a defanged copy to log or echo back.
func SanitizeForDetection(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == 0 || (r < 0x20 && r != '\n' && r != '\t') {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
