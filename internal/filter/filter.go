// Package filter implements the four-tier adaptive system-prompt
// reduction pipeline: estimate, parse, reduce, reconstruct, deduplicate,
// validate, and fall back one tier at a time until validation passes or
// MINIMAL is reached.
package filter

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/sparkmesh/clusterproxy/internal/classifier"
	"github.com/sparkmesh/clusterproxy/internal/section"
)

// Tier is the requested (or currently-applied) reduction tier.
type Tier int

const (
	Minimal Tier = iota
	Moderate
	Aggressive
	Extreme
)

func (t Tier) String() string {
	switch t {
	case Minimal:
		return "MINIMAL"
	case Moderate:
		return "MODERATE"
	case Aggressive:
		return "AGGRESSIVE"
	case Extreme:
		return "EXTREME"
	default:
		return "UNKNOWN"
	}
}

// Options configures a single filter call.
type Options struct {
	Tier             Tier
	PreserveExamples bool
	MaxTokens        *int
}

// Stats carries the token-reduction measurements for a FilterResult.
type Stats struct {
	OriginalTokens    int
	FilteredTokens    int
	ReductionPercent  float64
	ProcessingTimeMs  float64
}

// Validation mirrors classifier.ValidateResult at the filter's public
// boundary.
type Validation struct {
	IsValid         bool
	MissingRequired []classifier.Pattern
}

// Result is the outcome of Run.
type Result struct {
	FilteredPrompt   string
	Stats            Stats
	Validation       Validation
	PreservedSections []string
	RemovedSections   []string
	AppliedTier       Tier
	FallbackOccurred  bool
}

// EstimateTokens approximates token count at ~4 characters per token,
// matching spec.md §4.3's stated ratio.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Run executes the filter pipeline described in spec.md §4.3. It never
// panics on empty, whitespace-only, or pattern-free input: such input is
// returned unchanged with validation reporting whatever patterns are
// missing.
func Run(prompt string, opts Options) Result {
	start := time.Now()

	if strings.TrimSpace(prompt) == "" {
		v := classifier.Validate(prompt)
		return Result{
			FilteredPrompt: prompt,
			Stats: Stats{
				OriginalTokens:   EstimateTokens(prompt),
				FilteredTokens:   EstimateTokens(prompt),
				ReductionPercent: 0,
				ProcessingTimeMs: elapsedMs(start),
			},
			Validation:  Validation{IsValid: v.IsValid, MissingRequired: v.MissingRequired},
			AppliedTier: opts.Tier,
		}
	}

	originalTokens := EstimateTokens(prompt)
	tier := opts.Tier
	fallbackOccurred := false

	for {
		sections := section.Parse(prompt)
		kept, preservedIDs, removedIDs := applyTier(sections, tier, opts.PreserveExamples)
		if tier == Moderate && !opts.PreserveExamples {
			kept = condenseTier3Examples(kept)
		}
		kept = deduplicate(kept)

		if opts.MaxTokens != nil {
			kept, preservedIDs, removedIDs = enforceMaxTokens(kept, preservedIDs, removedIDs, *opts.MaxTokens)
		}

		reconstructed := section.Reconstruct(kept)
		v := classifier.Validate(reconstructed)

		if v.IsValid || tier == Minimal {
			filteredTokens := EstimateTokens(reconstructed)
			reduction := 0.0
			if originalTokens > 0 {
				reduction = 100.0 * (1.0 - float64(filteredTokens)/float64(originalTokens))
			}
			return Result{
				FilteredPrompt: reconstructed,
				Stats: Stats{
					OriginalTokens:   originalTokens,
					FilteredTokens:   filteredTokens,
					ReductionPercent: reduction,
					ProcessingTimeMs: elapsedMs(start),
				},
				Validation:        Validation{IsValid: v.IsValid, MissingRequired: v.MissingRequired},
				PreservedSections: preservedIDs,
				RemovedSections:   removedIDs,
				AppliedTier:       tier,
				FallbackOccurred:  fallbackOccurred,
			}
		}

		tier = tier - 1
		fallbackOccurred = true
	}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// applyTier returns the sections retained for tier along with their ids
// split into preserved/removed.
func applyTier(sections []section.Section, tier Tier, preserveExamples bool) (kept []section.Section, preserved, removed []string) {
	for _, s := range sections {
		keep := sectionSurvivesTier(s, tier, preserveExamples)
		if keep {
			kept = append(kept, s)
			preserved = append(preserved, s.ID)
		} else {
			removed = append(removed, s.ID)
		}
	}
	return kept, preserved, removed
}

func sectionSurvivesTier(s section.Section, tier Tier, preserveExamples bool) bool {
	if s.ContainsCritical {
		return true
	}
	switch tier {
	case Minimal:
		return true
	case Moderate:
		if s.Tier == section.Tier3 && isExampleSection(s) && !preserveExamples {
			return true // condensed, not dropped; condensation happens in condenseTier3Examples()
		}
		return true
	case Aggressive:
		if s.Tier == section.Tier3 {
			return false
		}
		return true
	case Extreme:
		return s.Tier == section.Tier0
	default:
		return true
	}
}

func isExampleSection(s section.Section) bool {
	h := strings.ToLower(s.Header)
	return strings.Contains(h, "example")
}

// condenseTier3Examples shortens tier-3 example sections for MODERATE,
// truncating the body to its first paragraph and noting the elision.
func condenseTier3Examples(sections []section.Section) []section.Section {
	out := make([]section.Section, len(sections))
	copy(out, sections)
	for i, s := range out {
		if s.Tier == section.Tier3 && isExampleSection(s) {
			paras := strings.SplitN(s.Content, "\n\n", 2)
			if len(paras) > 1 {
				out[i].Content = paras[0] + "\n\n_[condensed]_"
			}
		}
	}
	return out
}

func deduplicate(sections []section.Section) []section.Section {
	seen := map[string]bool{}
	out := make([]section.Section, 0, len(sections))
	for _, s := range sections {
		key := normalizeForDedup(s.Content)
		if key != "" && seen[key] {
			continue
		}
		if key != "" {
			seen[key] = true
		}
		out = append(out, s)
	}
	return out
}

func normalizeForDedup(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// enforceMaxTokens repeatedly drops the lowest-priority remaining
// section (tier 3 first, then tier 2, ...) until the reconstructed
// prompt fits within maxTokens, never dropping a P0-critical section.
func enforceMaxTokens(sections []section.Section, preserved, removed []string, maxTokens int) ([]section.Section, []string, []string) {
	current := sections
	for EstimateTokens(section.Reconstruct(current)) > maxTokens {
		idx := lowestPriorityDroppable(current)
		if idx == -1 {
			break
		}
		removed = append(removed, current[idx].ID)
		preserved = removeFromSlice(preserved, current[idx].ID)
		current = append(current[:idx], current[idx+1:]...)
	}
	return current, preserved, removed
}

func lowestPriorityDroppable(sections []section.Section) int {
	worst := -1
	for i, s := range sections {
		if s.ContainsCritical {
			continue
		}
		if worst == -1 || sections[i].Tier > sections[worst].Tier {
			worst = i
		}
	}
	return worst
}

func removeFromSlice(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Fingerprint returns a stable hash over s, used by RoutingContext to
// build the system-prompt fingerprint (spec.md §3).
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
