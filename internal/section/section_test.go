package section

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_PreambleBeforeFirstHeader(t *testing.T) {
	prompt := "some intro text\n\n# Core Identity\nbody"
	sections := Parse(prompt)
	require.Len(t, sections, 2)
	assert.True(t, IsPreamble(sections[0]))
	assert.Contains(t, sections[0].Content, "intro text")
	assert.Equal(t, Tier1, sections[1].Tier)
}

func TestParse_NoHeadersYieldsSinglePreamble(t *testing.T) {
	sections := Parse("just plain text\nwith no headers at all")
	require.Len(t, sections, 1)
	assert.True(t, IsPreamble(sections[0]))
}

func TestParse_NestedHeadersScopeContentCorrectly(t *testing.T) {
	prompt := "# Tool Usage Policy\nintro\n## Available Tools\nlist here\n# Core Identity\nidentity text"
	sections := Parse(prompt)
	require.Len(t, sections, 3)
	assert.Equal(t, Tier0, sections[0].Tier)
	assert.Contains(t, sections[0].Content, "intro")
	assert.Equal(t, Tier0, sections[1].Tier) // "available tools" marker
	assert.Contains(t, sections[1].Content, "list here")
	assert.Equal(t, Tier1, sections[2].Tier)
}

func TestParse_IgnoresHeadersInsideFencedCodeBlocks(t *testing.T) {
	prompt := "# Core Identity\nbody\n```\n# not a header\n```\nmore body"
	sections := Parse(prompt)
	require.Len(t, sections, 1)
	assert.Contains(t, sections[0].Content, "# not a header")
}

func TestParse_ContainsCriticalFlagsToolBlocks(t *testing.T) {
	prompt := "# Workflow\nPlease use <function_calls> to invoke a tool."
	sections := Parse(prompt)
	require.Len(t, sections, 1)
	assert.True(t, sections[0].ContainsCritical)
}

func TestReconstruct_RoundTripsSimplePrompt(t *testing.T) {
	prompt := "# Core Identity\nyou are an assistant\n\n# Workflow\ndo things in order"
	sections := Parse(prompt)
	assert.Equal(t, prompt, Reconstruct(sections))
}

func TestMakeID_DuplicateHeadersPermitted(t *testing.T) {
	prompt := "# Notes\nfirst\n# Notes\nsecond"
	sections := Parse(prompt)
	require.Len(t, sections, 2)
	assert.Equal(t, sections[0].ID, sections[1].ID, "duplicate header ids are permitted per the filter's design")
}
