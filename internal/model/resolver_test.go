package model

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opencode-tools/antigravity-broker/internal/constant"
)

func TestResolveAliases(t *testing.T) {
	resolved := Resolve("gemini-3-pro-high")
	assert.Equal(t, "gemini-3-pro", resolved.ActualModel)
	assert.Equal(t, constant.FamilyGemini, resolved.Family)
	assert.True(t, resolved.IsThinking)
	assert.Equal(t, "high", resolved.ThinkingLevel)
	assert.Zero(t, resolved.ThinkingBudget)

	resolved = Resolve("claude-sonnet-4-5-thinking-medium")
	assert.Equal(t, "claude-sonnet-4-5-thinking", resolved.ActualModel)
	assert.Equal(t, constant.FamilyClaude, resolved.Family)
	assert.True(t, resolved.IsThinking)
	assert.Equal(t, 16384, resolved.ThinkingBudget)
	assert.Empty(t, resolved.ThinkingLevel)
}

func TestResolveSuffixBudgets(t *testing.T) {
	cases := []struct {
		requested string
		actual    string
		budget    int
	}{
		{"claude-sonnet-4-5-thinking-low", "claude-sonnet-4-5-thinking", 8192},
		{"claude-sonnet-4-5-thinking-high", "claude-sonnet-4-5-thinking", 32768},
		{"gemini-2.5-pro-medium", "gemini-2.5-pro", 16384},
		{"gemini-2.5-flash-low", "gemini-2.5-flash", 6144},
		{"gemini-2.5-flash-high", "gemini-2.5-flash", 24576},
		{"some-unknown-model-medium", "some-unknown-model", 8192},
	}
	for _, tc := range cases {
		resolved := Resolve(tc.requested)
		assert.Equal(t, tc.actual, resolved.ActualModel, tc.requested)
		assert.Equal(t, tc.budget, resolved.ThinkingBudget, tc.requested)
	}
}

func TestResolveBareModels(t *testing.T) {
	resolved := Resolve("gemini-2.5-flash")
	assert.Equal(t, "gemini-2.5-flash", resolved.ActualModel)
	assert.False(t, resolved.IsThinking)
	assert.Zero(t, resolved.ThinkingBudget)
	assert.Empty(t, resolved.ThinkingLevel)

	resolved = Resolve("claude-opus-4-5")
	assert.Equal(t, "claude-opus-4-5", resolved.ActualModel)
	assert.True(t, resolved.IsThinking)
}

func TestResolveIsIdempotent(t *testing.T) {
	for _, name := range Catalog() {
		first := Resolve(name)
		second := Resolve(first.ActualModel)
		assert.Equal(t, first.ActualModel, second.ActualModel, name)
		assert.Equal(t, first.Family, second.Family, name)
		assert.Equal(t, first.IsThinking, second.IsThinking, name)
	}
}

func TestResolveNormalizesCaseAndSpace(t *testing.T) {
	resolved := Resolve("  Gemini-3-Pro-High ")
	assert.Equal(t, "gemini-3-pro", resolved.ActualModel)
	assert.Equal(t, "high", resolved.ThinkingLevel)
}

func TestCatalogContainsAliasesAndBaseModels(t *testing.T) {
	catalog := Catalog()
	assert.Contains(t, catalog, "gemini-3-pro-low")
	assert.Contains(t, catalog, "claude-sonnet-4-5-thinking-high")
	assert.Contains(t, catalog, "gemini-2.5-pro")
	assert.IsIncreasing(t, catalog)
}
