// Package model parses requested model names into an actual upstream model
// plus thinking configuration. Host-facing names may carry a -low/-medium/
// -high tier suffix that maps onto a family-specific thinking budget.
package model

import (
	"sort"
	"strings"

	"github.com/opencode-tools/antigravity-broker/internal/constant"
)

// Resolved is the outcome of model resolution.
type Resolved struct {
	// Requested is the name as the host sent it.
	Requested string

	// ActualModel is the upstream model name with any tier suffix stripped.
	ActualModel string

	// Family is the model family of ActualModel.
	Family constant.ModelFamily

	// IsThinking reports whether the model emits thinking blocks.
	IsThinking bool

	// ThinkingBudget is the numeric token budget, zero when no tier applies.
	ThinkingBudget int

	// ThinkingLevel is the tier word for models configured by level rather
	// than budget (gemini-3).
	ThinkingLevel string
}

// tier maps a suffix onto the per-family budget column.
type tier int

const (
	tierNone tier = iota
	tierLow
	tierMedium
	tierHigh
)

// budgets columns are low, medium, high.
var budgets = map[string][3]int{
	"claude":           {8192, 16384, 32768},
	"gemini-2.5-pro":   {8192, 16384, 32768},
	"gemini-2.5-flash": {6144, 12288, 24576},
}

var defaultBudgets = [3]int{4096, 8192, 16384}

// aliases maps exact host-facing names to their resolution, ahead of the
// generic suffix parsing.
var aliases = map[string]struct {
	actual string
	level  tier
}{
	"gemini-3-pro-high":                 {"gemini-3-pro", tierHigh},
	"gemini-3-pro-low":                  {"gemini-3-pro", tierLow},
	"claude-sonnet-4-5-thinking-low":    {"claude-sonnet-4-5-thinking", tierLow},
	"claude-sonnet-4-5-thinking-medium": {"claude-sonnet-4-5-thinking", tierMedium},
	"claude-sonnet-4-5-thinking-high":   {"claude-sonnet-4-5-thinking", tierHigh},
}

// baseModels are the upstream models served without an alias.
var baseModels = []string{
	"gemini-3-pro",
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"claude-sonnet-4-5",
	"claude-sonnet-4-5-thinking",
	"claude-opus-4-5",
}

// Catalog lists every host-facing model name, sorted.
func Catalog() []string {
	names := make([]string, 0, len(baseModels)+len(aliases))
	names = append(names, baseModels...)
	for alias := range aliases {
		names = append(names, alias)
	}
	sort.Strings(names)
	return names
}

// Resolve parses a requested model name. Resolving an already-resolved
// ActualModel returns the same result.
func Resolve(requested string) Resolved {
	name := strings.ToLower(strings.TrimSpace(requested))

	actual := name
	level := tierNone
	if alias, ok := aliases[name]; ok {
		actual = alias.actual
		level = alias.level
	} else {
		actual, level = stripTierSuffix(name)
	}

	resolved := Resolved{
		Requested:   requested,
		ActualModel: actual,
		Family:      constant.FamilyForModel(actual),
		IsThinking:  isThinkingModel(actual),
	}
	if level != tierNone {
		if isGemini3(actual) {
			resolved.ThinkingLevel = levelWord(level)
		} else {
			resolved.ThinkingBudget = budgetFor(actual, level)
		}
	}
	return resolved
}

func stripTierSuffix(name string) (string, tier) {
	for suffix, level := range map[string]tier{
		"-low":    tierLow,
		"-medium": tierMedium,
		"-high":   tierHigh,
	} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), level
		}
	}
	return name, tierNone
}

// isThinkingModel is true iff the name contains thinking, gemini-3, or opus.
func isThinkingModel(name string) bool {
	return strings.Contains(name, "thinking") ||
		strings.Contains(name, "gemini-3") ||
		strings.Contains(name, "opus")
}

func isGemini3(name string) bool {
	return strings.Contains(name, "gemini-3")
}

func budgetFor(name string, level tier) int {
	column := int(level) - 1
	for prefix, table := range budgets {
		if strings.Contains(name, prefix) {
			return table[column]
		}
	}
	return defaultBudgets[column]
}

func levelWord(level tier) string {
	switch level {
	case tierLow:
		return "low"
	case tierMedium:
		return "medium"
	case tierHigh:
		return "high"
	}
	return ""
}
