// Package recovery repairs conversations the host has aborted after an
// unrecoverable-looking model error. Only three error classes are actually
// recoverable; everything else is left alone.
package recovery

import "strings"

// Kind is the classified error category.
type Kind int

const (
	// KindNone marks errors recovery does not handle.
	KindNone Kind = iota

	// KindToolLoop is a host abort mid tool loop, leaving tool_use blocks
	// without results.
	KindToolLoop

	// KindThinkingOrder is the upstream's thinking-block ordering rejection.
	KindThinkingOrder

	// KindThinkingDisabled is thinking content sent to a non-thinking model.
	KindThinkingDisabled
)

// orderPhrases identify the thinking-ordering rejection. "preceeding" is the
// upstream's own spelling.
var orderPhrases = []string{
	"first block",
	"must start with",
	"preceeding",
	"expected `thinking` or `redacted_thinking`, but found",
}

// Classify maps a host error message onto a recovery kind.
func Classify(message string) Kind {
	lower := strings.ToLower(message)

	if strings.Contains(lower, "tool_use") && strings.Contains(lower, "tool_result") {
		return KindToolLoop
	}
	if strings.Contains(lower, "thinking is disabled") && strings.Contains(lower, "cannot contain") {
		return KindThinkingDisabled
	}
	if strings.Contains(lower, "thinking") {
		for _, phrase := range orderPhrases {
			if strings.Contains(lower, phrase) {
				return KindThinkingOrder
			}
		}
	}
	return KindNone
}
