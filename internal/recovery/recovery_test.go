package recovery

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/signature"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		message string
		kind    Kind
	}{
		{"messages.2: `tool_use` ids were found without `tool_result` blocks immediately after", KindToolLoop},
		{"Expected `thinking` or `redacted_thinking`, but found `text`. The first block must be thinking", KindThinkingOrder},
		{"messages.1.content: the thinking block must have a preceeding turn", KindThinkingOrder},
		{"Thinking is disabled for this model, messages cannot contain thinking blocks", KindThinkingDisabled},
		{"rate limit exceeded", KindNone},
		{"", KindNone},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, Classify(tc.message), tc.message)
	}
}

func recoveryConfig() *config.Config {
	cfg := &config.Config{
		SessionRecovery: true,
		AutoResume:      true,
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestHookClosesToolLoop(t *testing.T) {
	hook := NewHook(recoveryConfig(), nil, nil)

	result, err := hook.Handle(&Event{
		SessionID: "s1",
		Error:     "`tool_use` ids were found without `tool_result` blocks",
		Parts: []byte(`[
			{"type":"text","text":"calling"},
			{"type":"tool_use","id":"call-1","name":"read_file","input":{}},
			{"type":"tool_use","id":"call-2","name":"read_file","input":{}},
			{"type":"tool_result","tool_use_id":"call-2","content":"ok"}
		]`),
	})
	require.NoError(t, err)

	assert.True(t, result.Recoverable)
	assert.Equal(t, "tool-loop", result.Kind)
	assert.True(t, result.AutoResume)
	assert.Equal(t, "continue", result.ResumeText)

	repaired := gjson.ParseBytes(result.RepairedParts).Array()
	require.Len(t, repaired, 5)
	appended := repaired[4]
	assert.Equal(t, "tool_result", appended.Get("type").String())
	assert.Equal(t, "call-1", appended.Get("tool_use_id").String())
	assert.Equal(t, "Operation cancelled or missing", appended.Get("content").String())
}

func TestHookPrependsCachedThinkingOnOrderError(t *testing.T) {
	cfg := recoveryConfig()
	sig := strings.Repeat("s", 64)
	cache := signature.NewCache(filepath.Join(t.TempDir(), "sig.json"), cfg)
	cache.StoreLast("uuid:claude-sonnet-4-5-thinking:proj:s1", "earlier thoughts", sig)

	hook := NewHook(cfg, nil, cache)
	result, err := hook.Handle(&Event{
		SessionID: "s1",
		Error:     "Expected `thinking` or `redacted_thinking`, but found `text`",
		Parts: []byte(`[
			{"type":"thinking","thinking":"unsigned"},
			{"type":"text","text":"hello"}
		]`),
	})
	require.NoError(t, err)

	assert.Equal(t, "thinking-order", result.Kind)
	repaired := gjson.ParseBytes(result.RepairedParts).Array()
	require.Len(t, repaired, 2)
	assert.Equal(t, "thinking", repaired[0].Get("type").String())
	assert.Equal(t, "earlier thoughts", repaired[0].Get("thinking").String())
	assert.Equal(t, sig, repaired[0].Get("signature").String())
	assert.Equal(t, "text", repaired[1].Get("type").String())
}

func TestHookStripsThinkingWithoutCachedEntry(t *testing.T) {
	hook := NewHook(recoveryConfig(), nil, nil)

	result, err := hook.Handle(&Event{
		SessionID: "s1",
		Error:     "Expected `thinking` or `redacted_thinking`, but found `text`",
		Parts: []byte(`[
			{"type":"thinking","thinking":"hmm"},
			{"type":"redacted_thinking","data":"xxx"},
			{"type":"text","text":"hello"}
		]`),
	})
	require.NoError(t, err)

	assert.Equal(t, "thinking-order", result.Kind)
	repaired := gjson.ParseBytes(result.RepairedParts).Array()
	require.Len(t, repaired, 1)
	assert.Equal(t, "text", repaired[0].Get("type").String())
}

func TestHookIgnoresUnrecoverableErrors(t *testing.T) {
	hook := NewHook(recoveryConfig(), nil, nil)

	result, err := hook.Handle(&Event{SessionID: "s1", Error: "quota exceeded"})
	require.NoError(t, err)
	assert.False(t, result.Recoverable)
}

func TestHookDisabledByConfig(t *testing.T) {
	cfg := recoveryConfig()
	cfg.SessionRecovery = false
	hook := NewHook(cfg, nil, nil)

	result, err := hook.Handle(&Event{
		SessionID: "s1",
		Error:     "`tool_use` without `tool_result`",
		Parts:     []byte(`[{"type":"tool_use","id":"call-1","name":"f","input":{}}]`),
	})
	require.NoError(t, err)
	assert.False(t, result.Recoverable)
}

func TestHookFallsBackToStoredParts(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	defer store.Close()

	hook := NewHook(recoveryConfig(), store, nil)
	hook.RecordParts("s1", "m1", []byte(`[{"type":"tool_use","id":"call-1","name":"f","input":{}}]`))

	result, errHandle := hook.Handle(&Event{
		SessionID: "s1",
		MessageID: "m1",
		Error:     "`tool_use` ids were found without `tool_result` blocks",
	})
	require.NoError(t, errHandle)
	assert.True(t, result.Recoverable)

	repaired := gjson.ParseBytes(result.RepairedParts).Array()
	require.Len(t, repaired, 2)
	assert.Equal(t, "tool_result", repaired[1].Get("type").String())
}

func TestHookErrorsWithoutParts(t *testing.T) {
	hook := NewHook(recoveryConfig(), nil, nil)

	_, err := hook.Handle(&Event{
		SessionID: "s1",
		Error:     "`tool_use` ids were found without `tool_result` blocks",
	})
	assert.Error(t, err)
}

func TestStoreLastMessageFallback(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	defer store.Close()

	store.SaveParts("s1", "m1", []byte(`["first"]`))
	store.SaveParts("s1", "", []byte(`["latest"]`))

	assert.Equal(t, `["first"]`, string(store.Parts("s1", "m1")))
	assert.Equal(t, `["latest"]`, string(store.Parts("s1", "unknown-id")))
	assert.Equal(t, `["latest"]`, string(store.Parts("s1", "")))
	assert.Nil(t, store.Parts("s2", ""))
}
