package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/opencode-tools/antigravity-broker/internal/account"
	"github.com/opencode-tools/antigravity-broker/internal/auth"
	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/dispatch"
	"github.com/opencode-tools/antigravity-broker/internal/project"
	"github.com/opencode-tools/antigravity-broker/internal/recovery"
	"github.com/opencode-tools/antigravity-broker/internal/signature"
	"github.com/opencode-tools/antigravity-broker/internal/transform"
)

func newTestServer(t *testing.T) (*Server, *recovery.Store) {
	t.Helper()
	cfg := &config.Config{
		SessionRecovery: true,
		AutoResume:      true,
	}
	cfg.ApplyDefaults()

	store := auth.NewStore(t.TempDir(), "accounts.json")
	manager := account.NewManager(store, auth.NewRefresher(nil), cfg, nil)
	require.NoError(t, manager.Load())

	recoveryStore, err := recovery.OpenStore(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = recoveryStore.Close() })

	cache := signature.NewCache(filepath.Join(t.TempDir(), "cache.json"), cfg)
	hook := recovery.NewHook(cfg, recoveryStore, cache)
	transformer := transform.NewTransformer(cfg, cache, "api-test-uuid")
	responses := transform.NewResponseTransformer(cfg, cache)
	resolver := project.NewResolver(http.DefaultClient, "", nil)
	dispatcher := dispatch.NewDispatcher(cfg, manager, resolver, transformer, responses, http.DefaultClient)

	return NewServer(cfg, dispatcher, hook, manager, nil, cache), recoveryStore
}

func TestModelsEndpointListsCatalog(t *testing.T) {
	server, _ := newTestServer(t)

	w := httptest.NewRecorder()
	server.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1beta/models", nil))

	require.Equal(t, http.StatusOK, w.Code)
	models := gjson.Parse(w.Body.String()).Get("models").Array()
	require.NotEmpty(t, models)

	var names []string
	for _, m := range models {
		names = append(names, m.Get("name").String())
	}
	assert.Contains(t, names, "models/gemini-3-pro")
	assert.Contains(t, names, "models/claude-sonnet-4-5-thinking-high")
	assert.Equal(t, "streamGenerateContent", models[0].Get("supportedGenerationMethods.1").String())
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	w := httptest.NewRecorder()
	server.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	root := gjson.Parse(w.Body.String())
	assert.Equal(t, "ok", root.Get("status").String())
	assert.Equal(t, int64(0), root.Get("accounts").Int())
	assert.True(t, root.Get("availability.claude").Exists())
	assert.True(t, root.Get("availability.gemini").Exists())
	assert.True(t, root.Get("signatureCache").Exists())
}

func TestRecoveryEndpointRepairsToolLoop(t *testing.T) {
	server, _ := newTestServer(t)

	event := `{
		"sessionId":"s1",
		"error":"` + "`tool_use`" + ` ids were found without ` + "`tool_result`" + ` blocks",
		"parts":[{"type":"tool_use","id":"call-1","name":"read_file","input":{}}]
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/recovery", strings.NewReader(event))
	req.Header.Set("Content-Type", "application/json")
	server.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	root := gjson.Parse(w.Body.String())
	assert.True(t, root.Get("recoverable").Bool())
	assert.Equal(t, "tool-loop", root.Get("kind").String())
	assert.True(t, root.Get("autoResume").Bool())

	repaired := root.Get("repairedParts").Array()
	require.Len(t, repaired, 2)
	assert.Equal(t, "call-1", repaired[1].Get("tool_use_id").String())
}

func TestRecoveryEndpointRejectsMalformedJSON(t *testing.T) {
	server, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/recovery", strings.NewReader("{nope"))
	req.Header.Set("Content-Type", "application/json")
	server.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecoveryEndpointWithoutPartsIsUnprocessable(t *testing.T) {
	server, _ := newTestServer(t)

	event := `{"sessionId":"s-unknown","error":"` + "`tool_use` without `tool_result`" + `"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/recovery", strings.NewReader(event))
	req.Header.Set("Content-Type", "application/json")
	server.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRecordForRecoveryKeepsLastMessageParts(t *testing.T) {
	server, store := newTestServer(t)

	server.recordForRecovery([]byte(`{
		"sessionId":"host-session",
		"messages":[
			{"role":"user","content":[{"type":"text","text":"go"}]},
			{"role":"assistant","content":[{"type":"tool_use","id":"call-9","name":"f","input":{}}]}
		]
	}`))

	parts := store.Parts("host-session", "")
	require.NotEmpty(t, parts)
	assert.Equal(t, "call-9", gjson.GetBytes(parts, "0.id").String())
}

func TestRecordForRecoveryIgnoresAnonymousConversations(t *testing.T) {
	server, store := newTestServer(t)

	server.recordForRecovery([]byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"go"}]}]}`))
	assert.Empty(t, store.Parts("", ""))
}
