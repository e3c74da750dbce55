package transform

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/constant"
	"github.com/opencode-tools/antigravity-broker/internal/signature"
)

const testSessionUUID = "11111111-2222-3333-4444-555555555555"

func newTestTransformer(t *testing.T) *Transformer {
	t.Helper()
	cfg := &config.Config{
		KeepThinking:        true,
		ToolIDRecovery:      true,
		ClaudeToolHardening: true,
	}
	cfg.ApplyDefaults()
	cache := signature.NewCache(filepath.Join(t.TempDir(), "cache.json"), cfg)
	return NewTransformer(cfg, cache, testSessionUUID)
}

func TestParseModelAction(t *testing.T) {
	modelName, action, err := ParseModelAction("/v1beta/models/gemini-3-pro:streamGenerateContent")
	require.NoError(t, err)
	assert.Equal(t, "gemini-3-pro", modelName)
	assert.Equal(t, "streamGenerateContent", action)

	_, _, err = ParseModelAction("/v1beta/operations/123")
	assert.Error(t, err)
}

func TestPrepareGeminiHighTier(t *testing.T) {
	transformer := newTestTransformer(t)
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`)

	prepared, err := transformer.Prepare(Input{
		Path:        "/v1beta/models/gemini-3-pro-high:streamGenerateContent",
		Body:        body,
		AccessToken: "tok",
		ProjectID:   "proj",
		Endpoint:    config.EndpointDaily,
		Style:       constant.StyleAntigravity,
	})
	require.NoError(t, err)

	assert.Equal(t, config.EndpointDaily+"/v1internal:streamGenerateContent?alt=sse", prepared.URL)
	assert.True(t, prepared.Stream)

	root := gjson.ParseBytes(prepared.Body)
	assert.Equal(t, "gemini-3-pro", root.Get("model").String())
	assert.Equal(t, "proj", root.Get("project").String())
	assert.Equal(t, "antigravity", root.Get("userAgent").String())
	assert.True(t, strings.HasPrefix(root.Get("requestId").String(), "agent-"))

	thinking := root.Get("request.generationConfig.thinkingConfig")
	assert.Equal(t, "high", thinking.Get("thinkingLevel").String())
	assert.True(t, thinking.Get("includeThoughts").Bool())

	assert.Equal(t, "Bearer tok", prepared.Headers["Authorization"])
	assert.Equal(t, "text/event-stream", prepared.Headers["Accept"])
	assert.Equal(t, "antigravity/1.11.5 windows/amd64", prepared.Headers["User-Agent"])
	assert.NotContains(t, prepared.Headers, "anthropic-beta")

	assert.True(t, strings.HasPrefix(prepared.SessionKey, testSessionUUID+":gemini-3-pro:proj:"))
	assert.Equal(t, prepared.SessionKey, root.Get("request.sessionId").String())
}

func TestPrepareClaudeThinkingMediumTier(t *testing.T) {
	transformer := newTestTransformer(t)
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hello"}]}],"generationConfig":{"maxOutputTokens":1024}}`)

	prepared, err := transformer.Prepare(Input{
		Path:        "/v1beta/models/claude-sonnet-4-5-thinking-medium:generateContent",
		Body:        body,
		AccessToken: "tok",
		ProjectID:   "proj",
		Endpoint:    config.EndpointProd,
		Style:       constant.StyleAntigravity,
	})
	require.NoError(t, err)

	assert.Equal(t, config.EndpointProd+"/v1internal:generateContent", prepared.URL)
	assert.False(t, prepared.Stream)
	assert.NotContains(t, prepared.Headers, "Accept")
	assert.Equal(t, config.InterleavedThinkingBeta, prepared.Headers["anthropic-beta"])

	root := gjson.ParseBytes(prepared.Body)
	assert.Equal(t, "claude-sonnet-4-5-thinking", root.Get("model").String())

	thinking := root.Get("request.generationConfig.thinkingConfig")
	assert.True(t, thinking.Get("include_thoughts").Bool())
	assert.Equal(t, int64(16384), thinking.Get("thinking_budget").Int())
	assert.Equal(t, int64(config.ClaudeThinkingMinOutputTokens),
		root.Get("request.generationConfig.maxOutputTokens").Int())

	assert.Contains(t, string(prepared.Body), "Interleaved thinking is enabled")
}

func TestPrepareIsIdempotent(t *testing.T) {
	transformer := newTestTransformer(t)
	in := Input{
		Path:        "/v1beta/models/claude-sonnet-4-5-thinking-medium:generateContent",
		Body:        []byte(`{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`),
		AccessToken: "tok",
		ProjectID:   "proj",
		Endpoint:    config.EndpointProd,
		Style:       constant.StyleAntigravity,
	}

	first, err := transformer.Prepare(in)
	require.NoError(t, err)

	in.Body = first.Body
	second, err := transformer.Prepare(in)
	require.NoError(t, err)

	assert.Equal(t, first.SessionKey, second.SessionKey)
	assert.Equal(t, 1, strings.Count(string(second.Body), "Interleaved thinking is enabled"))
	assert.Equal(t, 1, strings.Count(string(second.Body), "Never invent parameter names"))

	root := gjson.ParseBytes(second.Body)
	assert.Equal(t, "claude-sonnet-4-5-thinking", root.Get("model").String())
	assert.False(t, gjson.GetBytes(second.Body, "request.request").Exists())
}

func TestPrepareNormalizesClaudeTools(t *testing.T) {
	transformer := newTestTransformer(t)
	body := []byte(`{
		"contents":[{"role":"user","parts":[{"text":"hello"}]}],
		"tools":[
			{
				"name":"read file!",
				"description":"reads a file",
				"input_schema":{
					"type":"object",
					"properties":{
						"path":{"type":"string","$schema":"http://json-schema.org/draft-07/schema#"},
						"depth":{"type":["integer","null"]}
					},
					"required":["path"],
					"additionalProperties":false
				}
			},
			{"description":"tool without a name"}
		]
	}`)

	prepared, err := transformer.Prepare(Input{
		Path:        "/v1beta/models/claude-sonnet-4-5:generateContent",
		Body:        body,
		AccessToken: "tok",
		ProjectID:   "proj",
		Endpoint:    config.EndpointProd,
		Style:       constant.StyleAntigravity,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, prepared.ToolDebugMissing)

	tools := gjson.GetBytes(prepared.Body, "request.tools")
	require.Len(t, tools.Array(), 1)

	decls := tools.Get("0.functionDeclarations")
	require.Len(t, decls.Array(), 1)
	decl := decls.Get("0")
	assert.Equal(t, "read_file_", decl.Get("name").String())

	params := decl.Get("parameters")
	assert.False(t, params.Get("additionalProperties").Exists())
	assert.False(t, params.Get("properties.path.$schema").Exists())
	assert.Equal(t, "integer", params.Get("properties.depth.type").String())

	assert.Contains(t, decl.Get("description").String(), "STRICT PARAMETERS: depth, path")
	assert.Contains(t, string(prepared.Body), "Never invent parameter names")
}

func TestPrepareGivesSchemalessGeminiToolsAFallback(t *testing.T) {
	transformer := newTestTransformer(t)
	body := []byte(`{
		"contents":[{"role":"user","parts":[{"text":"hello"}]}],
		"tools":[{"custom":{"name":"lookup","description":"finds things"}}]
	}`)

	prepared, err := transformer.Prepare(Input{
		Path:        "/v1beta/models/gemini-2.5-flash:generateContent",
		Body:        body,
		AccessToken: "tok",
		ProjectID:   "proj",
		Endpoint:    config.EndpointProd,
		Style:       constant.StyleAntigravity,
	})
	require.NoError(t, err)

	tool := gjson.GetBytes(prepared.Body, "request.tools.0")
	assert.Equal(t, "lookup", tool.Get("name").String())
	assert.Equal(t, "object", tool.Get("input_schema.type").String())
	assert.False(t, tool.Get("custom").Exists())
}

func TestPrepareClientSessionIDWinsAndSurvivesRewrap(t *testing.T) {
	transformer := newTestTransformer(t)
	in := Input{
		Path:        "/v1beta/models/gemini-2.5-flash:generateContent",
		Body:        []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"sessionId":"host-conv-7"}`),
		AccessToken: "tok",
		ProjectID:   "proj",
		Endpoint:    config.EndpointProd,
		Style:       constant.StyleAntigravity,
	}

	first, err := transformer.Prepare(in)
	require.NoError(t, err)
	assert.Equal(t, testSessionUUID+":gemini-2.5-flash:proj:host-conv-7", first.SessionKey)

	in.Body = first.Body
	second, err := transformer.Prepare(in)
	require.NoError(t, err)
	assert.Equal(t, first.SessionKey, second.SessionKey)
}

func TestPrepareNonThinkingModelDropsThinkingConfig(t *testing.T) {
	transformer := newTestTransformer(t)
	body := []byte(`{
		"contents":[{"role":"user","parts":[{"text":"hi"}]}],
		"generationConfig":{"thinkingConfig":{"includeThoughts":true,"thinkingBudget":1024}}
	}`)

	prepared, err := transformer.Prepare(Input{
		Path:        "/v1beta/models/gemini-2.5-flash:generateContent",
		Body:        body,
		AccessToken: "tok",
		ProjectID:   "proj",
		Endpoint:    config.EndpointProd,
		Style:       constant.StyleAntigravity,
	})
	require.NoError(t, err)

	assert.False(t, gjson.GetBytes(prepared.Body, "request.generationConfig.thinkingConfig").Exists())
}

func TestBuildWarmupIsMinimalAndToolLess(t *testing.T) {
	transformer := newTestTransformer(t)
	prepared, err := transformer.Prepare(Input{
		Path:        "/v1beta/models/claude-sonnet-4-5-thinking:streamGenerateContent",
		Body:        []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`),
		AccessToken: "tok",
		ProjectID:   "proj",
		Endpoint:    config.EndpointDaily,
		Style:       constant.StyleAntigravity,
	})
	require.NoError(t, err)

	warmup := transformer.BuildWarmup(prepared, Input{ProjectID: "proj", Endpoint: config.EndpointDaily})
	assert.Equal(t, config.EndpointDaily+"/v1internal:generateContent", warmup.URL)
	assert.False(t, warmup.Stream)
	assert.NotContains(t, warmup.Headers, "Accept")
	assert.Equal(t, prepared.SessionKey, warmup.SessionKey)

	root := gjson.ParseBytes(warmup.Body)
	assert.False(t, root.Get("request.tools").Exists())
	assert.True(t, root.Get("request.generationConfig.thinkingConfig.include_thoughts").Bool())
	assert.Equal(t, prepared.SessionKey, root.Get("request.sessionId").String())
}
