package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/constant"
	"github.com/opencode-tools/antigravity-broker/internal/model"
	"github.com/opencode-tools/antigravity-broker/internal/signature"
)

// modelActionPattern extracts model and action from a /models/{model}:{action}
// path.
var modelActionPattern = regexp.MustCompile(`/models/([^/:]+):(\w+)`)

// clientSessionFields are checked in order for a client-supplied conversation
// identifier.
var clientSessionFields = []string{
	"sessionId", "session_id",
	"conversationId", "conversation_id",
	"threadId", "thread_id",
}

// wrapperUserAgent is the client identifier inside the request wrapper.
const wrapperUserAgent = "antigravity"

// hardeningInstruction is appended to the system instruction when Claude tool
// hardening is enabled.
const hardeningInstruction = "When calling tools, use only the parameters declared in each tool's schema. Never invent parameter names. If a required parameter value is unknown, ask the user instead of guessing."

// interleavedHint is attached to the system instruction for Claude thinking
// models.
const interleavedHint = "Interleaved thinking is enabled. You may think between tool calls."

// ParseModelAction extracts the model and action from a host request path.
func ParseModelAction(path string) (modelName, action string, err error) {
	match := modelActionPattern.FindStringSubmatch(path)
	if match == nil {
		return "", "", fmt.Errorf("path %q carries no /models/{model}:{action} segment", path)
	}
	return match[1], match[2], nil
}

// Transformer prepares host request bodies for the upstream.
type Transformer struct {
	cfg         *config.Config
	cache       *signature.Cache
	sessionUUID string
	resumeText  string
}

// NewTransformer builds a transformer. sessionUUID is the per-process stable
// UUID combined into every session key.
func NewTransformer(cfg *config.Config, cache *signature.Cache, sessionUUID string) *Transformer {
	return &Transformer{
		cfg:         cfg,
		cache:       cache,
		sessionUUID: sessionUUID,
		resumeText:  cfg.ResumeText,
	}
}

// Input is everything request preparation needs beyond the body itself.
type Input struct {
	// Path is the host-facing request path containing /models/{model}:{action}.
	Path string

	// Body is the raw JSON request body.
	Body []byte

	AccessToken string
	ProjectID   string
	Endpoint    string
	Style       constant.HeaderStyle

	// ForceThinkingRecovery applies the crash-and-restart rewrite even when
	// the conversation analysis would not trigger it.
	ForceThinkingRecovery bool
}

// Prepared is a fully shaped upstream request.
type Prepared struct {
	URL     string
	Body    []byte
	Headers map[string]string

	Model  model.Resolved
	Action string
	Stream bool

	SessionKey string
	ProjectID  string

	// NeedsWarmup signals that a minimal thinking request should be sent
	// first to elicit a signature this conversation needs.
	NeedsWarmup bool

	// ToolDebugMissing counts tool definitions whose schema could not be
	// recovered, surfaced in a response header.
	ToolDebugMissing int
}

// Prepare runs the full preparation pipeline.
func (t *Transformer) Prepare(in Input) (*Prepared, error) {
	match := modelActionPattern.FindStringSubmatch(in.Path)
	if match == nil {
		return nil, fmt.Errorf("path %q carries no /models/{model}:{action} segment", in.Path)
	}
	requestedModel, action := match[1], match[2]
	resolved := model.Resolve(requestedModel)
	stream := action == "streamGenerateContent"

	url := config.InternalURL(in.Endpoint, action)
	if stream {
		url += "?alt=sse"
	}

	body := wrapBody(in.Body, in.ProjectID, resolved.ActualModel)

	conversationKey := t.conversationKeyFromBody(body)
	sessionKey := signature.BuildSessionKey(t.sessionUUID, resolved.ActualModel, in.ProjectID, conversationKey)

	prepared := &Prepared{
		URL:        url,
		Model:      resolved,
		Action:     action,
		Stream:     stream,
		SessionKey: sessionKey,
		ProjectID:  in.ProjectID,
	}

	body, prepared.ToolDebugMissing = t.normalizeTools(body, resolved)
	if resolved.Family == constant.FamilyClaude && t.cfg.ClaudeToolHardening {
		body = hardenClaudeTools(body)
	}
	body = t.applyThinkingConfig(body, resolved)
	body = liftCachedContent(body)
	body = renameSystemInstruction(body)

	repairer := &repairer{
		cache:        t.cache,
		sessionKey:   sessionKey,
		keepThinking: t.cfg.KeepThinking && t.cfg.CacheEnabled(),
		resumeText:   t.resumeText,
	}
	if resolved.Family == constant.FamilyClaude && resolved.IsThinking {
		var needsWarmup bool
		body, needsWarmup = repairer.backfillSignatures(body)
		prepared.NeedsWarmup = needsWarmup
	}
	if t.cfg.ToolIDRecovery {
		body = repairer.pairToolIDs(body)
		body = repairer.pairClaudeMessages(body)
	}
	if resolved.IsThinking {
		body = repairer.crashAndRestart(body, in.ForceThinkingRecovery)
	}

	body, _ = sjson.SetBytes(body, "request.sessionId", sessionKey)
	prepared.Body = body
	prepared.Headers = t.buildHeaders(in, resolved, stream)
	return prepared, nil
}

// wrapBody puts the host body inside the upstream's project wrapper. An
// already-wrapped body keeps its request payload; model and project always
// track the current selection, which can change between attempts.
func wrapBody(body []byte, projectID, actualModel string) []byte {
	root := gjson.ParseBytes(body)
	if root.Get("project").Type == gjson.String && root.Get("request").Exists() {
		out, _ := sjson.SetBytes(body, "model", actualModel)
		out, _ = sjson.SetBytes(out, "project", projectID)
		return out
	}

	wrapped := []byte(`{}`)
	wrapped, _ = sjson.SetBytes(wrapped, "project", projectID)
	wrapped, _ = sjson.SetBytes(wrapped, "model", actualModel)
	wrapped, _ = sjson.SetBytes(wrapped, "userAgent", wrapperUserAgent)
	wrapped, _ = sjson.SetBytes(wrapped, "requestId", "agent-"+uuid.NewString())
	wrapped, _ = sjson.SetRawBytes(wrapped, "request", body)
	return wrapped
}

// conversationKeyFromBody derives the conversation key: a client id field
// wins, else a hash of system plus first user text. A sessionId this
// transformer itself wrote on an earlier pass is unwound to its conversation
// segment so re-preparation yields the same key.
func (t *Transformer) conversationKeyFromBody(body []byte) string {
	request := gjson.GetBytes(body, "request")
	for _, field := range clientSessionFields {
		id := request.Get(field).String()
		if id == "" {
			continue
		}
		if strings.HasPrefix(id, t.sessionUUID+":") {
			segments := strings.Split(id, ":")
			return segments[len(segments)-1]
		}
		return id
	}
	return signature.ConversationKey("", systemText(request), firstUserText(request))
}

func systemText(request gjson.Result) string {
	for _, path := range []string{"systemInstruction", "system_instruction"} {
		if si := request.Get(path); si.Exists() {
			if si.Type == gjson.String {
				return si.String()
			}
			var sb strings.Builder
			si.Get("parts").ForEach(func(_, part gjson.Result) bool {
				sb.WriteString(part.Get("text").String())
				return true
			})
			return sb.String()
		}
	}
	if system := request.Get("system"); system.Exists() {
		if system.Type == gjson.String {
			return system.String()
		}
		var sb strings.Builder
		system.ForEach(func(_, block gjson.Result) bool {
			sb.WriteString(block.Get("text").String())
			return true
		})
		return sb.String()
	}
	return ""
}

func firstUserText(request gjson.Result) string {
	var text string
	request.Get("contents").ForEach(func(_, content gjson.Result) bool {
		if content.Get("role").String() != "user" {
			return true
		}
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text").String(); t != "" {
				text = t
				return false
			}
			return true
		})
		return text == ""
	})
	if text != "" {
		return text
	}
	request.Get("messages").ForEach(func(_, message gjson.Result) bool {
		if message.Get("role").String() != "user" {
			return true
		}
		content := message.Get("content")
		if content.Type == gjson.String {
			text = content.String()
			return false
		}
		content.ForEach(func(_, block gjson.Result) bool {
			if t := block.Get("text").String(); t != "" {
				text = t
				return false
			}
			return true
		})
		return text == ""
	})
	return text
}

// normalizeTools reshapes tool definitions for the upstream. Claude tools are
// collected under one functionDeclarations list with sanitized names and
// cleaned schemas; Gemini tools keep their shape but lose custom wrappers and
// gain fallback schemas.
func (t *Transformer) normalizeTools(body []byte, resolved model.Resolved) ([]byte, int) {
	tools := gjson.GetBytes(body, "request.tools")
	if !tools.Exists() || len(tools.Array()) == 0 {
		return body, 0
	}

	if resolved.Family == constant.FamilyClaude {
		return normalizeClaudeTools(body, tools)
	}
	return normalizeGeminiTools(body, tools)
}

func normalizeClaudeTools(body []byte, tools gjson.Result) ([]byte, int) {
	missing := 0
	declarations := []byte(`[]`)

	appendDecl := func(name, description string, schema []byte) {
		decl := []byte(`{}`)
		decl, _ = sjson.SetBytes(decl, "name", SanitizeToolName(name))
		if description != "" {
			decl, _ = sjson.SetBytes(decl, "description", description)
		}
		decl, _ = sjson.SetRawBytes(decl, "parameters", schema)
		declarations, _ = sjson.SetRawBytes(declarations, "-1", decl)
	}

	tools.ForEach(func(_, tool gjson.Result) bool {
		// Entries may already be Gemini-shaped groups or flat Claude tools.
		if decls := tool.Get("functionDeclarations"); decls.Exists() {
			decls.ForEach(func(_, decl gjson.Result) bool {
				schema, ok := toolSchema(decl)
				if !ok {
					missing++
				}
				appendDecl(decl.Get("name").String(), decl.Get("description").String(), schema)
				return true
			})
			return true
		}
		name := tool.Get("name").String()
		if name == "" {
			missing++
			return true
		}
		schema, ok := toolSchema(tool)
		if !ok {
			missing++
		}
		appendDecl(name, tool.Get("description").String(), schema)
		return true
	})

	grouped, _ := sjson.SetRawBytes([]byte(`[{}]`), "0.functionDeclarations", declarations)
	body, _ = sjson.SetRawBytes(body, "request.tools", grouped)
	return body, missing
}

func normalizeGeminiTools(body []byte, tools gjson.Result) ([]byte, int) {
	missing := 0
	out := []byte(`[]`)
	tools.ForEach(func(_, tool gjson.Result) bool {
		// A custom wrapper hides the actual function definition.
		if custom := tool.Get("custom"); custom.Exists() {
			tool = custom
		}
		if tool.Get("type").String() == "custom" {
			inner := tool.Get("function")
			if inner.Exists() {
				tool = inner
			}
		}
		raw := []byte(tool.Raw)
		if !tool.Get("input_schema").Exists() && !tool.Get("functionDeclarations").Exists() &&
			!tool.Get("parameters").Exists() {
			if tool.Get("name").Exists() {
				raw, _ = sjson.SetRawBytes(raw, "input_schema", []byte(`{"type":"object","properties":{}}`))
			} else {
				missing++
				return true
			}
		}
		out, _ = sjson.SetRawBytes(out, "-1", raw)
		return true
	})
	body, _ = sjson.SetRawBytes(body, "request.tools", out)
	return body, missing
}

// toolSchema extracts and cleans a tool's parameter schema from whichever
// field the host used. The second return reports whether a usable schema was
// found before cleaning.
func toolSchema(tool gjson.Result) ([]byte, bool) {
	for _, field := range []string{"parameters", "input_schema", "inputSchema"} {
		if schema := tool.Get(field); schema.IsObject() {
			return CleanSchema([]byte(schema.Raw)), true
		}
	}
	return PlaceholderSchema(), false
}

// hardenClaudeTools appends the anti-hallucination system paragraph and a
// STRICT PARAMETERS line to each tool description.
func hardenClaudeTools(body []byte) []byte {
	body = appendSystemText(body, hardeningInstruction)

	decls := gjson.GetBytes(body, "request.tools.0.functionDeclarations")
	decls.ForEach(func(index, decl gjson.Result) bool {
		params := TopLevelParams([]byte(decl.Get("parameters").Raw))
		if len(params) == 0 {
			return true
		}
		description := decl.Get("description").String()
		if strings.Contains(description, "STRICT PARAMETERS:") {
			return true
		}
		description = strings.TrimSpace(description + "\nSTRICT PARAMETERS: " + strings.Join(params, ", "))
		path := fmt.Sprintf("request.tools.0.functionDeclarations.%d.description", index.Int())
		body, _ = sjson.SetBytes(body, path, description)
		return true
	})
	return body
}

// appendSystemText appends a paragraph to the system instruction, creating it
// if absent. Works on both naming variants since it runs before the rename.
// Re-preparing an already-prepared body must not duplicate the paragraph.
func appendSystemText(body []byte, text string) []byte {
	if strings.Contains(string(body), text) {
		return body
	}
	for _, path := range []string{"request.systemInstruction", "request.system_instruction"} {
		si := gjson.GetBytes(body, path)
		if !si.Exists() {
			continue
		}
		if si.Type == gjson.String {
			body, _ = sjson.SetBytes(body, path, si.String()+"\n\n"+text)
			return body
		}
		part, _ := sjson.SetBytes([]byte(`{}`), "text", "\n\n"+text)
		body, _ = sjson.SetRawBytes(body, path+".parts.-1", part)
		return body
	}
	if system := gjson.GetBytes(body, "request.system"); system.Exists() {
		if system.Type == gjson.String {
			body, _ = sjson.SetBytes(body, "request.system", system.String()+"\n\n"+text)
		} else {
			block, _ := sjson.SetBytes([]byte(`{"type":"text"}`), "text", text)
			body, _ = sjson.SetRawBytes(body, "request.system.-1", block)
		}
		return body
	}
	si, _ := sjson.SetBytes([]byte(`{"parts":[{}]}`), "parts.0.text", text)
	body, _ = sjson.SetRawBytes(body, "request.systemInstruction", si)
	return body
}

// applyThinkingConfig merges user thinking options with the resolver's tier
// output and emits the family-specific shape.
func (t *Transformer) applyThinkingConfig(body []byte, resolved model.Resolved) []byte {
	userConfig := gjson.GetBytes(body, "request.generationConfig.thinkingConfig")
	if !userConfig.Exists() {
		userConfig = gjson.GetBytes(body, "request.extra_body.thinkingConfig")
	}
	if !userConfig.Exists() {
		userConfig = gjson.GetBytes(body, "request.extra_body.thinking")
	}

	includeThoughts := resolved.IsThinking
	budget := resolved.ThinkingBudget
	level := resolved.ThinkingLevel
	if userConfig.Exists() {
		if v := userConfig.Get("includeThoughts"); v.Exists() {
			includeThoughts = v.Bool()
		}
		if v := userConfig.Get("include_thoughts"); v.Exists() {
			includeThoughts = v.Bool()
		}
		if v := userConfig.Get("thinkingBudget"); v.Exists() {
			budget = int(v.Int())
		}
		if v := userConfig.Get("thinking_budget"); v.Exists() {
			budget = int(v.Int())
		}
		if v := userConfig.Get("budget_tokens"); v.Exists() {
			budget = int(v.Int())
		}
		if v := userConfig.Get("thinkingLevel"); v.Exists() {
			level = v.String()
		}
	}
	body, _ = sjson.DeleteBytes(body, "request.extra_body")

	if !resolved.IsThinking {
		body, _ = sjson.DeleteBytes(body, "request.generationConfig.thinkingConfig")
		return body
	}

	// includeThoughts without a positive budget is rejected upstream.
	if includeThoughts && budget <= 0 && level == "" {
		includeThoughts = false
	}

	switch {
	case resolved.Family == constant.FamilyClaude:
		body, _ = sjson.DeleteBytes(body, "request.generationConfig.thinkingConfig")
		body, _ = sjson.SetBytes(body, "request.generationConfig.thinkingConfig.include_thoughts", includeThoughts)
		if budget > 0 {
			body, _ = sjson.SetBytes(body, "request.generationConfig.thinkingConfig.thinking_budget", budget)
		}
		if includeThoughts {
			maxTokens := gjson.GetBytes(body, "request.generationConfig.maxOutputTokens").Int()
			if maxTokens < config.ClaudeThinkingMinOutputTokens {
				body, _ = sjson.SetBytes(body, "request.generationConfig.maxOutputTokens", config.ClaudeThinkingMinOutputTokens)
			}
			body = appendSystemText(body, interleavedHint)
		}
	case level != "":
		body, _ = sjson.DeleteBytes(body, "request.generationConfig.thinkingConfig")
		body, _ = sjson.SetBytes(body, "request.generationConfig.thinkingConfig.includeThoughts", includeThoughts)
		body, _ = sjson.SetBytes(body, "request.generationConfig.thinkingConfig.thinkingLevel", level)
	default:
		body, _ = sjson.DeleteBytes(body, "request.generationConfig.thinkingConfig")
		body, _ = sjson.SetBytes(body, "request.generationConfig.thinkingConfig.includeThoughts", includeThoughts)
		if budget > 0 {
			body, _ = sjson.SetBytes(body, "request.generationConfig.thinkingConfig.thinkingBudget", budget)
		}
	}
	return body
}

// liftCachedContent moves a cache pointer from any of its host locations up
// to request.cachedContent.
func liftCachedContent(body []byte) []byte {
	for _, path := range []string{
		"request.cachedContent", "request.cached_content",
		"request.extra_body.cachedContent", "request.extra_body.cached_content",
		"cachedContent", "cached_content",
	} {
		value := gjson.GetBytes(body, path)
		if !value.Exists() {
			continue
		}
		if path != "request.cachedContent" {
			body, _ = sjson.DeleteBytes(body, path)
			body, _ = sjson.SetBytes(body, "request.cachedContent", value.String())
		}
		return body
	}
	return body
}

func renameSystemInstruction(body []byte) []byte {
	si := gjson.GetBytes(body, "request.system_instruction")
	if !si.Exists() {
		return body
	}
	body, _ = sjson.DeleteBytes(body, "request.system_instruction")
	body, _ = sjson.SetRawBytes(body, "request.systemInstruction", []byte(si.Raw))
	return body
}

func (t *Transformer) buildHeaders(in Input, resolved model.Resolved, stream bool) map[string]string {
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + in.AccessToken,
	}
	for name, value := range in.Style.Headers() {
		headers[name] = value
	}
	if stream {
		headers["Accept"] = "text/event-stream"
	}
	if resolved.Family == constant.FamilyClaude && resolved.IsThinking {
		headers["anthropic-beta"] = config.InterleavedThinkingBeta
	}
	return headers
}

// BuildWarmup produces the minimal tool-less thinking request used to elicit
// a fresh signature before the main request is sent.
func (t *Transformer) BuildWarmup(prepared *Prepared, in Input) *Prepared {
	request := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	request, _ = sjson.SetBytes(request, "generationConfig.thinkingConfig.include_thoughts", true)
	request, _ = sjson.SetBytes(request, "generationConfig.thinkingConfig.thinking_budget", 4096)
	request, _ = sjson.SetBytes(request, "generationConfig.maxOutputTokens", config.ClaudeThinkingMinOutputTokens)
	request, _ = sjson.SetBytes(request, "sessionId", prepared.SessionKey)

	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "project", in.ProjectID)
	body, _ = sjson.SetBytes(body, "model", prepared.Model.ActualModel)
	body, _ = sjson.SetBytes(body, "userAgent", wrapperUserAgent)
	body, _ = sjson.SetBytes(body, "requestId", "agent-"+uuid.NewString())
	body, _ = sjson.SetRawBytes(body, "request", request)

	headers := map[string]string{}
	for name, value := range prepared.Headers {
		headers[name] = value
	}
	delete(headers, "Accept")

	log.Debugf("built warmup request for session %s", prepared.SessionKey)
	return &Prepared{
		URL:        config.InternalURL(in.Endpoint, "generateContent"),
		Body:       body,
		Headers:    headers,
		Model:      prepared.Model,
		Action:     "generateContent",
		Stream:     false,
		SessionKey: prepared.SessionKey,
	}
}
