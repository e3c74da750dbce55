package transform

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/signature"
)

// placeholderToolResult fills an unanswered tool call so the conversation
// still parses upstream.
const placeholderToolResult = "Operation cancelled or missing"

// repairer fixes conversation state the host corrupted: missing thinking
// signatures, unpaired tool calls, and turns that cannot legally continue.
type repairer struct {
	cache        *signature.Cache
	sessionKey   string
	keepThinking bool
	resumeText   string
}

// jsonList decodes a JSON array of objects for mutation-heavy passes.
func jsonList(raw gjson.Result) []map[string]interface{} {
	if !raw.IsArray() {
		return nil
	}
	var list []map[string]interface{}
	if err := json.Unmarshal([]byte(raw.Raw), &list); err != nil {
		return nil
	}
	return list
}

func setJSONList(body []byte, path string, list []map[string]interface{}) []byte {
	raw, err := json.Marshal(list)
	if err != nil {
		return body
	}
	out, _ := sjson.SetRawBytes(body, path, raw)
	return out
}

// backfillSignatures re-attaches cached signatures to thinking blocks the
// host stripped, prepends a synthetic signed thinking block before tool-use
// turns that lost theirs, and removes any thinking block that remains
// unsigned. Returns the updated body and whether a warmup request is needed
// to obtain a signature the conversation lacks entirely.
func (r *repairer) backfillSignatures(body []byte) ([]byte, bool) {
	needsWarmup := false

	if contents := jsonList(gjson.GetBytes(body, "request.contents")); contents != nil {
		r.backfillContents(contents, &needsWarmup)
		contents = stripUnsignedContents(contents)
		body = setJSONList(body, "request.contents", contents)
	}

	if messages := jsonList(gjson.GetBytes(body, "request.messages")); messages != nil {
		r.backfillMessages(messages, &needsWarmup)
		messages = stripUnsignedMessages(messages)
		body = setJSONList(body, "request.messages", messages)
	}

	return body, needsWarmup
}

func (r *repairer) backfillContents(contents []map[string]interface{}, needsWarmup *bool) bool {
	changed := false
	for _, content := range contents {
		if str(content["role"]) != "model" {
			continue
		}
		parts := objList(content["parts"])
		hasSignedThinking := false
		hasToolUse := false
		for _, part := range parts {
			if isFunctionCall(part) {
				hasToolUse = true
			}
			if !isThinkingPart(part) {
				continue
			}
			if signedPart(part) {
				hasSignedThinking = true
				continue
			}
			if r.keepThinking {
				if sig, ok := r.cache.Lookup(r.sessionKey, str(part["text"])); ok {
					part["thoughtSignature"] = sig
					hasSignedThinking = true
					changed = true
				}
			}
		}
		if hasToolUse && !hasSignedThinking {
			if r.keepThinking {
				if text, sig, ok := r.cache.Last(r.sessionKey); ok {
					synthetic := map[string]interface{}{
						"text":             text,
						"thought":          true,
						"thoughtSignature": sig,
					}
					content["parts"] = append([]map[string]interface{}{synthetic}, parts...)
					changed = true
					continue
				}
			}
			*needsWarmup = true
		}
	}
	return changed
}

func (r *repairer) backfillMessages(messages []map[string]interface{}, needsWarmup *bool) {
	for _, message := range messages {
		if str(message["role"]) != "assistant" {
			continue
		}
		blocks := objList(message["content"])
		hasSignedThinking := false
		hasToolUse := false
		for _, block := range blocks {
			switch str(block["type"]) {
			case "tool_use":
				hasToolUse = true
			case "thinking":
				if signedBlock(block) {
					hasSignedThinking = true
				} else if r.keepThinking {
					if sig, ok := r.cache.Lookup(r.sessionKey, str(block["thinking"])); ok {
						block["signature"] = sig
						hasSignedThinking = true
					}
				}
			}
		}
		if hasToolUse && !hasSignedThinking {
			if r.keepThinking {
				if text, sig, ok := r.cache.Last(r.sessionKey); ok {
					synthetic := map[string]interface{}{
						"type":      "thinking",
						"thinking":  text,
						"signature": sig,
					}
					message["content"] = append([]map[string]interface{}{synthetic}, blocks...)
					continue
				}
			}
			*needsWarmup = true
		}
	}
}

func stripUnsignedContents(contents []map[string]interface{}) []map[string]interface{} {
	for _, content := range contents {
		parts := objList(content["parts"])
		kept := parts[:0]
		for _, part := range parts {
			if isThinkingPart(part) && !signedPart(part) {
				continue
			}
			kept = append(kept, part)
		}
		content["parts"] = kept
	}
	return contents
}

func stripUnsignedMessages(messages []map[string]interface{}) []map[string]interface{} {
	for _, message := range messages {
		blocks := objList(message["content"])
		if blocks == nil {
			continue
		}
		kept := blocks[:0]
		for _, block := range blocks {
			if str(block["type"]) == "thinking" && !signedBlock(block) {
				continue
			}
			kept = append(kept, block)
		}
		message["content"] = kept
	}
	return messages
}

// pairToolIDs runs the FIFO id assignment and the orphan recovery passes over
// Gemini-wire functionCall/functionResponse parts.
func (r *repairer) pairToolIDs(body []byte) []byte {
	contents := jsonList(gjson.GetBytes(body, "request.contents"))
	if contents == nil {
		return body
	}

	type callRef struct {
		part map[string]interface{}
		name string
		id   string
	}

	adoptID := func(response *callRef, id string) {
		response.id = id
		if inner, ok := response.part["functionResponse"].(map[string]interface{}); ok {
			inner["id"] = id
		}
	}

	// Pass 1: synthesize ids for calls and queue them per function name.
	queues := map[string][]string{}
	var calls []*callRef
	nextID := 0
	for _, content := range contents {
		for _, part := range objList(content["parts"]) {
			call, ok := part["functionCall"].(map[string]interface{})
			if !ok {
				continue
			}
			name := str(call["name"])
			id := str(call["id"])
			if id == "" {
				id = fmt.Sprintf("tool-call-%d", nextID)
				nextID++
				call["id"] = id
			}
			queues[name] = append(queues[name], id)
			calls = append(calls, &callRef{part: part, name: name, id: id})
		}
	}

	// Pass 2: responses missing an id pop from their name's queue.
	var responses []*callRef
	for _, content := range contents {
		for _, part := range objList(content["parts"]) {
			response, ok := part["functionResponse"].(map[string]interface{})
			if !ok {
				continue
			}
			name := str(response["name"])
			id := str(response["id"])
			if id == "" {
				if queue := queues[name]; len(queue) > 0 {
					id = queue[0]
					queues[name] = queue[1:]
					response["id"] = id
				}
			}
			responses = append(responses, &callRef{part: part, name: name, id: id})
		}
	}

	// Orphan recovery. Pass A: exact id. Pass B: same function name.
	// Pass C: any remaining pair. Pass D: placeholder responses.
	matchedCalls := map[*callRef]bool{}
	matchedResponses := map[*callRef]bool{}
	for _, response := range responses {
		for _, call := range calls {
			if !matchedCalls[call] && response.id != "" && call.id == response.id {
				matchedCalls[call] = true
				matchedResponses[response] = true
				break
			}
		}
	}
	for _, response := range responses {
		if matchedResponses[response] {
			continue
		}
		for _, call := range calls {
			if !matchedCalls[call] && call.name == response.name {
				adoptID(response, call.id)
				matchedCalls[call] = true
				matchedResponses[response] = true
				break
			}
		}
	}
	for _, response := range responses {
		if matchedResponses[response] {
			continue
		}
		for _, call := range calls {
			if !matchedCalls[call] {
				adoptID(response, call.id)
				matchedCalls[call] = true
				matchedResponses[response] = true
				break
			}
		}
	}

	var unmatched []*callRef
	for _, call := range calls {
		if !matchedCalls[call] {
			unmatched = append(unmatched, call)
		}
	}
	if len(unmatched) > 0 {
		log.Debugf("synthesizing %d placeholder tool response(s)", len(unmatched))
		parts := make([]map[string]interface{}, 0, len(unmatched))
		for _, call := range unmatched {
			parts = append(parts, map[string]interface{}{
				"functionResponse": map[string]interface{}{
					"name":     call.name,
					"id":       call.id,
					"response": map[string]interface{}{"result": placeholderToolResult},
				},
			})
		}
		contents = append(contents, map[string]interface{}{
			"role":  "user",
			"parts": parts,
		})
	}

	return setJSONList(body, "request.contents", contents)
}

// pairClaudeMessages runs the analogous pairing over messages[] with
// tool_use/tool_result blocks, falling back to dropping orphan tool blocks
// when pairing cannot restore the invariants.
func (r *repairer) pairClaudeMessages(body []byte) []byte {
	messages := jsonList(gjson.GetBytes(body, "request.messages"))
	if messages == nil {
		return body
	}

	queues := map[string][]string{}
	callIDs := map[string]bool{}
	nextID := 0
	for _, message := range messages {
		if str(message["role"]) != "assistant" {
			continue
		}
		for _, block := range objList(message["content"]) {
			if str(block["type"]) != "tool_use" {
				continue
			}
			name := str(block["name"])
			id := str(block["id"])
			if id == "" {
				id = fmt.Sprintf("tool-call-%d", nextID)
				nextID++
				block["id"] = id
			}
			queues[name] = append(queues[name], id)
			callIDs[id] = true
		}
	}

	resultIDs := map[string]bool{}
	for _, message := range messages {
		if str(message["role"]) != "user" {
			continue
		}
		for _, block := range objList(message["content"]) {
			if str(block["type"]) != "tool_result" {
				continue
			}
			id := str(block["tool_use_id"])
			if id == "" {
				name := str(block["name"])
				if queue := queues[name]; len(queue) > 0 {
					id = queue[0]
					queues[name] = queue[1:]
					block["tool_use_id"] = id
				}
			}
			if id != "" {
				resultIDs[id] = true
			}
		}
	}

	// Invariant: every tool_use answered, every tool_result anchored. If
	// either fails after pairing, drop the orphan blocks entirely.
	broken := false
	for id := range callIDs {
		if !resultIDs[id] {
			broken = true
		}
	}
	for id := range resultIDs {
		if !callIDs[id] {
			broken = true
		}
	}
	if broken {
		log.Debug("tool pairing invariants still broken, dropping orphan tool blocks")
		for _, message := range messages {
			blocks := objList(message["content"])
			if blocks == nil {
				continue
			}
			kept := blocks[:0]
			for _, block := range blocks {
				switch str(block["type"]) {
				case "tool_use":
					if !resultIDs[str(block["id"])] {
						continue
					}
				case "tool_result":
					if !callIDs[str(block["tool_use_id"])] {
						continue
					}
				}
				kept = append(kept, block)
			}
			message["content"] = kept
		}
	}

	return setJSONList(body, "request.messages", messages)
}

// crashAndRestart rewrites a conversation stuck mid-tool-loop without the
// signed thinking the upstream demands: strip all thinking, close the turn
// with a synthetic assistant message, and open a fresh one with the
// continuation prompt.
func (r *repairer) crashAndRestart(body []byte, force bool) []byte {
	state := analyzeConversation(body)
	if !force && !(state.inToolLoop && !state.turnHasThinking) {
		return body
	}
	log.Infof("applying crash-and-restart recovery for session %s (forced=%v)", r.sessionKey, force)

	if contents := jsonList(gjson.GetBytes(body, "request.contents")); contents != nil {
		for _, content := range contents {
			parts := objList(content["parts"])
			kept := parts[:0]
			for _, part := range parts {
				if isThinkingPart(part) {
					continue
				}
				kept = append(kept, part)
			}
			content["parts"] = kept
		}
		contents = append(contents,
			map[string]interface{}{
				"role":  "model",
				"parts": []map[string]interface{}{{"text": "I need to pause and restart this task."}},
			},
			map[string]interface{}{
				"role":  "user",
				"parts": []map[string]interface{}{{"text": r.resumeText}},
			},
		)
		body = setJSONList(body, "request.contents", contents)
	}

	if messages := jsonList(gjson.GetBytes(body, "request.messages")); messages != nil {
		for _, message := range messages {
			blocks := objList(message["content"])
			if blocks == nil {
				continue
			}
			kept := blocks[:0]
			for _, block := range blocks {
				if str(block["type"]) == "thinking" {
					continue
				}
				kept = append(kept, block)
			}
			message["content"] = kept
		}
		messages = append(messages,
			map[string]interface{}{
				"role":    "assistant",
				"content": []map[string]interface{}{{"type": "text", "text": "I need to pause and restart this task."}},
			},
			map[string]interface{}{
				"role":    "user",
				"content": []map[string]interface{}{{"type": "text", "text": r.resumeText}},
			},
		)
		body = setJSONList(body, "request.messages", messages)
	}

	if r.cache != nil {
		r.cache.ClearLast(r.sessionKey)
	}
	return body
}

// conversationState is the crash-and-restart trigger analysis.
type conversationState struct {
	inToolLoop      bool
	turnHasThinking bool
}

func analyzeConversation(body []byte) conversationState {
	var state conversationState

	contents := gjson.GetBytes(body, "request.contents").Array()
	if len(contents) > 0 {
		last := contents[len(contents)-1]
		last.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if part.Get("functionResponse").Exists() {
				state.inToolLoop = true
				return false
			}
			return true
		})

		turnStart := currentTurnStart(contents)
		for i := turnStart; i >= 0 && i < len(contents); i++ {
			if contents[i].Get("role").String() != "model" {
				continue
			}
			contents[i].Get("parts").ForEach(func(_, part gjson.Result) bool {
				if part.Get("thought").Bool() && len(part.Get("thoughtSignature").String()) >= config.MinSignatureLength {
					state.turnHasThinking = true
					return false
				}
				return true
			})
			break
		}
		return state
	}

	messages := gjson.GetBytes(body, "request.messages").Array()
	if len(messages) == 0 {
		return state
	}
	last := messages[len(messages)-1]
	last.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "tool_result" {
			state.inToolLoop = true
			return false
		}
		return true
	})
	turnStart := currentTurnStartMessages(messages)
	for i := turnStart; i >= 0 && i < len(messages); i++ {
		if messages[i].Get("role").String() != "assistant" {
			continue
		}
		messages[i].Get("content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "thinking" && len(block.Get("signature").String()) >= config.MinSignatureLength {
				state.turnHasThinking = true
				return false
			}
			return true
		})
		break
	}
	return state
}

// currentTurnStart finds the first model message after the last user message
// that is not a pure function-response carrier.
func currentTurnStart(contents []gjson.Result) int {
	lastUser := -1
	for i, content := range contents {
		if content.Get("role").String() != "user" {
			continue
		}
		pureResponse := true
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if !part.Get("functionResponse").Exists() {
				pureResponse = false
				return false
			}
			return true
		})
		if !pureResponse {
			lastUser = i
		}
	}
	return lastUser + 1
}

func currentTurnStartMessages(messages []gjson.Result) int {
	lastUser := -1
	for i, message := range messages {
		if message.Get("role").String() != "user" {
			continue
		}
		pureResult := true
		content := message.Get("content")
		if content.Type == gjson.String {
			pureResult = false
		} else {
			content.ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() != "tool_result" {
					pureResult = false
					return false
				}
				return true
			})
		}
		if !pureResult {
			lastUser = i
		}
	}
	return lastUser + 1
}

func objList(value interface{}) []map[string]interface{} {
	list, ok := value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, okMap := item.(map[string]interface{}); okMap {
			out = append(out, m)
		}
	}
	return out
}

func str(value interface{}) string {
	s, _ := value.(string)
	return s
}

func isThinkingPart(part map[string]interface{}) bool {
	thought, _ := part["thought"].(bool)
	return thought
}

func signedPart(part map[string]interface{}) bool {
	return len(str(part["thoughtSignature"])) >= config.MinSignatureLength
}

func signedBlock(block map[string]interface{}) bool {
	return len(str(block["signature"])) >= config.MinSignatureLength
}

func isFunctionCall(part map[string]interface{}) bool {
	_, ok := part["functionCall"].(map[string]interface{})
	return ok
}
