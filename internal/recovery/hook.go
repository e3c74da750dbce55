package recovery

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/signature"
)

// placeholderResult fills a tool_use block the host never answered.
const placeholderResult = "Operation cancelled or missing"

// Event is a host-reported session error.
type Event struct {
	SessionID string          `json:"sessionId"`
	MessageID string          `json:"messageId,omitempty"`
	Error     string          `json:"error"`
	Parts     json.RawMessage `json:"parts,omitempty"`
}

// Result is the hook's verdict and, when recoverable, the repaired parts the
// host should substitute before retrying.
type Result struct {
	Recoverable   bool            `json:"recoverable"`
	Kind          string          `json:"kind,omitempty"`
	RepairedParts json.RawMessage `json:"repairedParts,omitempty"`
	AutoResume    bool            `json:"autoResume"`
	ResumeText    string          `json:"resumeText,omitempty"`
}

// Hook applies the three repairs to host-reported failures.
type Hook struct {
	cfg   *config.Config
	store *Store
	cache *signature.Cache
}

// NewHook builds the hook; store and cache may be nil when session recovery
// or signature caching is off.
func NewHook(cfg *config.Config, store *Store, cache *signature.Cache) *Hook {
	return &Hook{cfg: cfg, store: store, cache: cache}
}

// RecordParts saves a message's parts for later fallback. No-op when the
// store is absent.
func (h *Hook) RecordParts(sessionID, messageID string, parts []byte) {
	if h.store == nil || sessionID == "" {
		return
	}
	h.store.SaveParts(sessionID, messageID, parts)
}

// Handle classifies and repairs one error event.
func (h *Hook) Handle(event *Event) (*Result, error) {
	if !h.cfg.SessionRecovery {
		return &Result{Recoverable: false}, nil
	}

	kind := Classify(event.Error)
	if kind == KindNone {
		return &Result{Recoverable: false}, nil
	}

	parts := []byte(event.Parts)
	if len(parts) == 0 && h.store != nil {
		parts = h.store.Parts(event.SessionID, event.MessageID)
		if len(parts) > 0 {
			log.Debugf("recovered message parts from store for session %s", event.SessionID)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no message parts available for session %s", event.SessionID)
	}

	var blocks []map[string]interface{}
	if err := json.Unmarshal(parts, &blocks); err != nil {
		return nil, fmt.Errorf("parse message parts: %w", err)
	}

	var repaired []map[string]interface{}
	kindName := ""
	switch kind {
	case KindToolLoop:
		kindName = "tool-loop"
		repaired = closeToolLoop(blocks)
	case KindThinkingOrder:
		kindName = "thinking-order"
		if text, sig, ok := h.lastThinking(event.SessionID); ok {
			repaired = prependThinking(blocks, text, sig)
		} else {
			repaired = stripThinking(blocks)
		}
	case KindThinkingDisabled:
		kindName = "thinking-disabled"
		repaired = stripThinking(blocks)
	}

	out, err := json.Marshal(repaired)
	if err != nil {
		return nil, fmt.Errorf("marshal repaired parts: %w", err)
	}
	log.Infof("session %s recovered from %s error", event.SessionID, kindName)

	return &Result{
		Recoverable:   true,
		Kind:          kindName,
		RepairedParts: out,
		AutoResume:    h.cfg.AutoResume,
		ResumeText:    h.cfg.ResumeText,
	}, nil
}

// closeToolLoop appends a synthetic tool_result for every tool_use block that
// has none.
func closeToolLoop(blocks []map[string]interface{}) []map[string]interface{} {
	answered := map[string]bool{}
	for _, block := range blocks {
		if blockType(block) == "tool_result" {
			if id, ok := block["tool_use_id"].(string); ok {
				answered[id] = true
			}
		}
	}
	out := blocks
	for _, block := range blocks {
		if blockType(block) != "tool_use" {
			continue
		}
		id, _ := block["id"].(string)
		if id == "" || answered[id] {
			continue
		}
		out = append(out, map[string]interface{}{
			"type":        "tool_result",
			"tool_use_id": id,
			"content":     placeholderResult,
		})
	}
	return out
}

// lastThinking fetches the conversation's cached last-thinking entry. The
// host session id doubles as the cache's conversation key.
func (h *Hook) lastThinking(sessionID string) (text, sig string, ok bool) {
	if h.cache == nil {
		return "", "", false
	}
	return h.cache.LastForConversation(sessionID)
}

// prependThinking drops unsigned thinking blocks and puts a signed one first
// so block ordering holds on the retry.
func prependThinking(blocks []map[string]interface{}, text, sig string) []map[string]interface{} {
	rest := stripThinking(blocks)
	out := make([]map[string]interface{}, 0, len(rest)+1)
	out = append(out, map[string]interface{}{
		"type":      "thinking",
		"thinking":  text,
		"signature": sig,
	})
	return append(out, rest...)
}

// stripThinking drops every thinking block.
func stripThinking(blocks []map[string]interface{}) []map[string]interface{} {
	out := blocks[:0]
	for _, block := range blocks {
		if t := blockType(block); t == "thinking" || t == "redacted_thinking" {
			continue
		}
		out = append(out, block)
	}
	return out
}

func blockType(block map[string]interface{}) string {
	t, _ := block["type"].(string)
	return t
}
