// Package transform implements the request preparation pipeline and the
// streaming response rewriter. Request bodies are treated as raw JSON and
// manipulated with gjson/sjson so unknown fields survive untouched.
package transform

import (
	"encoding/json"
	"regexp"
	"sort"
)

// toolNamePattern is the upstream's accepted tool-name alphabet.
var toolNamePattern = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// maxToolNameLength is the upstream's tool-name length cap.
const maxToolNameLength = 64

// SanitizeToolName maps an arbitrary tool name into [A-Za-z0-9_-]{1,64}.
func SanitizeToolName(name string) string {
	clean := toolNamePattern.ReplaceAllString(name, "_")
	if clean == "" {
		clean = "tool"
	}
	if len(clean) > maxToolNameLength {
		clean = clean[:maxToolNameLength]
	}
	return clean
}

// schemaAllowedKeys are the JSON-schema keywords the upstream accepts.
// Everything else is stripped recursively.
var schemaAllowedKeys = map[string]bool{
	"type":        true,
	"description": true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"enum":        true,
	"nullable":    true,
}

// CleanSchema strips unsupported JSON-schema features from a tool parameter
// schema. If nothing usable remains, a one-property placeholder schema is
// returned so the tool definition still parses upstream.
func CleanSchema(raw []byte) []byte {
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return PlaceholderSchema()
	}
	cleaned := cleanSchemaMap(schema)
	props, _ := cleaned["properties"].(map[string]interface{})
	if len(props) == 0 {
		return PlaceholderSchema()
	}
	out, err := json.Marshal(cleaned)
	if err != nil {
		return PlaceholderSchema()
	}
	return out
}

// PlaceholderSchema is the synthetic schema for tools with no recoverable
// parameters.
func PlaceholderSchema() []byte {
	return []byte(`{"type":"object","properties":{"reason":{"type":"string","description":"Reason for calling this tool"}},"required":["reason"]}`)
}

func cleanSchemaMap(schema map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for key, value := range schema {
		if !schemaAllowedKeys[key] {
			continue
		}
		switch key {
		case "properties":
			if props, ok := value.(map[string]interface{}); ok {
				cleanedProps := map[string]interface{}{}
				for name, prop := range props {
					if propMap, okProp := prop.(map[string]interface{}); okProp {
						cleanedProps[name] = cleanSchemaMap(propMap)
					}
				}
				out[key] = cleanedProps
			}
		case "items":
			if items, ok := value.(map[string]interface{}); ok {
				out[key] = cleanSchemaMap(items)
			}
		case "type":
			// Union types collapse to their first non-null member.
			if list, ok := value.([]interface{}); ok {
				for _, t := range list {
					if s, okStr := t.(string); okStr && s != "null" {
						out[key] = s
						break
					}
				}
			} else {
				out[key] = value
			}
		default:
			out[key] = value
		}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

// TopLevelParams lists the schema's top-level property names, sorted for a
// stable STRICT PARAMETERS line.
func TopLevelParams(raw []byte) []string {
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
