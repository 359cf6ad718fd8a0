package ir

import (
	"fmt"
	"regexp"
	"strings"
)

// unsupportedGeminiSchemaKeywords is the UNSUPPORTED_SCHEMA_CONSTRAINTS set
// from spec.md §4.A — keywords Gemini's function-declaration schema rejects.
var unsupportedGeminiSchemaKeywords = []string{
	"minLength", "maxLength", "exclusiveMinimum", "exclusiveMaximum", "pattern",
	"minItems", "maxItems", "format", "default", "examples", "$schema", "$defs",
	"definitions", "const", "$ref", "additionalProperties", "propertyNames",
	"patternProperties", "anyOf", "oneOf", "allOf", "not", "dependencies",
	"dependentSchemas", "dependentRequired", "title", "if", "then", "else",
	"contentMediaType", "contentEncoding",
}

// CleanForGemini recursively strips keywords Gemini's tool-schema validator
// rejects, flattens anyOf/oneOf to their first non-null branch, coalesces
// nullable type arrays, drops required entries absent from properties, and
// injects a placeholder "reason" property for empty object schemas.
//
// It is idempotent: CleanForGemini(CleanForGemini(s)) == CleanForGemini(s).
func CleanForGemini(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	cleanForGeminiInPlace(schema)
	return schema
}

func cleanForGeminiInPlace(schema map[string]any) {
	// Flatten anyOf/oneOf to the first non-null branch before deleting them.
	for _, key := range []string{"anyOf", "oneOf"} {
		if branches, ok := schema[key].([]any); ok {
			if branch := firstNonNullBranch(branches); branch != nil {
				if branchMap, ok := branch.(map[string]any); ok {
					for k, v := range branchMap {
						if _, exists := schema[k]; !exists {
							schema[k] = DeepCopy(v)
						}
					}
				}
			}
		}
	}

	for _, kw := range unsupportedGeminiSchemaKeywords {
		delete(schema, kw)
	}

	// Coalesce type arrays like ["string","null"] to "string".
	if typeArr, ok := schema["type"].([]any); ok {
		selected := ""
		for _, t := range typeArr {
			if ts, ok := t.(string); ok && ts != "null" {
				selected = ts
				break
			}
		}
		if selected == "" {
			selected = "string"
		}
		schema["type"] = selected
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		for _, v := range props {
			if propSchema, ok := v.(map[string]any); ok {
				cleanForGeminiInPlace(propSchema)
			}
		}
		// Drop required entries absent from properties.
		if req, ok := schema["required"].([]any); ok {
			newReq := make([]any, 0, len(req))
			for _, r := range req {
				if name, ok := r.(string); ok {
					if _, exists := props[name]; exists {
						newReq = append(newReq, name)
					}
				}
			}
			if len(newReq) == 0 {
				delete(schema, "required")
			} else {
				schema["required"] = newReq
			}
		}
		if t, _ := schema["type"].(string); t == "object" && len(props) == 0 {
			schema["properties"] = map[string]any{
				"reason": map[string]any{"type": "string", "description": "Reason for calling this tool"},
			}
		}
	}

	if items, ok := schema["items"].(map[string]any); ok {
		cleanForGeminiInPlace(items)
	}
}

func firstNonNullBranch(branches []any) any {
	for _, b := range branches {
		if bm, ok := b.(map[string]any); ok {
			if t, _ := bm["type"].(string); t == "null" {
				continue
			}
			return b
		}
	}
	if len(branches) > 0 {
		return branches[0]
	}
	return nil
}

// githubToolNamePattern is the name validator GitHub Copilot's tool
// declaration endpoint enforces.
var githubToolNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.:\-]*$`)

const githubMaxTools = 128
const githubMaxNameLen = 64

// SanitizeToolsForGitHub caps the tool list at 128 entries, truncates
// function names to 64 chars, drops names that don't match
// [A-Za-z_][A-Za-z0-9_.:\-]*, and deduplicates by name keeping the first.
//
// It is idempotent and a no-op for already-valid, short, deduplicated,
// <=128-entry lists (spec.md §8 property 5).
func SanitizeToolsForGitHub(tools []ToolDefinition) []ToolDefinition {
	seen := make(map[string]bool, len(tools))
	out := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		name := t.Name
		if len(name) > githubMaxNameLen {
			name = name[:githubMaxNameLen]
		}
		if !githubToolNamePattern.MatchString(name) {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		t.Name = name
		out = append(out, t)
		if len(out) >= githubMaxTools {
			break
		}
	}
	return out
}

// claudeDefaultExampleKeys are stripped from Claude-target tool schemas per
// spec.md §4.A ("Claude target (Antigravity): respect mode requirements for
// default/examples removal").
var claudeDefaultExampleKeys = []string{"default", "examples"}

// CleanForClaude removes default/examples keys recursively, matching the
// Antigravity-mode Claude schema requirements.
func CleanForClaude(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	for _, k := range claudeDefaultExampleKeys {
		delete(schema, k)
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		for _, v := range props {
			if propSchema, ok := v.(map[string]any); ok {
				CleanForClaude(propSchema)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		CleanForClaude(items)
	}
	return schema
}

// DescribeConstraintsInline migrates validation keywords that a target
// dialect doesn't support into a human-readable suffix on "description",
// rather than silently dropping information the model might need.
func DescribeConstraintsInline(schema map[string]any, fields map[string]string) {
	var hints []string
	for field, label := range fields {
		if v, ok := schema[field]; ok && v != nil {
			hints = append(hints, fmt.Sprintf("%s: %s", label, fmtHint(v)))
		}
	}
	if len(hints) == 0 {
		return
	}
	suffix := fmt.Sprintf(" [Constraint: %s]", strings.Join(hints, ", "))
	desc, _ := schema["description"].(string)
	if !strings.Contains(desc, suffix) {
		schema["description"] = desc + suffix
	}
}
