package ir

import (
	"reflect"
	"testing"
)

func TestCleanForGeminiRemovesUnsupportedKeywords(t *testing.T) {
	schema := map[string]any{
		"type":        "string",
		"minLength":   float64(1),
		"pattern":     "^a",
		"description": "a field",
	}
	cleaned := CleanForGemini(schema)
	for _, kw := range []string{"minLength", "pattern"} {
		if _, ok := cleaned[kw]; ok {
			t.Fatalf("expected %q to be removed, got %v", kw, cleaned)
		}
	}
}

func TestCleanForGeminiIsIdempotent(t *testing.T) {
	schema := map[string]any{
		"type": []any{"string", "null"},
		"anyOf": []any{
			map[string]any{"type": "string"},
			map[string]any{"type": "null"},
		},
	}
	once := CleanForGemini(schema)
	copyOnce := DeepCopy(once).(map[string]any)
	twice := CleanForGemini(once)
	if !reflect.DeepEqual(copyOnce, twice) {
		t.Fatalf("CleanForGemini not idempotent: %v vs %v", copyOnce, twice)
	}
}

func TestCleanForGeminiEmptyObjectGetsPlaceholder(t *testing.T) {
	schema := map[string]any{"type": "object", "properties": map[string]any{}}
	cleaned := CleanForGemini(schema)
	props, ok := cleaned["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		t.Fatalf("expected placeholder reason property, got %v", cleaned)
	}
	if _, ok := props["reason"]; !ok {
		t.Fatalf("expected 'reason' placeholder property, got %v", props)
	}
}

func TestCleanForGeminiDropsRequiredAbsentFromProperties(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"a": map[string]any{"type": "string"}},
		"required":   []any{"a", "ghost"},
	}
	cleaned := CleanForGemini(schema)
	req, _ := cleaned["required"].([]any)
	if len(req) != 1 || req[0] != "a" {
		t.Fatalf("expected required=[a], got %v", req)
	}
}

func TestSanitizeToolsForGitHubIdentityOnValidInput(t *testing.T) {
	tools := []ToolDefinition{
		{Name: "search_docs"},
		{Name: "list_files"},
	}
	got := SanitizeToolsForGitHub(tools)
	if !reflect.DeepEqual(got, tools) {
		t.Fatalf("expected identity for valid tool list, got %v", got)
	}
}

func TestSanitizeToolsForGitHubCapsAndDedupes(t *testing.T) {
	tools := make([]ToolDefinition, 0, 200)
	for i := 0; i < 150; i++ {
		tools = append(tools, ToolDefinition{Name: "tool_dup"})
	}
	got := SanitizeToolsForGitHub(tools)
	if len(got) != 1 {
		t.Fatalf("expected dedupe to 1 entry, got %d", len(got))
	}
}

func TestSanitizeToolsForGitHubRejectsInvalidNames(t *testing.T) {
	tools := []ToolDefinition{
		{Name: "1starts_with_digit"},
		{Name: "valid_name"},
		{Name: "has space"},
	}
	got := SanitizeToolsForGitHub(tools)
	if len(got) != 1 || got[0].Name != "valid_name" {
		t.Fatalf("expected only valid_name to survive, got %v", got)
	}
}

func TestSanitizeToolsForGitHubIsIdempotent(t *testing.T) {
	tools := []ToolDefinition{{Name: "a"}, {Name: "a"}, {Name: "b_very_long_name_that_exceeds_the_sixty_four_character_limit_xxxxx"}}
	once := SanitizeToolsForGitHub(tools)
	twice := SanitizeToolsForGitHub(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("SanitizeToolsForGitHub not idempotent: %v vs %v", once, twice)
	}
}
