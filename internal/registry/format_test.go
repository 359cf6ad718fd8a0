package registry

import "testing"

func TestDialectForPath(t *testing.T) {
	cases := map[string]Format{
		"/v1/chat/completions":       FormatOpenAIChat,
		"/abc123/v1/chat/completions": FormatOpenAIChat,
		"/v1/messages":               FormatClaude,
		"/v1/responses":              FormatOpenAIResponses,
		"/v1/api/chat":               FormatOllama,
		"/v1/embeddings":             FormatUnknown,
	}
	for path, want := range cases {
		if got := DialectForPath(path); got != want {
			t.Errorf("DialectForPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestResolveProviderAliasBijective(t *testing.T) {
	cases := map[string]string{
		"cc": "claude-code",
		"cx": "codex",
		"gc": "gemini-cli",
		"qw": "qwen-code",
		"if": "iflow",
		"ag": "antigravity",
		"gh": "github",
		"kr": "kiro",
		"cu": "cursor",
	}
	for alias, provider := range cases {
		got, ok := ResolveProviderAlias(alias)
		if !ok || got != provider {
			t.Errorf("ResolveProviderAlias(%q) = (%q, %v), want (%q, true)", alias, got, ok, provider)
		}
		if back := ProviderAliasOf(provider); back != alias {
			t.Errorf("ProviderAliasOf(%q) = %q, want %q", provider, back, alias)
		}
	}
}

func TestResolveProviderAliasIdentity(t *testing.T) {
	for _, p := range []string{"openai", "anthropic", "gemini", "openrouter", "glm", "kimi", "minimax"} {
		got, ok := ResolveProviderAlias(p)
		if !ok || got != p {
			t.Errorf("ResolveProviderAlias(%q) = (%q, %v), want identity", p, got, ok)
		}
	}
}
