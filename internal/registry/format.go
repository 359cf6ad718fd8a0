// Package registry holds the two closed taxonomies the rest of the engine
// keys off of: wire Format tags and provider alias strings. Keeping them as
// Go enums (rather than the teacher's raw string switches) lets the
// translator and executor registries be compile-time-checked 2-D tables,
// per the "tagged variant + registry" design note in spec.md §9.
package registry

import "strings"

// Format is a wire dialect tag. The set is closed per spec.md §4.A.
type Format int

const (
	FormatUnknown Format = iota
	FormatOpenAIChat
	FormatOpenAIResponses
	FormatClaude
	FormatGemini
	FormatOllama
	FormatCursor
)

// NumFormats bounds the translator registry's 2-D array.
const NumFormats = int(FormatCursor) + 1

func (f Format) String() string {
	switch f {
	case FormatOpenAIChat:
		return "openai-chat"
	case FormatOpenAIResponses:
		return "openai-responses"
	case FormatClaude:
		return "claude"
	case FormatGemini:
		return "gemini"
	case FormatOllama:
		return "ollama"
	case FormatCursor:
		return "cursor"
	default:
		return "unknown"
	}
}

// ParseFormat resolves a format tag string back into its enum value.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai-chat", "openai", "chat":
		return FormatOpenAIChat
	case "openai-responses", "responses", "codex":
		return FormatOpenAIResponses
	case "claude", "anthropic":
		return FormatClaude
	case "gemini", "gemini-cli", "antigravity":
		return FormatGemini
	case "ollama":
		return FormatOllama
	case "cursor":
		return FormatCursor
	default:
		return FormatUnknown
	}
}

// DialectForPath maps an inbound HTTP path suffix to its Format, per
// spec.md §4.G step 4.
func DialectForPath(path string) Format {
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		return FormatOpenAIChat
	case strings.HasSuffix(path, "/messages"):
		return FormatClaude
	case strings.HasSuffix(path, "/responses"):
		return FormatOpenAIResponses
	case strings.HasSuffix(path, "/api/chat"):
		return FormatOllama
	default:
		return FormatUnknown
	}
}

// ProviderAlias is the fixed, bijective alias ↔ provider table from
// spec.md §4.C. Providers without a short alias (openai, anthropic, gemini,
// openrouter, glm, kimi, minimax) use their own name as the alias (identity).
var aliasToProvider = map[string]string{
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

var providerToAlias = func() map[string]string {
	out := make(map[string]string, len(aliasToProvider))
	for alias, provider := range aliasToProvider {
		out[provider] = alias
	}
	return out
}()

var identityProviders = map[string]bool{
	"openai": true, "anthropic": true, "gemini": true,
	"openrouter": true, "glm": true, "kimi": true, "minimax": true,
}

// ResolveProviderAlias expands a short alias (e.g. "cc") to its full
// provider tag (e.g. "claude-code"). Providers with no short alias, and
// provider tags that are already canonical, resolve to themselves.
func ResolveProviderAlias(alias string) (provider string, ok bool) {
	alias = strings.ToLower(strings.TrimSpace(alias))
	if alias == "" {
		return "", false
	}
	if provider, found := aliasToProvider[alias]; found {
		return provider, true
	}
	if identityProviders[alias] {
		return alias, true
	}
	// Unknown short code: still accept full provider names that happen to
	// equal a provider alias's expansion, so "github"/"cursor"/etc. work
	// even when given in long form.
	for _, p := range aliasToProvider {
		if p == alias {
			return p, true
		}
	}
	return "", false
}

// ProviderAliasOf returns the short alias for a canonical provider tag, or
// the provider tag itself for identity providers.
func ProviderAliasOf(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if alias, ok := providerToAlias[provider]; ok {
		return alias
	}
	return provider
}
