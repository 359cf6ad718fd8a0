package ir

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// GenerateUUID generates a UUID v4 string.
func GenerateUUID() string {
	return uuid.NewString()
}

// GenToolCallID generates a unique OpenAI-style tool call ID.
func GenToolCallID() string {
	return "call-" + GenerateUUID()[:8]
}

// GenClaudeToolCallID generates a Claude-style tool call ID.
func GenClaudeToolCallID() string {
	return "toolu-" + GenerateUUID()[:8]
}

// EncodeToolIDWithSignature packs a reasoning thought-signature into a tool
// call ID so it survives a round-trip through clients that only echo back
// the ID. Format: "<id>|sig:<signature>"; empty signature is a no-op.
func EncodeToolIDWithSignature(id, signature string) string {
	id = strings.TrimSpace(id)
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return id
	}
	if id == "" {
		id = "tool"
	}
	return id + "|sig:" + signature
}

// DecodeToolIDAndSignature reverses EncodeToolIDWithSignature.
func DecodeToolIDAndSignature(encoded string) (id, signature string) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return "", ""
	}
	const marker = "|sig:"
	idx := strings.Index(encoded, marker)
	if idx < 0 {
		return encoded, ""
	}
	return strings.TrimSpace(encoded[:idx]), strings.TrimSpace(encoded[idx+len(marker):])
}

// CopyMap deep-copies a JSON-shaped map.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = DeepCopy(v)
	}
	return out
}

// CopySlice deep-copies a JSON-shaped slice.
func CopySlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = DeepCopy(v)
	}
	return out
}

// DeepCopy deep-copies any JSON-decoded value (map, slice, or scalar).
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyMap(val)
	case []any:
		return CopySlice(val)
	default:
		return val
	}
}

// SanitizeText strips invalid UTF-8 and disallowed control characters from
// text before it is placed into an outbound provider payload.
func SanitizeText(s string) string {
	if s == "" || (utf8.ValidString(s) && !hasProblematicChars(s)) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			i++
			continue
		}
		if r == 0 || (r < 0x20 && r != '\t' && r != '\n' && r != '\r') {
			i += size
			continue
		}
		b.WriteRune(r)
		i += size
	}
	return b.String()
}

func hasProblematicChars(s string) bool {
	for _, r := range s {
		if r == 0 || (r < 0x20 && r != '\t' && r != '\n' && r != '\r') {
			return true
		}
	}
	return false
}

// fmtHint formats a constraint value for a migrated-to-description hint.
func fmtHint(v any) string {
	return fmt.Sprintf("%v", v)
}
