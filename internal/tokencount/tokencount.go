// Package tokencount provides a pure token-count estimate for surfaces
// (embeddings, usage logging) that want a number before an upstream
// response supplies an authoritative one. It does not bill or enforce
// quota — that stays with the external usage collaborator spec.md names.
package tokencount

import "github.com/tiktoken-go/tokenizer"

var codec tokenizer.Codec

func init() {
	c, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err == nil {
		codec = c
	}
}

// Estimate returns the approximate token count of text. Falls back to a
// byte-length heuristic if the cl100k_base codec failed to load.
func Estimate(text string) int {
	if codec == nil {
		return len(text) / 4
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}
