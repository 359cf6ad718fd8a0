package api

import (
	"strings"

	"github.com/tidwall/gjson"
)

func extractModel(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

func extractStream(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// extractEmbeddingsInput returns the concatenated text of an embeddings
// request's "input" field, which may be a single string or an array of
// strings.
func extractEmbeddingsInput(body []byte) string {
	input := gjson.GetBytes(body, "input")
	if input.IsArray() {
		var sb strings.Builder
		for _, item := range input.Array() {
			sb.WriteString(item.String())
			sb.WriteByte(' ')
		}
		return sb.String()
	}
	return input.String()
}
