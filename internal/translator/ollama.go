package translator

import (
	"encoding/json"
	"fmt"

	"github.com/nodebridge/airouter/internal/ir"
	"github.com/nodebridge/airouter/internal/registry"
	"github.com/tidwall/gjson"
)

// ollamaToOpenAIChat parses an inbound /api/chat body (Ollama dialect) into
// the openai-chat wire shape the rest of the pipeline speaks internally.
var ollamaToOpenAIChat = &Translator{
	Request: ollamaRequestToOpenAIChat,
}

// openaiChatToOllama formats an upstream openai-chat response back into
// Ollama's newline-delimited JSON object framing for the response leg of
// an /api/chat call, synthesized entirely from the openai-chat shape per
// spec.md §6 (Ollama is never an upstream provider dialect).
var openaiChatToOllama = &Translator{
	Stream:    openaiChatStreamToOllama,
	NonStream: openaiChatNonStreamToOllama,
}

func init() {
	Register(registry.FormatOllama, registry.FormatOpenAIChat, ollamaToOpenAIChat)
}

func ollamaRequestToOpenAIChat(model string, body []byte, stream bool) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("translator: invalid JSON in ollama request")
	}
	root := gjson.ParseBytes(body)
	req := &ir.UnifiedChatRequest{Model: model, Stream: stream}
	for _, m := range root.Get("messages").Array() {
		req.Messages = append(req.Messages, ir.Message{
			Role:    ir.Role(m.Get("role").String()),
			Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: ir.SanitizeText(m.Get("content").String())}},
		})
	}
	return BuildOpenAIChatRequest(req)
}

func openaiChatNonStreamToOllama(body []byte, model string) ([]byte, error) {
	messages, _, err := ParseOpenAIChatResponse(body)
	if err != nil {
		return nil, err
	}
	var text string
	if len(messages) > 0 {
		for _, p := range messages[0].Content {
			text += p.Text
		}
	}
	out := map[string]any{
		"model": model,
		"message": map[string]any{
			"role":    "assistant",
			"content": text,
		},
		"done": true,
	}
	return json.Marshal(out)
}

// openaiChatStreamToOllama re-frames one openai-chat streaming chunk's
// text delta as an Ollama NDJSON object. Ollama has no SSE "data:" framing
// and no terminal sentinel beyond the final done=true object.
func openaiChatStreamToOllama(parsed []byte, state *State) ([]byte, error) {
	if !gjson.ValidBytes(parsed) {
		return nil, nil
	}
	root := gjson.ParseBytes(parsed)
	choice := root.Get("choices.0")
	delta := choice.Get("delta.content").String()
	finish := choice.Get("finish_reason")

	done := finish.Exists() && finish.String() != ""
	obj := map[string]any{
		"model": state.Model,
		"message": map[string]any{
			"role":    "assistant",
			"content": delta,
		},
		"done": done,
	}
	line, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
