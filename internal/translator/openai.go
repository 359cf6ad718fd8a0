package translator

import (
	"encoding/json"
	"fmt"

	"github.com/nodebridge/airouter/internal/ir"
	"github.com/tidwall/gjson"
)

// ParseOpenAIChatRequest converts an OpenAI Chat Completions body into IR.
func ParseOpenAIChatRequest(body []byte) (*ir.UnifiedChatRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("translator: invalid JSON in openai-chat request")
	}
	root := gjson.ParseBytes(body)

	req := &ir.UnifiedChatRequest{
		Model:  root.Get("model").String(),
		Stream: root.Get("stream").Bool(),
	}
	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}
	if v := root.Get("max_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	}

	toolNameByCallID := map[string]string{}
	for _, m := range root.Get("messages").Array() {
		msg := ir.Message{Role: ir.Role(m.Get("role").String())}
		if name := m.Get("name").String(); name != "" {
			msg.Name = name
		}

		content := m.Get("content")
		switch {
		case content.IsArray():
			for _, part := range content.Array() {
				msg.Content = append(msg.Content, parseOpenAIContentPart(part))
			}
		case content.Type == gjson.String:
			if text := content.String(); text != "" {
				msg.Content = append(msg.Content, ir.ContentPart{Type: ir.ContentTypeText, Text: ir.SanitizeText(text)})
			}
		}

		for _, tc := range m.Get("tool_calls").Array() {
			id := tc.Get("id").String()
			name := tc.Get("function.name").String()
			toolNameByCallID[id] = name
			msg.ToolCalls = append(msg.ToolCalls, ir.ToolCall{
				ID:   id,
				Name: name,
				Args: tc.Get("function.arguments").String(),
			})
		}

		if msg.Role == ir.RoleTool {
			callID := m.Get("tool_call_id").String()
			msg.Content = []ir.ContentPart{{
				Type:       ir.ContentTypeToolResult,
				ToolCallID: callID,
				ToolName:   toolNameByCallID[callID],
				Text:       m.Get("content").String(),
			}}
		}

		req.Messages = append(req.Messages, msg)
	}

	for _, t := range root.Get("tools").Array() {
		fn := t.Get("function")
		if !fn.Exists() {
			continue
		}
		var params map[string]any
		if raw := fn.Get("parameters"); raw.Exists() {
			_ = json.Unmarshal([]byte(raw.Raw), &params)
		}
		req.Tools = append(req.Tools, ir.ToolDefinition{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
			Parameters:  params,
		})
	}

	return req, nil
}

func parseOpenAIContentPart(part gjson.Result) ir.ContentPart {
	switch part.Get("type").String() {
	case "image_url":
		return ir.ContentPart{Type: ir.ContentTypeImage, ImageURL: part.Get("image_url.url").String()}
	default:
		return ir.ContentPart{Type: ir.ContentTypeText, Text: ir.SanitizeText(part.Get("text").String())}
	}
}

// BuildOpenAIChatRequest serializes IR back into an OpenAI Chat Completions body.
func BuildOpenAIChatRequest(req *ir.UnifiedChatRequest) ([]byte, error) {
	out := map[string]any{
		"model":  req.Model,
		"stream": req.Stream,
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		out["max_tokens"] = *req.MaxTokens
	}

	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, buildOpenAIChatMessage(m))
	}
	out["messages"] = messages

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		out["tools"] = tools
	}

	return json.Marshal(out)
}

func buildOpenAIChatMessage(m ir.Message) map[string]any {
	msg := map[string]any{"role": string(m.Role)}
	if m.Name != "" {
		msg["name"] = m.Name
	}

	if m.Role == ir.RoleTool {
		for _, p := range m.Content {
			if p.Type == ir.ContentTypeToolResult {
				msg["tool_call_id"] = p.ToolCallID
				msg["content"] = p.Text
			}
		}
		return msg
	}

	var text string
	for _, p := range m.Content {
		if p.Type == ir.ContentTypeText {
			text += p.Text
		}
	}
	msg["content"] = text

	if len(m.ToolCalls) > 0 {
		calls := make([]map[string]any, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Args,
				},
			})
		}
		msg["tool_calls"] = calls
	}
	return msg
}

// ParseOpenAIChatResponse converts a non-streaming OpenAI Chat Completions
// response body into IR messages + usage.
func ParseOpenAIChatResponse(body []byte) ([]ir.Message, *ir.Usage, error) {
	if !gjson.ValidBytes(body) {
		return nil, nil, fmt.Errorf("translator: invalid JSON in openai-chat response")
	}
	root := gjson.ParseBytes(body)
	var messages []ir.Message
	for _, choice := range root.Get("choices").Array() {
		m := choice.Get("message")
		msg := ir.Message{Role: ir.RoleAssistant}
		if text := m.Get("content").String(); text != "" {
			msg.Content = append(msg.Content, ir.ContentPart{Type: ir.ContentTypeText, Text: text})
		}
		for _, tc := range m.Get("tool_calls").Array() {
			msg.ToolCalls = append(msg.ToolCalls, ir.ToolCall{
				ID:   tc.Get("id").String(),
				Name: tc.Get("function.name").String(),
				Args: tc.Get("function.arguments").String(),
			})
		}
		messages = append(messages, msg)
	}

	var usage *ir.Usage
	if u := root.Get("usage"); u.Exists() {
		usage = &ir.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}
	return messages, usage, nil
}

// BuildOpenAIChatResponse serializes IR messages + usage into an OpenAI
// Chat Completions non-streaming envelope.
func BuildOpenAIChatResponse(messages []ir.Message, usage *ir.Usage, model, messageID string) ([]byte, error) {
	choices := make([]map[string]any, 0, len(messages))
	for i, m := range messages {
		choices = append(choices, map[string]any{
			"index":         i,
			"message":       buildOpenAIChatMessage(m),
			"finish_reason": "stop",
		})
	}
	out := map[string]any{
		"id":      messageID,
		"object":  "chat.completion",
		"model":   model,
		"choices": choices,
	}
	if usage != nil {
		out["usage"] = map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		}
	}
	return json.Marshal(out)
}

// BuildOpenAIChatStreamChunk wraps a single text delta into an OpenAI Chat
// Completions streaming chunk, fully SSE-framed ("data: ...\n\n").
func BuildOpenAIChatStreamChunk(model, messageID string, index int, textDelta string, toolCall *ir.ToolCall, finish ir.FinishReason) ([]byte, error) {
	delta := map[string]any{}
	if textDelta != "" {
		delta["content"] = textDelta
	}
	if toolCall != nil {
		delta["tool_calls"] = []map[string]any{{
			"index": index,
			"id":    toolCall.ID,
			"type":  "function",
			"function": map[string]any{
				"name":      toolCall.Name,
				"arguments": toolCall.Args,
			},
		}}
	}
	choice := map[string]any{"index": index, "delta": delta}
	if finish != ir.FinishReasonUnknown {
		choice["finish_reason"] = string(finish)
	} else {
		choice["finish_reason"] = nil
	}
	chunk := map[string]any{
		"id":      messageID,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{choice},
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, err
	}
	return sseFrame("", data), nil
}

func sseFrame(event string, data []byte) []byte {
	var out []byte
	if event != "" {
		out = append(out, []byte("event: "+event+"\n")...)
	}
	out = append(out, []byte("data: ")...)
	out = append(out, data...)
	out = append(out, []byte("\n\n")...)
	return out
}

// DoneFrame is the terminal "data: [DONE]\n\n" marker (spec.md invariant 6).
func DoneFrame() []byte {
	return []byte("data: [DONE]\n\n")
}
