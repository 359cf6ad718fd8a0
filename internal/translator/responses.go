package translator

import (
	"encoding/json"
	"fmt"

	"github.com/nodebridge/airouter/internal/ir"
	"github.com/tidwall/gjson"
)

// openaiChatToResponses converts an inbound openai-chat request into the
// OpenAI Responses API wire shape (the Codex/Copilot-responses dialect):
// "messages" becomes "input", and system messages become top-level
// "instructions". Provider-specific normalization (default instructions,
// forced store=false, reasoning-effort suffixes) is the Codex executor's
// job, not the dialect translator's.
var openaiChatToResponses = &Translator{
	Request: buildResponsesRequest,
}

var responsesToOpenAIChat = &Translator{
	Stream:    responsesStreamToOpenAIChat,
	NonStream: responsesNonStreamToOpenAIChat,
}

func buildResponsesRequest(model string, body []byte, stream bool) ([]byte, error) {
	req, err := ParseOpenAIChatRequest(body)
	if err != nil {
		return nil, err
	}
	req.Model = model

	var instructions string
	input := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == ir.RoleSystem {
			for _, p := range m.Content {
				instructions += p.Text
			}
			continue
		}
		input = append(input, buildResponsesInputItem(m))
	}

	out := map[string]any{
		"model":  model,
		"stream": stream,
		"input":  input,
	}
	if instructions != "" {
		out["instructions"] = instructions
	}
	if req.MaxTokens != nil {
		out["max_output_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		out["tools"] = tools
	}

	return json.Marshal(out)
}

func buildResponsesInputItem(m ir.Message) map[string]any {
	if m.Role == ir.RoleTool {
		for _, p := range m.Content {
			if p.Type == ir.ContentTypeToolResult {
				return map[string]any{
					"type":    "function_call_output",
					"call_id": p.ToolCallID,
					"output":  p.Text,
				}
			}
		}
	}
	if len(m.ToolCalls) > 0 {
		tc := m.ToolCalls[0]
		return map[string]any{
			"type":      "function_call",
			"call_id":   tc.ID,
			"name":      tc.Name,
			"arguments": tc.Args,
		}
	}
	var text string
	for _, p := range m.Content {
		if p.Type == ir.ContentTypeText {
			text += p.Text
		}
	}
	return map[string]any{
		"type": "message",
		"role": string(m.Role),
		"content": []map[string]any{
			{"type": "input_text", "text": text},
		},
	}
}

func responsesNonStreamToOpenAIChat(body []byte, model string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("translator: invalid JSON in responses body")
	}
	root := gjson.ParseBytes(body)
	msg := ir.Message{Role: ir.RoleAssistant}
	for _, item := range root.Get("output").Array() {
		switch item.Get("type").String() {
		case "message":
			for _, c := range item.Get("content").Array() {
				if c.Get("type").String() == "output_text" {
					msg.Content = append(msg.Content, ir.ContentPart{Type: ir.ContentTypeText, Text: c.Get("text").String()})
				}
			}
		case "function_call":
			msg.ToolCalls = append(msg.ToolCalls, ir.ToolCall{
				ID:   item.Get("call_id").String(),
				Name: item.Get("name").String(),
				Args: item.Get("arguments").String(),
			})
		}
	}

	var usage *ir.Usage
	if u := root.Get("usage"); u.Exists() {
		usage = &ir.Usage{
			PromptTokens:     int(u.Get("input_tokens").Int()),
			CompletionTokens: int(u.Get("output_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}
	return BuildOpenAIChatResponse([]ir.Message{msg}, usage, model, root.Get("id").String())
}

// responsesStreamToOpenAIChat handles the Responses API's named-event
// stream (response.output_text.delta, response.function_call_arguments.delta,
// response.completed, response.failed) per spec.md §4.F.
func responsesStreamToOpenAIChat(parsed []byte, state *State) ([]byte, error) {
	if !gjson.ValidBytes(parsed) {
		return nil, nil
	}
	root := gjson.ParseBytes(parsed)
	switch root.Get("type").String() {
	case "response.output_text.delta":
		return BuildOpenAIChatStreamChunk(state.Model, state.MessageID, int(root.Get("output_index").Int()), root.Get("delta").String(), nil, ir.FinishReasonUnknown)
	case "response.function_call_arguments.delta":
		index := int(root.Get("output_index").Int())
		id := state.ToolCallIDMap[fmt.Sprintf("%d", index)]
		return BuildOpenAIChatStreamChunk(state.Model, state.MessageID, index, "", &ir.ToolCall{ID: id, Args: root.Get("delta").String()}, ir.FinishReasonUnknown)
	case "response.output_item.added":
		item := root.Get("item")
		if item.Get("type").String() == "function_call" {
			index := int(root.Get("output_index").Int())
			id := item.Get("call_id").String()
			state.ToolCallIDMap[fmt.Sprintf("%d", index)] = id
			return BuildOpenAIChatStreamChunk(state.Model, state.MessageID, index, "", &ir.ToolCall{ID: id, Name: item.Get("name").String()}, ir.FinishReasonUnknown)
		}
		return nil, nil
	case "response.completed":
		state.FinishSent = true
		if chunk, err := BuildOpenAIChatStreamChunk(state.Model, state.MessageID, 0, "", nil, ir.FinishReasonStop); err == nil {
			return append(chunk, DoneFrame()...), nil
		}
		return DoneFrame(), nil
	case "response.failed":
		return nil, fmt.Errorf("translator: upstream response.failed: %s", root.Get("response.error.message").String())
	default:
		return nil, nil
	}
}
