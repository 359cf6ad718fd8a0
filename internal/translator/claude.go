package translator

import (
	"encoding/json"
	"fmt"

	"github.com/nodebridge/airouter/internal/ir"
	"github.com/tidwall/gjson"
)

// openaiChatToClaude builds Claude Messages API bodies from an inbound
// openai-chat request, and reassembles Claude SSE events back into the
// openai-chat dialect on the response side.
var openaiChatToClaude = &Translator{
	Request: buildClaudeRequest,
}

var claudeToOpenAIChat = &Translator{
	Stream:    claudeStreamToOpenAIChat,
	NonStream: claudeNonStreamToOpenAIChat,
}

func buildClaudeRequest(model string, body []byte, stream bool) ([]byte, error) {
	req, err := ParseOpenAIChatRequest(body)
	if err != nil {
		return nil, err
	}
	req.Model = model
	req.Stream = stream

	var system string
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == ir.RoleSystem {
			for _, p := range m.Content {
				system += p.Text
			}
			continue
		}
		messages = append(messages, buildClaudeMessage(m))
	}

	out := map[string]any{
		"model":    model,
		"stream":   stream,
		"messages": messages,
	}
	if system != "" {
		out["system"] = system
	}
	if req.MaxTokens != nil {
		out["max_tokens"] = *req.MaxTokens
	} else {
		out["max_tokens"] = 4096
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": ir.CleanForClaude(t.Parameters),
			})
		}
		out["tools"] = tools
	}

	return json.Marshal(out)
}

func buildClaudeMessage(m ir.Message) map[string]any {
	msg := map[string]any{"role": string(m.Role)}

	var blocks []map[string]any
	for _, p := range m.Content {
		switch p.Type {
		case ir.ContentTypeText:
			if p.Text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
			}
		case ir.ContentTypeToolResult:
			blocks = append(blocks, map[string]any{
				"type":        "tool_result",
				"tool_use_id": p.ToolCallID,
				"content":     p.Text,
				"is_error":    p.IsError,
			})
		case ir.ContentTypeImage:
			blocks = append(blocks, map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "url", "url": p.ImageURL},
			})
		}
	}
	for _, tc := range m.ToolCalls {
		var args any
		_ = json.Unmarshal([]byte(tc.Args), &args)
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": args,
		})
	}
	msg["content"] = blocks
	return msg
}

func claudeNonStreamToOpenAIChat(body []byte, model string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("translator: invalid JSON in claude response")
	}
	root := gjson.ParseBytes(body)
	msg := ir.Message{Role: ir.RoleAssistant}
	for _, block := range root.Get("content").Array() {
		switch block.Get("type").String() {
		case "text":
			msg.Content = append(msg.Content, ir.ContentPart{Type: ir.ContentTypeText, Text: block.Get("text").String()})
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, ir.ToolCall{
				ID:   block.Get("id").String(),
				Name: block.Get("name").String(),
				Args: block.Get("input").Raw,
			})
		}
	}

	usage := &ir.Usage{
		PromptTokens:     int(root.Get("usage.input_tokens").Int()),
		CompletionTokens: int(root.Get("usage.output_tokens").Int()),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return BuildOpenAIChatResponse([]ir.Message{msg}, usage, model, root.Get("id").String())
}

// claudeStreamToOpenAIChat converts one Claude SSE data payload
// (content_block_delta / message_delta / message_stop, etc.) into zero or
// one openai-chat streaming chunks.
func claudeStreamToOpenAIChat(parsed []byte, state *State) ([]byte, error) {
	if !gjson.ValidBytes(parsed) {
		return nil, nil
	}
	root := gjson.ParseBytes(parsed)
	switch root.Get("type").String() {
	case "content_block_delta":
		index := int(root.Get("index").Int())
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return BuildOpenAIChatStreamChunk(state.Model, state.MessageID, index, delta.Get("text").String(), nil, ir.FinishReasonUnknown)
		case "input_json_delta":
			id := state.ToolCallIDMap[fmt.Sprintf("%d", index)]
			return BuildOpenAIChatStreamChunk(state.Model, state.MessageID, index, "", &ir.ToolCall{ID: id, Args: delta.Get("partial_json").String()}, ir.FinishReasonUnknown)
		}
		return nil, nil
	case "content_block_start":
		block := root.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			index := int(root.Get("index").Int())
			id := block.Get("id").String()
			state.ToolCallIDMap[fmt.Sprintf("%d", index)] = id
			return BuildOpenAIChatStreamChunk(state.Model, state.MessageID, index, "", &ir.ToolCall{ID: id, Name: block.Get("name").String()}, ir.FinishReasonUnknown)
		}
		return nil, nil
	case "message_delta":
		if reason := mapClaudeStopReason(root.Get("delta.stop_reason").String()); reason != ir.FinishReasonUnknown {
			state.FinishSent = true
			return BuildOpenAIChatStreamChunk(state.Model, state.MessageID, 0, "", nil, reason)
		}
		return nil, nil
	case "message_stop":
		if state.FinishSent {
			return DoneFrame(), nil
		}
		return DoneFrame(), nil
	default:
		return nil, nil
	}
}

func mapClaudeStopReason(reason string) ir.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return ir.FinishReasonStop
	case "max_tokens":
		return ir.FinishReasonLength
	case "tool_use":
		return ir.FinishReasonToolCalls
	default:
		return ir.FinishReasonUnknown
	}
}
