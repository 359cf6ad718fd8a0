package translator

import (
	"encoding/json"
	"fmt"

	"github.com/nodebridge/airouter/internal/ir"
	"github.com/tidwall/gjson"
)

// openaiChatToGemini builds Gemini generateContent bodies from an inbound
// openai-chat request, running tool schemas through ir.CleanForGemini per
// spec.md §4.A's Gemini-target schema hygiene rules.
var openaiChatToGemini = &Translator{
	Request: buildGeminiRequest,
}

var geminiToOpenAIChat = &Translator{
	Stream:    geminiStreamToOpenAIChat,
	NonStream: geminiNonStreamToOpenAIChat,
}

func buildGeminiRequest(model string, body []byte, stream bool) ([]byte, error) {
	req, err := ParseOpenAIChatRequest(body)
	if err != nil {
		return nil, err
	}
	req.Model = model

	var systemParts []map[string]any
	contents := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == ir.RoleSystem {
			for _, p := range m.Content {
				systemParts = append(systemParts, map[string]any{"text": p.Text})
			}
			continue
		}
		contents = append(contents, buildGeminiContent(m))
	}

	out := map[string]any{"contents": contents}
	if len(systemParts) > 0 {
		out["systemInstruction"] = map[string]any{"parts": systemParts}
	}

	genConfig := map[string]any{}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genConfig["topP"] = *req.TopP
	}
	if req.MaxTokens != nil {
		genConfig["maxOutputTokens"] = *req.MaxTokens
	}
	if len(genConfig) > 0 {
		out["generationConfig"] = genConfig
	}

	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  ir.CleanForGemini(ir.CopyMap(t.Parameters)),
			})
		}
		out["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	return json.Marshal(out)
}

func buildGeminiContent(m ir.Message) map[string]any {
	role := "user"
	if m.Role == ir.RoleAssistant {
		role = "model"
	}
	var parts []map[string]any
	for _, p := range m.Content {
		switch p.Type {
		case ir.ContentTypeText:
			if p.Text != "" {
				parts = append(parts, map[string]any{"text": p.Text})
			}
		case ir.ContentTypeToolResult:
			var resp any
			if err := json.Unmarshal([]byte(p.Text), &resp); err != nil {
				resp = map[string]any{"result": p.Text}
			}
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"name":     p.ToolName,
					"response": resp,
				},
			})
		case ir.ContentTypeImage:
			parts = append(parts, map[string]any{
				"inlineData": map[string]any{"mimeType": p.MimeType, "data": p.ImageURL},
			})
		}
	}
	for _, tc := range m.ToolCalls {
		var args any
		_ = json.Unmarshal([]byte(tc.Args), &args)
		part := map[string]any{
			"functionCall": map[string]any{
				"name": tc.Name,
				"args": args,
			},
		}
		if _, sig := ir.DecodeToolIDAndSignature(tc.ID); sig != "" {
			part["thoughtSignature"] = sig
		}
		parts = append(parts, part)
	}
	return map[string]any{"role": role, "parts": parts}
}

func geminiNonStreamToOpenAIChat(body []byte, model string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("translator: invalid JSON in gemini response")
	}
	root := gjson.ParseBytes(body)
	candidate := root.Get("candidates.0")
	msg := ir.Message{Role: ir.RoleAssistant}
	for _, part := range candidate.Get("content.parts").Array() {
		if text := part.Get("text"); text.Exists() {
			msg.Content = append(msg.Content, ir.ContentPart{Type: ir.ContentTypeText, Text: text.String()})
			continue
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			id := ir.GenToolCallID()
			if sig := part.Get("thoughtSignature").String(); sig != "" {
				id = ir.EncodeToolIDWithSignature(id, sig)
			}
			msg.ToolCalls = append(msg.ToolCalls, ir.ToolCall{
				ID:   id,
				Name: fc.Get("name").String(),
				Args: fc.Get("args").Raw,
			})
		}
	}

	usage := &ir.Usage{
		PromptTokens:     int(root.Get("usageMetadata.promptTokenCount").Int()),
		CompletionTokens: int(root.Get("usageMetadata.candidatesTokenCount").Int()),
		TotalTokens:      int(root.Get("usageMetadata.totalTokenCount").Int()),
	}

	return BuildOpenAIChatResponse([]ir.Message{msg}, usage, model, ir.GenerateUUID())
}

// geminiStreamToOpenAIChat converts one Gemini streamGenerateContent JSON
// chunk into zero or one openai-chat streaming chunks.
func geminiStreamToOpenAIChat(parsed []byte, state *State) ([]byte, error) {
	if !gjson.ValidBytes(parsed) {
		return nil, nil
	}
	root := gjson.ParseBytes(parsed)
	candidate := root.Get("candidates.0")
	parts := candidate.Get("content.parts").Array()
	if len(parts) == 0 {
		if reason := mapGeminiFinishReason(candidate.Get("finishReason").String()); reason != ir.FinishReasonUnknown {
			return BuildOpenAIChatStreamChunk(state.Model, state.MessageID, 0, "", nil, reason)
		}
		return nil, nil
	}

	part := parts[0]
	if text := part.Get("text"); text.Exists() {
		return BuildOpenAIChatStreamChunk(state.Model, state.MessageID, 0, text.String(), nil, ir.FinishReasonUnknown)
	}
	if fc := part.Get("functionCall"); fc.Exists() {
		id := ir.GenToolCallID()
		if sig := part.Get("thoughtSignature").String(); sig != "" {
			id = ir.EncodeToolIDWithSignature(id, sig)
		}
		return BuildOpenAIChatStreamChunk(state.Model, state.MessageID, 0, "", &ir.ToolCall{ID: id, Name: fc.Get("name").String(), Args: fc.Get("args").Raw}, ir.FinishReasonUnknown)
	}
	return nil, nil
}

func mapGeminiFinishReason(reason string) ir.FinishReason {
	switch reason {
	case "STOP":
		return ir.FinishReasonStop
	case "MAX_TOKENS":
		return ir.FinishReasonLength
	case "SAFETY", "RECITATION":
		return ir.FinishReasonContentFilter
	default:
		return ir.FinishReasonUnknown
	}
}
