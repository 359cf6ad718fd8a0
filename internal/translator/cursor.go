package translator

import (
	"encoding/json"

	"github.com/nodebridge/airouter/internal/ir"
)

// cursorRequestBuilder converts an inbound openai-chat request into the
// flattened request shape internal/executor/cursor encodes into the
// Connect-RPC protobuf wire format (spec.md §4.B.2). Cursor's response is
// never JSON — it is protobuf, decoded and re-synthesized into chunks by
// the Cursor executor itself, so only the request direction is registered.
func cursorRequestBuilder(model string, body []byte, stream bool) ([]byte, error) {
	req, err := ParseOpenAIChatRequest(body)
	if err != nil {
		return nil, err
	}
	req.Model = model
	req.Stream = stream

	type cursorMessage struct {
		Role    string `json:"role"`
		Text    string `json:"text,omitempty"`
		ToolID  string `json:"toolCallId,omitempty"`
		Name    string `json:"name,omitempty"`
		Args    string `json:"args,omitempty"`
		IsError bool   `json:"isError,omitempty"`
	}
	type cursorTool struct {
		Name       string         `json:"name"`
		Parameters map[string]any `json:"parameters"`
	}
	type cursorRequest struct {
		Model    string          `json:"model"`
		Messages []cursorMessage `json:"messages"`
		Tools    []cursorTool    `json:"tools,omitempty"`
	}

	out := cursorRequest{Model: model}
	for _, m := range req.Messages {
		switch {
		case m.Role == ir.RoleTool:
			for _, p := range m.Content {
				if p.Type == ir.ContentTypeToolResult {
					out.Messages = append(out.Messages, cursorMessage{
						Role:    "tool",
						ToolID:  p.ToolCallID,
						Text:    p.Text,
						IsError: p.IsError,
					})
				}
			}
		case len(m.ToolCalls) > 0:
			for _, tc := range m.ToolCalls {
				out.Messages = append(out.Messages, cursorMessage{
					Role:   "assistant",
					ToolID: tc.ID,
					Name:   tc.Name,
					Args:   tc.Args,
				})
			}
		default:
			var text string
			for _, p := range m.Content {
				if p.Type == ir.ContentTypeText {
					text += p.Text
				}
			}
			out.Messages = append(out.Messages, cursorMessage{Role: string(m.Role), Text: text})
		}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, cursorTool{Name: t.Name, Parameters: t.Parameters})
	}

	return json.Marshal(out)
}
