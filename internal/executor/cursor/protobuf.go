// Package cursor implements the Cursor sub-core: the frozen protobuf
// field-number schema of spec.md §4.B.2, the Jyh-cipher checksum, and the
// Connect-RPC-over-HTTP/2 transport that carries them — grounded on the
// teacher's `antigravity_executor_v2.go` Execute/ExecuteStream shape and
// built on `google.golang.org/protobuf/encoding/protowire`, already an
// indirect dependency of the teacher's go.mod, rather than full
// protoc-generated stubs: the wire schema this system needs is small and
// frozen.
package cursor

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Role values for Message.Role (field 2).
const (
	RoleUnspecified int32 = 0
	RoleUser        int32 = 1
	RoleAssistant   int32 = 2
	RoleSystem      int32 = 3
)

// Field numbers, frozen per spec.md §4.B.2.
const (
	fieldEnvelopeRequest       = 1
	fieldEnvelopeToolV2Result  = 2

	fieldRequestMessages       = 1
	fieldRequestModel          = 5
	fieldRequestWebTool        = 8
	fieldRequestCursorSetting  = 15
	fieldRequestConversationID = 23
	fieldRequestMetadata       = 26
	fieldRequestIsAgentic      = 27
	fieldRequestSupportedTools = 29
	fieldRequestMessageIDs     = 30
	fieldRequestMCPTools       = 34
	fieldRequestLargeContext   = 35
	fieldRequestUnifiedMode    = 46
	fieldRequestDisableTools   = 48
	fieldRequestThinkingLevel  = 49
	fieldRequestUnifiedModeNm  = 54

	fieldMessageContent        = 1
	fieldMessageRole           = 2
	fieldMessageID             = 13
	fieldMessageToolResults    = 18
	fieldMessageIsAgentic      = 29
	fieldMessageServerBubbleID = 32
	fieldMessageUnifiedMode    = 47
	fieldMessageSupportedTools = 51

	fieldResponseToolCall = 1
	fieldResponseResponse = 2
	fieldResponseText     = 1
	fieldResponseThinking = 25
)

// ToolDeclaration is a single mcp_tools entry. The inner schema of a
// tool declaration is not frozen by spec.md's field table beyond its
// name, so its JSON-schema parameters travel as an opaque length-delimited
// blob (field 2) rather than a fully modeled nested message.
type ToolDeclaration struct {
	Name       string
	SchemaJSON []byte
}

func encodeToolDeclaration(t ToolDeclaration) []byte {
	var b []byte
	if t.Name != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, t.Name)
	}
	if len(t.SchemaJSON) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, t.SchemaJSON)
	}
	return b
}

// Message is one entry of StreamUnifiedChatRequestWithTools.request.messages.
type Message struct {
	Content        string
	Role           int32
	ID             string
	ToolResults    []byte
	IsAgentic      bool
	ServerBubbleID string
	UnifiedMode    string
	SupportedTools []string
}

func encodeMessage(m Message) []byte {
	var b []byte
	if m.Content != "" {
		b = protowire.AppendTag(b, fieldMessageContent, protowire.BytesType)
		b = protowire.AppendString(b, m.Content)
	}
	b = protowire.AppendTag(b, fieldMessageRole, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Role))
	if m.ID != "" {
		b = protowire.AppendTag(b, fieldMessageID, protowire.BytesType)
		b = protowire.AppendString(b, m.ID)
	}
	if len(m.ToolResults) > 0 {
		b = protowire.AppendTag(b, fieldMessageToolResults, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ToolResults)
	}
	if m.IsAgentic {
		b = protowire.AppendTag(b, fieldMessageIsAgentic, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.ServerBubbleID != "" {
		b = protowire.AppendTag(b, fieldMessageServerBubbleID, protowire.BytesType)
		b = protowire.AppendString(b, m.ServerBubbleID)
	}
	if m.UnifiedMode != "" {
		b = protowire.AppendTag(b, fieldMessageUnifiedMode, protowire.BytesType)
		b = protowire.AppendString(b, m.UnifiedMode)
	}
	for _, t := range m.SupportedTools {
		b = protowire.AppendTag(b, fieldMessageSupportedTools, protowire.BytesType)
		b = protowire.AppendString(b, t)
	}
	return b
}

// Request is StreamUnifiedChatRequestWithTools.request.
type Request struct {
	Messages           []Message
	Model              string
	WebTool            bool
	CursorSetting      string
	ConversationID     string
	Metadata           []byte
	IsAgentic          bool
	SupportedTools     []string
	MessageIDs         []string
	MCPTools           []ToolDeclaration
	LargeContext       bool
	UnifiedMode        string
	ShouldDisableTools bool
	ThinkingLevel      string
	UnifiedModeName    string
}

func encodeRequest(r Request) []byte {
	var b []byte
	for _, m := range r.Messages {
		b = protowire.AppendTag(b, fieldRequestMessages, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMessage(m))
	}
	if r.Model != "" {
		b = protowire.AppendTag(b, fieldRequestModel, protowire.BytesType)
		b = protowire.AppendString(b, r.Model)
	}
	if r.WebTool {
		b = protowire.AppendTag(b, fieldRequestWebTool, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if r.CursorSetting != "" {
		b = protowire.AppendTag(b, fieldRequestCursorSetting, protowire.BytesType)
		b = protowire.AppendString(b, r.CursorSetting)
	}
	if r.ConversationID != "" {
		b = protowire.AppendTag(b, fieldRequestConversationID, protowire.BytesType)
		b = protowire.AppendString(b, r.ConversationID)
	}
	if len(r.Metadata) > 0 {
		b = protowire.AppendTag(b, fieldRequestMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Metadata)
	}
	if r.IsAgentic {
		b = protowire.AppendTag(b, fieldRequestIsAgentic, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	for _, t := range r.SupportedTools {
		b = protowire.AppendTag(b, fieldRequestSupportedTools, protowire.BytesType)
		b = protowire.AppendString(b, t)
	}
	for _, id := range r.MessageIDs {
		b = protowire.AppendTag(b, fieldRequestMessageIDs, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	for _, t := range r.MCPTools {
		b = protowire.AppendTag(b, fieldRequestMCPTools, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeToolDeclaration(t))
	}
	if r.LargeContext {
		b = protowire.AppendTag(b, fieldRequestLargeContext, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if r.UnifiedMode != "" {
		b = protowire.AppendTag(b, fieldRequestUnifiedMode, protowire.BytesType)
		b = protowire.AppendString(b, r.UnifiedMode)
	}
	if r.ShouldDisableTools {
		b = protowire.AppendTag(b, fieldRequestDisableTools, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if r.ThinkingLevel != "" {
		b = protowire.AppendTag(b, fieldRequestThinkingLevel, protowire.BytesType)
		b = protowire.AppendString(b, r.ThinkingLevel)
	}
	if r.UnifiedModeName != "" {
		b = protowire.AppendTag(b, fieldRequestUnifiedModeNm, protowire.BytesType)
		b = protowire.AppendString(b, r.UnifiedModeName)
	}
	return b
}

// EncodeEnvelope builds the top-level StreamUnifiedChatRequestWithTools
// payload: field 1 = request, field 2 = optional client_side_tool_v2_result
// (raw bytes of a prior tool result, passed through verbatim when
// continuing an agentic tool loop).
func EncodeEnvelope(req Request, toolV2Result []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEnvelopeRequest, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeRequest(req))
	if len(toolV2Result) > 0 {
		b = protowire.AppendTag(b, fieldEnvelopeToolV2Result, protowire.BytesType)
		b = protowire.AppendBytes(b, toolV2Result)
	}
	return b
}

// ToolCallV2 is a decoded ClientSideToolV2Call (response field 1).
type ToolCallV2 struct {
	Raw []byte
}

// DecodedResponse is one decoded Response protobuf message: either a
// tool_call, a response.text/thinking pair, or both absent (keepalive).
type DecodedResponse struct {
	ToolCall *ToolCallV2
	Text     string
	Thinking string
}

// DecodeResponse walks a Response protobuf payload's top-level fields.
func DecodeResponse(b []byte) (DecodedResponse, error) {
	var out DecodedResponse
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return out, fmt.Errorf("cursor: invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldResponseToolCall:
			raw, m := consumeBytesField(typ, b)
			if m < 0 {
				return out, fmt.Errorf("cursor: invalid tool_call field")
			}
			out.ToolCall = &ToolCallV2{Raw: raw}
			b = b[m:]
		case fieldResponseResponse:
			raw, m := consumeBytesField(typ, b)
			if m < 0 {
				return out, fmt.Errorf("cursor: invalid response field")
			}
			text, thinking, err := decodeInnerResponse(raw)
			if err != nil {
				return out, err
			}
			out.Text += text
			if thinking != "" {
				out.Thinking += thinking
			}
			b = b[m:]
		default:
			m := skipField(typ, b)
			if m < 0 {
				return out, fmt.Errorf("cursor: invalid field %d", num)
			}
			b = b[m:]
		}
	}
	return out, nil
}

func decodeInnerResponse(b []byte) (text, thinking string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("cursor: invalid inner tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldResponseText:
			raw, m := consumeBytesField(typ, b)
			if m < 0 {
				return "", "", fmt.Errorf("cursor: invalid text field")
			}
			text += string(raw)
			b = b[m:]
		case fieldResponseThinking:
			raw, m := consumeBytesField(typ, b)
			if m < 0 {
				return "", "", fmt.Errorf("cursor: invalid thinking field")
			}
			thinking += string(raw)
			b = b[m:]
		default:
			m := skipField(typ, b)
			if m < 0 {
				return "", "", fmt.Errorf("cursor: invalid inner field %d", num)
			}
			b = b[m:]
		}
	}
	return text, thinking, nil
}

func consumeBytesField(typ protowire.Type, b []byte) ([]byte, int) {
	if typ != protowire.BytesType {
		return nil, -1
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, -1
	}
	return v, n
}

func skipField(typ protowire.Type, b []byte) int {
	switch typ {
	case protowire.VarintType:
		_, n := protowire.ConsumeVarint(b)
		return n
	case protowire.Fixed32Type:
		_, n := protowire.ConsumeFixed32(b)
		return n
	case protowire.Fixed64Type:
		_, n := protowire.ConsumeFixed64(b)
		return n
	case protowire.BytesType:
		_, n := protowire.ConsumeBytes(b)
		return n
	default:
		return -1
	}
}
