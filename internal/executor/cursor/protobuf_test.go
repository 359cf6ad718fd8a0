package cursor

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendStringField(b []byte, field protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, field protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// TestConnectFrameHeader implements S7 from spec.md §8: a request with one
// user message and two tool declarations produces a 5-byte Connect frame
// header whose flag byte is 0 and whose length equals the protobuf
// payload length.
func TestConnectFrameHeader(t *testing.T) {
	req := Request{
		Messages: []Message{{Content: "hello", Role: RoleUser}},
		MCPTools: []ToolDeclaration{
			{Name: "mcp_search"},
			{Name: "mcp_read_file"},
		},
	}
	payload := EncodeEnvelope(req, nil)
	frame := EncodeFrame(payload)

	if len(frame) != 5+len(payload) {
		t.Fatalf("frame length mismatch: got %d want %d", len(frame), 5+len(payload))
	}
	if frame[0] != 0 {
		t.Fatalf("expected flag byte 0, got %d", frame[0])
	}

	length := uint32(frame[1])<<24 | uint32(frame[2])<<16 | uint32(frame[3])<<8 | uint32(frame[4])
	if int(length) != len(payload) {
		t.Fatalf("frame length field mismatch: got %d want %d", length, len(payload))
	}
}

func TestDecodeResponseText(t *testing.T) {
	var inner []byte
	inner = appendStringField(inner, fieldResponseText, "hello world")
	var outer []byte
	outer = appendBytesField(outer, fieldResponseResponse, inner)

	decoded, err := DecodeResponse(outer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.Text != "hello world" {
		t.Fatalf("unexpected text: %q", decoded.Text)
	}
}

func TestDecodeResponseToolCall(t *testing.T) {
	var outer []byte
	outer = appendBytesField(outer, fieldResponseToolCall, []byte("raw-tool-call-bytes"))

	decoded, err := DecodeResponse(outer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.ToolCall == nil || string(decoded.ToolCall.Raw) != "raw-tool-call-bytes" {
		t.Fatalf("unexpected tool call: %+v", decoded.ToolCall)
	}
}
