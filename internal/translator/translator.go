// Package translator implements the Format Registry & Translators of
// spec.md §4.A: a 2-D table of (from, to) Format pairs, each holding a pure
// request builder and a stateful response-chunk builder, with all
// conversions routed through the internal/ir Intermediate Representation —
// grounded on the teacher's `internal/translator_new/{to_ir,from_ir}` split
// (one file per provider family) composed behind a `sdk/translator`-style
// Format-keyed registry.
package translator

import (
	"bytes"
	"fmt"

	"github.com/nodebridge/airouter/internal/ir"
	"github.com/nodebridge/airouter/internal/registry"
)

// RequestBuilder converts a request body from the source dialect into the
// target dialect's wire body.
type RequestBuilder func(model string, body []byte, stream bool) ([]byte, error)

// ResponseBuilder converts one parsed upstream chunk into zero-or-one
// translated output chunks in the target dialect. A nil return with a nil
// error means "no observable content, skip" (spec.md §4.F step 3).
type ResponseBuilder func(parsed []byte, state *State) ([]byte, error)

// NonStreamBuilder converts a complete non-streaming upstream body into the
// target dialect's single JSON envelope.
type NonStreamBuilder func(body []byte, model string) ([]byte, error)

// Translator is one registered (from, to) edge.
type Translator struct {
	Request   RequestBuilder
	Stream    ResponseBuilder
	NonStream NonStreamBuilder
}

// State is the per-stream mutable state threaded through ResponseBuilder
// calls for one request (spec.md §3 TranslatorState). A fresh State is
// created per request and discarded when the response is fully flushed.
type State struct {
	Model              string
	MessageID          string
	EmittedRoleHeader  bool
	ToolCallSentHeader map[int]bool
	ToolCallIDMap      map[string]string
	OutputIndexMap     map[int]int
	NextOutputIndex    int
	Usage              *ir.Usage
	FinishSent         bool
}

// NewState creates a ready-to-use State for model/messageID.
func NewState(model, messageID string) *State {
	return &State{
		Model:              model,
		MessageID:          messageID,
		ToolCallSentHeader: make(map[int]bool),
		ToolCallIDMap:      make(map[string]string),
		OutputIndexMap:     make(map[int]int),
	}
}

var table [registry.NumFormats][registry.NumFormats]*Translator

// Register installs the translator for the (from, to) edge. Either slot of
// Translator may be left nil when only one direction is needed, per
// spec.md §4.A.
func Register(from, to registry.Format, t *Translator) {
	table[from][to] = t
}

// Get looks up the translator for (from, to), or nil if unregistered.
func Get(from, to registry.Format) *Translator {
	return table[from][to]
}

func init() {
	identity := &Translator{
		Request: func(_ string, body []byte, _ bool) ([]byte, error) { return body, nil },
		// The stream pipe hands this the bare JSON payload of each upstream
		// SSE data line (prefix stripped, framing removed); identity still
		// has to put the SSE envelope back on for the client. A payload
		// that already arrives pre-framed (the pipe's own "[DONE]" marker)
		// is passed through unchanged rather than double-wrapped.
		Stream: func(parsed []byte, _ *State) ([]byte, error) {
			if bytes.HasPrefix(parsed, []byte("data: ")) || bytes.HasPrefix(parsed, []byte("event: ")) {
				return parsed, nil
			}
			return sseFrame("", parsed), nil
		},
		NonStream: func(body []byte, _ string) ([]byte, error) { return body, nil },
	}
	for f := registry.FormatOpenAIChat; f <= registry.FormatCursor; f++ {
		Register(f, f, identity)
	}

	Register(registry.FormatOpenAIChat, registry.FormatOpenAIResponses, openaiChatToResponses)
	Register(registry.FormatOpenAIResponses, registry.FormatOpenAIChat, responsesToOpenAIChat)

	Register(registry.FormatOpenAIChat, registry.FormatClaude, openaiChatToClaude)
	Register(registry.FormatClaude, registry.FormatOpenAIChat, claudeToOpenAIChat)

	Register(registry.FormatOpenAIChat, registry.FormatGemini, openaiChatToGemini)
	Register(registry.FormatGemini, registry.FormatOpenAIChat, geminiToOpenAIChat)

	Register(registry.FormatOpenAIChat, registry.FormatCursor, &Translator{
		Request: cursorRequestBuilder,
	})

	Register(registry.FormatOpenAIChat, registry.FormatOllama, openaiChatToOllama)
}

// TranslateRequest converts body from one dialect to another. Identity
// translation (from == to) always returns body unchanged, satisfying the
// identity law of spec.md §8 property 4.
func TranslateRequest(from, to registry.Format, model string, body []byte, stream bool) ([]byte, error) {
	t := Get(from, to)
	if t == nil || t.Request == nil {
		return nil, fmt.Errorf("translator: no request builder registered for %s -> %s", from, to)
	}
	return t.Request(model, body, stream)
}

// TranslateStreamChunk converts one parsed upstream chunk.
func TranslateStreamChunk(from, to registry.Format, parsed []byte, state *State) ([]byte, error) {
	t := Get(from, to)
	if t == nil || t.Stream == nil {
		return nil, fmt.Errorf("translator: no stream builder registered for %s -> %s", from, to)
	}
	return t.Stream(parsed, state)
}

// TranslateNonStream converts a complete non-streaming body.
func TranslateNonStream(from, to registry.Format, body []byte, model string) ([]byte, error) {
	t := Get(from, to)
	if t == nil || t.NonStream == nil {
		return nil, fmt.Errorf("translator: no non-stream builder registered for %s -> %s", from, to)
	}
	return t.NonStream(body, model)
}
