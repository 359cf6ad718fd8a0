// Package ir defines the Intermediate Representation that every format
// translator converts into and out of: a single unified shape for chat
// messages, tool calls, and streaming events that is not tied to any one
// provider's wire dialect.
package ir

// Role is the speaker of a message in the unified conversation shape.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentType distinguishes the kind of data carried by a ContentPart.
type ContentType string

const (
	ContentTypeText      ContentType = "text"
	ContentTypeImage     ContentType = "image"
	ContentTypeReasoning ContentType = "reasoning"
	ContentTypeToolUse   ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"
)

// FinishReason is the unified terminal state of a generation.
type FinishReason string

const (
	FinishReasonUnknown       FinishReason = ""
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonContentFilter FinishReason = "content_filter"
)

// ContentPart is one piece of a message's content: text, an image
// reference, a reasoning/thinking block, or a threaded tool result.
type ContentPart struct {
	Type ContentType `json:"type"`

	Text      string `json:"text,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	// ThoughtSignature round-trips provider-opaque reasoning signatures
	// (Gemini/Antigravity) through tool-call IDs across a multi-turn tool loop.
	ThoughtSignature string `json:"thought_signature,omitempty"`

	ImageURL  string `json:"image_url,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`

	// ToolResult fields, populated when Type == ContentTypeToolResult.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolCall is a model-issued invocation of a declared tool.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Args is the raw JSON arguments object, kept as a string so translators
	// can pass it through untouched when the target dialect wants it that way.
	Args string `json:"args"`
}

// ToolDefinition is a tool/function declaration offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Message is one turn of the unified conversation.
type Message struct {
	Role      Role          `json:"role"`
	Content   []ContentPart `json:"content,omitempty"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	Name      string        `json:"name,omitempty"`
}

// Usage is token accounting, unified across providers' differing field names.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// UnifiedChatRequest is the IR form of an inbound chat/completion request.
type UnifiedChatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Stream      bool             `json:"stream"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Metadata    map[string]any   `json:"-"`
}

// EventType enumerates the kinds of unified streaming events a translator
// can emit while walking a provider's SSE/chunk stream.
type EventType string

const (
	EventTypeDelta  EventType = "delta"
	EventTypeTool   EventType = "tool_call"
	EventTypeFinish EventType = "finish"
	EventTypeError  EventType = "error"
)

// UnifiedEvent is one emitted unit of streamed model output.
type UnifiedEvent struct {
	Type         EventType
	OutputIndex  int
	TextDelta    string
	Reasoning    string
	ToolCall     *ToolCall
	FinishReason FinishReason
	Usage        *Usage
	Err          error
}
