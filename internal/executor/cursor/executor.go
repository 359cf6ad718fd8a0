package cursor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/nodebridge/airouter/internal/executor"
	"github.com/nodebridge/airouter/internal/ir"
)

const (
	chatEndpoint = "/aiserver.v1.AiService/StreamUnifiedChatWithTools"
	defaultBase  = "https://api2.cursor.sh"
)

// Executor is the Cursor sub-core: Connect-RPC-over-HTTP/2 transport,
// Jyh-checksum signing, and the frozen protobuf codec of spec.md §4.B/§4.B.2.
// Grounded on the teacher's antigravity executor's base-URL fallback and
// SSE-peek pattern (internal/runtime/executor/antigravity_executor_v2.go),
// generalized to Cursor's Connect frame stream instead of text/event-stream.
type Executor struct {
	HTTPClient *http.Client

	initOnce sync.Once
}

// NewExecutor returns a Cursor Executor; its HTTP/2-configured client is
// built on first use by ensureClient, and doWithFallback retries once over a
// plain HTTP/1.1 client when the HTTP/2 round trip fails.
func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) Identifier() string { return "cursor" }

func (e *Executor) ensureClient() {
	e.initOnce.Do(func() {
		transport := &http.Transport{}
		if err := http2.ConfigureTransport(transport); err != nil {
			transport = &http.Transport{}
		}
		e.HTTPClient = &http.Client{Timeout: 180 * time.Second, Transport: transport}
	})
}

func (e *Executor) NeedsRefresh(cred executor.Credentials) bool {
	return executor.DefaultNeedsRefresh(cred)
}

func (e *Executor) RefreshCredentials(_ context.Context, cred executor.Credentials) (executor.Credentials, error) {
	return cred, nil
}

// machineID resolves the stable per-connection machine identifier used to
// sign the Jyh checksum, falling back to the connection ID when the stored
// credential carries no explicit one.
func machineID(cred executor.Credentials) string {
	if cred.ProviderSpecificData != nil {
		if v, ok := cred.ProviderSpecificData["machineId"].(string); ok && v != "" {
			return v
		}
	}
	return cred.ConnectionID
}

func (e *Executor) buildRequest(ctx context.Context, cred executor.Credentials, payload []byte) (*http.Request, error) {
	base := strings.TrimSuffix(cred.BaseURL, "/")
	if base == "" {
		base = defaultBase
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+chatEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/connect+proto")
	httpReq.Header.Set("Connect-Protocol-Version", "1")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("x-cursor-checksum", ComputeChecksum(machineID(cred)))
	httpReq.Header.Set("x-cursor-client-version", "1.0.0")
	return httpReq, nil
}

// Execute issues one non-streaming Connect-RPC call: a single request
// frame, read the response frame(s) until EOF, concatenate decoded text.
func (e *Executor) Execute(ctx context.Context, cred executor.Credentials, req executor.Request) (executor.Response, error) {
	e.ensureClient()
	envelope, err := payloadToEnvelope(req.Payload)
	if err != nil {
		return executor.Response{}, err
	}
	frame := EncodeFrame(envelope)

	httpReq, err := e.buildRequest(ctx, cred, frame)
	if err != nil {
		return executor.Response{}, err
	}
	httpResp, err := e.doWithFallback(httpReq)
	if err != nil {
		return executor.Response{}, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(httpResp.Body)
		return executor.Response{}, executor.StatusError{Code: httpResp.StatusCode, Message: string(body)}
	}

	var text string
	var toolCalls []ir.ToolCall
	for {
		flag, payload, err := DecodeFrame(httpResp.Body)
		if err == io.EOF {
			break
		}
		if err != nil {
			return executor.Response{}, err
		}
		if IsRateLimitPayload(payload) {
			return executor.Response{}, executor.StatusError{Code: http.StatusTooManyRequests, Message: string(payload)}
		}
		if flag&flagEndStream != 0 && len(payload) == 0 {
			continue
		}
		decoded, err := DecodeResponse(payload)
		if err != nil {
			continue
		}
		text += decoded.Text
		if decoded.ToolCall != nil {
			toolCalls = append(toolCalls, ir.ToolCall{ID: ir.GenToolCallID(), Args: string(decoded.ToolCall.Raw)})
		}
	}

	msg := ir.Message{Role: ir.RoleAssistant}
	if text != "" {
		msg.Content = []ir.ContentPart{{Type: ir.ContentTypeText, Text: text}}
	}
	msg.ToolCalls = toolCalls

	out := map[string]any{
		"id":     ir.GenerateUUID(),
		"object": "chat.completion",
		"model":  req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       buildOpenAIMessage(msg),
			"finish_reason": "stop",
		}},
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return executor.Response{}, err
	}
	return executor.Response{Status: http.StatusOK, Payload: payload}, nil
}

// ExecuteStream issues the Connect-RPC call and synthesizes one
// openai-chat-shaped streaming chunk per decoded text/tool-call frame.
func (e *Executor) ExecuteStream(ctx context.Context, cred executor.Credentials, req executor.Request) (<-chan executor.StreamChunk, error) {
	e.ensureClient()
	envelope, err := payloadToEnvelope(req.Payload)
	if err != nil {
		return nil, err
	}
	frame := EncodeFrame(envelope)

	httpReq, err := e.buildRequest(ctx, cred, frame)
	if err != nil {
		return nil, err
	}
	httpResp, err := e.doWithFallback(httpReq)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		return nil, executor.StatusError{Code: httpResp.StatusCode, Message: string(body)}
	}

	out := make(chan executor.StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = httpResp.Body.Close() }()

		for {
			flag, payload, err := DecodeFrame(httpResp.Body)
			if err == io.EOF {
				return
			}
			if err != nil {
				out <- executor.StreamChunk{Err: fmt.Errorf("cursor executor: frame read: %w", err)}
				return
			}
			if IsRateLimitPayload(payload) {
				out <- executor.StreamChunk{Err: executor.StatusError{Code: http.StatusTooManyRequests, Message: string(payload)}}
				return
			}
			if flag&flagEndStream != 0 && len(payload) == 0 {
				continue
			}
			decoded, derr := DecodeResponse(payload)
			if derr != nil {
				continue
			}
			chunk, err := synthesizeChunk(req.Model, decoded)
			if err != nil || chunk == nil {
				continue
			}
			out <- executor.StreamChunk{Payload: chunk}
		}
	}()
	return out, nil
}

func synthesizeChunk(model string, decoded DecodedResponse) ([]byte, error) {
	if decoded.Text == "" && decoded.ToolCall == nil {
		return nil, nil
	}
	delta := map[string]any{}
	if decoded.Text != "" {
		delta["content"] = decoded.Text
	}
	if decoded.ToolCall != nil {
		id, modelID, _ := splitToolCallID(string(decoded.ToolCall.Raw))
		delta["tool_calls"] = []map[string]any{{
			"index": 0,
			"id":    id,
			"type":  "function",
			"function": map[string]any{
				"name":      rewriteToolName(modelID),
				"arguments": "",
			},
		}}
	}
	chunk := map[string]any{
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index": 0,
			"delta": delta,
		}},
	}
	return json.Marshal(chunk)
}

// splitToolCallID splits a Cursor tool-call raw ID on the "\nmc_" delimiter
// into the external ID and the model-internal ID, per spec.md §4.B.2.
func splitToolCallID(raw string) (externalID, modelInternalID string, ok bool) {
	const delim = "\nmc_"
	idx := strings.Index(raw, delim)
	if idx < 0 {
		return raw, "", false
	}
	return raw[:idx], raw[idx+len(delim):], true
}

// rewriteToolName ensures a tool name carries Cursor's required mcp_
// prefix, per spec.md §4.B.2: "Tool names without the mcp_ prefix are
// rewritten to mcp_custom_{name}".
func rewriteToolName(name string) string {
	if name == "" {
		return name
	}
	if strings.HasPrefix(name, "mcp_") {
		return name
	}
	return "mcp_custom_" + name
}

// doWithFallback attempts the HTTP/2-configured client first and retries
// once over a plain HTTP/1.1 client if the h2 round trip itself fails,
// per spec.md §4.B: "fall back to HTTP/1.1 fetch when HTTP/2 is
// unavailable".
func (e *Executor) doWithFallback(req *http.Request) (*http.Response, error) {
	resp, err := e.HTTPClient.Do(req)
	if err == nil {
		return resp, nil
	}
	fallbackClient := &http.Client{Timeout: e.HTTPClient.Timeout, Transport: &http.Transport{}}
	req2 := req.Clone(req.Context())
	if req.GetBody != nil {
		body, gerr := req.GetBody()
		if gerr != nil {
			return nil, gerr
		}
		req2.Body = body
	}
	return fallbackClient.Do(req2)
}

func payloadToEnvelope(payload []byte) ([]byte, error) {
	// payload here is already the translator-produced cursor request JSON
	// (translator.cursorRequestBuilder); decode it into the protobuf Request
	// shape before framing.
	var in struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Text    string `json:"text"`
			ToolID  string `json:"toolCallId"`
			Name    string `json:"name"`
			Args    string `json:"args"`
			IsError bool   `json:"isError"`
		} `json:"messages"`
		Tools []struct {
			Name       string         `json:"name"`
			Parameters map[string]any `json:"parameters"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("cursor executor: decode translator payload: %w", err)
	}

	req := Request{Model: in.Model}
	for _, m := range in.Messages {
		req.Messages = append(req.Messages, Message{
			Content: m.Text,
			Role:    roleFor(m.Role),
			ID:      m.ToolID,
		})
	}
	for _, t := range in.Tools {
		schema, _ := json.Marshal(t.Parameters)
		req.MCPTools = append(req.MCPTools, ToolDeclaration{Name: t.Name, SchemaJSON: schema})
	}
	return EncodeEnvelope(req, nil), nil
}

func roleFor(role string) int32 {
	switch role {
	case "user":
		return RoleUser
	case "assistant", "tool":
		return RoleAssistant
	case "system":
		return RoleSystem
	default:
		return RoleUnspecified
	}
}

func buildOpenAIMessage(m ir.Message) map[string]any {
	out := map[string]any{"role": string(m.Role)}
	var text string
	for _, p := range m.Content {
		if p.Type == ir.ContentTypeText {
			text += p.Text
		}
	}
	out["content"] = text
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
		out["tool_calls"] = calls
	}
	return out
}
