package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nodebridge/airouter/internal/registry"
	"github.com/nodebridge/airouter/internal/translator"
)

// CrossProviderExecutor lets a connection declared under one provider tag
// serve another format's wire protocol — e.g. an openai-chat-shaped alias
// routed to a Claude-compatible backend. It reuses the same
// translator/executor seam every other executor in this package uses;
// only the upstream wire format and its headers differ.
type CrossProviderExecutor struct {
	HTTPClient   *http.Client
	ProviderType string // "claude" today; extend the switch for more.
}

func NewCrossProviderExecutor(providerType string) *CrossProviderExecutor {
	return &CrossProviderExecutor{
		HTTPClient:   &http.Client{Timeout: 120 * time.Second},
		ProviderType: strings.ToLower(strings.TrimSpace(providerType)),
	}
}

func (e *CrossProviderExecutor) Identifier() string {
	return "cross-provider-" + e.ProviderType
}

func (e *CrossProviderExecutor) NeedsRefresh(cred Credentials) bool {
	return false
}

func (e *CrossProviderExecutor) RefreshCredentials(_ context.Context, cred Credentials) (Credentials, error) {
	return cred, nil
}

func (e *CrossProviderExecutor) Execute(ctx context.Context, cred Credentials, req Request) (Response, error) {
	switch e.ProviderType {
	case "claude":
		return e.executeWithClaude(ctx, cred, req)
	default:
		return Response{}, fmt.Errorf("cross-provider executor: unsupported provider type %q", e.ProviderType)
	}
}

func (e *CrossProviderExecutor) ExecuteStream(ctx context.Context, cred Credentials, req Request) (<-chan StreamChunk, error) {
	switch e.ProviderType {
	case "claude":
		return e.executeStreamWithClaude(ctx, cred, req)
	default:
		return nil, fmt.Errorf("cross-provider executor: unsupported provider type %q", e.ProviderType)
	}
}

func (e *CrossProviderExecutor) executeWithClaude(ctx context.Context, cred Credentials, req Request) (Response, error) {
	if cred.BaseURL == "" {
		return Response{}, StatusError{Code: http.StatusUnauthorized, Message: "cross-provider executor: missing base url"}
	}
	if cred.APIKey == "" {
		return Response{}, StatusError{Code: http.StatusUnauthorized, Message: "cross-provider executor: missing api key"}
	}

	body, err := translator.TranslateRequest(req.SourceFormat, registry.FormatClaude, req.Model, req.Payload, false)
	if err != nil {
		return Response{}, err
	}
	if upstream := upstreamModelOverride(cred); upstream != "" {
		body, _ = sjson.SetBytes(body, "model", upstream)
	}
	body = extractSystemToTopLevel(body)

	url := strings.TrimSuffix(cred.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	applyClaudeHeaders(httpReq, cred.APIKey)

	httpResp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return Response{}, StatusError{Code: httpResp.StatusCode, Message: string(data)}
	}

	translated, err := translator.TranslateNonStream(registry.FormatClaude, req.SourceFormat, data, req.Model)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: http.StatusOK, Payload: translated}, nil
}

func (e *CrossProviderExecutor) executeStreamWithClaude(ctx context.Context, cred Credentials, req Request) (<-chan StreamChunk, error) {
	if cred.BaseURL == "" {
		return nil, StatusError{Code: http.StatusUnauthorized, Message: "cross-provider executor: missing base url"}
	}
	if cred.APIKey == "" {
		return nil, StatusError{Code: http.StatusUnauthorized, Message: "cross-provider executor: missing api key"}
	}

	body, err := translator.TranslateRequest(req.SourceFormat, registry.FormatClaude, req.Model, req.Payload, true)
	if err != nil {
		return nil, err
	}
	if upstream := upstreamModelOverride(cred); upstream != "" {
		body, _ = sjson.SetBytes(body, "model", upstream)
	}
	body, _ = sjson.SetBytes(body, "stream", true)
	body = extractSystemToTopLevel(body)

	url := strings.TrimSuffix(cred.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	applyClaudeHeaders(httpReq, cred.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		return nil, StatusError{Code: httpResp.StatusCode, Message: string(data)}
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = httpResp.Body.Close() }()

		state := translator.NewState(req.Model, req.Model)
		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 20*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			chunk, terr := translator.TranslateStreamChunk(registry.FormatClaude, req.SourceFormat, line, state)
			if terr != nil {
				out <- StreamChunk{Err: terr}
				return
			}
			if chunk != nil {
				out <- StreamChunk{Payload: chunk}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("cross-provider executor: stream read: %w", err)}
		}
	}()
	return out, nil
}

// upstreamModelOverride reads a connection-scoped upstream model name
// stashed by the credential layer (e.g. "gpt-5" aliased onto
// "claude-opus-4-5") out of the credential's provider-specific data.
func upstreamModelOverride(cred Credentials) string {
	if cred.ProviderSpecificData == nil {
		return ""
	}
	if v, ok := cred.ProviderSpecificData["model_name"]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func applyClaudeHeaders(r *http.Request, apiKey string) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-api-key", apiKey)
	r.Header.Set("anthropic-version", "2023-06-01")
}

// extractSystemToTopLevel moves any "system"-role chat messages into
// Claude's top-level "system" parameter, since Claude's Messages API has
// no system role within the messages array.
func extractSystemToTopLevel(body []byte) []byte {
	messages := gjson.GetBytes(body, "messages")
	if !messages.Exists() || !messages.IsArray() {
		return body
	}

	var systemParts []map[string]any
	var filtered []json.RawMessage

	messages.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "system" {
			filtered = append(filtered, json.RawMessage(msg.Raw))
			return true
		}
		content := msg.Get("content")
		if content.Type == gjson.String && content.String() != "" {
			systemParts = append(systemParts, map[string]any{"type": "text", "text": content.String()})
		} else if content.IsArray() {
			content.ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					systemParts = append(systemParts, map[string]any{"type": "text", "text": part.Get("text").String()})
				}
				return true
			})
		}
		return true
	})

	if len(systemParts) == 0 {
		return body
	}
	systemJSON, _ := json.Marshal(systemParts)
	body, _ = sjson.SetRawBytes(body, "system", systemJSON)
	messagesJSON, _ := json.Marshal(filtered)
	body, _ = sjson.SetRawBytes(body, "messages", messagesJSON)
	return body
}
