package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nodebridge/airouter/internal/stream"
)

// DefaultExecutor covers OpenAI-style providers: openai, anthropic,
// openrouter, glm, kimi, minimax, openai-compatible-*, anthropic-compatible-*.
// URL = baseUrl + chatPath; headers = Authorization: Bearer {apiKey} (plus
// OpenRouter's referrer/title); body passes through untouched.
type DefaultExecutor struct {
	Provider   string
	ChatPath   string
	HTTPClient *http.Client
}

// NewDefaultExecutor builds a DefaultExecutor for provider, posting to
// baseURL+chatPath.
func NewDefaultExecutor(provider, chatPath string) *DefaultExecutor {
	return &DefaultExecutor{
		Provider: provider,
		ChatPath: chatPath,
		HTTPClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (e *DefaultExecutor) Identifier() string { return e.Provider }

// NeedsRefresh: API-key providers never need refresh; OAuth-style
// compatible backends use the shared 5-minute-lookahead default.
func (e *DefaultExecutor) NeedsRefresh(cred Credentials) bool {
	if cred.APIKey != "" {
		return false
	}
	return DefaultNeedsRefresh(cred)
}

// RefreshCredentials is a no-op for plain API-key providers: there is
// nothing upstream to refresh.
func (e *DefaultExecutor) RefreshCredentials(_ context.Context, cred Credentials) (Credentials, error) {
	return cred, nil
}

func (e *DefaultExecutor) buildURL(cred Credentials) string {
	base := strings.TrimSuffix(cred.BaseURL, "/")
	if base == "" {
		base = defaultBaseURLFor(e.Provider)
	}
	return base + e.ChatPath
}

func (e *DefaultExecutor) buildHeaders(cred Credentials) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+cred.APIKey)
	if e.Provider == "openrouter" {
		h.Set("HTTP-Referer", "https://github.com/nodebridge/airouter")
		h.Set("X-Title", "airouter")
	}
	return h
}

func defaultBaseURLFor(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com"
	case "anthropic":
		return "https://api.anthropic.com"
	case "openrouter":
		return "https://openrouter.ai/api"
	default:
		return ""
	}
}

func (e *DefaultExecutor) Execute(ctx context.Context, cred Credentials, req Request) (Response, error) {
	return e.executeWithHeaders(ctx, e.buildURL(cred), e.buildHeaders(cred), req)
}

// executeWithHeaders is Execute with the URL/headers supplied by the
// caller, letting subclass-style executors (iFlow's signed headers) reuse
// the same request/response handling.
func (e *DefaultExecutor) executeWithHeaders(ctx context.Context, url string, headers http.Header, req Request) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Payload))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header = headers

	httpResp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer func() {
		if cerr := httpResp.Body.Close(); cerr != nil {
			log.Debugf("%s executor: close body: %v", e.Provider, cerr)
		}
	}()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return Response{}, StatusError{Code: httpResp.StatusCode, Message: string(data)}
	}
	return Response{Status: httpResp.StatusCode, Payload: data}, nil
}

func (e *DefaultExecutor) ExecuteStream(ctx context.Context, cred Credentials, req Request) (<-chan StreamChunk, error) {
	headers := e.buildHeaders(cred)
	headers.Set("Accept", "text/event-stream")
	return e.executeStreamWithHeaders(ctx, e.buildURL(cred), headers, req)
}

// executeStreamWithHeaders is ExecuteStream with caller-supplied URL/headers.
func (e *DefaultExecutor) executeStreamWithHeaders(ctx context.Context, url string, headers http.Header, req Request) (<-chan StreamChunk, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header = headers

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
		defer func() {
			if cerr := httpResp.Body.Close(); cerr != nil {
				log.Debugf("%s executor: close stream body: %v", e.Provider, cerr)
			}
		}()
		runStreamPipe(ctx, e.Provider, httpResp.Body, out)
	}()
	return out, nil
}

// chunkWriter adapts stream.Pipe's io.Writer output to the channel-based
// StreamChunk contract every ExecuteStream implementation returns.
type chunkWriter struct {
	ch chan<- StreamChunk
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.ch <- StreamChunk{Payload: append([]byte(nil), p...)}
	return len(p), nil
}

// runStreamPipe splits upstream into SSE data lines with stream.Pipe and
// forwards each bare JSON payload (or the pipe's own pre-framed "[DONE]"
// marker) on ch as a StreamChunk, letting the engine's translator layer
// do any cross-dialect conversion and re-framing downstream. Shared by
// every executor whose upstream is plain OpenAI-style SSE.
func runStreamPipe(ctx context.Context, provider string, upstream io.Reader, ch chan<- StreamChunk) {
	p := &stream.Pipe{Translate: func(parsed []byte) ([]byte, error) { return parsed, nil }}
	w := &chunkWriter{ch: ch}
	if err := p.Run(ctx, upstream, w); err != nil {
		ch <- StreamChunk{Err: fmt.Errorf("%s executor: stream: %w", provider, err)}
	}
}
