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
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nodebridge/airouter/internal/registry"
	"github.com/nodebridge/airouter/internal/translator"
)

const (
	copilotTokenURL        = "https://api.github.com/copilot_internal/v2/token"
	copilotAPIBase         = "https://api.githubcopilot.com"
	copilotChatPath        = "/chat/completions"
	copilotResponsesPath   = "/responses"
	copilotRerouteNeedle   = "not accessible via the /chat/completions endpoint"
	copilotTokenRefreshGap = 5 * time.Minute
)

// CopilotExecutor implements GitHub Copilot's dual-endpoint routing and
// two-level token state: the user's GitHub OAuth token (cred.AccessToken,
// used as stored; neither this executor nor the credential manager refreshes
// it) and a short-lived Copilot token fetched from copilot_internal/v2/token.
// Grounded on the pack's copilot_executor.go cachedToken/tokenCache and
// knownCodexModels rerouting pattern.
type CopilotExecutor struct {
	HTTPClient *http.Client

	mu               sync.Mutex
	tokenCache       map[string]cachedCopilotToken
	knownCodexModels map[string]bool
}

type cachedCopilotToken struct {
	token     string
	expiresAt time.Time
}

// NewCopilotExecutor builds a CopilotExecutor.
func NewCopilotExecutor() *CopilotExecutor {
	return &CopilotExecutor{
		HTTPClient:       &http.Client{Timeout: 120 * time.Second},
		tokenCache:       make(map[string]cachedCopilotToken),
		knownCodexModels: make(map[string]bool),
	}
}

func (e *CopilotExecutor) Identifier() string { return "copilot" }

// NeedsRefresh triggers whenever the cached Copilot token is missing or
// within 5 minutes of expiry, per spec.md §4.B.
func (e *CopilotExecutor) NeedsRefresh(cred Credentials) bool {
	e.mu.Lock()
	cached, ok := e.tokenCache[cred.ConnectionID]
	e.mu.Unlock()
	if !ok {
		return true
	}
	return time.Until(cached.expiresAt) < copilotTokenRefreshGap
}

// RefreshCredentials exchanges the GitHub OAuth access token for a fresh
// Copilot token. Only the inner Copilot token is refreshed: the GitHub OAuth
// token is sent as stored, and an expired one is not refreshed here or by
// the credential manager, so the exchange then fails.
func (e *CopilotExecutor) RefreshCredentials(ctx context.Context, cred Credentials) (Credentials, error) {
	token, expiresAt, err := e.fetchCopilotToken(ctx, cred.AccessToken)
	if err != nil {
		return cred, err
	}
	e.mu.Lock()
	e.tokenCache[cred.ConnectionID] = cachedCopilotToken{token: token, expiresAt: expiresAt}
	e.mu.Unlock()

	if cred.ProviderSpecificData == nil {
		cred.ProviderSpecificData = map[string]any{}
	}
	cred.ProviderSpecificData["copilotToken"] = token
	cred.ProviderSpecificData["copilotTokenExpiresAt"] = expiresAt
	return cred, nil
}

func (e *CopilotExecutor) fetchCopilotToken(ctx context.Context, githubToken string) (string, time.Time, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, copilotTokenURL, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	httpReq.Header.Set("Authorization", "token "+githubToken)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return "", time.Time{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, StatusError{Code: resp.StatusCode, Message: string(body)}
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("copilot executor: decode token response: %w", err)
	}
	return payload.Token, time.Unix(payload.ExpiresAt, 0), nil
}

func (e *CopilotExecutor) copilotToken(cred Credentials) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokenCache[cred.ConnectionID].token
}

func (e *CopilotExecutor) buildHeaders(token string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+token)
	h.Set("Copilot-Integration-Id", "vscode-chat")
	h.Set("Editor-Version", "vscode/1.95.0")
	return h
}

func (e *CopilotExecutor) isRerouted(model string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.knownCodexModels[model]
}

func (e *CopilotExecutor) markRerouted(model string) {
	e.mu.Lock()
	e.knownCodexModels[model] = true
	e.mu.Unlock()
}

func (e *CopilotExecutor) Execute(ctx context.Context, cred Credentials, req Request) (Response, error) {
	token := e.copilotToken(cred)

	if e.isRerouted(req.Model) {
		return e.executeResponses(ctx, token, req)
	}

	resp, err := e.postJSON(ctx, token, copilotAPIBase+copilotChatPath, req.Payload)
	if err == nil {
		return resp, nil
	}
	if statusErr, ok := err.(StatusError); ok && statusErr.Code == http.StatusBadRequest &&
		strings.Contains(statusErr.Message, copilotRerouteNeedle) {
		log.Infof("copilot executor: rerouting model %s to /responses", req.Model)
		e.markRerouted(req.Model)
		return e.executeResponses(ctx, token, req)
	}
	return Response{}, err
}

func (e *CopilotExecutor) executeResponses(ctx context.Context, token string, req Request) (Response, error) {
	responsesBody, err := translator.TranslateRequest(registry.FormatOpenAIChat, registry.FormatOpenAIResponses, req.Model, req.Payload, false)
	if err != nil {
		return Response{}, err
	}
	resp, err := e.postJSON(ctx, token, copilotAPIBase+copilotResponsesPath, responsesBody)
	if err != nil {
		return Response{}, err
	}
	translated, err := translator.TranslateNonStream(registry.FormatOpenAIResponses, registry.FormatOpenAIChat, resp.Payload, req.Model)
	if err != nil {
		return Response{}, err
	}
	resp.Payload = translated
	return resp, nil
}

func (e *CopilotExecutor) postJSON(ctx context.Context, token, url string, payload []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header = e.buildHeaders(token)

	httpResp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return Response{}, StatusError{Code: httpResp.StatusCode, Message: string(body)}
	}
	return Response{Status: httpResp.StatusCode, Payload: body}, nil
}

func (e *CopilotExecutor) ExecuteStream(ctx context.Context, cred Credentials, req Request) (<-chan StreamChunk, error) {
	token := e.copilotToken(cred)

	targetFormat := registry.FormatOpenAIChat
	targetPath := copilotChatPath
	body := req.Payload
	if e.isRerouted(req.Model) {
		targetFormat = registry.FormatOpenAIResponses
		targetPath = copilotResponsesPath
		var err error
		body, err = translator.TranslateRequest(registry.FormatOpenAIChat, registry.FormatOpenAIResponses, req.Model, req.Payload, true)
		if err != nil {
			return nil, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, copilotAPIBase+targetPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header = e.buildHeaders(token)
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode == http.StatusBadRequest {
		data, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		if strings.Contains(string(data), copilotRerouteNeedle) {
			log.Infof("copilot executor: rerouting model %s to /responses (stream)", req.Model)
			e.markRerouted(req.Model)
			return e.ExecuteStream(ctx, cred, req)
		}
		return nil, StatusError{Code: http.StatusBadRequest, Message: string(data)}
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
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))
			if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
				out <- StreamChunk{Payload: translator.DoneFrame()}
				continue
			}
			if targetFormat == registry.FormatOpenAIChat {
				out <- StreamChunk{Payload: append([]byte("data: "), append(data, '\n', '\n')...)}
				continue
			}
			chunk, terr := translator.TranslateStreamChunk(registry.FormatOpenAIResponses, registry.FormatOpenAIChat, data, state)
			if terr != nil {
				out <- StreamChunk{Err: terr}
				return
			}
			if chunk != nil {
				out <- StreamChunk{Payload: chunk}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("copilot executor: stream read: %w", err)}
		}
	}()
	return out, nil
}
