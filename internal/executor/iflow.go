package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const iflowDefaultBase = "https://apis.iflow.cn/v1"

// IFlowExecutor signs requests with an HMAC-SHA256 signature of
// "{userAgent}:{sessionId}:{timestampMs}" keyed with the API key,
// hex-encoded, sent in x-iflow-signature alongside a fresh per-request
// session id, per spec.md §4.B. Otherwise behaves like DefaultExecutor.
type IFlowExecutor struct {
	*DefaultExecutor
	UserAgent string
}

func NewIFlowExecutor() *IFlowExecutor {
	return &IFlowExecutor{
		DefaultExecutor: NewDefaultExecutor("iflow", "/chat/completions"),
		UserAgent:       "airouter-iflow-client",
	}
}

func (e *IFlowExecutor) Identifier() string { return "iflow" }

func (e *IFlowExecutor) signedHeaders(cred Credentials) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+cred.APIKey)

	sessionID := uuid.NewString()
	timestampMs := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := computeIFlowSignature(e.UserAgent, sessionID, timestampMs, cred.APIKey)
	if err != nil {
		return nil, err
	}
	h.Set("x-iflow-signature", sig)
	h.Set("x-iflow-session-id", sessionID)
	h.Set("User-Agent", e.UserAgent)
	return h, nil
}

func computeIFlowSignature(userAgent, sessionID, timestampMs, apiKey string) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("iflow executor: missing api key for signing")
	}
	payload := fmt.Sprintf("%s:%s:%s", userAgent, sessionID, timestampMs)
	mac := hmac.New(sha256.New, []byte(apiKey))
	if _, err := mac.Write([]byte(payload)); err != nil {
		return "", err
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (e *IFlowExecutor) buildURLOverride(cred Credentials) string {
	if cred.BaseURL != "" {
		return cred.BaseURL + e.ChatPath
	}
	return iflowDefaultBase + e.ChatPath
}

func (e *IFlowExecutor) Execute(ctx context.Context, cred Credentials, req Request) (Response, error) {
	headers, err := e.signedHeaders(cred)
	if err != nil {
		return Response{}, err
	}
	return e.DefaultExecutor.executeWithHeaders(ctx, e.buildURLOverride(cred), headers, req)
}

func (e *IFlowExecutor) ExecuteStream(ctx context.Context, cred Credentials, req Request) (<-chan StreamChunk, error) {
	headers, err := e.signedHeaders(cred)
	if err != nil {
		return nil, err
	}
	headers.Set("Accept", "text/event-stream")
	return e.DefaultExecutor.executeStreamWithHeaders(ctx, e.buildURLOverride(cred), headers, req)
}
