package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

// Package-level vars rather than consts so tests can redirect them at an
// httptest server without threading a base-URL override through every
// OAuth method.
var (
	kiroDeviceAuthorizationURL = "https://oidc.us-east-1.amazonaws.com/device_authorization"
	kiroTokenURL               = "https://oidc.us-east-1.amazonaws.com/token"
)

const (
	kiroDefaultBase         = "https://codewhisperer.us-east-1.amazonaws.com"
	kiroGrantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"
)

// DeviceCodeResponse is the RFC 8628 device authorization response Kiro's
// OAuth flow returns to start the credential-acquisition dance.
type DeviceCodeResponse struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// KiroExecutor implements OAuth 2.0 device-code credential acquisition and
// an OpenAI-compatible passthrough execution path against AWS
// CodeWhisperer endpoints, per spec.md §4.B.
type KiroExecutor struct {
	HTTPClient *http.Client
	ClientID   string
}

func NewKiroExecutor(clientID string) *KiroExecutor {
	return &KiroExecutor{HTTPClient: &http.Client{Timeout: 60 * time.Second}, ClientID: clientID}
}

func (e *KiroExecutor) Identifier() string { return "kiro" }

func (e *KiroExecutor) NeedsRefresh(cred Credentials) bool {
	return DefaultNeedsRefresh(cred)
}

// StartDeviceAuthorization begins the device-code flow: the caller
// displays UserCode/VerificationURI to the operator and then polls
// PollDeviceToken until the user completes the browser-side approval.
func (e *KiroExecutor) StartDeviceAuthorization(ctx context.Context) (DeviceCodeResponse, error) {
	body, _ := json.Marshal(map[string]any{"clientId": e.ClientID, "clientName": "airouter"})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, kiroDeviceAuthorizationURL, bytes.NewReader(body))
	if err != nil {
		return DeviceCodeResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return DeviceCodeResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out DeviceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DeviceCodeResponse{}, fmt.Errorf("kiro executor: decode device authorization: %w", err)
	}
	return out, nil
}

// PollDeviceToken exchanges a device code for tokens once the user has
// completed the browser-side approval step. Callers are expected to retry
// this on "authorization_pending" at the interval StartDeviceAuthorization
// returned.
func (e *KiroExecutor) PollDeviceToken(ctx context.Context, deviceCode string) (Credentials, error) {
	body, _ := json.Marshal(map[string]any{
		"clientId":   e.ClientID,
		"grantType":  kiroGrantTypeDeviceCode,
		"deviceCode": deviceCode,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, kiroTokenURL, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return Credentials{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var payload struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	data, err := readAll(resp.Body)
	if err != nil {
		return Credentials{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credentials{}, StatusError{Code: resp.StatusCode, Message: string(data)}
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return Credentials{}, fmt.Errorf("kiro executor: decode device token: %w", err)
	}
	return Credentials{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

func (e *KiroExecutor) RefreshCredentials(ctx context.Context, cred Credentials) (Credentials, error) {
	body, _ := json.Marshal(map[string]any{
		"clientId":     e.ClientID,
		"grantType":    "refresh_token",
		"refreshToken": cred.RefreshToken,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, kiroTokenURL, bytes.NewReader(body))
	if err != nil {
		return cred, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return cred, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := readAll(resp.Body)
	if err != nil {
		return cred, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cred, StatusError{Code: resp.StatusCode, Message: string(data)}
	}

	var payload struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return cred, fmt.Errorf("kiro executor: decode refresh response: %w", err)
	}
	if payload.AccessToken != "" {
		cred.AccessToken = payload.AccessToken
	}
	cred.ExpiresAt = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	return cred, nil
}

func (e *KiroExecutor) Execute(ctx context.Context, cred Credentials, req Request) (Response, error) {
	base := kiroDefaultBase
	if cred.BaseURL != "" {
		base = cred.BaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/generateAssistantResponse", bytes.NewReader(req.Payload))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := readAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, StatusError{Code: resp.StatusCode, Message: string(data)}
	}
	return Response{Status: resp.StatusCode, Payload: data}, nil
}

func (e *KiroExecutor) ExecuteStream(ctx context.Context, cred Credentials, req Request) (<-chan StreamChunk, error) {
	base := kiroDefaultBase
	if cred.BaseURL != "" {
		base = cred.BaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/generateAssistantResponse", bytes.NewReader(req.Payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := readAll(resp.Body)
		_ = resp.Body.Close()
		return nil, StatusError{Code: resp.StatusCode, Message: string(data)}
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()
		runStreamPipe(ctx, e.Identifier(), resp.Body, out)
	}()
	return out, nil
}
