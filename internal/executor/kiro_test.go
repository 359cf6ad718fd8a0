package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestKiroIdentifier(t *testing.T) {
	e := NewKiroExecutor("client-1")
	if e.Identifier() != "kiro" {
		t.Fatalf("expected kiro, got %q", e.Identifier())
	}
}

func TestKiroExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generateAssistantResponse" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer token-1" {
			t.Fatalf("unexpected auth header %q", auth)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"content":"hi"}`))
	}))
	defer srv.Close()

	e := NewKiroExecutor("client-1")
	resp, err := e.Execute(context.Background(), Credentials{AccessToken: "token-1", BaseURL: srv.URL}, Request{Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if string(resp.Payload) != `{"content":"hi"}` {
		t.Fatalf("unexpected payload: %s", resp.Payload)
	}
}

func TestKiroExecuteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	e := NewKiroExecutor("client-1")
	_, err := e.Execute(context.Background(), Credentials{AccessToken: "token-1", BaseURL: srv.URL}, Request{Payload: []byte(`{}`)})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	se, ok := err.(StatusError)
	if !ok || se.Code != http.StatusTooManyRequests {
		t.Fatalf("expected StatusError 429, got %v", err)
	}
}

func TestKiroRefreshCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"accessToken":"new-token","expiresIn":3600}`))
	}))
	defer srv.Close()

	original := kiroTokenURL
	kiroTokenURL = srv.URL
	t.Cleanup(func() { kiroTokenURL = original })

	e := &KiroExecutor{HTTPClient: srv.Client(), ClientID: "client-1"}
	got, err := e.RefreshCredentials(context.Background(), Credentials{RefreshToken: "stale"})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.AccessToken != "new-token" {
		t.Fatalf("expected refreshed access token, got %q", got.AccessToken)
	}
	if got.ExpiresAt.IsZero() {
		t.Fatal("expected ExpiresAt to be set")
	}
}

func TestKiroStartDeviceAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"deviceCode":"dc1","userCode":"ABCD-1234","verificationUri":"https://example.com/device","expiresIn":600,"interval":5}`))
	}))
	defer srv.Close()

	original := kiroDeviceAuthorizationURL
	kiroDeviceAuthorizationURL = srv.URL
	t.Cleanup(func() { kiroDeviceAuthorizationURL = original })

	e := &KiroExecutor{HTTPClient: srv.Client(), ClientID: "client-1"}
	got, err := e.StartDeviceAuthorization(context.Background())
	if err != nil {
		t.Fatalf("start device authorization: %v", err)
	}
	if got.DeviceCode != "dc1" || got.UserCode != "ABCD-1234" {
		t.Fatalf("unexpected device code response: %+v", got)
	}
}

func TestKiroPollDeviceTokenSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"accessToken":"at1","refreshToken":"rt1","expiresIn":3600}`))
	}))
	defer srv.Close()

	original := kiroTokenURL
	kiroTokenURL = srv.URL
	t.Cleanup(func() { kiroTokenURL = original })

	e := &KiroExecutor{HTTPClient: srv.Client(), ClientID: "client-1"}
	cred, err := e.PollDeviceToken(context.Background(), "dc1")
	if err != nil {
		t.Fatalf("poll device token: %v", err)
	}
	if cred.AccessToken != "at1" || cred.RefreshToken != "rt1" {
		t.Fatalf("unexpected credentials: %+v", cred)
	}
}
