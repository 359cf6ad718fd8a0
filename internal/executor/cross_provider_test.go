package executor

import (
	"context"
	"net/http"
	"testing"

	"github.com/tidwall/gjson"
)

func TestCrossProviderIdentifier(t *testing.T) {
	e := NewCrossProviderExecutor("Claude")
	if got := e.Identifier(); got != "cross-provider-claude" {
		t.Fatalf("expected lowercase identifier, got %q", got)
	}
}

func TestCrossProviderExecuteMissingBaseURL(t *testing.T) {
	e := NewCrossProviderExecutor("claude")
	_, err := e.Execute(context.Background(), Credentials{APIKey: "k"}, Request{})
	if err == nil {
		t.Fatal("expected error for missing base url")
	}
	se, ok := err.(StatusError)
	if !ok || se.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
}

func TestCrossProviderExecuteMissingAPIKey(t *testing.T) {
	e := NewCrossProviderExecutor("claude")
	_, err := e.Execute(context.Background(), Credentials{BaseURL: "https://example.com"}, Request{})
	if err == nil {
		t.Fatal("expected error for missing api key")
	}
}

func TestCrossProviderUnsupportedProviderType(t *testing.T) {
	e := NewCrossProviderExecutor("gemini")
	_, err := e.Execute(context.Background(), Credentials{APIKey: "k", BaseURL: "https://example.com"}, Request{})
	if err == nil {
		t.Fatal("expected error for unsupported provider type")
	}
}

func TestUpstreamModelOverride(t *testing.T) {
	cred := Credentials{ProviderSpecificData: map[string]any{"model_name": "claude-opus-4-5"}}
	if got := upstreamModelOverride(cred); got != "claude-opus-4-5" {
		t.Fatalf("expected override, got %q", got)
	}
	if got := upstreamModelOverride(Credentials{}); got != "" {
		t.Fatalf("expected empty override, got %q", got)
	}
}

func TestExtractSystemToTopLevel(t *testing.T) {
	body := []byte(`{"model":"x","messages":[{"role":"system","content":"be nice"},{"role":"user","content":"hi"}]}`)
	out := extractSystemToTopLevel(body)

	sys := gjson.GetBytes(out, "system")
	if !sys.IsArray() || len(sys.Array()) != 1 {
		t.Fatalf("expected one system part, got %s", sys.Raw)
	}
	if sys.Array()[0].Get("text").String() != "be nice" {
		t.Fatalf("unexpected system text: %s", sys.Raw)
	}

	messages := gjson.GetBytes(out, "messages")
	if len(messages.Array()) != 1 || messages.Array()[0].Get("role").String() != "user" {
		t.Fatalf("expected system message removed from messages, got %s", messages.Raw)
	}
}

func TestExtractSystemToTopLevelNoSystemMessage(t *testing.T) {
	body := []byte(`{"model":"x","messages":[{"role":"user","content":"hi"}]}`)
	out := extractSystemToTopLevel(body)
	if string(out) != string(body) {
		t.Fatalf("expected body unchanged when no system message present, got %s", out)
	}
}
