package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nodebridge/airouter/internal/apikey"
	"github.com/nodebridge/airouter/internal/config"
	"github.com/nodebridge/airouter/internal/engine"
)

type fakeStore struct{ rec *config.MachineRecord }

func (f *fakeStore) Get(_ context.Context, machineID string) (*config.MachineRecord, error) {
	if f.rec == nil || f.rec.MachineID != machineID {
		return nil, nil
	}
	return f.rec, nil
}
func (f *fakeStore) Save(context.Context, *config.MachineRecord) error { return nil }
func (f *fakeStore) UpdateProviderConnection(context.Context, string, string, config.ProviderConnectionUpdate) error {
	return nil
}

func newTestServer(t *testing.T, rec *config.MachineRecord) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := &Server{Engine: &engine.Engine{Store: &fakeStore{rec: rec}}, ServerSecret: "secret"}
	r := gin.New()
	s.Routes(r)
	return s, r
}

func testRecord() (*config.MachineRecord, string) {
	key := apikey.Format("m1", "k1", "secret")
	rec := &config.MachineRecord{
		MachineID: "m1",
		Providers: map[string]*config.ProviderConnection{
			"a": {ID: "a", Provider: "openai", IsActive: true},
			"b": {ID: "b", Provider: "anthropic", IsActive: true},
		},
		ModelAliases: map[string]string{"fast": "openai/gpt-4o-mini"},
		Combos:       []config.Combo{{ID: "c1", Name: "daily-driver", Models: []string{"openai/gpt-4o"}}},
		APIKeys:      map[string]bool{key: true},
	}
	return rec, key
}

func TestHandleVerifyNewSurface(t *testing.T) {
	rec, key := testRecord()
	_, r := newTestServer(t, rec)

	req := httptest.NewRequest(http.MethodGet, "/verify", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Valid          bool   `json:"valid"`
		MachineID      string `json:"machineId"`
		ProvidersCount int    `json:"providersCount"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Valid || body.MachineID != "m1" || body.ProvidersCount != 2 {
		t.Fatalf("unexpected verify body: %+v", body)
	}
}

func TestHandleVerifyLegacyPathSurface(t *testing.T) {
	rec, key := testRecord()
	_, r := newTestServer(t, rec)

	req := httptest.NewRequest(http.MethodGet, "/m1/verify", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on legacy machineId-prefixed surface, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleModelsListsAliasesProvidersAndCombos(t *testing.T) {
	rec, key := testRecord()
	rec.Providers["a"].ProviderSpecificData = map[string]any{"models": []any{"gpt-4o"}}
	_, r := newTestServer(t, rec)

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ids := make(map[string]bool, len(body.Data))
	for _, d := range body.Data {
		ids[d.ID] = true
	}
	for _, want := range []string{"openai/gpt-4o", "fast", "daily-driver"} {
		if !ids[want] {
			t.Fatalf("expected %q in model list, got %v", want, ids)
		}
	}
}

func TestHandleEmbeddingsRejectsUnsupportedProvider(t *testing.T) {
	rec, key := testRecord()
	_, r := newTestServer(t, rec)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(`{"model":"anthropic/claude-3","input":"hello"}`))
	req.Header.Set("Authorization", "Bearer "+key)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for anthropic embeddings, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "does not support embeddings") {
		t.Fatalf("expected 'does not support embeddings' message, got %s", w.Body.String())
	}
}

func TestEmbeddingsCapable(t *testing.T) {
	cases := map[string]bool{
		"openai":                 true,
		"openrouter":             true,
		"openai-compatible-acme": true,
		"anthropic":              false,
		"gemini":                 false,
		"kiro":                   false,
	}
	for provider, want := range cases {
		if got := embeddingsCapable(provider); got != want {
			t.Errorf("embeddingsCapable(%q) = %v, want %v", provider, got, want)
		}
	}
}

func TestAuthenticateRejectsLegacyKeyOnRootSurface(t *testing.T) {
	rec, _ := testRecord()
	rec.APIKeys["sk-legacykey"] = true
	_, r := newTestServer(t, rec)

	req := httptest.NewRequest(http.MethodGet, "/verify", nil)
	req.Header.Set("Authorization", "Bearer sk-legacykey")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for legacy key on root surface, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAuthenticateAcceptsLegacyKeyOnPathPrefixedSurface(t *testing.T) {
	rec, _ := testRecord()
	rec.APIKeys["sk-legacykey"] = true
	_, r := newTestServer(t, rec)

	req := httptest.NewRequest(http.MethodGet, "/m1/verify", nil)
	req.Header.Set("Authorization", "Bearer sk-legacykey")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for legacy key routed through /{machineId}/..., got %d: %s", w.Code, w.Body.String())
	}
}
