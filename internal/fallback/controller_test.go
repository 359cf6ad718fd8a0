package fallback

import (
	"context"
	"testing"
	"time"

	"github.com/nodebridge/airouter/internal/config"
	"github.com/nodebridge/airouter/internal/credential"
	"github.com/nodebridge/airouter/internal/executor"
)

type stubStore struct {
	rec     *config.MachineRecord
	updates []config.ProviderConnectionUpdate
}

func (s *stubStore) Get(_ context.Context, _ string) (*config.MachineRecord, error) { return s.rec, nil }
func (s *stubStore) Save(_ context.Context, record *config.MachineRecord) error {
	s.rec = record
	return nil
}
func (s *stubStore) UpdateProviderConnection(_ context.Context, _, connectionID string, update config.ProviderConnectionUpdate) error {
	conn := s.rec.Providers[connectionID]
	if update.RateLimitedUntil != nil {
		conn.RateLimitedUntil = *update.RateLimitedUntil
	}
	if update.BackoffLevel != nil {
		conn.BackoffLevel = *update.BackoffLevel
	}
	if update.Status != nil {
		conn.Status = *update.Status
	}
	s.updates = append(s.updates, update)
	return nil
}

type scriptedExecutor struct {
	failFirst bool
	calls     int
}

func (e *scriptedExecutor) Identifier() string                    { return "openai" }
func (e *scriptedExecutor) NeedsRefresh(executor.Credentials) bool { return false }
func (e *scriptedExecutor) RefreshCredentials(_ context.Context, c executor.Credentials) (executor.Credentials, error) {
	return c, nil
}
func (e *scriptedExecutor) Execute(_ context.Context, cred executor.Credentials, _ executor.Request) (executor.Response, error) {
	e.calls++
	if e.failFirst && cred.ConnectionID == "a" {
		return executor.Response{}, executor.StatusError{Code: 500, Message: "upstream broke"}
	}
	return executor.Response{Status: 200, Payload: []byte(`{"ok":true}`)}, nil
}
func (e *scriptedExecutor) ExecuteStream(context.Context, executor.Credentials, executor.Request) (<-chan executor.StreamChunk, error) {
	return nil, nil
}

type fixedExecutors struct{ e executor.Executor }

func (f *fixedExecutors) Get(string) executor.Executor { return f.e }

func TestRunFallsBackOn5xx(t *testing.T) {
	now := time.Now()
	rec := &config.MachineRecord{
		MachineID: "m1",
		Providers: map[string]*config.ProviderConnection{
			"a": {ID: "a", Provider: "openai", IsActive: true, Priority: 1, UpdatedAt: now},
			"b": {ID: "b", Provider: "openai", IsActive: true, Priority: 2, UpdatedAt: now},
		},
	}
	store := &stubStore{rec: rec}
	exec := &scriptedExecutor{failFirst: true}
	execs := &fixedExecutors{e: exec}
	cm := credential.NewManager(store, execs)
	ctl := NewController(cm, store, execs)

	resp, err := ctl.Run(context.Background(), "m1", "openai", executor.Request{Model: "gpt-4"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if exec.calls != 2 {
		t.Fatalf("expected 2 calls (fail then succeed), got %d", exec.calls)
	}
	if rec.Providers["a"].RateLimitedUntil.IsZero() {
		t.Fatalf("expected connection a to be marked rate limited")
	}
}

// refreshingExecutor fails Execute with 401 exactly once per connection,
// then succeeds — but only once RefreshCredentials has actually been
// called, so the test fails if the controller skips the in-place refresh.
type refreshingExecutor struct {
	refreshed map[string]bool
	calls     int
}

func (e *refreshingExecutor) Identifier() string                    { return "openai" }
func (e *refreshingExecutor) NeedsRefresh(executor.Credentials) bool { return false }
func (e *refreshingExecutor) RefreshCredentials(_ context.Context, c executor.Credentials) (executor.Credentials, error) {
	if e.refreshed == nil {
		e.refreshed = map[string]bool{}
	}
	e.refreshed[c.ConnectionID] = true
	return c, nil
}
func (e *refreshingExecutor) Execute(_ context.Context, cred executor.Credentials, _ executor.Request) (executor.Response, error) {
	e.calls++
	if !e.refreshed[cred.ConnectionID] {
		return executor.Response{}, executor.StatusError{Code: 401, Message: "token expired"}
	}
	return executor.Response{Status: 200, Payload: []byte(`{"ok":true}`)}, nil
}
func (e *refreshingExecutor) ExecuteStream(context.Context, executor.Credentials, executor.Request) (<-chan executor.StreamChunk, error) {
	return nil, nil
}

func TestRunRetriesOnceAfterInPlaceRefreshOn401(t *testing.T) {
	rec := &config.MachineRecord{
		MachineID: "m1",
		Providers: map[string]*config.ProviderConnection{
			"a": {ID: "a", Provider: "openai", IsActive: true, Priority: 1},
		},
	}
	store := &stubStore{rec: rec}
	exec := &refreshingExecutor{}
	execs := &fixedExecutors{e: exec}
	cm := credential.NewManager(store, execs)
	ctl := NewController(cm, store, execs)

	resp, err := ctl.Run(context.Background(), "m1", "openai", executor.Request{Model: "gpt-4"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected 200 after refresh-and-retry, got %d", resp.Status)
	}
	if !exec.refreshed["a"] {
		t.Fatal("expected RefreshCredentials to have been called in place before falling back")
	}
	if !rec.Providers["a"].RateLimitedUntil.IsZero() {
		t.Fatal("connection should not be excluded when the refresh-and-retry succeeds")
	}
}

func TestRunNoCredentials(t *testing.T) {
	rec := &config.MachineRecord{MachineID: "m1", Providers: map[string]*config.ProviderConnection{}}
	store := &stubStore{rec: rec}
	execs := &fixedExecutors{e: &scriptedExecutor{}}
	cm := credential.NewManager(store, execs)
	ctl := NewController(cm, store, execs)

	_, err := ctl.Run(context.Background(), "m1", "openai", executor.Request{Model: "gpt-4"})
	if _, ok := err.(*NoCredentialsError); !ok {
		t.Fatalf("expected NoCredentialsError, got %v", err)
	}
}

func TestClassifyErrorTable(t *testing.T) {
	cases := []struct {
		status   int
		wantFall bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{401, true},
		{403, true},
		{404, false},
		{400, false},
	}
	for _, tc := range cases {
		d := ClassifyError(tc.status, "x", 0, nil)
		if d.ShouldFallback != tc.wantFall {
			t.Errorf("status %d: shouldFallback = %v, want %v", tc.status, d.ShouldFallback, tc.wantFall)
		}
	}
}

func TestClassifyErrorBackoffCaps(t *testing.T) {
	d := ClassifyError(429, "x", 10, nil)
	if d.Cooldown != rateLimitCap {
		t.Fatalf("expected rate limit cooldown capped at %s, got %s", rateLimitCap, d.Cooldown)
	}
	d2 := ClassifyError(500, "x", 10, nil)
	if d2.Cooldown != serverErrorCap {
		t.Fatalf("expected server error cooldown capped at %s, got %s", serverErrorCap, d2.Cooldown)
	}
}

func TestClassifyErrorUsesParsedRetryAfter(t *testing.T) {
	ra := 7643 * time.Millisecond
	d := ClassifyError(429, "quota", 0, &ra)
	if d.Cooldown != ra {
		t.Fatalf("expected verbatim retry-after %s, got %s", ra, d.Cooldown)
	}
}
