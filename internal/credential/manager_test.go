package credential

import (
	"context"
	"testing"
	"time"

	"github.com/nodebridge/airouter/internal/config"
	"github.com/nodebridge/airouter/internal/executor"
)

type fakeStore struct {
	rec     *config.MachineRecord
	updates []config.ProviderConnectionUpdate
}

func (f *fakeStore) Get(_ context.Context, machineID string) (*config.MachineRecord, error) {
	return f.rec, nil
}

func (f *fakeStore) Save(_ context.Context, record *config.MachineRecord) error {
	f.rec = record
	return nil
}

func (f *fakeStore) UpdateProviderConnection(_ context.Context, machineID, connectionID string, update config.ProviderConnectionUpdate) error {
	conn := f.rec.Providers[connectionID]
	if update.Status != nil {
		conn.Status = *update.Status
	}
	if update.AccessToken != nil {
		conn.AccessToken = *update.AccessToken
	}
	f.updates = append(f.updates, update)
	return nil
}

type fakeExecutor struct {
	id           string
	needsRefresh bool
	refreshErr   error
}

func (f *fakeExecutor) Identifier() string { return f.id }
func (f *fakeExecutor) NeedsRefresh(executor.Credentials) bool { return f.needsRefresh }
func (f *fakeExecutor) RefreshCredentials(_ context.Context, cred executor.Credentials) (executor.Credentials, error) {
	if f.refreshErr != nil {
		return executor.Credentials{}, f.refreshErr
	}
	cred.AccessToken = "refreshed-token"
	return cred, nil
}
func (f *fakeExecutor) Execute(context.Context, executor.Credentials, executor.Request) (executor.Response, error) {
	return executor.Response{}, nil
}
func (f *fakeExecutor) ExecuteStream(context.Context, executor.Credentials, executor.Request) (<-chan executor.StreamChunk, error) {
	return nil, nil
}

type fakeExecutors struct{ e executor.Executor }

func (f *fakeExecutors) Get(string) executor.Executor { return f.e }

func TestSelectPicksLowestPriorityNewest(t *testing.T) {
	now := time.Now()
	rec := &config.MachineRecord{
		MachineID: "m1",
		Providers: map[string]*config.ProviderConnection{
			"a": {ID: "a", Provider: "openai", IsActive: true, Priority: 5, UpdatedAt: now.Add(-time.Hour)},
			"b": {ID: "b", Provider: "openai", IsActive: true, Priority: 1, UpdatedAt: now.Add(-time.Minute)},
			"c": {ID: "c", Provider: "openai", IsActive: true, Priority: 1, UpdatedAt: now},
		},
	}
	store := &fakeStore{rec: rec}
	mgr := NewManager(store, &fakeExecutors{e: &fakeExecutor{id: "openai"}})

	sel, err := mgr.Select(context.Background(), "m1", "openai", map[string]bool{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Outcome != OutcomeSelected {
		t.Fatalf("expected OutcomeSelected, got %v", sel.Outcome)
	}
	if sel.Connection.ID != "c" {
		t.Fatalf("expected connection c (priority 1, newest), got %s", sel.Connection.ID)
	}
}

func TestSelectAllRateLimited(t *testing.T) {
	now := time.Now()
	rec := &config.MachineRecord{
		MachineID: "m1",
		Providers: map[string]*config.ProviderConnection{
			"a": {ID: "a", Provider: "openai", IsActive: true, RateLimitedUntil: now.Add(10 * time.Minute), LastError: "rate limited"},
		},
	}
	store := &fakeStore{rec: rec}
	mgr := NewManager(store, &fakeExecutors{e: &fakeExecutor{id: "openai"}})

	sel, err := mgr.Select(context.Background(), "m1", "openai", map[string]bool{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Outcome != OutcomeAllRateLimited {
		t.Fatalf("expected OutcomeAllRateLimited, got %v", sel.Outcome)
	}
	if sel.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", sel.RetryAfter)
	}
}

func TestSelectNoneWhenEmpty(t *testing.T) {
	rec := &config.MachineRecord{MachineID: "m1", Providers: map[string]*config.ProviderConnection{}}
	store := &fakeStore{rec: rec}
	mgr := NewManager(store, &fakeExecutors{e: &fakeExecutor{id: "openai"}})

	sel, err := mgr.Select(context.Background(), "m1", "openai", map[string]bool{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Outcome != OutcomeNone {
		t.Fatalf("expected OutcomeNone, got %v", sel.Outcome)
	}
}

func TestSelectRefreshesAndPersists(t *testing.T) {
	rec := &config.MachineRecord{
		MachineID: "m1",
		Providers: map[string]*config.ProviderConnection{
			"a": {ID: "a", Provider: "openai", IsActive: true, AccessToken: "stale"},
		},
	}
	store := &fakeStore{rec: rec}
	mgr := NewManager(store, &fakeExecutors{e: &fakeExecutor{id: "openai", needsRefresh: true}})

	sel, err := mgr.Select(context.Background(), "m1", "openai", map[string]bool{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Credentials.AccessToken != "refreshed-token" {
		t.Fatalf("expected refreshed token, got %q", sel.Credentials.AccessToken)
	}
	if len(store.updates) != 1 {
		t.Fatalf("expected one persisted update, got %d", len(store.updates))
	}
}

func TestSelectExcludesFailedRefreshAndRecurses(t *testing.T) {
	now := time.Now()
	rec := &config.MachineRecord{
		MachineID: "m1",
		Providers: map[string]*config.ProviderConnection{
			"bad":  {ID: "bad", Provider: "openai", IsActive: true, Priority: 1, UpdatedAt: now},
			"good": {ID: "good", Provider: "openai", IsActive: true, Priority: 2, UpdatedAt: now},
		},
	}
	store := &fakeStore{rec: rec}

	calls := 0
	exec := &failOnceExecutor{fail: "bad"}
	mgr := NewManager(store, &fakeExecutors{e: exec})
	_ = calls

	sel, err := mgr.Select(context.Background(), "m1", "openai", map[string]bool{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Outcome != OutcomeSelected || sel.Connection.ID != "good" {
		t.Fatalf("expected fallback to good connection, got %+v", sel)
	}
}

// failOnceExecutor always needs refresh; refreshing connection "bad" fails
// permanently so Select must exclude it and recurse onto the next candidate.
type failOnceExecutor struct{ fail string }

func (f *failOnceExecutor) Identifier() string                        { return "openai" }
func (f *failOnceExecutor) NeedsRefresh(executor.Credentials) bool     { return true }
func (f *failOnceExecutor) RefreshCredentials(_ context.Context, cred executor.Credentials) (executor.Credentials, error) {
	if cred.ConnectionID == f.fail {
		return executor.Credentials{}, errRefresh
	}
	cred.AccessToken = "ok"
	return cred, nil
}
func (f *failOnceExecutor) Execute(context.Context, executor.Credentials, executor.Request) (executor.Response, error) {
	return executor.Response{}, nil
}
func (f *failOnceExecutor) ExecuteStream(context.Context, executor.Credentials, executor.Request) (<-chan executor.StreamChunk, error) {
	return nil, nil
}

var errRefresh = &refreshError{}

type refreshError struct{}

func (*refreshError) Error() string { return "refresh failed" }
