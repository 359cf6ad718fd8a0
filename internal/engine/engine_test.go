package engine

import (
	"context"
	"testing"

	"github.com/nodebridge/airouter/internal/config"
	"github.com/nodebridge/airouter/internal/credential"
	"github.com/nodebridge/airouter/internal/executor"
	"github.com/nodebridge/airouter/internal/fallback"
	"github.com/nodebridge/airouter/internal/registry"
)

type fakeStore struct{ rec *config.MachineRecord }

func (f *fakeStore) Get(_ context.Context, machineID string) (*config.MachineRecord, error) {
	return f.rec, nil
}
func (f *fakeStore) Save(context.Context, *config.MachineRecord) error { return nil }
func (f *fakeStore) UpdateProviderConnection(context.Context, string, string, config.ProviderConnectionUpdate) error {
	return nil
}

// echoExecutor returns a fixed openai-chat-shaped response regardless of
// what it was sent, so tests can assert on what the engine did to it.
type echoExecutor struct {
	id       string
	response []byte
}

func (e *echoExecutor) Identifier() string                    { return e.id }
func (e *echoExecutor) NeedsRefresh(executor.Credentials) bool { return false }
func (e *echoExecutor) RefreshCredentials(_ context.Context, c executor.Credentials) (executor.Credentials, error) {
	return c, nil
}
func (e *echoExecutor) Execute(_ context.Context, _ executor.Credentials, _ executor.Request) (executor.Response, error) {
	return executor.Response{Status: 200, Payload: e.response}, nil
}
func (e *echoExecutor) ExecuteStream(_ context.Context, _ executor.Credentials, _ executor.Request) (<-chan executor.StreamChunk, error) {
	ch := make(chan executor.StreamChunk, 1)
	ch <- executor.StreamChunk{Payload: e.response}
	close(ch)
	return ch, nil
}

type fakeExecutors struct{ e executor.Executor }

func (f *fakeExecutors) Get(string) executor.Executor { return f.e }

func newTestEngine(t *testing.T, provider string, exec executor.Executor) (*Engine, *config.MachineRecord) {
	t.Helper()
	rec := &config.MachineRecord{
		MachineID: "m1",
		Providers: map[string]*config.ProviderConnection{
			"c1": {ID: "c1", Provider: provider, IsActive: true, APIKey: "key"},
		},
	}
	store := &fakeStore{rec: rec}
	execs := &fakeExecutors{e: exec}
	mgr := credential.NewManager(store, execs)
	fb := fallback.NewController(mgr, store, execs)
	return New(store, fb), rec
}

func TestHandleTranslatesDefaultExecutorResponse(t *testing.T) {
	openAIBody := []byte(`{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`)
	eng, _ := newTestEngine(t, "openai", &echoExecutor{id: "openai", response: openAIBody})

	resp, err := eng.Handle(context.Background(), "m1", registry.FormatClaude, "openai/gpt-4", []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected status 200, got %d", resp.Status)
	}
	if string(resp.Payload) == string(openAIBody) {
		t.Fatal("expected response translated into claude dialect, got raw openai-chat body unchanged")
	}
}

func TestHandlePassesThroughSpecializedExecutorUntranslated(t *testing.T) {
	claudeBody := []byte(`{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"hi"}]}`)
	eng, _ := newTestEngine(t, "antigravity", &echoExecutor{id: "antigravity", response: claudeBody})

	resp, err := eng.Handle(context.Background(), "m1", registry.FormatClaude, "antigravity/gemini-pro", []byte(`{"model":"gemini-pro","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if string(resp.Payload) != string(claudeBody) {
		t.Fatalf("expected specialized executor's response passed through unchanged, got %s", resp.Payload)
	}
}

func TestHandleUnknownModelReturnsError(t *testing.T) {
	eng, _ := newTestEngine(t, "openai", &echoExecutor{id: "openai"})
	if _, err := eng.Handle(context.Background(), "m1", registry.FormatOpenAIChat, "", []byte(`{}`)); err == nil {
		t.Fatal("expected error for empty model string")
	}
}

func TestHandleStreamSingleTarget(t *testing.T) {
	openAIChunk := []byte(`data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hi"}}]}`)
	eng, _ := newTestEngine(t, "openai", &echoExecutor{id: "openai", response: openAIChunk})

	chunks, err := eng.HandleStream(context.Background(), "m1", registry.FormatOpenAIChat, "openai/gpt-4", []byte(`{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("handle stream: %v", err)
	}
	var got []executor.StreamChunk
	for c := range chunks {
		got = append(got, c)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for _, c := range got {
		if c.Err != nil {
			t.Fatalf("unexpected chunk error: %v", c.Err)
		}
	}
}
