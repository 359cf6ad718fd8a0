package executor

import "testing"

func TestRegistryExplicitLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewDefaultExecutor("openai", "/v1/chat/completions"))

	got := reg.Get("openai")
	if got == nil || got.Identifier() != "openai" {
		t.Fatalf("expected explicit openai executor, got %v", got)
	}
}

func TestRegistryLazyCompatibleTag(t *testing.T) {
	reg := NewRegistry()

	got := reg.Get("openai-compatible-myprovider")
	if got == nil {
		t.Fatal("expected a lazily constructed executor for a -compatible- tag")
	}
	if got.Identifier() != "openai-compatible-myprovider" {
		t.Fatalf("unexpected identifier %q", got.Identifier())
	}

	again := reg.Get("openai-compatible-myprovider")
	if again != got {
		t.Fatal("expected the same cached instance on a second lookup")
	}
}

func TestRegistryLazySuffixForm(t *testing.T) {
	reg := NewRegistry()
	if got := reg.Get("anthropic-compatible"); got == nil {
		t.Fatal("expected a lazily constructed executor for the bare -compatible suffix")
	}
}

func TestRegistryUnknownTagReturnsNil(t *testing.T) {
	reg := NewRegistry()
	if got := reg.Get("unknown-provider"); got != nil {
		t.Fatalf("expected nil for unregistered, non-compatible tag, got %v", got)
	}
}
