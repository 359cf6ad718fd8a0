package resolver

import (
	"testing"

	"github.com/nodebridge/airouter/internal/config"
)

func TestResolveDirectSlash(t *testing.T) {
	targets, err := Resolve(nil, "openai/gpt-4o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 1 || targets[0].Provider != "openai" || targets[0].Model != "gpt-4o" {
		t.Fatalf("unexpected targets: %+v", targets)
	}
}

func TestResolveAlias(t *testing.T) {
	// S2 from spec.md §8.
	rec := &config.MachineRecord{
		ModelAliases: map[string]string{"myhaiku": "cc/claude-haiku-4-5-20251001"},
	}
	targets, err := Resolve(rec, "myhaiku")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 1 || targets[0].Provider != "claude-code" || targets[0].Model != "claude-haiku-4-5-20251001" {
		t.Fatalf("unexpected targets: %+v", targets)
	}
}

func TestResolveCombo(t *testing.T) {
	rec := &config.MachineRecord{
		Combos: []config.Combo{
			{ID: "c1", Name: "fastest", Models: []string{"openai/gpt-4o-mini", "gemini/gemini-2.5-flash"}},
		},
	}
	targets, err := Resolve(rec, "fastest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	if !IsCombo(targets) {
		t.Fatalf("expected IsCombo to be true")
	}
}

func TestResolveInvalid(t *testing.T) {
	if _, err := Resolve(nil, "no-such-model"); err == nil {
		t.Fatalf("expected error for unresolvable model string")
	}
}

func TestResolveAliasDepthBound(t *testing.T) {
	rec := &config.MachineRecord{ModelAliases: map[string]string{}}
	// Build a chain of 10 aliases pointing to each other; should exceed depth 8.
	for i := 0; i < 10; i++ {
		rec.ModelAliases[itoaAlias(i)] = itoaAlias(i + 1)
	}
	if _, err := Resolve(rec, itoaAlias(0)); err == nil {
		t.Fatalf("expected depth-bound error")
	}
}

func itoaAlias(i int) string {
	return "alias" + string(rune('a'+i))
}
