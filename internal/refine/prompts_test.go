package refine

import (
	"testing"

	"github.com/sotto-labs/sotto-core/internal/store"
)

func TestResolvePromptBuiltin(t *testing.T) {
	p, err := ResolvePrompt("formal", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.ID != "formal" || p.System == "" {
		t.Fatalf("prompt = %+v", p)
	}
}

func TestResolvePromptEmptyUsesDefault(t *testing.T) {
	p, err := ResolvePrompt("", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.ID != DefaultPromptID {
		t.Fatalf("id = %q, want %q", p.ID, DefaultPromptID)
	}
}

func TestResolvePromptCustomWins(t *testing.T) {
	custom := []store.CustomPrompt{{ID: "notes", Name: "Notes", Prompt: "As bullet notes."}}
	p, err := ResolvePrompt("notes", custom)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.System != "As bullet notes." {
		t.Fatalf("prompt = %+v", p)
	}
}

func TestResolvePromptUnknown(t *testing.T) {
	if _, err := ResolvePrompt("missing", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestBuiltinPromptsAreCopied(t *testing.T) {
	a := BuiltinPrompts()
	a[0].System = "mutated"
	b := BuiltinPrompts()
	if b[0].System == "mutated" {
		t.Fatal("BuiltinPrompts must not expose internal state")
	}
}
