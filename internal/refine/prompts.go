package refine

import (
	"fmt"

	"github.com/sotto-labs/sotto-core/internal/store"
)

// Prompt is a named rewrite instruction.
type Prompt struct {
	ID          string
	Name        string
	Description string
	System      string
}

// DefaultPromptID is used when a request does not name a prompt.
const DefaultPromptID = "cleanup"

var builtinPrompts = []Prompt{
	{
		ID:          "cleanup",
		Name:        "Clean up",
		Description: "Fix punctuation and remove filler words, keep the wording",
		System: "You clean up dictated text. Fix punctuation, capitalization and " +
			"obvious recognition mistakes, and drop filler words. Keep the speaker's " +
			"wording and meaning. Reply with the cleaned text only.",
	},
	{
		ID:          "formal",
		Name:        "Formal",
		Description: "Rewrite in a professional register",
		System: "You rewrite dictated text into clear, professional prose suitable " +
			"for work correspondence. Preserve the meaning. Reply with the rewritten " +
			"text only.",
	},
	{
		ID:          "concise",
		Name:        "Concise",
		Description: "Condense to the essentials",
		System: "You condense dictated text to its essential points without losing " +
			"meaning. Reply with the condensed text only.",
	},
}

// BuiltinPrompts lists the presets shipped with the service.
func BuiltinPrompts() []Prompt {
	out := make([]Prompt, len(builtinPrompts))
	copy(out, builtinPrompts)
	return out
}

// ResolvePrompt finds a prompt by id among the builtins and the user's
// custom prompts. An empty id resolves to the default preset.
func ResolvePrompt(id string, custom []store.CustomPrompt) (Prompt, error) {
	if id == "" {
		id = DefaultPromptID
	}
	for _, p := range builtinPrompts {
		if p.ID == id {
			return p, nil
		}
	}
	for _, c := range custom {
		if c.ID == id {
			return Prompt{ID: c.ID, Name: c.Name, Description: c.Description, System: c.Prompt}, nil
		}
	}
	return Prompt{}, fmt.Errorf("unknown refinement prompt %q", id)
}
