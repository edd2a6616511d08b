package refine

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator returns a backend that tidies whitespace and
// capitalization without a model. Useful for development and tests.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	text := strings.Join(strings.Fields(req.Prompt), " ")
	if text == "" {
		return "", nil
	}
	runes := []rune(text)
	runes[0] = []rune(strings.ToUpper(string(runes[0])))[0]
	text = string(runes)
	if !strings.ContainsAny(text[len(text)-1:], ".!?") {
		text += "."
	}
	return text, nil
}
