package refine

import (
	"context"
	"fmt"

	"github.com/sotto-labs/sotto-core/internal/config"
)

// Request describes a single transcript rewrite.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Generator is a pluggable rewrite backend. Generation is one-shot: a
// dictated transcript goes in, the rewritten text comes out.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// NewGenerator builds the backend selected by config.
func NewGenerator(cfg config.RefineConfig) (Generator, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown refine mode %q", cfg.Mode)
	}
}
