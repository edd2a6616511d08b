package refine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	cmd []string
	mu  sync.Mutex
}

type execResponse struct {
	Content string `json:"content"`
}

// NewExecGenerator shells out to a user-provided command. The request is
// written to stdin as JSON; the command answers with {"content": ...}.
func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse refine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("refine command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	payload := map[string]any{
		"prompt":      req.Prompt,
		"system":      req.System,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	base := g.cmd[0]
	args := append([]string{}, g.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("refine exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode refine exec response: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
