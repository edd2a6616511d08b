package refine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/sotto-labs/sotto-core/internal/config"
	"github.com/sotto-labs/sotto-core/internal/protocol"
	"github.com/sotto-labs/sotto-core/internal/store"
)

type fakePublisher struct {
	mu        sync.Mutex
	responses []protocol.RefineResponse
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if subject != protocol.SubjectRefineResponse {
		return errors.New("unexpected subject " + subject)
	}
	var resp protocol.RefineResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	f.responses = append(f.responses, resp)
	return nil
}

type generatorFunc func(ctx context.Context, req Request) (string, error)

func (f generatorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

type fakeSettings struct {
	settings store.Settings
	err      error
}

func (f *fakeSettings) GetSettings(context.Context) (store.Settings, error) {
	return f.settings, f.err
}

func newTestService(t *testing.T, gen Generator, settings SettingsSource) (*Service, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.RefineConfig{Enabled: true, Mode: "mock", TimeoutMS: 5000}
	svc := NewService(context.Background(), cfg, nil, pub, gen, settings, logger)
	t.Cleanup(svc.Close)
	return svc, pub
}

func TestProcessPublishesRewrittenText(t *testing.T) {
	var seen Request
	gen := generatorFunc(func(_ context.Context, req Request) (string, error) {
		seen = req
		return "Cleaned up.", nil
	})
	svc, pub := newTestService(t, gen, nil)

	svc.process(protocol.RefineRequest{
		SessionID: "sid-1", TabID: "tab-1", PromptID: "cleanup", Text: "um cleaned up",
	})

	if len(pub.responses) != 1 {
		t.Fatalf("responses = %+v, want one", pub.responses)
	}
	resp := pub.responses[0]
	if resp.SessionID != "sid-1" || resp.TabID != "tab-1" || resp.Text != "Cleaned up." || resp.Error != "" {
		t.Fatalf("response = %+v", resp)
	}
	if seen.Prompt != "um cleaned up" || seen.System == "" {
		t.Fatalf("generator request = %+v", seen)
	}
}

func TestProcessDefaultsPromptWhenUnset(t *testing.T) {
	var system string
	gen := generatorFunc(func(_ context.Context, req Request) (string, error) {
		system = req.System
		return "ok", nil
	})
	svc, _ := newTestService(t, gen, nil)

	svc.process(protocol.RefineRequest{SessionID: "sid-1", TabID: "tab-1", Text: "text"})

	def, err := ResolvePrompt(DefaultPromptID, nil)
	if err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	if system != def.System {
		t.Fatalf("system = %q, want the default preset", system)
	}
}

func TestProcessUnknownPromptRespondsWithError(t *testing.T) {
	gen := generatorFunc(func(context.Context, Request) (string, error) {
		t.Fatal("generator must not run for unknown prompt")
		return "", nil
	})
	svc, pub := newTestService(t, gen, nil)

	svc.process(protocol.RefineRequest{
		SessionID: "sid-1", TabID: "tab-1", PromptID: "nope", Text: "text",
	})

	if len(pub.responses) != 1 || pub.responses[0].Error == "" {
		t.Fatalf("responses = %+v, want one error", pub.responses)
	}
}

func TestProcessCustomPromptFromSettings(t *testing.T) {
	settings := &fakeSettings{settings: store.Settings{
		CustomPrompts: []store.CustomPrompt{
			{ID: "pirate", Name: "Pirate", Prompt: "Rewrite as a pirate."},
		},
	}}
	var system string
	gen := generatorFunc(func(_ context.Context, req Request) (string, error) {
		system = req.System
		return "Arr.", nil
	})
	svc, pub := newTestService(t, gen, settings)

	svc.process(protocol.RefineRequest{
		SessionID: "sid-1", TabID: "tab-1", PromptID: "pirate", Text: "hello",
	})

	if system != "Rewrite as a pirate." {
		t.Fatalf("system = %q", system)
	}
	if len(pub.responses) != 1 || pub.responses[0].Text != "Arr." {
		t.Fatalf("responses = %+v", pub.responses)
	}
}

func TestProcessGeneratorFailureRespondsWithError(t *testing.T) {
	gen := generatorFunc(func(context.Context, Request) (string, error) {
		return "", errors.New("model unavailable")
	})
	svc, pub := newTestService(t, gen, nil)

	svc.process(protocol.RefineRequest{SessionID: "sid-1", TabID: "tab-1", Text: "text"})

	if len(pub.responses) != 1 {
		t.Fatalf("responses = %+v, want one", pub.responses)
	}
	if !strings.Contains(pub.responses[0].Error, "model unavailable") {
		t.Fatalf("error = %q", pub.responses[0].Error)
	}
}

func TestProcessEmptyRewriteRespondsWithError(t *testing.T) {
	gen := generatorFunc(func(context.Context, Request) (string, error) {
		return "", nil
	})
	svc, pub := newTestService(t, gen, nil)

	svc.process(protocol.RefineRequest{SessionID: "sid-1", TabID: "tab-1", Text: "text"})

	if len(pub.responses) != 1 || pub.responses[0].Error == "" {
		t.Fatalf("responses = %+v, want one error", pub.responses)
	}
}

func TestMockGeneratorTidiesTranscript(t *testing.T) {
	gen := NewMockGenerator()
	got, err := gen.Generate(context.Background(), Request{Prompt: "  hello   world  "})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "Hello world." {
		t.Fatalf("got %q", got)
	}
}

func TestNewGeneratorRejectsUnknownMode(t *testing.T) {
	if _, err := NewGenerator(config.RefineConfig{Mode: "telepathy"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
