package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sotto-labs/sotto-core/internal/bus"
	"github.com/sotto-labs/sotto-core/internal/config"
	"github.com/sotto-labs/sotto-core/internal/protocol"
	"github.com/sotto-labs/sotto-core/internal/store"
)

// Publisher is the outbound half of the message channel. *bus.Client
// satisfies it; tests supply a recorder.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// SettingsSource supplies the user's custom prompts. *store.Store
// satisfies it; a nil source limits resolution to the builtin presets.
type SettingsSource interface {
	GetSettings(ctx context.Context) (store.Settings, error)
}

// Service rewrites finished transcripts on request. Each request is
// answered exactly once, with either the rewritten text or an error.
type Service struct {
	cfg       config.RefineConfig
	bus       *bus.Client
	pub       Publisher
	generator Generator
	settings  SettingsSource
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	sub       *nats.Subscription
	wg        sync.WaitGroup
	ready     bool
}

func NewService(parent context.Context, cfg config.RefineConfig, busClient *bus.Client, pub Publisher, generator Generator, settings SettingsSource, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		pub:       pub,
		generator: generator,
		settings:  settings,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "refine")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectRefineRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe refine requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.RefineRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode refine request", slogError(err))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(req)
	}()
}

func (s *Service) process(req protocol.RefineRequest) {
	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	prompt, err := s.resolvePrompt(ctx, req.PromptID)
	if err != nil {
		s.respondError(req, err)
		return
	}

	start := time.Now()
	text, err := s.generator.Generate(ctx, Request{
		SessionID:   req.SessionID,
		Prompt:      req.Text,
		System:      prompt.System,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		s.logger.Warn("refinement failed", slogError(err),
			slog.String("session_id", req.SessionID))
		s.respondError(req, err)
		return
	}
	if text == "" {
		// An empty rewrite would silently discard the user's words.
		s.respondError(req, fmt.Errorf("model returned no text"))
		return
	}
	s.logger.Info("refinement complete",
		slog.String("session_id", req.SessionID),
		slog.String("prompt_id", prompt.ID),
		slog.Duration("latency", time.Since(start)))
	s.respond(protocol.RefineResponse{
		SessionID: req.SessionID,
		TabID:     req.TabID,
		Text:      text,
	})
}

func (s *Service) resolvePrompt(ctx context.Context, id string) (Prompt, error) {
	var custom []store.CustomPrompt
	if s.settings != nil {
		settings, err := s.settings.GetSettings(ctx)
		if err != nil {
			s.logger.Warn("failed to load settings, using builtin prompts only", slogError(err))
		} else {
			custom = settings.CustomPrompts
		}
	}
	return ResolvePrompt(id, custom)
}

func (s *Service) respondError(req protocol.RefineRequest, err error) {
	s.respond(protocol.RefineResponse{
		SessionID: req.SessionID,
		TabID:     req.TabID,
		Error:     err.Error(),
	})
}

func (s *Service) respond(resp protocol.RefineResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to encode refine response", slogError(err))
		return
	}
	if err := s.pub.Publish(protocol.SubjectRefineResponse, data); err != nil {
		s.logger.Warn("failed to publish refine response", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
