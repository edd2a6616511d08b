package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sotto-labs/sotto-core/internal/bus"
	"github.com/sotto-labs/sotto-core/internal/config"
	"github.com/sotto-labs/sotto-core/internal/protocol"
)

// Recoverable engine error codes. Everything else tears the session down.
const (
	errNoSpeech = "no-speech"
	errAborted  = "aborted"
)

// Publisher is the outbound half of the message channel.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Service owns at most one recognition engine and microphone stream at a
// time, and translates engine callbacks into session lifecycle events.
type Service struct {
	cfg     config.CaptureConfig
	bus     *bus.Client
	pub     Publisher
	source  AudioSource
	engines EngineFactory
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	clock   func() time.Time

	mu      sync.Mutex
	current *session
}

type session struct {
	id       string
	engine   Engine
	stream   AudioStream
	interim  string
	stopping bool
	audioRef string
}

func NewService(parent context.Context, cfg config.CaptureConfig, busClient *bus.Client, pub Publisher, source AudioSource, engines EngineFactory, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		pub:     pub,
		source:  source,
		engines: engines,
		logger:  logger.With(slog.String("component", "capture")),
		ctx:     ctx,
		cancel:  cancel,
		clock:   time.Now,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectCaptureStart, s.handleStart)
	if err != nil {
		return fmt.Errorf("subscribe capture start: %w", err)
	}
	s.subs = append(s.subs, sub)

	sub, err = s.bus.Conn().Subscribe(protocol.SubjectCaptureStop, s.handleStop)
	if err != nil {
		return fmt.Errorf("subscribe capture stop: %w", err)
	}
	s.subs = append(s.subs, sub)

	sub, err = s.bus.Conn().Subscribe(protocol.SubjectCaptureReady, s.handleReady)
	if err != nil {
		return fmt.Errorf("subscribe readiness ping: %w", err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.mu.Unlock()
	if sess != nil {
		sess.engine.Stop()
		_ = sess.stream.Close()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) == 3
}

func (s *Service) handleReady(msg *nats.Msg) {
	_ = msg.Respond([]byte("ready"))
}

func (s *Service) handleStart(msg *nats.Msg) {
	var cmd protocol.StartCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("failed to decode start command", slogError(err))
		return
	}
	s.startSession(cmd)
}

func (s *Service) handleStop(msg *nats.Msg) {
	var cmd protocol.StopCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("failed to decode stop command", slogError(err))
		return
	}
	s.stopSession(cmd)
}

// startSession tears down any prior engine first, then acquires audio and
// starts a fresh engine bound to the new session id.
func (s *Service) startSession(cmd protocol.StartCommand) {
	s.mu.Lock()
	prev := s.current
	var prevInterim string
	if prev != nil {
		prevInterim = prev.interim
		prev.interim = ""
		prev.stopping = true
	}
	s.current = nil
	s.mu.Unlock()
	if prev != nil {
		// The old session gets the full stop treatment so its tab's
		// mapping is released and nothing it buffered is lost.
		s.logger.Info("superseding active session",
			slog.String("old", prev.id), slog.String("new", cmd.SessionID))
		s.finish(prev, prevInterim)
	}

	stream, err := s.acquireStream(cmd.Device)
	if err != nil {
		s.logger.Warn("audio acquisition failed", slogError(err),
			slog.String("session_id", cmd.SessionID))
		s.publishFatal(cmd.SessionID, fmt.Sprintf("audio capture failed: %v", err))
		s.publishEnded(cmd.SessionID, "")
		return
	}

	sess := &session{id: cmd.SessionID, stream: stream}
	if s.cfg.RecordDir != "" {
		path := filepath.Join(s.cfg.RecordDir, cmd.SessionID+".pcm")
		if rec, rerr := newRecordingStream(stream, path); rerr != nil {
			s.logger.Warn("audio recording disabled for session", slogError(rerr))
		} else {
			sess.stream = rec
			sess.audioRef = rec.Path()
		}
	}

	engCfg := EngineConfig{
		Language:       s.cfg.Language,
		Continuous:     true,
		InterimResults: true,
		SampleRate:     s.cfg.SampleRate,
		Channels:       s.cfg.Channels,
	}
	cb := Callbacks{
		OnStart:  func() { s.publishEvent(protocol.Event{Type: protocol.EventStarted, SessionID: sess.id}) },
		OnResult: func(results []Result) { s.onResult(sess, results) },
		OnError:  func(code string) { s.onError(sess, code) },
		OnEnd:    func() { s.onEnd(sess) },
	}
	engine, err := s.engines(engCfg, sess.stream, cb)
	if err != nil {
		_ = sess.stream.Close()
		s.publishFatal(sess.id, fmt.Sprintf("recognition engine unavailable: %v", err))
		s.publishEnded(sess.id, sess.audioRef)
		return
	}
	sess.engine = engine

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	if err := engine.Start(); err != nil {
		s.logger.Warn("engine start failed", slogError(err), slog.String("session_id", sess.id))
		s.mu.Lock()
		if s.current == sess {
			s.current = nil
		}
		s.mu.Unlock()
		_ = sess.stream.Close()
		s.publishFatal(sess.id, fmt.Sprintf("recognition engine failed to start: %v", err))
		s.publishEnded(sess.id, sess.audioRef)
		return
	}
	s.logger.Info("recognition session started", slog.String("session_id", sess.id))
}

// acquireStream opens the preferred device, falling back to the platform
// default when the device itself is the problem. Any other acquisition
// error is fatal.
func (s *Service) acquireStream(device string) (AudioStream, error) {
	stream, err := s.source.Open(s.ctx, device)
	if err != nil && device != "" && errors.Is(err, ErrUnknownDevice) {
		s.logger.Warn("preferred device unavailable, falling back to default",
			slog.String("device", device), slogError(err))
		stream, err = s.source.Open(s.ctx, "")
	}
	return stream, err
}

// stopSession flushes pending interim text as final, stops the engine and
// emits ended exactly once. Stops for a non-matching session id are ignored.
func (s *Service) stopSession(cmd protocol.StopCommand) {
	s.mu.Lock()
	sess := s.current
	if sess == nil || sess.id != cmd.SessionID {
		s.mu.Unlock()
		return
	}
	interim := sess.interim
	sess.interim = ""
	sess.stopping = true
	s.current = nil
	s.mu.Unlock()

	s.finish(sess, interim)
	s.logger.Info("recognition session stopped", slog.String("session_id", sess.id))
}

// finish flushes pending interim text as final, stops the engine and emits
// ended exactly once. The caller has already detached sess from current.
func (s *Service) finish(sess *session, interim string) {
	if interim != "" {
		// Uncommitted words are promoted to final, never dropped.
		s.publishEvent(protocol.Event{
			Type:            protocol.EventResult,
			SessionID:       sess.id,
			FinalTranscript: interim,
		})
	}
	sess.engine.Stop()
	_ = sess.stream.Close()
	s.publishEnded(sess.id, sess.audioRef)
}

func (s *Service) onResult(sess *session, results []Result) {
	var finals, interims []string
	for _, r := range results {
		if strings.TrimSpace(r.Transcript) == "" {
			continue
		}
		if r.IsFinal {
			finals = append(finals, r.Transcript)
		} else {
			interims = append(interims, r.Transcript)
		}
	}
	final := strings.TrimSpace(strings.Join(finals, " "))
	interim := strings.TrimSpace(strings.Join(interims, " "))

	s.mu.Lock()
	if s.current != sess {
		s.mu.Unlock()
		return
	}
	sess.interim = interim
	s.mu.Unlock()

	if final == "" && interim == "" {
		return
	}
	s.publishEvent(protocol.Event{
		Type:              protocol.EventResult,
		SessionID:         sess.id,
		FinalTranscript:   final,
		InterimTranscript: interim,
	})
}

func (s *Service) onError(sess *session, code string) {
	s.mu.Lock()
	live := s.current == sess
	s.mu.Unlock()
	if !live {
		return
	}

	recoverable := code == errNoSpeech || code == errAborted
	s.publishEvent(protocol.Event{
		Type:        protocol.EventError,
		SessionID:   sess.id,
		Error:       code,
		Recoverable: recoverable,
	})
	if recoverable {
		return
	}
	s.logger.Warn("fatal engine error", slog.String("code", code),
		slog.String("session_id", sess.id))
	s.teardown(sess)
}

// onEnd handles the engine stopping itself. A continuous session is resumed
// transparently; a session that was asked to stop has already been finished
// by stopSession.
func (s *Service) onEnd(sess *session) {
	s.mu.Lock()
	if s.current != sess || sess.stopping {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := sess.engine.Start(); err != nil {
		s.logger.Warn("engine restart failed", slogError(err),
			slog.String("session_id", sess.id))
		s.teardown(sess)
	}
}

func (s *Service) teardown(sess *session) {
	s.mu.Lock()
	if s.current != sess {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.mu.Unlock()

	sess.engine.Stop()
	_ = sess.stream.Close()
	s.publishEnded(sess.id, sess.audioRef)
}

func (s *Service) publishFatal(sessionID, reason string) {
	s.publishEvent(protocol.Event{
		Type:        protocol.EventError,
		SessionID:   sessionID,
		Error:       reason,
		Recoverable: false,
	})
}

func (s *Service) publishEnded(sessionID, audioRef string) {
	s.publishEvent(protocol.Event{
		Type:      protocol.EventEnded,
		SessionID: sessionID,
		AudioRef:  audioRef,
	})
}

func (s *Service) publishEvent(evt protocol.Event) {
	evt.Timestamp = s.clock().UTC()
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("failed to encode session event", slogError(err))
		return
	}
	if err := s.pub.Publish(protocol.SubjectSessionEvent, data); err != nil {
		s.logger.Warn("failed to publish session event", slogError(err),
			slog.String("type", string(evt.Type)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
