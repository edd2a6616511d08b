package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sotto-labs/sotto-core/internal/bus"
	"github.com/sotto-labs/sotto-core/internal/config"
	"github.com/sotto-labs/sotto-core/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Publisher is the outbound half of the message channel. *bus.Client
// satisfies it; tests supply a recorder.
type Publisher interface {
	Publish(subject string, data []byte) error
	Request(subject string, data []byte, timeout time.Duration) ([]byte, error)
}

// Service is the single source of truth for which tab owns which session.
// At most one non-ended session exists per tab at any time.
type Service struct {
	cfg    config.CoordinatorConfig
	bus    *bus.Client
	pub    Publisher
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription

	mu     sync.Mutex
	active map[string]string // tabID -> sessionID

	newID func() string

	sessionsStarted metric.Int64Counter
	eventsRelayed   metric.Int64Counter
	eventsDropped   metric.Int64Counter
	activeGauge     metric.Int64ObservableGauge
}

func NewService(parent context.Context, cfg config.CoordinatorConfig, busClient *bus.Client, pub Publisher, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:    cfg,
		bus:    busClient,
		pub:    pub,
		logger: logger.With(slog.String("component", "coordinator")),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]string),
		newID:  newSessionID,
	}
	s.initMetrics()
	return s
}

// newSessionID must be unique for the process lifetime; a collision is not
// recoverable downstream.
func newSessionID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

func (s *Service) initMetrics() {
	meter := otel.Meter("github.com/sotto-labs/sotto-core/coordinator")
	var err error
	if s.sessionsStarted, err = meter.Int64Counter("sotto.sessions.started"); err != nil {
		s.logger.Warn("failed to create sessions counter", slogError(err))
	}
	if s.eventsRelayed, err = meter.Int64Counter("sotto.events.relayed"); err != nil {
		s.logger.Warn("failed to create relay counter", slogError(err))
	}
	if s.eventsDropped, err = meter.Int64Counter("sotto.events.dropped"); err != nil {
		s.logger.Warn("failed to create drop counter", slogError(err))
	}
	s.activeGauge, err = meter.Int64ObservableGauge("sotto.sessions.active",
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			o.Observe(int64(len(s.active)))
			return nil
		}))
	if err != nil {
		s.logger.Warn("failed to create active gauge", slogError(err))
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSessionControl, s.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe session control: %w", err)
	}
	s.subs = append(s.subs, sub)

	sub, err = s.bus.Conn().Subscribe(protocol.SubjectSessionEvent, s.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe session events: %w", err)
	}
	s.subs = append(s.subs, sub)

	sub, err = s.bus.Conn().Subscribe(protocol.SubjectTabClosed, s.handleTabClosed)
	if err != nil {
		return fmt.Errorf("subscribe tab closed: %w", err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return len(s.subs) == 3
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctl protocol.Control
	if err := json.Unmarshal(msg.Data, &ctl); err != nil {
		s.logger.Warn("failed to decode session control", slogError(err))
		return
	}
	switch ctl.Op {
	case protocol.OpStart:
		sid := s.startSession(ctl)
		if msg.Reply != "" {
			// The requesting page listener adopts this id; an empty reply
			// tells it the request did not yield a fresh session.
			_ = msg.Respond([]byte(sid))
		}
	case protocol.OpStop:
		s.stopSession(ctl.TabID)
	default:
		s.logger.Warn("unknown session control op", slog.String("op", ctl.Op))
	}
}

func (s *Service) handleEvent(msg *nats.Msg) {
	var evt protocol.Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.logger.Warn("failed to decode session event", slogError(err))
		return
	}
	s.relay(evt)
}

func (s *Service) handleTabClosed(msg *nats.Msg) {
	var closed protocol.TabClosed
	if err := json.Unmarshal(msg.Data, &closed); err != nil {
		s.logger.Warn("failed to decode tab closed", slogError(err))
		return
	}
	s.tabClosed(closed.TabID)
}

// startSession allocates a session for the tab and returns its id. A second
// start request for a tab that already has one is toggle semantics: it stops
// the running session and returns an empty id.
func (s *Service) startSession(ctl protocol.Control) string {
	s.mu.Lock()
	if sid, ok := s.active[ctl.TabID]; ok {
		s.mu.Unlock()
		s.logger.Info("session already active for tab, toggling off",
			slog.String("tab_id", ctl.TabID), slog.String("session_id", sid))
		s.forwardStop(sid)
		return ""
	}
	sid := s.newID()
	s.active[ctl.TabID] = sid
	s.mu.Unlock()

	if s.sessionsStarted != nil {
		s.sessionsStarted.Add(s.ctx, 1)
	}
	s.logger.Info("starting session",
		slog.String("tab_id", ctl.TabID), slog.String("session_id", sid))

	// Wait for the capture surface to signal readiness, bounded. Forwarding
	// proceeds on timeout: availability over correctness.
	timeout := time.Duration(s.cfg.ReadyTimeoutMS) * time.Millisecond
	if _, err := s.pub.Request(protocol.SubjectCaptureReady, nil, timeout); err != nil {
		s.logger.Warn("capture surface did not signal readiness, forwarding start anyway",
			slogError(err), slog.String("session_id", sid))
	}

	data, err := json.Marshal(protocol.StartCommand{SessionID: sid, Device: ctl.Device})
	if err != nil {
		s.logger.Warn("failed to encode start command", slogError(err))
		s.remove(ctl.TabID)
		return ""
	}
	if err := s.pub.Publish(protocol.SubjectCaptureStart, data); err != nil {
		s.logger.Warn("failed to forward start to capture surface", slogError(err))
		s.remove(ctl.TabID)
		s.notifyError(ctl.TabID, sid, "capture surface unreachable; reload the page and retry")
		// No capture session will ever emit ended for this id, so close it
		// out here in case the page already bound to it.
		s.notifyEnded(ctl.TabID, sid)
		return ""
	}
	return sid
}

// stopSession forwards a stop for the tab's session. Unknown tabs are a
// no-op, which makes repeated stops harmless. The mapping is removed when
// the corresponding ended event is relayed.
func (s *Service) stopSession(tabID string) {
	s.mu.Lock()
	sid, ok := s.active[tabID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.forwardStop(sid)
}

func (s *Service) forwardStop(sessionID string) {
	data, err := json.Marshal(protocol.StopCommand{SessionID: sessionID})
	if err != nil {
		s.logger.Warn("failed to encode stop command", slogError(err))
		return
	}
	if err := s.pub.Publish(protocol.SubjectCaptureStop, data); err != nil {
		s.logger.Warn("failed to forward stop to capture surface", slogError(err),
			slog.String("session_id", sessionID))
	}
}

// relay forwards a capture event to the tab owning its session. Events with
// no matching tab are dropped; ended events remove the mapping.
func (s *Service) relay(evt protocol.Event) {
	s.mu.Lock()
	tabID := ""
	for tab, sid := range s.active {
		if sid == evt.SessionID {
			tabID = tab
			break
		}
	}
	s.mu.Unlock()

	if tabID == "" {
		if s.eventsDropped != nil {
			s.eventsDropped.Add(s.ctx, 1)
		}
		s.logger.Debug("dropping event for unknown session",
			slog.String("session_id", evt.SessionID), slog.String("type", string(evt.Type)))
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("failed to encode relayed event", slogError(err))
		return
	}
	if err := s.pub.Publish(protocol.TabEventSubject(tabID), data); err != nil {
		s.logger.Warn("failed to relay event to tab, clearing session",
			slogError(err), slog.String("tab_id", tabID))
		s.remove(tabID)
		return
	}
	if s.eventsRelayed != nil {
		s.eventsRelayed.Add(s.ctx, 1)
	}
	if evt.Type == protocol.EventEnded {
		s.remove(tabID)
	}
}

// tabClosed performs the same cleanup as stopSession, then drops the mapping
// immediately since there is no relay target left.
func (s *Service) tabClosed(tabID string) {
	s.mu.Lock()
	sid, ok := s.active[tabID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("tab closed with active session",
		slog.String("tab_id", tabID), slog.String("session_id", sid))
	s.forwardStop(sid)
	s.remove(tabID)
}

func (s *Service) notifyError(tabID, sessionID, message string) {
	evt := protocol.Event{
		Type:        protocol.EventError,
		SessionID:   sessionID,
		Error:       message,
		Recoverable: false,
		Timestamp:   time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.pub.Publish(protocol.TabEventSubject(tabID), data); err != nil {
		s.logger.Warn("failed to notify tab of session error", slogError(err))
	}
}

func (s *Service) notifyEnded(tabID, sessionID string) {
	evt := protocol.Event{
		Type:      protocol.EventEnded,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.pub.Publish(protocol.TabEventSubject(tabID), data); err != nil {
		s.logger.Warn("failed to notify tab of session end", slogError(err))
	}
}

func (s *Service) remove(tabID string) {
	s.mu.Lock()
	delete(s.active, tabID)
	s.mu.Unlock()
}

// sessionFor reports the active session id for a tab, if any.
func (s *Service) sessionFor(tabID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.active[tabID]
	return sid, ok
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
