package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sotto-labs/sotto-core/internal/bus"
	"github.com/sotto-labs/sotto-core/internal/config"
	"github.com/sotto-labs/sotto-core/internal/protocol"
	"github.com/sotto-labs/sotto-core/internal/refine"
	"github.com/sotto-labs/sotto-core/internal/store"
)

// startRequestTimeout bounds how long a page waits for the coordinator to
// answer a start request before reporting the service unreachable.
const startRequestTimeout = 2 * time.Second

// Publisher is the outbound half of the message channel. *bus.Client
// satisfies it; tests supply a recorder.
type Publisher interface {
	Publish(subject string, data []byte) error
	Request(subject string, data []byte, timeout time.Duration) ([]byte, error)
}

// HistoryWriter persists finished transcripts. *store.Store satisfies it.
type HistoryWriter interface {
	AppendHistory(ctx context.Context, entry store.Entry) error
}

// SettingsSource supplies the current user settings and change
// notifications. *store.Store satisfies it.
type SettingsSource interface {
	GetSettings(ctx context.Context) (store.Settings, error)
	WatchSettings() (<-chan store.Settings, func())
}

// StatusKind distinguishes the two indicator colors a page shows.
type StatusKind string

const (
	StatusInfo  StatusKind = "info"
	StatusError StatusKind = "error"
)

// Status is the visual indicator state for one page.
type Status struct {
	Kind    StatusKind
	Message string
}

// page is the per-tab dictation state. All fields are guarded by the
// service mutex.
type page struct {
	tabID  string
	url    string
	target Editable

	sessionID string
	starting  bool
	failed    bool
	refine    bool

	// buffer accumulates final fragments for history exactly as inserted.
	buffer []string

	// inserted covers the full contiguous span written this session, or is
	// nil once the user moved the caret between fragments.
	inserted   *InsertRecord
	spanBroken bool

	pending *pendingRefine

	status      Status
	statusTimer *time.Timer
}

// pendingRefine carries what finalize knew when it sent the refinement
// request, so the response can be applied after the page state has reset.
type pendingRefine struct {
	sessionID string
	original  string
	record    *InsertRecord
	target    Editable
	audioRef  string
	url       string
}

// Service is the page listener: it tracks focus targets per tab, turns key
// events into session requests, and applies relayed session events to the
// page. One service instance multiplexes every open tab.
type Service struct {
	cfg      config.ListenerConfig
	bus      *bus.Client
	pub      Publisher
	history  HistoryWriter
	settings SettingsSource
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	subs     []*nats.Subscription

	mu      sync.Mutex
	pages   map[string]*page
	current store.Settings

	watchCancel func()
}

func NewService(parent context.Context, cfg config.ListenerConfig, busClient *bus.Client, pub Publisher, history HistoryWriter, settings SettingsSource, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		pub:      pub,
		history:  history,
		settings: settings,
		logger:   logger.With(slog.String("component", "listener")),
		ctx:      ctx,
		cancel:   cancel,
		pages:    make(map[string]*page),
		current:  store.DefaultSettings(),
	}
}

func (s *Service) Start() error {
	if s.settings != nil {
		settings, err := s.settings.GetSettings(s.ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		s.mu.Lock()
		s.current = settings
		s.mu.Unlock()

		ch, cancel := s.settings.WatchSettings()
		s.watchCancel = cancel
		go s.watchSettings(ch)
	}

	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTabEventPrefix+".>", s.handleTabEvent)
	if err != nil {
		return fmt.Errorf("subscribe tab events: %w", err)
	}
	s.subs = append(s.subs, sub)

	sub, err = s.bus.Conn().Subscribe(protocol.SubjectKeyPrefix+".>", s.handleKeyMsg)
	if err != nil {
		return fmt.Errorf("subscribe key events: %w", err)
	}
	s.subs = append(s.subs, sub)

	sub, err = s.bus.Conn().Subscribe(protocol.SubjectRefineResponse, s.handleRefineMsg)
	if err != nil {
		return fmt.Errorf("subscribe refine responses: %w", err)
	}
	s.subs = append(s.subs, sub)

	sub, err = s.bus.Conn().Subscribe(protocol.SubjectTabClosed, s.handleTabClosedMsg)
	if err != nil {
		return fmt.Errorf("subscribe tab closed: %w", err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.watchCancel != nil {
		s.watchCancel()
	}
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pg := range s.pages {
		if pg.statusTimer != nil {
			pg.statusTimer.Stop()
		}
	}
}

func (s *Service) Healthy() bool {
	return len(s.subs) == 4
}

func (s *Service) watchSettings(ch <-chan store.Settings) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case settings, ok := <-ch:
			if !ok {
				return
			}
			s.mu.Lock()
			s.current = settings
			s.mu.Unlock()
			s.logger.Debug("settings updated",
				slog.String("activation_mode", settings.ActivationMode))
		}
	}
}

// Focus records the tab's focused editable target. A nil target means the
// focus moved to something that cannot take dictated text.
func (s *Service) Focus(tabID, url string, target Editable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pg := s.pages[tabID]
	if pg == nil {
		pg = &page{tabID: tabID}
		s.pages[tabID] = pg
	}
	pg.url = url
	pg.target = target
}

// PageStatus reports the page's current indicator state.
func (s *Service) PageStatus(tabID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pg, ok := s.pages[tabID]
	if !ok {
		return Status{}, false
	}
	return pg.status, true
}

func (s *Service) handleTabEvent(msg *nats.Msg) {
	tabID := strings.TrimPrefix(msg.Subject, protocol.SubjectTabEventPrefix+".")
	var evt protocol.Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.logger.Warn("failed to decode tab event", slogError(err))
		return
	}
	s.applyEvent(tabID, evt)
}

func (s *Service) handleKeyMsg(msg *nats.Msg) {
	var ev protocol.KeyEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("failed to decode key event", slogError(err))
		return
	}
	if ev.TabID == "" {
		ev.TabID = strings.TrimPrefix(msg.Subject, protocol.SubjectKeyPrefix+".")
	}
	s.handleKey(ev)
}

func (s *Service) handleRefineMsg(msg *nats.Msg) {
	var resp protocol.RefineResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		s.logger.Warn("failed to decode refine response", slogError(err))
		return
	}
	s.applyRefineResponse(resp)
}

func (s *Service) handleTabClosedMsg(msg *nats.Msg) {
	var closed protocol.TabClosed
	if err := json.Unmarshal(msg.Data, &closed); err != nil {
		return
	}
	s.mu.Lock()
	pg, ok := s.pages[closed.TabID]
	if ok {
		if pg.statusTimer != nil {
			pg.statusTimer.Stop()
		}
		delete(s.pages, closed.TabID)
	}
	s.mu.Unlock()
}

// handleKey maps a key event onto the configured activation combos. In
// toggle mode only key-down acts; in push-to-talk key-down starts and
// key-up stops.
func (s *Service) handleKey(ev protocol.KeyEvent) {
	s.mu.Lock()
	settings := s.current
	pg := s.pages[ev.TabID]
	s.mu.Unlock()
	if pg == nil {
		return
	}

	dictation := comboMatches(settings.KeyCombo, ev)
	refinement := settings.RefinementEnabled && comboMatches(settings.RefinementKeyCombo, ev)
	if !dictation && !refinement {
		return
	}

	if settings.ActivationMode == store.ModePushToTalk {
		if ev.Up {
			s.requestStop(ev.TabID)
			return
		}
		s.mu.Lock()
		busy := pg.sessionID != "" || pg.starting
		s.mu.Unlock()
		if !busy {
			s.beginSession(ev.TabID, refinement, settings)
		}
		return
	}

	if ev.Up {
		return
	}
	s.mu.Lock()
	active := pg.sessionID != ""
	s.mu.Unlock()
	if active {
		s.requestStop(ev.TabID)
		return
	}
	s.beginSession(ev.TabID, refinement, settings)
}

// beginSession checks the precondition, resets per-session page state, and
// asks the coordinator for a session. The reply carries the allocated id.
func (s *Service) beginSession(tabID string, refine bool, settings store.Settings) {
	s.mu.Lock()
	pg := s.pages[tabID]
	if pg == nil {
		s.mu.Unlock()
		return
	}
	if pg.target == nil || !pg.target.Attached() {
		s.setStatusLocked(pg, StatusError, "focus a text field to dictate", true)
		s.mu.Unlock()
		s.logger.Info("dictation requested without an editable target",
			slog.String("tab_id", tabID))
		return
	}
	pg.starting = true
	pg.failed = false
	pg.refine = refine
	pg.buffer = nil
	pg.inserted = nil
	pg.spanBroken = false
	s.setStatusLocked(pg, StatusInfo, "starting dictation", false)
	s.mu.Unlock()

	ctl := protocol.Control{
		Op:     protocol.OpStart,
		TabID:  tabID,
		Device: settings.SelectedDevice,
		Refine: refine,
	}
	data, err := json.Marshal(ctl)
	if err != nil {
		s.logger.Warn("failed to encode session control", slogError(err))
		return
	}
	reply, err := s.pub.Request(protocol.SubjectSessionControl, data, startRequestTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	pg.starting = false
	if err != nil {
		s.setStatusLocked(pg, StatusError, "dictation service unreachable", true)
		s.logger.Warn("session start request failed", slogError(err),
			slog.String("tab_id", tabID))
		return
	}
	sid := string(reply)
	if sid == "" {
		// The coordinator toggled off an existing session or could not
		// forward the start; either way events will tell the rest.
		return
	}
	if pg.sessionID == "" {
		pg.sessionID = sid
	}
}

func (s *Service) requestStop(tabID string) {
	data, err := json.Marshal(protocol.Control{Op: protocol.OpStop, TabID: tabID})
	if err != nil {
		return
	}
	if err := s.pub.Publish(protocol.SubjectSessionControl, data); err != nil {
		s.logger.Warn("failed to request session stop", slogError(err),
			slog.String("tab_id", tabID))
	}
}

// applyEvent mutates page state for a relayed session event. A page still
// waiting on its start reply adopts the event's session id; otherwise events
// whose id does not match the recorded one are stale echoes of a superseded
// session and are discarded.
func (s *Service) applyEvent(tabID string, evt protocol.Event) {
	s.mu.Lock()
	pg := s.pages[tabID]
	if pg == nil {
		s.mu.Unlock()
		return
	}
	if pg.sessionID == "" && pg.starting && evt.SessionID != "" {
		// The coordinator relays only the tab's current session, so an
		// event racing ahead of the start reply already carries the
		// allocated id. Adopt it rather than dropping the event.
		pg.sessionID = evt.SessionID
	}
	if pg.sessionID == "" || evt.SessionID != pg.sessionID {
		s.mu.Unlock()
		s.logger.Debug("ignoring event for stale session",
			slog.String("tab_id", tabID), slog.String("session_id", evt.SessionID))
		return
	}

	switch evt.Type {
	case protocol.EventStarted:
		s.setStatusLocked(pg, StatusInfo, "listening", false)
		s.mu.Unlock()

	case protocol.EventResult:
		if evt.FinalTranscript != "" {
			s.insertFinalLocked(pg, evt.FinalTranscript)
		}
		if evt.InterimTranscript != "" {
			s.setStatusLocked(pg, StatusInfo, evt.InterimTranscript, false)
		}
		s.mu.Unlock()

	case protocol.EventError:
		if evt.Recoverable {
			s.setStatusLocked(pg, StatusError, evt.Error, true)
		} else {
			pg.failed = true
			s.setStatusLocked(pg, StatusError, evt.Error, false)
		}
		s.mu.Unlock()
		s.logger.Info("session error",
			slog.String("tab_id", tabID), slog.String("session_id", evt.SessionID),
			slog.String("error", evt.Error), slog.Bool("recoverable", evt.Recoverable))

	case protocol.EventEnded:
		s.finalizeLocked(pg, evt)
		s.mu.Unlock()

	default:
		s.mu.Unlock()
	}
}

// insertFinalLocked writes a final fragment into the page target and
// extends the tracked session span while the fragments stay contiguous.
// The fragment joins the history buffer even when the target is gone.
func (s *Service) insertFinalLocked(pg *page, text string) {
	pg.buffer = append(pg.buffer, text)

	if pg.target == nil || !pg.target.Attached() {
		s.logger.Info("target detached, skipping insertion",
			slog.String("tab_id", pg.tabID))
		return
	}
	rec, err := pg.target.Insert(text)
	if err != nil {
		s.logger.Warn("failed to insert transcript", slogError(err),
			slog.String("tab_id", pg.tabID))
		return
	}
	if pg.spanBroken {
		return
	}
	switch {
	case pg.inserted == nil:
		pg.inserted = &rec
	case pg.inserted.End == rec.Start:
		pg.inserted.End = rec.End
		pg.inserted.Text += rec.Text
	default:
		// Caret moved between fragments; the session text is no longer one
		// replaceable span.
		pg.inserted = nil
		pg.spanBroken = true
	}
}

// finalizeLocked closes out the session: the buffered transcript goes to
// refinement or straight to history, and per-session state resets so the
// next activation starts clean. The buffer is consumed exactly once.
func (s *Service) finalizeLocked(pg *page, evt protocol.Event) {
	text := strings.Join(pg.buffer, "")
	refining := pg.refine
	record := pg.inserted
	failed := pg.failed

	pg.buffer = nil
	pg.sessionID = ""
	pg.starting = false
	pg.refine = false
	pg.inserted = nil
	pg.spanBroken = false
	pg.failed = false

	if text == "" {
		if !failed {
			s.clearStatusLocked(pg)
		}
		return
	}

	if refining {
		// The prompt must resolve against the current settings before
		// anything leaves this process. An id pointing at a deleted
		// custom prompt keeps the raw transcript.
		prompt, err := refine.ResolvePrompt(s.current.SelectedRefinementPromptID, s.current.CustomPrompts)
		if err != nil {
			s.logger.Warn("refinement prompt rejected, keeping raw transcript",
				slogError(err), slog.String("tab_id", pg.tabID))
			s.setStatusLocked(pg, StatusError, "refinement prompt not found", true)
		} else if s.requestRefineLocked(pg, evt, prompt.ID, text, record) {
			return
		}
	}

	s.persist(store.Entry{
		Text:     text,
		URL:      pg.url,
		AudioRef: evt.AudioRef,
	})
	if !failed {
		s.clearStatusLocked(pg)
	}
}

// requestRefineLocked publishes a refinement request and records it as
// pending. Returns false when the request could not be sent, in which case
// the caller persists the raw transcript.
func (s *Service) requestRefineLocked(pg *page, evt protocol.Event, promptID, text string, record *InsertRecord) bool {
	req := protocol.RefineRequest{
		SessionID: evt.SessionID,
		TabID:     pg.tabID,
		PromptID:  promptID,
		Text:      text,
	}
	data, err := json.Marshal(req)
	if err == nil {
		if err := s.pub.Publish(protocol.SubjectRefineRequest, data); err == nil {
			pg.pending = &pendingRefine{
				sessionID: evt.SessionID,
				original:  text,
				record:    record,
				target:    pg.target,
				audioRef:  evt.AudioRef,
				url:       pg.url,
			}
			s.setStatusLocked(pg, StatusInfo, "refining", false)
			return true
		}
		s.logger.Warn("failed to request refinement, keeping raw transcript",
			slog.String("tab_id", pg.tabID))
	}
	return false
}

// applyRefineResponse replaces the session's inserted span with the
// refined text when the span is still verifiably intact, and persists the
// pair either way.
func (s *Service) applyRefineResponse(resp protocol.RefineResponse) {
	s.mu.Lock()
	pg := s.pages[resp.TabID]
	if pg == nil || pg.pending == nil || pg.pending.sessionID != resp.SessionID {
		s.mu.Unlock()
		return
	}
	pending := pg.pending
	pg.pending = nil

	if resp.Error != "" {
		s.setStatusLocked(pg, StatusError, "refinement failed: "+resp.Error, true)
		s.mu.Unlock()
		s.persist(store.Entry{
			Text:     pending.original,
			URL:      pending.url,
			AudioRef: pending.audioRef,
		})
		return
	}

	replaced := false
	if pending.record != nil && pending.target != nil && pending.target.Attached() {
		if _, err := pending.target.Replace(*pending.record, resp.Text); err != nil {
			s.setStatusLocked(pg, StatusError, "page changed, refined text not applied", true)
			s.logger.Info("refined text could not replace the original span",
				slogError(err), slog.String("tab_id", resp.TabID))
		} else {
			replaced = true
		}
	}
	if replaced {
		s.clearStatusLocked(pg)
	}
	s.mu.Unlock()

	s.persist(store.Entry{
		Text:        pending.original,
		RefinedText: resp.Text,
		URL:         pending.url,
		AudioRef:    pending.audioRef,
	})
}

// persist writes a history entry. Failures degrade to a log line; the
// session outcome on the page is unaffected.
func (s *Service) persist(entry store.Entry) {
	if s.history == nil {
		return
	}
	if err := s.history.AppendHistory(s.ctx, entry); err != nil {
		s.logger.Warn("failed to persist transcript", slogError(err))
	}
}

// setStatusLocked updates the page indicator. Transient statuses clear
// themselves after the configured delay.
func (s *Service) setStatusLocked(pg *page, kind StatusKind, message string, transient bool) {
	if pg.statusTimer != nil {
		pg.statusTimer.Stop()
		pg.statusTimer = nil
	}
	pg.status = Status{Kind: kind, Message: message}
	if !transient || s.cfg.StatusAutoClearMS <= 0 {
		return
	}
	tabID := pg.tabID
	shown := pg.status
	pg.statusTimer = time.AfterFunc(time.Duration(s.cfg.StatusAutoClearMS)*time.Millisecond, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.pages[tabID]
		if ok && cur.status == shown {
			cur.status = Status{}
		}
	})
}

func (s *Service) clearStatusLocked(pg *page) {
	if pg.statusTimer != nil {
		pg.statusTimer.Stop()
		pg.statusTimer = nil
	}
	pg.status = Status{}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
