package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sotto-labs/sotto-core/internal/config"
	"github.com/sotto-labs/sotto-core/internal/protocol"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu         sync.Mutex
	messages   []published
	publishErr func(subject string) error
	requestErr error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.publishErr != nil {
		if err := f.publishErr(subject); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{subject: subject, data: data})
	return nil
}

func (f *fakePublisher) Request(string, []byte, time.Duration) ([]byte, error) {
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	return []byte("ok"), nil
}

func (f *fakePublisher) bySubject(subject string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.messages {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func newTestService(t *testing.T, pub *fakePublisher) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	s := NewService(context.Background(), config.CoordinatorConfig{ReadyTimeoutMS: 10}, nil, pub, logger)
	t.Cleanup(s.Close)
	return s
}

func TestStartAllocatesSession(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestService(t, pub)

	s.startSession(protocol.Control{Op: protocol.OpStart, TabID: "tab-1", Device: "usb-mic"})

	sid, ok := s.sessionFor("tab-1")
	if !ok || sid == "" {
		t.Fatal("expected active session for tab-1")
	}
	starts := pub.bySubject(protocol.SubjectCaptureStart)
	if len(starts) != 1 {
		t.Fatalf("expected 1 start command, got %d", len(starts))
	}
	var cmd protocol.StartCommand
	if err := json.Unmarshal(starts[0].data, &cmd); err != nil {
		t.Fatalf("decode start command: %v", err)
	}
	if cmd.SessionID != sid || cmd.Device != "usb-mic" {
		t.Fatalf("unexpected start command: %+v", cmd)
	}
}

func TestStartReturnsAllocatedID(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestService(t, pub)

	sid := s.startSession(protocol.Control{Op: protocol.OpStart, TabID: "tab-1"})
	if sid == "" {
		t.Fatal("expected a session id from the first start")
	}
	if got, _ := s.sessionFor("tab-1"); got != sid {
		t.Fatalf("sessionFor = %q, want %q", got, sid)
	}

	if again := s.startSession(protocol.Control{Op: protocol.OpStart, TabID: "tab-1"}); again != "" {
		t.Fatalf("toggle-off returned %q, want empty id", again)
	}
}

func TestSecondStartTogglesOff(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestService(t, pub)

	s.startSession(protocol.Control{Op: protocol.OpStart, TabID: "tab-1"})
	sid, _ := s.sessionFor("tab-1")

	s.startSession(protocol.Control{Op: protocol.OpStart, TabID: "tab-1"})

	if starts := pub.bySubject(protocol.SubjectCaptureStart); len(starts) != 1 {
		t.Fatalf("second start must not launch a second engine, got %d starts", len(starts))
	}
	stops := pub.bySubject(protocol.SubjectCaptureStop)
	if len(stops) != 1 {
		t.Fatalf("expected 1 stop command, got %d", len(stops))
	}
	var cmd protocol.StopCommand
	if err := json.Unmarshal(stops[0].data, &cmd); err != nil {
		t.Fatalf("decode stop command: %v", err)
	}
	if cmd.SessionID != sid {
		t.Fatalf("stop must target the running session: got %s, want %s", cmd.SessionID, sid)
	}
}

func TestStopUnknownTabIsNoop(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestService(t, pub)

	s.stopSession("nonexistent")

	if len(pub.bySubject(protocol.SubjectCaptureStop)) != 0 {
		t.Fatal("expected no stop command for unknown tab")
	}
}

func TestIdempotentStop(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestService(t, pub)

	s.startSession(protocol.Control{Op: protocol.OpStart, TabID: "tab-1"})
	sid, _ := s.sessionFor("tab-1")

	s.stopSession("tab-1")
	s.relay(protocol.Event{Type: protocol.EventEnded, SessionID: sid})

	if _, ok := s.sessionFor("tab-1"); ok {
		t.Fatal("expected mapping removed after ended relay")
	}

	// A second stop after the mapping is gone must do nothing.
	s.stopSession("tab-1")
	if stops := pub.bySubject(protocol.SubjectCaptureStop); len(stops) != 1 {
		t.Fatalf("expected exactly 1 stop command, got %d", len(stops))
	}
}

func TestRelayRoutesToOwningTab(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestService(t, pub)

	s.startSession(protocol.Control{Op: protocol.OpStart, TabID: "tab-7"})
	sid, _ := s.sessionFor("tab-7")

	s.relay(protocol.Event{Type: protocol.EventResult, SessionID: sid, FinalTranscript: "hello"})

	relayed := pub.bySubject(protocol.TabEventSubject("tab-7"))
	if len(relayed) != 1 {
		t.Fatalf("expected 1 relayed event, got %d", len(relayed))
	}
	var evt protocol.Event
	if err := json.Unmarshal(relayed[0].data, &evt); err != nil {
		t.Fatalf("decode relayed event: %v", err)
	}
	if evt.FinalTranscript != "hello" {
		t.Fatalf("unexpected relayed event: %+v", evt)
	}
	if _, ok := s.sessionFor("tab-7"); !ok {
		t.Fatal("result relay must not remove the mapping")
	}
}

func TestRelayDropsUnknownSession(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestService(t, pub)

	s.relay(protocol.Event{Type: protocol.EventResult, SessionID: "stale-session"})

	if len(pub.messages) != 0 {
		t.Fatalf("expected event dropped, got %d publishes", len(pub.messages))
	}
}

func TestEndedRelayRemovesMapping(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestService(t, pub)

	s.startSession(protocol.Control{Op: protocol.OpStart, TabID: "tab-1"})
	sid, _ := s.sessionFor("tab-1")

	s.relay(protocol.Event{Type: protocol.EventEnded, SessionID: sid})

	if _, ok := s.sessionFor("tab-1"); ok {
		t.Fatal("expected mapping removed after ended")
	}
	if len(pub.bySubject(protocol.TabEventSubject("tab-1"))) != 1 {
		t.Fatal("ended must still be relayed before removal")
	}
}

func TestTabClosedCleansUp(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestService(t, pub)

	s.startSession(protocol.Control{Op: protocol.OpStart, TabID: "tab-1"})

	s.tabClosed("tab-1")

	if _, ok := s.sessionFor("tab-1"); ok {
		t.Fatal("expected mapping removed on tab close")
	}
	if len(pub.bySubject(protocol.SubjectCaptureStop)) != 1 {
		t.Fatal("expected stop forwarded on tab close")
	}
	// Idempotent: closing again changes nothing.
	s.tabClosed("tab-1")
	if len(pub.bySubject(protocol.SubjectCaptureStop)) != 1 {
		t.Fatal("second tab close must be a no-op")
	}
}

func TestStartProceedsWhenReadinessTimesOut(t *testing.T) {
	pub := &fakePublisher{requestErr: errors.New("timeout")}
	s := newTestService(t, pub)

	s.startSession(protocol.Control{Op: protocol.OpStart, TabID: "tab-1"})

	if len(pub.bySubject(protocol.SubjectCaptureStart)) != 1 {
		t.Fatal("start must be forwarded even when readiness ping fails")
	}
}

func TestStartForwardFailureNotifiesTab(t *testing.T) {
	pub := &fakePublisher{
		publishErr: func(subject string) error {
			if subject == protocol.SubjectCaptureStart {
				return errors.New("no responders")
			}
			return nil
		},
	}
	s := newTestService(t, pub)

	s.startSession(protocol.Control{Op: protocol.OpStart, TabID: "tab-1"})

	if _, ok := s.sessionFor("tab-1"); ok {
		t.Fatal("expected mapping removed when capture surface is unreachable")
	}
	relayed := pub.bySubject(protocol.TabEventSubject("tab-1"))
	if len(relayed) != 2 {
		t.Fatalf("expected an error event and an ended event, got %d", len(relayed))
	}
	var evt protocol.Event
	if err := json.Unmarshal(relayed[0].data, &evt); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if evt.Type != protocol.EventError || evt.Recoverable {
		t.Fatalf("expected non-recoverable error event, got %+v", evt)
	}
	var ended protocol.Event
	if err := json.Unmarshal(relayed[1].data, &ended); err != nil {
		t.Fatalf("decode ended event: %v", err)
	}
	if ended.Type != protocol.EventEnded || ended.SessionID != evt.SessionID {
		t.Fatalf("expected ended for the failed session, got %+v", ended)
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := newSessionID()
		if seen[id] {
			t.Fatalf("duplicate session id %s", id)
		}
		if !strings.Contains(id, "-") {
			t.Fatalf("expected timestamp-suffix shape, got %s", id)
		}
		seen[id] = true
	}
}
