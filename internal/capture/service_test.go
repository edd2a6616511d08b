package capture

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/sotto-labs/sotto-core/internal/config"
	"github.com/sotto-labs/sotto-core/internal/protocol"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if subject != protocol.SubjectSessionEvent {
		return nil
	}
	var evt protocol.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakePublisher) all() []protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Event(nil), f.events...)
}

func (f *fakePublisher) ofType(t protocol.EventType) []protocol.Event {
	var out []protocol.Event
	for _, e := range f.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type nopStream struct{ closed bool }

func (n *nopStream) Read([]byte) (int, error) { return 0, io.EOF }
func (n *nopStream) Close() error             { n.closed = true; return nil }

type fakeSource struct {
	mu      sync.Mutex
	opens   []string
	badDevs map[string]bool
	openErr error
	streams []*nopStream
}

func (f *fakeSource) Open(_ context.Context, device string) (AudioStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, device)
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.badDevs[device] {
		return nil, ErrUnknownDevice
	}
	st := &nopStream{}
	f.streams = append(f.streams, st)
	return st, nil
}

// scriptedEngine never runs on its own; tests drive its callbacks directly.
type scriptedEngine struct {
	mu         sync.Mutex
	cb         Callbacks
	startCalls int
	stopCalls  int
	startErrs  []error
}

func (e *scriptedEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startCalls++
	if len(e.startErrs) > 0 {
		err := e.startErrs[0]
		e.startErrs = e.startErrs[1:]
		return err
	}
	return nil
}

func (e *scriptedEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopCalls++
}

func (e *scriptedEngine) starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startCalls
}

type harness struct {
	svc     *Service
	pub     *fakePublisher
	source  *fakeSource
	engines []*scriptedEngine
}

func newHarness(t *testing.T, source *fakeSource) *harness {
	t.Helper()
	h := &harness{pub: &fakePublisher{}, source: source}
	factory := func(cfg EngineConfig, stream AudioStream, cb Callbacks) (Engine, error) {
		eng := &scriptedEngine{cb: cb}
		h.engines = append(h.engines, eng)
		return eng, nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.CaptureConfig{Enabled: true, Language: "en-US", SampleRate: 16000, Channels: 1}
	h.svc = NewService(context.Background(), cfg, nil, h.pub, source, factory, logger)
	t.Cleanup(func() { h.svc.cancel() })
	return h
}

func (h *harness) engine() *scriptedEngine {
	return h.engines[len(h.engines)-1]
}

func TestStartEmitsStartedOnEngineStart(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.svc.startSession(protocol.StartCommand{SessionID: "s1"})

	h.engine().cb.OnStart()

	started := h.pub.ofType(protocol.EventStarted)
	if len(started) != 1 || started[0].SessionID != "s1" {
		t.Fatalf("expected one started event for s1, got %+v", started)
	}
}

func TestResultPartitionsFinalAndInterim(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.svc.startSession(protocol.StartCommand{SessionID: "s1"})

	h.engine().cb.OnResult([]Result{
		{Transcript: "hello world", IsFinal: true},
		{Transcript: "how ar"},
	})

	results := h.pub.ofType(protocol.EventResult)
	if len(results) != 1 {
		t.Fatalf("expected 1 result event, got %d", len(results))
	}
	if results[0].FinalTranscript != "hello world" || results[0].InterimTranscript != "how ar" {
		t.Fatalf("unexpected result event: %+v", results[0])
	}
}

func TestFlushOnStop(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.svc.startSession(protocol.StartCommand{SessionID: "s1"})

	h.engine().cb.OnResult([]Result{{Transcript: "hello worl"}})
	h.svc.stopSession(protocol.StopCommand{SessionID: "s1"})

	events := h.pub.all()
	// interim result, flushed final result, ended — in order.
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	flushed := events[1]
	if flushed.Type != protocol.EventResult || flushed.FinalTranscript != "hello worl" || flushed.InterimTranscript != "" {
		t.Fatalf("expected flushed interim as final, got %+v", flushed)
	}
	if events[2].Type != protocol.EventEnded {
		t.Fatalf("expected ended last, got %+v", events[2])
	}
}

func TestStopWrongSessionIgnored(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.svc.startSession(protocol.StartCommand{SessionID: "s1"})

	h.svc.stopSession(protocol.StopCommand{SessionID: "other"})

	if len(h.pub.ofType(protocol.EventEnded)) != 0 {
		t.Fatal("stop for a different session must not end the active one")
	}
	if h.svc.current == nil {
		t.Fatal("session must remain active")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.svc.startSession(protocol.StartCommand{SessionID: "s1"})

	h.svc.stopSession(protocol.StopCommand{SessionID: "s1"})
	h.svc.stopSession(protocol.StopCommand{SessionID: "s1"})

	if ended := h.pub.ofType(protocol.EventEnded); len(ended) != 1 {
		t.Fatalf("expected exactly one ended event, got %d", len(ended))
	}
}

func TestRecoverableErrorKeepsSession(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.svc.startSession(protocol.StartCommand{SessionID: "s1"})

	h.engine().cb.OnError("no-speech")

	errs := h.pub.ofType(protocol.EventError)
	if len(errs) != 1 || !errs[0].Recoverable {
		t.Fatalf("expected one recoverable error event, got %+v", errs)
	}
	if h.svc.current == nil {
		t.Fatal("recoverable error must not tear the session down")
	}
}

func TestFatalErrorTearsDown(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.svc.startSession(protocol.StartCommand{SessionID: "s1"})

	h.engine().cb.OnError("not-allowed")

	errs := h.pub.ofType(protocol.EventError)
	if len(errs) != 1 || errs[0].Recoverable {
		t.Fatalf("expected one fatal error event, got %+v", errs)
	}
	if len(h.pub.ofType(protocol.EventEnded)) != 1 {
		t.Fatal("fatal error must emit ended")
	}
	if h.svc.current != nil {
		t.Fatal("fatal error must clear the session")
	}
	if !h.source.streams[0].closed {
		t.Fatal("fatal error must release the audio stream")
	}
}

func TestEngineEndIsResumedWhileActive(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.svc.startSession(protocol.StartCommand{SessionID: "s1"})
	eng := h.engine()

	eng.cb.OnEnd()

	if eng.starts() != 2 {
		t.Fatalf("expected engine restarted, got %d starts", eng.starts())
	}
	if len(h.pub.ofType(protocol.EventEnded)) != 0 {
		t.Fatal("transparent resume must not emit ended")
	}
}

func TestEngineRestartFailureEndsSession(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.svc.startSession(protocol.StartCommand{SessionID: "s1"})
	eng := h.engine()
	eng.mu.Lock()
	eng.startErrs = []error{errors.New("stream gone")}
	eng.mu.Unlock()

	eng.cb.OnEnd()

	if len(h.pub.ofType(protocol.EventEnded)) != 1 {
		t.Fatal("failed restart must emit ended")
	}
	if h.svc.current != nil {
		t.Fatal("failed restart must clear the session")
	}
}

func TestEngineEndAfterStopDoesNothing(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.svc.startSession(protocol.StartCommand{SessionID: "s1"})
	eng := h.engine()

	h.svc.stopSession(protocol.StopCommand{SessionID: "s1"})
	eng.cb.OnEnd()

	if ended := h.pub.ofType(protocol.EventEnded); len(ended) != 1 {
		t.Fatalf("engine end after stop must not emit a second ended, got %d", len(ended))
	}
	if eng.starts() != 1 {
		t.Fatal("engine must not be restarted after stop")
	}
}

func TestPreferredDeviceFallsBackToDefault(t *testing.T) {
	source := &fakeSource{badDevs: map[string]bool{"usb-mic": true}}
	h := newHarness(t, source)

	h.svc.startSession(protocol.StartCommand{SessionID: "s1", Device: "usb-mic"})

	if len(source.opens) != 2 || source.opens[1] != "" {
		t.Fatalf("expected fallback open with default device, got %v", source.opens)
	}
	if h.svc.current == nil {
		t.Fatal("expected session running on default device")
	}
}

func TestFatalAcquisitionErrorAbortsStart(t *testing.T) {
	source := &fakeSource{openErr: errors.New("permission denied")}
	h := newHarness(t, source)

	h.svc.startSession(protocol.StartCommand{SessionID: "s1", Device: "usb-mic"})

	if len(source.opens) != 1 {
		t.Fatalf("non-device errors must not trigger fallback, got %v", source.opens)
	}
	errs := h.pub.ofType(protocol.EventError)
	if len(errs) != 1 || errs[0].Recoverable {
		t.Fatalf("expected fatal error event, got %+v", errs)
	}
	if len(h.pub.ofType(protocol.EventEnded)) != 1 {
		t.Fatal("aborted start must emit ended so the coordinator clears its mapping")
	}
}

func TestNewStartSupersedesPrevious(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.svc.startSession(protocol.StartCommand{SessionID: "s1"})
	first := h.engine()

	h.svc.startSession(protocol.StartCommand{SessionID: "s2"})

	first.mu.Lock()
	stops := first.stopCalls
	first.mu.Unlock()
	if stops != 1 {
		t.Fatalf("expected prior engine stopped, got %d stops", stops)
	}
	if !h.source.streams[0].closed {
		t.Fatal("prior audio stream must be released")
	}
	if h.svc.current == nil || h.svc.current.id != "s2" {
		t.Fatal("expected new session active")
	}
}

func TestSupersededSessionEndsCleanly(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.svc.startSession(protocol.StartCommand{SessionID: "s1"})
	first := h.engine()
	first.cb.OnResult([]Result{{Transcript: "half a thou"}})

	h.svc.startSession(protocol.StartCommand{SessionID: "s2"})

	// The interim text is promoted to final before the old session ends.
	results := h.pub.ofType(protocol.EventResult)
	var flushed []protocol.Event
	for _, r := range results {
		if r.SessionID == "s1" && r.FinalTranscript == "half a thou" {
			flushed = append(flushed, r)
		}
	}
	if len(flushed) != 1 {
		t.Fatalf("expected the old session's interim flushed as final, got %+v", results)
	}

	var ended []protocol.Event
	for _, e := range h.pub.ofType(protocol.EventEnded) {
		if e.SessionID == "s1" {
			ended = append(ended, e)
		}
	}
	if len(ended) != 1 {
		t.Fatalf("expected exactly one ended for the superseded session, got %d", len(ended))
	}

	// A late engine end for the old session must not end it twice.
	first.cb.OnEnd()
	endedAfter := 0
	for _, e := range h.pub.ofType(protocol.EventEnded) {
		if e.SessionID == "s1" {
			endedAfter++
		}
	}
	if endedAfter != 1 {
		t.Fatalf("superseded session ended %d times, want 1", endedAfter)
	}
}

func TestStaleResultAfterStopIgnored(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.svc.startSession(protocol.StartCommand{SessionID: "s1"})
	eng := h.engine()

	h.svc.stopSession(protocol.StopCommand{SessionID: "s1"})
	before := len(h.pub.all())

	eng.cb.OnResult([]Result{{Transcript: "late words"}})

	if len(h.pub.all()) != before {
		t.Fatal("results arriving after stop must be dropped")
	}
}
