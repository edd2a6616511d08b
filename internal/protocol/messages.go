package protocol

import "time"

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventStarted EventType = "started"
	EventResult  EventType = "result"
	EventError   EventType = "error"
	EventEnded   EventType = "ended"
)

// Event is a session lifecycle event emitted by the capture surface and
// relayed by the coordinator to the owning page listener.
type Event struct {
	Type              EventType `json:"type"`
	SessionID         string    `json:"session_id"`
	FinalTranscript   string    `json:"final_transcript,omitempty"`
	InterimTranscript string    `json:"interim_transcript,omitempty"`
	Error             string    `json:"error,omitempty"`
	Recoverable       bool      `json:"recoverable,omitempty"`
	AudioRef          string    `json:"audio_ref,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// StartCommand instructs the capture surface to begin a recognition session.
type StartCommand struct {
	SessionID string `json:"session_id"`
	Device    string `json:"device,omitempty"`
}

// StopCommand instructs the capture surface to end a recognition session.
// Ignored when SessionID does not match the active session.
type StopCommand struct {
	SessionID string `json:"session_id"`
}

const (
	OpStart = "start"
	OpStop  = "stop"
)

// Control is a session request from a page listener to the coordinator.
type Control struct {
	Op     string `json:"op"`
	TabID  string `json:"tab_id"`
	Device string `json:"device,omitempty"`
	Refine bool   `json:"refine,omitempty"`
}

// TabClosed announces that a page context went away.
type TabClosed struct {
	TabID string `json:"tab_id"`
}

// KeyEvent carries a key press or release observed on a page.
type KeyEvent struct {
	TabID string `json:"tab_id"`
	Key   string `json:"key"`
	Code  string `json:"code"`
	Ctrl  bool   `json:"ctrl"`
	Shift bool   `json:"shift"`
	Alt   bool   `json:"alt"`
	Meta  bool   `json:"meta"`
	Up    bool   `json:"up,omitempty"`
}

// RefineRequest asks the refinement service to rewrite a transcript.
type RefineRequest struct {
	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id"`
	PromptID  string `json:"prompt_id"`
	Text      string `json:"text"`
}

// RefineResponse carries the rewritten transcript, or an error.
type RefineResponse struct {
	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
}

const (
	SubjectCaptureStart   = "capture.cmd.start"
	SubjectCaptureStop    = "capture.cmd.stop"
	SubjectCaptureReady   = "capture.ready"
	SubjectSessionEvent   = "session.event"
	SubjectSessionControl = "session.ctl"
	SubjectTabClosed      = "tab.closed"
	SubjectTabEventPrefix = "tab.event"
	SubjectKeyPrefix      = "input.key"
	SubjectRefineRequest  = "refine.request"
	SubjectRefineResponse = "refine.response"
)

// TabEventSubject returns the per-tab subject events are relayed on.
func TabEventSubject(tabID string) string {
	return SubjectTabEventPrefix + "." + tabID
}

// KeySubject returns the per-tab subject key events arrive on.
func KeySubject(tabID string) string {
	return SubjectKeyPrefix + "." + tabID
}
