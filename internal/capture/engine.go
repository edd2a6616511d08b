package capture

import "io"

// AudioStream is a live microphone byte stream (raw PCM).
type AudioStream = io.ReadCloser

// EngineConfig carries the recognition engine knobs.
type EngineConfig struct {
	Language       string
	Continuous     bool
	InterimResults bool
	SampleRate     int
	Channels       int
}

// Result is one recognition alternative from the engine.
type Result struct {
	Transcript string
	IsFinal    bool
}

// Callbacks are the engine's upward-facing notifications. They may be
// invoked from engine-owned goroutines.
type Callbacks struct {
	OnStart  func()
	OnResult func(results []Result)
	OnError  func(code string)
	OnEnd    func()
}

// Engine abstracts a speech recognition backend. Start may be called again
// after OnEnd to resume a continuous session.
type Engine interface {
	Start() error
	Stop()
}

// EngineFactory constructs an engine bound to an audio stream and callbacks.
type EngineFactory func(cfg EngineConfig, stream AudioStream, cb Callbacks) (Engine, error)
