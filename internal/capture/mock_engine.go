package capture

import (
	"errors"
	"fmt"
	"sync"
)

// finalEvery is how many captured bytes the mock engine turns into one
// synthetic final fragment.
const finalEvery = 32 * 1024

// NewMockEngineFactory returns a factory for a deterministic engine that
// synthesizes transcripts from the byte count of the audio it consumes.
// Used for development without a recognition backend.
func NewMockEngineFactory() EngineFactory {
	return func(cfg EngineConfig, stream AudioStream, cb Callbacks) (Engine, error) {
		return &mockEngine{stream: stream, cb: cb}, nil
	}
}

type mockEngine struct {
	stream AudioStream
	cb     Callbacks

	mu     sync.Mutex
	stop   chan struct{}
	failed bool
}

func (m *mockEngine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed {
		return errors.New("audio stream closed")
	}
	m.stop = make(chan struct{})
	go m.run(m.stop)
	return nil
}

func (m *mockEngine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		select {
		case <-m.stop:
		default:
			close(m.stop)
		}
	}
}

func (m *mockEngine) run(stop chan struct{}) {
	if m.cb.OnStart != nil {
		m.cb.OnStart()
	}
	buf := make([]byte, 4096)
	total := 0
	sinceFinal := 0
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := m.stream.Read(buf)
		total += n
		sinceFinal += n
		if n > 0 && m.cb.OnResult != nil {
			if sinceFinal >= finalEvery {
				sinceFinal = 0
				m.cb.OnResult([]Result{{Transcript: fmt.Sprintf("[transcript %d bytes]", total), IsFinal: true}})
			} else {
				m.cb.OnResult([]Result{{Transcript: fmt.Sprintf("[listening %d bytes]", total)}})
			}
		}
		if err != nil {
			m.mu.Lock()
			m.failed = true
			m.mu.Unlock()
			if m.cb.OnEnd != nil {
				m.cb.OnEnd()
			}
			return
		}
	}
}
