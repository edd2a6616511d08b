package capture

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sotto-labs/sotto-core/internal/config"
)

// NewDeepgramEngineFactory returns a factory for engines backed by the
// Deepgram streaming API over a websocket.
func NewDeepgramEngineFactory(cfg config.DeepgramConfig) EngineFactory {
	return func(engCfg EngineConfig, stream AudioStream, cb Callbacks) (Engine, error) {
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("deepgram api key is not configured")
		}
		return &deepgramEngine{cfg: cfg, engCfg: engCfg, stream: stream, cb: cb}, nil
	}
}

type deepgramEngine struct {
	cfg    config.DeepgramConfig
	engCfg EngineConfig
	stream AudioStream
	cb     Callbacks

	mu       sync.Mutex
	conn     *websocket.Conn
	stopping bool
}

func (e *deepgramEngine) Start() error {
	wsURL, err := e.listenURL()
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+e.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, headers)
	if err != nil {
		return fmt.Errorf("connect recognition stream: %w", err)
	}

	e.mu.Lock()
	e.conn = conn
	e.stopping = false
	e.mu.Unlock()

	go e.writeLoop(conn)
	go e.readLoop(conn)

	if e.cb.OnStart != nil {
		e.cb.OnStart()
	}
	return nil
}

func (e *deepgramEngine) Stop() {
	e.mu.Lock()
	conn := e.conn
	e.stopping = true
	e.conn = nil
	e.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	_ = conn.Close()
}

func (e *deepgramEngine) listenURL() (string, error) {
	base, err := url.Parse(e.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse deepgram endpoint: %w", err)
	}
	q := base.Query()
	q.Set("model", e.cfg.Model)
	if e.engCfg.Language != "" {
		q.Set("language", e.engCfg.Language)
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(e.engCfg.SampleRate))
	q.Set("channels", strconv.Itoa(e.engCfg.Channels))
	q.Set("interim_results", strconv.FormatBool(e.engCfg.InterimResults))
	q.Set("smart_format", "true")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (e *deepgramEngine) writeLoop(conn *websocket.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := e.stream.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
			return
		}
	}
}

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (e *deepgramEngine) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			e.finish(err)
			return
		}
		var resp deepgramResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Type != "" && resp.Type != "Results" {
			continue
		}
		if len(resp.Channel.Alternatives) == 0 {
			continue
		}
		transcript := resp.Channel.Alternatives[0].Transcript
		if transcript == "" {
			continue
		}
		if e.cb.OnResult != nil {
			e.cb.OnResult([]Result{{Transcript: transcript, IsFinal: resp.IsFinal}})
		}
	}
}

func (e *deepgramEngine) finish(err error) {
	e.mu.Lock()
	stopping := e.stopping
	e.conn = nil
	e.mu.Unlock()

	if !stopping && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		if e.cb.OnError != nil {
			e.cb.OnError("network")
		}
		return
	}
	if e.cb.OnEnd != nil {
		e.cb.OnEnd()
	}
}
