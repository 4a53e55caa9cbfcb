package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrUnsupported means the recognition engine is not available in this
// deployment (missing endpoint or key). It is permanent, not retryable.
var ErrUnsupported = errors.New("capture: speech recognition unsupported")

// Wire messages exchanged with the streaming recognition engine.
type startMessage struct {
	Type       string `json:"type"`
	Language   string `json:"language"`
	Continuous bool   `json:"continuous"`
}

type resultMessage struct {
	Type string `json:"type"` // "begin", "interim", "final", "error"
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
	Err  string `json:"error,omitempty"`
}

// Recognizer wraps the external streaming recognition engine behind a
// start/stop lifecycle. Interim updates replace one another; final segments
// are one-shot and delivered in utterance order without loss.
type Recognizer struct {
	wsURL    string
	apiKey   string
	language string
	log      logrus.FieldLogger

	mu      sync.Mutex
	active  bool
	conn    *websocket.Conn
	interim chan string
	finals  chan string
	stopCh  chan struct{}
}

func NewRecognizer(wsURL, apiKey, language string, log logrus.FieldLogger) *Recognizer {
	return &Recognizer{wsURL: wsURL, apiKey: apiKey, language: language, log: log}
}

// Supported reports whether the engine can be reached at all.
func (r *Recognizer) Supported() bool {
	return r.wsURL != "" && r.apiKey != ""
}

// Start connects to the engine and begins continuous capture. Calling Start
// while capture is active is a no-op returning the existing event channels:
// capture is exclusive, a second start must not open a duplicate stream.
func (r *Recognizer) Start(ctx context.Context) (<-chan string, <-chan string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return r.interim, r.finals, nil
	}
	if !r.Supported() {
		return nil, nil, ErrUnsupported
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := map[string][]string{"Authorization": {r.apiKey}}
	conn, resp, err := dialer.DialContext(ctx, r.wsURL, headers)
	if err != nil {
		if resp != nil {
			r.log.WithField("status", resp.StatusCode).Error("recognition engine handshake failed")
		}
		return nil, nil, fmt.Errorf("capture: connect to recognition engine: %w", err)
	}

	if err := conn.WriteJSON(startMessage{Type: "start", Language: r.language, Continuous: true}); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("capture: send start config: %w", err)
	}

	r.conn = conn
	r.active = true
	r.interim = make(chan string, 100)
	r.finals = make(chan string, 16)
	r.stopCh = make(chan struct{})
	go r.pump(conn, r.interim, r.finals, r.stopCh)

	r.log.WithField("language", r.language).Info("speech capture started")
	return r.interim, r.finals, nil
}

// Stop ends capture. Segments the engine already finalized stay readable on
// the finals channel until it closes; callers drain it to avoid losing the
// tail of an utterance.
func (r *Recognizer) Stop() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	conn := r.conn
	stopCh := r.stopCh
	r.active = false
	r.conn = nil
	r.mu.Unlock()

	close(stopCh)
	_ = conn.WriteJSON(map[string]string{"type": "stop"})
	_ = conn.Close()
	r.log.Info("speech capture stopped")
}

// pump reads engine messages until the connection goes away, then closes both
// event channels so consumers observe end-of-stream after draining.
func (r *Recognizer) pump(conn *websocket.Conn, interim, finals chan string, stopCh chan struct{}) {
	defer close(interim)
	defer close(finals)
	for {
		var msg resultMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-stopCh:
				// expected during Stop
			default:
				r.log.WithError(err).Warn("recognition engine read failed")
			}
			return
		}
		switch msg.Type {
		case "begin":
			r.log.WithField("engine_session", msg.ID).Debug("recognition engine session began")
		case "interim":
			// replace semantics: dropping under backpressure is fine,
			// a newer interim supersedes the lost one
			select {
			case interim <- msg.Text:
			default:
			}
		case "final":
			if msg.Text == "" {
				continue
			}
			// never drop a finalized segment
			select {
			case finals <- msg.Text:
			case <-stopCh:
				// consumer is draining the buffered channel; a blocked
				// send here means it already stopped reading
				return
			}
		case "error":
			r.log.WithField("engine_error", msg.Err).Warn("recognition engine reported error")
		default:
			r.log.WithField("type", msg.Type).Debug("unknown recognition engine message")
		}
	}
}
