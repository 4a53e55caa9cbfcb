package httpserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/MuruganandamVG/interview-room/internal/session"
)

// Event is one entry on the presentation event feed.
type Event struct {
	Type    string        `json:"type"` // "phase", "speaker", "interim", "turn"
	Phase   string        `json:"phase,omitempty"`
	Speaker string        `json:"speaker,omitempty"`
	Text    string        `json:"text,omitempty"`
	Turn    *session.Turn `json:"turn,omitempty"`
}

// eventWriteTimeout bounds how long one subscriber may hold up a broadcast
// before it is dropped.
const eventWriteTimeout = 5 * time.Second

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		// browser demo; restrict in production
		return true
	},
}

// Hub fans session events out to websocket subscribers. Subscribers are
// read-only projections of the session: a slow or dead one is dropped, never
// allowed to stall the controller.
type Hub struct {
	log logrus.FieldLogger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{log: log, conns: make(map[*websocket.Conn]struct{})}
}

// Serve upgrades the request and keeps the subscription open until the peer
// goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) error {
	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	// subscribers only listen; the read loop just detects disconnect
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(conn)
	return nil
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// Broadcast sends the event to every subscriber, dropping the ones that fail
// or miss the write deadline. Writes stay under the lock so concurrent
// controller callbacks never interleave frames on one connection.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		_ = c.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := c.WriteJSON(ev); err != nil {
			h.log.WithError(err).Debug("dropping event subscriber")
			delete(h.conns, c)
			_ = c.Close()
		}
	}
}

// Observers wires the hub into the session controller.
func (h *Hub) Observers() session.Observers {
	return session.Observers{
		OnPhase: func(p session.Phase) {
			h.Broadcast(Event{Type: "phase", Phase: p.String()})
		},
		OnSpeaker: func(s session.Speaker) {
			h.Broadcast(Event{Type: "speaker", Speaker: s.String()})
		},
		OnInterim: func(text string) {
			h.Broadcast(Event{Type: "interim", Text: text})
		},
		OnTurn: func(t session.Turn) {
			h.Broadcast(Event{Type: "turn", Turn: &t})
		},
	}
}
