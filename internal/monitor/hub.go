package monitor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/lanrelay/internal/util"
)

// WebSocket keepalive timing.
const (
	pingInterval   = 25 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	subscriberSize = 32 // queued events per subscriber
)

// Event is one message pushed to dashboard subscribers.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// hub fans events out to WebSocket subscribers. A subscriber that falls
// behind by more than subscriberSize events is disconnected.
type hub struct {
	log *util.Logger

	mu   sync.Mutex
	subs map[string]*subscriber
}

func newHub(log *util.Logger) *hub {
	return &hub{log: log, subs: make(map[string]*subscriber)}
}

func (h *hub) add(conn *websocket.Conn) *subscriber {
	s := &subscriber{id: uuid.NewString(), conn: conn, send: make(chan []byte, subscriberSize)}
	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()
	return s
}

func (h *hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()
	s.close()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal %s event: %v", ev.Type, err)
		return
	}

	h.mu.Lock()
	var slow []*subscriber
	for _, s := range h.subs {
		select {
		case s.send <- data:
		default:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		delete(h.subs, s.id)
	}
	h.mu.Unlock()

	for _, s := range slow {
		h.log.Warn("subscriber %s too slow, disconnected", s.id[:8])
		s.close()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// writePump is the single writer of a subscriber's connection. It exits,
// closing the connection, when the send channel is closed or a write fails.
func (h *hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames so pongs are processed, and returns when
// the client goes away.
func (h *hub) readPump(s *subscriber) {
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
