package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventState      = "state"
	eventProgress   = "progress"
	eventTranscript = "transcript"

	clientBuffer = 32
	writeTimeout = 5 * time.Second
)

// event is one message pushed to /v1/events subscribers.
type event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// eventHub fans events out to websocket clients. Slow clients are dropped
// rather than allowed to block the broadcaster.
type eventHub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func newEventHub(allowedOrigins []string, log *slog.Logger) *eventHub {
	return &eventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log:     log.With(slog.String("component", "events")),
		clients: make(map[*hubClient]struct{}),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

func (h *eventHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("events client connected", slog.Int("clients", count))

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client input and notices disconnects.
func (h *eventHub) readLoop(c *hubClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *eventHub) writeLoop(c *hubClient) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (h *eventHub) remove(c *hubClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.once.Do(func() { close(c.send) })
	}
}

func (h *eventHub) broadcast(eventType string, data any) {
	msg, err := json.Marshal(event{Type: eventType, At: time.Now().UTC(), Data: data})
	if err != nil {
		h.log.Warn("failed to marshal event", slogError(err))
		return
	}
	h.mu.Lock()
	var slow []*hubClient
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		h.log.Warn("dropping slow events client")
		h.remove(c)
	}
}

func (h *eventHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *eventHub) close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*hubClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.once.Do(func() { close(c.send) })
	}
}
