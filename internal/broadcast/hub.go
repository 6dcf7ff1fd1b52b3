package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 512
)

// Hub is a WebSocket fan-out. It remembers the latest envelope per event so
// a new client starts from the current state.
type Hub struct {
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}
	latest  map[string][]byte
	dropped int64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// NewHub builds a hub; sendBuffer bounds each client's queue.
func NewHub(sendBuffer int, logger zerolog.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 16
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sendBuffer: sendBuffer,
		logger:     logger.With().Str("component", "ws_hub").Logger(),
		now:        time.Now,
		clients:    make(map[*client]struct{}),
		latest:     make(map[string][]byte),
	}
}

// Publish queues the event for every client. Clients whose queue is full
// miss the message.
func (h *Hub) Publish(_ context.Context, event string, payload any) error {
	_, raw, err := encode(event, payload, h.now())
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.latest[event] = raw
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			h.dropped++
		}
	}
	h.mu.Unlock()
	return nil
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, h.sendBuffer+len(initialOrder)), hub: h}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	for _, event := range initialOrder {
		if raw, ok := h.latest[event]; ok {
			if initial, err := markInitial(raw); err == nil {
				c.send <- initial
			}
		}
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", count).Msg("ws client connected")

	go c.writePump()
	go c.readPump()
}

var initialOrder = []string{EventRateUpdate, EventMarketSummary}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped reports messages skipped because a client queue was full.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; clients do not send commands.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
		c.hub.logger.Debug().Msg("ws client disconnected")
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

var _ Publisher = (*Hub)(nil)
