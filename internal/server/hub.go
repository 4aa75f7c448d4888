package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mapfree/internal/events"
)

const writeWait = 5 * time.Second

// Hub fans bus events out to WebSocket clients.
type Hub struct {
	upgrader   websocket.Upgrader
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	log        *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub returns a hub; call Run to start delivery.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			// the desktop UI loads from a file:// or localhost origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		log:        log,
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run delivers events from ch until ctx is done or ch closes.
func (h *Hub) Run(ctx context.Context, ch <-chan events.Event) {
	defer func() {
		h.mu.Lock()
		for c := range h.clients {
			c.Close()
			delete(h.clients, c)
		}
		h.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client connected", "clients", n)
		case c := <-h.unregister:
			h.drop(c)
		case e, ok := <-ch:
			if !ok {
				return
			}
			msg, err := json.Marshal(e)
			if err != nil {
				continue
			}
			h.broadcast(msg)
		}
	}
}

func (h *Hub) drop(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.Close()
		h.log.Debug("websocket client disconnected", "clients", len(h.clients))
	}
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			delete(h.clients, c)
			c.Close()
		}
	}
}

// ServeWS upgrades the request and registers the connection. Client
// messages are read and discarded so close frames are noticed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	select {
	case h.register <- conn:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		select {
		case h.unregister <- conn:
		case <-time.After(writeWait):
			conn.Close()
		}
	}()
}
