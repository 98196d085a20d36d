package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"gtnet/storage"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is an internal operator surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// poolUpdate is the websocket feed unit.
type poolUpdate struct {
	Type      string  `json:"type"`
	Timestamp int64   `json:"timestamp"`
	Pool      []gin.H `json:"pool"`
}

// Hub fans pool updates out to websocket subscribers. Slow clients are
// evicted so one stuck consumer never blocks the feed.
type Hub struct {
	logger *slog.Logger

	clients    map[*client]struct{}
	broadcast  chan poolUpdate
	register   chan *client
	unregister chan *client

	mu    sync.RWMutex
	count int
}

func newHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger.With("component", "api-hub"),
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan poolUpdate, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.setCount(len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.setCount(len(h.clients))
			}

		case update := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- update:
				default:
					delete(h.clients, c)
					close(c.send)
					h.setCount(len(h.clients))
				}
			}
		}
	}
}

func (h *Hub) broadcastPool(entries []storage.PooledEntry) {
	update := poolUpdate{
		Type:      "pool_update",
		Timestamp: time.Now().UnixMilli(),
		Pool:      poolPayload(entries),
	}
	select {
	case h.broadcast <- update:
	default:
		h.logger.Warn("broadcast queue full, dropping pool update")
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

func (h *Hub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{hub: s.hub, conn: conn, send: make(chan poolUpdate, 16)}
	s.hub.register <- cl

	go cl.writePump()
	go cl.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan poolUpdate
}

// readPump discards client input and watches the connection.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
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

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case update, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(update); err != nil {
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
