package monitor

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/1ureka/ensemble/internal/conductor"
	"github.com/1ureka/ensemble/internal/song"
	"github.com/1ureka/ensemble/internal/util"
)

const clientBuffer = 64 // queued events per WebSocket client

// Hub fans conductor events out to WebSocket clients. Publish never blocks:
// a client whose queue is full is disconnected.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	lastSong atomic.Pointer[song.Stats]
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub creates a hub without clients.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Publish implements conductor.Publisher.
func (h *Hub) Publish(ev conductor.Event) {
	if st, ok := ev.Data.(song.Stats); ok && ev.Kind == conductor.EventSong {
		h.lastSong.Store(&st)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		util.LogDebug("monitor: encode %s event: %v", ev.Kind, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			util.LogDebug("monitor: client %s too slow, disconnecting", c.conn.RemoteAddr())
			h.removeLocked(c)
		}
	}
}

// LastSong returns the stats of the most recently loaded song.
func (h *Hub) LastSong() (song.Stats, bool) {
	st := h.lastSong.Load()
	if st == nil {
		return song.Stats{}, false
	}
	return *st, true
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// serve registers conn and pumps events to it until it disconnects.
func (h *Hub) serve(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()

	// Read until the peer goes away; incoming messages are ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.once.Do(func() { close(c.send) })
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}
