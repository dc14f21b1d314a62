package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spinspeeder/spinspeeder/internal/display"
	"github.com/spinspeeder/spinspeeder/internal/session"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

// Event names.
const (
	EventLive  = "live"
	EventFinal = "final"
	EventIdle  = "idle"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; apply CORS at the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Snapshotter returns the current session snapshot. session.Manager
// implements it.
type Snapshotter interface {
	Snapshot() (session.Snapshot, error)
}

// Hub manages WebSocket client connections and pushes session views to them.
type Hub struct {
	src      Snapshotter
	conv     *display.Converter
	interval time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}

	// sendMu orders broadcasts from Deliver and the ticker.
	sendMu    sync.Mutex
	lastSeq   uint64
	lastFinal bool
	idle      bool // idle event already broadcast for the missing session
}

// client represents one connected WebSocket client.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Hub that renders with conv and re-sends the current view
// from src every interval.
func New(src Snapshotter, conv *display.Converter, interval time.Duration) *Hub {
	return &Hub{
		src:      src,
		conv:     conv,
		interval: interval,
		clients:  make(map[*client]struct{}),
		idle:     true,
	}
}

// Deliver broadcasts s to every client. It is a publish.Subscriber.
func (h *Hub) Deliver(s session.Snapshot) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if s.Seq < h.lastSeq || (s.Seq == h.lastSeq && s.Final() && h.lastFinal) {
		return
	}
	h.send(s)
}

// Run starts the refresh ticker. Run blocks until ctx is cancelled, then
// closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			h.refresh()
		}
	}
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client.
// It sends the current view immediately on connect. Blocks until the
// connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	h.register(c)
	defer h.unregister(c)

	h.sendMu.Lock()
	if data, err := json.Marshal(h.current()); err == nil {
		h.mu.RLock()
		if _, ok := h.clients[c]; ok {
			c.push(data)
		}
		h.mu.RUnlock()
	}
	h.sendMu.Unlock()

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

// Render builds the message for s.
func (h *Hub) Render(s session.Snapshot) Message {
	if s.Final() {
		return Message{Event: EventFinal, Data: h.conv.Final(s)}
	}
	return Message{Event: EventLive, Data: h.conv.Live(s)}
}

func (h *Hub) current() Message {
	s, err := h.src.Snapshot()
	if err != nil {
		return Message{Event: EventIdle}
	}
	return h.Render(s)
}

// refresh re-sends the current live view. A final summary already sent is
// not repeated. Once the session is dismissed clients get a single idle event.
func (h *Hub) refresh() {
	s, err := h.src.Snapshot()
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	switch {
	case errors.Is(err, session.ErrNoSession):
		if !h.idle {
			h.sendIdle()
		}
		return
	case err != nil:
		slog.Warn("ws: snapshot failed", "err", err)
		return
	case s.Seq < h.lastSeq:
		return
	case s.Seq == h.lastSeq && s.Final() && h.lastFinal:
		return
	}
	h.send(s)
}

// send must be called with sendMu held.
func (h *Hub) send(s session.Snapshot) {
	data, err := json.Marshal(h.Render(s))
	if err != nil {
		slog.Error("ws: encode message", "err", err)
		return
	}
	h.lastSeq = s.Seq
	h.lastFinal = s.Final()
	h.idle = false
	h.broadcast(data)
}

// sendIdle must be called with sendMu held.
func (h *Hub) sendIdle() {
	data, err := json.Marshal(Message{Event: EventIdle})
	if err != nil {
		slog.Error("ws: encode message", "err", err)
		return
	}
	h.idle = true
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.push(data)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// push queues data for the client. When the buffer is full the oldest
// queued message is dropped to make room. Callers hold the hub's read lock
// and have checked membership, so send is open.
func (c *client) push(data []byte) {
	for {
		select {
		case c.send <- data:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel was closed (hub is shutting down or client removed).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages (pong,
// close) and detect disconnects. Blocks until the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
