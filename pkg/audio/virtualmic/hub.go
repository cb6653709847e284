package virtualmic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Hub defaults.
const (
	DefaultClientBuffer = 128
	DefaultWriteTimeout = 5 * time.Second
)

// Compile-time interface assertions.
var (
	_ Transport    = (*Hub)(nil)
	_ http.Handler = (*Hub)(nil)
)

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithClientBuffer sets how many messages may be pending per client before
// the client is dropped as too slow.
func WithClientBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOriginPatterns sets the accepted Origin host patterns.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) {
		h.origins = patterns
	}
}

// WithHubLogger sets the logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

type client struct {
	id     string
	remote string
	send   chan []byte

	// status and reason are set before send is closed.
	status websocket.StatusCode
	reason string
}

// Hub is a WebSocket [Transport]. Every connected client receives every
// message as a JSON text frame. Clients that fall behind are disconnected
// rather than slowing delivery for the others.
type Hub struct {
	buffer  int
	origins []string
	log     *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer:  DefaultClientBuffer,
		log:     slog.Default(),
		clients: make(map[string]*client),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Name implements [Transport].
func (h *Hub) Name() string { return "websocket" }

// Deliver implements [Transport]. It encodes m once and queues it for every
// client without blocking.
func (h *Hub) Deliver(_ context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("virtualmic: encode message: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("virtualmic: dropping slow client", "client_id", id, "remote", c.remote)
			h.dropLocked(c, websocket.StatusPolicyViolation, "client too slow")
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams messages until the client
// disconnects or is dropped.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Warn("virtualmic: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		remote: r.RemoteAddr,
		send:   make(chan []byte, h.buffer),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("virtualmic: client connected", "client_id", c.id, "remote", c.remote, "clients", count)

	// Incoming frames are ignored; ctx ends when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.dropLocked(c, websocket.StatusNormalClosure, "")
			h.mu.Unlock()
			conn.CloseNow()
			h.log.Info("virtualmic: client disconnected", "client_id", c.id)
			return
		case data, ok := <-c.send:
			if !ok {
				h.mu.Lock()
				status, reason := c.status, c.reason
				h.mu.Unlock()
				conn.Close(status, reason)
				return
			}
			wctx, cancel := context.WithTimeout(ctx, DefaultWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.mu.Lock()
				h.dropLocked(c, websocket.StatusInternalError, "write failed")
				h.mu.Unlock()
				conn.CloseNow()
				h.log.Debug("virtualmic: client write failed", "client_id", c.id, "err", err)
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Clients returns the IDs of the connected clients.
func (h *Hub) Clients() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, c := range h.clients {
		h.dropLocked(c, websocket.StatusGoingAway, "shutting down")
	}
	return nil
}

// dropLocked unregisters c and signals its writer. Dropping an already
// dropped client is a no-op.
func (h *Hub) dropLocked(c *client, status websocket.StatusCode, reason string) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	c.status, c.reason = status, reason
	close(c.send)
}
