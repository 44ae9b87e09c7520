package signaling

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wovenlab/callsig/internal/coordinator"
)

const (
	wsWriteWait = 1 * time.Second

	// clientSendBuffer bounds per-client queued outbound messages. A client
	// that cannot drain this many falls too far behind to be useful and is
	// dropped rather than allowed to stall dispatch.
	clientSendBuffer = 64
)

var errTooManyConnections = errors.New("signaling: connection limit reached")

// client is one connected WebSocket with its outbound queue. All writes to
// the socket happen on the write pump goroutine.
type client struct {
	connID string
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// enqueue queues payload for the write pump. It reports false when the
// client is gone or hopelessly behind.
func (c *client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) writePump() {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			// The read loop observes the broken socket and unregisters us;
			// keep draining so senders never block.
			for range c.send {
			}
			return
		}
	}
}

// Registry tracks connected clients and implements coordinator.Notifier.
// Dispatch never blocks: events are queued per client, and a client whose
// queue is full loses the event.
type Registry struct {
	log *slog.Logger
	max int

	mu      sync.Mutex
	clients map[string]*client
}

// NewRegistry creates an empty registry. maxConnections <= 0 means
// unlimited.
func NewRegistry(logger *slog.Logger, maxConnections int) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:     logger,
		max:     maxConnections,
		clients: make(map[string]*client),
	}
}

func (r *Registry) add(connID string, conn *websocket.Conn) (*client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.clients) >= r.max {
		return nil, errTooManyConnections
	}

	c := &client{
		connID: connID,
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
	}
	r.clients[connID] = c
	go c.writePump()
	return c, nil
}

func (r *Registry) remove(connID string) {
	r.mu.Lock()
	c, ok := r.clients[connID]
	if ok {
		delete(r.clients, connID)
	}
	r.mu.Unlock()

	if ok {
		c.close()
	}
}

// Len reports the number of connected clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Send implements coordinator.Notifier. Unknown connection ids and full
// queues are silent drops.
func (r *Registry) Send(connID string, ev coordinator.Event) {
	payload, err := encodeEvent(ev)
	if err != nil {
		r.log.Error("event encoding failed", "event", ev.EventType(), "err", err)
		return
	}
	r.sendRaw(connID, payload)
}

// Broadcast implements coordinator.Notifier.
func (r *Registry) Broadcast(ev coordinator.Event) {
	payload, err := encodeEvent(ev)
	if err != nil {
		r.log.Error("event encoding failed", "event", ev.EventType(), "err", err)
		return
	}

	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		r.push(c, payload)
	}
}

func (r *Registry) sendRaw(connID string, payload []byte) {
	r.mu.Lock()
	c, ok := r.clients[connID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.push(c, payload)
}

func (r *Registry) push(c *client, payload []byte) {
	if !c.enqueue(payload) {
		r.log.Warn("dropping message for slow or closed client", "conn", c.connID)
	}
}
