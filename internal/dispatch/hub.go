package dispatch

import (
	"errors"
	"log/slog"
	"sync"
)

var ErrClosed = errors.New("dispatch: connection closed")

// Conn is a live client connection. Send must be safe for concurrent use
// and must not block on a slow peer.
type Conn interface {
	ID() string
	Send(msg Message) error
	Close() error
}

// Hub fans messages out to topics. Delivery is best effort and at most
// once; a failed send is logged and dropped.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]Conn
	members map[Topic]map[string]Conn
	joined  map[string]map[Topic]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:   make(map[string]Conn),
		members: make(map[Topic]map[string]Conn),
		joined:  make(map[string]map[Topic]struct{}),
		logger:  logger,
	}
}

// Attach makes c reachable by Broadcast.
func (h *Hub) Attach(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
}

// Detach removes c from every topic it joined.
func (h *Hub) Detach(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := c.ID()
	delete(h.conns, id)
	for t := range h.joined[id] {
		h.removeLocked(t, id)
	}
	delete(h.joined, id)
}

func (h *Hub) Join(t Topic, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := c.ID()
	m, ok := h.members[t]
	if !ok {
		m = make(map[string]Conn)
		h.members[t] = m
	}
	m[id] = c
	j, ok := h.joined[id]
	if !ok {
		j = make(map[Topic]struct{})
		h.joined[id] = j
	}
	j[t] = struct{}{}
}

func (h *Hub) Leave(t Topic, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(t, c.ID())
	delete(h.joined[c.ID()], t)
}

func (h *Hub) removeLocked(t Topic, id string) {
	m := h.members[t]
	delete(m, id)
	if len(m) == 0 {
		delete(h.members, t)
	}
}

func (h *Hub) Members(t Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members[t])
}

func (h *Hub) Joined(c Conn, t Topic) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.joined[c.ID()][t]
	return ok
}

// Publish sends msg to every member of t and reports how many sends
// succeeded.
func (h *Hub) Publish(t Topic, msg Message) int {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.members[t]))
	for _, c := range h.members[t] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	return h.deliver(targets, msg, t.String())
}

// Broadcast sends msg to every attached connection.
func (h *Hub) Broadcast(msg Message) int {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	return h.deliver(targets, msg, "*")
}

// Send delivers msg to a single connection.
func (h *Hub) Send(c Conn, msg Message) bool {
	if c == nil {
		return false
	}
	return h.deliver([]Conn{c}, msg, "direct") == 1
}

func (h *Hub) deliver(targets []Conn, msg Message, scope string) int {
	sent := 0
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			h.logger.Debug("dispatch dropped", "scope", scope, "event", msg.Type, "conn_id", c.ID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}
