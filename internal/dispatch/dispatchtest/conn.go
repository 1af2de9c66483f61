// Package dispatchtest provides an in-memory dispatch.Conn for tests.
package dispatchtest

import (
	"sync"

	"github.com/example/ride-dispatch/internal/dispatch"
)

// Conn records every message sent to it.
type Conn struct {
	id string

	mu     sync.Mutex
	msgs   []dispatch.Message
	closed bool
}

func NewConn(id string) *Conn { return &Conn{id: id} }

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(m dispatch.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return dispatch.ErrClosed
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Messages() []dispatch.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dispatch.Message(nil), c.msgs...)
}

// Of returns the messages of the given type, in arrival order.
func (c *Conn) Of(typ string) []dispatch.Message {
	var out []dispatch.Message
	for _, m := range c.Messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *Conn) Count(typ string) int { return len(c.Of(typ)) }

func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}
