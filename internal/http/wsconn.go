package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
)

var ErrSlowConsumer = errors.New("websocket send buffer full")

// wsConn is a dispatch.Conn over a websocket. Send only enqueues; a single
// writePump owns every write to the socket.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	cfg    WSConfig
	logger *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(id string, conn *websocket.Conn, cfg WSConfig, logger *slog.Logger) *wsConn {
	return &wsConn{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send drops the message when the peer is not keeping up.
func (c *wsConn) Send(msg dispatch.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return dispatch.ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return dispatch.ErrClosed
	default:
		return ErrSlowConsumer
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) readPump(handle func([]byte)) {
	defer func() {
		_ = c.Close()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		handle(raw)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.cfg.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}
