package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knightrooks/agenthub/pkg/logger"
)

// ErrClosed is returned when writing to a closed client.
var ErrClosed = errors.New("ws: client closed")

const defaultWriteWait = 10 * time.Second

// Client represents a websocket client connection. Writes are serialized;
// gorilla connections allow one concurrent writer.
type Client struct {
	conn      *websocket.Conn
	log       *slog.Logger
	writeWait time.Duration

	mu     sync.Mutex
	closed bool
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, log *slog.Logger) *Client {
	return &Client{conn: conn, log: logger.OrDiscard(log), writeWait: defaultWriteWait}
}

// Send writes a text message to the websocket connection.
func (c *Client) Send(payload []byte) error {
	return c.write(websocket.TextMessage, payload)
}

// Ping sends a control ping frame.
func (c *Client) Ping() error {
	return c.write(websocket.PingMessage, nil)
}

func (c *Client) write(kind int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.conn.WriteMessage(kind, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.closed = true
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close sends a close frame when possible and terminates the connection.
// It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}
