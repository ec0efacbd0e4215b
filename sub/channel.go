package sub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nickman/tsdblite/errors"
)

// wsConn is the subset of the websocket connection the channel writes
// through. Satisfied by *websocket.Conn; narrowed for tests.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Channel is one subscriber transport: a WebSocket connection with a
// session id and a write mutex so concurrent fan-out deliveries never
// interleave frames.
type Channel struct {
	session      string
	conn         wsConn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewChannel wraps a websocket connection with a fresh session id.
func NewChannel(conn wsConn, writeTimeout time.Duration) *Channel {
	return &Channel{
		session:      uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// Session returns the channel's session id.
func (c *Channel) Session() string { return c.session }

// Send marshals v and writes it as one text frame. Writes on a closed
// channel fail fast.
func (c *Channel) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "Channel", "Send", "encoding frame")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.ErrChannelClosed
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "Channel", "Send", "writing frame")
	}
	return nil
}

// Close marks the channel closed and closes the underlying connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
