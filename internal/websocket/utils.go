package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// pongWait bounds how long a silent client is kept.
	pongWait = 2 * time.Minute
)

// Conn serializes writes from the read loop and the event pump.
type Conn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (c *Conn) WriteError(code, errMsg string) error {
	return c.WriteTyped(ErrorResponse{
		Event: EventError,
		Code:  code,
		Error: errMsg,
	})
}

// ReadMessage reads one raw message. It sets a read deadline.
func (c *Conn) ReadMessage() ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close sends a close frame and closes the underlying connection.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.mu.Unlock()
	return c.conn.Close()
}
