package hub

import (
	"context"

	"github.com/coder/websocket"
)

// Conn adapts a WebSocket connection to Viewer.
type Conn struct {
	ws *websocket.Conn
}

// NewConn wraps ws. The caller keeps ownership of the read side.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes one text frame.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close closes the connection with a normal status.
func (c *Conn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
