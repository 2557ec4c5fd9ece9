package transport

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// wsConn adapts a *websocket.Conn to frameConn. Each encoded packet travels
// as one binary WebSocket message, so no additional length-prefixing is
// needed on top of wire's own header.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteFrame(encoded []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, encoded)
}

func (c *wsConn) ReadFrame(deadline time.Time) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("transport: unexpected websocket message kind %d", kind)
	}
	if len(data) < wire.HeaderSize {
		return nil, fmt.Errorf("transport: websocket message shorter than packet header")
	}
	return data, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// NewWebSocket wraps an established *websocket.Conn in a Transport.
func NewWebSocket(conn *websocket.Conn) *Transport {
	return &Transport{conn: &wsConn{conn: conn}}
}
