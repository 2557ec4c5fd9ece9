package transport

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// tcpConn adapts a net.Conn to frameConn: writes the already-encoded packet
// bytes verbatim, and reads exactly one header-then-payload frame per call.
type tcpConn struct {
	conn net.Conn
}

func (c *tcpConn) WriteFrame(encoded []byte) error {
	_, err := c.conn.Write(encoded)
	return err
}

func (c *tcpConn) ReadFrame(deadline time.Time) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	header := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, err
	}
	h, err := wire.ParseHeader(header)
	if err != nil {
		return nil, err
	}
	if h.Length > wire.MaxPayload {
		return nil, fmt.Errorf("transport: payload length %d exceeds cap", h.Length)
	}
	frame := make([]byte, wire.HeaderSize+int(h.Length))
	copy(frame, header)
	if h.Length > 0 {
		if _, err := io.ReadFull(c.conn, frame[wire.HeaderSize:]); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

// NewTCP wraps a connected net.Conn (server or client side) in a Transport.
func NewTCP(conn net.Conn) *Transport {
	return &Transport{conn: &tcpConn{conn: conn}}
}
