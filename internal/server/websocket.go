package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zfogg/ascii-chat-sub007/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 << 10,
	WriteBufferSize: 16 << 10,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades an HTTP request to a WebSocket connection and
// runs the same per-connection lifecycle as a TCP accept, per spec.md §4.2's
// transport-agnostic framing.
func (s *Server) WebSocketHandler(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
			return
		}
		go s.HandleTransport(ctx, transport.NewWebSocket(conn), uuid.NewString())
	}
}
