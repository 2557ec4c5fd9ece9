package handshake

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zfogg/ascii-chat-sub007/internal/protoerr"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// PacketIO is the minimal interface the handshake needs from a transport:
// send and receive one framed, unencrypted packet. *transport.Transport
// satisfies this via its SendRaw/RecvRaw methods.
type PacketIO interface {
	SendRaw(typ wire.Type, payload []byte) error
	RecvRaw(deadline time.Time) (wire.Type, []byte, error)
}

// DefaultStepTimeout is the per-step handshake timeout, per spec.md §4.3.
const DefaultStepTimeout = 10 * time.Second

func sendJSON(io PacketIO, typ wire.Type, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, protoerr.New(protoerr.KindInternal, "handshake.sendJSON", err)
	}
	if err := io.SendRaw(typ, payload); err != nil {
		return nil, protoerr.New(protoerr.KindConnectionLost, "handshake.sendJSON", err)
	}
	return payload, nil
}

func recvJSON(pio PacketIO, want wire.Type, v any, timeout time.Duration) ([]byte, error) {
	typ, payload, err := pio.RecvRaw(time.Now().Add(timeout))
	if err != nil {
		return nil, protoerr.New(protoerr.KindHandshakeTimeout, "handshake.recvJSON", err)
	}
	if typ != want {
		return nil, protoerr.New(protoerr.KindProtocolViolation, "handshake.recvJSON",
			fmt.Errorf("expected %s, got %s", want, typ))
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, protoerr.New(protoerr.KindProtocolViolation, "handshake.recvJSON", err)
	}
	return payload, nil
}
