// Package transport implements spec.md §4.2: a transport owns a
// bidirectional byte stream (TCP or WebSocket) and an optional crypto
// context, serializes outbound sends behind a lock, and applies AEAD
// wrapping once a session key has been derived.
package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zfogg/ascii-chat-sub007/internal/handshake"
	"github.com/zfogg/ascii-chat-sub007/internal/protoerr"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// frameConn is the minimal per-kind (TCP/WebSocket) primitive a Transport
// needs: write one fully-encoded packet, read one back. Framing at this
// layer is already handled by the concrete implementation (length-prefixed
// stream reads for TCP, message boundaries for WebSocket).
type frameConn interface {
	WriteFrame(encoded []byte) error
	ReadFrame(deadline time.Time) ([]byte, error)
	Close() error
}

// Transport wraps a frameConn with the send-serialization and optional AEAD
// layer described in spec.md §4.2. The zero value is not usable; construct
// via NewTCP or NewWebSocket.
type Transport struct {
	conn     frameConn
	clientID uint32

	sendMu sync.Mutex
	closed atomic.Bool

	cryptoMu sync.RWMutex
	crypto   *handshake.Context
}

// SetClientID records the client ID stamped into every outbound header.
// The server assigns it after the handshake, so it is set after construction.
func (t *Transport) SetClientID(id uint32) { t.clientID = id }

// InstallCrypto installs the session's AEAD context, enabling Send/Recv to
// encrypt/decrypt. Called once the handshake reaches Ready, and again on a
// completed rekey.
func (t *Transport) InstallCrypto(ctx *handshake.Context) {
	t.cryptoMu.Lock()
	t.crypto = ctx
	t.cryptoMu.Unlock()
}

func (t *Transport) currentCrypto() *handshake.Context {
	t.cryptoMu.RLock()
	defer t.cryptoMu.RUnlock()
	return t.crypto
}

// SendRaw encodes and writes one unencrypted packet. Used directly during
// the handshake (it implements handshake.PacketIO) and internally by Send
// once a packet has been AEAD-wrapped.
func (t *Transport) SendRaw(typ wire.Type, payload []byte) error {
	encoded, err := wire.Encode(typ, t.clientID, 0, payload)
	if err != nil {
		return protoerr.New(protoerr.KindProtocolViolation, "transport.SendRaw", err)
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if t.closed.Load() {
		return protoerr.New(protoerr.KindConnectionLost, "transport.SendRaw", fmt.Errorf("transport closed"))
	}
	if err := t.conn.WriteFrame(encoded); err != nil {
		t.closed.Store(true)
		return protoerr.New(protoerr.KindConnectionLost, "transport.SendRaw", err)
	}
	return nil
}

// RecvRaw reads one unencrypted packet, or the outer Encrypted envelope
// un-parsed — callers that want transparent decryption should use Recv
// instead.
func (t *Transport) RecvRaw(deadline time.Time) (wire.Type, []byte, error) {
	encoded, err := t.conn.ReadFrame(deadline)
	if err != nil {
		return 0, nil, protoerr.New(protoerr.KindConnectionLost, "transport.RecvRaw", err)
	}
	h, err := wire.ParseHeader(encoded)
	if err != nil {
		return 0, nil, protoerr.New(protoerr.KindProtocolViolation, "transport.RecvRaw", err)
	}
	payload := encoded[wire.HeaderSize:]
	if err := wire.VerifyPayload(h, payload); err != nil {
		return 0, nil, protoerr.New(protoerr.KindCorruption, "transport.RecvRaw", err)
	}
	return h.Type, payload, nil
}

const nonceSize = 24

// Send transparently AEAD-wraps payload if a crypto context is installed,
// otherwise behaves like SendRaw, per spec.md §4.2.
func (t *Transport) Send(typ wire.Type, payload []byte) error {
	crypto := t.currentCrypto()
	if crypto == nil {
		return t.SendRaw(typ, payload)
	}
	inner, err := wire.Encode(typ, t.clientID, 0, payload)
	if err != nil {
		return protoerr.New(protoerr.KindProtocolViolation, "transport.Send", err)
	}
	nonce, sealed := crypto.Seal(inner)
	outer := make([]byte, nonceSize+len(sealed))
	copy(outer, nonce[:])
	copy(outer[nonceSize:], sealed)
	return t.SendRaw(wire.TypeEncrypted, outer)
}

// Recv reads one packet, transparently unwrapping it if it arrives as an
// Encrypted envelope and a crypto context is installed.
func (t *Transport) Recv(deadline time.Time) (wire.Type, []byte, error) {
	typ, payload, err := t.RecvRaw(deadline)
	if err != nil {
		return 0, nil, err
	}
	if typ != wire.TypeEncrypted {
		return typ, payload, nil
	}
	crypto := t.currentCrypto()
	if crypto == nil {
		return 0, nil, protoerr.New(protoerr.KindProtocolViolation, "transport.Recv", fmt.Errorf("received Encrypted packet with no crypto context installed"))
	}
	if len(payload) < nonceSize {
		return 0, nil, protoerr.New(protoerr.KindProtocolViolation, "transport.Recv", fmt.Errorf("short Encrypted payload"))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], payload[:nonceSize])
	plaintext, err := crypto.Open(nonce, payload[nonceSize:])
	if err != nil {
		return 0, nil, protoerr.New(protoerr.KindCorruption, "transport.Recv", err)
	}
	h, err := wire.ParseHeader(plaintext)
	if err != nil {
		return 0, nil, protoerr.New(protoerr.KindProtocolViolation, "transport.Recv", err)
	}
	inner := plaintext[wire.HeaderSize:]
	if err := wire.VerifyPayload(h, inner); err != nil {
		return 0, nil, protoerr.New(protoerr.KindCorruption, "transport.Recv", err)
	}
	return h.Type, inner, nil
}

// Close closes the underlying connection; calls after the first are no-ops.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

// Closed reports whether Close has been called or a write/read failure has
// already torn down the connection.
func (t *Transport) Closed() bool { return t.closed.Load() }
