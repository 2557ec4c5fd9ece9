package transport

import (
	"net"
	"testing"
	"time"

	"github.com/zfogg/ascii-chat-sub007/internal/handshake"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

func TestTCPSendRecvRaw(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ta := NewTCP(a)
	tb := NewTCP(b)

	done := make(chan error, 1)
	go func() {
		done <- ta.SendRaw(wire.TypePing, []byte("hello"))
	}()

	typ, payload, err := tb.RecvRaw(time.Now().Add(2 * time.Second))
	if err != nil {
		t.Fatalf("RecvRaw: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	if typ != wire.TypePing {
		t.Fatalf("type = %v, want Ping", typ)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want %q", payload, "hello")
	}
}

func TestTCPEncryptedRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ta := NewTCP(a)
	tb := NewTCP(b)

	clientCtx, err := handshake.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	serverCtx, err := handshake.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if err := clientCtx.DeriveSessionKeys(serverCtx.EphemeralPublicKey(), nil, false); err != nil {
		t.Fatalf("client DeriveSessionKeys: %v", err)
	}
	if err := serverCtx.DeriveSessionKeys(clientCtx.EphemeralPublicKey(), nil, true); err != nil {
		t.Fatalf("server DeriveSessionKeys: %v", err)
	}
	ta.InstallCrypto(clientCtx)
	tb.InstallCrypto(serverCtx)

	done := make(chan error, 1)
	go func() {
		done <- ta.Send(wire.TypePing, []byte("encrypted hello"))
	}()

	typ, payload, err := tb.Recv(time.Now().Add(2 * time.Second))
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if typ != wire.TypePing {
		t.Fatalf("type = %v, want Ping", typ)
	}
	if string(payload) != "encrypted hello" {
		t.Fatalf("payload = %q, want %q", payload, "encrypted hello")
	}
}

func TestTransportCloseIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ta := NewTCP(a)
	if err := ta.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ta.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !ta.Closed() {
		t.Fatalf("Closed() = false after Close")
	}
}
