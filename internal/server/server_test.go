package server

import (
	"context"
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/zfogg/ascii-chat-sub007/internal/handshake"
	"github.com/zfogg/ascii-chat-sub007/internal/protoerr"
	"github.com/zfogg/ascii-chat-sub007/internal/transport"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// dialTestServer starts one Server.HandleTransport goroutine driven by a
// net.Pipe, and returns the client-side Transport plus a cancel func.
func dialTestServer(t *testing.T, s *Server) (*transport.Transport, func()) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	go s.HandleTransport(ctx, transport.NewTCP(serverConn), "test-conn")

	return transport.NewTCP(clientConn), func() {
		cancel()
		_ = clientConn.Close()
	}
}

func joinAsClient(t *testing.T, tr *transport.Transport, displayName string) *handshake.Context {
	t.Helper()
	hsCtx, err := handshake.RunClient(tr, handshake.ClientOptions{
		Hostname: "test", IP: "127.0.0.1", Port: 1234,
	})
	if err != nil {
		t.Fatalf("RunClient: %v", err)
	}
	tr.InstallCrypto(hsCtx)

	if err := tr.Send(wire.TypeClientJoin, wire.ClientJoin{DisplayName: displayName}.Marshal()); err != nil {
		t.Fatalf("sending ClientJoin: %v", err)
	}
	caps := wire.ClientCapabilities{Width: 80, Height: 24, DesiredFPS: 15}
	if err := tr.Send(wire.TypeClientCapabilities, caps.Marshal()); err != nil {
		t.Fatalf("sending ClientCapabilities: %v", err)
	}
	return hsCtx
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	hostPub, hostPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	return New(Options{
		HostPriv:   hostPriv,
		HostPub:    hostPub,
		MaxClients: 10,
	})
}

func TestHandleTransportAdmitsSession(t *testing.T) {
	s := newTestServer(t)
	tr, cleanup := dialTestServer(t, s)
	defer cleanup()

	joinAsClient(t, tr, "alice")

	deadline := time.Now().Add(time.Second)
	for s.Registry.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Registry.Count() != 1 {
		t.Fatalf("Registry.Count() = %d, want 1", s.Registry.Count())
	}

	sessions := s.Registry.SnapshotActive()
	if len(sessions) != 1 || sessions[0].DisplayName != "alice" {
		t.Fatalf("unexpected admitted session: %+v", sessions)
	}
}

func TestHandleTransportPingPong(t *testing.T) {
	s := newTestServer(t)
	tr, cleanup := dialTestServer(t, s)
	defer cleanup()

	joinAsClient(t, tr, "bob")

	// Admission broadcasts a ServerState to every active session, this one
	// included, so that packet arrives first.
	if typ, _, err := tr.Recv(time.Now().Add(2 * time.Second)); err != nil || typ != wire.TypeServerState {
		t.Fatalf("first packet after admission: type %v, err %v; want TypeServerState", typ, err)
	}

	if err := tr.Send(wire.TypePing, nil); err != nil {
		t.Fatalf("sending Ping: %v", err)
	}

	typ, _, err := tr.Recv(time.Now().Add(2 * time.Second))
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if typ != wire.TypePong {
		t.Fatalf("got packet type %v, want TypePong", typ)
	}
}

func TestHandleTransportImageFrameReachesMailbox(t *testing.T) {
	s := newTestServer(t)
	tr, cleanup := dialTestServer(t, s)
	defer cleanup()

	joinAsClient(t, tr, "carol")

	// The server writes the admission ServerState before it reads anything
	// else from this client.
	if typ, _, err := tr.Recv(time.Now().Add(2 * time.Second)); err != nil || typ != wire.TypeServerState {
		t.Fatalf("first packet after admission: type %v, err %v; want TypeServerState", typ, err)
	}

	deadline := time.Now().Add(time.Second)
	for s.Registry.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	rgb := make([]byte, 4*2*3)
	img := wire.ImageFrame{Width: 4, Height: 2, CompressedFlag: wire.ImageRaw, Data: rgb}
	if err := tr.Send(wire.TypeImageFrame, img.Marshal()); err != nil {
		t.Fatalf("sending ImageFrame: %v", err)
	}

	var sess = s.Registry.SnapshotActive()[0]
	deadline = time.Now().Add(time.Second)
	var f = sess.Mailbox.CurrentFrame()
	for f == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		f = sess.Mailbox.CurrentFrame()
	}
	if f == nil {
		t.Fatal("expected the uploaded frame to reach the mailbox")
	}
	defer f.Release()
	if f.Width != 4 || f.Height != 2 {
		t.Fatalf("got frame %dx%d, want 4x2", f.Width, f.Height)
	}
}

func TestHandleTransportEvictsOnClientDisconnect(t *testing.T) {
	s := newTestServer(t)
	tr, cleanup := dialTestServer(t, s)

	joinAsClient(t, tr, "dave")

	deadline := time.Now().Add(time.Second)
	for s.Registry.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Registry.Count() != 1 {
		t.Fatalf("Registry.Count() = %d, want 1 before disconnect", s.Registry.Count())
	}

	cleanup()

	deadline = time.Now().Add(2 * time.Second)
	for s.Registry.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Registry.Count() != 0 {
		t.Fatalf("Registry.Count() = %d, want 0 after disconnect", s.Registry.Count())
	}
}

func TestServerRejectsBeyondMaxClients(t *testing.T) {
	hostPub, hostPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	s := New(Options{HostPriv: hostPriv, HostPub: hostPub, MaxClients: 1})

	tr1, cleanup1 := dialTestServer(t, s)
	defer cleanup1()
	joinAsClient(t, tr1, "first")

	deadline := time.Now().Add(time.Second)
	for s.Registry.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	tr2, cleanup2 := dialTestServer(t, s)
	defer cleanup2()
	joinAsClient(t, tr2, "second")

	// The rejected client must receive a typed ErrorNotification before the
	// transport is closed, so it can distinguish Capacity from a generic drop.
	typ, payload, err := tr2.Recv(time.Now().Add(2 * time.Second))
	if err != nil {
		t.Fatalf("Recv ErrorNotification: %v", err)
	}
	if typ != wire.TypeErrorNotification {
		t.Fatalf("got packet type %v, want TypeErrorNotification", typ)
	}
	notice, err := wire.UnmarshalErrorNotification(payload)
	if err != nil {
		t.Fatalf("UnmarshalErrorNotification: %v", err)
	}
	if protoerr.Kind(notice.Kind) != protoerr.KindCapacity {
		t.Fatalf("Kind = %v, want KindCapacity", protoerr.Kind(notice.Kind))
	}

	// The connection should then be closed without ever admitting a second
	// session.
	if _, _, err := tr2.Recv(time.Now().Add(2 * time.Second)); err == nil {
		t.Fatal("expected the connection to be closed after the rejection notice")
	}
	if s.Registry.Count() != 1 {
		t.Fatalf("Registry.Count() = %d, want 1 (second client must not be admitted)", s.Registry.Count())
	}
}

func TestServeTCPThrottlesAcceptRate(t *testing.T) {
	hostPub, hostPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	s := New(Options{
		HostPriv:    hostPriv,
		HostPub:     hostPub,
		MaxClients:  10,
		AcceptRate:  rate.Limit(0.001), // effectively one token for the whole test
		AcceptBurst: 1,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.ServeTCP(ctx, ln)

	dial := func() net.Conn {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dialing: %v", err)
		}
		return conn
	}

	first := dial()
	defer first.Close()
	second := dial()
	defer second.Close()

	// The first connection consumes the sole burst token and should be
	// handled (handshake bytes flow); the second should be closed by the
	// server immediately, before any handshake byte is ever read back.
	buf := make([]byte, 1)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(buf)
	if err == nil {
		t.Fatal("expected the rate-limited connection to be closed without any response")
	}
}
