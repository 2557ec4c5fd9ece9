package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/zfogg/ascii-chat-sub007/internal/frame"
	"github.com/zfogg/ascii-chat-sub007/internal/handshake"
	"github.com/zfogg/ascii-chat-sub007/internal/transport"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// fakeVideoSource yields exactly one frame, then nothing, so capture loop
// tests can assert on a single upload without racing a ticker.
type fakeVideoSource struct {
	mu    sync.Mutex
	frame *frame.Frame
}

func (f *fakeVideoSource) CaptureFrame() (*frame.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr := f.frame
	f.frame = nil
	return fr, nil
}
func (f *fakeVideoSource) Close() error { return nil }

type collectingDisplay struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (d *collectingDisplay) WriteFrame(hdr wire.AsciiFrameHeader, body []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := append([]byte{}, body...)
	d.bodies = append(d.bodies, cp)
	return nil
}

func (d *collectingDisplay) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bodies)
}

func newHandshakedPipe(t *testing.T) (*transport.Transport, *transport.Transport) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	serverTr := transport.NewTCP(serverConn)
	clientTr := transport.NewTCP(clientConn)

	hostPub, hostPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}

	type result struct {
		ctx *handshake.Context
		err error
	}
	serverCh := make(chan result, 1)
	clientCh := make(chan result, 1)

	go func() {
		ctx, err := handshake.RunServer(serverTr, handshake.ServerOptions{HostPriv: hostPriv, HostPub: hostPub})
		serverCh <- result{ctx, err}
	}()
	go func() {
		ctx, err := handshake.RunClient(clientTr, handshake.ClientOptions{Hostname: "test", IP: "127.0.0.1", Port: 1})
		clientCh <- result{ctx, err}
	}()

	sr := <-serverCh
	cr := <-clientCh
	if sr.err != nil {
		t.Fatalf("RunServer: %v", sr.err)
	}
	if cr.err != nil {
		t.Fatalf("RunClient: %v", cr.err)
	}
	serverTr.InstallCrypto(sr.ctx)
	clientTr.InstallCrypto(cr.ctx)

	return serverTr, clientTr
}

func TestClientRunSendsJoinAndCapabilities(t *testing.T) {
	serverTr, clientTr := newHandshakedPipe(t)
	defer serverTr.Close()
	defer clientTr.Close()

	cl, err := New(Options{
		Transport:    clientTr,
		Crypto:       nil,
		DisplayName:  "eve",
		Capabilities: wire.ClientCapabilities{Width: 80, Height: 24},
		Video:        NopVideoSource{},
		Audio:        NopAudioSource{},
		Display:      &collectingDisplay{},
		Playback:     NopAudioSink{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = cl.Run(ctx)
		close(runDone)
	}()

	typ, payload, err := serverTr.Recv(time.Now().Add(2 * time.Second))
	if err != nil {
		t.Fatalf("Recv ClientJoin: %v", err)
	}
	if typ != wire.TypeClientJoin {
		t.Fatalf("got %v, want TypeClientJoin", typ)
	}
	join, err := wire.UnmarshalClientJoin(payload)
	if err != nil {
		t.Fatalf("UnmarshalClientJoin: %v", err)
	}
	if join.DisplayName != "eve" {
		t.Fatalf("DisplayName = %q, want eve", join.DisplayName)
	}

	typ, payload, err = serverTr.Recv(time.Now().Add(2 * time.Second))
	if err != nil {
		t.Fatalf("Recv ClientCapabilities: %v", err)
	}
	if typ != wire.TypeClientCapabilities {
		t.Fatalf("got %v, want TypeClientCapabilities", typ)
	}
	caps, err := wire.UnmarshalClientCapabilities(payload)
	if err != nil {
		t.Fatalf("UnmarshalClientCapabilities: %v", err)
	}
	if caps.Width != 80 || caps.Height != 24 {
		t.Fatalf("got caps %+v, want 80x24", caps)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestClientDispatchesAsciiFrameToDisplay(t *testing.T) {
	serverTr, clientTr := newHandshakedPipe(t)
	defer serverTr.Close()
	defer clientTr.Close()

	display := &collectingDisplay{}
	cl, err := New(Options{
		Transport:    clientTr,
		DisplayName:  "frank",
		Capabilities: wire.ClientCapabilities{Width: 80, Height: 24},
		Video:        NopVideoSource{},
		Audio:        NopAudioSource{},
		Display:      display,
		Playback:     NopAudioSink{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cl.Run(ctx)

	// drain ClientJoin + ClientCapabilities
	if _, _, err := serverTr.Recv(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if _, _, err := serverTr.Recv(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	body := []byte("\x1b[Hhello grid")
	payload := wire.MarshalAsciiFrame(wire.AsciiFrameHeader{Width: 10, Height: 1}, body)
	if err := serverTr.Send(wire.TypeAsciiFrame, payload); err != nil {
		t.Fatalf("sending AsciiFrame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for display.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if display.count() != 1 {
		t.Fatalf("display received %d frames, want 1", display.count())
	}
	if !bytes.Equal(display.bodies[0], body) {
		t.Fatalf("got body %q, want %q", display.bodies[0], body)
	}
}

func TestClientUploadsCapturedVideoFrame(t *testing.T) {
	serverTr, clientTr := newHandshakedPipe(t)
	defer serverTr.Close()
	defer clientTr.Close()

	rgb := make([]byte, 2*2*3)
	video := &fakeVideoSource{frame: frame.New(2, 2, rgb, time.Now())}

	cl, err := New(Options{
		Transport:    clientTr,
		DisplayName:  "grace",
		Capabilities: wire.ClientCapabilities{Width: 80, Height: 24},
		Video:        video,
		Audio:        NopAudioSource{},
		Display:      &collectingDisplay{},
		Playback:     NopAudioSink{},
		CaptureFPS:   60,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cl.Run(ctx)

	// drain ClientJoin + ClientCapabilities
	if _, _, err := serverTr.Recv(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if _, _, err := serverTr.Recv(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	typ, payload, err := serverTr.Recv(time.Now().Add(2 * time.Second))
	if err != nil {
		t.Fatalf("Recv ImageFrame: %v", err)
	}
	if typ != wire.TypeImageFrame {
		t.Fatalf("got %v, want TypeImageFrame", typ)
	}
	img, err := wire.UnmarshalImageFrame(payload)
	if err != nil {
		t.Fatalf("UnmarshalImageFrame: %v", err)
	}
	if img.Width != 2 || img.Height != 2 {
		t.Fatalf("got %dx%d, want 2x2", img.Width, img.Height)
	}
	if img.CompressedFlag != wire.ImageZstd {
		t.Fatalf("CompressedFlag = %v, want ImageZstd", img.CompressedFlag)
	}
}
