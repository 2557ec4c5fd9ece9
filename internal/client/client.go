// Package client drives the far side of spec.md §4's per-connection
// lifecycle: after a handshake has produced a ready transport and crypto
// context, it joins, runs the single receive thread, the keepalive/rekey
// thread, and the local capture-and-upload loop, dispatching inbound
// AsciiFrame/AudioOpusBatch packets to pluggable display/playback sinks.
//
// Actual webcam/microphone/speaker access is out of scope (spec.md §1); the
// VideoSource, AudioSource, DisplaySink, and AudioSink interfaces here are
// what a concrete platform integration plugs into, so this package compiles
// and is testable with fakes.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"

	"github.com/zfogg/ascii-chat-sub007/internal/audio"
	"github.com/zfogg/ascii-chat-sub007/internal/frame"
	"github.com/zfogg/ascii-chat-sub007/internal/handshake"
	"github.com/zfogg/ascii-chat-sub007/internal/keepalive"
	"github.com/zfogg/ascii-chat-sub007/internal/session"
	"github.com/zfogg/ascii-chat-sub007/internal/transport"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// recvPollInterval bounds one Transport.Recv call so the receive loop can
// notice context cancellation promptly, matching internal/server's discipline.
const recvPollInterval = 2 * time.Second

// VideoSource captures one local video frame for upload. CaptureFrame
// returns (nil, nil) when no new frame is ready yet; the capture loop treats
// that as "skip this tick", not an error.
type VideoSource interface {
	CaptureFrame() (*frame.Frame, error)
	Close() error
}

// AudioSource captures one audio.ChunkSize-sample mono PCM chunk at
// audio.SampleRate for upload. CaptureChunk returns (nil, nil) when no chunk
// is ready yet.
type AudioSource interface {
	CaptureChunk() ([]float32, error)
	Close() error
}

// DisplaySink renders one decoded AsciiFrame to the local terminal (or a
// fake, in tests). The body already contains cursor-positioning and SGR
// escapes (internal/ascii.Render), so a real implementation is just a
// passthrough write to stdout.
type DisplaySink interface {
	WriteFrame(hdr wire.AsciiFrameHeader, body []byte) error
}

// AudioSink plays one decoded mono PCM chunk at audio.SampleRate.
type AudioSink interface {
	PlayChunk(samples []float32) error
}

// NopVideoSource never produces a frame, for a client running with no
// webcam wired in.
type NopVideoSource struct{}

func (NopVideoSource) CaptureFrame() (*frame.Frame, error) { return nil, nil }
func (NopVideoSource) Close() error                        { return nil }

// NopAudioSource never produces a chunk, for a client running with no
// microphone wired in.
type NopAudioSource struct{}

func (NopAudioSource) CaptureChunk() ([]float32, error) { return nil, nil }
func (NopAudioSource) Close() error                     { return nil }

// NopAudioSink discards decoded audio, for a client running with no
// speaker/output device wired in.
type NopAudioSink struct{}

func (NopAudioSink) PlayChunk(samples []float32) error { return nil }

// StdoutDisplay writes a decoded AsciiFrame body straight to an io.Writer
// (typically os.Stdout): the body already contains the cursor-home and SGR
// escapes internal/ascii.Render produced it with.
type StdoutDisplay struct {
	W io.Writer
}

func (d StdoutDisplay) WriteFrame(hdr wire.AsciiFrameHeader, body []byte) error {
	_, err := d.W.Write(body)
	return err
}

// Options configures a Client. Transport and Crypto must already reflect a
// completed handshake (see handshake.RunClient); Client only drives the
// post-handshake session.
type Options struct {
	Transport *transport.Transport
	Crypto    *handshake.Context
	NoEncrypt bool

	DisplayName  string
	Capabilities wire.ClientCapabilities

	Video    VideoSource
	Audio    AudioSource
	Display  DisplaySink
	Playback AudioSink

	// CaptureFPS paces the video upload loop; 0 defaults to 15.
	CaptureFPS int

	Logger *slog.Logger
}

// rekeyMsg is one handshake-rekey-family packet forwarded from the receive
// loop to whichever goroutine is driving the current exchange.
type rekeyMsg struct {
	typ     wire.Type
	payload []byte
}

// rekeyIO adapts the client's transport plus a forwarding channel into
// handshake.SecureIO, so the rekey state machine never calls Transport.Recv
// itself (spec.md §5: one receive thread per connection).
type rekeyIO struct {
	tr *transport.Transport
	ch <-chan rekeyMsg
}

func (r rekeyIO) Send(typ wire.Type, payload []byte) error { return r.tr.Send(typ, payload) }

func (r rekeyIO) Recv(deadline time.Time) (wire.Type, []byte, error) {
	select {
	case m := <-r.ch:
		return m.typ, m.payload, nil
	case <-time.After(time.Until(deadline)):
		return 0, nil, fmt.Errorf("client: rekey message wait timed out")
	}
}

// Client runs one connection's post-handshake lifecycle.
type Client struct {
	opts   Options
	tr     *transport.Transport
	logger *slog.Logger

	sess *session.Session

	decoder *opus.Decoder

	lastRecv atomic.Int64

	mu      sync.Mutex
	rekeyCh chan rekeyMsg
}

// New constructs a Client. The session it builds internally (clientID 0,
// since the server-assigned ID is only meaningful for its own registry) is
// purely a local container so internal/keepalive's Loop can be reused
// unmodified on the client side.
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dec, err := opus.NewDecoder(audio.SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("client: constructing opus decoder: %w", err)
	}
	sess := session.New(0, opts.Transport, opts.Crypto)
	sess.DisplayName = opts.DisplayName
	sess.SetState(session.StateActive)

	c := &Client{
		opts:    opts,
		tr:      opts.Transport,
		logger:  logger.With("subsystem", "client"),
		sess:    sess,
		decoder: dec,
	}
	c.touchRecv()
	return c, nil
}

func (c *Client) touchRecv() { c.lastRecv.Store(time.Now().UnixNano()) }
func (c *Client) lastRecvTime() time.Time {
	return time.Unix(0, c.lastRecv.Load())
}

// Run sends ClientJoin/ClientCapabilities, then drives the receive,
// keepalive, and capture loops until ctx is canceled or the session closes.
func (c *Client) Run(ctx context.Context) error {
	if err := c.tr.Send(wire.TypeClientJoin, wire.ClientJoin{DisplayName: c.opts.DisplayName}.Marshal()); err != nil {
		return fmt.Errorf("client: sending ClientJoin: %w", err)
	}
	if err := c.tr.Send(wire.TypeClientCapabilities, c.opts.Capabilities.Marshal()); err != nil {
		return fmt.Errorf("client: sending ClientCapabilities: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.captureVideoLoop(connCtx) }()
	go func() { defer wg.Done(); c.captureAudioLoop(connCtx) }()
	go func() {
		defer wg.Done()
		keepalive.Loop(connCtx, c.sess, c.lastRecvTime, c.initiateRekey, c.logger)
	}()

	c.receiveLoop(connCtx)
	cancel()
	wg.Wait()
	return nil
}

// forwardRekey routes an inbound rekey-family packet the same way
// internal/server's clientConn.forwardRekey does: to whatever is reading
// rekeyCh, spawning a fresh responder if this is a freshly peer-initiated
// exchange.
func (c *Client) forwardRekey(typ wire.Type, payload []byte) {
	c.mu.Lock()
	if c.rekeyCh != nil {
		ch := c.rekeyCh
		c.mu.Unlock()
		ch <- rekeyMsg{typ, payload}
		return
	}
	if typ != wire.TypeRekeyRequest {
		c.mu.Unlock()
		c.logger.Warn("dropping unsolicited rekey message with no exchange in progress", "type", typ)
		return
	}
	ch := make(chan rekeyMsg, 4)
	c.rekeyCh = ch
	c.mu.Unlock()
	ch <- rekeyMsg{typ, payload}
	go c.runResponder(ch)
}

func (c *Client) runResponder(ch chan rekeyMsg) {
	defer func() {
		c.mu.Lock()
		c.rekeyCh = nil
		c.mu.Unlock()
	}()
	c.sess.SetState(session.StateRekeying)
	rio := rekeyIO{tr: c.tr, ch: ch}
	if err := handshake.RunRekeyResponder(rio, c.sess.Crypto, false); err != nil {
		c.logger.Warn("rekey responder failed", "error", err)
		_ = c.sess.Close()
		return
	}
	c.sess.SetState(session.StateActive)
	c.logger.Info("rekey complete (peer-initiated)", "rekey_count", c.sess.Crypto.RekeyCount())
}

// initiateRekey is the callback keepalive.Loop invokes once the traffic
// threshold is crossed. A no-op if a peer-initiated rekey is already running.
func (c *Client) initiateRekey(reason string) error {
	c.mu.Lock()
	if c.rekeyCh != nil {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan rekeyMsg, 4)
	c.rekeyCh = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.rekeyCh = nil
		c.mu.Unlock()
	}()

	c.sess.SetState(session.StateRekeying)
	rio := rekeyIO{tr: c.tr, ch: ch}
	err := handshake.RunRekeyInitiator(rio, c.sess.Crypto, false, reason)
	c.sess.SetState(session.StateActive)
	return err
}
