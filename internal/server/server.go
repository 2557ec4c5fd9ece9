// Package server wires together the handshake, transport, session, and
// registry packages into the per-connection lifecycle of spec.md §4: accept
// a connection, run the handshake, admit the resulting session, and drive
// its render/keepalive/receive threads until it closes.
package server

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"github.com/zfogg/ascii-chat-sub007/internal/frame"
	"github.com/zfogg/ascii-chat-sub007/internal/handshake"
	"github.com/zfogg/ascii-chat-sub007/internal/keepalive"
	"github.com/zfogg/ascii-chat-sub007/internal/mailbox"
	"github.com/zfogg/ascii-chat-sub007/internal/metrics"
	"github.com/zfogg/ascii-chat-sub007/internal/protoerr"
	"github.com/zfogg/ascii-chat-sub007/internal/registry"
	"github.com/zfogg/ascii-chat-sub007/internal/render"
	"github.com/zfogg/ascii-chat-sub007/internal/session"
	"github.com/zfogg/ascii-chat-sub007/internal/transport"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// recvPollInterval bounds how long a receive-dispatch loop blocks on one
// Transport.Recv call, so it can notice context cancellation and a closed
// session promptly instead of blocking forever on a silent peer.
const recvPollInterval = 2 * time.Second

// Options configures a Server. NoEncrypt, if set, skips installing the AEAD
// context after a successful handshake (debug only, spec.md §6).
type Options struct {
	HostPriv ed25519.PrivateKey
	HostPub  ed25519.PublicKey

	Password           string
	RequireClientAuth  bool
	ClientKeyAllowlist map[string]bool
	NoEncrypt          bool
	MaxClients         int

	// AcceptRate and AcceptBurst throttle ServeTCP's accept loop against a
	// connection flood, independent of MaxClients (which bounds admitted
	// sessions, not raw accept()s). Zero AcceptRate disables throttling.
	AcceptRate  rate.Limit
	AcceptBurst int

	Logger *slog.Logger
}

// Server accepts connections, admits sessions into a Registry, and runs
// each session's render, keepalive, and receive threads.
type Server struct {
	opts     Options
	logger   *slog.Logger
	Registry *registry.Registry

	nextClientID atomic.Uint32

	acceptLimiter *rate.Limiter

	mu    sync.RWMutex
	conns map[uint32]*clientConn
}

// New constructs a Server and its Registry.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:     opts,
		logger:   logger.With("subsystem", "server"),
		Registry: registry.New(opts.MaxClients, logger),
		conns:    make(map[uint32]*clientConn),
	}
	if opts.AcceptRate > 0 {
		burst := opts.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		s.acceptLimiter = rate.NewLimiter(opts.AcceptRate, burst)
	}
	s.Registry.OnStateChange(func(int) { s.Registry.BroadcastState(false) })
	return s
}

// Participants lists per-client metrics sources for metrics.NewCollector.
func (s *Server) Participants() []metrics.ParticipantMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]metrics.ParticipantMetrics, 0, len(s.conns))
	for id, cc := range s.conns {
		out = append(out, metrics.ParticipantMetrics{
			ClientID:  id,
			Scheduler: cc.scheduler,
			Mailbox:   cc.sess.Mailbox,
		})
	}
	return out
}

// RekeyCount sums completed rekeys across every currently-admitted session,
// satisfying metrics.RekeyCounter.
func (s *Server) RekeyCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	for _, cc := range s.conns {
		total += cc.sess.Crypto.RekeyCount()
	}
	return total
}

// rekeyMsg is one handshake-rekey-family packet forwarded from a session's
// receive loop to whichever goroutine is currently driving the exchange.
type rekeyMsg struct {
	typ     wire.Type
	payload []byte
}

// rekeyIO adapts a session's serialized Send plus a forwarding channel into
// handshake.SecureIO, letting the rekey state machine run without ever
// calling Transport.Recv itself (spec.md §5: one receive thread per client).
type rekeyIO struct {
	sess *session.Session
	ch   <-chan rekeyMsg
}

func (r rekeyIO) Send(typ wire.Type, payload []byte) error { return r.sess.Send(typ, payload) }

func (r rekeyIO) Recv(deadline time.Time) (wire.Type, []byte, error) {
	select {
	case m := <-r.ch:
		return m.typ, m.payload, nil
	case <-time.After(time.Until(deadline)):
		return 0, nil, fmt.Errorf("server: rekey message wait timed out")
	}
}

// clientConn bundles one admitted session with the extra per-connection
// state the server needs to drive it: its render scheduler (for metrics and
// cancellation), the most recent receive time (for keepalive), and the
// in-flight rekey forwarding channel (if any).
type clientConn struct {
	sess      *session.Session
	scheduler *render.Scheduler
	isServer  bool

	lastRecv atomic.Int64

	mu      sync.Mutex
	rekeyCh chan rekeyMsg
}

func (c *clientConn) touchRecv() { c.lastRecv.Store(time.Now().UnixNano()) }
func (c *clientConn) lastRecvTime() time.Time {
	return time.Unix(0, c.lastRecv.Load())
}

// forwardRekey routes an inbound rekey-family packet to whatever is
// currently reading rekeyCh, spawning a fresh responder if nothing is (i.e.
// the peer just initiated a rekey we didn't ask for).
func (c *clientConn) forwardRekey(typ wire.Type, payload []byte, s *Server, log *slog.Logger) {
	c.mu.Lock()
	if c.rekeyCh != nil {
		ch := c.rekeyCh
		c.mu.Unlock()
		ch <- rekeyMsg{typ, payload}
		return
	}
	if typ != wire.TypeRekeyRequest {
		c.mu.Unlock()
		log.Warn("dropping unsolicited rekey message with no exchange in progress", "type", typ)
		return
	}
	ch := make(chan rekeyMsg, 4)
	c.rekeyCh = ch
	c.mu.Unlock()
	ch <- rekeyMsg{typ, payload}
	go c.runResponder(ch, log)
}

func (c *clientConn) runResponder(ch chan rekeyMsg, log *slog.Logger) {
	defer func() {
		c.mu.Lock()
		c.rekeyCh = nil
		c.mu.Unlock()
	}()
	c.sess.SetState(session.StateRekeying)
	rio := rekeyIO{sess: c.sess, ch: ch}
	if err := handshake.RunRekeyResponder(rio, c.sess.Crypto, c.isServer); err != nil {
		log.Warn("rekey responder failed", "error", err)
		_ = c.sess.Close()
		return
	}
	c.sess.SetState(session.StateActive)
	log.Info("rekey complete (peer-initiated)", "rekey_count", c.sess.Crypto.RekeyCount())
}

// initiateRekey runs the initiator side of a rekey, used as the callback
// keepalive.Loop invokes once a traffic threshold is crossed. If a
// peer-initiated rekey is already in flight, it is a no-op: one rekey at a
// time per session is enough to satisfy spec.md §4.3.
func (c *clientConn) initiateRekey(reason string) error {
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
	rio := rekeyIO{sess: c.sess, ch: ch}
	err := handshake.RunRekeyInitiator(rio, c.sess.Crypto, c.isServer, reason)
	c.sess.SetState(session.StateActive)
	return err
}

// ServeTCP runs an accept loop on ln until ctx is canceled.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		if s.acceptLimiter != nil && !s.acceptLimiter.Allow() {
			s.logger.Warn("rejecting connection, accept rate exceeded", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		go s.HandleTransport(ctx, transport.NewTCP(conn), uuid.NewString())
	}
}

// HandleTransport runs the full per-connection lifecycle over an
// already-constructed Transport (TCP or WebSocket). Exported so an HTTP
// upgrade handler can hand off a websocket-backed Transport the same way
// ServeTCP hands off a TCP one.
func (s *Server) HandleTransport(ctx context.Context, tr *transport.Transport, connID string) {
	s.handle(ctx, tr, connID)
}

func (s *Server) handle(ctx context.Context, tr *transport.Transport, connID string) {
	log := s.logger.With("conn_id", connID)
	defer func() {
		if err := tr.Close(); err != nil && !tr.Closed() {
			log.Debug("closing transport", "error", err)
		}
	}()

	hsCtx, err := handshake.RunServer(tr, handshake.ServerOptions{
		HostPriv:           s.opts.HostPriv,
		HostPub:            s.opts.HostPub,
		Password:           s.opts.Password,
		RequireClientAuth:  s.opts.RequireClientAuth,
		ClientKeyAllowlist: s.opts.ClientKeyAllowlist,
		Logger:             log,
	})
	if err != nil {
		log.Warn("handshake failed", "error", err)
		return
	}
	if !s.opts.NoEncrypt {
		tr.InstallCrypto(hsCtx)
	}

	clientID := s.nextClientID.Add(1)
	tr.SetClientID(clientID)
	log = log.With("client_id", clientID)

	join, caps, err := recvJoinAndCapabilities(tr)
	if err != nil {
		log.Warn("join/capabilities exchange failed", "error", err)
		return
	}

	sess := session.New(clientID, tr, hsCtx)
	sess.DisplayName = join.DisplayName
	sess.SetCapabilities(caps)
	sess.SetState(session.StateActive)

	if err := s.Registry.Admit(sess); err != nil {
		log.Warn("admission rejected", "error", err)
		kind := uint32(protoerr.KindCapacity)
		if pe, ok := protoerr.As(err); ok {
			kind = uint32(pe.Kind)
		}
		notice := wire.ErrorNotification{Kind: kind, Message: err.Error()}
		if sendErr := tr.Send(wire.TypeErrorNotification, notice.Marshal()); sendErr != nil {
			log.Warn("failed to notify rejected client", "error", sendErr)
		}
		return
	}
	defer s.Registry.Evict(clientID)

	scheduler, err := render.NewScheduler(sess, s.Registry, log)
	if err != nil {
		log.Error("failed to construct render scheduler", "error", err)
		return
	}

	cc := &clientConn{sess: sess, scheduler: scheduler, isServer: true}
	cc.touchRecv()
	s.mu.Lock()
	s.conns[clientID] = cc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, clientID)
		s.mu.Unlock()
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); scheduler.Run(connCtx) }()
	go func() {
		defer wg.Done()
		keepalive.Loop(connCtx, sess, cc.lastRecvTime, cc.initiateRekey, log)
	}()

	s.receiveLoop(connCtx, sess, cc, log)
	cancel()
	wg.Wait()
}

func recvJoinAndCapabilities(tr *transport.Transport) (wire.ClientJoin, session.Capabilities, error) {
	typ, payload, err := tr.Recv(time.Now().Add(handshake.DefaultStepTimeout))
	if err != nil {
		return wire.ClientJoin{}, session.Capabilities{}, protoerr.New(protoerr.KindHandshakeTimeout, "server.join", err)
	}
	if typ != wire.TypeClientJoin {
		return wire.ClientJoin{}, session.Capabilities{}, protoerr.New(protoerr.KindProtocolViolation, "server.join", fmt.Errorf("expected ClientJoin, got %s", typ))
	}
	join, err := wire.UnmarshalClientJoin(payload)
	if err != nil {
		return wire.ClientJoin{}, session.Capabilities{}, protoerr.New(protoerr.KindProtocolViolation, "server.join", err)
	}

	typ, payload, err = tr.Recv(time.Now().Add(handshake.DefaultStepTimeout))
	if err != nil {
		return wire.ClientJoin{}, session.Capabilities{}, protoerr.New(protoerr.KindHandshakeTimeout, "server.capabilities", err)
	}
	if typ != wire.TypeClientCapabilities {
		return wire.ClientJoin{}, session.Capabilities{}, protoerr.New(protoerr.KindProtocolViolation, "server.capabilities", fmt.Errorf("expected ClientCapabilities, got %s", typ))
	}
	wc, err := wire.UnmarshalClientCapabilities(payload)
	if err != nil {
		return wire.ClientJoin{}, session.Capabilities{}, protoerr.New(protoerr.KindProtocolViolation, "server.capabilities", err)
	}

	return join, capabilitiesFromWire(wc), nil
}

func capabilitiesFromWire(wc wire.ClientCapabilities) session.Capabilities {
	return session.Capabilities{
		ColorLevel:     wc.ColorLevel,
		ColorCount:     wc.ColorCount,
		RenderMode:     wc.RenderMode,
		UTF8Support:    wc.UTF8Support,
		Width:          wc.Width,
		Height:         wc.Height,
		DesiredFPS:     wc.DesiredFPS,
		PaletteType:    wc.PaletteType,
		PaletteCustom:  wc.PaletteCustom,
		WantsPadding:   wc.WantsPadding,
		TermType:       wc.TermType,
		ColorTerm:      wc.ColorTerm,
		WantsVideo:     wc.Capabilities&wire.CapVideo != 0,
		WantsAudio:     wc.Capabilities&wire.CapAudio != 0,
		WantsColor:     wc.Capabilities&wire.CapColor != 0,
		StretchToFit:   wc.Capabilities&wire.CapStretchToFit != 0,
		DetectReliable: wc.DetectionReliable,
	}
}

// receiveLoop is the single goroutine allowed to call sess.Transport.Recv
// for this session (spec.md §5). It dispatches inbound media to the
// mailbox, answers Ping with Pong, and forwards rekey-family packets to
// whichever goroutine is driving the current exchange.
func (s *Server) receiveLoop(ctx context.Context, sess *session.Session, cc *clientConn, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if sess.Closed() {
			return
		}

		typ, payload, err := sess.Transport.Recv(time.Now().Add(recvPollInterval))
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			var pe *protoerr.Error
			if errors.As(err, &pe) && pe.Kind == protoerr.KindConnectionLost {
				log.Info("connection closed")
			} else {
				log.Warn("receive failed, closing session", "error", err)
			}
			_ = sess.Close()
			return
		}
		cc.touchRecv()

		switch typ {
		case wire.TypePing:
			if err := sess.Send(wire.TypePong, nil); err != nil {
				log.Warn("pong send failed", "error", err)
			}
		case wire.TypePong:
			// lastRecv already updated above.
		case wire.TypeImageFrame:
			s.handleImageFrame(sess, payload, log)
		case wire.TypeAudioPCMBatch:
			s.handleAudioBatch(sess, payload, log)
		case wire.TypeRekeyRequest, wire.TypeRekeyResponse, wire.TypeRekeyComplete:
			cc.forwardRekey(typ, payload, s, log)
		default:
			log.Debug("ignoring unexpected packet type", "type", typ)
		}
	}
}

func (s *Server) handleImageFrame(sess *session.Session, payload []byte, log *slog.Logger) {
	img, err := wire.UnmarshalImageFrame(payload)
	if err != nil {
		log.Warn("malformed ImageFrame", "error", err)
		return
	}
	rgb, err := decompressImage(img)
	if err != nil {
		log.Warn("failed to decompress ImageFrame", "error", err)
		sess.Mailbox.RecordDroppedFrame()
		return
	}
	sess.Mailbox.PutFrame(frame.New(int(img.Width), int(img.Height), rgb, time.Now()))
}

func decompressImage(img wire.ImageFrame) ([]byte, error) {
	switch img.CompressedFlag {
	case wire.ImageRaw:
		return img.Data, nil
	case wire.ImageZlib:
		r, err := zlib.NewReader(bytes.NewReader(img.Data))
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case wire.ImageZstd:
		r, err := zstd.NewReader(bytes.NewReader(img.Data))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unknown image compression flag %d", img.CompressedFlag)
	}
}

func (s *Server) handleAudioBatch(sess *session.Session, payload []byte, log *slog.Logger) {
	batch, err := wire.UnmarshalAudioPCMBatch(payload)
	if err != nil {
		log.Warn("malformed AudioPCMBatch", "error", err)
		return
	}
	sess.Mailbox.PushAudio(mailbox.AudioChunk{Samples: batch.Samples, Timestamp: time.Now()})
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
