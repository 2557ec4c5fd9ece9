// Package session implements the Session type of spec.md §3: the owner of
// a transport, handshake-derived crypto state, negotiated capabilities, and
// the mailbox a remote source writes into.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zfogg/ascii-chat-sub007/internal/handshake"
	"github.com/zfogg/ascii-chat-sub007/internal/mailbox"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// State is one of Handshaking, Active, Rekeying, Closed (spec.md §3's
// Session invariant).
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateRekeying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateRekeying:
		return "rekeying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ColorLevel, RenderMode, and PaletteType re-export the wire enums so
// callers outside internal/wire don't need to import it just to read a
// Capabilities value.
type (
	ColorLevel  = wire.ColorLevel
	RenderMode  = wire.RenderMode
	PaletteType = wire.PaletteType
)

// Capabilities is the negotiated description of a participant's terminal,
// per spec.md §3.
type Capabilities struct {
	ColorLevel     ColorLevel
	ColorCount     uint32
	RenderMode     RenderMode
	UTF8Support    bool
	Width, Height  uint16 // grid cells
	DesiredFPS     uint8
	PaletteType    PaletteType
	PaletteCustom  string
	WantsPadding   bool
	TermType       string
	ColorTerm      string
	WantsVideo     bool
	WantsAudio     bool
	WantsColor     bool
	StretchToFit   bool
	DetectReliable bool
}

// ClampedFPS returns DesiredFPS clamped to spec.md §4.6's [1, 144] legal
// range (a 0 value is treated as "unspecified", clamped up to 1).
func (c Capabilities) ClampedFPS() int {
	fps := int(c.DesiredFPS)
	if fps < 1 {
		fps = 1
	}
	if fps > 144 {
		fps = 144
	}
	return fps
}

// Transport is the subset of *transport.Transport a Session needs. Declared
// here (rather than importing internal/transport) so this package has no
// dependency on the transport's own dependency (handshake.PacketIO) beyond
// what it actually uses, avoiding any risk of an import cycle as the two
// packages evolve.
type Transport interface {
	Send(typ wire.Type, payload []byte) error
	Recv(deadline time.Time) (wire.Type, []byte, error)
	Close() error
}

// Session owns one client's transport, handshake-derived crypto context,
// negotiated capabilities, and mailbox. The SendLock field is exported so
// callers sending from multiple goroutines (render + keepalive) can
// serialize outbound writes above the transport's own internal lock when a
// logical multi-packet operation must not interleave.
type Session struct {
	ClientID    uint32
	DisplayName string

	Transport Transport
	Crypto    *handshake.Context
	Mailbox   *mailbox.Mailbox

	SendLock sync.Mutex

	caps atomic.Pointer[Capabilities]
	state atomic.Int32

	joinedAt time.Time
}

// New constructs a Session in the Handshaking state.
func New(clientID uint32, t Transport, crypto *handshake.Context) *Session {
	s := &Session{
		ClientID:  clientID,
		Transport: t,
		Crypto:    crypto,
		Mailbox:   mailbox.New(),
	}
	s.state.Store(int32(StateHandshaking))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// SetState transitions the session. Callers are responsible for only
// making legal transitions per spec.md §3.
func (s *Session) SetState(st State) {
	if st == StateActive && s.joinedAt.IsZero() {
		s.joinedAt = time.Now()
	}
	s.state.Store(int32(st))
}

// Closed reports whether the session has been torn down; every loop
// checks this at the top of its tick (spec.md §5).
func (s *Session) Closed() bool { return s.State() == StateClosed }

// Close transitions to Closed and closes the underlying transport. Safe to
// call more than once.
func (s *Session) Close() error {
	s.SetState(StateClosed)
	return s.Transport.Close()
}

// Capabilities returns the negotiated capability record, or the zero value
// if ClientJoin has not yet been processed.
func (s *Session) Capabilities() Capabilities {
	c := s.caps.Load()
	if c == nil {
		return Capabilities{}
	}
	return *c
}

// SetCapabilities installs the capability record parsed from a
// ClientCapabilities packet.
func (s *Session) SetCapabilities(c Capabilities) {
	s.caps.Store(&c)
}

// Send serializes a packet send behind SendLock, matching spec.md §4.2's
// "sends from multiple threads are serialized by the transport's send lock"
// at the session level (render and keepalive loops both call this).
func (s *Session) Send(typ wire.Type, payload []byte) error {
	s.SendLock.Lock()
	defer s.SendLock.Unlock()
	return s.Transport.Send(typ, payload)
}

// JoinedAt returns the time the session first entered StateActive, or the
// zero time if it never has.
func (s *Session) JoinedAt() time.Time { return s.joinedAt }
