// Package protoerr classifies errors by behavior rather than by source type,
// per the taxonomy in spec.md §7. Every error that can cross a session
// boundary is either wrapped in an Error with a Kind, or is a bare Go error
// that the caller treats as Internal.
package protoerr

import "fmt"

// Kind classifies an error by the policy it implies, not by where it
// originated.
type Kind int

const (
	// KindTransientIO is scoped to a single syscall; retry once, then surface.
	KindTransientIO Kind = iota
	// KindConnectionLost tears down the session; the client may reconnect
	// with backoff.
	KindConnectionLost
	// KindProtocolViolation closes the session, is logged, and is never
	// retried.
	KindProtocolViolation
	// KindCorruption is a CRC or AEAD tag failure; close, log, never retry.
	KindCorruption
	// KindHandshakeTimeout closes the session; the client may reconnect.
	KindHandshakeTimeout
	// KindAuthFailed closes the session; the client must not auto-retry.
	KindAuthFailed
	// KindHostKeyMismatch closes the session and requires user intervention.
	KindHostKeyMismatch
	// KindCapacity rejects admission cleanly before Ready.
	KindCapacity
	// KindInternal is a process-level bug; the caller cannot recover.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindConnectionLost:
		return "connection_lost"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindCorruption:
		return "corruption"
	case KindHandshakeTimeout:
		return "handshake_timeout"
	case KindAuthFailed:
		return "auth_failed"
	case KindHostKeyMismatch:
		return "host_key_mismatch"
	case KindCapacity:
		return "capacity"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Fatal reports whether the owning session loop must close and never retry
// automatically on the client.
func (k Kind) Fatal() bool {
	switch k {
	case KindProtocolViolation, KindCorruption, KindAuthFailed, KindHostKeyMismatch:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with a Kind and an optional session scope
// identifier (client ID), so loops can decide retry/teardown policy without
// inspecting the underlying error's type.
type Error struct {
	Kind   Kind
	Op     string // operation that failed, e.g. "transport.recv"
	Err    error
	ClientID uint32 // 0 if not scoped to a client
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// WithClient returns a copy of e scoped to the given client ID.
func (e *Error) WithClient(id uint32) *Error {
	cp := *e
	cp.ClientID = id
	return &cp
}

// As reports whether err is (or wraps) a *Error and returns it.
func As(err error) (*Error, bool) {
	var pe *Error
	if ok := asError(err, &pe); ok {
		return pe, true
	}
	return nil, false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
