package protoerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	cases := []struct {
		k    Kind
		want string
	}{
		{KindTransientIO, "transient_io"},
		{KindConnectionLost, "connection_lost"},
		{KindProtocolViolation, "protocol_violation"},
		{KindCorruption, "corruption"},
		{KindHandshakeTimeout, "handshake_timeout"},
		{KindAuthFailed, "auth_failed"},
		{KindHostKeyMismatch, "host_key_mismatch"},
		{KindCapacity, "capacity"},
		{KindInternal, "internal"},
		{Kind(999), "unknown"},
	}
	for _, c := range cases {
		if got := c.k.String(); got != c.want {
			t.Errorf("Kind(%d).String() = %q, want %q", c.k, got, c.want)
		}
	}
}

func TestKindFatal(t *testing.T) {
	fatal := []Kind{KindProtocolViolation, KindCorruption, KindAuthFailed, KindHostKeyMismatch}
	for _, k := range fatal {
		if !k.Fatal() {
			t.Errorf("%s should be fatal", k)
		}
	}
	nonFatal := []Kind{KindTransientIO, KindConnectionLost, KindHandshakeTimeout, KindCapacity, KindInternal}
	for _, k := range nonFatal {
		if k.Fatal() {
			t.Errorf("%s should not be fatal", k)
		}
	}
}

func TestErrorMessageWithAndWithoutCause(t *testing.T) {
	e1 := New(KindCorruption, "wire.read", errors.New("bad crc"))
	if got := e1.Error(); got != "wire.read: corruption: bad crc" {
		t.Errorf("Error() = %q", got)
	}

	e2 := New(KindCapacity, "registry.admit", nil)
	if got := e2.Error(); got != "registry.admit: capacity" {
		t.Errorf("Error() = %q", got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("eof")
	e := New(KindConnectionLost, "transport.recv", cause)
	if !errors.Is(e, cause) {
		t.Error("errors.Is should see through Unwrap to the cause")
	}
}

func TestWithClient(t *testing.T) {
	e := New(KindProtocolViolation, "handshake", nil)
	scoped := e.WithClient(42)
	if scoped.ClientID != 42 {
		t.Errorf("ClientID = %d, want 42", scoped.ClientID)
	}
	if e.ClientID != 0 {
		t.Error("WithClient must not mutate the receiver")
	}
}

func TestAsFindsWrappedProtoerr(t *testing.T) {
	inner := New(KindHostKeyMismatch, "handshake.verify", nil)
	wrapped := fmt.Errorf("outer context: %w", inner)

	found, ok := As(wrapped)
	if !ok {
		t.Fatal("expected As to find the wrapped *Error")
	}
	if found.Kind != KindHostKeyMismatch {
		t.Errorf("Kind = %v, want KindHostKeyMismatch", found.Kind)
	}
}

func TestAsReturnsFalseForPlainError(t *testing.T) {
	if _, ok := As(errors.New("plain")); ok {
		t.Fatal("expected As to return false for a non-protoerr error")
	}
}
