package knownhosts

import (
	"path/filepath"
	"testing"
)

func TestTOFUThenMatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.Verify("example.com", "1.2.3.4", 27224, "abc123"); got != OutcomeAbsent {
		t.Fatalf("first Verify = %v, want OutcomeAbsent", got)
	}
	if got := s.Verify("example.com", "1.2.3.4", 27224, "abc123"); got != OutcomeMatch {
		t.Fatalf("second Verify = %v, want OutcomeMatch", got)
	}
}

func TestMismatchAfterTOFU(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.Verify("example.com", "1.2.3.4", 27224, "abc123")
	if got := s.Verify("example.com", "1.2.3.4", 27224, "different"); got != OutcomeMismatch {
		t.Fatalf("Verify = %v, want OutcomeMismatch", got)
	}
}

func TestWriteAtomicRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.Add(Entry{Host: "a.example.com", IP: "10.0.0.1", Port: 27224, Algorithm: Algorithm, Fingerprint: "f1"})
	s.Add(Entry{Host: "b.example.com", IP: "10.0.0.2", Port: 27225, Algorithm: Algorithm, Fingerprint: "f2"})
	if err := s.WriteAtomic(); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	e, ok := reloaded.Lookup("a.example.com", "10.0.0.1", 27224)
	if !ok || e.Fingerprint != "f1" {
		t.Errorf("lookup a: got %+v, ok=%v", e, ok)
	}
	e2, ok := reloaded.Lookup("b.example.com", "10.0.0.2", 27225)
	if !ok || e2.Fingerprint != "f2" {
		t.Errorf("lookup b: got %+v, ok=%v", e2, ok)
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	s, _ := Load(path)
	s.Add(Entry{Host: "a", IP: "1.2.3.4", Port: 1, Fingerprint: "f"})
	if !s.Remove("a", "1.2.3.4", 1) {
		t.Fatalf("Remove returned false for existing entry")
	}
	if s.Remove("a", "1.2.3.4", 1) {
		t.Fatalf("Remove returned true for already-removed entry")
	}
}
