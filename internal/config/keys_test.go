package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateHostKeyGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host_key")

	priv1, pub1, err := LoadOrGenerateHostKey(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(priv1) != ed25519.PrivateKeySize {
		t.Fatalf("private key has wrong size: %d", len(priv1))
	}
	if !pub1.Equal(priv1.Public()) {
		t.Fatal("returned public key does not match the private key")
	}

	priv2, pub2, err := LoadOrGenerateHostKey(path)
	if err != nil {
		t.Fatalf("unexpected error loading persisted key: %v", err)
	}
	if !priv1.Equal(priv2) || !pub1.Equal(pub2) {
		t.Fatal("reloading the persisted key produced a different keypair")
	}
}

func TestLoadOrGenerateHostKeyEmptyPathIsEphemeral(t *testing.T) {
	priv1, _, err := LoadOrGenerateHostKey("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	priv2, _, err := LoadOrGenerateHostKey("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if priv1.Equal(priv2) {
		t.Fatal("expected two independent ephemeral keys, got the same one twice")
	}
}

func TestLoadOrGenerateHostKeyRejectsGPGPrefix(t *testing.T) {
	_, _, err := LoadOrGenerateHostKey("gpg:deadbeef")
	if err == nil {
		t.Fatal("expected an error for a gpg: key path")
	}
}

func TestLoadOrGenerateHostKeyRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host_key")
	if err := os.WriteFile(path, []byte("not base64!!\n"), 0o600); err != nil {
		t.Fatalf("writing test fixture: %v", err)
	}
	_, _, err := LoadOrGenerateHostKey(path)
	if err == nil {
		t.Fatal("expected an error for a corrupt host key file")
	}
}

func TestLoadClientKeyEmptyPath(t *testing.T) {
	priv, pub, err := LoadClientKey("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if priv != nil || pub != nil {
		t.Fatal("expected (nil, nil) for an empty path")
	}
}

func TestLoadClientKeyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client_key")

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(priv) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		t.Fatalf("writing test fixture: %v", err)
	}

	gotPriv, gotPub, err := LoadClientKey(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotPriv.Equal(priv) {
		t.Fatal("loaded private key does not match the written one")
	}
	if !gotPub.Equal(pub) {
		t.Fatal("loaded public key does not match the written one")
	}
}

func TestLoadClientKeyAllowlist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowed_keys")
	content := "# comment\nAAAA\n\nBBBB\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing test fixture: %v", err)
	}

	allow, err := LoadClientKeyAllowlist(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(allow) != 2 || !allow["AAAA"] || !allow["BBBB"] {
		t.Fatalf("unexpected allowlist contents: %#v", allow)
	}
}

func TestLoadClientKeyAllowlistEmptyPathMeansAnyAllowed(t *testing.T) {
	allow, err := LoadClientKeyAllowlist("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allow != nil {
		t.Fatal("expected a nil allowlist for an empty path")
	}
}
