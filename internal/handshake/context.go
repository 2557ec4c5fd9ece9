package handshake

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
)

// RekeyByteThreshold and RekeyPacketThreshold are the default thresholds at
// which a side initiates a rekey, per spec.md §4.3.
const (
	RekeyByteThreshold   = 1 << 30 // ~1 GiB
	RekeyPacketThreshold = 1 << 24
)

// Context holds one session's cryptographic state: ephemeral and optional
// long-term keys, derived AEAD keys, nonce counters, and the running
// transcript hash. It is owned exclusively by its Transport; no mutable
// crypto state is ever shared across threads (spec.md §5).
type Context struct {
	ephPriv *ecdh.PrivateKey
	ephPub  []byte

	longTermPriv ed25519.PrivateKey
	longTermPub  ed25519.PublicKey

	transcript hash.Hash

	sendKey [32]byte
	recvKey [32]byte

	sendNonce atomic.Uint64
	// recvHighWater is 1 + the highest accepted receive counter, so the
	// zero value means "nothing accepted yet" without an extra sentinel.
	recvHighWater atomic.Uint64

	sentBytes   atomic.Uint64
	sentPackets atomic.Uint64

	rekeyCount atomic.Uint64

	pendingEphPriv *ecdh.PrivateKey
	pendingEphPub  []byte
	pendingSendKey [32]byte
	pendingRecvKey [32]byte
}

// NewContext generates a fresh ephemeral X25519 keypair and starts a new
// transcript hash.
func NewContext() (*Context, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("handshake: generating ephemeral key: %w", err)
	}
	return &Context{
		ephPriv:    priv,
		ephPub:     priv.PublicKey().Bytes(),
		transcript: sha256.New(),
	}, nil
}

// EphemeralPublicKey returns this side's ephemeral X25519 public key bytes.
func (c *Context) EphemeralPublicKey() []byte { return c.ephPub }

// SetLongTermKey installs a long-term Ed25519 keypair used for SSH-style
// host or client authentication.
func (c *Context) SetLongTermKey(priv ed25519.PrivateKey, pub ed25519.PublicKey) {
	c.longTermPriv = priv
	c.longTermPub = pub
}

// LongTermPublicKey returns the configured long-term Ed25519 public key, or
// nil if none is configured.
func (c *Context) LongTermPublicKey() ed25519.PublicKey { return c.longTermPub }

// Sign signs msg with the configured long-term key. Returns an error if no
// long-term key is configured.
func (c *Context) Sign(msg []byte) ([]byte, error) {
	if c.longTermPriv == nil {
		return nil, fmt.Errorf("handshake: no long-term key configured")
	}
	return ed25519.Sign(c.longTermPriv, msg), nil
}

// FeedTranscript mixes arbitrary bytes into the running transcript hash.
// Call it, in order, for every message exchanged during the handshake.
func (c *Context) FeedTranscript(b []byte) {
	c.transcript.Write(b)
}

// TranscriptSum returns the current transcript hash without resetting it.
func (c *Context) TranscriptSum() []byte {
	return c.transcript.Sum(nil)
}

// DeriveSessionKeys computes the shared secret with peerEphPublic and
// derives independent send/recv AEAD keys from it, the transcript hash, and
// (if non-empty) a password-derived key, using HKDF-SHA256. isServer
// decides which derived key is used for sending vs receiving, so that the
// two sides land on complementary keys without exchanging a direction bit.
func (c *Context) DeriveSessionKeys(peerEphPublic []byte, passwordKey []byte, isServer bool) error {
	peerPub, err := ecdh.X25519().NewPublicKey(peerEphPublic)
	if err != nil {
		return fmt.Errorf("handshake: invalid peer ephemeral public key: %w", err)
	}
	shared, err := c.ephPriv.ECDH(peerPub)
	if err != nil {
		return fmt.Errorf("handshake: ECDH failed: %w", err)
	}

	salt := c.TranscriptSum()
	ikm := shared
	if len(passwordKey) > 0 {
		ikm = append(append([]byte{}, shared...), passwordKey...)
	}

	r := hkdf.New(sha256.New, ikm, salt, []byte("ascii-chat session keys"))
	var clientToServer, serverToClient [32]byte
	if _, err := io.ReadFull(r, clientToServer[:]); err != nil {
		return fmt.Errorf("handshake: deriving keys: %w", err)
	}
	if _, err := io.ReadFull(r, serverToClient[:]); err != nil {
		return fmt.Errorf("handshake: deriving keys: %w", err)
	}

	if isServer {
		c.sendKey = serverToClient
		c.recvKey = clientToServer
	} else {
		c.sendKey = clientToServer
		c.recvKey = serverToClient
	}
	return nil
}

// DerivePasswordKey runs PBKDF2-HMAC-SHA256 over password with a
// channel-binding salt (the pre-KEX transcript prefix), per spec.md §4.3's
// password mode.
func DerivePasswordKey(password string, salt []byte) []byte {
	if password == "" {
		return nil
	}
	return pbkdf2.Key([]byte(password), salt, 100_000, 32, sha256.New)
}

// ResetNonces zeroes the send/recv nonce counters, used when a rekey
// installs fresh keys (spec.md §4.3: "nonces restart at zero under the new
// key").
func (c *Context) ResetNonces() {
	c.sendNonce.Store(0)
	c.recvHighWater.Store(0)
}

// nonceFromCounter expands a monotonically increasing 64-bit counter into
// the 24-byte nonce XSalsa20-Poly1305 requires.
func nonceFromCounter(counter uint64) [24]byte {
	var n [24]byte
	n[0] = byte(counter >> 56)
	n[1] = byte(counter >> 48)
	n[2] = byte(counter >> 40)
	n[3] = byte(counter >> 32)
	n[4] = byte(counter >> 24)
	n[5] = byte(counter >> 16)
	n[6] = byte(counter >> 8)
	n[7] = byte(counter)
	return n
}

// Seal encrypts plaintext under the send key with the next nonce in
// sequence, returning the 24-byte nonce and the sealed ciphertext (which
// includes the 16-byte Poly1305 tag).
func (c *Context) Seal(plaintext []byte) (nonce [24]byte, sealed []byte) {
	counter := c.sendNonce.Add(1) - 1
	nonce = nonceFromCounter(counter)
	sealed = secretbox.Seal(nil, plaintext, &nonce, &c.sendKey)
	c.sentBytes.Add(uint64(len(plaintext)))
	c.sentPackets.Add(1)
	return nonce, sealed
}

// ErrNonceReuse is returned by Open when a received nonce is not strictly
// greater than the last accepted one.
var ErrNonceReuse = fmt.Errorf("handshake: nonce reuse detected")

// Open verifies and decrypts a sealed message received under the recv key.
// It rejects any nonce not strictly greater than the highest nonce accepted
// so far, per spec.md §8's monotonicity invariant. recvHighWater stores
// counter+1 so that the zero value cleanly means "nothing accepted yet".
func (c *Context) Open(nonce [24]byte, sealed []byte) ([]byte, error) {
	counter := counterFromNonce(nonce)
	for {
		hw := c.recvHighWater.Load()
		if counter+1 <= hw {
			return nil, ErrNonceReuse
		}
		if c.recvHighWater.CompareAndSwap(hw, counter+1) {
			break
		}
	}
	plaintext, ok := secretbox.Open(nil, sealed, &nonce, &c.recvKey)
	if !ok {
		return nil, fmt.Errorf("handshake: AEAD tag verification failed")
	}
	return plaintext, nil
}

func counterFromNonce(n [24]byte) uint64 {
	return uint64(n[0])<<56 | uint64(n[1])<<48 | uint64(n[2])<<40 | uint64(n[3])<<32 |
		uint64(n[4])<<24 | uint64(n[5])<<16 | uint64(n[6])<<8 | uint64(n[7])
}

// SentBytes and SentPackets report cumulative sealed traffic, used to
// decide when to trigger a rekey.
func (c *Context) SentBytes() uint64   { return c.sentBytes.Load() }
func (c *Context) SentPackets() uint64 { return c.sentPackets.Load() }

// ShouldRekey reports whether either threshold has been crossed.
func (c *Context) ShouldRekey() bool {
	return c.sentBytes.Load() >= RekeyByteThreshold || c.sentPackets.Load() >= RekeyPacketThreshold
}

// RekeyCount returns the number of rekeys this context has completed.
func (c *Context) RekeyCount() uint64 { return c.rekeyCount.Load() }

// BeginRekey generates a fresh ephemeral X25519 keypair for a rekey
// exchange and returns its public bytes to send to the peer. The old
// ephemeral key and derived AEAD keys remain active until CommitRekey.
func (c *Context) BeginRekey() ([]byte, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("handshake: generating rekey ephemeral key: %w", err)
	}
	c.pendingEphPriv = priv
	c.pendingEphPub = priv.PublicKey().Bytes()
	return c.pendingEphPub, nil
}

// DerivePendingKeys computes new send/recv AEAD keys from the rekey
// ephemeral exchange, without yet installing them (old keys still decrypt
// in-flight packets sent under them). The derivation salt mixes the
// existing transcript hash with the rekey counter so successive rekeys of
// the same session never reuse a salt.
func (c *Context) DerivePendingKeys(peerNewEphPublic []byte, isServer bool) error {
	peerPub, err := ecdh.X25519().NewPublicKey(peerNewEphPublic)
	if err != nil {
		return fmt.Errorf("handshake: invalid peer rekey ephemeral public key: %w", err)
	}
	shared, err := c.pendingEphPriv.ECDH(peerPub)
	if err != nil {
		return fmt.Errorf("handshake: rekey ECDH failed: %w", err)
	}

	saltHash := sha256.New()
	saltHash.Write(c.TranscriptSum())
	saltHash.Write(nonceFromCounter(c.rekeyCount.Load() + 1)[:])
	salt := saltHash.Sum(nil)

	r := hkdf.New(sha256.New, shared, salt, []byte("ascii-chat rekey session keys"))
	var clientToServer, serverToClient [32]byte
	if _, err := io.ReadFull(r, clientToServer[:]); err != nil {
		return fmt.Errorf("handshake: deriving rekey keys: %w", err)
	}
	if _, err := io.ReadFull(r, serverToClient[:]); err != nil {
		return fmt.Errorf("handshake: deriving rekey keys: %w", err)
	}

	if isServer {
		c.pendingSendKey = serverToClient
		c.pendingRecvKey = clientToServer
	} else {
		c.pendingSendKey = clientToServer
		c.pendingRecvKey = serverToClient
	}
	return nil
}

// CommitRekey installs the pending keys, zeroes the old ones, resets
// nonces and traffic counters, and increments the rekey count, per spec.md
// §4.3: "after RekeyComplete the old keys are zeroed. Nonces restart at
// zero under the new key."
func (c *Context) CommitRekey() {
	c.sendKey = c.pendingSendKey
	c.recvKey = c.pendingRecvKey
	c.ephPriv = c.pendingEphPriv
	c.ephPub = c.pendingEphPub

	c.pendingSendKey = [32]byte{}
	c.pendingRecvKey = [32]byte{}
	c.pendingEphPriv = nil
	c.pendingEphPub = nil

	c.ResetNonces()
	c.sentBytes.Store(0)
	c.sentPackets.Store(0)
	c.rekeyCount.Add(1)
}
