package handshake

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/zfogg/ascii-chat-sub007/internal/knownhosts"
	"github.com/zfogg/ascii-chat-sub007/internal/protoerr"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// HostVerifier abstracts known-hosts verification so the handshake package
// does not need to know about known-hosts file formats.
type HostVerifier interface {
	Verify(host, ip string, port int, fingerprint string) knownhosts.Outcome
}

// ClientOptions configures a client-side handshake run.
type ClientOptions struct {
	Hostname string
	IP       string
	Port     int

	Password string

	// AuthPriv/AuthPub, if set, are used to answer an AuthChallenge.
	AuthPriv ed25519.PrivateKey
	AuthPub  ed25519.PublicKey

	HostVerifier    HostVerifier
	ExpectedHostKey string // base64 fingerprint pinned by the caller; "" disables pinning

	Logger *slog.Logger
}

// ServerOptions configures a server-side handshake run.
type ServerOptions struct {
	HostPriv ed25519.PrivateKey
	HostPub  ed25519.PublicKey

	Password string

	RequireClientAuth bool
	// ClientKeyAllowlist maps base64-encoded Ed25519 public keys to
	// allowed. A nil map means "any signature that verifies is accepted".
	ClientKeyAllowlist map[string]bool

	Logger *slog.Logger
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// RunClient drives the client side of the handshake state machine
// described in spec.md §4.3, returning a ready-to-use Context.
func RunClient(pio PacketIO, opts ClientOptions) (*Context, error) {
	log := logger(opts.Logger).With("subsystem", "handshake", "role", "client")

	// Step 1: ProtocolVersion.
	local := ProtocolVersionMsg{ProtocolVersion: CurrentProtocolVersion, SupportsEncryption: true}
	if _, err := sendJSON(pio, wire.TypeProtocolVersion, local); err != nil {
		return nil, err
	}
	var remote ProtocolVersionMsg
	if _, err := recvJSON(pio, wire.TypeProtocolVersion, &remote, DefaultStepTimeout); err != nil {
		return nil, err
	}
	if remote.ProtocolVersion != CurrentProtocolVersion {
		return nil, protoerr.New(protoerr.KindProtocolViolation, "handshake.version",
			fmt.Errorf("version mismatch: local=%d remote=%d", CurrentProtocolVersion, remote.ProtocolVersion))
	}

	ctx, err := NewContext()
	if err != nil {
		return nil, protoerr.New(protoerr.KindInternal, "handshake.NewContext", err)
	}

	// Step 2: CryptoCapabilities / CryptoParameters.
	caps := CryptoCapabilitiesMsg{KEX: []string{"x25519"}, Auth: []string{"ed25519", "none"}, Cipher: []string{"xsalsa20poly1305"}}
	capsBytes, err := sendJSON(pio, wire.TypeCryptoCapabilities, caps)
	if err != nil {
		return nil, err
	}
	ctx.FeedTranscript(capsBytes)

	var params CryptoParametersMsg
	paramsBytes, err := recvJSON(pio, wire.TypeCryptoParameters, &params, DefaultStepTimeout)
	if err != nil {
		return nil, err
	}
	ctx.FeedTranscript(paramsBytes)
	if !contains(caps.KEX, params.KEX) || !contains(caps.Cipher, params.Cipher) {
		return nil, protoerr.New(protoerr.KindProtocolViolation, "handshake.parameters",
			fmt.Errorf("server selected unsupported algorithm kex=%s cipher=%s", params.KEX, params.Cipher))
	}

	passwordKey := DerivePasswordKey(opts.Password, ctx.TranscriptSum())

	// Step 3: KeyExchange. Server sends first (ephemeral + host key + sig),
	// client responds with its own ephemeral key.
	var serverKex KeyExchangeMsg
	serverKexBytes, err := recvJSON(pio, wire.TypeKeyExchange, &serverKex, DefaultStepTimeout)
	if err != nil {
		return nil, err
	}

	if len(serverKex.HostPublicKey) != ed25519.PublicKeySize {
		return nil, protoerr.New(protoerr.KindProtocolViolation, "handshake.kex", fmt.Errorf("bad host key length"))
	}
	hostPub := ed25519.PublicKey(serverKex.HostPublicKey)
	if !ed25519.Verify(hostPub, ctx.TranscriptSum(), serverKex.Signature) {
		// NOTE: the server signs the transcript before feeding its own
		// KeyExchange message (it could not sign a message containing its
		// own not-yet-computed signature), so verification must happen here,
		// before FeedTranscript below.
		return nil, protoerr.New(protoerr.KindProtocolViolation, "handshake.kex", fmt.Errorf("host key signature invalid"))
	}
	ctx.FeedTranscript(serverKexBytes)

	// Step 4: known-hosts verification.
	fp := knownhosts.Fingerprint(hostPub)
	if opts.ExpectedHostKey != "" {
		if subtle.ConstantTimeCompare([]byte(opts.ExpectedHostKey), []byte(fp)) != 1 {
			return nil, protoerr.New(protoerr.KindHostKeyMismatch, "handshake.hostkey", fmt.Errorf("pinned host key mismatch"))
		}
	} else if opts.HostVerifier != nil {
		switch opts.HostVerifier.Verify(opts.Hostname, opts.IP, opts.Port, fp) {
		case knownhosts.OutcomeMismatch:
			return nil, protoerr.New(protoerr.KindHostKeyMismatch, "handshake.hostkey", fmt.Errorf("host key changed for %s", opts.Hostname))
		case knownhosts.OutcomeMatch, knownhosts.OutcomeAbsent:
			log.Info("host key verified", "fingerprint", fp)
		}
	}

	local3 := KeyExchangeMsg{EphemeralPublicKey: ctx.EphemeralPublicKey()}
	local3Bytes, err := sendJSON(pio, wire.TypeKeyExchange, local3)
	if err != nil {
		return nil, err
	}
	ctx.FeedTranscript(local3Bytes)

	if err := ctx.DeriveSessionKeys(serverKex.EphemeralPublicKey, passwordKey, false); err != nil {
		return nil, protoerr.New(protoerr.KindProtocolViolation, "handshake.derive", err)
	}

	// Step 5: optional AuthChallenge/AuthResponse.
	typ, payload, err := pio.RecvRaw(deadlineNow())
	if err != nil {
		return nil, protoerr.New(protoerr.KindHandshakeTimeout, "handshake.auth_or_complete", err)
	}
	switch typ {
	case wire.TypeAuthChallenge:
		if err := handleAuthChallenge(pio, ctx, payload, opts.AuthPriv, opts.AuthPub); err != nil {
			return nil, err
		}
		if err := expectComplete(pio); err != nil {
			return nil, err
		}
	case wire.TypeHandshakeComplete:
		// no client auth required
	default:
		return nil, protoerr.New(protoerr.KindProtocolViolation, "handshake.auth_or_complete",
			fmt.Errorf("unexpected packet type %s", typ))
	}

	log.Info("handshake complete")
	return ctx, nil
}

func handleAuthChallenge(pio PacketIO, ctx *Context, payload []byte, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	var challenge AuthChallengeMsg
	if err := unmarshalInto(payload, &challenge); err != nil {
		return protoerr.New(protoerr.KindProtocolViolation, "handshake.auth", err)
	}
	if priv == nil {
		return protoerr.New(protoerr.KindAuthFailed, "handshake.auth", fmt.Errorf("server requires client auth but no key is configured"))
	}
	signed := append(append([]byte{}, ctx.TranscriptSum()...), challenge.Challenge[:]...)
	resp := AuthResponseMsg{PublicKey: pub, Signature: ed25519.Sign(priv, signed)}
	if _, err := sendJSON(pio, wire.TypeAuthResponse, resp); err != nil {
		return err
	}
	return nil
}

func expectComplete(pio PacketIO) error {
	typ, _, err := pio.RecvRaw(deadlineNow())
	if err != nil {
		return protoerr.New(protoerr.KindHandshakeTimeout, "handshake.complete", err)
	}
	if typ != wire.TypeHandshakeComplete {
		return protoerr.New(protoerr.KindAuthFailed, "handshake.complete", fmt.Errorf("auth rejected"))
	}
	return nil
}

// RunServer drives the server side of the handshake state machine.
func RunServer(pio PacketIO, opts ServerOptions) (*Context, error) {
	log := logger(opts.Logger).With("subsystem", "handshake", "role", "server")

	var remote ProtocolVersionMsg
	if _, err := recvJSON(pio, wire.TypeProtocolVersion, &remote, DefaultStepTimeout); err != nil {
		return nil, err
	}
	local := ProtocolVersionMsg{ProtocolVersion: CurrentProtocolVersion, SupportsEncryption: true}
	if _, err := sendJSON(pio, wire.TypeProtocolVersion, local); err != nil {
		return nil, err
	}
	if remote.ProtocolVersion != CurrentProtocolVersion {
		return nil, protoerr.New(protoerr.KindProtocolViolation, "handshake.version",
			fmt.Errorf("version mismatch: local=%d remote=%d", CurrentProtocolVersion, remote.ProtocolVersion))
	}

	ctx, err := NewContext()
	if err != nil {
		return nil, protoerr.New(protoerr.KindInternal, "handshake.NewContext", err)
	}
	ctx.SetLongTermKey(opts.HostPriv, opts.HostPub)

	var clientCaps CryptoCapabilitiesMsg
	capsBytes, err := recvJSON(pio, wire.TypeCryptoCapabilities, &clientCaps, DefaultStepTimeout)
	if err != nil {
		return nil, err
	}
	ctx.FeedTranscript(capsBytes)

	params := CryptoParametersMsg{
		KEX: "x25519", Cipher: "xsalsa20poly1305",
		PubKeySize: 32, SignatureSize: ed25519.SignatureSize,
		RequireAuth: opts.RequireClientAuth,
	}
	if contains(clientCaps.Auth, "ed25519") {
		params.Auth = "ed25519"
	} else {
		params.Auth = "none"
	}
	paramsBytes, err := sendJSON(pio, wire.TypeCryptoParameters, params)
	if err != nil {
		return nil, err
	}
	ctx.FeedTranscript(paramsBytes)

	passwordKey := DerivePasswordKey(opts.Password, ctx.TranscriptSum())

	localKex := KeyExchangeMsg{
		EphemeralPublicKey: ctx.EphemeralPublicKey(),
		HostPublicKey:      opts.HostPub,
	}
	localKex.Signature = ed25519.Sign(opts.HostPriv, ctx.TranscriptSum())
	localKexBytes, err := sendJSON(pio, wire.TypeKeyExchange, localKex)
	if err != nil {
		return nil, err
	}
	ctx.FeedTranscript(localKexBytes)

	var clientKex KeyExchangeMsg
	clientKexBytes, err := recvJSON(pio, wire.TypeKeyExchange, &clientKex, DefaultStepTimeout)
	if err != nil {
		return nil, err
	}
	ctx.FeedTranscript(clientKexBytes)

	if err := ctx.DeriveSessionKeys(clientKex.EphemeralPublicKey, passwordKey, true); err != nil {
		return nil, protoerr.New(protoerr.KindProtocolViolation, "handshake.derive", err)
	}

	if opts.RequireClientAuth && params.Auth == "ed25519" {
		var challenge AuthChallengeMsg
		if _, err := randRead(challenge.Challenge[:]); err != nil {
			return nil, protoerr.New(protoerr.KindInternal, "handshake.challenge", err)
		}
		if _, err := sendJSON(pio, wire.TypeAuthChallenge, challenge); err != nil {
			return nil, err
		}
		var resp AuthResponseMsg
		if _, err := recvJSON(pio, wire.TypeAuthResponse, &resp, DefaultStepTimeout); err != nil {
			return nil, err
		}
		signed := append(append([]byte{}, ctx.TranscriptSum()...), challenge.Challenge[:]...)
		if len(resp.PublicKey) != ed25519.PublicKeySize || !ed25519.Verify(resp.PublicKey, signed, resp.Signature) {
			return nil, protoerr.New(protoerr.KindAuthFailed, "handshake.auth", fmt.Errorf("signature verification failed"))
		}
		if opts.ClientKeyAllowlist != nil {
			if !opts.ClientKeyAllowlist[base64OfKey(resp.PublicKey)] {
				return nil, protoerr.New(protoerr.KindAuthFailed, "handshake.auth", fmt.Errorf("client key not in allowlist"))
			}
		}
	}

	if _, err := sendJSON(pio, wire.TypeHandshakeComplete, HandshakeCompleteMsg{}); err != nil {
		return nil, err
	}

	log.Info("handshake complete")
	return ctx, nil
}

// SecureIO is the subset of a session's transport a rekey exchange needs:
// send and receive one packet on the already-established AEAD channel.
// *transport.Transport satisfies this via its Send/Recv methods.
type SecureIO interface {
	Send(typ wire.Type, payload []byte) error
	Recv(deadline time.Time) (wire.Type, []byte, error)
}

// RekeyStepTimeout bounds each step of a rekey exchange.
const RekeyStepTimeout = 10 * time.Second

func sendSecureJSON(sio SecureIO, typ wire.Type, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return protoerr.New(protoerr.KindInternal, "handshake.rekey.send", err)
	}
	if err := sio.Send(typ, payload); err != nil {
		return protoerr.New(protoerr.KindConnectionLost, "handshake.rekey.send", err)
	}
	return nil
}

func recvSecureJSON(sio SecureIO, want wire.Type, v any, timeout time.Duration) error {
	typ, payload, err := sio.Recv(time.Now().Add(timeout))
	if err != nil {
		return protoerr.New(protoerr.KindHandshakeTimeout, "handshake.rekey.recv", err)
	}
	if typ != want {
		return protoerr.New(protoerr.KindProtocolViolation, "handshake.rekey.recv",
			fmt.Errorf("expected %s, got %s", want, typ))
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return protoerr.New(protoerr.KindProtocolViolation, "handshake.rekey.recv", err)
	}
	return nil
}

// RunRekeyInitiator drives the initiating side of a mid-session rekey
// (spec.md §4.3): announces the trigger reason, then performs the mutual
// ephemeral-key exchange shared with the responder. Call this once
// ctx.ShouldRekey() reports true.
func RunRekeyInitiator(sio SecureIO, ctx *Context, isServer bool, reason string) error {
	if err := sendSecureJSON(sio, wire.TypeRekeyRequest, RekeyRequestMsg{Reason: reason}); err != nil {
		return err
	}
	return rekeyExchangeKeys(sio, ctx, isServer)
}

// RunRekeyResponder drives the non-initiating side: it blocks until a
// RekeyRequest arrives, then performs the same mutual key exchange.
func RunRekeyResponder(sio SecureIO, ctx *Context, isServer bool) error {
	var req RekeyRequestMsg
	if err := recvSecureJSON(sio, wire.TypeRekeyRequest, &req, RekeyStepTimeout); err != nil {
		return err
	}
	return rekeyExchangeKeys(sio, ctx, isServer)
}

// rekeyExchangeKeys runs the symmetric half of the rekey both sides share
// once a RekeyRequest has been sent and received: each side generates a
// fresh ephemeral key, exchanges it via RekeyResponse, derives new AEAD
// keys (without yet installing them so in-flight packets under the old
// keys still decrypt), then exchanges RekeyComplete before committing.
func rekeyExchangeKeys(sio SecureIO, ctx *Context, isServer bool) error {
	newPub, err := ctx.BeginRekey()
	if err != nil {
		return protoerr.New(protoerr.KindInternal, "handshake.rekey", err)
	}
	if err := sendSecureJSON(sio, wire.TypeRekeyResponse, RekeyResponseMsg{EphemeralPublicKey: newPub}); err != nil {
		return err
	}

	var peer RekeyResponseMsg
	if err := recvSecureJSON(sio, wire.TypeRekeyResponse, &peer, RekeyStepTimeout); err != nil {
		return err
	}

	if err := ctx.DerivePendingKeys(peer.EphemeralPublicKey, isServer); err != nil {
		return protoerr.New(protoerr.KindProtocolViolation, "handshake.rekey", err)
	}

	if err := sendSecureJSON(sio, wire.TypeRekeyComplete, RekeyCompleteMsg{}); err != nil {
		return err
	}
	var done RekeyCompleteMsg
	if err := recvSecureJSON(sio, wire.TypeRekeyComplete, &done, RekeyStepTimeout); err != nil {
		return err
	}

	ctx.CommitRekey()
	return nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
