package handshake

// Handshake messages are marshaled as JSON over the corresponding
// wire.Type packet, the way the pack's e2ee handshake example encodes its
// Init/Resp/Ack frames — the handshake only runs a handful of times per
// session, so the engineering budget goes toward readability, not a custom
// binary format.

// ProtocolVersionMsg is exchanged first by both sides.
type ProtocolVersionMsg struct {
	ProtocolVersion    uint8  `json:"protocol_version"`
	Revision           uint8  `json:"revision"`
	SupportsEncryption bool   `json:"supports_encryption"`
	FeatureFlags       uint32 `json:"feature_flags"`
}

// CurrentProtocolVersion is the major version this implementation speaks.
const CurrentProtocolVersion uint8 = 1

// CryptoCapabilitiesMsg announces supported algorithms.
type CryptoCapabilitiesMsg struct {
	KEX    []string `json:"kex"`    // e.g. ["x25519"]
	Auth   []string `json:"auth"`   // e.g. ["ed25519", "none"]
	Cipher []string `json:"cipher"` // e.g. ["xsalsa20poly1305"]
}

// CryptoParametersMsg is the server's selection from the intersection of
// both sides' capabilities.
type CryptoParametersMsg struct {
	KEX           string `json:"kex"`
	Auth          string `json:"auth"`
	Cipher        string `json:"cipher"`
	PubKeySize    int    `json:"pub_key_size"`
	SignatureSize int    `json:"signature_size"`
	RequireAuth   bool   `json:"require_auth"`
}

// KeyExchangeMsg carries one side's ephemeral public key and, for the
// server, its long-term host key and a transcript signature.
type KeyExchangeMsg struct {
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
	HostPublicKey      []byte `json:"host_public_key,omitempty"`
	Signature          []byte `json:"signature,omitempty"`
}

// AuthChallengeMsg carries a random challenge the client must sign.
type AuthChallengeMsg struct {
	Challenge [32]byte `json:"challenge"`
}

// AuthResponseMsg carries the client's signature over transcript||challenge
// plus its long-term public key.
type AuthResponseMsg struct {
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// HandshakeCompleteMsg has no payload fields; its arrival is the signal.
type HandshakeCompleteMsg struct{}

// RekeyRequestMsg is sent by a side that has crossed a byte/packet
// threshold.
type RekeyRequestMsg struct {
	Reason string `json:"reason"` // "bytes" or "packets"
}

// RekeyResponseMsg carries the peer's fresh ephemeral public key.
type RekeyResponseMsg struct {
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
}

// RekeyCompleteMsg signals the old keys may be zeroed.
type RekeyCompleteMsg struct{}
