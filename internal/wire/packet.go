// Package wire implements the length-framed packet codec described in
// spec.md §4.1 and §6: a fixed 20-byte big-endian header followed by a
// CRC32-checked payload.
package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Magic is the fixed 32-bit constant every packet header starts with.
const Magic uint32 = 0x41434853 // "ACHS"

// HeaderSize is the fixed on-wire size of a packet header in bytes.
const HeaderSize = 20

// MaxPayload is the implementation cap on payload length (16 MiB), per
// spec.md §4.1.
const MaxPayload = 16 << 20

// Type identifies the kind of packet carried in a payload.
type Type uint16

const (
	TypeProtocolVersion Type = iota + 1
	TypeCryptoCapabilities
	TypeCryptoParameters
	TypeKeyExchange
	TypeAuthChallenge
	TypeAuthResponse
	TypeHandshakeComplete
	TypeEncrypted
	TypePing
	TypePong
	TypeStreamStart
	TypeClientJoin
	TypeClientCapabilities
	TypeImageFrame
	TypeAsciiFrame
	TypeAudioOpusBatch
	TypeAudioPCMBatch // raw PCM audio upload from the client, see SPEC_FULL.md §5
	TypeServerState
	TypeRekeyRequest
	TypeRekeyResponse
	TypeRekeyComplete
	TypeClearConsole
	TypeErrorNotification
)

func (t Type) String() string {
	switch t {
	case TypeProtocolVersion:
		return "ProtocolVersion"
	case TypeCryptoCapabilities:
		return "CryptoCapabilities"
	case TypeCryptoParameters:
		return "CryptoParameters"
	case TypeKeyExchange:
		return "KeyExchange"
	case TypeAuthChallenge:
		return "AuthChallenge"
	case TypeAuthResponse:
		return "AuthResponse"
	case TypeHandshakeComplete:
		return "HandshakeComplete"
	case TypeEncrypted:
		return "Encrypted"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeStreamStart:
		return "StreamStart"
	case TypeClientJoin:
		return "ClientJoin"
	case TypeClientCapabilities:
		return "ClientCapabilities"
	case TypeImageFrame:
		return "ImageFrame"
	case TypeAsciiFrame:
		return "AsciiFrame"
	case TypeAudioOpusBatch:
		return "AudioOpusBatch"
	case TypeAudioPCMBatch:
		return "AudioPCMBatch"
	case TypeServerState:
		return "ServerState"
	case TypeRekeyRequest:
		return "RekeyRequest"
	case TypeRekeyResponse:
		return "RekeyResponse"
	case TypeRekeyComplete:
		return "RekeyComplete"
	case TypeClearConsole:
		return "ClearConsole"
	case TypeErrorNotification:
		return "ErrorNotification"
	default:
		return fmt.Sprintf("Type(%d)", uint16(t))
	}
}

// Flags are bit flags carried in the header, orthogonal to Type.
type Flags uint16

const (
	FlagCompressed Flags = 1 << iota
)

// Header is the fixed 20-byte packet header, bit-exact with spec.md §6.
type Header struct {
	Type     Type
	Flags    Flags
	Length   uint32 // payload length only
	CRC32    uint32 // IEEE-802.3 CRC over the payload
	ClientID uint32
}

// ErrBadMagic is returned when the leading magic constant does not match.
var ErrBadMagic = fmt.Errorf("wire: bad magic")

// ErrBadCRC is returned when the payload fails its CRC check.
var ErrBadCRC = fmt.Errorf("wire: crc mismatch")

// ErrPayloadTooLarge is returned when a header's length exceeds MaxPayload.
var ErrPayloadTooLarge = fmt.Errorf("wire: payload exceeds %d byte cap", MaxPayload)

// encodeHeaderInto writes the 20-byte header, leading magic included, into
// dst, which must be at least HeaderSize bytes.
func encodeHeaderInto(dst []byte, h Header) {
	binary.BigEndian.PutUint32(dst[0:4], Magic)
	binary.BigEndian.PutUint16(dst[4:6], uint16(h.Type))
	binary.BigEndian.PutUint16(dst[6:8], uint16(h.Flags))
	binary.BigEndian.PutUint32(dst[8:12], h.Length)
	binary.BigEndian.PutUint32(dst[12:16], h.CRC32)
	binary.BigEndian.PutUint32(dst[16:20], h.ClientID)
}

// decodeHeaderFrom parses a HeaderSize-byte buffer into a Header and also
// returns the magic it read. It does not validate the magic or length cap;
// callers should use ParseHeader for that.
func decodeHeaderFrom(src []byte) (Header, uint32) {
	magic := binary.BigEndian.Uint32(src[0:4])
	h := Header{
		Type:     Type(binary.BigEndian.Uint16(src[4:6])),
		Flags:    Flags(binary.BigEndian.Uint16(src[6:8])),
		Length:   binary.BigEndian.Uint32(src[8:12]),
		CRC32:    binary.BigEndian.Uint32(src[12:16]),
		ClientID: binary.BigEndian.Uint32(src[16:20]),
	}
	return h, magic
}

// ParseHeader decodes and validates a HeaderSize-byte buffer read from the
// wire.
func ParseHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header (%d bytes)", len(src))
	}
	h, magic := decodeHeaderFrom(src)
	if magic != Magic {
		return Header{}, ErrBadMagic
	}
	if h.Length > MaxPayload {
		return Header{}, ErrPayloadTooLarge
	}
	return h, nil
}

// Encode serializes a full packet (header + payload) into a single buffer.
func Encode(typ Type, clientID uint32, flags Flags, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(payload))
	h := Header{
		Type:     typ,
		Flags:    flags,
		Length:   uint32(len(payload)),
		CRC32:    crc32.ChecksumIEEE(payload),
		ClientID: clientID,
	}
	encodeHeaderInto(buf[:HeaderSize], h)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// VerifyPayload checks that payload's CRC32 matches the header's recorded
// checksum.
func VerifyPayload(h Header, payload []byte) error {
	if crc32.ChecksumIEEE(payload) != h.CRC32 {
		return ErrBadCRC
	}
	return nil
}
