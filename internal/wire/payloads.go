package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ColorLevel is the client's declared color capability.
type ColorLevel uint32

const (
	ColorNone ColorLevel = iota
	Color16
	Color256
	ColorTruecolor
)

// RenderMode selects how a cell's color is applied.
type RenderMode uint32

const (
	RenderForeground RenderMode = iota
	RenderBackground
	RenderHalfBlock
)

// PaletteType selects between a preset glyph ramp and a custom one.
type PaletteType uint32

const (
	PalettePresetStandard PaletteType = iota
	PalettePresetBlocks
	PaletteCustom
)

// Capability bit flags, per spec.md §3.
const (
	CapVideo uint32 = 1 << iota
	CapAudio
	CapColor
	CapStretchToFit
)

const (
	termTypeLen      = 32
	colortermLen     = 32
	paletteCustomLen = 256
	displayNameLen   = 32
)

// ClientCapabilities is the ClientCapabilities payload, bit-exact with
// spec.md §6.
type ClientCapabilities struct {
	Capabilities      uint32
	ColorLevel        ColorLevel
	ColorCount        uint32
	RenderMode        RenderMode
	Width             uint16
	Height            uint16
	PaletteType       PaletteType
	UTF8Support       bool
	DesiredFPS        uint8
	TermType          string
	ColorTerm         string
	PaletteCustom     string
	WantsPadding      bool
	DetectionReliable bool
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func fixedString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		return string(src[:i])
	}
	return string(src)
}

// Marshal encodes c into the ClientCapabilities wire format.
func (c ClientCapabilities) Marshal() []byte {
	buf := make([]byte, 4+4+4+4+2+2+4+4+1+termTypeLen+colortermLen+paletteCustomLen+1+1)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], c.Capabilities)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(c.ColorLevel))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], c.ColorCount)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(c.RenderMode))
	off += 4
	binary.BigEndian.PutUint16(buf[off:], c.Width)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], c.Height)
	off += 2
	binary.BigEndian.PutUint32(buf[off:], uint32(c.PaletteType))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], boolToU32(c.UTF8Support))
	off += 4
	buf[off] = c.DesiredFPS
	off++
	putFixedString(buf[off:off+termTypeLen], c.TermType)
	off += termTypeLen
	putFixedString(buf[off:off+colortermLen], c.ColorTerm)
	off += colortermLen
	putFixedString(buf[off:off+paletteCustomLen], c.PaletteCustom)
	off += paletteCustomLen
	buf[off] = boolToU8(c.WantsPadding)
	off++
	buf[off] = boolToU8(c.DetectionReliable)
	return buf
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// UnmarshalClientCapabilities decodes a ClientCapabilities payload.
func UnmarshalClientCapabilities(buf []byte) (ClientCapabilities, error) {
	const want = 4 + 4 + 4 + 4 + 2 + 2 + 4 + 4 + 1 + termTypeLen + colortermLen + paletteCustomLen + 1 + 1
	if len(buf) < want {
		return ClientCapabilities{}, fmt.Errorf("wire: short ClientCapabilities payload (%d of %d bytes)", len(buf), want)
	}
	var c ClientCapabilities
	off := 0
	c.Capabilities = binary.BigEndian.Uint32(buf[off:])
	off += 4
	c.ColorLevel = ColorLevel(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	c.ColorCount = binary.BigEndian.Uint32(buf[off:])
	off += 4
	c.RenderMode = RenderMode(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	c.Width = binary.BigEndian.Uint16(buf[off:])
	off += 2
	c.Height = binary.BigEndian.Uint16(buf[off:])
	off += 2
	c.PaletteType = PaletteType(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	c.UTF8Support = binary.BigEndian.Uint32(buf[off:]) != 0
	off += 4
	c.DesiredFPS = buf[off]
	off++
	c.TermType = fixedString(buf[off : off+termTypeLen])
	off += termTypeLen
	c.ColorTerm = fixedString(buf[off : off+colortermLen])
	off += colortermLen
	c.PaletteCustom = fixedString(buf[off : off+paletteCustomLen])
	off += paletteCustomLen
	c.WantsPadding = buf[off] != 0
	off++
	c.DetectionReliable = buf[off] != 0
	return c, nil
}

// AsciiFrameFlags are bit flags for the AsciiFrame payload header.
const (
	AsciiFrameCompressed uint32 = 1 << iota
)

// AsciiFrameHeader is the fixed-size prefix of an AsciiFrame payload.
type AsciiFrameHeader struct {
	Width          uint32
	Height         uint32
	OriginalSize   uint32
	CompressedSize uint32
	Checksum       uint32
	Flags          uint32
}

const asciiFrameHeaderSize = 4 * 6

// MarshalAsciiFrame encodes an AsciiFrame payload from a header and body
// bytes (raw UTF-8 or zlib-compressed, per Flags).
func MarshalAsciiFrame(h AsciiFrameHeader, body []byte) []byte {
	buf := make([]byte, asciiFrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], h.Width)
	binary.BigEndian.PutUint32(buf[4:8], h.Height)
	binary.BigEndian.PutUint32(buf[8:12], h.OriginalSize)
	binary.BigEndian.PutUint32(buf[12:16], h.CompressedSize)
	binary.BigEndian.PutUint32(buf[16:20], h.Checksum)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	copy(buf[asciiFrameHeaderSize:], body)
	return buf
}

// UnmarshalAsciiFrame splits an AsciiFrame payload into its header and body.
func UnmarshalAsciiFrame(buf []byte) (AsciiFrameHeader, []byte, error) {
	if len(buf) < asciiFrameHeaderSize {
		return AsciiFrameHeader{}, nil, fmt.Errorf("wire: short AsciiFrame payload")
	}
	h := AsciiFrameHeader{
		Width:          binary.BigEndian.Uint32(buf[0:4]),
		Height:         binary.BigEndian.Uint32(buf[4:8]),
		OriginalSize:   binary.BigEndian.Uint32(buf[8:12]),
		CompressedSize: binary.BigEndian.Uint32(buf[12:16]),
		Checksum:       binary.BigEndian.Uint32(buf[16:20]),
		Flags:          binary.BigEndian.Uint32(buf[20:24]),
	}
	return h, buf[asciiFrameHeaderSize:], nil
}

// AudioOpusBatch is the AudioOpusBatch payload: a table of per-frame sizes
// followed by the concatenated Opus bytes.
type AudioOpusBatch struct {
	SampleRate      uint32
	FrameDurationMs uint32
	FrameSizes      []uint16
	OpusData        []byte
}

const audioOpusBatchHeaderSize = 4 + 4 + 8 + 4 // sample_rate, frame_duration_ms, reserved, frame_count

// Marshal encodes b into the AudioOpusBatch wire format.
func (b AudioOpusBatch) Marshal() []byte {
	size := audioOpusBatchHeaderSize + 2*len(b.FrameSizes) + len(b.OpusData)
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], b.SampleRate)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], b.FrameDurationMs)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], 0) // reserved
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(b.FrameSizes)))
	off += 4
	for _, sz := range b.FrameSizes {
		binary.BigEndian.PutUint16(buf[off:], sz)
		off += 2
	}
	copy(buf[off:], b.OpusData)
	return buf
}

// UnmarshalAudioOpusBatch decodes an AudioOpusBatch payload.
func UnmarshalAudioOpusBatch(buf []byte) (AudioOpusBatch, error) {
	if len(buf) < audioOpusBatchHeaderSize {
		return AudioOpusBatch{}, fmt.Errorf("wire: short AudioOpusBatch payload")
	}
	var b AudioOpusBatch
	off := 0
	b.SampleRate = binary.BigEndian.Uint32(buf[off:])
	off += 4
	b.FrameDurationMs = binary.BigEndian.Uint32(buf[off:])
	off += 4
	off += 8 // reserved
	count := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if len(buf) < off+2*int(count) {
		return AudioOpusBatch{}, fmt.Errorf("wire: truncated AudioOpusBatch frame table")
	}
	b.FrameSizes = make([]uint16, count)
	for i := range b.FrameSizes {
		b.FrameSizes[i] = binary.BigEndian.Uint16(buf[off:])
		off += 2
	}
	b.OpusData = buf[off:]
	return b, nil
}

// AudioPCMBatch is the raw-PCM batch the client uploads (SPEC_FULL.md §5): a
// single float32 mono buffer at a fixed sample rate, with no frame table.
type AudioPCMBatch struct {
	SampleRate uint32
	Samples    []float32
}

// Marshal encodes b into the AudioPCMBatch wire format.
func (b AudioPCMBatch) Marshal() []byte {
	buf := make([]byte, 4+4*len(b.Samples))
	binary.BigEndian.PutUint32(buf[0:4], b.SampleRate)
	off := 4
	for _, s := range b.Samples {
		binary.BigEndian.PutUint32(buf[off:], math.Float32bits(s))
		off += 4
	}
	return buf
}

// UnmarshalAudioPCMBatch decodes an AudioPCMBatch payload.
func UnmarshalAudioPCMBatch(buf []byte) (AudioPCMBatch, error) {
	if len(buf) < 4 {
		return AudioPCMBatch{}, fmt.Errorf("wire: short AudioPCMBatch payload")
	}
	var b AudioPCMBatch
	b.SampleRate = binary.BigEndian.Uint32(buf[0:4])
	n := (len(buf) - 4) / 4
	b.Samples = make([]float32, n)
	off := 4
	for i := 0; i < n; i++ {
		b.Samples[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[off:]))
		off += 4
	}
	return b, nil
}

// ImageFrame is the ImageFrame payload (client → server), carrying either
// raw RGB bytes or a zstd/zlib-compressed stream.
type ImageFrame struct {
	Width          uint32
	Height         uint32
	CompressedFlag uint32 // 0 = raw, 1 = zlib, 2 = zstd
	Data           []byte
}

const (
	ImageRaw uint32 = iota
	ImageZlib
	ImageZstd
)

// Marshal encodes f into the ImageFrame wire format.
func (f ImageFrame) Marshal() []byte {
	buf := make([]byte, 4+4+4+4+len(f.Data))
	binary.BigEndian.PutUint32(buf[0:4], f.Width)
	binary.BigEndian.PutUint32(buf[4:8], f.Height)
	binary.BigEndian.PutUint32(buf[8:12], f.CompressedFlag)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(f.Data)))
	copy(buf[16:], f.Data)
	return buf
}

// UnmarshalImageFrame decodes an ImageFrame payload.
func UnmarshalImageFrame(buf []byte) (ImageFrame, error) {
	if len(buf) < 16 {
		return ImageFrame{}, fmt.Errorf("wire: short ImageFrame payload")
	}
	f := ImageFrame{
		Width:          binary.BigEndian.Uint32(buf[0:4]),
		Height:         binary.BigEndian.Uint32(buf[4:8]),
		CompressedFlag: binary.BigEndian.Uint32(buf[8:12]),
	}
	size := binary.BigEndian.Uint32(buf[12:16])
	if len(buf) < 16+int(size) {
		return ImageFrame{}, fmt.Errorf("wire: truncated ImageFrame data")
	}
	f.Data = buf[16 : 16+int(size)]
	return f, nil
}

// ServerState is the ServerState payload broadcast on admission/eviction.
type ServerState struct {
	ActiveParticipants uint32
	MaxClients         uint32
	Draining           bool
}

// Marshal encodes s into the ServerState wire format.
func (s ServerState) Marshal() []byte {
	buf := make([]byte, 4+4+1)
	binary.BigEndian.PutUint32(buf[0:4], s.ActiveParticipants)
	binary.BigEndian.PutUint32(buf[4:8], s.MaxClients)
	buf[8] = boolToU8(s.Draining)
	return buf
}

// UnmarshalServerState decodes a ServerState payload.
func UnmarshalServerState(buf []byte) (ServerState, error) {
	if len(buf) < 9 {
		return ServerState{}, fmt.Errorf("wire: short ServerState payload")
	}
	return ServerState{
		ActiveParticipants: binary.BigEndian.Uint32(buf[0:4]),
		MaxClients:         binary.BigEndian.Uint32(buf[4:8]),
		Draining:           buf[8] != 0,
	}, nil
}

// ErrorNotification is sent to a client whose handshake or admission was
// rejected, per spec.md §4.4's "a typed error before close": Kind mirrors
// internal/protoerr.Kind so the client can distinguish e.g. Capacity from a
// generic connection drop without parsing the message text.
type ErrorNotification struct {
	Kind    uint32
	Message string
}

// Marshal encodes e into the ErrorNotification wire format.
func (e ErrorNotification) Marshal() []byte {
	msg := []byte(e.Message)
	buf := make([]byte, 4+4+len(msg))
	binary.BigEndian.PutUint32(buf[0:4], e.Kind)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(msg)))
	copy(buf[8:], msg)
	return buf
}

// UnmarshalErrorNotification decodes an ErrorNotification payload.
func UnmarshalErrorNotification(buf []byte) (ErrorNotification, error) {
	if len(buf) < 8 {
		return ErrorNotification{}, fmt.Errorf("wire: short ErrorNotification payload")
	}
	size := binary.BigEndian.Uint32(buf[4:8])
	if len(buf) < 8+int(size) {
		return ErrorNotification{}, fmt.Errorf("wire: truncated ErrorNotification message")
	}
	return ErrorNotification{
		Kind:    binary.BigEndian.Uint32(buf[0:4]),
		Message: string(buf[8 : 8+size]),
	}, nil
}

// ClientJoin is the ClientJoin payload: a display name presented to peers.
type ClientJoin struct {
	DisplayName string
}

// Marshal encodes j into the ClientJoin wire format (fixed 32-byte name).
func (j ClientJoin) Marshal() []byte {
	buf := make([]byte, displayNameLen)
	putFixedString(buf, j.DisplayName)
	return buf
}

// UnmarshalClientJoin decodes a ClientJoin payload.
func UnmarshalClientJoin(buf []byte) (ClientJoin, error) {
	if len(buf) < displayNameLen {
		return ClientJoin{}, fmt.Errorf("wire: short ClientJoin payload")
	}
	return ClientJoin{DisplayName: fixedString(buf[:displayNameLen])}, nil
}
