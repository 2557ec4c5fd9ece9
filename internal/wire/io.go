package wire

import (
	"fmt"
	"io"
)

// ReadPacket reads exactly one framed packet from r: a HeaderSize-byte
// header followed by Header.Length payload bytes. The returned payload is
// drawn from the buffer pool; callers should call PutBuffer(payload) once
// done with it, unless it is handed off to a longer-lived owner (e.g. a
// mailbox slot).
func ReadPacket(r io.Reader) (Header, []byte, error) {
	var hdrBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return Header{}, nil, fmt.Errorf("wire: reading header: %w", err)
	}
	h, err := ParseHeader(hdrBuf[:])
	if err != nil {
		return Header{}, nil, err
	}
	payload := GetBuffer(int(h.Length))[:h.Length]
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Header{}, nil, fmt.Errorf("wire: reading payload: %w", err)
		}
	}
	if err := VerifyPayload(h, payload); err != nil {
		return Header{}, nil, err
	}
	return h, payload, nil
}

// WritePacket encodes and writes one framed packet to w in a single Write
// call, so that concurrent writers serialized by an external lock never
// interleave a partial frame.
func WritePacket(w io.Writer, typ Type, clientID uint32, flags Flags, payload []byte) error {
	buf, err := Encode(typ, clientID, flags, payload)
	if err != nil {
		return err
	}
	n, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("wire: writing packet: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("wire: short write (%d of %d bytes)", n, len(buf))
	}
	return nil
}
