// Package frame implements the reference-counted RGB video buffer described
// in spec.md §3 and §5: multiple render threads may snapshot the same frame
// without copying, and the last writer into a mailbox slot frees the
// previous occupant once its refcount reaches zero.
package frame

import (
	"sync/atomic"
	"time"
)

// Frame is a width × height × 24-bit RGB buffer with a monotonic capture
// timestamp. Once constructed, its pixel data is never mutated — composing
// a new canvas always allocates a new Frame.
type Frame struct {
	Width, Height int
	// RGB is packed row-major, 3 bytes per pixel, no padding: len(RGB) ==
	// Width*Height*3.
	RGB []byte
	// CapturedAt is the monotonic capture timestamp used by mailboxes to
	// decide last-writer-wins ordering.
	CapturedAt time.Time

	refs atomic.Int32
}

// New allocates a Frame, owning rgb (callers must not mutate it afterward).
// The initial reference count is 1; callers should Release it once they are
// done, after any Retain calls by other holders.
func New(width, height int, rgb []byte, capturedAt time.Time) *Frame {
	f := &Frame{Width: width, Height: height, RGB: rgb, CapturedAt: capturedAt}
	f.refs.Store(1)
	return f
}

// Retain increments the reference count and returns f, so callers can write
//
//	snapshot := f.Retain()
func (f *Frame) Retain() *Frame {
	f.refs.Add(1)
	return f
}

// Release decrements the reference count. When it reaches zero the Frame's
// backing buffer is eligible for garbage collection; Release does not zero
// or reuse the buffer itself, unlike the packet buffer pool in internal/wire,
// since frame sizes vary per participant and pooling would fragment.
func (f *Frame) Release() {
	if f.refs.Add(-1) < 0 {
		panic("frame: Release called more times than Retain")
	}
}

// At returns the RGB triple at (x, y). Callers must ensure x < Width and
// y < Height.
func (f *Frame) At(x, y int) (r, g, b byte) {
	i := (y*f.Width + x) * 3
	return f.RGB[i], f.RGB[i+1], f.RGB[i+2]
}

// Empty reports whether the frame has zero area, the legal "zero-area
// canvas" edge case from spec.md §4.8.
func (f *Frame) Empty() bool {
	return f.Width == 0 || f.Height == 0
}
