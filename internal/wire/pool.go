package wire

import "sync"

// bufferPool recycles payload byte slices to avoid per-packet allocation
// churn on the hot path (every ImageFrame/AsciiFrame/AudioOpusBatch).
// Buffers are returned to the pool on Put; callers must not retain a slice
// after returning it.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 64<<10)
		return &b
	},
}

// GetBuffer returns a pooled byte slice with at least the requested
// capacity and zero length.
func GetBuffer(capacity int) []byte {
	bp := bufferPool.Get().(*[]byte)
	b := *bp
	if cap(b) < capacity {
		b = make([]byte, 0, capacity)
	}
	return b[:0]
}

// PutBuffer returns b to the pool. b must not be used after this call.
func PutBuffer(b []byte) {
	if cap(b) == 0 {
		return
	}
	b = b[:0]
	bufferPool.Put(&b)
}
