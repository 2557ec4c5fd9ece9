// Package mailbox implements the per-client mailbox and queues of
// spec.md §4.5: a last-writer-wins video slot and a bounded, drop-oldest
// audio FIFO, sized so readers never block writers and writers never block
// readers beyond a single atomic swap.
package mailbox

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zfogg/ascii-chat-sub007/internal/frame"
)

// AudioChunk is a fixed-rate 48 kHz mono float32 buffer, typically 960
// samples (20 ms), per spec.md §3.
type AudioChunk struct {
	Samples   []float32
	Timestamp time.Time
}

// defaultAudioQueueCapacity is sized from the per-chunk footprint for the ~200 ms budget
// in spec.md §4.5 (960 samples * 4 bytes ~= 3.75 kB; ~200ms of 20ms chunks
// is 10 chunks, well under the ~480 kB figure spec.md cites for a larger
// nominal chunk size).
const defaultAudioQueueCapacity = 10

// Mailbox holds the most recent video frame and a bounded audio queue for
// one remote source, plus activity clocks used by keepalive/timeout logic.
type Mailbox struct {
	videoSlot atomic.Pointer[frame.Frame]

	audioMu    sync.Mutex
	audioQueue []AudioChunk
	audioCap   int

	droppedAudioChunks atomic.Uint64
	droppedVideoFrames atomic.Uint64

	lastFrameTS atomic.Int64
	lastAudioTS atomic.Int64
	lastAnyTS   atomic.Int64
}

// New creates a Mailbox with the default audio queue capacity.
func New() *Mailbox {
	return &Mailbox{audioCap: defaultAudioQueueCapacity}
}

// PutFrame installs f as the current video frame, releasing the previous
// occupant (if any) once the atomic swap completes. O(1), lock-free.
func (m *Mailbox) PutFrame(f *frame.Frame) {
	prev := m.videoSlot.Swap(f)
	if prev != nil {
		prev.Release()
	}
	now := time.Now().UnixNano()
	m.lastFrameTS.Store(now)
	m.lastAnyTS.Store(now)
}

// CurrentFrame returns a retained snapshot of the current video frame, or
// nil if none has been written yet. Callers must Release the returned
// Frame once done with it.
func (m *Mailbox) CurrentFrame() *frame.Frame {
	f := m.videoSlot.Load()
	if f == nil {
		return nil
	}
	return f.Retain()
}

// PushAudio appends a chunk to the audio FIFO, dropping the oldest chunk and
// incrementing the dropped-chunk counter if the queue is full.
func (m *Mailbox) PushAudio(c AudioChunk) {
	m.audioMu.Lock()
	if len(m.audioQueue) >= m.audioCap {
		m.audioQueue = m.audioQueue[1:]
		m.droppedAudioChunks.Add(1)
	}
	m.audioQueue = append(m.audioQueue, c)
	m.audioMu.Unlock()

	now := time.Now().UnixNano()
	m.lastAudioTS.Store(now)
	m.lastAnyTS.Store(now)
}

// DrainAudio removes and returns up to max chunks from the front of the
// queue, oldest first.
func (m *Mailbox) DrainAudio(max int) []AudioChunk {
	m.audioMu.Lock()
	defer m.audioMu.Unlock()
	if max > len(m.audioQueue) {
		max = len(m.audioQueue)
	}
	out := make([]AudioChunk, max)
	copy(out, m.audioQueue[:max])
	m.audioQueue = m.audioQueue[max:]
	return out
}

// DroppedAudioChunks returns the cumulative oldest-drop counter (spec.md §8:
// "the oldest-drop counter increases iff a producer observed a full queue").
func (m *Mailbox) DroppedAudioChunks() uint64 { return m.droppedAudioChunks.Load() }

// DroppedVideoFrames returns the cumulative dropped-frame counter recorded
// by the render scheduler via RecordDroppedFrame.
func (m *Mailbox) DroppedVideoFrames() uint64 { return m.droppedVideoFrames.Load() }

// RecordDroppedFrame increments the dropped-frame counter. Called by a
// render scheduler when backpressure forces it to skip a tick.
func (m *Mailbox) RecordDroppedFrame() { m.droppedVideoFrames.Add(1) }

// LastFrameTime, LastAudioTime, and LastAnyTime report the activity clocks
// from spec.md §4.5, as time.Time zero if nothing has been written yet.
func (m *Mailbox) LastFrameTime() time.Time { return tsOrZero(m.lastFrameTS.Load()) }
func (m *Mailbox) LastAudioTime() time.Time { return tsOrZero(m.lastAudioTS.Load()) }
func (m *Mailbox) LastAnyTime() time.Time   { return tsOrZero(m.lastAnyTS.Load()) }

func tsOrZero(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
