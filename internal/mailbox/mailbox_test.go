package mailbox

import (
	"testing"
	"time"

	"github.com/zfogg/ascii-chat-sub007/internal/frame"
)

func TestPutFrameLastWriterWins(t *testing.T) {
	m := New()
	if got := m.CurrentFrame(); got != nil {
		t.Fatalf("CurrentFrame on empty mailbox = %+v, want nil", got)
	}

	f1 := frame.New(2, 2, make([]byte, 12), time.Now())
	m.PutFrame(f1)
	f2 := frame.New(2, 2, make([]byte, 12), time.Now().Add(time.Millisecond))
	m.PutFrame(f2)

	got := m.CurrentFrame()
	if got != f2 {
		t.Fatalf("CurrentFrame = %p, want %p (most recent write)", got, f2)
	}
	got.Release()
}

func TestPushAudioDropsOldest(t *testing.T) {
	m := New()
	for i := 0; i < defaultAudioQueueCapacity+3; i++ {
		m.PushAudio(AudioChunk{Samples: []float32{float32(i)}})
	}
	if got := m.DroppedAudioChunks(); got != 3 {
		t.Fatalf("DroppedAudioChunks = %d, want 3", got)
	}
	drained := m.DrainAudio(defaultAudioQueueCapacity)
	if len(drained) != defaultAudioQueueCapacity {
		t.Fatalf("DrainAudio returned %d chunks, want %d", len(drained), defaultAudioQueueCapacity)
	}
	if drained[0].Samples[0] != 3 {
		t.Fatalf("oldest remaining chunk = %v, want sample value 3", drained[0].Samples)
	}
}

func TestDrainAudioPartial(t *testing.T) {
	m := New()
	m.PushAudio(AudioChunk{Samples: []float32{1}})
	m.PushAudio(AudioChunk{Samples: []float32{2}})
	drained := m.DrainAudio(10)
	if len(drained) != 2 {
		t.Fatalf("DrainAudio(10) returned %d, want 2", len(drained))
	}
}
