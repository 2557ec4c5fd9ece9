package audio

import (
	"math"
	"testing"

	"github.com/zfogg/ascii-chat-sub007/internal/mailbox"
)

func TestSoftClipBelowKneeUnchanged(t *testing.T) {
	for _, x := range []float32{0, 0.1, 0.5, clipKnee} {
		if got := softClip(x); math.Abs(float64(got-x)) > 1e-6 {
			t.Errorf("softClip(%v) = %v, want %v (below knee)", x, got, x)
		}
	}
}

func TestSoftClipAboveKneeCompressed(t *testing.T) {
	got := softClip(1.5)
	if got <= clipKnee || got >= 1.0 {
		t.Errorf("softClip(1.5) = %v, want value in (knee, 1.0)", got)
	}
}

func TestSoftClipPreservesSign(t *testing.T) {
	pos := softClip(1.2)
	neg := softClip(-1.2)
	if math.Abs(float64(pos+neg)) > 1e-6 {
		t.Errorf("softClip not odd-symmetric: softClip(1.2)=%v softClip(-1.2)=%v", pos, neg)
	}
}

func TestRMSSilence(t *testing.T) {
	if got := rms(make([]float32, 100)); got != 0 {
		t.Errorf("rms of silence = %v, want 0", got)
	}
}

func TestSumExcludingMixesAllSources(t *testing.T) {
	a := mailbox.New()
	a.PushAudio(mailbox.AudioChunk{Samples: fill(ChunkSize, 0.1)})
	b := mailbox.New()
	b.PushAudio(mailbox.AudioChunk{Samples: fill(ChunkSize, 0.2)})

	mixed := sumExcluding([]*mailbox.Mailbox{a, b})
	if math.Abs(float64(mixed[0]-0.3)) > 1e-6 {
		t.Errorf("mixed[0] = %v, want ~0.3", mixed[0])
	}
}

func fill(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}
