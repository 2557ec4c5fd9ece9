// Package audio implements the per-participant audio mixer of spec.md §4.7:
// sum-and-clip float PCM across remotes excluding self, a hysteretic noise
// gate, and Opus re-encoding into a single AudioOpusBatch per tick.
package audio

import (
	"math"

	"github.com/hraban/opus"

	"github.com/zfogg/ascii-chat-sub007/internal/mailbox"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

const (
	// SampleRate is the fixed mixer rate, per spec.md §3.
	SampleRate = 48000
	// FrameDurationMs is the Opus frame size the mixer encodes at.
	FrameDurationMs = 20
	// ChunkSize is FrameDurationMs worth of samples at SampleRate.
	ChunkSize = SampleRate * FrameDurationMs / 1000 // 960

	minBitrate = 16000
	maxBitrate = 48000

	// clipKnee is where the soft limiter starts compressing, per spec.md
	// §4.7's "knee at ±0.95".
	clipKnee = 0.95

	// noiseGateOpenRMS/noiseGateCloseRMS give the gate hysteresis spec.md
	// §4.7 asks for, so rapid RMS fluctuation near the threshold doesn't
	// chatter the gate open/closed every tick.
	noiseGateOpenRMS  = 0.02
	noiseGateCloseRMS = 0.01
	// gateHoldFrames is how many consecutive silent frames are required
	// before the mixer suppresses output entirely.
	gateHoldFrames = 3
)

// Mixer mixes and Opus-encodes audio for one destination participant. It is
// stateful (the Opus encoder carries prediction state across frames) and
// must not be shared across participants or goroutines.
type Mixer struct {
	enc *opus.Encoder

	gateOpen      bool
	silentStreak  int
	encodeBuf     []byte
}

// New constructs a Mixer with a fresh, stateful Opus encoder tuned for
// voice at a variable 16-48 kbps, per spec.md §4.7.
func New() (*Mixer, error) {
	enc, err := opus.NewEncoder(SampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	if err := enc.SetBitrate(maxBitrate); err != nil {
		return nil, err
	}
	return &Mixer{
		enc:       enc,
		gateOpen:  true,
		encodeBuf: make([]byte, 4000), // generous upper bound for one 20ms Opus frame
	}, nil
}

// softClip applies a tanh-shaped limiter above clipKnee, leaving samples
// below the knee untouched so quiet mixes are not colored by the limiter.
func softClip(x float32) float32 {
	sign := float32(1)
	if x < 0 {
		sign = -1
		x = -x
	}
	if x <= clipKnee {
		return sign * x
	}
	// Compress the region [knee, +inf) into [knee, 1) with a tanh curve
	// that is C0-continuous with the identity at the knee.
	over := x - clipKnee
	compressed := clipKnee + (1-clipKnee)*float32(math.Tanh(float64(over/(1-clipKnee))))
	if compressed >= 1 {
		// float32 rounding reaches 1.0 for large inputs; stay below it.
		compressed = math.Nextafter32(1, 0)
	}
	return sign * compressed
}

func rms(buf []float32) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum float64
	for _, s := range buf {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(buf)))
}

// sumExcluding drains one chunk's worth of samples from every mailbox in
// sources, summing them into a fresh accumulator. Sources with fewer than
// ChunkSize samples available contribute silence for the remainder.
func sumExcluding(sources []*mailbox.Mailbox) []float32 {
	acc := make([]float32, ChunkSize)
	for _, src := range sources {
		chunks := src.DrainAudio(1)
		for _, c := range chunks {
			n := len(c.Samples)
			if n > ChunkSize {
				n = ChunkSize
			}
			for i := 0; i < n; i++ {
				acc[i] += c.Samples[i]
			}
		}
	}
	return acc
}

// Tick mixes one chunk from every source (which must already exclude the
// destination participant), applies the soft limiter and noise gate, and
// Opus-encodes the result. It returns (nil, false) when the noise gate
// suppresses output for this tick, per spec.md §4.7.
func (m *Mixer) Tick(sources []*mailbox.Mailbox) (*wire.AudioOpusBatch, bool, error) {
	mixed := sumExcluding(sources)

	level := rms(mixed)
	switch {
	case m.gateOpen && level < noiseGateCloseRMS:
		m.silentStreak++
		if m.silentStreak >= gateHoldFrames {
			m.gateOpen = false
		}
	case !m.gateOpen && level >= noiseGateOpenRMS:
		m.gateOpen = true
		m.silentStreak = 0
	default:
		if level >= noiseGateCloseRMS {
			m.silentStreak = 0
		}
	}
	if !m.gateOpen {
		return nil, false, nil
	}

	for i, s := range mixed {
		mixed[i] = softClip(s)
	}

	n, err := m.enc.EncodeFloat32(mixed, m.encodeBuf)
	if err != nil {
		return nil, false, err
	}
	frame := make([]byte, n)
	copy(frame, m.encodeBuf[:n])

	return &wire.AudioOpusBatch{
		SampleRate:      SampleRate,
		FrameDurationMs: FrameDurationMs,
		FrameSizes:      []uint16{uint16(n)},
		OpusData:        frame,
	}, true, nil
}

// TickPCM mixes and soft-clips one chunk like Tick but skips Opus encoding,
// returning raw float32 samples. Its noise gate is a single threshold
// (noiseGateCloseRMS) with no hysteresis or hold frames. Nothing in this
// module calls it, and no capability flag selects it.
func (m *Mixer) TickPCM(sources []*mailbox.Mailbox) (*wire.AudioPCMBatch, bool) {
	mixed := sumExcluding(sources)
	if rms(mixed) < noiseGateCloseRMS {
		return nil, false
	}
	for i, s := range mixed {
		mixed[i] = softClip(s)
	}
	return &wire.AudioPCMBatch{SampleRate: SampleRate, Samples: mixed}, true
}

// SetBitrate adjusts the target Opus bitrate, clamped to spec.md §4.7's
// 16-48 kbps band.
func (m *Mixer) SetBitrate(bps int) error {
	if bps < minBitrate {
		bps = minBitrate
	}
	if bps > maxBitrate {
		bps = maxBitrate
	}
	return m.enc.SetBitrate(bps)
}
