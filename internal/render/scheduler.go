// Package render implements the per-participant render scheduler and tile
// compositor of spec.md §4.6: a cooperative task per active participant
// that assembles a tile layout, composes a canvas, renders it to ASCII,
// mixes audio, and sends both over the participant's transport.
package render

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zfogg/ascii-chat-sub007/internal/ascii"
	"github.com/zfogg/ascii-chat-sub007/internal/audio"
	"github.com/zfogg/ascii-chat-sub007/internal/frame"
	"github.com/zfogg/ascii-chat-sub007/internal/mailbox"
	"github.com/zfogg/ascii-chat-sub007/internal/registry"
	"github.com/zfogg/ascii-chat-sub007/internal/session"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// cellPxW and cellPxH are the assumed pixel footprint of one character
// cell (roughly 2:1 tall:wide, per spec.md §4.6) used to size the
// composited canvas from a participant's negotiated grid dimensions.
const (
	cellPxW = 8
	cellPxH = 16

	minPeriod = time.Second / 144
	maxPeriod = time.Second / 5
)

// Scheduler drives one participant's render/mix/send cadence. One
// Scheduler runs per active participant (spec.md §5's thread inventory);
// Run should be launched in its own goroutine.
type Scheduler struct {
	Self     *session.Session
	Registry *registry.Registry
	Logger   *slog.Logger

	mixer *audio.Mixer

	droppedFrames atomic.Uint64
}

// NewScheduler constructs a Scheduler for self, owning a fresh audio mixer
// (the Opus encoder carries per-participant prediction state and must not
// be shared).
func NewScheduler(self *session.Session, reg *registry.Registry, logger *slog.Logger) (*Scheduler, error) {
	mixer, err := audio.New()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		Self:     self,
		Registry: reg,
		Logger:   logger.With("subsystem", "render", "client_id", self.ClientID),
		mixer:    mixer,
	}, nil
}

// DroppedFrames returns the cumulative count of ticks this scheduler
// skipped due to backpressure or lateness.
func (s *Scheduler) DroppedFrames() uint64 { return s.droppedFrames.Load() }

// Run drives the cadence loop until ctx is canceled or the session closes
// (spec.md §4.6 step 9, §5's cancellation contract).
func (s *Scheduler) Run(ctx context.Context) {
	caps := s.Self.Capabilities()
	period := clampPeriod(time.Second / time.Duration(caps.ClampedFPS()))

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.Self.Closed() {
				return
			}
			// If more than two full periods have elapsed since the
			// previous tick (it overran by more than one period),
			// we're behind: skip the backlog rather than
			// accumulate lateness, per spec.md §4.6 step 9.
			if now.Sub(lastTick) > 2*period {
				s.droppedFrames.Add(1)
				lastTick = now
				continue
			}
			lastTick = now
			s.tick()
		}
	}
}

func clampPeriod(d time.Duration) time.Duration {
	if d < minPeriod {
		return minPeriod
	}
	if d > maxPeriod {
		return maxPeriod
	}
	return d
}

func (s *Scheduler) tick() {
	caps := s.Self.Capabilities()

	active := s.Registry.SnapshotActive()
	remoteSessions := make([]*session.Session, 0, len(active))
	for _, other := range active {
		if other.ClientID == s.Self.ClientID {
			continue
		}
		remoteSessions = append(remoteSessions, other)
	}

	s.renderVideo(caps, remoteSessions)
	s.mixAudio(remoteSessions)
}

func (s *Scheduler) renderVideo(caps session.Capabilities, remotes []*session.Session) {
	if !caps.WantsVideo {
		return
	}
	canvasW := int(caps.Width) * cellPxW
	canvasH := int(caps.Height) * cellPxH
	if canvasW <= 0 || canvasH <= 0 {
		return
	}

	frames := make([]*frame.Frame, len(remotes))
	for i, r := range remotes {
		frames[i] = r.Mailbox.CurrentFrame()
	}
	defer func() {
		for _, f := range frames {
			if f != nil {
				f.Release()
			}
		}
	}()

	canvas := Compose(frames, canvasW, canvasH, caps.StretchToFit)
	defer canvas.Release()

	palette, err := ascii.NewPalette(palettePreset(caps))
	if err != nil {
		s.Logger.Warn("invalid palette, dropping frame", "error", err)
		s.droppedFrames.Add(1)
		return
	}

	body, err := ascii.Render(canvas, ascii.Options{
		CellsW:      int(caps.Width),
		CellsH:      int(caps.Height),
		ColorLevel:  caps.ColorLevel,
		RenderMode:  caps.RenderMode,
		Palette:     palette,
		SupportsREP: caps.TermType != "",
	})
	if err != nil {
		s.Logger.Warn("render failed, dropping frame", "error", err)
		s.droppedFrames.Add(1)
		return
	}

	hdr := wire.AsciiFrameHeader{
		Width:        uint32(caps.Width),
		Height:       uint32(caps.Height),
		OriginalSize: uint32(len(body)),
	}
	payload := wire.MarshalAsciiFrame(hdr, body)

	if err := s.Self.Send(wire.TypeAsciiFrame, payload); err != nil {
		// Backpressure or connection loss: drop this frame, never queue
		// (spec.md §4.6: "if the transport returns WouldBlock, drop this
		// frame").
		s.droppedFrames.Add(1)
	}
}

func (s *Scheduler) mixAudio(remotes []*session.Session) {
	caps := s.Self.Capabilities()
	if !caps.WantsAudio {
		return
	}
	mailboxes := make([]*mailbox.Mailbox, len(remotes))
	for i, r := range remotes {
		mailboxes[i] = r.Mailbox
	}

	batch, ok, err := s.mixer.Tick(mailboxes)
	if err != nil {
		s.Logger.Warn("audio mix failed", "error", err)
		return
	}
	if !ok {
		return // noise gate suppressed output this tick
	}
	if err := s.Self.Send(wire.TypeAudioOpusBatch, batch.Marshal()); err != nil {
		s.droppedFrames.Add(1)
	}
}

func palettePreset(caps session.Capabilities) string {
	if caps.PaletteType == wire.PaletteCustom && caps.PaletteCustom != "" {
		return caps.PaletteCustom
	}
	return ascii.PresetStandard
}
