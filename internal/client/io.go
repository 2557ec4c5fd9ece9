package client

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/zfogg/ascii-chat-sub007/internal/audio"
	"github.com/zfogg/ascii-chat-sub007/internal/protoerr"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// receiveLoop is the single goroutine allowed to call c.tr.Recv for this
// connection (spec.md §5), mirroring internal/server's receiveLoop.
func (c *Client) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if c.sess.Closed() {
			return
		}

		typ, payload, err := c.tr.Recv(time.Now().Add(recvPollInterval))
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			var pe *protoerr.Error
			if errors.As(err, &pe) && pe.Kind == protoerr.KindConnectionLost {
				c.logger.Info("connection closed")
			} else {
				c.logger.Warn("receive failed, closing session", "error", err)
			}
			_ = c.sess.Close()
			return
		}
		c.touchRecv()

		switch typ {
		case wire.TypePing:
			if err := c.tr.Send(wire.TypePong, nil); err != nil {
				c.logger.Warn("pong send failed", "error", err)
			}
		case wire.TypePong:
			// lastRecv already updated above.
		case wire.TypeAsciiFrame:
			c.handleAsciiFrame(payload)
		case wire.TypeAudioOpusBatch:
			c.handleAudioBatch(payload)
		case wire.TypeServerState:
			c.handleServerState(payload)
		case wire.TypeErrorNotification:
			c.handleErrorNotification(payload)
		case wire.TypeRekeyRequest, wire.TypeRekeyResponse, wire.TypeRekeyComplete:
			c.forwardRekey(typ, payload)
		default:
			c.logger.Debug("ignoring unexpected packet type", "type", typ)
		}
	}
}

func (c *Client) handleAsciiFrame(payload []byte) {
	hdr, body, err := wire.UnmarshalAsciiFrame(payload)
	if err != nil {
		c.logger.Warn("malformed AsciiFrame", "error", err)
		return
	}
	if c.opts.Display == nil {
		return
	}
	if err := c.opts.Display.WriteFrame(hdr, body); err != nil {
		c.logger.Warn("display write failed", "error", err)
	}
}

func (c *Client) handleAudioBatch(payload []byte) {
	batch, err := wire.UnmarshalAudioOpusBatch(payload)
	if err != nil {
		c.logger.Warn("malformed AudioOpusBatch", "error", err)
		return
	}
	if c.opts.Playback == nil {
		return
	}
	pcm := make([]float32, audio.ChunkSize)
	off := 0
	for _, sz := range batch.FrameSizes {
		if off+int(sz) > len(batch.OpusData) {
			c.logger.Warn("truncated opus frame table")
			return
		}
		n, err := c.decoder.DecodeFloat32(batch.OpusData[off:off+int(sz)], pcm)
		if err != nil {
			c.logger.Warn("opus decode failed", "error", err)
			return
		}
		off += int(sz)
		if err := c.opts.Playback.PlayChunk(pcm[:n]); err != nil {
			c.logger.Warn("playback failed", "error", err)
		}
	}
}

func (c *Client) handleErrorNotification(payload []byte) {
	notice, err := wire.UnmarshalErrorNotification(payload)
	if err != nil {
		c.logger.Warn("malformed ErrorNotification", "error", err)
		return
	}
	c.logger.Error("rejected by server", "kind", protoerr.Kind(notice.Kind), "message", notice.Message)
}

func (c *Client) handleServerState(payload []byte) {
	st, err := wire.UnmarshalServerState(payload)
	if err != nil {
		c.logger.Warn("malformed ServerState", "error", err)
		return
	}
	c.logger.Debug("server state", "active", st.ActiveParticipants, "max", st.MaxClients, "draining", st.Draining)
}

// captureVideoLoop polls opts.Video at opts.CaptureFPS (default 15),
// compressing each captured frame with zstd before uploading it as an
// ImageFrame, per SPEC_FULL.md's bandwidth-conscious upload path.
func (c *Client) captureVideoLoop(ctx context.Context) {
	if c.opts.Video == nil {
		return
	}
	fps := c.opts.CaptureFPS
	if fps < 1 {
		fps = 15
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		c.logger.Error("failed to construct zstd encoder, video upload disabled", "error", err)
		return
	}
	defer enc.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.sess.Closed() {
				return
			}
			f, err := c.opts.Video.CaptureFrame()
			if err != nil {
				c.logger.Warn("video capture failed", "error", err)
				continue
			}
			if f == nil {
				continue
			}
			compressed := enc.EncodeAll(f.RGB, nil)
			img := wire.ImageFrame{
				Width:          uint32(f.Width),
				Height:         uint32(f.Height),
				CompressedFlag: wire.ImageZstd,
				Data:           compressed,
			}
			f.Release()
			if err := c.tr.Send(wire.TypeImageFrame, img.Marshal()); err != nil {
				c.logger.Warn("image frame send failed", "error", err)
			}
		}
	}
}

// captureAudioLoop polls opts.Audio every 20ms (audio.FrameDurationMs),
// uploading raw PCM; the server mixes and Opus-encodes per recipient.
func (c *Client) captureAudioLoop(ctx context.Context) {
	if c.opts.Audio == nil {
		return
	}
	ticker := time.NewTicker(audio.FrameDurationMs * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.sess.Closed() {
				return
			}
			samples, err := c.opts.Audio.CaptureChunk()
			if err != nil {
				c.logger.Warn("audio capture failed", "error", err)
				continue
			}
			if samples == nil {
				continue
			}
			batch := wire.AudioPCMBatch{SampleRate: audio.SampleRate, Samples: samples}
			if err := c.tr.Send(wire.TypeAudioPCMBatch, batch.Marshal()); err != nil {
				c.logger.Warn("audio batch send failed", "error", err)
			}
		}
	}
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
