// Package keepalive implements the per-client keepalive/rekey thread of
// spec.md §4 and §5: periodic PING, silence detection, and triggering a
// session rekey once either traffic threshold is crossed.
//
// This thread never calls Transport.Recv itself: the rekey exchange needs
// to receive RekeyResponse/RekeyComplete, and the session's single receive
// thread is the only goroutine allowed to read the transport (spec.md §5).
// So rekey initiation here is a callback the caller wires up to whatever
// coordinates with that receive thread.
package keepalive

import (
	"context"
	"log/slog"
	"time"

	"github.com/zfogg/ascii-chat-sub007/internal/session"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// PingInterval and SilenceTimeout are vars, not consts, so tests can shrink
// them instead of waiting out the real cadence.
var (
	// PingInterval is how often this side sends a Ping, per spec.md §4.
	PingInterval = 15 * time.Second
	// SilenceTimeout is how long without any received traffic before the
	// peer is considered gone.
	SilenceTimeout = 45 * time.Second
)

// Loop runs one client's keepalive/rekey cadence until ctx is canceled or
// the session closes. lastRecv is called to read the most recent time any
// packet was received on this session (owned by the receive loop), used
// for silence detection. initiateRekey runs a full rekey exchange (send
// RekeyRequest, exchange RekeyResponse/RekeyComplete, commit) and must be
// safe to call from this goroutine while the receive thread keeps reading.
func Loop(ctx context.Context, s *session.Session, lastRecv func() time.Time, initiateRekey func(reason string) error, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("subsystem", "keepalive", "client_id", s.ClientID)

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Closed() {
				return
			}
			if time.Since(lastRecv()) > SilenceTimeout {
				log.Warn("peer silent past timeout, closing session")
				_ = s.Close()
				return
			}
			if err := s.Send(wire.TypePing, nil); err != nil {
				log.Warn("ping send failed, closing session", "error", err)
				_ = s.Close()
				return
			}
			if s.Crypto.ShouldRekey() {
				log.Info("rekey threshold crossed, initiating rekey", "sent_bytes", s.Crypto.SentBytes(), "sent_packets", s.Crypto.SentPackets())
				if err := initiateRekey("threshold"); err != nil {
					log.Warn("rekey failed, closing session", "error", err)
					_ = s.Close()
					return
				}
				log.Info("rekey complete", "rekey_count", s.Crypto.RekeyCount())
			}
		}
	}
}
