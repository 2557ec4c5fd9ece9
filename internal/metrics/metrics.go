package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveClientsProvider exposes the number of currently admitted clients.
type ActiveClientsProvider interface {
	Count() int
}

// DroppedFrameCounter exposes a scheduler's cumulative count of render
// ticks it skipped due to backpressure or lateness.
type DroppedFrameCounter interface {
	DroppedFrames() uint64
}

// MailboxStatsProvider exposes a single session's mailbox drop counters.
type MailboxStatsProvider interface {
	DroppedAudioChunks() uint64
	DroppedVideoFrames() uint64
}

// RekeyCounter returns the number of session-key rekeys performed so far.
type RekeyCounter interface {
	RekeyCount() uint64
}

// ParticipantMetrics bundles the per-participant providers a Collector
// scrapes on each collection pass, keyed by client ID so gauges/counters
// carry a label identifying which participant they describe.
type ParticipantMetrics struct {
	ClientID  uint32
	Scheduler DroppedFrameCounter
	Mailbox   MailboxStatsProvider
}

// ParticipantLister returns the current snapshot of participant metrics
// sources. It is called fresh on every scrape so the collector never holds
// a stale participant list.
type ParticipantLister func() []ParticipantMetrics

// Collector is a prometheus.Collector gathering ascii-chat server metrics
// at scrape time, grounded on the pull-based Collect pattern used
// throughout this module's ambient stack.
type Collector struct {
	activeClients ActiveClientsProvider
	rekeys        RekeyCounter
	participants  ParticipantLister
	startTime     time.Time

	activeClientsDesc *prometheus.Desc
	droppedFramesDesc *prometheus.Desc
	droppedAudioDesc  *prometheus.Desc
	droppedVideoDesc  *prometheus.Desc
	rekeysDesc        *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a metrics collector. rekeys and participants may be
// nil/unset if unavailable; activeClients must not be nil.
func NewCollector(activeClients ActiveClientsProvider, rekeys RekeyCounter, participants ParticipantLister, startTime time.Time) *Collector {
	return &Collector{
		activeClients: activeClients,
		rekeys:        rekeys,
		participants:  participants,
		startTime:     startTime,

		activeClientsDesc: prometheus.NewDesc(
			"asciichat_active_clients",
			"Number of currently admitted client sessions",
			nil, nil,
		),
		droppedFramesDesc: prometheus.NewDesc(
			"asciichat_render_dropped_frames_total",
			"Cumulative render ticks skipped due to backpressure or lateness",
			[]string{"client_id"}, nil,
		),
		droppedAudioDesc: prometheus.NewDesc(
			"asciichat_mailbox_dropped_audio_chunks_total",
			"Cumulative audio chunks dropped from a participant's mailbox queue",
			[]string{"client_id"}, nil,
		),
		droppedVideoDesc: prometheus.NewDesc(
			"asciichat_mailbox_dropped_video_frames_total",
			"Cumulative video frames overwritten before being rendered",
			[]string{"client_id"}, nil,
		),
		rekeysDesc: prometheus.NewDesc(
			"asciichat_session_rekeys_total",
			"Total session-key rekeys performed across all sessions",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"asciichat_uptime_seconds",
			"Seconds since the server process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeClientsDesc
	ch <- c.droppedFramesDesc
	ch <- c.droppedAudioDesc
	ch <- c.droppedVideoDesc
	ch <- c.rekeysDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time rather than caching, so counts never lag the registry.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.activeClientsDesc, prometheus.GaugeValue,
		float64(c.activeClients.Count()),
	)

	if c.participants != nil {
		for _, p := range c.participants() {
			id := clientIDLabel(p.ClientID)
			if p.Scheduler != nil {
				ch <- prometheus.MustNewConstMetric(
					c.droppedFramesDesc, prometheus.CounterValue,
					float64(p.Scheduler.DroppedFrames()), id,
				)
			}
			if p.Mailbox != nil {
				ch <- prometheus.MustNewConstMetric(
					c.droppedAudioDesc, prometheus.CounterValue,
					float64(p.Mailbox.DroppedAudioChunks()), id,
				)
				ch <- prometheus.MustNewConstMetric(
					c.droppedVideoDesc, prometheus.CounterValue,
					float64(p.Mailbox.DroppedVideoFrames()), id,
				)
			}
		}
	}

	if c.rekeys != nil {
		ch <- prometheus.MustNewConstMetric(
			c.rekeysDesc, prometheus.CounterValue,
			float64(c.rekeys.RekeyCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func clientIDLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
