// Package metrics exposes the connection's counters and gauges as
// Prometheus collectors (SUPPLEMENTED FEATURES #2, DOMAIN STACK), in the
// style of runZeroInc-sockstats/pkg/exporter: plain collectors registered
// against a caller-supplied prometheus.Registerer rather than the global
// default registry, so a library consumer can mount them under its own
// namespace or skip registration entirely.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atemkit/atemnet/internal/session"
)

// Source is the subset of *session.Session and *outbound.Scheduler the
// collector functions below poll. Kept as two small function values
// rather than an interface pair so this package doesn't need to import
// outbound at all.
type Source struct {
	Stats      func() session.Stats
	QueueDepth func() int
}

// Metrics holds the collectors for one client instance. The four
// cumulative counters are CounterFuncs reading live from Source.Stats,
// so nothing here needs to be incremented by hand at each send/receive
// site — the session already tracks the authoritative counts. Reconnects
// is the one true event counter: the session has no notion of "this is a
// reconnect" by itself, so the client increments it directly.
type Metrics struct {
	Reconnects prometheus.Counter

	packetsSent          prometheus.CounterFunc
	packetsReceived      prometheus.CounterFunc
	packetsRetransmitted prometheus.CounterFunc
	packetsAcked         prometheus.CounterFunc
	reorderBufferDepth   prometheus.GaugeFunc
	uniqueQueueDepth     prometheus.GaugeFunc
	rttEstimateSeconds   prometheus.GaugeFunc

	src Source
}

// New constructs the collector set bound to src and, if reg is non-nil,
// registers each one under the "atemnet" namespace. src's fields may be
// nil until Bind is called; reading a collector before then reports
// zero.
func New(reg prometheus.Registerer, src Source) *Metrics {
	m := &Metrics{
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atemnet", Name: "reconnects_total",
			Help: "Times the connection transitioned out of Timedout back to Handshaking.",
		}),
		src: src,
	}
	m.packetsSent = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "atemnet", Name: "packets_sent_total",
		Help: "Datagrams written to the device socket.",
	}, func() float64 { return float64(m.stats().PacketsSent) })
	m.packetsReceived = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "atemnet", Name: "packets_received_total",
		Help: "Datagrams read from the device socket.",
	}, func() float64 { return float64(m.stats().PacketsReceived) })
	m.packetsRetransmitted = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "atemnet", Name: "packets_retransmitted_total",
		Help: "Outbound datagrams resent after their retransmit deadline elapsed.",
	}, func() float64 { return float64(m.stats().PacketsRetransmitted) })
	m.packetsAcked = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "atemnet", Name: "packets_acked_total",
		Help: "Outbound datagrams removed from the retransmit table by a covering ack.",
	}, func() float64 { return float64(m.stats().PacketsAcked) })
	m.reorderBufferDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "atemnet", Name: "reorder_buffer_depth",
		Help: "Packets currently held in the reorder buffer awaiting a gap to fill.",
	}, func() float64 { return float64(m.stats().ReorderBufferDepth) })
	m.rttEstimateSeconds = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "atemnet", Name: "rtt_estimate_seconds",
		Help: "Most recent round-trip estimate derived from ack latency.",
	}, func() float64 { return time.Duration(m.stats().RTTEstimate).Seconds() })
	m.uniqueQueueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "atemnet", Name: "unique_queue_depth",
		Help: "Distinct keys currently pending in the outbound unique queue.",
	}, func() float64 { return float64(m.queueDepth()) })

	if reg != nil {
		reg.MustRegister(
			m.Reconnects,
			m.packetsSent,
			m.packetsReceived,
			m.packetsRetransmitted,
			m.packetsAcked,
			m.reorderBufferDepth,
			m.uniqueQueueDepth,
			m.rttEstimateSeconds,
		)
	}
	return m
}

// Bind attaches the live session/queue pollers once they exist. Construct
// creates Metrics before Connect creates the scheduler; Bind lets New run
// first and the queue poller follow.
func (m *Metrics) Bind(src Source) { m.src = src }

func (m *Metrics) stats() session.Stats {
	if m.src.Stats == nil {
		return session.Stats{}
	}
	return m.src.Stats()
}

func (m *Metrics) queueDepth() int {
	if m.src.QueueDepth == nil {
		return 0
	}
	return m.src.QueueDepth()
}
