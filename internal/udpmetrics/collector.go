// Package udpmetrics exposes prometheus counters and gauges for a
// running or completed udperf test, labeled by worker index and peer
// address.
package udpmetrics

import (
	"net/netip"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/udperf/internal/stats"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "udperf"
	subsystem = "test"
)

// Label names for test metrics.
const (
	labelWorker = "worker"
	labelPeer   = "peer_addr"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Test Metrics
// -------------------------------------------------------------------------

// Collector holds every udperf Prometheus metric. One Collector is
// shared across all workers of a single run; each method call is
// labeled with the reporting worker's index.
type Collector struct {
	// DatagramsSent counts datagrams transmitted, per worker.
	DatagramsSent *prometheus.CounterVec
	// DatagramsReceived counts datagrams accepted into sequence
	// accounting, per worker.
	DatagramsReceived *prometheus.CounterVec
	// BytesSent counts payload bytes transmitted, per worker.
	BytesSent *prometheus.CounterVec
	// BytesReceived counts payload bytes received, per worker.
	BytesReceived *prometheus.CounterVec
	// Omitted counts datagrams never received (sequence gaps), per
	// worker.
	Omitted *prometheus.CounterVec
	// Reordered counts datagrams received out of sequence order, per
	// worker.
	Reordered *prometheus.CounterVec
	// Duplicated counts datagrams received more than once, per worker.
	Duplicated *prometheus.CounterVec
	// ActiveWorkers tracks workers currently mid-run (not yet DONE or
	// FAILED), labeled by peer.
	ActiveWorkers *prometheus.GaugeVec
	// ThroughputBps is the live send/receive throughput sample, labeled
	// by worker and peer; updated on each stats.Sample observed.
	ThroughputBps *prometheus.GaugeVec
}

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.DatagramsSent,
		c.DatagramsReceived,
		c.BytesSent,
		c.BytesReceived,
		c.Omitted,
		c.Reordered,
		c.Duplicated,
		c.ActiveWorkers,
		c.ThroughputBps,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering
// them.
func newMetrics() *Collector {
	workerLabels := []string{labelWorker, labelPeer}

	return &Collector{
		DatagramsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "datagrams_sent_total",
			Help:      "Total UDP datagrams transmitted.",
		}, workerLabels),

		DatagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "datagrams_received_total",
			Help:      "Total UDP datagrams accepted into sequence accounting.",
		}, workerLabels),

		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes transmitted.",
		}, workerLabels),

		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received.",
		}, workerLabels),

		Omitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "omitted_total",
			Help:      "Total datagrams never received (sequence gaps).",
		}, workerLabels),

		Reordered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reordered_total",
			Help:      "Total datagrams received out of sequence order.",
		}, workerLabels),

		Duplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duplicated_total",
			Help:      "Total datagrams received more than once.",
		}, workerLabels),

		ActiveWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_workers",
			Help:      "Number of workers currently mid-run.",
		}, []string{labelPeer}),

		ThroughputBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "throughput_bps",
			Help:      "Most recent observed send/receive throughput in bits per second.",
		}, workerLabels),
	}
}

// -------------------------------------------------------------------------
// Worker Lifecycle
// -------------------------------------------------------------------------

// RegisterWorker increments the active-workers gauge for peer. Called
// by the coordinator just before it starts each worker.
func (c *Collector) RegisterWorker(peer netip.Addr) {
	c.ActiveWorkers.WithLabelValues(peer.String()).Inc()
}

// UnregisterWorker decrements the active-workers gauge for peer. Called
// once a worker reaches DONE or FAILED.
func (c *Collector) UnregisterWorker(peer netip.Addr) {
	c.ActiveWorkers.WithLabelValues(peer.String()).Dec()
}

// -------------------------------------------------------------------------
// Streaming Samples
// -------------------------------------------------------------------------

// Observe records one stats.Sample's cumulative counters for worker and
// peer as the current value of every per-worker metric, and refreshes
// the throughput gauge from the sample's sent plus received bytes over
// the span from StartTime to EndTime (left unchanged while that span is
// not positive). Counters are CounterVecs, so Observe adds only the
// delta between the sample and previous (the caller's last-observed
// History for this worker) rather than re-adding the whole running
// total on each call.
func (c *Collector) Observe(peer netip.Addr, sample stats.Sample, previous stats.History) {
	worker := strconv.Itoa(sample.WorkerIndex)
	h := sample.History

	addCounterDelta(c.DatagramsSent, worker, peer.String(), h.DatagramsSent, previous.DatagramsSent)
	addCounterDelta(c.DatagramsReceived, worker, peer.String(), h.DatagramsReceived, previous.DatagramsReceived)
	addCounterDelta(c.BytesSent, worker, peer.String(), h.BytesSent, previous.BytesSent)
	addCounterDelta(c.BytesReceived, worker, peer.String(), h.BytesReceived, previous.BytesReceived)
	addCounterDelta(c.Omitted, worker, peer.String(), h.Omitted, previous.Omitted)
	addCounterDelta(c.Reordered, worker, peer.String(), h.Reordered, previous.Reordered)
	addCounterDelta(c.Duplicated, worker, peer.String(), h.Duplicated, previous.Duplicated)

	if elapsed := h.EndTime.Sub(h.StartTime); elapsed > 0 {
		bps := 8 * float64(h.BytesSent+h.BytesReceived) / elapsed.Seconds()
		c.ThroughputBps.WithLabelValues(worker, peer.String()).Set(bps)
	}
}

// addCounterDelta adds (current - previous) to vec, guarding against a
// negative delta from an out-of-order sample (current < previous),
// which would otherwise panic a prometheus Counter.
func addCounterDelta(vec *prometheus.CounterVec, worker, peer string, current, previous uint64) {
	if current <= previous {
		return
	}

	vec.WithLabelValues(worker, peer).Add(float64(current - previous))
}
