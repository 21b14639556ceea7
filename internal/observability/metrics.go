package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric a shuffle worker exposes, grounded
// on the promauto registration style of observability/metrics.go, with the
// file-transfer metric set replaced by the ones spec.md section 9 calls
// out: run lifecycle, comms/disk resource limiter pressure, and per-run
// byte counters.
type Metrics struct {
	// Run lifecycle
	RunsStarted    *prometheus.CounterVec
	RunsActive     prometheus.Gauge
	RunsSuperseded prometheus.Counter
	RunsFailed     *prometheus.CounterVec
	RunDuration    prometheus.Histogram

	// Shard I/O
	BytesSentTotal     prometheus.Counter
	BytesReceivedTotal prometheus.Counter
	ShardsReceived     prometheus.Counter
	AddPartitionTotal  *prometheus.CounterVec

	// Resource limiters
	CommsLimiterInUse prometheus.Gauge
	DiskLimiterInUse  prometheus.Gauge
	LimiterWaitTotal  *prometheus.CounterVec

	// Peer RPC
	PeerRPCTotal    *prometheus.CounterVec
	PeerRPCDuration prometheus.Histogram

	activeRuns int64
}

// NewMetrics creates and registers every shuffle worker metric.
func NewMetrics() *Metrics {
	return &Metrics{
		RunsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2pshuffle_runs_started_total",
				Help: "Shuffle runs started, labeled by dataset kind",
			},
			[]string{"kind"},
		),

		RunsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "p2pshuffle_runs_active",
				Help: "Currently active shuffle runs on this worker",
			},
		),

		RunsSuperseded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "p2pshuffle_runs_superseded_total",
				Help: "Runs replaced by a newer run_id from the scheduler",
			},
		),

		RunsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2pshuffle_runs_failed_total",
				Help: "Runs that latched a sticky exception, labeled by error kind",
			},
			[]string{"kind"},
		),

		RunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "p2pshuffle_run_duration_seconds",
				Help:    "Time from run creation to run close",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
		),

		BytesSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "p2pshuffle_bytes_sent_total",
				Help: "Bytes written to the comm buffer across all runs",
			},
		),

		BytesReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "p2pshuffle_bytes_received_total",
				Help: "Bytes accepted by shuffle_receive across all runs",
			},
		),

		ShardsReceived: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "p2pshuffle_shards_received_total",
				Help: "Inbound shard batches accepted (post-dedup)",
			},
		),

		AddPartitionTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2pshuffle_add_partition_total",
				Help: "add_partition calls, labeled by dataset kind and result",
			},
			[]string{"kind", "result"},
		),

		CommsLimiterInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "p2pshuffle_comms_limiter_in_use_bytes",
				Help: "Bytes currently held by the comms resource limiter",
			},
		),

		DiskLimiterInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "p2pshuffle_disk_limiter_in_use_bytes",
				Help: "Bytes currently held by the disk resource limiter",
			},
		),

		LimiterWaitTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2pshuffle_limiter_wait_total",
				Help: "Acquire calls that had to block, labeled by limiter",
			},
			[]string{"limiter"},
		),

		PeerRPCTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2pshuffle_peer_rpc_total",
				Help: "Outbound peer RPCs, labeled by method and result",
			},
			[]string{"method", "result"},
		),

		PeerRPCDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "p2pshuffle_peer_rpc_duration_seconds",
				Help:    "Outbound peer RPC latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
		),
	}
}

// RecordRunStarted increments the run lifecycle counters for a new run.
func (m *Metrics) RecordRunStarted(kind string) {
	atomic.AddInt64(&m.activeRuns, 1)
	m.RunsActive.Set(float64(atomic.LoadInt64(&m.activeRuns)))
	m.RunsStarted.WithLabelValues(kind).Inc()
}

// RecordRunClosed decrements the active run gauge and observes duration.
func (m *Metrics) RecordRunClosed(durationSeconds float64) {
	atomic.AddInt64(&m.activeRuns, -1)
	m.RunsActive.Set(float64(atomic.LoadInt64(&m.activeRuns)))
	m.RunDuration.Observe(durationSeconds)
}

// RecordRunSuperseded increments the supersession counter.
func (m *Metrics) RecordRunSuperseded() {
	m.RunsSuperseded.Inc()
}

// RecordRunFailed increments the failure counter for the given error kind.
func (m *Metrics) RecordRunFailed(kind string) {
	m.RunsFailed.WithLabelValues(kind).Inc()
}

// RecordAddPartition records one add_partition call's outcome.
func (m *Metrics) RecordAddPartition(kind string, success bool, bytesOut int) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.AddPartitionTotal.WithLabelValues(kind, result).Inc()
	m.BytesSentTotal.Add(float64(bytesOut))
}

// RecordShardReceived records one inbound, post-dedup shard batch.
func (m *Metrics) RecordShardReceived(bytesIn int) {
	m.ShardsReceived.Inc()
	m.BytesReceivedTotal.Add(float64(bytesIn))
}

// SetLimiterInUse updates a limiter's current in-use gauge; name is
// "comms" or "disk".
func (m *Metrics) SetLimiterInUse(name string, bytes uint64) {
	switch name {
	case "comms":
		m.CommsLimiterInUse.Set(float64(bytes))
	case "disk":
		m.DiskLimiterInUse.Set(float64(bytes))
	}
}

// RecordLimiterWait records an Acquire call that had to block.
func (m *Metrics) RecordLimiterWait(name string) {
	m.LimiterWaitTotal.WithLabelValues(name).Inc()
}

// RecordPeerRPC records one outbound peer RPC.
func (m *Metrics) RecordPeerRPC(method string, success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.PeerRPCTotal.WithLabelValues(method, result).Inc()
	m.PeerRPCDuration.Observe(durationSeconds)
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
