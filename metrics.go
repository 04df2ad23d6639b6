package citadelcore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var transactionDurationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
var upstreamPhaseDurationBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

// Metrics holds every Prometheus collector the core exposes, covering
// transaction throughput and latency, certificate issuance, and replay
// buffering rather than an HTTP-API request surface.
type Metrics struct {
	Registry *prometheus.Registry

	TransactionsTotal        *prometheus.CounterVec
	TransactionDuration      *prometheus.HistogramVec
	UpstreamPhaseDuration    *prometheus.HistogramVec
	LeafCertificatesIssued   prometheus.Counter
	ReplayBufferedBytes      prometheus.Gauge
	ReplayActive             prometheus.Gauge
	ForbiddenHeadersStripped *prometheus.CounterVec
}

// NewMetrics builds a Metrics instance on a private registry (never the
// global default, so multiple Proxy instances in one process don't
// collide) with the process/Go runtime collectors and every
// citadelcore_* series registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citadelcore_transactions_total",
			Help: "Total transactions processed, by protocol, direction, and chosen next action.",
		}, []string{"protocol", "direction", "next_action"}),

		TransactionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "citadelcore_transaction_duration_seconds",
			Help:    "End-to-end transaction latency in seconds, by protocol.",
			Buckets: transactionDurationBuckets,
		}, []string{"protocol"}),

		UpstreamPhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "citadelcore_upstream_phase_duration_seconds",
			Help:    "Upstream round-trip latency broken down by phase (dns, connect, tls_handshake, time_to_first_byte), sourced from an httptrace.ClientTrace on the outbound transport.",
			Buckets: upstreamPhaseDurationBuckets,
		}, []string{"phase"}),

		LeafCertificatesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "citadelcore_leaf_certificates_issued_total",
			Help: "Total spoofed leaf certificates issued by the certificate store.",
		}),

		ReplayBufferedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "citadelcore_replay_buffered_bytes",
			Help: "Bytes currently buffered across all active response replays.",
		}),

		ReplayActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "citadelcore_replay_active",
			Help: "Number of response replays whose source response is still being forwarded to the original client.",
		}),

		ForbiddenHeadersStripped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citadelcore_forbidden_headers_stripped_total",
			Help: "Total forbidden headers stripped, by header set (http or websocket).",
		}, []string{"set"}),
	}

	reg.MustRegister(
		m.TransactionsTotal,
		m.TransactionDuration,
		m.UpstreamPhaseDuration,
		m.LeafCertificatesIssued,
		m.ReplayBufferedBytes,
		m.ReplayActive,
		m.ForbiddenHeadersStripped,
	)

	return m
}

func (m *Metrics) observeTransaction(protocol Protocol, direction Direction, action ProxyNextAction) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(protocol.String(), direction.String(), action.String()).Inc()
}

// observeUpstreamPhases records a completed request's DNS/connect/TLS/TTFB
// breakdown. Any phase whose start or end timestamp is zero (skipped, e.g.
// no TLS handshake for a plaintext upstream, or a reused connection with no
// fresh DNS/connect) is left unobserved rather than reported as zero.
func (m *Metrics) observeUpstreamPhases(ph upstreamPhases) {
	if m == nil {
		return
	}
	observePhase := func(phase string, start, end time.Time) {
		if start.IsZero() || end.IsZero() {
			return
		}
		m.UpstreamPhaseDuration.WithLabelValues(phase).Observe(end.Sub(start).Seconds())
	}
	observePhase("dns", ph.dnsStart, ph.dnsEnd)
	observePhase("connect", ph.connectStart, ph.connectEnd)
	observePhase("tls_handshake", ph.tlsStart, ph.tlsEnd)
	observePhase("time_to_first_byte", ph.wroteRequest, ph.firstByte)
}

// addReplayBufferedBytes adjusts the replay-buffering gauge by delta bytes
// (positive on enqueue, negative on drain).
func (m *Metrics) addReplayBufferedBytes(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.ReplayBufferedBytes.Add(float64(delta))
}

func (m *Metrics) observeHeadersStripped(p Protocol, count int) {
	if m == nil || count == 0 {
		return
	}
	set := "http"
	if p == ProtocolWebSocket {
		set = "websocket"
	}
	m.ForbiddenHeadersStripped.WithLabelValues(set).Add(float64(count))
}
