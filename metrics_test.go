package citadelcore

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

// histogramSampleSum reads the accumulated sample sum from a histogram
// Observer. testutil.ToFloat64 only supports single-value metrics
// (Gauge/Counter/Untyped), so histograms need their own extraction.
func histogramSampleSum(o prometheus.Observer) float64 {
	h := o.(prometheus.Histogram)
	pb := &dto.Metric{}
	if err := h.Write(pb); err != nil {
		panic(err)
	}
	return pb.GetHistogram().GetSampleSum()
}

func TestNewMetricsRegistersAllSeries(t *testing.T) {
	m := NewMetrics()
	if m.Registry == nil {
		t.Fatalf("expected a non-nil private registry")
	}

	m.observeTransaction(ProtocolHTTP, DirectionRequest, AllowAndIgnoreContent)
	m.observeTransaction(ProtocolHTTP, DirectionRequest, AllowAndIgnoreContent)
	got := testutil.ToFloat64(m.TransactionsTotal.WithLabelValues("http", "request", "AllowAndIgnoreContent"))
	if got != 2 {
		t.Fatalf("expected transactions_total=2, got %v", got)
	}

	m.observeHeadersStripped(ProtocolWebSocket, 3)
	got = testutil.ToFloat64(m.ForbiddenHeadersStripped.WithLabelValues("websocket"))
	if got != 3 {
		t.Fatalf("expected forbidden_headers_stripped_total(websocket)=3, got %v", got)
	}
}

func TestMetricsObserveIsNilSafe(t *testing.T) {
	var m *Metrics
	// Must not panic when metrics are disabled (cfg.Metrics.Enabled == false).
	m.observeTransaction(ProtocolHTTP, DirectionResponse, DropConnection)
	m.observeHeadersStripped(ProtocolHTTP, 5)
	m.observeUpstreamPhases(upstreamPhases{})
}

func TestObserveUpstreamPhasesSkipsUnsetPhases(t *testing.T) {
	m := NewMetrics()
	now := time.Unix(1_700_000_000, 0)

	m.observeUpstreamPhases(upstreamPhases{
		dnsStart: now, dnsEnd: now.Add(5 * time.Millisecond),
		wroteRequest: now.Add(10 * time.Millisecond), firstByte: now.Add(60 * time.Millisecond),
		// connect and TLS timestamps left zero, e.g. a reused keep-alive connection.
	})

	if got := histogramSampleSum(m.UpstreamPhaseDuration.WithLabelValues("dns")); got <= 0 {
		t.Fatalf("expected a positive dns phase observation, got %v", got)
	}
	if got := histogramSampleSum(m.UpstreamPhaseDuration.WithLabelValues("time_to_first_byte")); got <= 0 {
		t.Fatalf("expected a positive time_to_first_byte observation, got %v", got)
	}
	if got := testutil.CollectAndCount(m.UpstreamPhaseDuration); got != 2 {
		t.Fatalf("expected only the two set phases to have any samples, got %d label combinations", got)
	}
}

func TestObserveHeadersStrippedSkipsZeroCount(t *testing.T) {
	m := NewMetrics()
	m.observeHeadersStripped(ProtocolHTTP, 0)
	got := testutil.ToFloat64(m.ForbiddenHeadersStripped.WithLabelValues("http"))
	if got != 0 {
		t.Fatalf("expected no increment for a zero-count call, got %v", got)
	}
}
