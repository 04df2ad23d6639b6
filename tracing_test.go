package citadelcore

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTracingRoundTripperObservesPhases(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	m := NewMetrics()
	client := &http.Client{}
	instrumentUpstreamClient(client, m)

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if got := histogramSampleSum(m.UpstreamPhaseDuration.WithLabelValues("time_to_first_byte")); got <= 0 {
		t.Fatalf("expected a positive time_to_first_byte observation, got %v", got)
	}
	if got := histogramSampleSum(m.UpstreamPhaseDuration.WithLabelValues("connect")); got <= 0 {
		t.Fatalf("expected a positive connect observation for a fresh connection, got %v", got)
	}
}

func TestInstrumentUpstreamClientIsNilSafe(t *testing.T) {
	instrumentUpstreamClient(nil, NewMetrics())
	instrumentUpstreamClient(&http.Client{}, nil)
}
