package citadelcore

import (
	"crypto/tls"
	"net/http"
	"net/http/httptrace"
	"time"
)

// upstreamPhases records the httptrace timestamps for a single upstream
// round trip: DNS lookup, TCP connect, TLS handshake, and time to first
// response byte after the request was fully written.
type upstreamPhases struct {
	dnsStart, dnsEnd         time.Time
	connectStart, connectEnd time.Time
	tlsStart, tlsEnd         time.Time
	wroteRequest, firstByte  time.Time
}

// tracingRoundTripper wraps an upstream http.RoundTripper with an
// httptrace.ClientTrace so every request's DNS/connect/TLS/TTFB phases can
// be fed to Prometheus, without requiring the embedding host's own
// transport to know anything about tracing.
type tracingRoundTripper struct {
	base    http.RoundTripper
	metrics *Metrics
}

func (t *tracingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ph := &upstreamPhases{}
	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { ph.dnsStart = time.Now() },
		DNSDone:  func(httptrace.DNSDoneInfo) { ph.dnsEnd = time.Now() },

		ConnectStart: func(string, string) { ph.connectStart = time.Now() },
		ConnectDone:  func(string, string, error) { ph.connectEnd = time.Now() },

		TLSHandshakeStart: func() { ph.tlsStart = time.Now() },
		TLSHandshakeDone:  func(tls.ConnectionState, error) { ph.tlsEnd = time.Now() },

		WroteRequest:         func(httptrace.WroteRequestInfo) { ph.wroteRequest = time.Now() },
		GotFirstResponseByte: func() { ph.firstByte = time.Now() },
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := t.base.RoundTrip(req)
	t.metrics.observeUpstreamPhases(*ph)
	return resp, err
}

// instrumentUpstreamClient wraps client's transport with a
// tracingRoundTripper, defaulting to http.DefaultTransport when the host
// left Transport nil. A nil metrics leaves the client untouched: there's
// nowhere to record the phases.
func instrumentUpstreamClient(client *http.Client, metrics *Metrics) {
	if client == nil || metrics == nil {
		return
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = &tracingRoundTripper{base: base, metrics: metrics}
}
