package citadelcore

import (
	"net"
	"net/http"
	"testing"
)

func newTestProxy(t *testing.T) *Proxy {
	cfg := DefaultHostConfig()
	cfg.ListenV4 = "127.0.0.1:0"
	cfg.ListenV6 = "[::1]:0"
	cfg.ReplayListen = "127.0.0.1:0"
	cfg.Metrics.Enabled = false

	proxy, err := NewProxy(cfg)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	return proxy
}

func TestLifecycleStartBindsFourDistinctPorts(t *testing.T) {
	proxy := newTestProxy(t)
	lc := NewLifecycleController(proxy)

	var diverter fakeDiverter
	var seen []net.Addr
	var seenFirewallCheck FirewallCheckFunc
	var seenBlockExternal bool
	proxy.cfg.CreateDiverter = func(v4HTTP, v4HTTPS, v6HTTP, v6HTTPS net.Addr, firewallCheck FirewallCheckFunc, blockExternalProxies bool) (Diverter, error) {
		seen = []net.Addr{v4HTTP, v4HTTPS, v6HTTP, v6HTTPS}
		seenFirewallCheck = firewallCheck
		seenBlockExternal = blockExternalProxies
		return &diverter, nil
	}

	if err := lc.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer lc.Stop()

	if len(seen) != 4 {
		t.Fatalf("expected CreateDiverter to receive 4 addresses, got %d", len(seen))
	}
	ports := make(map[string]bool)
	for _, a := range seen {
		ports[a.String()] = true
	}
	if len(ports) != 4 {
		t.Fatalf("expected 4 distinct listener addresses, got %d distinct among %v", len(ports), seen)
	}
	if !diverter.started {
		t.Fatalf("expected the diverter to be started")
	}
	if diverter.numStart != 2 {
		t.Fatalf("expected Start's numThreads to reach the diverter, got %d", diverter.numStart)
	}
	if seenFirewallCheck == nil {
		t.Fatalf("expected CreateDiverter to receive a non-nil firewall callback")
	}
	if !seenBlockExternal {
		t.Fatalf("expected CreateDiverter to receive the configured BlockExternalProxies (default true)")
	}
}

func TestLifecycleWiresFirewallCheckIntoDiverter(t *testing.T) {
	proxy := newTestProxy(t)
	lc := NewLifecycleController(proxy)

	proxy.cfg.FirewallCheck = func(FirewallRequest) FirewallResponse {
		return FirewallResponse{Disposition: BlockInternetForApplication}
	}

	var diverter fakeDiverter
	proxy.cfg.CreateDiverter = func(v4HTTP, v4HTTPS, v6HTTP, v6HTTPS net.Addr, firewallCheck FirewallCheckFunc, blockExternalProxies bool) (Diverter, error) {
		diverter.firewallCheck = firewallCheck
		return &diverter, nil
	}

	if err := lc.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer lc.Stop()

	resp := diverter.ConfirmDenyFirewallAccess(FirewallRequest{BinaryPath: "/usr/bin/curl"})
	if resp.Disposition != BlockInternetForApplication {
		t.Fatalf("expected the diverter to decide via the configured FirewallCheck, got %v", resp.Disposition)
	}
}

func TestLifecycleStartIsIdempotent(t *testing.T) {
	proxy := newTestProxy(t)
	lc := NewLifecycleController(proxy)

	if err := lc.Start(1); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer lc.Stop()
	if err := lc.Start(1); err != nil {
		t.Fatalf("second Start should be a no-op, got error: %v", err)
	}
}

func TestLifecycleStopIsIdempotentAndStopsDiverter(t *testing.T) {
	proxy := newTestProxy(t)
	lc := NewLifecycleController(proxy)

	var diverter fakeDiverter
	proxy.cfg.CreateDiverter = func(v4HTTP, v4HTTPS, v6HTTP, v6HTTPS net.Addr, firewallCheck FirewallCheckFunc, blockExternalProxies bool) (Diverter, error) {
		return &diverter, nil
	}

	if err := lc.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := lc.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if !diverter.stopped {
		t.Fatalf("expected Stop to stop the diverter")
	}
	if err := lc.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got error: %v", err)
	}
}

func TestLifecycleStartExposesMetricsRegistry(t *testing.T) {
	cfg := DefaultHostConfig()
	cfg.ListenV4 = "127.0.0.1:0"
	cfg.ListenV6 = "[::1]:0"
	cfg.ReplayListen = "127.0.0.1:0"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"

	proxy, err := NewProxy(cfg)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	lc := NewLifecycleController(proxy)
	if err := lc.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer lc.Stop()

	addr := lc.MetricsAddr()
	if addr == nil {
		t.Fatalf("expected a bound metrics address")
	}
	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.StatusCode)
	}
}

func TestLifecycleSkipsMetricsServerWhenDisabled(t *testing.T) {
	proxy := newTestProxy(t) // Metrics.Enabled = false
	lc := NewLifecycleController(proxy)
	if err := lc.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer lc.Stop()
	if addr := lc.MetricsAddr(); addr != nil {
		t.Fatalf("expected no metrics address when metrics are disabled, got %v", addr)
	}
}

func TestLifecycleStopWithoutStart(t *testing.T) {
	proxy := newTestProxy(t)
	lc := NewLifecycleController(proxy)
	if err := lc.Stop(); err != nil {
		t.Fatalf("Stop before Start should be a no-op, got %v", err)
	}
}
