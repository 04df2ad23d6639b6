package citadelcore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"
)

// LifecycleController owns the accept loops and the fx-driven start/stop
// sequencing. The embedding host only ever sees Start/Stop; fx owns the
// dependency graph between the replay server, the four public listeners,
// and the (optional) external diverter, all constructed through
// fx.Provide and wired together by a single fx.Invoke that appends the
// OnStart/OnStop hook driving the real bind and teardown work.
type LifecycleController struct {
	proxy *Proxy
	cfg   *HostConfig

	mu         sync.Mutex
	running    bool
	app        *fx.App
	listeners  []net.Listener
	diverter   Diverter
	metricsLn  net.Listener
	metricsSrv *http.Server
}

// NewLifecycleController wires proxy under a controller that has not yet
// bound anything.
func NewLifecycleController(proxy *Proxy) *LifecycleController {
	return &LifecycleController{proxy: proxy, cfg: proxy.cfg}
}

// listenerSet is the fx-provided value carrying the four public sockets
// once bound, so downstream providers (the diverter) and the final
// fx.Invoke hook can depend on it by type instead of threading four
// separate net.Listener values through the graph by hand.
type listenerSet struct {
	v4HTTP, v4HTTPS, v6HTTP, v6HTTPS net.Listener
}

func (ls *listenerSet) all() []net.Listener {
	return []net.Listener{ls.v4HTTP, ls.v4HTTPS, ls.v6HTTP, ls.v6HTTPS}
}

// Start binds four public listener sockets — v4 http, v4 https, v6 http,
// v6 https, each running the identical sniff-then-dispatch accept loop
// since either port can carry either protocol — plus the private replay
// loopback, and starts the diverter if one is configured. Idempotent: a
// second Start while already running is a no-op.
//
// The bind order and the diverter construction are expressed as an fx
// dependency graph: provideReplayPort and provideListenerSet are
// fx.Provide constructors run during app.Start, and provideDiverter (only
// registered when the host configured a CreateDiverter) depends on the
// *listenerSet so it always sees the real bound addresses.
func (lc *LifecycleController) Start(numThreads int) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.running {
		return nil
	}

	opts := []fx.Option{
		fx.NopLogger,
		fx.Supply(lc),
		fx.Provide(
			(*LifecycleController).provideReplayPort,
			(*LifecycleController).provideListenerSet,
		),
	}

	if lc.cfg.CreateDiverter != nil {
		opts = append(opts,
			fx.Provide((*LifecycleController).provideDiverter),
			fx.Invoke(func(fxlc fx.Lifecycle, ls *listenerSet, d Diverter, _ int) {
				fxlc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						return lc.startAcceptLoopsAndDiverter(ls, d, numThreads)
					},
					OnStop: func(ctx context.Context) error {
						return lc.teardown()
					},
				})
			}),
		)
	} else {
		opts = append(opts,
			fx.Invoke(func(fxlc fx.Lifecycle, ls *listenerSet, _ int) {
				fxlc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						return lc.startAcceptLoops(ls, numThreads)
					},
					OnStop: func(ctx context.Context) error {
						return lc.teardown()
					},
				})
			}),
		)
	}

	app := fx.New(opts...)
	if err := app.Start(context.Background()); err != nil {
		return err
	}

	if err := lc.startMetricsServer(); err != nil {
		_ = app.Stop(context.Background())
		return err
	}

	lc.app = app
	lc.running = true
	return nil
}

// MetricsAddr returns the bound address of the metrics HTTP server, or nil
// if metrics are disabled, no listen address was configured, or Start
// hasn't run yet. Useful when Metrics.Listen names an ephemeral port.
func (lc *LifecycleController) MetricsAddr() net.Addr {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.metricsLn == nil {
		return nil
	}
	return lc.metricsLn.Addr()
}

// startMetricsServer binds cfg.Metrics.Listen and serves the proxy's
// Prometheus registry over /metrics, so the host has something to scrape
// per §4.10. A no-op when metrics are disabled or no listen address was
// configured.
func (lc *LifecycleController) startMetricsServer() error {
	if !lc.cfg.Metrics.Enabled || lc.cfg.Metrics.Listen == "" || lc.proxy.metrics == nil {
		return nil
	}
	ln, err := net.Listen("tcp", lc.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("%w: metrics listener: %v", ErrBindFailed, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(lc.proxy.metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	lc.metricsLn = ln
	lc.metricsSrv = srv
	go func() {
		_ = srv.Serve(ln)
	}()
	return nil
}

// provideReplayPort binds the private loopback replay listener as an fx
// constructor so the diverter provider (and any future consumer) can
// depend on it having already happened.
func (lc *LifecycleController) provideReplayPort() (int, error) {
	if err := lc.proxy.bindReplayServer(); err != nil {
		return 0, err
	}
	return lc.proxy.currentReplayPort(), nil
}

// provideListenerSet binds the four public sockets. Every bind uses an
// ephemeral port regardless of what's configured: two listeners per family
// therefore always land on distinct ports even though listen_v4/listen_v6
// name only one interface.
func (lc *LifecycleController) provideListenerSet() (*listenerSet, error) {
	v4Host, _, err := splitHostPort(lc.cfg.ListenV4)
	if err != nil {
		return nil, err
	}
	v6Host, _, err := splitHostPort(lc.cfg.ListenV6)
	if err != nil {
		return nil, err
	}

	v4HTTP, err := lc.listen("tcp4", net.JoinHostPort(v4Host, "0"))
	if err != nil {
		return nil, err
	}
	v4HTTPS, err := lc.listen("tcp4", net.JoinHostPort(v4Host, "0"))
	if err != nil {
		return nil, err
	}
	v6HTTP, err := lc.listen("tcp6", net.JoinHostPort(v6Host, "0"))
	if err != nil {
		return nil, err
	}
	v6HTTPS, err := lc.listen("tcp6", net.JoinHostPort(v6Host, "0"))
	if err != nil {
		return nil, err
	}

	return &listenerSet{v4HTTP: v4HTTP, v4HTTPS: v4HTTPS, v6HTTP: v6HTTP, v6HTTPS: v6HTTPS}, nil
}

// provideDiverter constructs the external Diverter from the bound listener
// addresses, handing it the configured firewall callback so its
// ConfirmDenyFirewallAccess implementation has something to consult, along
// with the host's BlockExternalProxies preference. Only registered in the
// fx graph when the host configured a CreateDiverter.
func (lc *LifecycleController) provideDiverter(ls *listenerSet) (Diverter, error) {
	diverter, err := lc.cfg.CreateDiverter(ls.v4HTTP.Addr(), ls.v4HTTPS.Addr(), ls.v6HTTP.Addr(), ls.v6HTTPS.Addr(), lc.cfg.FirewallCheck, lc.cfg.BlockExternalProxies)
	if err != nil {
		return nil, fmt.Errorf("citadelcore: create diverter: %w", err)
	}
	return diverter, nil
}

func (lc *LifecycleController) startAcceptLoops(ls *listenerSet, numThreads int) error {
	limiter := lc.acceptLimiter()
	for _, ln := range ls.all() {
		go lc.acceptLoop(ln, limiter)
	}
	return nil
}

func (lc *LifecycleController) startAcceptLoopsAndDiverter(ls *listenerSet, d Diverter, numThreads int) error {
	if err := lc.startAcceptLoops(ls, numThreads); err != nil {
		return err
	}
	lc.diverter = d
	if err := d.Start(numThreads); err != nil {
		return fmt.Errorf("citadelcore: start diverter: %w", err)
	}
	return nil
}

func (lc *LifecycleController) listen(network, addr string) (net.Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrBindFailed, network, addr, err)
	}
	lc.listeners = append(lc.listeners, ln)
	return ln, nil
}

func (lc *LifecycleController) acceptLimiter() *rate.Limiter {
	if lc.cfg.AcceptRatePerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(lc.cfg.AcceptRatePerSecond), lc.cfg.AcceptBurst)
}

func (lc *LifecycleController) acceptLoop(ln net.Listener, limiter *rate.Limiter) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed during Stop
		}
		if limiter != nil && !limiter.Allow() {
			conn.Close()
			continue
		}
		go lc.proxy.ServeConn(conn)
	}
}

// Stop tears listeners and the diverter down via the fx.App's OnStop hook.
// Idempotent and serialised with Start by the same lock.
func (lc *LifecycleController) Stop() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if !lc.running {
		return nil
	}
	if err := lc.app.Stop(context.Background()); err != nil {
		return err
	}
	lc.app = nil
	lc.running = false
	return nil
}

func (lc *LifecycleController) teardown() error {
	for _, ln := range lc.listeners {
		ln.Close()
	}
	lc.listeners = nil
	if lc.diverter != nil {
		lc.diverter.Stop()
		lc.diverter = nil
	}
	if lc.proxy.replay != nil {
		_ = lc.proxy.replay.Stop()
	}
	if lc.metricsSrv != nil {
		_ = lc.metricsSrv.Close()
		lc.metricsSrv = nil
		lc.metricsLn = nil
	}
	return nil
}

func splitHostPort(addr string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("%w: listen address %q: %v", ErrConfigurationInvalid, addr, err)
	}
	return host, port, nil
}
