package citadelcore

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// StreamEvent tags which lifecycle point of a streamed inspection a
// callback is being invoked for: every read, write, or close of the body
// stream invokes the streamed-inspection callback with the matching event.
type StreamEvent uint8

const (
	StreamRead StreamEvent = iota
	StreamWrite
	StreamClose
)

func (e StreamEvent) String() string {
	switch e {
	case StreamRead:
		return "read"
	case StreamWrite:
		return "write"
	case StreamClose:
		return "close"
	default:
		return "unknown"
	}
}

// FirewallCheckFunc decides whether a newly observed connection's owning
// process may reach the network.
type FirewallCheckFunc func(FirewallRequest) FirewallResponse

// NewMessageFunc is invoked at every request-begin and response-begin
// point in the transaction state machine and returns the next action to
// drive the state machine with.
type NewMessageFunc func(msg *MessageInfo) ProxyNextAction

// WholeBodyInspectionFunc is invoked once a body has been buffered in
// full, for either AllowButRequestContentInspection direction.
type WholeBodyInspectionFunc func(msg *MessageInfo) ProxyNextAction

// StreamedInspectionFunc is invoked per chunk (or on close) of a streamed
// body under AllowButRequestStreamedContentInspection; returning drop=true
// immediately tears the stream down.
type StreamedInspectionFunc func(msg *MessageInfo, event StreamEvent, chunk []byte) (drop bool)

// ReplayInspectionFunc surfaces a live replay URL to the host as soon as a
// response enters AllowButRequestResponseReplay.
type ReplayInspectionFunc func(msg *MessageInfo, replayURL string)

// ExternalRequestHandlerFunc receives full responsibility for a transaction
// under AllowButDelegateHandler; the proxy performs no further work for it
// once this returns.
type ExternalRequestHandlerFunc func(msg *MessageInfo, req *http.Request, clientConn net.Conn) error

// CreateDiverterFunc builds the external Diverter once the lifecycle
// controller has bound its four public listeners and knows their real
// ports, so it can publish them to the diverter. firewallCheck is the same
// callback configured on HostConfig, handed to the diverter so its
// ConfirmDenyFirewallAccess implementation has something to consult.
// blockExternalProxies mirrors HostConfig.BlockExternalProxies, so the
// diverter can refuse to divert traffic already destined for a foreign
// proxy when the host asked for that.
type CreateDiverterFunc func(v4HTTP, v4HTTPS, v6HTTP, v6HTTPS net.Addr, firewallCheck FirewallCheckFunc, blockExternalProxies bool) (Diverter, error)

// HostConfig is the configuration the embedding host supplies to the proxy
// core. All callback fields are required; Validate rejects a nil one.
type HostConfig struct {
	AuthorityName          string
	BlockExternalProxies   bool
	CustomProxyHandler     *http.Client
	FirewallCheck          FirewallCheckFunc
	NewHTTPMessage         NewMessageFunc
	WholeBodyInspection    WholeBodyInspectionFunc
	StreamedInspection     StreamedInspectionFunc
	ReplayInspection       ReplayInspectionFunc
	ExternalRequestHandler ExternalRequestHandlerFunc

	ListenV4         string
	ListenV6         string
	ReplayListen     string
	HandshakeTimeout time.Duration

	// UpstreamProxyURL records the single upstream proxy that LoadFileConfig
	// chained CustomProxyHandler through (from upstream.override_url). The
	// proxy core does not read this field: setting it directly on a
	// HostConfig does not change how outbound requests are dialed. Only a
	// single hop is supported.
	UpstreamProxyURL string

	// AcceptRatePerSecond and AcceptBurst throttle connection acceptance
	// on the public listeners: a transparent proxy facing arbitrary local
	// processes needs abusive-client protection in practice.
	AcceptRatePerSecond float64
	AcceptBurst         int

	CreateDiverter CreateDiverterFunc
	TrustStore     TrustStore

	Log     LogConfig
	Metrics MetricsConfig
}

// LogConfig controls the zerolog sink.
type LogConfig struct {
	Level string `toml:"level"`
	// Format is "console" (human, colorized) or "json".
	Format string `toml:"format"`
	// File, if non-empty, routes logs through lumberjack for rotation
	// instead of stderr.
	File string `toml:"file"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// fileConfig is the on-disk TOML shape. It only covers the fields
// expressible without Go closures; callbacks and the Diverter/TrustStore
// are always wired by the embedding program.
type fileConfig struct {
	Proxy struct {
		AuthorityName        string `toml:"authority_name"`
		BlockExternalProxies bool   `toml:"block_external_proxies"`
		ListenV4             string `toml:"listen_v4"`
		ListenV6             string `toml:"listen_v6"`
		ReplayListen         string `toml:"replay_listen"`
	} `toml:"proxy"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
	Upstream struct {
		OverrideURL string `toml:"override_url"`
	} `toml:"upstream"`

	filePath string
}

// LoadFileConfig reads a TOML file and applies it on top of DefaultHostConfig.
func LoadFileConfig(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfigurationInvalid, path, err)
	}
	hc := DefaultHostConfig()
	var fc fileConfig
	fc.Proxy.BlockExternalProxies = hc.BlockExternalProxies
	fc.Metrics = hc.Metrics
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfigurationInvalid, path, err)
	}
	fc.filePath = path

	if fc.Proxy.AuthorityName != "" {
		hc.AuthorityName = fc.Proxy.AuthorityName
	}
	hc.BlockExternalProxies = fc.Proxy.BlockExternalProxies
	if fc.Proxy.ListenV4 != "" {
		hc.ListenV4 = fc.Proxy.ListenV4
	}
	if fc.Proxy.ListenV6 != "" {
		hc.ListenV6 = fc.Proxy.ListenV6
	}
	if fc.Proxy.ReplayListen != "" {
		hc.ReplayListen = fc.Proxy.ReplayListen
	}
	if fc.Log.Level != "" {
		hc.Log.Level = fc.Log.Level
	}
	if fc.Log.Format != "" {
		hc.Log.Format = fc.Log.Format
	}
	hc.Log.File = fc.Log.File
	hc.Metrics = fc.Metrics

	if fc.Upstream.OverrideURL != "" {
		hc.UpstreamProxyURL = fc.Upstream.OverrideURL
		client, err := upstreamClientWithProxy(fc.Upstream.OverrideURL)
		if err != nil {
			return nil, fmt.Errorf("%w: upstream.override_url: %v", ErrConfigurationInvalid, err)
		}
		hc.CustomProxyHandler = client
	}

	return hc, warnConfigPermissions(fc.filePath)
}

// DefaultHostConfig returns a HostConfig with every non-callback field
// defaulted, and no-op callbacks that allow everything through unmodified.
// Embedding hosts are expected to override the callbacks.
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		AuthorityName:          "CitadelCore",
		BlockExternalProxies:   true,
		CustomProxyHandler:     defaultUpstreamClient(),
		FirewallCheck:          func(FirewallRequest) FirewallResponse { return FirewallResponse{Disposition: DontFilterApplication} },
		NewHTTPMessage:         func(*MessageInfo) ProxyNextAction { return AllowAndIgnoreContent },
		WholeBodyInspection:    func(*MessageInfo) ProxyNextAction { return AllowAndIgnoreContent },
		StreamedInspection:     func(*MessageInfo, StreamEvent, []byte) bool { return false },
		ReplayInspection:       func(*MessageInfo, string) {},
		ExternalRequestHandler: func(*MessageInfo, *http.Request, net.Conn) error { return nil },
		ListenV4:               "0.0.0.0:0",
		ListenV6:               "[::]:0",
		ReplayListen:           "127.0.0.1:0",
		HandshakeTimeout:       10 * time.Second,
		AcceptRatePerSecond:    500,
		AcceptBurst:            100,
		CreateDiverter:         nil,
		TrustStore:             NopTrustStore{},
		Log:                    LogConfig{Level: "info", Format: "console"},
		Metrics:                MetricsConfig{Enabled: true, Listen: "127.0.0.1:0"},
	}
}

// defaultUpstreamClient builds the default outbound client: automatic
// gzip+deflate decompression, cookies off, redirects off, no upstream
// proxy. Client certificates are handled at the transport level
// automatically by crypto/tls when the server requests them.
func defaultUpstreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:              nil,
			DisableCompression: false,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// upstreamClientWithProxy builds the same client as defaultUpstreamClient
// but chains every outbound request through rawURL.
func upstreamClientWithProxy(rawURL string) (*http.Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	client := defaultUpstreamClient()
	client.Transport.(*http.Transport).Proxy = http.ProxyURL(u)
	return client, nil
}

// Validate enforces that all callback fields are non-nil and checks basic
// field sanity, yielding ErrConfigurationInvalid.
func (c *HostConfig) Validate() error {
	if c.AuthorityName == "" {
		return fmt.Errorf("%w: authority_name must not be empty", ErrConfigurationInvalid)
	}
	callbacks := map[string]bool{
		"firewall_check":           c.FirewallCheck == nil,
		"new_http_message":         c.NewHTTPMessage == nil,
		"whole_body_inspection":    c.WholeBodyInspection == nil,
		"streamed_inspection":      c.StreamedInspection == nil,
		"replay_inspection":        c.ReplayInspection == nil,
		"external_request_handler": c.ExternalRequestHandler == nil,
	}
	for name, missing := range callbacks {
		if missing {
			return fmt.Errorf("%w: callback %q must not be nil", ErrConfigurationInvalid, name)
		}
	}
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log level %q not recognised", ErrConfigurationInvalid, c.Log.Level)
	}
	return nil
}

// warnConfigPermissions checks that the config file isn't group/world
// readable. Its error return is unused — permission hygiene is a warning,
// not a fatal condition, so this only logs.
func warnConfigPermissions(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		fmt.Fprintf(os.Stderr, "citadelcore: warning: config file %s is readable by group/others (mode %04o); consider chmod 600\n", path, perm)
	}
	return nil
}
