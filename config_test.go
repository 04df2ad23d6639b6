package citadelcore

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultHostConfigValidates(t *testing.T) {
	cfg := DefaultHostConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultHostConfig() should validate, got %v", err)
	}
}

func TestValidateRejectsNilCallback(t *testing.T) {
	cfg := DefaultHostConfig()
	cfg.FirewallCheck = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject a nil FirewallCheck callback")
	}
}

func TestValidateRejectsEmptyAuthorityName(t *testing.T) {
	cfg := DefaultHostConfig()
	cfg.AuthorityName = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject an empty authority name")
	}
}

func TestValidateRejectsUnrecognisedLogLevel(t *testing.T) {
	cfg := DefaultHostConfig()
	cfg.Log.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject an unrecognised log level")
	}
}

func TestLoadFileConfigAppliesOverTheDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "citadel.toml")
	toml := `
[proxy]
authority_name = "Acme CA"
listen_v4 = "0.0.0.0:9443"

[log]
level = "debug"
format = "json"

[metrics]
enabled = false
`
	if err := os.WriteFile(path, []byte(toml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig: %v", err)
	}
	if cfg.AuthorityName != "Acme CA" {
		t.Fatalf("unexpected AuthorityName %q", cfg.AuthorityName)
	}
	if cfg.ListenV4 != "0.0.0.0:9443" {
		t.Fatalf("unexpected ListenV4 %q", cfg.ListenV4)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Metrics.Enabled {
		t.Fatalf("expected metrics disabled per file config")
	}
	// Fields the file didn't mention should keep their defaults.
	if cfg.ReplayListen != "127.0.0.1:0" {
		t.Fatalf("expected ReplayListen default to survive, got %q", cfg.ReplayListen)
	}
	if cfg.FirewallCheck == nil {
		t.Fatalf("expected default no-op callbacks to survive file load")
	}
}

func TestLoadFileConfigMissingFile(t *testing.T) {
	if _, err := LoadFileConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestLoadFileConfigAppliesUpstreamOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "citadel.toml")
	toml := `
[upstream]
override_url = "http://127.0.0.1:3128"
`
	if err := os.WriteFile(path, []byte(toml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig: %v", err)
	}
	if cfg.UpstreamProxyURL != "http://127.0.0.1:3128" {
		t.Fatalf("unexpected UpstreamProxyURL %q", cfg.UpstreamProxyURL)
	}
	transport, ok := cfg.CustomProxyHandler.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", cfg.CustomProxyHandler.Transport)
	}
	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	proxyURL, err := transport.Proxy(req)
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	if proxyURL == nil || proxyURL.String() != "http://127.0.0.1:3128" {
		t.Fatalf("expected Transport.Proxy to route through the override, got %v", proxyURL)
	}
}

func TestLoadFileConfigRejectsInvalidOverrideURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "citadel.toml")
	toml := "[upstream]\noverride_url = \"://not-a-url\"\n"
	if err := os.WriteFile(path, []byte(toml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFileConfig(path); err == nil {
		t.Fatalf("expected an error for a malformed override_url")
	}
}

func TestLoadFileConfigAppliesBlockExternalProxies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "citadel.toml")
	toml := "[proxy]\nblock_external_proxies = false\n"
	if err := os.WriteFile(path, []byte(toml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig: %v", err)
	}
	if cfg.BlockExternalProxies {
		t.Fatalf("expected block_external_proxies=false to survive file load")
	}
}

func TestDefaultUpstreamClientDisablesRedirectsAndProxy(t *testing.T) {
	client := defaultUpstreamClient()
	if client.CheckRedirect == nil {
		t.Fatalf("expected a CheckRedirect hook")
	}
	if err := client.CheckRedirect(&http.Request{}, nil); err != http.ErrUseLastResponse {
		t.Fatalf("expected CheckRedirect to disable automatic redirects, got %v", err)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", client.Transport)
	}
	if transport.Proxy != nil {
		t.Fatalf("expected no upstream proxy function")
	}
}
