package citadelcore

import (
	"net/http"
	"net/url"
	"testing"
)

func TestDispatchRoutesWebSocketUpgrade(t *testing.T) {
	req := &http.Request{
		Method: http.MethodGet,
		URL:    &url.URL{Path: "/ws"},
		Header: http.Header{
			"Upgrade":    []string{"websocket"},
			"Connection": []string{"Upgrade"},
		},
	}
	if got := dispatch(req); got != routeWebSocket {
		t.Fatalf("expected routeWebSocket, got %v", got)
	}
}

func TestDispatchRoutesPlainHTTP(t *testing.T) {
	req := &http.Request{
		Method: http.MethodGet,
		URL:    &url.URL{Path: "/"},
		Header: http.Header{},
	}
	if got := dispatch(req); got != routeHTTP {
		t.Fatalf("expected routeHTTP, got %v", got)
	}
}

func TestDispatchIgnoresUpgradeOnNonGet(t *testing.T) {
	req := &http.Request{
		Method: http.MethodPost,
		URL:    &url.URL{Path: "/ws"},
		Header: http.Header{
			"Upgrade":    []string{"websocket"},
			"Connection": []string{"Upgrade"},
		},
	}
	if got := dispatch(req); got != routeHTTP {
		t.Fatalf("expected routeHTTP for a non-GET upgrade attempt, got %v", got)
	}
}

func TestIsWebSocketUpgradeRequiresBothHeaders(t *testing.T) {
	h := http.Header{"Upgrade": []string{"websocket"}}
	if isWebSocketUpgrade(h) {
		t.Fatalf("expected false without a Connection: Upgrade header")
	}
	h.Set("Connection", "keep-alive, Upgrade")
	if !isWebSocketUpgrade(h) {
		t.Fatalf("expected true once Connection carries Upgrade among other tokens")
	}
}

func TestResolveURLPrefersRawTarget(t *testing.T) {
	req := &http.Request{Host: "example.com", URL: &url.URL{Path: "/a%20b"}}
	feature := connFeature{RawTarget: "/a%20b?x=1"}
	got := resolveURL(req, feature, false)
	if got != "http://example.com/a%20b?x=1" {
		t.Fatalf("unexpected resolved URL %q", got)
	}
}

func TestResolveURLFallsBackToPathReconstruction(t *testing.T) {
	req := &http.Request{Host: "example.com", URL: &url.URL{Path: "/a", RawQuery: "x=1"}}
	got := resolveURL(req, connFeature{}, true)
	if got != "https://example.com/a?x=1" {
		t.Fatalf("unexpected resolved URL %q", got)
	}
}
