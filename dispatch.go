package citadelcore

import (
	"net"
	"net/http"
	"strings"
)

// dispatchRoute is the closed variant the dispatcher returns: exactly one
// of an HTTP transaction, a WebSocket bridge, or nothing routable.
// Passthrough has no distinct case of its own here since
// AllowAndIgnoreContent already covers it inside the transaction state
// machine.
type dispatchRoute uint8

const (
	routeHTTP dispatchRoute = iota
	routeWebSocket
	routeNone
)

// dispatch inspects a parsed request and decides whether it belongs to the
// HTTP transaction handler or the WebSocket bridge.
func dispatch(req *http.Request) dispatchRoute {
	if req.Method == http.MethodGet && isWebSocketUpgrade(req.Header) {
		return routeWebSocket
	}
	if req.Method == "" || req.URL == nil {
		return routeNone
	}
	return routeHTTP
}

// isWebSocketUpgrade reports whether headers carry the "Upgrade: websocket"
// pair that promotes a GET request to the WebSocket bridge.
func isWebSocketUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade")
}

// connFeature carries the metadata the dispatcher and transaction handler
// need about the accepted socket beyond what net/http parses on its own —
// notably the raw request target before net/http normalizes it, and
// whether the connection is already TLS-terminated.
type connFeature struct {
	RawTarget     string
	IsEncrypted   bool
	LocalAddr     net.Addr
	RemoteAddr    net.Addr
	PeerCert      bool // not populated: the downstream handshake requests no client certificate, so this stays false
}

// resolveURL computes the absolute URL for a request: prefer the raw
// request-line target (preserves percent-encoding), falling back to
// path+query reconstruction.
func resolveURL(req *http.Request, feature connFeature, isEncrypted bool) string {
	scheme := "http"
	if isEncrypted {
		scheme = "https"
	}
	host := req.Host
	if feature.RawTarget != "" && strings.HasPrefix(feature.RawTarget, "/") {
		return scheme + "://" + host + feature.RawTarget
	}
	if feature.RawTarget != "" {
		return feature.RawTarget
	}
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	return scheme + "://" + host + path
}
