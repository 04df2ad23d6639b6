package citadelcore

import "net/http"

// forbiddenHTTP is the set of header names stripped from proxied HTTP
// requests and responses unless the transaction exempts them.
var forbiddenHTTP = newHeaderSet(
	"X-SDHC",
	"Avail-Dictionary",
	"Content-Length",
	"Content-Encoding",
	"Alternate-Protocol",
	"Alt-Svc",
	"Public-Key-Pins",
	"Public-Key-Pins-Report-Only",
	"Get-Dictionary",
	"Accept-Encoding",
	"Transfer-Encoding",
)

// forbiddenWebSocket extends forbiddenHTTP with headers that belong to the
// upgrade handshake itself and must not be copied verbatim to the upstream
// dial or the downstream accept.
var forbiddenWebSocket = newHeaderSet(
	"X-SDHC",
	"Avail-Dictionary",
	"Content-Length",
	"Content-Encoding",
	"Alternate-Protocol",
	"Alt-Svc",
	"Public-Key-Pins",
	"Public-Key-Pins-Report-Only",
	"Get-Dictionary",
	"Accept-Encoding",
	"Transfer-Encoding",
	"Sec-WebSocket-Extensions",
	"Sec-WebSocket-Key",
	"Sec-WebSocket-Version",
	"Sec-WebSocket-Accept",
	"Cookie",
	"Connection",
	"Upgrade",
)

type headerSet map[string]struct{}

func newHeaderSet(names ...string) headerSet {
	s := make(headerSet, len(names))
	for _, n := range names {
		s[http.CanonicalHeaderKey(n)] = struct{}{}
	}
	return s
}

func (s headerSet) has(name string) bool {
	_, ok := s[http.CanonicalHeaderKey(name)]
	return ok
}

// forbidden reports whether name must be stripped for protocol p unless the
// transaction's exempted set says otherwise.
func forbidden(p Protocol, name string) bool {
	if p == ProtocolWebSocket {
		return forbiddenWebSocket.has(name)
	}
	return forbiddenHTTP.has(name)
}

// copyHeaders copies src into dst, skipping headers forbidden for protocol p
// unless they appear in exempt. Host is deliberately never touched here —
// callers set Host explicitly from the original request.
func copyHeaders(dst, src http.Header, p Protocol, exempt headerSet) (stripped int) {
	for name, values := range src {
		if forbidden(p, name) && !exempt.has(name) {
			stripped++
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	return stripped
}
