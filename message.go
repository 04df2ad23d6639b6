package citadelcore

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Protocol distinguishes the wire protocol a MessageInfo describes.
type Protocol uint8

const (
	ProtocolHTTP Protocol = iota
	ProtocolWebSocket
)

func (p Protocol) String() string {
	if p == ProtocolWebSocket {
		return "websocket"
	}
	return "http"
}

// Direction distinguishes request-side from response-side MessageInfo.
type Direction uint8

const (
	DirectionRequest Direction = iota
	DirectionResponse
)

func (d Direction) String() string {
	if d == DirectionResponse {
		return "response"
	}
	return "request"
}

// ProxyNextAction is the seven-valued instruction a host callback returns to
// drive the transaction state machine.
type ProxyNextAction uint8

const (
	AllowAndIgnoreContent ProxyNextAction = iota
	AllowAndIgnoreContentAndResponse
	AllowButRequestContentInspection
	AllowButRequestStreamedContentInspection
	AllowButRequestResponseReplay
	AllowButDelegateHandler
	DropConnection
)

func (a ProxyNextAction) String() string {
	switch a {
	case AllowAndIgnoreContent:
		return "AllowAndIgnoreContent"
	case AllowAndIgnoreContentAndResponse:
		return "AllowAndIgnoreContentAndResponse"
	case AllowButRequestContentInspection:
		return "AllowButRequestContentInspection"
	case AllowButRequestStreamedContentInspection:
		return "AllowButRequestStreamedContentInspection"
	case AllowButRequestResponseReplay:
		return "AllowButRequestResponseReplay"
	case AllowButDelegateHandler:
		return "AllowButDelegateHandler"
	case DropConnection:
		return "DropConnection"
	default:
		return fmt.Sprintf("ProxyNextAction(%d)", uint8(a))
	}
}

// messageIDSource hands out process-unique, monotonically increasing,
// wrapping 32-bit transaction ids. Owned by a Proxy instance rather than a
// package global so multiple Proxy instances in one process (e.g. in
// tests) don't share a sequence.
type messageIDSource struct{ next uint32 }

func (s *messageIDSource) allocate() uint32 {
	return atomic.AddUint32(&s.next, 1)
}

// MessageInfo is the canonical per-transaction record shared across host
// callbacks.
type MessageInfo struct {
	MessageID uint32
	URL       *url.URL
	Method    string
	Status    int

	// HTTPVersion is the client's negotiated version, capped at 1.1, e.g. "HTTP/1.1".
	HTTPVersion string

	mu               sync.Mutex
	headers          http.Header
	exemptedHeaders  headerSet
	body             []byte
	bodyIsUserCreated bool
	bodyContentType  string

	Protocol  Protocol
	Direction Direction
	IsEncrypted bool

	LocalAddress  string
	LocalPort     int
	RemoteAddress string
	RemotePort    int

	NextAction ProxyNextAction

	// FulfillmentClient, if set, replaces the default upstream HTTP client
	// for this single transaction.
	FulfillmentClient *http.Client

	// OriginatingMessage is a non-owning back-reference from a response's
	// MessageInfo to its request's. Nil for a request. The response never
	// outlives the request's transaction scope, so this is safe to hold
	// as a plain pointer without creating a real reference cycle.
	OriginatingMessage *MessageInfo
}

// NewRequestMessageInfo builds the request-side MessageInfo for a freshly
// accepted transaction.
func NewRequestMessageInfo(id uint32, method string, u *url.URL, httpVersion string, protocol Protocol) *MessageInfo {
	return &MessageInfo{
		MessageID:       id,
		URL:             u,
		Method:          method,
		Status:          200,
		HTTPVersion:     httpVersion,
		headers:         make(http.Header),
		exemptedHeaders: make(headerSet),
		Protocol:        protocol,
		Direction:       DirectionRequest,
	}
}

// NewResponseMessageInfo builds the response-side MessageInfo, sharing the
// request's message id and exempted-header set and back-referencing it.
func NewResponseMessageInfo(req *MessageInfo) *MessageInfo {
	return &MessageInfo{
		MessageID:          req.MessageID,
		URL:                req.URL,
		Status:             200,
		HTTPVersion:        req.HTTPVersion,
		headers:            make(http.Header),
		exemptedHeaders:    req.exemptedHeaders,
		Protocol:           req.Protocol,
		Direction:          DirectionResponse,
		IsEncrypted:        req.IsEncrypted,
		LocalAddress:       req.LocalAddress,
		LocalPort:          req.LocalPort,
		RemoteAddress:      req.RemoteAddress,
		RemotePort:         req.RemotePort,
		OriginatingMessage: req,
	}
}

// Headers returns the transaction's mutable header multimap. It is
// case-insensitive by construction (http.Header semantics).
func (m *MessageInfo) Headers() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headers
}

// ExemptHeader marks name as bypassing the forbidden-header filter for this
// transaction.
func (m *MessageInfo) ExemptHeader(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exemptedHeaders[http.CanonicalHeaderKey(name)] = struct{}{}
}

func (m *MessageInfo) isExempt(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exemptedHeaders.has(name)
}

// Body returns a copy of the current body buffer.
func (m *MessageInfo) Body() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.body))
	copy(out, m.body)
	return out
}

// BodyIsUserCreated reports whether the body was last set via the public
// CopyAndSetBody API (as opposed to the internal ingest path).
func (m *MessageInfo) BodyIsUserCreated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bodyIsUserCreated
}

func (m *MessageInfo) BodyContentType() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bodyContentType
}

// setBodyInternal is the internal ingest path used while streaming bytes in
// from the wire; it never flips bodyIsUserCreated.
func (m *MessageInfo) setBodyInternal(b []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = b
	if contentType != "" {
		m.bodyContentType = contentType
	}
}

// CopyAndSetBody copies count bytes starting at offset from src into an
// owned buffer, sets body_is_user_created, and records the content type.
// This is the only public body-mutation entry point a host callback should
// use.
func (m *MessageInfo) CopyAndSetBody(src []byte, offset, count int, contentType string) {
	buf := make([]byte, count)
	copy(buf, src[offset:offset+count])
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = buf
	m.bodyIsUserCreated = true
	m.bodyContentType = contentType
}

// ClearHeaders discards every header set so far, leaving the body and
// status untouched. Used on DropConnection so a synthetic response never
// leaks the original request's or upstream's headers, regardless of
// whether a host callback went on to set a custom body via CopyAndSetBody.
func (m *MessageInfo) ClearHeaders() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers = make(http.Header)
}

// MakeNoContent clears headers, sets status 204, direction response, empties
// the body, and sets Expires to the Unix epoch per RFC 1123.
func (m *MessageInfo) MakeNoContent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers = make(http.Header)
	m.Status = 204
	m.Direction = DirectionResponse
	m.body = nil
	m.bodyIsUserCreated = false
	m.headers.Set("Expires", time.Unix(0, 0).UTC().Format(http.TimeFormat))
}

// MakeTemporaryRedirect clears headers and body, sets status 302, and sets
// Location and Expires.
func (m *MessageInfo) MakeTemporaryRedirect(location string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers = make(http.Header)
	m.Status = 302
	m.body = nil
	m.bodyIsUserCreated = false
	m.headers.Set("Location", location)
	m.headers.Set("Expires", time.Unix(0, 0).UTC().Format(http.TimeFormat))
}

// JSONField reads path out of the body via gjson when the body's content
// type indicates JSON. ok is false when the content type isn't JSON or the
// path doesn't resolve.
func (m *MessageInfo) JSONField(path string) (result gjson.Result, ok bool) {
	m.mu.Lock()
	ct := m.bodyContentType
	body := m.body
	m.mu.Unlock()
	if !isJSONContentType(ct) {
		return gjson.Result{}, false
	}
	r := gjson.GetBytes(body, path)
	return r, r.Exists()
}

// SetJSONField rewrites one field of a JSON body via sjson, leaving the
// buffer untouched if the existing body isn't valid JSON.
func (m *MessageInfo) SetJSONField(path string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !isJSONContentType(m.bodyContentType) {
		return fmt.Errorf("citadelcore: SetJSONField: body content type %q is not JSON", m.bodyContentType)
	}
	if !gjson.ValidBytes(m.body) {
		return fmt.Errorf("citadelcore: SetJSONField: body is not valid JSON")
	}
	next, err := sjson.SetBytes(m.body, path, value)
	if err != nil {
		return fmt.Errorf("citadelcore: SetJSONField: %w", err)
	}
	m.body = next
	m.bodyIsUserCreated = true
	return nil
}

func isJSONContentType(ct string) bool {
	if ct == "" {
		return false
	}
	// Cheap check; content types arrive as "application/json" or with a
	// "+json" structured-syntax suffix (e.g. application/hal+json).
	for i := 0; i+4 <= len(ct); i++ {
		if ct[i:i+4] == "json" {
			return true
		}
	}
	return false
}
