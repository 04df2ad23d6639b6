package citadelcore

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsHijackShim adapts an already-accepted net.Conn plus its live bufio
// reader into an http.ResponseWriter+Hijacker pair so gorilla/websocket's
// Upgrader — written against the http.Handler model — can drive the
// downstream handshake over a connection this proxy accepted itself
// rather than one net/http's server handed it: the transaction loop reads
// requests directly off the socket with no http.Server backing it.
type wsHijackShim struct {
	conn   net.Conn
	bufrw  *bufio.ReadWriter
	header http.Header
}

func newWSHijackShim(conn net.Conn, reader *bufio.Reader) *wsHijackShim {
	return &wsHijackShim{
		conn:   conn,
		bufrw:  bufio.NewReadWriter(reader, bufio.NewWriter(conn)),
		header: make(http.Header),
	}
}

func (s *wsHijackShim) Header() http.Header         { return s.header }
func (s *wsHijackShim) Write(b []byte) (int, error) { return s.bufrw.Write(b) }
func (s *wsHijackShim) WriteHeader(int)             {}
func (s *wsHijackShim) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return s.conn, s.bufrw, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true }, // origin policy is the host's to enforce via new_http_message
}

// handleWebSocket implements the upgrade handshake and bidirectional pump
// bridge. It owns the remainder of the physical connection: once the
// bridge ends the connection is always closed, matching a WebSocket's
// full-duplex, non-pipelined nature.
func (p *Proxy) handleWebSocket(rw net.Conn, reader *bufio.Reader, req *http.Request, isEncrypted bool, feature connFeature, log zerolog.Logger) error {
	id := p.ids.allocate()
	sessionLog := log.With().Str("ws_session_id", uuid.NewString()).Logger()
	sessionLog.Debug().Msg("websocket upgrade requested")

	targetURL := *req.URL
	targetURL.Host = req.Host
	if isEncrypted {
		targetURL.Scheme = "wss"
	} else {
		targetURL.Scheme = "ws"
	}

	httpVersion := "HTTP/1.0"
	if req.ProtoAtLeast(1, 1) {
		httpVersion = "HTTP/1.1"
	}
	msg := NewRequestMessageInfo(id, req.Method, &targetURL, httpVersion, ProtocolWebSocket)
	msg.IsEncrypted = isEncrypted
	setPeerAddrs(msg, feature)
	for name, values := range req.Header {
		for _, v := range values {
			msg.headers.Add(name, v)
		}
	}

	next := p.cfg.NewHTTPMessage(msg)
	msg.NextAction = next
	p.metrics.observeTransaction(ProtocolWebSocket, DirectionRequest, next)

	if next == DropConnection {
		return writeMessageResponse(rw, closeMessageInfo(msg))
	}

	dialHeader := make(http.Header)
	stripped := copyHeaders(dialHeader, req.Header, ProtocolWebSocket, msg.exemptedHeaders)
	p.metrics.observeHeadersStripped(ProtocolWebSocket, stripped)
	if c := req.Header.Get("Cookie"); c != "" {
		dialHeader.Set("Cookie", c)
	}
	if sp := req.Header.Get("Sec-WebSocket-Protocol"); sp != "" {
		dialHeader.Set("Sec-WebSocket-Protocol", sp)
	}

	upstream, upstreamResp, err := websocket.DefaultDialer.Dial(targetURL.String(), dialHeader)
	if err != nil {
		return fmt.Errorf("%w: websocket dial %s: %v", ErrUpstreamSendFailed, targetURL.String(), err)
	}
	defer upstream.Close()

	respHeader := make(http.Header)
	if upstreamResp != nil {
		if proto := upstreamResp.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
			respHeader.Set("Sec-WebSocket-Protocol", proto)
		}
	}

	shim := newWSHijackShim(rw, reader)
	downstream, err := upgrader.Upgrade(shim, req, respHeader)
	if err != nil {
		return fmt.Errorf("%w: websocket accept: %v", ErrHandshakeFailed, err)
	}
	defer downstream.Close()

	inspect := next != AllowAndIgnoreContent && next != AllowAndIgnoreContentAndResponse

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pumpWebSocket(downstream, upstream, msg, p.cfg, inspect)
	}()
	go func() {
		defer wg.Done()
		respMsg := NewResponseMessageInfo(msg)
		pumpWebSocket(upstream, downstream, respMsg, p.cfg, inspect)
	}()
	wg.Wait()
	sessionLog.Debug().Msg("websocket bridge closed")
	return nil
}

// pumpWebSocket relays frames from src to dst, tagging body_content_type
// per frame kind and running the whole-body inspection callback on each
// frame when inspection is enabled.
func pumpWebSocket(src, dst *websocket.Conn, msg *MessageInfo, cfg *HostConfig, inspect bool) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			reason := ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code, reason = ce.Code, ce.Text
			}
			_ = dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}

		if inspect {
			contentType := "text/plain"
			if mt == websocket.BinaryMessage {
				contentType = "application/octet-stream"
			}
			msg.CopyAndSetBody(data, 0, len(data), contentType)
			if cfg.WholeBodyInspection(msg) == DropConnection {
				_ = dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data = msg.Body()
		}

		if err := dst.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func closeMessageInfo(msg *MessageInfo) *MessageInfo {
	msg.ClearHeaders()
	if !msg.BodyIsUserCreated() {
		msg.MakeNoContent()
	}
	return msg
}
