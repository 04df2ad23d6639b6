package citadelcore

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxTransactionBodyBytes caps in-memory buffering per direction at 128 MiB.
const maxTransactionBodyBytes = 128 * 1024 * 1024

// Proxy is the top-level object embedding hosts construct: it owns the
// certificate store, the metrics registry, the logger, and the running
// transaction state machine. It's a named, embeddable type rather than
// closure-captured shared state, since this core is meant to be embedded
// in a host process rather than run as one process's global state.
type Proxy struct {
	cfg     *HostConfig
	certs   *CertStore
	metrics *Metrics
	log     zerolog.Logger
	ids     messageIDSource
	replay  *ReplayServer

	replayMu   sync.RWMutex
	replayPort int
}

// NewProxy validates cfg, mints the certificate authority, and installs it
// into the host's trust store. It does not bind any listeners; that is
// LifecycleController's job.
func NewProxy(cfg *HostConfig) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	certs, err := NewCertStore(cfg.AuthorityName)
	if err != nil {
		return nil, err
	}
	// Every process mints a fresh CA, so any stale CA left behind by a
	// previous run under the same authority name is removed before the new
	// one is installed; TrustStore implementations must tolerate removing
	// an absent certificate.
	_ = cfg.TrustStore.Remove(certs.CACertificate().Raw)
	if err := cfg.TrustStore.Install(certs.CACertificate().Raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrustInstallFailed, err)
	}

	var metrics *Metrics
	if cfg.Metrics.Enabled {
		metrics = NewMetrics()
		certs.SetMetrics(metrics)
		instrumentUpstreamClient(cfg.CustomProxyHandler, metrics)
	}

	return &Proxy{
		cfg:     cfg,
		certs:   certs,
		metrics: metrics,
		log:     NewLogger(cfg.Log),
	}, nil
}

// bindReplayServer starts the private loopback replay listener and records
// its port so response replays can compute their public URL.
func (p *Proxy) bindReplayServer() error {
	p.replay = NewReplayServer(p.cfg.ReplayListen)
	addr, err := p.replay.Start()
	if err != nil {
		return err
	}
	p.replayMu.Lock()
	p.replayPort = addr.Port
	p.replayMu.Unlock()
	return nil
}

func (p *Proxy) currentReplayPort() int {
	p.replayMu.RLock()
	defer p.replayMu.RUnlock()
	return p.replayPort
}

// ServeConn drives one accepted socket end to end: sniffing, optional TLS
// termination, and repeated HTTP transaction/WebSocket handling until the
// connection closes. Panics inside a single transaction are recovered so
// one bad transaction cannot take an accept loop down.
func (p *Proxy) ServeConn(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("recovered panic serving connection")
		}
	}()
	if err := p.handleConnection(conn); err != nil {
		logTransactionError(p.log, 0, err)
	}
}

func (p *Proxy) handleConnection(conn net.Conn) error {
	// connID correlates every log line this physical connection produces,
	// across however many pipelined transactions it carries, the way an
	// external packet Diverter's own per-flow tracing would key its lines.
	connID := uuid.NewString()
	connLog := p.log.With().Str("conn_id", connID).Logger()

	res, err := sniff(conn)
	if err != nil {
		return err
	}

	var rw net.Conn = res.conn
	isEncrypted := false
	if res.isTLS {
		tlsConn, _, err := handshakeDownstream(res.conn, p.certs, p.cfg.HandshakeTimeout)
		if err != nil {
			return err
		}
		rw = tlsConn
		isEncrypted = true
	}

	connLog.Debug().Bool("encrypted", isEncrypted).Msg("connection accepted")

	reader := bufio.NewReader(rw)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return nil // client closed or sent garbage; nothing left to log per transaction
		}
		req.RemoteAddr = conn.RemoteAddr().String()

		feature := connFeature{
			RawTarget:   req.RequestURI,
			IsEncrypted: isEncrypted,
			LocalAddr:   conn.LocalAddr(),
			RemoteAddr:  conn.RemoteAddr(),
		}

		switch dispatch(req) {
		case routeWebSocket:
			return p.handleWebSocket(rw, reader, req, isEncrypted, feature, connLog)
		case routeHTTP:
			keepAlive, err := p.handleHTTPTransaction(rw, req, isEncrypted, feature, connLog)
			if err != nil || !keepAlive {
				return err
			}
		default:
			return nil
		}
	}
}

// handleHTTPTransaction runs the inspection/proxy state machine for a
// single request/response pair and reports whether the connection should
// stay open for another request.
func (p *Proxy) handleHTTPTransaction(rw net.Conn, req *http.Request, isEncrypted bool, feature connFeature, log zerolog.Logger) (keepAlive bool, err error) {
	id := p.ids.allocate()
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.TransactionDuration.WithLabelValues(ProtocolHTTP.String()).Observe(time.Since(start).Seconds())
		}
	}()

	rawURL := resolveURL(req, feature, isEncrypted)
	parsedURL, perr := url.Parse(rawURL)
	if perr != nil {
		parsedURL = req.URL
	}

	httpVersion := "HTTP/1.0"
	if req.ProtoAtLeast(1, 1) {
		httpVersion = "HTTP/1.1"
	}

	reqMsg := NewRequestMessageInfo(id, req.Method, parsedURL, httpVersion, ProtocolHTTP)
	reqMsg.IsEncrypted = isEncrypted
	setPeerAddrs(reqMsg, feature)
	for name, values := range req.Header {
		for _, v := range values {
			reqMsg.headers.Add(name, v)
		}
	}
	reqMsg.setBodyInternal(nil, req.Header.Get("Content-Type"))

	next := p.cfg.NewHTTPMessage(reqMsg)
	reqMsg.NextAction = next
	p.metrics.observeTransaction(ProtocolHTTP, DirectionRequest, next)

	if next == DropConnection {
		reqMsg.ClearHeaders()
		if !reqMsg.BodyIsUserCreated() {
			reqMsg.MakeNoContent()
		}
		return false, writeMessageResponse(rw, reqMsg)
	}

	if next == AllowButDelegateHandler {
		return false, p.cfg.ExternalRequestHandler(reqMsg, req, rw)
	}

	upstreamReq, err := p.buildUpstreamRequest(req, reqMsg, next)
	if err != nil {
		return false, err
	}

	if next == AllowButRequestContentInspection {
		body, capped, rerr := readCapped(req.Body, maxTransactionBodyBytes)
		if rerr != nil {
			return false, fmt.Errorf("%w: %v", ErrUpstreamReadFailed, rerr)
		}
		if capped {
			log.Warn().Uint32("message_id", id).Msg("request body capped at buffer limit")
		}
		reqMsg.setBodyInternal(body, reqMsg.BodyContentType())
		next = p.cfg.WholeBodyInspection(reqMsg)
		reqMsg.NextAction = next
		if next == DropConnection {
			reqMsg.ClearHeaders()
			if !reqMsg.BodyIsUserCreated() {
				reqMsg.MakeNoContent()
			}
			return false, writeMessageResponse(rw, reqMsg)
		}
		finalBody := reqMsg.Body()
		upstreamReq.Body = io.NopCloser(newByteReader(finalBody))
		upstreamReq.ContentLength = int64(len(finalBody))
		upstreamReq.Header.Set("Content-Length", fmt.Sprintf("%d", len(finalBody)))
	}

	client := reqMsg.FulfillmentClient
	if client == nil {
		client = p.cfg.CustomProxyHandler
	}
	resp, err := client.Do(upstreamReq)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUpstreamSendFailed, err)
	}
	defer resp.Body.Close()

	respMsg := NewResponseMessageInfo(reqMsg)
	respMsg.Status = resp.StatusCode
	stripped := copyHeaders(respMsg.headers, resp.Header, ProtocolHTTP, reqMsg.exemptedHeaders)
	p.metrics.observeHeadersStripped(ProtocolHTTP, stripped)
	respMsg.setBodyInternal(nil, resp.Header.Get("Content-Type"))
	// Forward the filtered header set (and any host edits to it), not the
	// raw upstream headers.
	resp.Header = respMsg.Headers()

	if next == AllowAndIgnoreContentAndResponse {
		return p.forwardRaw(rw, resp, req)
	}

	next2 := p.cfg.NewHTTPMessage(respMsg)
	respMsg.NextAction = next2
	p.metrics.observeTransaction(ProtocolHTTP, DirectionResponse, next2)

	switch next2 {
	case DropConnection:
		respMsg.ClearHeaders()
		if !respMsg.BodyIsUserCreated() {
			respMsg.MakeNoContent()
		}
		return false, writeMessageResponse(rw, respMsg)

	case AllowButDelegateHandler:
		return false, p.cfg.ExternalRequestHandler(respMsg, req, rw)

	case AllowButRequestContentInspection:
		body, capped, rerr := readCapped(resp.Body, maxTransactionBodyBytes)
		if rerr != nil {
			return false, fmt.Errorf("%w: %v", ErrUpstreamReadFailed, rerr)
		}
		if capped {
			log.Warn().Uint32("message_id", id).Msg("response body capped at buffer limit")
		}
		respMsg.setBodyInternal(body, respMsg.BodyContentType())
		final := p.cfg.WholeBodyInspection(respMsg)
		respMsg.NextAction = final
		if final == DropConnection {
			respMsg.ClearHeaders()
			if !respMsg.BodyIsUserCreated() {
				respMsg.MakeNoContent()
			}
			return false, writeMessageResponse(rw, respMsg)
		}
		return p.writeBufferedResponse(rw, req, resp, respMsg)

	case AllowButRequestStreamedContentInspection:
		resp.Body = &inspectionStream{underlying: resp.Body, msg: respMsg, cb: p.cfg.StreamedInspection}
		return p.forwardRaw(rw, resp, req)

	case AllowButRequestResponseReplay:
		replay := &ResponseReplay{MessageInfo: cloneMessageInfoForReplay(respMsg), metrics: p.metrics}
		resp.Body = &replayTee{src: resp.Body, replay: replay}
		p.replay.Register(p.currentReplayPort(), replay)
		if p.metrics != nil {
			p.metrics.ReplayActive.Inc()
		}
		p.cfg.ReplayInspection(respMsg, replay.ReplayURL)
		keepAlive, err = p.forwardRaw(rw, resp, req)
		if p.metrics != nil {
			p.metrics.ReplayActive.Dec()
		}
		return keepAlive, err

	default: // AllowAndIgnoreContent
		return p.forwardRaw(rw, resp, req)
	}
}

func setPeerAddrs(msg *MessageInfo, feature connFeature) {
	if a, ok := feature.LocalAddr.(*net.TCPAddr); ok {
		msg.LocalAddress = a.IP.String()
		msg.LocalPort = a.Port
	}
	if a, ok := feature.RemoteAddr.(*net.TCPAddr); ok {
		msg.RemoteAddress = a.IP.String()
		msg.RemotePort = a.Port
	}
}

// buildUpstreamRequest constructs the outbound request mirroring the
// client's method, URL, and version (capped at 1.1), copying non-forbidden
// headers.
func (p *Proxy) buildUpstreamRequest(req *http.Request, reqMsg *MessageInfo, next ProxyNextAction) (*http.Request, error) {
	var body io.ReadCloser
	hasLength := req.ContentLength > 0 || req.TransferEncoding != nil

	switch next {
	case AllowButRequestStreamedContentInspection:
		body = &inspectionStream{underlying: req.Body, msg: reqMsg, cb: p.cfg.StreamedInspection}
	case AllowButRequestContentInspection:
		body = req.Body // consumed and replaced by the caller after buffering
	default:
		if hasLength {
			body = req.Body
		}
	}

	upstreamReq, err := http.NewRequest(req.Method, reqMsg.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("citadelcore: build upstream request: %w", err)
	}
	upstreamReq.Host = req.Host
	upstreamReq.ContentLength = req.ContentLength

	stripped := copyHeaders(upstreamReq.Header, req.Header, ProtocolHTTP, reqMsg.exemptedHeaders)
	p.metrics.observeHeadersStripped(ProtocolHTTP, stripped)

	if req.Header.Get("Content-Length") == "0" {
		upstreamReq.Header.Set("Content-Length", "0")
	}
	return upstreamReq, nil
}

// forwardRaw streams resp to rw as-is, preserving Content-Length semantics
// for HTTP/1.0 and chunked framing for 1.1 when length is absent, and
// reports whether the connection can be reused.
func (p *Proxy) forwardRaw(rw net.Conn, resp *http.Response, req *http.Request) (bool, error) {
	resp.Close = !keepAliveEligible(req, resp)
	if !req.ProtoAtLeast(1, 1) {
		return p.forwardBufferedHTTP10(rw, resp)
	}
	if err := resp.Write(rw); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUpstreamReadFailed, err)
	}
	return !resp.Close, nil
}

// forwardBufferedHTTP10 fully reads resp's body and rewrites it with an
// exact Content-Length before writing it out, since HTTP/1.0 has no chunked
// transfer-encoding for a downstream client to parse. Connections are
// always closed afterward; this proxy doesn't implement HTTP/1.0 keep-alive.
func (p *Proxy) forwardBufferedHTTP10(rw net.Conn, resp *http.Response) (bool, error) {
	body, _, err := readCapped(resp.Body, maxTransactionBodyBytes)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUpstreamReadFailed, err)
	}
	resp.Body = io.NopCloser(newByteReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
	resp.Header.Del("Transfer-Encoding")
	resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	resp.Close = true
	resp.ProtoMajor = 1
	resp.ProtoMinor = 0
	resp.Proto = "HTTP/1.0"
	if err := resp.Write(rw); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUpstreamReadFailed, err)
	}
	return false, nil
}

// writeBufferedResponse writes a response whose body has already been
// fully buffered into respMsg (possibly mutated by a whole-body inspection
// callback), setting an exact Content-Length.
func (p *Proxy) writeBufferedResponse(rw net.Conn, req *http.Request, resp *http.Response, respMsg *MessageInfo) (bool, error) {
	body := respMsg.Body()
	resp.Body = io.NopCloser(newByteReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	resp.TransferEncoding = nil
	return p.forwardRaw(rw, resp, req)
}

func keepAliveEligible(req *http.Request, resp *http.Response) bool {
	if req.Close || resp.Close {
		return false
	}
	if !req.ProtoAtLeast(1, 1) {
		return false
	}
	return true
}

// readCapped reads r fully but never more than max bytes, reporting
// whether the cap was hit. A capped read is still treated as body-complete
// at the cap rather than an error.
func readCapped(r io.Reader, max int) (data []byte, capped bool, err error) {
	if r == nil {
		return nil, false, nil
	}
	limited := io.LimitReader(r, int64(max)+1)
	data, err = io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if len(data) > max {
		return data[:max], true, nil
	}
	return data, false, nil
}

func newByteReader(b []byte) io.Reader {
	return &byteReader{b: b}
}

type byteReader struct {
	b []byte
	i int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

// writeMessageResponse writes a synthetic response wholly derived from a
// MessageInfo's status/headers/body, used for DropConnection and 204/302
// synthesis where there is no upstream http.Response to forward.
func writeMessageResponse(w io.Writer, msg *MessageInfo) error {
	msg.mu.Lock()
	status := msg.Status
	headers := msg.headers.Clone()
	body := msg.body
	msg.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}

	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status)); err != nil {
		return err
	}
	if headers == nil {
		headers = make(http.Header)
	}
	headers.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	if err := headers.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if _, err := bw.Write(body); err != nil {
		return err
	}
	return bw.Flush()
}

// cloneMessageInfoForReplay produces an independent MessageInfo the replay
// server can safely read from a different goroutine while the live
// response continues streaming to the original client.
func cloneMessageInfoForReplay(src *MessageInfo) *MessageInfo {
	src.mu.Lock()
	defer src.mu.Unlock()
	clone := &MessageInfo{
		MessageID:   src.MessageID,
		URL:         src.URL,
		Status:      src.Status,
		HTTPVersion: src.HTTPVersion,
		headers:     src.headers.Clone(),
		Protocol:    src.Protocol,
		Direction:   src.Direction,
	}
	if clone.headers == nil {
		clone.headers = make(http.Header)
	}
	return clone
}

// inspectionStream wraps a body reader so every chunk pulled through it (or
// its close) invokes the host's streamed-inspection callback. The wrapper
// is the sole owner of the underlying stream, so its close hook fires
// exactly once regardless of whether EOF or an explicit Close triggers it.
type inspectionStream struct {
	underlying io.ReadCloser
	msg        *MessageInfo
	cb         StreamedInspectionFunc

	closeOnce sync.Once
	dropped   bool
}

func (s *inspectionStream) Read(p []byte) (int, error) {
	if s.dropped {
		return 0, io.EOF
	}
	n, err := s.underlying.Read(p)
	if n > 0 && s.cb != nil && s.cb(s.msg, StreamRead, p[:n]) {
		s.dropped = true
		_ = s.Close()
		return n, io.EOF
	}
	if err != nil {
		s.invokeClose()
	}
	return n, err
}

func (s *inspectionStream) invokeClose() {
	s.closeOnce.Do(func() {
		if s.cb != nil {
			s.cb(s.msg, StreamClose, nil)
		}
	})
}

func (s *inspectionStream) Close() error {
	s.invokeClose()
	return s.underlying.Close()
}

// replayTee duplicates every chunk read from src into a ResponseReplay
// while the caller streams the same bytes onward, without a second
// goroutine: the single read that feeds the client write is the same read
// that feeds the replay queue.
type replayTee struct {
	src    io.ReadCloser
	replay *ResponseReplay
}

func (t *replayTee) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		if !t.replay.WriteBodyBytes(p[:n]) {
			t.replay.Abort()
		}
	}
	if err != nil {
		if err == io.EOF {
			t.replay.markComplete()
		} else {
			t.replay.markSourceAborted()
		}
	}
	return n, err
}

func (t *replayTee) Close() error {
	t.replay.markComplete()
	return t.src.Close()
}
