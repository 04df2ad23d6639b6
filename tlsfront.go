package citadelcore

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// sniffBufferSize is the amount of leading connection data the front end
// peeks before deciding whether the stream opens with a TLS ClientHello.
const sniffBufferSize = 4096

// tlsRecordHandshake is the first byte of a TLS record carrying a
// handshake message (RFC 8446 §5.1). A ClientHello always begins with one
// of these on the wire; anything else is treated as plaintext HTTP.
const tlsRecordHandshake = 0x16

// bufferedConn lets the front end peek bytes off a net.Conn via a
// bufio.Reader and then hand the same connection to a plaintext HTTP
// handler or a TLS handshake without losing what was already read —
// buffer and replay.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufferedConn(c net.Conn) *bufferedConn {
	return &bufferedConn{Conn: c, r: bufio.NewReaderSize(c, sniffBufferSize)}
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// sniffResult is what the front end learned about an accepted socket
// before handing it further down the dispatcher.
type sniffResult struct {
	isTLS bool
	conn  *bufferedConn
}

// sniff peeks the leading byte of conn to distinguish a TLS ClientHello
// from plaintext HTTP without consuming it.
func sniff(conn net.Conn) (sniffResult, error) {
	bc := newBufferedConn(conn)
	lead, err := bc.r.Peek(1)
	if err != nil {
		return sniffResult{}, fmt.Errorf("%w: %v", ErrHandshakePeekFailed, err)
	}
	return sniffResult{isTLS: lead[0] == tlsRecordHandshake, conn: bc}, nil
}

// downstreamTLSConfig builds the *tls.Config used to terminate the
// downstream (client-facing) side of a MITM'd connection. It picks a leaf
// from certs by the ClientHello's SNI and deliberately permits a generous
// protocol floor: the client may be legacy software the proxy has no
// control over, while the upstream leg always negotiates with modern
// defaults.
func downstreamTLSConfig(certs *CertStore) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionSSL30, //lint:ignore SA1019 downstream range is intentionally generous to tolerate legacy clients
		MaxVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName == "" {
				return nil, ErrSniMissing
			}
			return certs.LeafFor(hello.ServerName)
		},
	}
}

// handshakeDownstream performs the server-side TLS handshake and returns
// the now-encrypted connection along with the SNI name. The handshake does
// not request a client certificate, and none is returned or forwarded
// upstream.
func handshakeDownstream(bc *bufferedConn, certs *CertStore, handshakeTimeout time.Duration) (*tls.Conn, string, error) {
	cfg := downstreamTLSConfig(certs)
	tlsConn := tls.Server(bc, cfg)
	if handshakeTimeout > 0 {
		_ = bc.SetDeadline(time.Now().Add(handshakeTimeout))
	}
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if handshakeTimeout > 0 {
		_ = bc.SetDeadline(time.Time{})
	}
	return tlsConn, tlsConn.ConnectionState().ServerName, nil
}
