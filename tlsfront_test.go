package citadelcore

import (
	"crypto/tls"
	"errors"
	"net"
	"testing"
)

func TestSniffDetectsTLSHandshakeByte(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte{tlsRecordHandshake, 0x03, 0x01, 0x00, 0x05})
	}()

	result, err := sniff(server)
	if err != nil {
		t.Fatalf("sniff: %v", err)
	}
	if !result.isTLS {
		t.Fatalf("expected isTLS=true for a leading 0x16 byte")
	}

	// The peeked byte must still be readable by a subsequent Read — the
	// sniffed connection buffers and replays what it peeked.
	buf := make([]byte, 5)
	n, err := result.conn.Read(buf)
	if err != nil {
		t.Fatalf("Read after sniff: %v", err)
	}
	if n != 5 || buf[0] != tlsRecordHandshake {
		t.Fatalf("expected the sniffed byte to be replayed on Read, got %v (n=%d)", buf, n)
	}
}

func TestSniffDetectsPlaintextHTTP(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("GET / HTTP/1.1\r\n"))
	}()

	result, err := sniff(server)
	if err != nil {
		t.Fatalf("sniff: %v", err)
	}
	if result.isTLS {
		t.Fatalf("expected isTLS=false for a plaintext request line")
	}
}

func TestSniffPropagatesPeekFailure(t *testing.T) {
	client, server := net.Pipe()
	client.Close()
	defer server.Close()

	_, err := sniff(server)
	if err == nil {
		t.Fatalf("expected an error once the peer has closed before sending anything")
	}
	if !errors.Is(err, ErrHandshakePeekFailed) {
		t.Fatalf("expected ErrHandshakePeekFailed, got %v", err)
	}
}

func TestDownstreamTLSConfigRequiresSNI(t *testing.T) {
	certs, err := NewCertStore("Test Authority")
	if err != nil {
		t.Fatalf("NewCertStore: %v", err)
	}
	cfg := downstreamTLSConfig(certs)

	if _, err := cfg.GetCertificate(&tls.ClientHelloInfo{}); !errors.Is(err, ErrSniMissing) {
		t.Fatalf("expected ErrSniMissing for an empty ServerName, got %v", err)
	}
}
