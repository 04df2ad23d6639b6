package citadelcore

import (
	"encoding/pem"
	"os"
	"testing"
)

func TestWriteTempPEMProducesValidBlock(t *testing.T) {
	store, err := NewCertStore("Test Authority")
	if err != nil {
		t.Fatalf("NewCertStore: %v", err)
	}
	der := store.CACertificate().Raw

	path, cleanup, err := writeTempPEM(der)
	if err != nil {
		t.Fatalf("writeTempPEM: %v", err)
	}
	defer cleanup()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read temp pem: %v", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatalf("expected a CERTIFICATE PEM block, got %+v", block)
	}
	if string(block.Bytes) != string(der) {
		t.Fatalf("round-tripped DER doesn't match original")
	}

	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected cleanup to remove the temp file, stat err = %v", err)
	}
}

func TestLinuxCAPathFallsBackWithoutCommonName(t *testing.T) {
	if got := linuxCAPath(""); got == "" {
		t.Fatalf("expected a non-empty fallback path")
	}
}

func TestOSTrustStoreRemoveRejectsUnparseableDER(t *testing.T) {
	var ts OSTrustStore
	if err := ts.Remove([]byte("not a certificate")); err == nil {
		t.Fatalf("expected Remove to reject bytes that aren't a valid certificate")
	}
}
