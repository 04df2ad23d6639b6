package citadelcore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/text/cases"
)

// CertStore issues and caches TLS server certificates spoofed for whatever
// host the proxy is intercepting, all signed by a single in-memory root the
// store generates on construction.
//
// Uses EC P-256 throughout rather than RSA, and issues a distinct signed
// leaf per intercepted hostname instead of one fixed certificate.
type CertStore struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	// akid is the CA's Subject Key Identifier, copied into every leaf's
	// Authority Key Identifier extension.
	akid []byte

	foldCase cases.Caser

	mu      sync.Mutex
	leaves  map[string]*tls.Certificate // keyed by case-folded hostname
	gens    map[string]*sync.Once       // per-host generation lock
	metrics *Metrics
}

// NewCertStore generates a fresh EC P-256 CA with the given subject common
// name. It never touches disk or an OS trust store itself — installing the
// CA into a trust store is the caller's responsibility (NewProxy does it via
// HostConfig.TrustStore), a distinct, fallible step from CA generation.
func NewCertStore(authorityCN string) (*CertStore, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("citadelcore: generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("citadelcore: generate CA serial: %w", err)
	}

	ski := subjectKeyID(&key.PublicKey)

	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{authorityCN},
			CommonName:   authorityCN,
		},
		NotBefore:             time.Now().Add(-1 * 365 * 24 * time.Hour),
		NotAfter:              time.Now().Add(2 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
		SubjectKeyId:          ski,
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("citadelcore: self-sign CA: %w", err)
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("citadelcore: parse CA: %w", err)
	}

	return &CertStore{
		caCert:   caCert,
		caKey:    key,
		akid:     ski,
		foldCase: cases.Fold(),
		leaves:   make(map[string]*tls.Certificate),
		gens:     make(map[string]*sync.Once),
	}, nil
}

// CACertificate returns the root certificate, e.g. for exposing over the
// host configuration's trust-install hook.
func (s *CertStore) CACertificate() *x509.Certificate { return s.caCert }

// SetMetrics attaches a Metrics instance so future leaf issuance is counted.
// Optional: a nil-metrics store just skips the increment.
func (s *CertStore) SetMetrics(m *Metrics) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// subjectKeyID follows RFC 5280 §4.2.1.2 method (1): SHA-1 of the encoded
// public key bit string.
func subjectKeyID(pub *ecdsa.PublicKey) []byte {
	raw := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
	sum := sha1.Sum(raw)
	return sum[:]
}

// LeafFor returns the cached leaf certificate for host, generating and
// caching one on first use. Concurrent callers for the same host block on
// a single generation rather than racing to issue duplicate leaves; a
// cached leaf is never regenerated or overwritten within the process
// lifetime.
func (s *CertStore) LeafFor(host string) (*tls.Certificate, error) {
	key := s.foldCase.String(host)

	s.mu.Lock()
	if leaf, ok := s.leaves[key]; ok {
		s.mu.Unlock()
		return leaf, nil
	}
	once, ok := s.gens[key]
	if !ok {
		once = &sync.Once{}
		s.gens[key] = once
	}
	s.mu.Unlock()

	var genErr error
	once.Do(func() {
		leaf, err := s.issueLeaf(host)
		if err != nil {
			genErr = err
			return
		}
		s.mu.Lock()
		s.leaves[key] = leaf
		s.mu.Unlock()
	})
	if genErr != nil {
		return nil, genErr
	}

	s.mu.Lock()
	leaf := s.leaves[key]
	s.mu.Unlock()
	if leaf == nil {
		return nil, fmt.Errorf("citadelcore: leaf generation for %q failed on a concurrent call", host)
	}
	return leaf, nil
}

func (s *CertStore) issueLeaf(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("citadelcore: generate leaf key for %q: %w", host, err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("citadelcore: generate leaf serial for %q: %w", host, err)
	}

	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-1 * 365 * 24 * time.Hour),
		NotAfter:     time.Now().Add(2 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		AuthorityKeyId:     s.akid,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, s.caCert, &key.PublicKey, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("citadelcore: issue leaf for %q: %w", host, err)
	}

	s.mu.Lock()
	metrics := s.metrics
	s.mu.Unlock()
	if metrics != nil {
		metrics.LeafCertificatesIssued.Inc()
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, s.caCert.Raw},
		PrivateKey:  key,
	}, nil
}
