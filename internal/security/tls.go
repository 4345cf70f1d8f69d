package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// TLSConfig wraps the self-signed certificate used when use_ssl is enabled.
// Peers are verified by public key fingerprint, not by chain of trust.
type TLSConfig struct {
	Certificate tls.Certificate
	CertPEM     []byte
	Fingerprint string
}

// GenerateTLSConfig creates a self-signed Ed25519 certificate for this
// node. When the manager has no keypair a fresh one is generated just for
// transport encryption.
func (m *Manager) GenerateTLSConfig(nodeName string) (*TLSConfig, error) {
	privKey := m.signKey
	if privKey == nil {
		var err error
		_, privKey, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate TLS key: %w", err)
		}
	}
	pubKey := privKey.Public().(ed25519.PublicKey)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   nodeName,
			Organization: []string{"trosync"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(10 * 365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,

		// Any IP/DNS works for LAN peer connections; identity comes from
		// the fingerprint, not the subject.
		IPAddresses: []net.IP{net.IPv4zero, net.IPv6zero},
		DNSNames:    []string{"localhost", "*"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pubKey, privKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	privKeyBytes, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privKeyBytes})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("create TLS certificate: %w", err)
	}
	ZeroBytes(keyPEM)

	return &TLSConfig{
		Certificate: tlsCert,
		CertPEM:     certPEM,
		Fingerprint: PublicKeyFingerprint(pubKey),
	}, nil
}

// ServerTLSConfig returns the listener-side TLS config. TLS provides
// transport encryption only; peer identity is established by the
// challenge-response handshake that follows.
func (tc *TLSConfig) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{tc.Certificate},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,

		// Verified by fingerprint, not CA chain.
		InsecureSkipVerify: true,
	}
}

// ClientTLSConfig returns the dialer-side TLS config. When the peer's
// fingerprint is known in advance it is pinned.
func (tc *TLSConfig) ClientTLSConfig(expectedFingerprint string) *tls.Config {
	cfg := &tls.Config{
		Certificates:       []tls.Certificate{tc.Certificate},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
	}
	if expectedFingerprint != "" {
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return VerifyPeerFingerprint(rawCerts, expectedFingerprint)
		}
	}
	return cfg
}

// VerifyPeerFingerprint checks that the peer certificate's Ed25519 public
// key matches the expected fingerprint.
func VerifyPeerFingerprint(rawCerts [][]byte, expectedFingerprint string) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("no peer certificate provided")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse peer certificate: %w", err)
	}
	pubKey, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("peer certificate does not contain Ed25519 key")
	}
	if got := PublicKeyFingerprint(pubKey); got != expectedFingerprint {
		return fmt.Errorf("peer fingerprint mismatch: got %s, expected %s", got, expectedFingerprint)
	}
	return nil
}
