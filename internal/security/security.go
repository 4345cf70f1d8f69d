// Package security owns key material and every cryptographic operation the
// sync subsystem performs: HMAC challenge proofs, AEAD payload sealing,
// session token issuance, and TLS certificate generation.
package security

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// PSKSize is the required byte length of a pre-shared key.
const PSKSize = 32

// ChallengeSize is the byte length of handshake challenges.
const ChallengeSize = 32

var (
	// ErrNoCredential is returned when an operation needs key material the
	// manager was not configured with.
	ErrNoCredential = errors.New("no credential material configured")

	// ErrUnknownCredential is returned when a peer presents a credential id
	// that is not in the trusted set.
	ErrUnknownCredential = errors.New("unknown credential")

	// ErrBadProof is returned when a challenge proof fails verification.
	ErrBadProof = errors.New("challenge proof verification failed")
)

// Manager holds this node's key material and the credentials of trusted
// peers. The pre-shared key signs every wire envelope and, in PSK mode,
// proves identity during the handshake; an optional per-node Ed25519
// keypair proves identity instead when configured.
type Manager struct {
	pskID string
	psk   []byte

	signKey     ed25519.PrivateKey
	fingerprint string

	// trustedKeys maps a peer's public key fingerprint to its Ed25519
	// public key for keypair-mode handshakes.
	trustedKeys map[string]ed25519.PublicKey

	tokens *TokenIssuer
}

// Options configures a security manager.
type Options struct {
	PSKID string
	PSK   []byte

	// SignKey enables keypair-mode handshakes when set.
	SignKey ed25519.PrivateKey

	// TrustedKeys maps fingerprint -> public key of peers allowed to
	// authenticate with a keypair.
	TrustedKeys map[string]ed25519.PublicKey
}

// NewManager creates a manager from the given key material.
func NewManager(opts Options) (*Manager, error) {
	if len(opts.PSK) != PSKSize {
		return nil, fmt.Errorf("pre-shared key must be %d bytes, got %d", PSKSize, len(opts.PSK))
	}

	m := &Manager{
		pskID:       opts.PSKID,
		psk:         opts.PSK,
		signKey:     opts.SignKey,
		trustedKeys: opts.TrustedKeys,
		tokens:      NewTokenIssuer(),
	}
	if m.trustedKeys == nil {
		m.trustedKeys = make(map[string]ed25519.PublicKey)
	}
	if opts.SignKey != nil {
		m.fingerprint = PublicKeyFingerprint(opts.SignKey.Public().(ed25519.PublicKey))
	}
	return m, nil
}

// PSKID returns the identifier of the configured pre-shared key.
func (m *Manager) PSKID() string {
	return m.pskID
}

// SigningSecret returns the key used for envelope HMAC signatures.
func (m *Manager) SigningSecret() []byte {
	return m.psk
}

// Fingerprint returns this node's public key fingerprint, or the empty
// string in PSK-only mode.
func (m *Manager) Fingerprint() string {
	return m.fingerprint
}

// HasKeypair reports whether keypair-mode handshakes are available.
func (m *Manager) HasKeypair() bool {
	return m.signKey != nil
}

// TrustKey registers a peer public key for keypair-mode handshakes.
func (m *Manager) TrustKey(pub ed25519.PublicKey) {
	m.trustedKeys[PublicKeyFingerprint(pub)] = pub
}

// Tokens exposes the session token issuer.
func (m *Manager) Tokens() *TokenIssuer {
	return m.tokens
}

// NewChallenge returns a fresh random handshake challenge.
func NewChallenge() ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	return challenge, nil
}

// proofInput binds the challenge to both handshake parties so a proof
// captured from one handshake cannot be replayed into another.
func proofInput(challenge []byte, initiator, responder string) []byte {
	buf := make([]byte, 0, len(challenge)+len(initiator)+len(responder)+2)
	buf = append(buf, challenge...)
	buf = append(buf, 0)
	buf = append(buf, initiator...)
	buf = append(buf, 0)
	buf = append(buf, responder...)
	return buf
}

// PSKProof computes the PSK-mode proof for a handshake challenge.
func (m *Manager) PSKProof(challenge []byte, initiator, responder string) []byte {
	return hmacSHA256(m.psk, proofInput(challenge, initiator, responder))
}

// VerifyPSKProof checks a PSK-mode challenge proof in constant time.
func (m *Manager) VerifyPSKProof(proof, challenge []byte, initiator, responder string) error {
	want := m.PSKProof(challenge, initiator, responder)
	if subtle.ConstantTimeCompare(proof, want) != 1 {
		return ErrBadProof
	}
	return nil
}

// SignChallenge computes the keypair-mode proof: an Ed25519 signature over
// the bound challenge.
func (m *Manager) SignChallenge(challenge []byte, initiator, responder string) ([]byte, error) {
	if m.signKey == nil {
		return nil, ErrNoCredential
	}
	return ed25519.Sign(m.signKey, proofInput(challenge, initiator, responder)), nil
}

// VerifyKeyProof checks a keypair-mode proof against the trusted key for
// the given fingerprint.
func (m *Manager) VerifyKeyProof(fingerprint string, proof, challenge []byte, initiator, responder string) error {
	pub, ok := m.trustedKeys[fingerprint]
	if !ok {
		return ErrUnknownCredential
	}
	if !ed25519.Verify(pub, proofInput(challenge, initiator, responder), proof) {
		return ErrBadProof
	}
	return nil
}

// SessionKey derives the AEAD session key both handshake parties share,
// from the PSK and the handshake challenge.
func (m *Manager) SessionKey(challenge []byte) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, m.psk, challenge, []byte("trosync session key"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// PublicKeyFingerprint returns the hex SHA-256 of an Ed25519 public key.
func PublicKeyFingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// GeneratePSK returns a fresh random pre-shared key.
func GeneratePSK() ([]byte, error) {
	psk := make([]byte, PSKSize)
	if _, err := rand.Read(psk); err != nil {
		return nil, fmt.Errorf("generate psk: %w", err)
	}
	return psk, nil
}

// ZeroBytes overwrites sensitive byte slices.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
