package security

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	psk := bytes.Repeat([]byte{0x42}, PSKSize)
	m, err := NewManager(Options{PSKID: "test-psk", PSK: psk})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestNewManagerRejectsShortPSK(t *testing.T) {
	if _, err := NewManager(Options{PSK: []byte("short")}); err == nil {
		t.Error("expected error for short PSK")
	}
}

func TestPSKProofRoundTrip(t *testing.T) {
	m := testManager(t)

	challenge, err := NewChallenge()
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}

	proof := m.PSKProof(challenge, "node-a", "node-b")
	if err := m.VerifyPSKProof(proof, challenge, "node-a", "node-b"); err != nil {
		t.Errorf("VerifyPSKProof: %v", err)
	}

	// A proof is bound to the handshake parties.
	if err := m.VerifyPSKProof(proof, challenge, "node-a", "node-c"); err != ErrBadProof {
		t.Errorf("proof for other responder = %v, want ErrBadProof", err)
	}

	// Wrong PSK fails.
	other, _ := NewManager(Options{PSKID: "other", PSK: bytes.Repeat([]byte{0x13}, PSKSize)})
	if err := other.VerifyPSKProof(proof, challenge, "node-a", "node-b"); err != ErrBadProof {
		t.Errorf("proof under wrong key = %v, want ErrBadProof", err)
	}
}

func TestKeyProofRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	psk := bytes.Repeat([]byte{0x42}, PSKSize)
	signer, _ := NewManager(Options{PSKID: "psk", PSK: psk, SignKey: priv})
	verifier := testManager(t)
	verifier.TrustKey(pub)

	challenge, _ := NewChallenge()
	proof, err := signer.SignChallenge(challenge, "node-a", "node-b")
	if err != nil {
		t.Fatalf("SignChallenge: %v", err)
	}

	fp := PublicKeyFingerprint(pub)
	if err := verifier.VerifyKeyProof(fp, proof, challenge, "node-a", "node-b"); err != nil {
		t.Errorf("VerifyKeyProof: %v", err)
	}

	if err := verifier.VerifyKeyProof("unknown-fp", proof, challenge, "node-a", "node-b"); err != ErrUnknownCredential {
		t.Errorf("unknown fingerprint = %v, want ErrUnknownCredential", err)
	}

	proof[0] ^= 0x01
	if err := verifier.VerifyKeyProof(fp, proof, challenge, "node-a", "node-b"); err != ErrBadProof {
		t.Errorf("tampered proof = %v, want ErrBadProof", err)
	}
}

func TestSessionKeyAgreement(t *testing.T) {
	psk := bytes.Repeat([]byte{0x42}, PSKSize)
	a, _ := NewManager(Options{PSKID: "psk", PSK: psk})
	b, _ := NewManager(Options{PSKID: "psk", PSK: psk})

	challenge, _ := NewChallenge()
	ka, err := a.SessionKey(challenge)
	if err != nil {
		t.Fatalf("SessionKey a: %v", err)
	}
	kb, err := b.SessionKey(challenge)
	if err != nil {
		t.Fatalf("SessionKey b: %v", err)
	}

	if !bytes.Equal(ka, kb) {
		t.Error("both sides should derive the same session key")
	}

	otherChallenge, _ := NewChallenge()
	kc, _ := a.SessionKey(otherChallenge)
	if bytes.Equal(ka, kc) {
		t.Error("different challenges should derive different keys")
	}
}

func TestAEADSealOpen(t *testing.T) {
	m := testManager(t)
	challenge, _ := NewChallenge()
	key, _ := m.SessionKey(challenge)

	sealer, err := NewAEADSealer(key)
	if err != nil {
		t.Fatalf("NewAEADSealer: %v", err)
	}

	plaintext := []byte("document chunk bytes")
	ct, err := sealer.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ct, plaintext) {
		t.Error("ciphertext should not contain plaintext")
	}

	pt, err := sealer.Open(ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Errorf("Open = %q, want %q", pt, plaintext)
	}

	// Any bit flip breaks authentication.
	ct[len(ct)-1] ^= 0x01
	if _, err := sealer.Open(ct); err == nil {
		t.Error("Open of tampered ciphertext should fail")
	}
}

func TestTokenIssueVerify(t *testing.T) {
	ti := NewTokenIssuer()

	token, expiresAt, err := ti.Issue("node-b", []string{"sync"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Error("expiry should be in the future")
	}

	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "node-b" {
		t.Errorf("Subject = %q, want node-b", claims.Subject)
	}
	if len(claims.Scopes) != 1 || claims.Scopes[0] != "sync" {
		t.Errorf("Scopes = %v, want [sync]", claims.Scopes)
	}
}

func TestTokenVerifyRejectsForeign(t *testing.T) {
	a := NewTokenIssuer()
	b := NewTokenIssuer()

	token, _, _ := a.Issue("node-b", nil, time.Hour)
	if _, err := b.Verify(token); err != ErrTokenInvalid {
		t.Errorf("foreign token = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	ti := NewTokenIssuer()

	token, _, _ := ti.Issue("node-b", nil, -time.Minute)
	if _, err := ti.Verify(token); err != ErrTokenExpired {
		t.Errorf("expired token = %v, want ErrTokenExpired", err)
	}
}

func TestTokenRevocation(t *testing.T) {
	ti := NewTokenIssuer()

	token, _, _ := ti.Issue("node-b", nil, time.Hour)
	ti.Revoke(token)

	if _, err := ti.Verify(token); err != ErrTokenRevoked {
		t.Errorf("revoked token = %v, want ErrTokenRevoked", err)
	}
}

func TestGenerateTLSConfigAndPinning(t *testing.T) {
	m := testManager(t)

	tc, err := m.GenerateTLSConfig("test-node")
	if err != nil {
		t.Fatalf("GenerateTLSConfig: %v", err)
	}
	if tc.Fingerprint == "" {
		t.Fatal("fingerprint should be set")
	}

	rawCerts := [][]byte{tc.Certificate.Certificate[0]}
	if err := VerifyPeerFingerprint(rawCerts, tc.Fingerprint); err != nil {
		t.Errorf("VerifyPeerFingerprint: %v", err)
	}
	if err := VerifyPeerFingerprint(rawCerts, "deadbeef"); err == nil {
		t.Error("mismatched fingerprint should fail")
	}
}
