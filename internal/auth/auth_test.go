package auth

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"net"
	"testing"
	"time"

	"trosyn.dev/go/trosync/internal/protocol"
	"trosyn.dev/go/trosync/internal/security"
)

var clusterPSK = bytes.Repeat([]byte{0x42}, security.PSKSize)

func testManager(t *testing.T, nodeID string, psk []byte, opts Options) *Manager {
	t.Helper()
	sec, err := security.NewManager(security.Options{PSKID: "cluster-1", PSK: psk})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	codec := protocol.NewCodec(nodeID, psk, 30*time.Second)
	if opts.NodeName == "" {
		opts.NodeName = nodeID + "-name"
	}
	return NewManager(codec, sec, opts)
}

// runHandshake drives both sides over a pipe and returns their results.
func runHandshake(t *testing.T, initiator, responder *Manager) (*Session, error, *Session, error) {
	t.Helper()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		session *Session
		err     error
	}
	respCh := make(chan result, 1)
	go func() {
		s, err := responder.Respond(server)
		respCh <- result{s, err}
	}()

	initSession, initErr := initiator.Initiate(client)
	resp := <-respCh
	return initSession, initErr, resp.session, resp.err
}

func TestHandshakePSK(t *testing.T) {
	a := testManager(t, "node-a", clusterPSK, Options{})
	b := testManager(t, "node-b", clusterPSK, Options{})

	aSession, aErr, bSession, bErr := runHandshake(t, a, b)
	if aErr != nil {
		t.Fatalf("initiator: %v", aErr)
	}
	if bErr != nil {
		t.Fatalf("responder: %v", bErr)
	}

	if aSession.NodeID != "node-b" {
		t.Errorf("initiator session node = %q, want node-b", aSession.NodeID)
	}
	if bSession.NodeID != "node-a" {
		t.Errorf("responder session node = %q, want node-a", bSession.NodeID)
	}
	if aSession.Token == "" || aSession.Token != bSession.Token {
		t.Error("session token not shared")
	}
	if !bytes.Equal(aSession.Key, bSession.Key) {
		t.Error("session keys diverge")
	}

	// The responder can verify the token it issued.
	if err := b.VerifyToken("node-a", aSession.Token); err != nil {
		t.Errorf("VerifyToken: %v", err)
	}
	// But not against a different subject.
	if err := b.VerifyToken("node-x", aSession.Token); err == nil {
		t.Error("token verified for wrong peer")
	}

	if _, ok := a.Session("node-b"); !ok {
		t.Error("initiator did not store the session")
	}
	if _, ok := b.Session("node-a"); !ok {
		t.Error("responder did not store the session")
	}
}

func TestHandshakeEd25519(t *testing.T) {
	pubA, privA, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	secA, err := security.NewManager(security.Options{
		PSKID:   "cluster-1",
		PSK:     clusterPSK,
		SignKey: privA,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	a := NewManager(protocol.NewCodec("node-a", clusterPSK, 30*time.Second), secA, Options{NodeName: "alpha"})

	// The responder must trust the initiator's public key.
	bSec, err := security.NewManager(security.Options{
		PSKID:       "cluster-1",
		PSK:         clusterPSK,
		TrustedKeys: map[string]ed25519.PublicKey{security.PublicKeyFingerprint(pubA): pubA},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	b := NewManager(protocol.NewCodec("node-b", clusterPSK, 30*time.Second), bSec, Options{NodeName: "beta"})

	_, aErr, bSession, bErr := runHandshake(t, a, b)
	if aErr != nil {
		t.Fatalf("initiator: %v", aErr)
	}
	if bErr != nil {
		t.Fatalf("responder: %v", bErr)
	}
	if bSession.NodeID != "node-a" {
		t.Errorf("responder session node = %q", bSession.NodeID)
	}
}

func TestHandshakeKeypairUntrusted(t *testing.T) {
	_, privA, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	secA, err := security.NewManager(security.Options{
		PSKID:   "cluster-1",
		PSK:     clusterPSK,
		SignKey: privA,
	})
	if err != nil {
		t.Fatal(err)
	}
	a := NewManager(protocol.NewCodec("node-a", clusterPSK, 30*time.Second), secA, Options{NodeName: "alpha"})
	b := testManager(t, "node-b", clusterPSK, Options{})

	_, aErr, _, bErr := runHandshake(t, a, b)
	if aErr == nil {
		t.Error("initiator succeeded against a responder that does not trust its key")
	}
	if !errors.Is(bErr, ErrAuthFailed) {
		t.Errorf("responder error = %v, want ErrAuthFailed", bErr)
	}
	if b.Failures("node-a") != 1 {
		t.Errorf("failure count = %d, want 1", b.Failures("node-a"))
	}
}

func TestHandshakeWrongPSK(t *testing.T) {
	wrongPSK := bytes.Repeat([]byte{0x13}, security.PSKSize)
	a := testManager(t, "node-a", wrongPSK, Options{})
	b := testManager(t, "node-b", clusterPSK, Options{})

	aSession, aErr, bSession, bErr := runHandshake(t, a, b)
	if aErr == nil {
		t.Error("initiator with wrong PSK authenticated")
	}
	if bErr == nil {
		t.Error("responder accepted wrong PSK")
	}
	if aSession != nil || bSession != nil {
		t.Error("session established despite wrong PSK")
	}

	// The failed attempt is counted against the claimed identity.
	if b.Failures("node-a") != 1 {
		t.Errorf("failure count = %d, want 1", b.Failures("node-a"))
	}
	if _, ok := b.Session("node-a"); ok {
		t.Error("responder stored a session for a failed handshake")
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	b := testManager(t, "node-b", clusterPSK, Options{
		LockoutThreshold: 2,
		LockoutCooldown:  time.Minute,
	})
	wrongPSK := bytes.Repeat([]byte{0x13}, security.PSKSize)

	for i := 0; i < 2; i++ {
		a := testManager(t, "node-a", wrongPSK, Options{})
		_, _, _, bErr := runHandshake(t, a, b)
		if bErr == nil {
			t.Fatal("responder accepted wrong PSK")
		}
	}

	if !b.Locked("node-a") {
		t.Fatal("peer not locked out after reaching the threshold")
	}

	// Even a correct handshake is refused during the cooldown.
	good := testManager(t, "node-a", clusterPSK, Options{})
	_, aErr, _, bErr := runHandshake(t, good, b)
	if !errors.Is(bErr, ErrLockedOut) {
		t.Errorf("responder error = %v, want ErrLockedOut", bErr)
	}
	if aErr == nil {
		t.Error("initiator succeeded against a locked responder")
	}
}

func TestLockoutExpires(t *testing.T) {
	b := testManager(t, "node-b", clusterPSK, Options{
		LockoutThreshold: 1,
		LockoutCooldown:  10 * time.Millisecond,
	})
	wrong := testManager(t, "node-a", bytes.Repeat([]byte{0x13}, security.PSKSize), Options{})
	runHandshake(t, wrong, b)

	if !b.Locked("node-a") {
		t.Fatal("peer not locked out")
	}
	time.Sleep(20 * time.Millisecond)
	if b.Locked("node-a") {
		t.Error("lockout did not expire after the cooldown")
	}

	good := testManager(t, "node-a", clusterPSK, Options{})
	_, aErr, _, bErr := runHandshake(t, good, b)
	if aErr != nil || bErr != nil {
		t.Errorf("handshake after cooldown failed: initiator=%v responder=%v", aErr, bErr)
	}
	if b.Failures("node-a") != 0 {
		t.Errorf("failure count = %d after successful handshake, want 0", b.Failures("node-a"))
	}
}

func TestSessionNeedsRefresh(t *testing.T) {
	now := time.Now()
	s := &Session{
		IssuedAt:  now.Add(-50 * time.Minute),
		ExpiresAt: now.Add(10 * time.Minute),
	}
	if !s.NeedsRefresh(now) {
		t.Error("session past 80% of its lifetime should need refresh")
	}

	fresh := &Session{
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	if fresh.NeedsRefresh(now) {
		t.Error("fresh session flagged for refresh")
	}
}

func TestSessionExpiryEvicts(t *testing.T) {
	m := testManager(t, "node-b", clusterPSK, Options{})
	m.storeSession(&Session{
		NodeID:    "node-a",
		IssuedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	if _, ok := m.Session("node-a"); ok {
		t.Error("expired session returned")
	}
}
