// Package auth runs the challenge/response handshake that upgrades a
// discovered peer to an authenticated session.
//
// The handshake over an established connection:
//
//	initiator                          responder
//	    | -- AUTH_REQUEST  -------------> |
//	    | <- AUTH_CHALLENGE ------------- |
//	    | -- AUTH_RESPONSE (proof) -----> |
//	    | <- AUTH_RESPONSE (verdict) ---- |
//
// The proof binds the challenge to both node identities. On success the
// responder issues a session token and both sides derive the same AEAD
// session key from the challenge. The verdict payload travels encrypted
// under that key, so the token never crosses the wire in the clear.
package auth

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"trosyn.dev/go/trosync/internal/protocol"
	"trosyn.dev/go/trosync/internal/security"
)

var (
	// ErrAuthFailed means the peer's proof did not verify.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrLockedOut means the peer exceeded the failure threshold and must
	// wait out the cooldown.
	ErrLockedOut = errors.New("authentication locked out")

	// ErrProtocol means the peer sent an unexpected handshake message.
	ErrProtocol = errors.New("handshake protocol violation")
)

// Auth methods carried in AUTH_REQUEST.
const (
	MethodPSK     = "psk"
	MethodEd25519 = "ed25519"
)

// Session is an authenticated relationship with a peer.
type Session struct {
	NodeID    string
	Name      string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scopes    []string
	Key       []byte // AEAD session key shared with the peer
}

// NeedsRefresh reports whether the session has passed 80% of its lifetime
// and should be re-established before it expires mid-transfer.
func (s *Session) NeedsRefresh(now time.Time) bool {
	lifetime := s.ExpiresAt.Sub(s.IssuedAt)
	if lifetime <= 0 {
		return true
	}
	return now.Sub(s.IssuedAt) >= lifetime*4/5
}

// Sealer returns an AEAD sealer bound to the session key.
func (s *Session) Sealer() (*security.AEADSealer, error) {
	return security.NewAEADSealer(s.Key)
}

// Options configures the auth manager.
type Options struct {
	NodeName         string
	SessionTTL       time.Duration
	LockoutThreshold int
	LockoutCooldown  time.Duration
}

type failureState struct {
	count       int
	lockedUntil time.Time
}

// Manager runs handshakes and tracks sessions and per-peer failures.
type Manager struct {
	codec *protocol.Codec
	sec   *security.Manager
	opts  Options

	mu       sync.Mutex
	sessions map[string]*Session
	failures map[string]*failureState
}

// NewManager creates an auth manager. The codec signs and verifies the
// handshake envelopes; the security manager holds the credentials.
func NewManager(codec *protocol.Codec, sec *security.Manager, opts Options) *Manager {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = security.DefaultSessionTTL
	}
	if opts.LockoutThreshold <= 0 {
		opts.LockoutThreshold = 5
	}
	if opts.LockoutCooldown <= 0 {
		opts.LockoutCooldown = 5 * time.Minute
	}
	return &Manager{
		codec:    codec,
		sec:      sec,
		opts:     opts,
		sessions: make(map[string]*Session),
		failures: make(map[string]*failureState),
	}
}

// Session returns the current session with a peer, if any.
func (m *Manager) Session(nodeID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[nodeID]
	if !ok {
		return nil, false
	}
	if time.Now().After(s.ExpiresAt) {
		delete(m.sessions, nodeID)
		return nil, false
	}
	return s, true
}

// Drop forgets the session with a peer.
func (m *Manager) Drop(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[nodeID]; ok {
		m.sec.Tokens().Revoke(s.Token)
		delete(m.sessions, nodeID)
	}
}

// VerifyToken checks a session token presented by a peer and confirms it
// was issued to that peer.
func (m *Manager) VerifyToken(nodeID, token string) error {
	claims, err := m.sec.Tokens().Verify(token)
	if err != nil {
		return err
	}
	if claims.Subject != nodeID {
		return fmt.Errorf("%w: token subject %q does not match peer %q",
			security.ErrTokenInvalid, claims.Subject, nodeID)
	}
	return nil
}

// Locked reports whether a peer is currently locked out.
func (m *Manager) Locked(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedLocked(nodeID)
}

func (m *Manager) lockedLocked(nodeID string) bool {
	f, ok := m.failures[nodeID]
	if !ok {
		return false
	}
	if f.lockedUntil.IsZero() {
		return false
	}
	if time.Now().After(f.lockedUntil) {
		delete(m.failures, nodeID)
		return false
	}
	return true
}

// Failures returns the current failure count for a peer.
func (m *Manager) Failures(nodeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.failures[nodeID]; ok {
		return f.count
	}
	return 0
}

func (m *Manager) recordFailure(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[nodeID]
	if !ok {
		f = &failureState{}
		m.failures[nodeID] = f
	}
	f.count++
	if f.count >= m.opts.LockoutThreshold {
		f.lockedUntil = time.Now().Add(m.opts.LockoutCooldown)
		slog.Warn("peer locked out after repeated auth failures",
			"node", nodeID,
			"failures", f.count,
			"until", f.lockedUntil,
		)
	}
}

func (m *Manager) clearFailures(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, nodeID)
}

func (m *Manager) storeSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.NodeID] = s
}

// Initiate runs the initiator side of the handshake over rw and returns
// the established session.
func (m *Manager) Initiate(rw io.ReadWriter) (*Session, error) {
	framer := protocol.NewFramer(rw, rw)

	method := MethodPSK
	credID := m.sec.PSKID()
	if m.sec.HasKeypair() {
		method = MethodEd25519
		credID = m.sec.Fingerprint()
	}

	req, err := m.codec.NewSigned(protocol.MsgAuthRequest, protocol.AuthRequest{
		NodeID:       m.codec.NodeID(),
		Name:         m.opts.NodeName,
		CredentialID: credID,
		Method:       method,
	})
	if err != nil {
		return nil, fmt.Errorf("build auth request: %w", err)
	}
	if err := framer.WriteMessage(req); err != nil {
		return nil, fmt.Errorf("send auth request: %w", err)
	}

	msg, err := m.readVerified(framer)
	if err != nil {
		return nil, err
	}
	if msg.Type == protocol.MsgAuthResponse {
		// Early rejection, e.g. lockout.
		var resp protocol.AuthResponse
		if err := msg.ParsePayload(&resp); err == nil && resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, resp.Error)
		}
		return nil, ErrAuthFailed
	}
	if msg.Type != protocol.MsgAuthChallenge {
		return nil, fmt.Errorf("%w: expected challenge, got %q", ErrProtocol, msg.Type)
	}
	responderID := msg.From

	var challenge protocol.AuthChallenge
	if err := msg.ParsePayload(&challenge); err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}
	if len(challenge.Challenge) != security.ChallengeSize {
		return nil, fmt.Errorf("%w: challenge size %d", ErrProtocol, len(challenge.Challenge))
	}

	var proof []byte
	if method == MethodEd25519 {
		proof, err = m.sec.SignChallenge(challenge.Challenge, m.codec.NodeID(), responderID)
		if err != nil {
			return nil, fmt.Errorf("sign challenge: %w", err)
		}
	} else {
		proof = m.sec.PSKProof(challenge.Challenge, m.codec.NodeID(), responderID)
	}

	proofMsg, err := m.codec.NewSigned(protocol.MsgAuthResponse, protocol.AuthResponse{Proof: proof})
	if err != nil {
		return nil, fmt.Errorf("build proof: %w", err)
	}
	if err := framer.WriteMessage(proofMsg); err != nil {
		return nil, fmt.Errorf("send proof: %w", err)
	}

	verdict, err := m.readVerified(framer)
	if err != nil {
		return nil, err
	}
	if verdict.Type != protocol.MsgAuthResponse {
		return nil, fmt.Errorf("%w: expected verdict, got %q", ErrProtocol, verdict.Type)
	}

	key, err := m.sec.SessionKey(challenge.Challenge)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	if verdict.Encrypted {
		sealer, err := security.NewAEADSealer(key)
		if err != nil {
			return nil, fmt.Errorf("session sealer: %w", err)
		}
		if err := m.codec.DecryptPayload(verdict, sealer); err != nil {
			return nil, fmt.Errorf("decrypt verdict: %w", err)
		}
	}

	var resp protocol.AuthResponse
	if err := verdict.ParsePayload(&resp); err != nil {
		return nil, fmt.Errorf("parse verdict: %w", err)
	}
	if !resp.Success {
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, resp.Error)
		}
		return nil, ErrAuthFailed
	}

	session := &Session{
		NodeID:    responderID,
		Token:     resp.Token,
		IssuedAt:  time.Now(),
		ExpiresAt: resp.ExpiresAt,
		Key:       key,
	}
	m.storeSession(session)
	slog.Info("authenticated with peer", "node", responderID, "expires", resp.ExpiresAt)
	return session, nil
}

// Respond runs the responder side of the handshake over rw and returns
// the established session.
func (m *Manager) Respond(rw io.ReadWriter) (*Session, error) {
	framer := protocol.NewFramer(rw, rw)

	msg, claimed, err := m.readHandshakeRequest(framer)
	if err != nil {
		if claimed != "" {
			m.recordFailure(claimed)
			m.reject(framer, "authentication failed")
		}
		return nil, err
	}

	var req protocol.AuthRequest
	if err := msg.ParsePayload(&req); err != nil {
		m.reject(framer, "malformed auth request")
		return nil, fmt.Errorf("parse auth request: %w", err)
	}
	if req.NodeID != msg.From {
		m.recordFailure(msg.From)
		m.reject(framer, "identity mismatch")
		return nil, fmt.Errorf("%w: request node %q, envelope from %q", ErrProtocol, req.NodeID, msg.From)
	}

	if m.Locked(req.NodeID) {
		m.reject(framer, "locked out, retry later")
		return nil, fmt.Errorf("%w: %s", ErrLockedOut, req.NodeID)
	}

	challenge, err := security.NewChallenge()
	if err != nil {
		m.reject(framer, "internal error")
		return nil, fmt.Errorf("generate challenge: %w", err)
	}

	chalMsg, err := m.codec.NewSigned(protocol.MsgAuthChallenge, protocol.AuthChallenge{Challenge: challenge})
	if err != nil {
		return nil, fmt.Errorf("build challenge: %w", err)
	}
	if err := framer.WriteMessage(chalMsg); err != nil {
		return nil, fmt.Errorf("send challenge: %w", err)
	}

	proofMsg, err := m.readVerified(framer)
	if err != nil {
		m.recordFailure(req.NodeID)
		m.reject(framer, "authentication failed")
		return nil, err
	}
	if proofMsg.Type != protocol.MsgAuthResponse || proofMsg.From != req.NodeID {
		m.recordFailure(req.NodeID)
		m.reject(framer, "authentication failed")
		return nil, fmt.Errorf("%w: expected proof from %q", ErrProtocol, req.NodeID)
	}
	var proof protocol.AuthResponse
	if err := proofMsg.ParsePayload(&proof); err != nil {
		m.recordFailure(req.NodeID)
		m.reject(framer, "authentication failed")
		return nil, fmt.Errorf("parse proof: %w", err)
	}

	switch req.Method {
	case MethodEd25519:
		err = m.sec.VerifyKeyProof(req.CredentialID, proof.Proof, challenge, req.NodeID, m.codec.NodeID())
	case MethodPSK, "":
		err = m.sec.VerifyPSKProof(proof.Proof, challenge, req.NodeID, m.codec.NodeID())
	default:
		err = fmt.Errorf("unsupported auth method %q", req.Method)
	}
	if err != nil {
		m.recordFailure(req.NodeID)
		m.reject(framer, "authentication failed")
		slog.Warn("auth proof rejected",
			"node", req.NodeID,
			"method", req.Method,
			"failures", m.Failures(req.NodeID),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	token, expiresAt, err := m.sec.Tokens().Issue(req.NodeID, []string{"sync"}, m.opts.SessionTTL)
	if err != nil {
		m.reject(framer, "internal error")
		return nil, fmt.Errorf("issue token: %w", err)
	}

	key, err := m.sec.SessionKey(challenge)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	sealer, err := security.NewAEADSealer(key)
	if err != nil {
		return nil, fmt.Errorf("session sealer: %w", err)
	}

	verdict, err := m.codec.NewSigned(protocol.MsgAuthResponse, protocol.AuthResponse{
		Success:   true,
		Token:     token,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("build verdict: %w", err)
	}
	if err := m.codec.EncryptPayload(verdict, sealer); err != nil {
		return nil, fmt.Errorf("encrypt verdict: %w", err)
	}
	if err := framer.WriteMessage(verdict); err != nil {
		return nil, fmt.Errorf("send verdict: %w", err)
	}

	m.clearFailures(req.NodeID)
	session := &Session{
		NodeID:    req.NodeID,
		Name:      req.Name,
		Token:     token,
		IssuedAt:  time.Now(),
		ExpiresAt: expiresAt,
		Scopes:    []string{"sync"},
		Key:       key,
	}
	m.storeSession(session)
	slog.Info("peer authenticated", "node", req.NodeID, "name", req.Name, "method", req.Method)
	return session, nil
}

// readVerified reads one frame and authenticates its envelope.
func (m *Manager) readVerified(framer *protocol.Framer) (*protocol.Message, error) {
	msg, err := framer.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read handshake frame: %w", err)
	}
	if err := m.codec.Verify(msg); err != nil {
		return nil, fmt.Errorf("verify handshake frame: %w", err)
	}
	return msg, nil
}

// readHandshakeRequest reads the opening AUTH_REQUEST. On a signature
// failure it still returns the claimed sender so the caller can count the
// failed attempt against it.
func (m *Manager) readHandshakeRequest(framer *protocol.Framer) (*protocol.Message, string, error) {
	msg, err := framer.ReadMessage()
	if err != nil {
		return nil, "", fmt.Errorf("read auth request: %w", err)
	}
	if msg.Type != protocol.MsgAuthRequest {
		return nil, "", fmt.Errorf("%w: expected auth request, got %q", ErrProtocol, msg.Type)
	}
	if err := m.codec.Verify(msg); err != nil {
		return nil, msg.From, fmt.Errorf("verify auth request: %w", err)
	}
	return msg, "", nil
}

// reject sends a failure verdict, best effort.
func (m *Manager) reject(framer *protocol.Framer, reason string) {
	verdict, err := m.codec.NewSigned(protocol.MsgAuthResponse, protocol.AuthResponse{
		Success: false,
		Error:   reason,
	})
	if err != nil {
		return
	}
	if err := framer.WriteMessage(verdict); err != nil {
		slog.Debug("send auth rejection failed", "error", err)
	}
}
