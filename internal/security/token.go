package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL bounds session token lifetime.
const DefaultSessionTTL = time.Hour

var (
	// ErrTokenInvalid is returned for tokens that fail verification.
	ErrTokenInvalid = errors.New("invalid session token")

	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("session token expired")

	// ErrTokenRevoked is returned for tokens revoked before expiry.
	ErrTokenRevoked = errors.New("session token revoked")
)

// SessionClaims are the claims carried in a session token.
type SessionClaims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer issues and verifies HS256 session tokens. The signing secret
// is generated per process, so tokens never outlive the issuing node and a
// restart invalidates every outstanding session.
type TokenIssuer struct {
	secret []byte

	mu      sync.Mutex
	revoked map[string]time.Time // token id -> expiry, pruned lazily
}

// NewTokenIssuer creates an issuer with a fresh random secret.
func NewTokenIssuer() *TokenIssuer {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		// rand.Read on a broken entropy source is unrecoverable.
		panic(fmt.Sprintf("security: read entropy: %v", err))
	}
	return &TokenIssuer{
		secret:  secret,
		revoked: make(map[string]time.Time),
	}
}

// Issue creates a session token for the given peer node id. A zero ttl
// means DefaultSessionTTL; other values are honored as given, so a
// negative ttl mints an already-expired token.
func (ti *TokenIssuer) Issue(nodeID string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", time.Time{}, fmt.Errorf("generate token id: %w", err)
	}

	claims := SessionClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   nodeID,
			ID:        fmt.Sprintf("%x", jti),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify parses and validates a session token issued by this node.
func (ti *TokenIssuer) Verify(token string) (*SessionClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	ti.mu.Lock()
	_, revoked := ti.revoked[claims.ID]
	ti.mu.Unlock()
	if revoked {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// Revoke invalidates a token before its expiry.
func (ti *TokenIssuer) Revoke(token string) {
	claims, err := ti.Verify(token)
	if err != nil {
		return
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()

	ti.revoked[claims.ID] = claims.ExpiresAt.Time

	// Prune entries whose tokens have expired anyway.
	now := time.Now()
	for id, exp := range ti.revoked {
		if now.After(exp) {
			delete(ti.revoked, id)
		}
	}
}
