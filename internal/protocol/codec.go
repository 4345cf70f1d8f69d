package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"
)

// Sealer encrypts and decrypts payload bytes under a session key. The
// security package provides the AEAD implementation; the codec only decides
// when a payload is sealed.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// Codec signs and verifies message envelopes for one node. Signing is
// HMAC-SHA256 over the canonical bytes; verification additionally enforces
// the TTL window and replay protection.
type Codec struct {
	nodeID string
	secret []byte
	ttl    time.Duration
	replay *ReplayGuard
}

// NewCodec creates a codec for a node using the given signing secret.
func NewCodec(nodeID string, secret []byte, ttl time.Duration) *Codec {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Codec{
		nodeID: nodeID,
		secret: secret,
		ttl:    ttl,
		replay: NewReplayGuard(ttl, DefaultReplayCapacity),
	}
}

// NodeID returns the local node id stamped into outgoing messages.
func (c *Codec) NodeID() string {
	return c.nodeID
}

// TTL returns the codec's message validity window.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// NewSigned creates, stamps, and signs a message in one step.
func (c *Codec) NewSigned(msgType MessageType, payload interface{}) (*Message, error) {
	msg, err := NewMessage(msgType, c.nodeID, payload)
	if err != nil {
		return nil, err
	}
	c.Sign(msg)
	return msg, nil
}

// Sign computes the HMAC signature over the canonical bytes.
func (c *Codec) Sign(msg *Message) {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(msg.SigningData())
	msg.Signature = mac.Sum(nil)
}

// VerifySignature recomputes the HMAC and compares in constant time.
func (c *Codec) VerifySignature(msg *Message) error {
	if len(msg.Signature) == 0 {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(msg.SigningData())
	if !hmac.Equal(mac.Sum(nil), msg.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Verify enforces the full validity invariant: the signature must verify,
// the timestamp must be within TTL of receipt, and the nonce must not have
// been seen from this sender within the replay window. The nonce is only
// recorded after the signature checks out, so forged frames cannot poison
// the replay set.
func (c *Codec) Verify(msg *Message) error {
	return c.verifyAt(msg, time.Now())
}

func (c *Codec) verifyAt(msg *Message, now time.Time) error {
	if !KnownType(msg.Type) {
		return ErrMalformed
	}
	if msg.From == "" || msg.Nonce == "" {
		return ErrMalformed
	}
	if err := c.VerifySignature(msg); err != nil {
		return err
	}
	if msg.Expired(now, c.ttl) {
		return ErrExpired
	}
	return c.replay.checkAt(msg.From, msg.Nonce, now)
}

// ForgetSender drops replay state for a sender.
func (c *Codec) ForgetSender(nodeID string) {
	c.replay.Forget(nodeID)
}

// sealedPayload wraps ciphertext so the payload stays valid JSON on the wire.
type sealedPayload struct {
	Ciphertext string `json:"ct"`
}

// EncryptPayload seals the payload under the session key and re-signs.
// Layering is encrypt-then-sign: the signature covers the ciphertext, so a
// receiver authenticates the frame before touching the AEAD.
func (c *Codec) EncryptPayload(msg *Message, sealer Sealer) error {
	if msg.Encrypted || len(msg.Payload) == 0 {
		c.Sign(msg)
		return nil
	}
	ct, err := sealer.Seal(msg.Payload)
	if err != nil {
		return err
	}
	wrapped, err := json.Marshal(sealedPayload{Ciphertext: base64.StdEncoding.EncodeToString(ct)})
	if err != nil {
		return err
	}
	msg.Payload = wrapped
	msg.Encrypted = true
	c.Sign(msg)
	return nil
}

// DecryptPayload opens a sealed payload in place. The envelope must already
// have passed Verify.
func (c *Codec) DecryptPayload(msg *Message, sealer Sealer) error {
	if !msg.Encrypted {
		return nil
	}
	var wrapped sealedPayload
	if err := json.Unmarshal(msg.Payload, &wrapped); err != nil {
		return ErrMalformed
	}
	ct, err := base64.StdEncoding.DecodeString(wrapped.Ciphertext)
	if err != nil {
		return ErrMalformed
	}
	pt, err := sealer.Open(ct)
	if err != nil {
		return err
	}
	msg.Payload = pt
	msg.Encrypted = false
	return nil
}
