// Package protocol defines the trosync wire protocol: the signed message
// envelope, its canonical serialization, length-prefixed framing, and the
// TTL/replay rules every received frame must pass.
package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"trosyn.dev/go/trosync/internal/vector"
)

// DefaultTTL is the default validity window for a message timestamp.
const DefaultTTL = 30 * time.Second

// NonceSize is the number of random bytes in a message nonce.
const NonceSize = 16

// MessageType identifies the type of a wire message.
type MessageType string

const (
	MsgDiscoveryBroadcast MessageType = "discovery_broadcast"
	MsgDiscoveryResponse  MessageType = "discovery_response"
	MsgAuthRequest        MessageType = "auth_request"
	MsgAuthChallenge      MessageType = "auth_challenge"
	MsgAuthResponse       MessageType = "auth_response"
	MsgHeartbeat          MessageType = "heartbeat"
	MsgSyncRequest        MessageType = "sync_request"
	MsgSyncResponse       MessageType = "sync_response"
	MsgSyncData           MessageType = "sync_data"
	MsgSyncAck            MessageType = "sync_ack"
	MsgSyncComplete       MessageType = "sync_complete"
	MsgError              MessageType = "error"
)

// knownTypes is the set of message types this node understands. Frames with
// any other type are rejected as malformed.
var knownTypes = map[MessageType]bool{
	MsgDiscoveryBroadcast: true,
	MsgDiscoveryResponse:  true,
	MsgAuthRequest:        true,
	MsgAuthChallenge:      true,
	MsgAuthResponse:       true,
	MsgHeartbeat:          true,
	MsgSyncRequest:        true,
	MsgSyncResponse:       true,
	MsgSyncData:           true,
	MsgSyncAck:            true,
	MsgSyncComplete:       true,
	MsgError:              true,
}

// KnownType reports whether t is a message type this node understands.
func KnownType(t MessageType) bool {
	return knownTypes[t]
}

// Message is the signed envelope around every trosync frame, UDP or TCP.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Nonce     string          `json:"nonce"`
	From      string          `json:"from"`                // Sender node id
	Payload   json.RawMessage `json:"payload,omitempty"`   // Type-specific, AEAD ciphertext when Encrypted
	Encrypted bool            `json:"encrypted,omitempty"` // Payload sealed under the session key
	Signature []byte          `json:"signature,omitempty"` // HMAC-SHA256 over SigningData
}

// NewMessage creates an unsigned message with a fresh id and nonce.
func NewMessage(msgType MessageType, from string, payload interface{}) (*Message, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Nonce:     hex.EncodeToString(nonce),
		From:      from,
		Payload:   data,
	}, nil
}

// ParsePayload unmarshals the message payload into v.
func (m *Message) ParsePayload(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return ErrMalformed
	}
	return nil
}

// SigningData returns the canonical bytes covered by the signature.
// Format: each string field length-prefixed (4 bytes big-endian), then the
// timestamp as Unix nanoseconds (8 bytes), the encrypted flag (1 byte), and
// the raw payload. Stable field order keeps signing deterministic across
// implementations.
func (m *Message) SigningData() []byte {
	var buf bytes.Buffer

	writeField := func(s string) {
		binary.Write(&buf, binary.BigEndian, uint32(len(s)))
		buf.WriteString(s)
	}

	writeField(string(m.Type))
	writeField(m.ID)
	writeField(m.Nonce)
	writeField(m.From)
	binary.Write(&buf, binary.BigEndian, m.Timestamp.UnixNano())
	if m.Encrypted {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(m.Payload)

	return buf.Bytes()
}

// Expired reports whether the message timestamp falls outside the TTL
// window at the given receipt time. Future-dated messages beyond the same
// window are treated as expired too.
func (m *Message) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	age := now.Sub(m.Timestamp)
	return age > ttl || age < -ttl
}

// DiscoveryAnnounce is the payload of DISCOVERY_BROADCAST and
// DISCOVERY_RESPONSE messages.
type DiscoveryAnnounce struct {
	NodeID       string   `json:"node_id"`
	Name         string   `json:"name"`
	SyncPort     int      `json:"sync_port"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// AuthRequest opens the challenge-response handshake.
type AuthRequest struct {
	NodeID       string   `json:"node_id"`
	Name         string   `json:"name"`
	CredentialID string   `json:"credential_id"` // PSK id or public key fingerprint
	Method       string   `json:"method"`        // "psk" or "ed25519"
	Capabilities []string `json:"capabilities,omitempty"`
}

// AuthChallenge carries the responder's random challenge.
type AuthChallenge struct {
	Challenge []byte `json:"challenge"`
}

// AuthResponse is sent twice during a handshake: by the initiator with the
// challenge proof, and by the responder with the verdict and session token.
type AuthResponse struct {
	Proof     []byte    `json:"proof,omitempty"`
	Success   bool      `json:"success,omitempty"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ManifestDigest summarizes one document for manifest exchange.
type ManifestDigest struct {
	VersionVector vector.VersionVector `json:"version_vector"`
	ContentHash   string               `json:"content_hash"`
	Size          int64                `json:"size"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// SyncRequest carries the requester's manifest digest.
type SyncRequest struct {
	RequestID string                    `json:"request_id"`
	Manifest  map[string]ManifestDigest `json:"manifest"`
}

// ConflictNotice tells the requester that a document is concurrent on both
// sides and must be recorded, not overwritten.
type ConflictNotice struct {
	DocID         string               `json:"doc_id"`
	VersionVector vector.VersionVector `json:"version_vector"`
	ContentHash   string               `json:"content_hash"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// SyncResponse is the responder's per-document plan: documents it wants
// pushed to it, and documents found concurrent.
type SyncResponse struct {
	RequestID string           `json:"request_id"`
	Wants     []string         `json:"wants,omitempty"`
	Conflicts []ConflictNotice `json:"conflicts,omitempty"`
}

// SyncData is one chunk of a document transfer. A chunk with empty Data and
// Offset zero opens the transfer; the receiver answers with its resume
// offset so interrupted transfers continue instead of restarting.
type SyncData struct {
	TransferID    string               `json:"transfer_id"`
	DocID         string               `json:"doc_id"`
	VersionVector vector.VersionVector `json:"version_vector"`
	ContentHash   string               `json:"content_hash"`
	TotalSize     int64                `json:"total_size"`
	UpdatedAt     time.Time            `json:"updated_at"`
	Offset        int64                `json:"offset"`
	Data          []byte               `json:"data,omitempty"`
}

// SyncAck acknowledges received chunks with the next expected byte offset.
type SyncAck struct {
	TransferID string `json:"transfer_id"`
	DocID      string `json:"doc_id"`
	Offset     int64  `json:"offset"` // Next byte the receiver expects
	Error      string `json:"error,omitempty"`
}

// SyncComplete finalizes a transfer and asks the receiver to apply.
type SyncComplete struct {
	TransferID    string               `json:"transfer_id"`
	DocID         string               `json:"doc_id"`
	VersionVector vector.VersionVector `json:"version_vector"`
	ContentHash   string               `json:"content_hash"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// ErrorPayload is a typed failure report.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Common error codes carried in ERROR messages.
const (
	ErrCodeAuthRequired = "auth_required"
	ErrCodeAuthFailed   = "auth_failed"
	ErrCodeAuthLocked   = "auth_locked"
	ErrCodeBadRequest   = "bad_request"
	ErrCodeStorage      = "storage_error"
	ErrCodeInternal     = "internal_error"
)
