package protocol

import "errors"

var (
	// ErrExpired is returned when a message timestamp is older than the
	// configured TTL at receipt time.
	ErrExpired = errors.New("message expired")

	// ErrReplay is returned when a nonce has already been seen from the
	// same sender within the replay window.
	ErrReplay = errors.New("replayed message")

	// ErrMalformed is returned for frames that are oversized, undecodable,
	// or carry an unknown message type.
	ErrMalformed = errors.New("malformed message")

	// ErrBadSignature is returned when signature verification fails.
	ErrBadSignature = errors.New("invalid message signature")

	// ErrMessageTooLarge is returned when a frame exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
)
