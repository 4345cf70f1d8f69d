package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single frame (10 MB). Larger documents move as
// multiple SYNC_DATA chunks, never one frame.
const MaxMessageSize = 10 * 1024 * 1024

// Framer reads and writes length-prefixed messages: a 4-byte big-endian
// length followed by the JSON-encoded envelope.
type Framer struct {
	reader io.Reader
	writer io.Writer
}

// NewFramer creates a framer over the given reader and writer. Either side
// may be nil when only one direction is used.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{reader: r, writer: w}
}

// ReadMessage reads one length-prefixed message.
func (f *Framer) ReadMessage() (*Message, error) {
	msg, _, err := f.ReadMessageWithSize()
	return msg, err
}

// ReadMessageWithSize reads one message and returns its encoded size.
func (f *Framer) ReadMessageWithSize() (*Message, int, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(f.reader, lengthBuf); err != nil {
		return nil, 0, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length > MaxMessageSize {
		return nil, int(length), ErrMessageTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		return nil, int(length), fmt.Errorf("read body: %w", err)
	}

	msg, err := Decode(body)
	if err != nil {
		return nil, int(length), err
	}
	return msg, int(length), nil
}

// WriteMessage writes one length-prefixed message.
func (f *Framer) WriteMessage(msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	if len(body) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, uint32(len(body)))

	if _, err := f.writer.Write(lengthBuf); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := f.writer.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// Decode parses an envelope from raw bytes, rejecting unknown types. Used
// both by the framer and by the UDP discovery path, which has no framing.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ErrMalformed
	}
	if !KnownType(msg.Type) {
		return nil, ErrMalformed
	}
	return &msg, nil
}

// Encode serializes an envelope to raw bytes for unframed transports.
func Encode(msg *Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(body) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return body, nil
}
