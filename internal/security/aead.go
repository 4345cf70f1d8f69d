package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// Sealed payload format: [nonce (12 bytes)][AES-256-GCM ciphertext + tag].

// AEADSealer encrypts and decrypts message payloads under one session key.
// It satisfies the protocol package's Sealer interface.
type AEADSealer struct {
	aead cipher.AEAD
}

// NewAEADSealer creates a sealer from a 32-byte session key.
func NewAEADSealer(key []byte) (*AEADSealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AEADSealer{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce.
func (s *AEADSealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed payload.
func (s *AEADSealer) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:s.aead.NonceSize()]
	body := ciphertext[s.aead.NonceSize():]

	plaintext, err := s.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return plaintext, nil
}
