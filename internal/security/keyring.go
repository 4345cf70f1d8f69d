package security

import (
	"encoding/hex"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name under which PSKs are stored in the
// OS keyring.
const keyringService = "trosync"

// PSKFromKeyring loads the pre-shared key stored for the given PSK id.
func PSKFromKeyring(pskID string) ([]byte, error) {
	encoded, err := keyring.Get(keyringService, pskID)
	if err != nil {
		return nil, fmt.Errorf("read psk %q from keyring: %w", pskID, err)
	}
	psk, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode psk %q: %w", pskID, err)
	}
	if len(psk) != PSKSize {
		return nil, fmt.Errorf("psk %q has %d bytes, want %d", pskID, len(psk), PSKSize)
	}
	return psk, nil
}

// StorePSKInKeyring stores a pre-shared key in the OS keyring.
func StorePSKInKeyring(pskID string, psk []byte) error {
	if len(psk) != PSKSize {
		return fmt.Errorf("psk must be %d bytes, got %d", PSKSize, len(psk))
	}
	if err := keyring.Set(keyringService, pskID, hex.EncodeToString(psk)); err != nil {
		return fmt.Errorf("store psk %q in keyring: %w", pskID, err)
	}
	return nil
}

// DeletePSKFromKeyring removes a stored pre-shared key.
func DeletePSKFromKeyring(pskID string) error {
	if err := keyring.Delete(keyringService, pskID); err != nil {
		return fmt.Errorf("delete psk %q from keyring: %w", pskID, err)
	}
	return nil
}
