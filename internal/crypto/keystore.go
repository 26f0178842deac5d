package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"github.com/zalando/go-keyring"
)

const (
	keystoreService  = "sublink-admin"
	keystoreUser     = "sealing-key"
	sessionTokenUser = "session-token"
)

// GenerateOrLoadKey generates a new sealing key or loads it from the system
// keychain. Returns 32 bytes for AES-256.
func GenerateOrLoadKey() ([]byte, error) {
	keyString, err := keyring.Get(keystoreService, keystoreUser)
	if err == nil && keyString != "" {
		return []byte(keyString), nil
	}

	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		// Real error (not just "not found"), log it
		fmt.Printf("Keystore warning: %v\n", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	if err := keyring.Set(keystoreService, keystoreUser, string(key)); err != nil {
		// On Linux without a keyring daemon this can fail - acceptable for dev,
		// but the key is then lost across restarts.
		fmt.Printf("WARNING: Failed to store key in keychain: %v\n", err)
		fmt.Println("Sealed tokens will not survive the next app launch")

		if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
			return nil, fmt.Errorf("keychain storage required on %s: %w", runtime.GOOS, err)
		}
	}

	return key, nil
}

// DeleteKey removes the sealing key from the keychain
func DeleteKey() error {
	return keyring.Delete(keystoreService, keystoreUser)
}

// StoreSessionToken saves the backend session token in the system keychain.
func StoreSessionToken(token string) error {
	return keyring.Set(keystoreService, sessionTokenUser, token)
}

// LoadSessionToken retrieves the stored session token.
// Returns an empty string (no error) when no token is stored.
func LoadSessionToken() (string, error) {
	token, err := keyring.Get(keystoreService, sessionTokenUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return token, nil
}

// ClearSessionToken removes the stored session token. Missing token is not
// an error.
func ClearSessionToken() error {
	err := keyring.Delete(keystoreService, sessionTokenUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
