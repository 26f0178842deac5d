package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

var sealingKey []byte

// InitSealing initializes the sealing key used to protect long-lived tokens
// stored in the local database.
// Priority:
// 1. SUBLINK_SEALING_KEY environment variable (for development/testing)
// 2. System keychain (production - secure storage)
// 3. Generate new key and store in keychain
func InitSealing() error {
	keyString := os.Getenv("SUBLINK_SEALING_KEY")
	if keyString != "" {
		keyBytes, err := base64.StdEncoding.DecodeString(keyString)
		if err != nil || len(keyBytes) != 32 {
			// Not a usable 32-byte key, hash the raw value instead
			hash := sha256.Sum256([]byte(keyString))
			sealingKey = hash[:]
		} else {
			sealingKey = keyBytes
		}
		return nil
	}

	key, err := GenerateOrLoadKey()
	if err != nil {
		return fmt.Errorf("failed to initialize sealing key from keystore: %w", err)
	}

	sealingKey = key
	return nil
}

// IsInitialized checks if the sealing key has been initialized
func IsInitialized() bool {
	return len(sealingKey) > 0
}

// Seal encrypts plaintext using AES-256-GCM.
// Returns base64-encoded ciphertext with the nonce prepended.
func Seal(plaintext string) (string, error) {
	if len(sealingKey) == 0 {
		return "", errors.New("sealing not initialized")
	}

	block, err := aes.NewCipher(sealingKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts base64-encoded ciphertext produced by Seal.
func Open(ciphertextB64 string) (string, error) {
	if len(sealingKey) == 0 {
		return "", errors.New("sealing not initialized")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(sealingKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to unseal: %w", err)
	}

	return string(plaintext), nil
}

// SealToken is a convenience wrapper for sealing remember tokens
func SealToken(token string) (string, error) {
	return Seal(token)
}

// OpenToken is a convenience wrapper for unsealing remember tokens
func OpenToken(sealed string) (string, error) {
	return Open(sealed)
}
