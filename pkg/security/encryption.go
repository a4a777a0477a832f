// Package security provides payload encryption, integrity checksums and
// compression for cache entries. Sensitive entries are ciphertext at
// rest: AES-256-GCM under a key derived from the per-session symmetric
// key and the owning tenant.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize      = 32
	keyIterations = 10000
	keyLength     = 32
	// SessionKeyBytes is the size of the random per-session symmetric key.
	SessionKeyBytes = 32
)

// EncryptionService encrypts cache payloads using AES-256-GCM with
// per-tenant key derivation. The session key it wraps is generated once
// per authenticated session and held only in ephemeral storage, so a
// process restart renders previously encrypted entries unreadable and
// they fall out as corruption.
type EncryptionService struct {
	sessionKey []byte
}

// NewEncryptionService creates an encryption service bound to a session key.
func NewEncryptionService(sessionKey string) *EncryptionService {
	hash := sha256.Sum256([]byte(sessionKey))
	return &EncryptionService{sessionKey: hash[:]}
}

// GenerateSessionKey produces a cryptographically random session key,
// base64 encoded for storage in the ephemeral substrate.
func GenerateSessionKey() (string, error) {
	buf := make([]byte, SessionKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// Encrypt encrypts a plaintext payload for the given tenant. The result
// is base64(salt || nonce || ciphertext), suitable for storage as a JSON
// string.
func (e *EncryptionService) Encrypt(plaintext []byte, tenantID string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := e.deriveKey(tenantID, salt)

	block, err := aes.NewCipher(key)
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

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	encrypted := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	encrypted = append(encrypted, salt...)
	encrypted = append(encrypted, nonce...)
	encrypted = append(encrypted, ciphertext...)

	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// Decrypt reverses Encrypt. A wrong tenant, wrong session key or
// tampered ciphertext all fail the GCM authentication check.
func (e *EncryptionService) Decrypt(encoded string, tenantID string) ([]byte, error) {
	encrypted, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	// 12 is the minimum GCM nonce size
	if len(encrypted) < saltSize+12 {
		return nil, fmt.Errorf("invalid encrypted data: too short")
	}

	salt := encrypted[:saltSize]
	encrypted = encrypted[saltSize:]

	key := e.deriveKey(tenantID, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(encrypted) < nonceSize {
		return nil, fmt.Errorf("invalid encrypted data: missing nonce")
	}

	nonce := encrypted[:nonceSize]
	ciphertext := encrypted[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// deriveKey derives a tenant-specific encryption key from the session key.
func (e *EncryptionService) deriveKey(tenantID string, salt []byte) []byte {
	info := append(append([]byte{}, e.sessionKey...), []byte(tenantID)...)
	return pbkdf2.Key(info, salt, keyIterations, keyLength, sha256.New)
}
