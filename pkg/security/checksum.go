package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Checksum calculates the SHA-256 checksum of a payload, hex encoded.
// Entry checksums are always computed over the plaintext payload, never
// the ciphertext, so tampering is detected after decryption too.
func Checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// VerifyChecksum reports whether a payload matches the expected
// checksum. Comparison is constant time.
func VerifyChecksum(data []byte, expected string) bool {
	computed := Checksum(data)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1
}
