package storage

import (
	"crypto/rand"
	"encoding/hex"
)

// newTokenValue generates a cryptographically random, ≥128-bit opaque
// bearer value, hex-encoded.
func newTokenValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
