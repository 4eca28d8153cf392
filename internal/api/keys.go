package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rotisserie/eris"
)

// KeyPrefix starts every issued API key.
const KeyPrefix = "bh_live_"

// GenerateKey returns a new API key: KeyPrefix followed by 64 hex chars.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", eris.Wrap(err, "api: generate key")
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// HashKey is the stored form of an API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
