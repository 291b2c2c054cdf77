package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const apiKeyPrefix = "ag_"

// Argon2id parameters for API key hashing. Keys are high-entropy random
// strings, so the hash is keyed with a server-side pepper instead of a
// per-key salt; that keeps lookups a single indexed query.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// GenerateAPIKey returns a new plaintext gateway API key. The plaintext is
// shown to the caller once; only the hash is stored.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashAPIKey derives the stored lookup hash for a plaintext key.
func HashAPIKey(key string, pepper []byte) string {
	digest := argon2.IDKey([]byte(key), pepper, argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(digest)
}

// ValidFormat reports whether a presented key has the gateway key shape,
// letting the handler reject garbage before hashing.
func ValidFormat(key string) bool {
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return false
	}
	return len(key) > len(apiKeyPrefix)
}
