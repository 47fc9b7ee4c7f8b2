// Package token mints opaque high-entropy tokens and one-way digests used for
// session ids, CSRF tokens and password comparison.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Size is the number of random bytes behind every generated token.
const Size = 32

// Source produces fresh tokens. Generate satisfies it; tests substitute
// deterministic sources.
type Source func() (string, error)

// Generate returns Size bytes from crypto/rand, hex encoded (64 characters).
func Generate() (string, error) {
	buf := make([]byte, Size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Hash returns the hex SHA-256 digest of input.
func Hash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Ref returns a short non-reversible reference to a secret token, safe to put
// into logs and audit records.
func Ref(secret string) string {
	if secret == "" {
		return ""
	}
	return Hash(secret)[:12]
}
