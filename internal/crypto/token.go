package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

const digits = "0123456789"

// NewSecret returns a random URL-safe secret, used for accounts created on
// behalf of someone else.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewNumericCode returns a random code of length n drawn from [0-9].
func NewNumericCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = digits[int(b)%len(digits)]
	}
	return string(buf), nil
}

// HashToken digests a token for storage and exact-match lookup.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
