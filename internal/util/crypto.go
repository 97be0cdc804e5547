package util

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

const tokenBytes = 32

// GenerateToken returns 256 bits from crypto/rand as a 64 character hex string.
func GenerateToken() (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// IssueToken generates a token and returns it together with its hash.
func IssueToken() (token, hash string, err error) {
	token, err = GenerateToken()
	if err != nil {
		return "", "", err
	}
	return token, HashToken(token), nil
}

// TokenMatchesHash hashes token and compares it with storedHash in constant time.
func TokenMatchesHash(token string, storedHash *string) bool {
	if token == "" || storedHash == nil {
		return false
	}
	return ConstantTimeEqual(HashToken(token), *storedHash)
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
