package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost balances hash strength against per-request latency on the
// hot poll path.
const bcryptCost = 10

// dummyHash is a valid bcrypt hash of an unguessable value. Comparisons
// against it run when no real candidate matched, so response time does not
// reveal whether a key or user exists.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// GenerateKey mints a random credential and its bcrypt hash. The plaintext
// is returned exactly once; only the hash is stored.
func GenerateKey() (key string, hash []byte, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate key: %w", err)
	}
	key = hex.EncodeToString(raw)
	hash, err = bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash key: %w", err)
	}
	return key, hash, nil
}

// GenerateToken mints a random opaque token (enrollment, session, CSRF).
func GenerateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// HashKey bcrypt-hashes a caller-supplied credential.
func HashKey(key string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
}

// CheckKey compares a presented credential against a stored bcrypt hash.
func CheckKey(hash []byte, key string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil
}

// CheckDummy burns one bcrypt comparison against the dummy hash. Called on
// the no-match path so it costs the same as a real comparison.
func CheckDummy(key string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(key))
}

// ConstantTimeEquals compares two strings without leaking the position of
// the first difference.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
