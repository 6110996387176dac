package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const saltLength = 16

// argon2id parameters
const (
	hashTime    = 1
	hashMemory  = 64 * 1024
	hashThreads = 4
	hashKeyLen  = 32
)

// HashPassword derives an argon2id hash from the password with a fresh
// random salt. Both values are returned base64-encoded for storage in the
// password record.
func HashPassword(password string) (hash, salt string, err error) {
	rawSalt := make([]byte, saltLength)
	if _, err := rand.Read(rawSalt); err != nil {
		return "", "", fmt.Errorf("generating salt: %w", err)
	}

	rawHash := argon2.IDKey([]byte(password), rawSalt, hashTime, hashMemory, hashThreads, hashKeyLen)
	return base64.StdEncoding.EncodeToString(rawHash), base64.StdEncoding.EncodeToString(rawSalt), nil
}

// VerifyPassword reports whether the password matches the stored hash/salt
// pair, in constant time over the derived keys.
func VerifyPassword(password, hash, salt string) bool {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return false
	}
	rawHash, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return false
	}

	derived := argon2.IDKey([]byte(password), rawSalt, hashTime, hashMemory, hashThreads, hashKeyLen)
	return subtle.ConstantTimeCompare(derived, rawHash) == 1
}
