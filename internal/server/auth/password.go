// Package auth derives and verifies salted password hashes.
package auth

import (
	"crypto/subtle"

	"github.com/accordchat/accord/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	saltSize = 32
	hashSize = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// NewSalt returns a fresh random salt for account creation.
func NewSalt() []byte {
	return common.GenerateRandByteArray(saltSize)
}

// HashPassword derives the stored hash from a password and salt using
// argon2id.
func HashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, hashSize)
}

// VerifyPassword reports whether the candidate password matches the stored
// hash. The comparison is constant-time.
func VerifyPassword(password string, salt, storedHash []byte) bool {
	candidate := HashPassword(password, salt)
	defer common.WipeByteArray(candidate)
	return subtle.ConstantTimeCompare(candidate, storedHash) == 1
}
