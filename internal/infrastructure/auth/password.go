package auth

import (
	"fmt"

	"github.com/alexedwards/argon2id"
)

// HashPassword produces a salted argon2id hash in the self-describing
// $argon2id$... form. The salt is random per call, so hashing the same
// password twice yields different strings.
func HashPassword(plaintext string) (string, error) {
	hash, err := argon2id.CreateHash(plaintext, argon2id.DefaultParams)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// VerifyPassword checks plaintext against a stored hash. Corrupt or
// foreign hash strings fail closed: the answer is false, never an error
// for the caller to mishandle.
func VerifyPassword(hash, plaintext string) bool {
	match, err := argon2id.ComparePasswordAndHash(plaintext, hash)
	if err != nil {
		return false
	}
	return match
}
