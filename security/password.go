package security

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrSecretMismatch is returned by CompareSecret when the secret does not match
var ErrSecretMismatch = errors.New("secret does not match")

// dummySecretHash is compared against when no stored hash exists, so a miss
// costs the same as a wrong secret. bcrypt hash of an unguessable string at cost 10.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashSecret hashes a client secret or user password with bcrypt.DefaultCost
func HashSecret(secret string) (string, error) {
	return HashSecretWithCost(secret, bcrypt.DefaultCost)
}

// HashSecretWithCost hashes with an explicit bcrypt cost. Out-of-range costs fall back
// to bcrypt.DefaultCost.
func HashSecretWithCost(secret string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// CompareSecret checks secret against a bcrypt hash. An empty hash is compared
// against a dummy hash first and always fails.
func CompareSecret(hash, secret string) error {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(secret))
		return ErrSecretMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrSecretMismatch
	}
	return nil
}
