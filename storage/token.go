package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// HashToken returns the lookup key for a code or token value.
// Backends only ever see this hash, never the value handed to the client.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// TokenRecord holds the fields shared by access and refresh tokens.
type TokenRecord struct {
	TokenHash string
	ClientID  string
	UserID    string // empty for tokens issued to the client itself
	Scope     string
	FamilyID  string // all tokens descending from one authorization code
	CreatedAt time.Time
	ExpiresIn int64 // seconds
}

// IsExpired reports whether now is strictly past CreatedAt + ExpiresIn, at second
// precision. A token checked exactly at its expiry second is still valid.
func (t *TokenRecord) IsExpired(now time.Time) bool {
	return now.Unix() > t.CreatedAt.Unix()+t.ExpiresIn
}

// ExpiresAt returns the absolute expiry time
func (t *TokenRecord) ExpiresAt() time.Time {
	return time.Unix(t.CreatedAt.Unix()+t.ExpiresIn, 0)
}

// IsClientToken reports whether the token identifies the client rather than a user
func (t *TokenRecord) IsClientToken() bool {
	return t.UserID == ""
}

// AccessToken is a bearer token presented to protected resources
type AccessToken struct {
	TokenRecord
}

// RefreshToken is a long-lived token exchangeable for new access tokens
type RefreshToken struct {
	TokenRecord
	RotatedAt time.Time // zero until the token is exchanged with rotation enabled
}

// IsRotated reports whether the refresh token was already exchanged under rotation
func (t *RefreshToken) IsRotated() bool {
	return !t.RotatedAt.IsZero()
}
