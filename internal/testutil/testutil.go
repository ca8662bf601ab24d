package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/gallery-oauth/storage"
)

// TestRedirectURI is the redirect URI registered by GenerateTestClient
const TestRedirectURI = "https://photoprint.example.com/callback"

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GenerateTestClient creates an untrusted client with a unique ID.
// SecretHash is left empty; callers that authenticate set it.
func GenerateTestClient() *storage.Client {
	now := time.Now().UTC().Truncate(time.Second)
	return &storage.Client{
		ClientID:      "client-" + GenerateRandomString(12),
		Name:          "Test Client",
		RedirectURIs:  []string{TestRedirectURI},
		AllowedScopes: []string{"view_gallery", "profile", "offline_access"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// GenerateTestUser creates a user with a unique username and a fresh UUID
func GenerateTestUser() *storage.User {
	name := "user-" + GenerateRandomString(10)
	return &storage.User{
		ID:        uuid.NewString(),
		Username:  name,
		Email:     name + "@example.com",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

// GenerateTestAuthorizationCode creates a live code for client and user.
// It returns the record and the raw code value whose hash it carries.
func GenerateTestAuthorizationCode(clientID, userID string) (*storage.AuthorizationCode, string) {
	raw := GenerateRandomString(43)
	now := time.Now().UTC().Truncate(time.Second)
	return &storage.AuthorizationCode{
		CodeHash:    storage.HashToken(raw),
		ClientID:    clientID,
		UserID:      userID,
		RedirectURI: TestRedirectURI,
		Scope:       "view_gallery",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Minute),

		RedirectURIProvided: true,
	}, raw
}

// GenerateTestGrant mints a grant for the given family. withRefresh adds a refresh token.
func GenerateTestGrant(clientID, userID, familyID string, withRefresh bool) *storage.Grant {
	now := time.Now().UTC().Truncate(time.Second)
	grant := &storage.Grant{
		Access: &storage.AccessToken{TokenRecord: storage.TokenRecord{
			TokenHash: storage.HashToken(GenerateRandomString(43)),
			ClientID:  clientID,
			UserID:    userID,
			Scope:     "view_gallery offline_access",
			FamilyID:  familyID,
			CreatedAt: now,
			ExpiresIn: 3600,
		}},
	}
	if withRefresh {
		grant.Refresh = &storage.RefreshToken{TokenRecord: storage.TokenRecord{
			TokenHash: storage.HashToken(GenerateRandomString(43)),
			ClientID:  clientID,
			UserID:    userID,
			Scope:     "view_gallery offline_access",
			FamilyID:  familyID,
			CreatedAt: now,
			ExpiresIn: 30 * 24 * 3600,
		}}
	}
	return grant
}

// MintFor returns a storage.MintFunc producing a fresh grant for the redeemed code
func MintFor(withRefresh bool) storage.MintFunc {
	return func(code *storage.AuthorizationCode) (*storage.Grant, error) {
		return GenerateTestGrant(code.ClientID, code.UserID, uuid.NewString(), withRefresh), nil
	}
}
