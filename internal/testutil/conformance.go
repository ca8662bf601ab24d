package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/gallery-oauth/storage"
)

// StoreFactory returns a fresh, empty store for one subtest
type StoreFactory func(t *testing.T) storage.Store

// RunStoreConformance exercises the behavior every storage.Store must share.
func RunStoreConformance(t *testing.T, newStore StoreFactory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("RedeemAuthorizationCode", func(t *testing.T) { testRedeem(t, newStore(t)) })
	t.Run("RedeemExpiredCode", func(t *testing.T) { testRedeemExpired(t, newStore(t)) })
	t.Run("RedeemMintFailure", func(t *testing.T) { testRedeemMintFailure(t, newStore(t)) })
	t.Run("ConcurrentRedeem", func(t *testing.T) { testConcurrentRedeem(t, newStore(t)) })
	t.Run("RefreshRotation", func(t *testing.T) { testRefreshRotation(t, newStore(t)) })
	t.Run("RevokeTokenFamily", func(t *testing.T) { testRevokeFamily(t, newStore(t)) })
	t.Run("DeleteClientCascades", func(t *testing.T) { testDeleteClientCascade(t, newStore(t)) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
}

func seedClientAndUser(t *testing.T, s storage.Store) (*storage.Client, *storage.User) {
	t.Helper()
	ctx := context.Background()

	client := GenerateTestClient()
	require.NoError(t, s.CreateClient(ctx, client))
	user := GenerateTestUser()
	require.NoError(t, s.CreateUser(ctx, user))
	return client, user
}

func testClients(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client := GenerateTestClient()
	client.Trusted = true

	require.NoError(t, s.CreateClient(ctx, client))
	err := s.CreateClient(ctx, client)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	got, err := s.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.Name, got.Name)
	assert.True(t, got.Trusted)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.AllowedScopes, got.AllowedScopes)

	got.Name = "Renamed"
	got.RedirectURIs = append(got.RedirectURIs, "https://photoprint.example.com/other")
	require.NoError(t, s.UpdateClient(ctx, got))

	updated, err := s.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Len(t, updated.RedirectURIs, 2)

	list, err := s.ListClients(ctx)
	require.NoError(t, err)
	var found bool
	for _, c := range list {
		if c.ClientID == client.ClientID {
			found = true
		}
	}
	assert.True(t, found, "ListClients should include the created client")

	_, err = s.GetClient(ctx, "does-not-exist-"+GenerateRandomString(6))
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	missing := GenerateTestClient()
	assert.ErrorIs(t, s.UpdateClient(ctx, missing), storage.ErrClientNotFound)
	assert.ErrorIs(t, s.DeleteClient(ctx, missing.ClientID), storage.ErrClientNotFound)
}

func testUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	user := GenerateTestUser()
	user.PasswordHash = "$2a$04$placeholderplaceholderplaceholderplaceholderpla"

	require.NoError(t, s.CreateUser(ctx, user))

	dup := GenerateTestUser()
	dup.Username = user.Username
	assert.ErrorIs(t, s.CreateUser(ctx, dup), storage.ErrAlreadyExists)

	got, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Username, got.Username)
	assert.Equal(t, user.PasswordHash, got.PasswordHash)

	byName, err := s.GetUserByUsername(ctx, user.Username)
	require.NoError(t, err)
	assert.Equal(t, user.ID, byName.ID)

	_, err = s.GetUser(ctx, uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
	_, err = s.GetUserByUsername(ctx, "nobody-"+GenerateRandomString(6))
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func testRedeem(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client, user := seedClientAndUser(t, s)

	code, _ := GenerateTestAuthorizationCode(client.ClientID, user.ID)
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))
	assert.ErrorIs(t, s.SaveAuthorizationCode(ctx, code), storage.ErrAlreadyExists)

	var seen *storage.AuthorizationCode
	grant, err := s.RedeemAuthorizationCode(ctx, code.CodeHash, func(c *storage.AuthorizationCode) (*storage.Grant, error) {
		seen = c
		return GenerateTestGrant(c.ClientID, c.UserID, uuid.NewString(), false), nil
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, code.RedirectURI, seen.RedirectURI)
	assert.True(t, seen.RedirectURIProvided)
	assert.Equal(t, code.Scope, seen.Scope)
	assert.Equal(t, user.ID, seen.UserID)

	stored, err := s.GetAccessToken(ctx, grant.Access.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, stored.ClientID)
	assert.Equal(t, grant.Access.ExpiresIn, stored.ExpiresIn)
	assert.WithinDuration(t, grant.Access.CreatedAt, stored.CreatedAt, time.Second)

	_, err = s.RedeemAuthorizationCode(ctx, code.CodeHash, MintFor(false))
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound, "second redemption must fail")

	defaulted, _ := GenerateTestAuthorizationCode(client.ClientID, user.ID)
	defaulted.RedirectURIProvided = false
	require.NoError(t, s.SaveAuthorizationCode(ctx, defaulted))
	_, err = s.RedeemAuthorizationCode(ctx, defaulted.CodeHash, func(c *storage.AuthorizationCode) (*storage.Grant, error) {
		assert.False(t, c.RedirectURIProvided, "defaulted redirect_uri must survive the round trip")
		return GenerateTestGrant(c.ClientID, c.UserID, uuid.NewString(), false), nil
	})
	require.NoError(t, err)
}

func testRedeemExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client, user := seedClientAndUser(t, s)

	code, _ := GenerateTestAuthorizationCode(client.ClientID, user.ID)
	code.CreatedAt = code.CreatedAt.Add(-2 * time.Minute)
	code.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	_, err := s.RedeemAuthorizationCode(ctx, code.CodeHash, MintFor(false))
	assert.ErrorIs(t, err, storage.ErrTokenExpired)

	_, err = s.RedeemAuthorizationCode(ctx, code.CodeHash, MintFor(false))
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func testRedeemMintFailure(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client, user := seedClientAndUser(t, s)

	code, _ := GenerateTestAuthorizationCode(client.ClientID, user.ID)
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	mintErr := errors.New("redirect mismatch")
	_, err := s.RedeemAuthorizationCode(ctx, code.CodeHash, func(*storage.AuthorizationCode) (*storage.Grant, error) {
		return nil, mintErr
	})
	assert.ErrorIs(t, err, mintErr)

	_, err = s.RedeemAuthorizationCode(ctx, code.CodeHash, MintFor(false))
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound, "a failed redemption still consumes the code")
}

func testConcurrentRedeem(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client, user := seedClientAndUser(t, s)

	code, _ := GenerateTestAuthorizationCode(client.ClientID, user.ID)
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	const workers = 16
	var successes atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.RedeemAuthorizationCode(ctx, code.CodeHash, MintFor(true)); err == nil {
				successes.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one redemption must succeed")
}

func testRefreshRotation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client, user := seedClientAndUser(t, s)
	familyID := uuid.NewString()

	first := GenerateTestGrant(client.ClientID, user.ID, familyID, true)
	require.NoError(t, s.SaveGrant(ctx, first))

	refresh, err := s.GetRefreshToken(ctx, first.Refresh.TokenHash)
	require.NoError(t, err)
	assert.False(t, refresh.IsRotated())
	assert.Equal(t, familyID, refresh.FamilyID)
	assert.Equal(t, first.Refresh.Scope, refresh.Scope)

	second := GenerateTestGrant(client.ClientID, user.ID, familyID, true)
	require.NoError(t, s.RotateRefreshToken(ctx, first.Refresh.TokenHash, second))

	rotated, err := s.GetRefreshToken(ctx, first.Refresh.TokenHash)
	require.NoError(t, err)
	assert.True(t, rotated.IsRotated())

	third := GenerateTestGrant(client.ClientID, user.ID, familyID, true)
	assert.ErrorIs(t, s.RotateRefreshToken(ctx, first.Refresh.TokenHash, third), storage.ErrRefreshTokenRotated)

	_, err = s.GetAccessToken(ctx, third.Access.TokenHash)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound, "failed rotation must not persist tokens")

	_, err = s.GetRefreshToken(ctx, second.Refresh.TokenHash)
	require.NoError(t, err)

	assert.ErrorIs(t, s.RotateRefreshToken(ctx, storage.HashToken("unknown"), third), storage.ErrTokenNotFound)
}

func testRevokeFamily(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client, user := seedClientAndUser(t, s)
	familyID := uuid.NewString()

	a := GenerateTestGrant(client.ClientID, user.ID, familyID, true)
	b := GenerateTestGrant(client.ClientID, user.ID, familyID, false)
	other := GenerateTestGrant(client.ClientID, user.ID, uuid.NewString(), false)
	require.NoError(t, s.SaveGrant(ctx, a))
	require.NoError(t, s.SaveGrant(ctx, b))
	require.NoError(t, s.SaveGrant(ctx, other))

	n, err := s.RevokeTokenFamily(ctx, familyID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.GetAccessToken(ctx, a.Access.TokenHash)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetRefreshToken(ctx, a.Refresh.TokenHash)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetAccessToken(ctx, other.Access.TokenHash)
	assert.NoError(t, err, "other families must survive")

	require.NoError(t, s.DeleteAccessToken(ctx, other.Access.TokenHash))
	assert.ErrorIs(t, s.DeleteAccessToken(ctx, other.Access.TokenHash), storage.ErrTokenNotFound)
}

func testDeleteClientCascade(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client, user := seedClientAndUser(t, s)

	grant := GenerateTestGrant(client.ClientID, user.ID, uuid.NewString(), true)
	require.NoError(t, s.SaveGrant(ctx, grant))
	code, _ := GenerateTestAuthorizationCode(client.ClientID, user.ID)
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	require.NoError(t, s.DeleteClient(ctx, client.ClientID))

	_, err := s.GetClient(ctx, client.ClientID)
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
	_, err = s.GetAccessToken(ctx, grant.Access.TokenHash)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetRefreshToken(ctx, grant.Refresh.TokenHash)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.RedeemAuthorizationCode(ctx, code.CodeHash, MintFor(false))
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func testTransactions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client, user := seedClientAndUser(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	tx := &storage.Transaction{
		ID:          GenerateRandomString(43),
		ClientID:    client.ClientID,
		UserID:      user.ID,
		RedirectURI: TestRedirectURI,
		Scope:       "view_gallery",
		State:       "xyz",
		Status:      storage.TransactionPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
	require.NoError(t, s.SaveTransaction(ctx, tx))

	got, err := s.TakeTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ClientID, got.ClientID)
	assert.Equal(t, tx.State, got.State)
	assert.Equal(t, storage.TransactionPending, got.Status)
	assert.False(t, got.RedirectURIProvided)

	_, err = s.TakeTransaction(ctx, tx.ID)
	assert.ErrorIs(t, err, storage.ErrTransactionNotFound, "a transaction can be decided once")
}
