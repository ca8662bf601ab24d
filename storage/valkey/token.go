package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/gallery-oauth/storage"
)

// grantScriptArgs builds the keys and arguments shared by luaSaveGrant and luaRotateRefresh
func (s *Store) grantScriptArgs(grant *storage.Grant) ([]string, []string, error) {
	if grant == nil || grant.Access == nil || grant.Access.TokenHash == "" {
		return nil, nil, fmt.Errorf("invalid grant")
	}
	access := grant.Access

	accessData, err := json.Marshal(toTokenJSON(&access.TokenRecord, time.Time{}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal access token: %w", err)
	}
	accessTTL := s.calculateTTL(access.ExpiresAt().Add(expiryGrace))
	indexTTL := accessTTL

	refreshKey := s.refreshKey("")
	refreshData := ""
	refreshTTL := time.Duration(0)
	if grant.Refresh != nil {
		data, err := json.Marshal(toTokenJSON(&grant.Refresh.TokenRecord, grant.Refresh.RotatedAt))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal refresh token: %w", err)
		}
		refreshKey = s.refreshKey(grant.Refresh.TokenHash)
		refreshData = string(data)
		refreshTTL = s.calculateTTL(grant.Refresh.ExpiresAt().Add(expiryGrace))
		if refreshTTL > indexTTL {
			indexTTL = refreshTTL
		}
	}

	keys := []string{
		s.accessKey(access.TokenHash),
		refreshKey,
		s.familyKey(access.FamilyID),
		s.clientFamiliesKey(access.ClientID),
	}
	args := []string{
		string(accessData), seconds(accessTTL),
		refreshData, seconds(refreshTTL),
		seconds(indexTTL),
		access.FamilyID,
	}
	return keys, args, nil
}

// SaveGrant persists an access token and optional refresh token
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	keys, args, err := s.grantScriptArgs(grant)
	if err != nil {
		return err
	}

	result, err := s.eval(ctx, luaSaveGrant, keys, args...)
	if err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	if result == "EXISTS" {
		return fmt.Errorf("%w: token", storage.ErrAlreadyExists)
	}

	s.logger.Debug("Saved grant",
		"access_prefix", safeTruncate(grant.Access.TokenHash, hashLogLength),
		"client_id", grant.Access.ClientID,
		"with_refresh", grant.Refresh != nil)
	return nil
}

// GetAccessToken looks up an access token by hash
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	return getAndUnmarshal(ctx, s, s.accessKey(tokenHash), storage.ErrTokenNotFound, fromAccessTokenJSON)
}

// GetRefreshToken looks up a refresh token by hash
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	return getAndUnmarshal(ctx, s, s.refreshKey(tokenHash), storage.ErrTokenNotFound, fromRefreshTokenJSON)
}

// RotateRefreshToken marks the old refresh token as rotated and stores the new grant
// in one script, so two concurrent refreshes cannot both succeed.
func (s *Store) RotateRefreshToken(ctx context.Context, oldTokenHash string, grant *storage.Grant) error {
	keys, args, err := s.grantScriptArgs(grant)
	if err != nil {
		return err
	}
	keys = append(keys, s.refreshKey(oldTokenHash))
	args = append(args, strconv.FormatInt(s.now().Unix(), 10))

	result, err := s.eval(ctx, luaRotateRefresh, keys, args...)
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return storage.ErrTokenNotFound
	case "ROTATED":
		return storage.ErrRefreshTokenRotated
	case "EXISTS":
		return fmt.Errorf("%w: token", storage.ErrAlreadyExists)
	}

	s.logger.Debug("Rotated refresh token",
		"old_prefix", safeTruncate(oldTokenHash, hashLogLength),
		"family_id", grant.Access.FamilyID)
	return nil
}

// DeleteAccessToken removes a single access token
func (s *Store) DeleteAccessToken(ctx context.Context, tokenHash string) error {
	cmd := s.client.B().Eval().Script(luaDeleteAccessToken).Numkeys(1).
		Key(s.accessKey(tokenHash)).Arg(s.familyKey("")).Build()
	removed, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	if removed == 0 {
		return storage.ErrTokenNotFound
	}
	return nil
}

// RevokeTokenFamily removes every access and refresh token in the family
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, fmt.Errorf("family ID is required")
	}

	cmd := s.client.B().Eval().Script(luaRevokeFamily).Numkeys(1).Key(s.familyKey(familyID)).Build()
	removed, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}

	s.logger.Info("Revoked token family",
		"family_id", familyID,
		"tokens_revoked", removed)
	return int(removed), nil
}
