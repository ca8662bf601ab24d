package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/gallery-oauth/storage"
)

// SaveAuthorizationCode saves an issued authorization code under its hash
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("invalid authorization code")
	}

	const q = `
INSERT INTO authorization_codes (code_hash, client_id, user_id, redirect_uri, redirect_uri_provided, scope, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, q, code.CodeHash, code.ClientID, code.UserID, code.RedirectURI,
		code.RedirectURIProvided, code.Scope, code.CreatedAt, code.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// RedeemAuthorizationCode deletes the code and inserts the minted grant in one
// transaction. The DELETE takes a row lock, so a concurrent redemption waits
// and then finds no row.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, codeHash string, mint storage.MintFunc) (*storage.Grant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `
DELETE FROM authorization_codes WHERE code_hash = $1
RETURNING code_hash, client_id, user_id, redirect_uri, redirect_uri_provided, scope, created_at, expires_at`
	var code storage.AuthorizationCode
	err = tx.QueryRow(ctx, q, codeHash).Scan(&code.CodeHash, &code.ClientID, &code.UserID,
		&code.RedirectURI, &code.RedirectURIProvided, &code.Scope, &code.CreatedAt, &code.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}

	if code.IsExpired(s.now()) {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return nil, storage.ErrTokenExpired
	}

	grant, mintErr := mint(&code)
	if mintErr != nil {
		// The code stays consumed
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return nil, mintErr
	}

	if err := insertGrant(ctx, tx, grant); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return grant, nil
}

// SaveGrant persists an access token and optional refresh token
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertGrant(ctx, tx, grant); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func insertGrant(ctx context.Context, q querier, grant *storage.Grant) error {
	if grant == nil || grant.Access == nil || grant.Access.TokenHash == "" {
		return fmt.Errorf("invalid grant")
	}

	a := grant.Access
	const insertAccess = `
INSERT INTO access_tokens (token_hash, client_id, user_id, scope, family_id, created_at, expires_in)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := q.Exec(ctx, insertAccess, a.TokenHash, a.ClientID, a.UserID, a.Scope,
		a.FamilyID, a.CreatedAt, a.ExpiresIn); err != nil {
		return tokenInsertError(err)
	}

	if r := grant.Refresh; r != nil {
		const insertRefresh = `
INSERT INTO refresh_tokens (token_hash, client_id, user_id, scope, family_id, created_at, expires_in, rotated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		if _, err := q.Exec(ctx, insertRefresh, r.TokenHash, r.ClientID, r.UserID, r.Scope,
			r.FamilyID, r.CreatedAt, r.ExpiresIn, nullTime(r.RotatedAt)); err != nil {
			return tokenInsertError(err)
		}
	}
	return nil
}

func tokenInsertError(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: token", storage.ErrAlreadyExists)
	}
	return fmt.Errorf("failed to save token: %w", err)
}

// GetAccessToken looks up an access token by hash
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	const q = `
SELECT token_hash, client_id, user_id, scope, family_id, created_at, expires_in
FROM access_tokens WHERE token_hash = $1`
	var t storage.AccessToken
	err := s.pool.QueryRow(ctx, q, tokenHash).Scan(&t.TokenHash, &t.ClientID, &t.UserID,
		&t.Scope, &t.FamilyID, &t.CreatedAt, &t.ExpiresIn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	return &t, nil
}

// GetRefreshToken looks up a refresh token by hash
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	const q = `
SELECT token_hash, client_id, user_id, scope, family_id, created_at, expires_in, rotated_at
FROM refresh_tokens WHERE token_hash = $1`
	var t storage.RefreshToken
	var rotatedAt *time.Time
	err := s.pool.QueryRow(ctx, q, tokenHash).Scan(&t.TokenHash, &t.ClientID, &t.UserID,
		&t.Scope, &t.FamilyID, &t.CreatedAt, &t.ExpiresIn, &rotatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if rotatedAt != nil {
		t.RotatedAt = *rotatedAt
	}
	return &t, nil
}

// RotateRefreshToken marks the old token rotated and inserts the new grant in
// one transaction. The conditional UPDATE lets exactly one caller win.
func (s *Store) RotateRefreshToken(ctx context.Context, oldTokenHash string, grant *storage.Grant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const mark = `UPDATE refresh_tokens SET rotated_at = $2 WHERE token_hash = $1 AND rotated_at IS NULL`
	tag, err := tx.Exec(ctx, mark, oldTokenHash, s.now())
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE token_hash = $1)`,
			oldTokenHash).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up refresh token: %w", err)
		}
		if !exists {
			return storage.ErrTokenNotFound
		}
		return storage.ErrRefreshTokenRotated
	}

	if err := insertGrant(ctx, tx, grant); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// DeleteAccessToken removes a single access token
func (s *Store) DeleteAccessToken(ctx context.Context, tokenHash string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM access_tokens WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrTokenNotFound
	}
	return nil
}

// RevokeTokenFamily removes every access and refresh token in the family
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, fmt.Errorf("family ID is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	access, err := tx.Exec(ctx, `DELETE FROM access_tokens WHERE family_id = $1`, familyID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke access tokens: %w", err)
	}
	refresh, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE family_id = $1`, familyID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	removed := int(access.RowsAffected() + refresh.RowsAffected())
	s.logger.Info("Revoked token family", "family_id", familyID, "tokens_revoked", removed)
	return removed, nil
}

// SaveTransaction stores a pending authorization transaction
func (s *Store) SaveTransaction(ctx context.Context, t *storage.Transaction) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	const q = `
INSERT INTO authorization_transactions (id, client_id, user_id, redirect_uri, redirect_uri_provided, scope, state, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, q, t.ID, t.ClientID, t.UserID, t.RedirectURI, t.RedirectURIProvided,
		t.Scope, t.State, string(t.Status), t.CreatedAt, t.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: transaction", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

// TakeTransaction atomically retrieves and deletes a transaction
func (s *Store) TakeTransaction(ctx context.Context, transactionID string) (*storage.Transaction, error) {
	const q = `
DELETE FROM authorization_transactions WHERE id = $1
RETURNING id, client_id, user_id, redirect_uri, redirect_uri_provided, scope, state, status, created_at, expires_at`
	var t storage.Transaction
	var status string
	err := s.pool.QueryRow(ctx, q, transactionID).Scan(&t.ID, &t.ClientID, &t.UserID, &t.RedirectURI,
		&t.RedirectURIProvided, &t.Scope, &t.State, &status, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to take transaction: %w", err)
	}
	if s.now().After(t.ExpiresAt) {
		return nil, storage.ErrTransactionNotFound
	}
	t.Status = storage.TransactionStatus(status)
	return &t, nil
}
