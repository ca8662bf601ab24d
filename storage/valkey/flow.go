package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/giantswarm/gallery-oauth/storage"
)

// ============================================================
// Authorization codes
// ============================================================

// SaveAuthorizationCode saves an issued authorization code under its hash.
// The key expires with the code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := s.calculateTTL(code.ExpiresAt)
	result, err := s.eval(ctx, luaSetIfAbsent, []string{s.codeKey(code.CodeHash)}, string(data), millis(ttl))
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	if result == "EXISTS" {
		return fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
	}

	// Index for cascade deletion; entries for redeemed codes are harmless
	indexKey := s.clientCodesKey(code.ClientID)
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(indexKey).Member(code.CodeHash).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.CodeHash, hashLogLength),
		"client_id", code.ClientID)
	return nil
}

// RedeemAuthorizationCode atomically takes the code, then persists the grant
// minted from it. The code is consumed before mint runs, so a concurrent
// redemption of the same code always observes NOT_FOUND.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, codeHash string, mint storage.MintFunc) (*storage.Grant, error) {
	now := s.now()
	result, err := s.eval(ctx, luaTake, []string{s.codeKey(codeHash)}, strconv.FormatInt(now.Unix(), 10))
	if err != nil {
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case "EXPIRED":
		s.logger.Debug("Expired authorization code presented",
			"code_prefix", safeTruncate(codeHash, hashLogLength))
		return nil, storage.ErrTokenExpired
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	grant, err := mint(fromAuthorizationCodeJSON(&j))
	if err != nil {
		return nil, err
	}
	if err := s.SaveGrant(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// ============================================================
// TransactionStore Implementation
// ============================================================

// SaveTransaction stores a pending authorization transaction until its ExpiresAt
func (s *Store) SaveTransaction(ctx context.Context, tx *storage.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	data, err := json.Marshal(toTransactionJSON(tx))
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}

	ttl := s.calculateTTL(tx.ExpiresAt)
	result, err := s.eval(ctx, luaSetIfAbsent, []string{s.transactionKey(tx.ID)}, string(data), millis(ttl))
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	if result == "EXISTS" {
		return fmt.Errorf("%w: transaction", storage.ErrAlreadyExists)
	}
	return nil
}

// TakeTransaction atomically retrieves and deletes a transaction
func (s *Store) TakeTransaction(ctx context.Context, transactionID string) (*storage.Transaction, error) {
	now := s.now()
	result, err := s.eval(ctx, luaTake, []string{s.transactionKey(transactionID)}, strconv.FormatInt(now.Unix(), 10))
	if err != nil {
		return nil, fmt.Errorf("failed to take transaction: %w", err)
	}
	if result == "NOT_FOUND" || result == "EXPIRED" {
		return nil, storage.ErrTransactionNotFound
	}

	var j transactionJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return fromTransactionJSON(&j), nil
}
