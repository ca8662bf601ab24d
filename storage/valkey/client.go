package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/giantswarm/gallery-oauth/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient saves a new client
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	result, err := s.eval(ctx, luaSetIfAbsent, []string{s.clientKey(client.ClientID)}, string(data), "0")
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	if result == "EXISTS" {
		return fmt.Errorf("%w: client %s", storage.ErrAlreadyExists, client.ClientID)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// UpdateClient replaces an existing client
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	result, err := s.eval(ctx, luaReplaceIfPresent, []string{s.clientKey(client.ClientID)}, string(data))
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	if result == "NOT_FOUND" {
		return storage.ErrClientNotFound
	}

	s.logger.Debug("Updated client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID), storage.ErrClientNotFound, fromClientJSON)
}

// ListClients lists all registered clients.
// Uses SCAN instead of KEYS to avoid blocking the server.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")
	indexPrefix := s.prefix + "client:families:"
	codesPrefix := s.prefix + "client:codes:"

	seen := make(map[string]bool)
	var clients []*storage.Client
	var cursor uint64

	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			// SCAN can return duplicates, and the pattern also matches index keys
			if seen[key] || strings.HasPrefix(key, indexPrefix) || strings.HasPrefix(key, codesPrefix) {
				continue
			}
			seen[key] = true

			clientID := strings.TrimPrefix(key, s.prefix+"client:")
			client, err := s.GetClient(ctx, clientID)
			if err != nil {
				// Deleted between SCAN and GET
				continue
			}
			clients = append(clients, client)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	return clients, nil
}

// DeleteClient removes a client and revokes every code and token issued to it.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	removed, err := s.client.Do(ctx, s.client.B().Del().Key(s.clientKey(clientID)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if removed == 0 {
		return storage.ErrClientNotFound
	}

	families, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientFamiliesKey(clientID)).Build()).AsStrSlice()
	if err != nil {
		return fmt.Errorf("failed to list client token families: %w", err)
	}
	tokens := 0
	for _, familyID := range families {
		n, err := s.RevokeTokenFamily(ctx, familyID)
		if err != nil {
			return err
		}
		tokens += n
	}

	codes, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientCodesKey(clientID)).Build()).AsStrSlice()
	if err != nil {
		return fmt.Errorf("failed to list client codes: %w", err)
	}
	for _, codeHash := range codes {
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(codeHash)).Build()).Error(); err != nil {
			return fmt.Errorf("failed to delete authorization code: %w", err)
		}
	}

	if err := s.client.Do(ctx,
		s.client.B().Del().Key(s.clientFamiliesKey(clientID), s.clientCodesKey(clientID)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to delete client indexes: %w", err)
	}

	s.logger.Info("Deleted client", "client_id", clientID, "tokens_revoked", tokens, "codes_revoked", len(codes))
	return nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// CreateUser saves a new user together with its username and email indexes
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return fmt.Errorf("invalid user")
	}

	data, err := json.Marshal(toUserJSON(user))
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	withEmail := "0"
	if user.Email != "" {
		withEmail = "1"
	}
	keys := []string{s.userKey(user.ID), s.usernameKey(user.Username), s.emailKey(user.Email)}

	result, err := s.eval(ctx, luaCreateUser, keys, string(data), user.ID, withEmail)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	if result == "EXISTS" {
		return fmt.Errorf("%w: user %s", storage.ErrAlreadyExists, user.Username)
	}

	s.logger.Debug("Saved user", "user_id", user.ID)
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	return getAndUnmarshal(ctx, s, s.userKey(userID), storage.ErrUserNotFound, fromUserJSON)
}

// GetUserByUsername retrieves a user by case-insensitive username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	userID, err := s.client.Do(ctx, s.client.B().Get().Key(s.usernameKey(username)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to look up username: %w", err)
	}
	return s.GetUser(ctx, userID)
}
