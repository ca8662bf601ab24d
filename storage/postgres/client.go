package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/gallery-oauth/storage"
)

const clientColumns = `client_id, name, secret_hash, trusted, redirect_uris, allowed_scopes, created_at, updated_at`

func scanClient(row pgx.Row) (*storage.Client, error) {
	var c storage.Client
	if err := row.Scan(&c.ClientID, &c.Name, &c.SecretHash, &c.Trusted,
		&c.RedirectURIs, &c.AllowedScopes, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateClient saves a new client
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	const q = `
INSERT INTO clients (` + clientColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, q, client.ClientID, client.Name, client.SecretHash, client.Trusted,
		nonNil(client.RedirectURIs), nonNil(client.AllowedScopes), client.CreatedAt, client.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: client %s", storage.ErrAlreadyExists, client.ClientID)
		}
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// UpdateClient replaces an existing client
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	const q = `
UPDATE clients
SET name = $2, secret_hash = $3, trusted = $4, redirect_uris = $5, allowed_scopes = $6, updated_at = $7
WHERE client_id = $1`
	tag, err := s.pool.Exec(ctx, q, client.ClientID, client.Name, client.SecretHash, client.Trusted,
		nonNil(client.RedirectURIs), nonNil(client.AllowedScopes), client.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrClientNotFound
	}
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	const q = `SELECT ` + clientColumns + ` FROM clients WHERE client_id = $1`
	client, err := scanClient(s.pool.QueryRow(ctx, q, clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// ListClients lists all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	const q = `SELECT ` + clientColumns + ` FROM clients ORDER BY client_id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, nil
}

// DeleteClient removes a client. Codes, tokens and transactions go with it
// through ON DELETE CASCADE.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM clients WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrClientNotFound
	}

	s.logger.Info("Deleted client", "client_id", clientID)
	return nil
}

// CreateUser saves a new user. Username and email are unique case-insensitively.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return fmt.Errorf("invalid user")
	}

	const q = `
INSERT INTO users (id, username, email, password_hash, created_at)
VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, q, user.ID, user.Username, user.Email, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s", storage.ErrAlreadyExists, user.Username)
		}
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

const userColumns = `id, username, email, password_hash, created_at`

func scanUser(row pgx.Row) (*storage.User, error) {
	var u storage.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

// GetUserByUsername retrieves a user by case-insensitive username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username))
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
