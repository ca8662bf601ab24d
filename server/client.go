package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/gallery-oauth/instrumentation"
	"github.com/giantswarm/gallery-oauth/security"
	"github.com/giantswarm/gallery-oauth/storage"
)

// Client authentication failure reasons (audit and metrics labels)
const (
	authFailureUnknownClient  = "unknown_client"
	authFailureSecretMismatch = "secret_mismatch"
	authFailureLockedOut      = "locked_out"
)

// ClientRegistration describes a client to register administratively
type ClientRegistration struct {
	// ClientID is chosen by the operator; a UUID is generated when empty
	ClientID string
	Name     string
	// Secret is generated when empty and returned once by RegisterClient
	Secret        string
	Trusted       bool
	RedirectURIs  []string
	AllowedScopes []string
}

// ClientUpdate changes selected fields of a client. Nil fields are left as they are.
type ClientUpdate struct {
	Name          *string
	Trusted       *bool
	RedirectURIs  []string
	AllowedScopes []string
}

// lockoutKey scopes failure tracking to one client ID from one source
func lockoutKey(clientID, sourceIP string) string {
	return clientID + "|" + sourceIP
}

// AuthenticateClient verifies a client's shared secret.
//
// Failures are counted per client ID and source IP. Once the key is locked
// the secret is not checked at all and a *ClientLockedError is returned.
// Unknown clients cost a bcrypt comparison too, so timing does not reveal
// whether a client ID exists.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, secret, sourceIP string) (*storage.Client, error) {
	ctx, span := s.tracer.Start(ctx, "server.AuthenticateClient")
	defer span.End()
	span.SetAttributes(attribute.String(instrumentation.AttrClientID, clientID))

	key := lockoutKey(clientID, sourceIP)
	remaining, err := s.Lockout.Check(ctx, key)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, storeError("lockout check", err)
	}
	if remaining > 0 {
		s.metrics.RecordClientLockedOut(ctx)
		s.metrics.RecordClientAuthFailed(ctx, authFailureLockedOut)
		span.SetAttributes(attribute.Int64(instrumentation.AttrLockoutSeconds, int64(remaining.Seconds())))
		instrumentation.SetSpanError(span, authFailureLockedOut)
		s.Logger.Debug("Client authentication rejected during lockout",
			"client_id", clientID,
			"retry_after", remaining)
		return nil, &ClientLockedError{RetryAfter: remaining}
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil && !errors.Is(err, storage.ErrClientNotFound) {
		instrumentation.RecordError(span, err)
		return nil, storeError("get client", err)
	}

	hash := ""
	if client != nil {
		hash = client.SecretHash
	}
	// Always compare, even for unknown clients
	cmpErr := security.CompareSecret(hash, secret)

	if client == nil || cmpErr != nil || secret == "" {
		reason := authFailureSecretMismatch
		if client == nil {
			reason = authFailureUnknownClient
		}
		s.recordClientAuthFailure(ctx, clientID, sourceIP, reason)
		instrumentation.SetSpanError(span, reason)
		return nil, fmt.Errorf("%w: client authentication failed", ErrInvalidClient)
	}

	if err := s.Lockout.Reset(ctx, key); err != nil {
		s.Logger.Warn("Failed to reset client lockout", "client_id", clientID, "error", err)
	}

	instrumentation.SetSpanSuccess(span)
	return client, nil
}

// recordClientAuthFailure counts a failure towards the lockout and audits it
func (s *Server) recordClientAuthFailure(ctx context.Context, clientID, sourceIP, reason string) {
	s.metrics.RecordClientAuthFailed(ctx, reason)
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure("", clientID, sourceIP, reason)
	}

	lockedFor, err := s.Lockout.RecordFailure(ctx, lockoutKey(clientID, sourceIP))
	if err != nil {
		s.Logger.Warn("Failed to record client authentication failure",
			"client_id", clientID,
			"error", err)
		return
	}
	if lockedFor > 0 {
		s.metrics.RecordClientLockedOut(ctx)
		if s.Auditor != nil {
			s.Auditor.LogClientLockedOut(clientID, sourceIP, lockedFor)
		}
		s.Logger.Warn("Client locked out after repeated authentication failures",
			"client_id", clientID,
			"ip", sourceIP,
			"locked_for", lockedFor)
	}
}

// RegisterClient creates a client and returns it with the plain secret.
// The secret is not stored and cannot be retrieved later.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	if err := s.validateRedirectURIs(reg.RedirectURIs); err != nil {
		s.Logger.Warn("Client registration rejected: redirect URI validation failed",
			"client_id", reg.ClientID,
			"error", err.Error())
		return nil, "", err
	}

	clientID := strings.TrimSpace(reg.ClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if strings.ContainsAny(clientID, ": |") {
		return nil, "", fmt.Errorf("%w: client_id must not contain spaces, ':' or '|'", ErrInvalidRequest)
	}

	secret := reg.Secret
	if secret == "" {
		secret = generateRandomToken()
	}
	hash, err := security.HashSecretWithCost(secret, s.Config.BcryptCost)
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	client := &storage.Client{
		ClientID:      clientID,
		Name:          reg.Name,
		SecretHash:    hash,
		Trusted:       reg.Trusted,
		RedirectURIs:  slices.Clone(reg.RedirectURIs),
		AllowedScopes: ParseScope(strings.Join(reg.AllowedScopes, " ")),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.CreateClient(ctx, client); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, "", fmt.Errorf("%w: client %q already exists", ErrInvalidRequest, clientID)
		}
		return nil, "", storeError("create client", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientChanged(security.EventClientCreated, clientID)
	}
	s.Logger.Info("Registered OAuth client",
		"client_id", clientID,
		"client_name", client.Name,
		"trusted", client.Trusted)

	return client, secret, nil
}

// UpdateClient applies an update to an existing client
func (s *Server) UpdateClient(ctx context.Context, clientID string, update ClientUpdate) (*storage.Client, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		client.Name = *update.Name
	}
	if update.Trusted != nil {
		client.Trusted = *update.Trusted
	}
	if update.RedirectURIs != nil {
		if err := s.validateRedirectURIs(update.RedirectURIs); err != nil {
			return nil, err
		}
		client.RedirectURIs = slices.Clone(update.RedirectURIs)
	}
	if update.AllowedScopes != nil {
		client.AllowedScopes = ParseScope(strings.Join(update.AllowedScopes, " "))
	}
	client.UpdatedAt = s.now()

	if err := s.store.UpdateClient(ctx, client); err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, fmt.Errorf("%w: client %q not found", ErrInvalidClient, clientID)
		}
		return nil, storeError("update client", err)
	}
	return client, nil
}

// RotateClientSecret replaces the client's secret with a fresh random one and returns it
func (s *Server) RotateClientSecret(ctx context.Context, clientID string) (string, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return "", err
	}

	secret := generateRandomToken()
	hash, err := security.HashSecretWithCost(secret, s.Config.BcryptCost)
	if err != nil {
		return "", err
	}
	client.SecretHash = hash
	client.UpdatedAt = s.now()

	if err := s.store.UpdateClient(ctx, client); err != nil {
		return "", storeError("update client", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientChanged(security.EventClientSecretRotated, clientID)
	}
	s.Logger.Info("Rotated client secret", "client_id", clientID)
	return secret, nil
}

// DeleteClient removes a client with all of its outstanding codes and tokens
func (s *Server) DeleteClient(ctx context.Context, clientID string) error {
	if err := s.store.DeleteClient(ctx, clientID); err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return fmt.Errorf("%w: client %q not found", ErrInvalidClient, clientID)
		}
		return storeError("delete client", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientChanged(security.EventClientDeleted, clientID)
	}
	s.Logger.Info("Deleted OAuth client", "client_id", clientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, fmt.Errorf("%w: client %q not found", ErrInvalidClient, clientID)
		}
		return nil, storeError("get client", err)
	}
	return client, nil
}

// ListClients lists every registered client
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	clients, err := s.store.ListClients(ctx)
	if err != nil {
		return nil, storeError("list clients", err)
	}
	return clients, nil
}
