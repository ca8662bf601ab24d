package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/gallery-oauth/instrumentation"
	"github.com/giantswarm/gallery-oauth/security"
	"github.com/giantswarm/gallery-oauth/storage"
)

// PrincipalKind says whom a bearer token speaks for
type PrincipalKind string

const (
	// PrincipalUser is a resource owner acting through a client
	PrincipalUser PrincipalKind = "user"

	// PrincipalClient is a client acting on its own behalf
	PrincipalClient PrincipalKind = "client"
)

// Bearer validation results (metrics labels)
const (
	bearerValid        = "valid"
	bearerUnknown      = "unknown"
	bearerExpired      = "expired"
	bearerOrphaned     = "orphaned"
	bearerInsufficient = "insufficient_scope"
)

// Principal is the authenticated party behind a bearer token
type Principal struct {
	Kind   PrincipalKind
	User   *storage.User // nil for client principals
	Client *storage.Client
	Scope  string
	Token  *storage.AccessToken
}

// Subject returns the user ID, or the client ID for client principals
func (p *Principal) Subject() string {
	if p.Kind == PrincipalUser && p.User != nil {
		return p.User.ID
	}
	return p.Client.ClientID
}

// Name returns the username, or the client name for client principals
func (p *Principal) Name() string {
	if p.Kind == PrincipalUser && p.User != nil {
		return p.User.Username
	}
	return p.Client.Name
}

// Introspection is the token information returned by the introspection endpoint
type Introspection struct {
	Issuer          string `json:"iss"`
	Subject         string `json:"sub"`
	Audience        string `json:"aud"`
	AuthorizedParty string `json:"azp"`
	ExpiresAt       int64  `json:"exp"`
	IssuedAt        int64  `json:"iat"`
	Name            string `json:"name"`
	Scope           string `json:"scope,omitempty"`
}

// ResolveBearer validates an access token and returns the principal behind it.
// Unknown and expired tokens, and tokens whose client or user no longer
// exists, are rejected with ErrInvalidToken.
func (s *Server) ResolveBearer(ctx context.Context, token string) (*Principal, error) {
	ctx, span := s.tracer.Start(ctx, "server.ResolveBearer")
	defer span.End()

	invalid := func(result string) error {
		s.metrics.RecordBearerValidation(ctx, result)
		instrumentation.SetSpanError(span, result)
		return fmt.Errorf("%w: %s", ErrInvalidToken, result)
	}

	if token == "" {
		return nil, invalid(bearerUnknown)
	}

	at, err := s.store.GetAccessToken(ctx, storage.HashToken(token))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, invalid(bearerUnknown)
		}
		instrumentation.RecordError(span, err)
		return nil, storeError("get access token", err)
	}
	if at.IsExpired(s.now()) {
		return nil, invalid(bearerExpired)
	}

	client, err := s.store.GetClient(ctx, at.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, invalid(bearerOrphaned)
		}
		instrumentation.RecordError(span, err)
		return nil, storeError("get client", err)
	}

	p := &Principal{
		Kind:   PrincipalClient,
		Client: client,
		Scope:  at.Scope,
		Token:  at,
	}
	if !at.IsClientToken() {
		user, err := s.store.GetUser(ctx, at.UserID)
		if err != nil {
			if errors.Is(err, storage.ErrUserNotFound) {
				return nil, invalid(bearerOrphaned)
			}
			instrumentation.RecordError(span, err)
			return nil, storeError("get user", err)
		}
		p.Kind = PrincipalUser
		p.User = user
	}

	s.metrics.RecordBearerValidation(ctx, bearerValid)
	span.SetAttributes(attribute.String(instrumentation.AttrPrincipalKind, string(p.Kind)))
	instrumentation.AddGrantAttributes(span, client.ClientID, at.UserID, at.Scope)
	instrumentation.SetSpanSuccess(span)
	return p, nil
}

// Authorize checks that principal may access a resource requiring scope.
// A nil principal stands for a session-authenticated user and always passes.
func (s *Server) Authorize(ctx context.Context, principal *Principal, scope string) error {
	if principal == nil {
		return nil
	}
	if err := RequireScope(principal.Scope, scope); err != nil {
		s.metrics.RecordBearerValidation(ctx, bearerInsufficient)
		s.metrics.RecordScopeDenied(ctx, scope)
		if s.Auditor != nil {
			userID := ""
			if principal.User != nil {
				userID = principal.User.ID
			}
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventInsufficientScope,
				UserID:    userID,
				ClientID:  principal.Client.ClientID,
				IPAddress: security.ClientIPFromContext(ctx),
				Details:   map[string]any{"required_scope": scope},
			})
		}
		return err
	}
	return nil
}

// Introspect describes an access token. issuer is reported as iss.
func (s *Server) Introspect(ctx context.Context, token, issuer string) (*Introspection, error) {
	p, err := s.ResolveBearer(ctx, token)
	if err != nil {
		return nil, err
	}

	iat := p.Token.CreatedAt.Unix()
	return &Introspection{
		Issuer:          issuer,
		Subject:         p.Subject(),
		Audience:        p.Client.ClientID,
		AuthorizedParty: p.Client.ClientID,
		IssuedAt:        iat,
		ExpiresAt:       iat + p.Token.ExpiresIn,
		Name:            p.Name(),
		Scope:           p.Scope,
	}, nil
}
