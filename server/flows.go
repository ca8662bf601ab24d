package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/giantswarm/gallery-oauth/instrumentation"
	"github.com/giantswarm/gallery-oauth/internal/util"
	"github.com/giantswarm/gallery-oauth/security"
	"github.com/giantswarm/gallery-oauth/storage"
)

// Grant types handled by the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Token type hints accepted by RevokeToken (RFC 7009)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// hashLogLength is how much of a code or token hash may appear in debug logs
const hashLogLength = 8

var (
	errCodeClientMismatch   = errors.New("authorization code was issued to another client")
	errCodeRedirectMismatch = errors.New("redirect_uri does not match the authorization request")
)

// IssueCode mints an authorization code bound to client, redirectURI, user and scope.
// The returned value is handed to the user agent once; only its hash is stored.
// The token request must repeat redirectURI exactly.
func (s *Server) IssueCode(ctx context.Context, client *storage.Client, redirectURI, userID, scope string) (string, error) {
	return s.issueCode(ctx, client, redirectURI, true, userID, scope)
}

// issueCode is IssueCode for a redirect URI that may have been defaulted;
// provided is false when the authorization request omitted redirect_uri.
func (s *Server) issueCode(ctx context.Context, client *storage.Client, redirectURI string, provided bool, userID, scope string) (string, error) {
	if client == nil {
		return "", fmt.Errorf("%w: client is required", ErrInvalidClient)
	}
	if !client.HasRedirectURI(redirectURI) {
		return "", fmt.Errorf("%w: redirect_uri is not registered for this client", ErrInvalidRequest)
	}

	for attempt := 1; attempt <= maxTokenGenerationAttempts; attempt++ {
		code := generateRandomToken()
		now := s.now()
		authCode := &storage.AuthorizationCode{
			CodeHash:    storage.HashToken(code),
			ClientID:    client.ClientID,
			UserID:      userID,
			RedirectURI: redirectURI,
			Scope:       NormalizeScope(scope),
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl(s.Config.AuthorizationCodeTTL)),

			RedirectURIProvided: provided,
		}

		err := s.store.SaveAuthorizationCode(ctx, authCode)
		if errors.Is(err, storage.ErrAlreadyExists) {
			s.Logger.Warn("Authorization code collision, retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			return "", storeError("save authorization code", err)
		}

		s.metrics.RecordCodeIssued(ctx, client.ClientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthorizationDecision(security.EventAuthorizationCodeIssued, userID, client.ClientID, authCode.Scope)
		}
		return code, nil
	}

	return "", storeError("save authorization code", storage.ErrAlreadyExists)
}

// mintedGrant is a grant plus the raw values that go back to the client
type mintedGrant struct {
	grant        *storage.Grant
	accessToken  string
	refreshToken string
}

// mint creates an access token and, when scope includes offline_access, a
// refresh token in the same family.
func (s *Server) mint(clientID, userID, scope, familyID string) *mintedGrant {
	now := s.now()
	m := &mintedGrant{accessToken: generateRandomToken()}
	m.grant = &storage.Grant{
		Access: &storage.AccessToken{TokenRecord: storage.TokenRecord{
			TokenHash: storage.HashToken(m.accessToken),
			ClientID:  clientID,
			UserID:    userID,
			Scope:     scope,
			FamilyID:  familyID,
			CreatedAt: now,
			ExpiresIn: s.Config.AccessTokenTTL,
		}},
	}

	if HasScope(scope, ScopeOfflineAccess) {
		m.refreshToken = generateRandomToken()
		m.grant.Refresh = &storage.RefreshToken{TokenRecord: storage.TokenRecord{
			TokenHash: storage.HashToken(m.refreshToken),
			ClientID:  clientID,
			UserID:    userID,
			Scope:     scope,
			FamilyID:  familyID,
			CreatedAt: now,
			ExpiresIn: s.Config.RefreshTokenTTL,
		}}
	}
	return m
}

// token builds the response token; refresh is empty when none was minted
func (m *mintedGrant) token() *oauth2.Token {
	a := m.grant.Access
	return &oauth2.Token{
		AccessToken:  m.accessToken,
		TokenType:    "Bearer",
		RefreshToken: m.refreshToken,
		Expiry:       a.ExpiresAt(),
		ExpiresIn:    a.ExpiresIn,
	}
}

// ExchangeCode redeems an authorization code for tokens.
//
// The code is consumed and the tokens are persisted in one store operation.
// A code presented by another client or with a different redirect URI is
// rejected with ErrInvalidGrant and stays consumed. redirectURI may be empty
// only if the authorization request omitted it as well.
func (s *Server) ExchangeCode(ctx context.Context, client *storage.Client, code, redirectURI string) (*oauth2.Token, string, error) {
	ctx, span := s.tracer.Start(ctx, "server.ExchangeCode")
	defer span.End()
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode))

	if client == nil {
		return nil, "", fmt.Errorf("%w: client is required", ErrInvalidClient)
	}
	if code == "" {
		return nil, "", fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}

	codeHash := storage.HashToken(code)
	var minted *mintedGrant
	_, err := s.store.RedeemAuthorizationCode(ctx, codeHash, func(ac *storage.AuthorizationCode) (*storage.Grant, error) {
		if ac.ClientID != client.ClientID {
			return nil, errCodeClientMismatch
		}
		if !redirectURIMatches(ac, redirectURI) {
			return nil, errCodeRedirectMismatch
		}
		minted = s.mint(ac.ClientID, ac.UserID, ac.Scope, uuid.NewString())
		return minted.grant, nil
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, "", s.codeExchangeError(ctx, client.ClientID, codeHash, err)
	}

	access := minted.grant.Access
	withRefresh := minted.grant.Refresh != nil
	instrumentation.AddGrantAttributes(span, access.ClientID, access.UserID, access.Scope)
	span.SetAttributes(
		attribute.String(instrumentation.AttrTokenFamilyID, access.FamilyID),
		attribute.Bool(instrumentation.AttrRefreshIssued, withRefresh),
	)

	s.metrics.RecordCodeExchange(ctx, client.ClientID, withRefresh)
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(access.UserID, client.ClientID, security.ClientIPFromContext(ctx), access.Scope, withRefresh)
	}
	s.Logger.Debug("Exchanged authorization code",
		"client_id", client.ClientID,
		"code_hash_prefix", util.SafeTruncate(codeHash, hashLogLength),
		"refresh_issued", withRefresh)

	instrumentation.SetSpanSuccess(span)
	return minted.token(), access.Scope, nil
}

// redirectURIMatches applies RFC 6749 section 4.1.3: redirect_uri must be
// repeated exactly when the authorization request carried it. When it was
// defaulted, the token request may omit it or send the defaulted value.
func redirectURIMatches(ac *storage.AuthorizationCode, redirectURI string) bool {
	if !ac.RedirectURIProvided && redirectURI == "" {
		return true
	}
	return ac.RedirectURI == redirectURI
}

// codeExchangeError maps a redemption failure to the error taxonomy.
// Clients only ever see ErrInvalidGrant; the reason goes to the debug log.
func (s *Server) codeExchangeError(ctx context.Context, clientID, codeHash string, err error) error {
	var reason string
	switch {
	case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
		reason = "unknown_or_consumed"
	case errors.Is(err, storage.ErrTokenExpired):
		reason = "expired"
	case errors.Is(err, errCodeClientMismatch):
		reason = "client_mismatch"
	case errors.Is(err, errCodeRedirectMismatch):
		reason = "redirect_uri_mismatch"
	default:
		return storeError("redeem authorization code", err)
	}

	s.Logger.Debug("Authorization code rejected",
		"client_id", clientID,
		"reason", reason,
		"code_hash_prefix", util.SafeTruncate(codeHash, hashLogLength))
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure("", clientID, security.ClientIPFromContext(ctx), "authorization_code_"+reason)
	}
	return fmt.Errorf("%w: authorization code is invalid", ErrInvalidGrant)
}

// ExchangeRefreshToken issues a new access token for a refresh token.
//
// The new token carries the stored scope; requestedScope is only compared
// against it for auditing. With rotation enabled the refresh token is
// replaced, and presenting a rotated token revokes its whole family.
func (s *Server) ExchangeRefreshToken(ctx context.Context, client *storage.Client, refreshToken, requestedScope string) (*oauth2.Token, string, error) {
	ctx, span := s.tracer.Start(ctx, "server.ExchangeRefreshToken")
	defer span.End()
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken))

	if client == nil {
		return nil, "", fmt.Errorf("%w: client is required", ErrInvalidClient)
	}
	if refreshToken == "" {
		return nil, "", fmt.Errorf("%w: refresh_token is required", ErrInvalidRequest)
	}

	tokenHash := storage.HashToken(refreshToken)
	ip := security.ClientIPFromContext(ctx)
	invalid := func(reason string) error {
		s.Logger.Debug("Refresh token rejected",
			"client_id", client.ClientID,
			"reason", reason,
			"token_hash_prefix", util.SafeTruncate(tokenHash, hashLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, ip, "refresh_token_"+reason)
		}
		instrumentation.SetSpanError(span, reason)
		return fmt.Errorf("%w: refresh token is invalid", ErrInvalidGrant)
	}

	stored, err := s.store.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, "", invalid("unknown")
		}
		instrumentation.RecordError(span, err)
		return nil, "", storeError("get refresh token", err)
	}
	if stored.ClientID != client.ClientID {
		return nil, "", invalid("client_mismatch")
	}
	if stored.IsRotated() {
		s.revokeOnReuse(ctx, stored)
		return nil, "", invalid("reused")
	}
	if stored.IsExpired(s.now()) {
		return nil, "", invalid("expired")
	}

	instrumentation.AddGrantAttributes(span, stored.ClientID, stored.UserID, stored.Scope)
	span.SetAttributes(attribute.String(instrumentation.AttrTokenFamilyID, stored.FamilyID))

	if wider := scopeWidening(requestedScope, stored.Scope); len(wider) > 0 && s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventScopeEscalationAttempt,
			UserID:    stored.UserID,
			ClientID:  client.ClientID,
			IPAddress: ip,
			Details:   map[string]any{"grant_type": GrantTypeRefreshToken, "requested_extra": wider},
		})
	}

	minted := s.mint(stored.ClientID, stored.UserID, stored.Scope, stored.FamilyID)
	rotate := s.Config.RotateRefreshTokens
	if rotate {
		err = s.store.RotateRefreshToken(ctx, tokenHash, minted.grant)
		switch {
		case errors.Is(err, storage.ErrRefreshTokenRotated):
			// Lost a race against another exchange of the same token
			s.revokeOnReuse(ctx, stored)
			return nil, "", invalid("reused")
		case errors.Is(err, storage.ErrTokenNotFound):
			return nil, "", invalid("unknown")
		case err != nil:
			instrumentation.RecordError(span, err)
			return nil, "", storeError("rotate refresh token", err)
		}
	} else {
		// The presented refresh token stays valid; no new one is handed out
		minted.grant.Refresh = nil
		minted.refreshToken = ""
		if err := s.store.SaveGrant(ctx, minted.grant); err != nil {
			instrumentation.RecordError(span, err)
			return nil, "", storeError("save grant", err)
		}
	}

	span.SetAttributes(attribute.Bool(instrumentation.AttrTokenRotated, rotate))
	s.metrics.RecordTokenRefresh(ctx, client.ClientID, rotate)
	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(stored.UserID, client.ClientID, ip, rotate)
	}

	instrumentation.SetSpanSuccess(span)
	return minted.token(), stored.Scope, nil
}

// revokeOnReuse revokes the family of a refresh token that was presented after rotation
func (s *Server) revokeOnReuse(ctx context.Context, stored *storage.RefreshToken) {
	s.metrics.RecordRefreshTokenReuse(ctx)
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventRefreshTokenReuseDetected,
			UserID:    stored.UserID,
			ClientID:  stored.ClientID,
			IPAddress: security.ClientIPFromContext(ctx),
			Details:   map[string]any{"family_id": stored.FamilyID},
		})
	}

	revoked, err := s.store.RevokeTokenFamily(ctx, stored.FamilyID)
	if err != nil {
		s.Logger.Error("Failed to revoke token family after refresh token reuse",
			"client_id", stored.ClientID,
			"family_id", stored.FamilyID,
			"error", err)
		return
	}

	s.metrics.RecordTokenRevocation(ctx, stored.ClientID, revoked)
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventTokenFamilyRevoked,
			UserID:   stored.UserID,
			ClientID: stored.ClientID,
			Details:  map[string]any{"family_id": stored.FamilyID, "tokens_revoked": revoked},
		})
	}
	s.Logger.Warn("Refresh token reuse detected, token family revoked",
		"client_id", stored.ClientID,
		"family_id", stored.FamilyID,
		"tokens_revoked", revoked)
}

// scopeWidening returns the requested scopes that the stored scope does not hold
func scopeWidening(requested, stored string) []string {
	have := ParseScope(stored)
	if slices.Contains(have, ScopeAll) {
		return nil
	}
	var extra []string
	for _, r := range ParseScope(requested) {
		if !slices.Contains(have, r) {
			extra = append(extra, r)
		}
	}
	return extra
}

// RevokeToken revokes an access or refresh token held by client (RFC 7009).
// Revoking a refresh token revokes its whole family. Unknown tokens and
// tokens of other clients are ignored, so the caller learns nothing about them.
func (s *Server) RevokeToken(ctx context.Context, client *storage.Client, token, tokenTypeHint string) error {
	if client == nil {
		return fmt.Errorf("%w: client is required", ErrInvalidClient)
	}
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}

	tokenHash := storage.HashToken(token)
	order := []string{TokenTypeHintAccessToken, TokenTypeHintRefreshToken}
	if tokenTypeHint == TokenTypeHintRefreshToken {
		order = []string{TokenTypeHintRefreshToken, TokenTypeHintAccessToken}
	}

	for _, kind := range order {
		done, err := s.revokeKind(ctx, client, tokenHash, kind)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	s.Logger.Debug("Revocation of unknown token ignored",
		"client_id", client.ClientID,
		"token_hash_prefix", util.SafeTruncate(tokenHash, hashLogLength))
	return nil
}

// revokeKind revokes tokenHash as the given kind. It reports whether the hash
// was found (whether or not it belonged to client).
func (s *Server) revokeKind(ctx context.Context, client *storage.Client, tokenHash, kind string) (bool, error) {
	var record storage.TokenRecord
	switch kind {
	case TokenTypeHintAccessToken:
		t, err := s.store.GetAccessToken(ctx, tokenHash)
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				return false, nil
			}
			return false, storeError("get access token", err)
		}
		record = t.TokenRecord
	default:
		t, err := s.store.GetRefreshToken(ctx, tokenHash)
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				return false, nil
			}
			return false, storeError("get refresh token", err)
		}
		record = t.TokenRecord
	}

	if record.ClientID != client.ClientID {
		s.Logger.Warn("Client attempted to revoke a token issued to another client",
			"client_id", client.ClientID)
		return true, nil
	}

	revoked := 1
	if kind == TokenTypeHintAccessToken {
		if err := s.store.DeleteAccessToken(ctx, tokenHash); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			return true, storeError("delete access token", err)
		}
	} else {
		n, err := s.store.RevokeTokenFamily(ctx, record.FamilyID)
		if err != nil {
			return true, storeError("revoke token family", err)
		}
		revoked = n
	}

	s.metrics.RecordTokenRevocation(ctx, client.ClientID, revoked)
	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(record.UserID, client.ClientID, security.ClientIPFromContext(ctx), kind)
	}
	return true, nil
}
