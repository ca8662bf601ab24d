package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/gallery-oauth/instrumentation"
	"github.com/giantswarm/gallery-oauth/security"
	"github.com/giantswarm/gallery-oauth/storage"
)

// ResponseTypeCode is the only response type issued by the authorization endpoint
const ResponseTypeCode = "code"

// Authorization outcomes (metrics labels)
const (
	outcomeAutoApproved = "auto_approved"
	outcomeApproved     = "approved"
	outcomeDenied       = "denied"
)

// AuthorizeRequest holds the parameters of an authorization request
type AuthorizeRequest struct {
	ResponseType string
	ClientID     string
	RedirectURI  string
	Scope        string
	State        string
}

// AuthorizationResult is the outcome of BeginAuthorization or Decide.
// Exactly one of Transaction and RedirectURL is set.
type AuthorizationResult struct {
	Client *storage.Client

	// Transaction is set when the resource owner still has to decide
	Transaction *storage.Transaction

	// RedirectURL sends the user agent back to the client with a code
	RedirectURL string
}

// RedirectError is an authorization error that is reported to the client by
// redirecting to its registered redirect URI with ?error=. It is only
// produced once the client and redirect URI have been validated.
type RedirectError struct {
	RedirectURI string
	State       string
	Code        string // OAuth error code, e.g. access_denied
	Description string
	Err         error
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *RedirectError) Unwrap() error {
	return e.Err
}

// Location returns the redirect URL carrying the error
func (e *RedirectError) Location() string {
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return appendQuery(e.RedirectURI, params)
}

// appendQuery adds params to a registered redirect URI, keeping its own query
func appendQuery(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// Registered URIs are validated; fall back to plain concatenation
		sep := "?"
		if strings.Contains(redirectURI, "?") {
			sep = "&"
		}
		return redirectURI + sep + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// BeginAuthorization starts the authorization decision for a logged-in user.
//
// An unknown client or unregistered redirect URI is returned as a plain error
// and must not be redirected. Later failures are *RedirectError. Trusted
// clients are approved at once and the result carries the code redirect;
// otherwise the result carries a PENDING_AUTH transaction for a consent dialog.
func (s *Server) BeginAuthorization(ctx context.Context, req AuthorizeRequest, userID string) (*AuthorizationResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.BeginAuthorization")
	defer span.End()
	span.SetAttributes(
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
	)

	if userID == "" {
		return nil, fmt.Errorf("%w: no authenticated user", ErrAccessDenied)
	}
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
		}
		return nil, storeError("get client", err)
	}

	redirectURI := req.RedirectURI
	redirectProvided := redirectURI != ""
	if !redirectProvided && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if !client.HasRedirectURI(redirectURI) {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventInvalidRedirect,
				UserID:    userID,
				ClientID:  client.ClientID,
				IPAddress: security.ClientIPFromContext(ctx),
			})
		}
		instrumentation.SetSpanError(span, "redirect_uri not registered")
		return nil, fmt.Errorf("%w: redirect_uri is not registered for this client", ErrInvalidRequest)
	}

	redirectErr := func(code, description string, err error) *RedirectError {
		return &RedirectError{
			RedirectURI: redirectURI,
			State:       req.State,
			Code:        code,
			Description: description,
			Err:         err,
		}
	}

	if req.ResponseType != ResponseTypeCode {
		instrumentation.SetSpanError(span, "unsupported_response_type")
		return nil, redirectErr("unsupported_response_type", "only response_type=code is supported", ErrUnsupportedResponseType)
	}

	if strings.TrimSpace(req.Scope) == "" && s.Auditor != nil {
		s.Auditor.LogAuthorizationDecision(security.EventScopeDefaultsApplied, userID, client.ClientID, s.Config.DefaultScope)
	}
	granted, dropped := s.grantableScope(req.Scope, client.AllowedScopes)
	if len(dropped) > 0 {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventScopeEscalationAttempt,
				UserID:   userID,
				ClientID: client.ClientID,
				Details:  map[string]any{"dropped_scopes": strings.Join(dropped, " ")},
			})
		}
		s.Logger.Debug("Dropped scopes the client may not request",
			"client_id", client.ClientID,
			"dropped", dropped)
	}
	if len(granted) == 0 {
		instrumentation.SetSpanError(span, "invalid_scope")
		return nil, redirectErr("invalid_scope", "none of the requested scopes can be granted", ErrInvalidScope)
	}
	scope := strings.Join(granted, " ")

	now := s.now()
	tx := &storage.Transaction{
		ID:          generateRandomToken(),
		ClientID:    client.ClientID,
		UserID:      userID,
		RedirectURI: redirectURI,
		Scope:       scope,
		State:       req.State,
		Status:      storage.TransactionPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl(s.Config.TransactionTTL)),

		RedirectURIProvided: redirectProvided,
	}

	s.metrics.RecordAuthorizationStarted(ctx, client.ClientID, client.Trusted)
	instrumentation.AddGrantAttributes(span, client.ClientID, userID, scope)
	span.SetAttributes(attribute.Bool(instrumentation.AttrTrustedClient, client.Trusted))
	if s.Auditor != nil {
		s.Auditor.LogAuthorizationDecision(security.EventAuthorizationStarted, userID, client.ClientID, scope)
	}

	if client.Trusted {
		// Pending transaction is consumed immediately
		tx.Status = storage.TransactionAutoApproved
		location, err := s.approve(ctx, client, tx)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
		s.metrics.RecordAuthorizationDecided(ctx, client.ClientID, outcomeAutoApproved)
		if s.Auditor != nil {
			s.Auditor.LogAuthorizationDecision(security.EventAuthorizationAutoApproved, userID, client.ClientID, scope)
		}
		instrumentation.SetSpanSuccess(span)
		return &AuthorizationResult{Client: client, RedirectURL: location}, nil
	}

	if err := s.store.SaveTransaction(ctx, tx); err != nil {
		instrumentation.RecordError(span, err)
		return nil, storeError("save transaction", err)
	}

	instrumentation.SetSpanSuccess(span)
	return &AuthorizationResult{Client: client, Transaction: tx}, nil
}

// Decide applies the resource owner's decision to a pending transaction.
// The transaction is consumed whether or not the decision succeeds, so it can
// be decided at most once.
func (s *Server) Decide(ctx context.Context, transactionID, userID string, approve bool) (*AuthorizationResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.Decide")
	defer span.End()
	span.SetAttributes(attribute.Bool(instrumentation.AttrDecision, approve))

	if transactionID == "" {
		return nil, fmt.Errorf("%w: transaction_id is required", ErrInvalidRequest)
	}

	tx, err := s.store.TakeTransaction(ctx, transactionID)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, storage.ErrTransactionNotFound) {
			return nil, fmt.Errorf("%w: unknown, expired or already decided transaction", ErrInvalidRequest)
		}
		return nil, storeError("take transaction", err)
	}
	if tx.UserID != userID {
		s.Logger.Warn("Authorization decision from a different user rejected",
			"client_id", tx.ClientID)
		instrumentation.SetSpanError(span, "transaction user mismatch")
		return nil, fmt.Errorf("%w: transaction belongs to another user", ErrInvalidRequest)
	}

	client, err := s.store.GetClient(ctx, tx.ClientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, fmt.Errorf("%w: client no longer exists", ErrInvalidClient)
		}
		return nil, storeError("get client", err)
	}
	instrumentation.AddGrantAttributes(span, client.ClientID, userID, tx.Scope)

	if !approve {
		tx.Status = storage.TransactionUserDenied
		s.metrics.RecordAuthorizationDecided(ctx, client.ClientID, outcomeDenied)
		if s.Auditor != nil {
			s.Auditor.LogAuthorizationDecision(security.EventAuthorizationDenied, userID, client.ClientID, tx.Scope)
		}
		instrumentation.SetSpanSuccess(span)
		return nil, &RedirectError{
			RedirectURI: tx.RedirectURI,
			State:       tx.State,
			Code:        "access_denied",
			Description: "the resource owner denied the request",
			Err:         ErrAccessDenied,
		}
	}

	tx.Status = storage.TransactionUserApproved
	location, err := s.approve(ctx, client, tx)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	s.metrics.RecordAuthorizationDecided(ctx, client.ClientID, outcomeApproved)
	if s.Auditor != nil {
		s.Auditor.LogAuthorizationDecision(security.EventAuthorizationApproved, userID, client.ClientID, tx.Scope)
	}
	instrumentation.SetSpanSuccess(span)
	return &AuthorizationResult{Client: client, RedirectURL: location}, nil
}

// approve issues the code for an approved transaction and builds the redirect
func (s *Server) approve(ctx context.Context, client *storage.Client, tx *storage.Transaction) (string, error) {
	code, err := s.issueCode(ctx, client, tx.RedirectURI, tx.RedirectURIProvided, tx.UserID, tx.Scope)
	if err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("code", code)
	if tx.State != "" {
		params.Set("state", tx.State)
	}
	return appendQuery(tx.RedirectURI, params), nil
}
