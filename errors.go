package oauth

import (
	"errors"
	"net/http"

	"github.com/giantswarm/gallery-oauth/server"
)

// Error codes used in JSON error bodies and redirect error parameters
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// OAuthError is the body of an RFC 6749 error response plus its HTTP status
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return e.Code + ": " + e.Description
}

func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

func ErrInvalidRequest(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

// ErrInvalidGrant covers unknown, expired, reused or foreign codes and refresh tokens
func ErrInvalidGrant(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
}

func ErrInvalidClient(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
}

func ErrInvalidScope(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
}

func ErrInvalidToken(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
}

// ErrInsufficientScope is returned by protected resources (RFC 6750 section 3.1)
func ErrInsufficientScope(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
}

func ErrUnsupportedGrantType(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

func ErrServerError(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
}

func ErrAccessDenied(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
}

func ErrRateLimitExceeded(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
}

// toOAuthError maps a server error to its OAuth response.
// Descriptions are generic; the detailed error only goes to the logs.
func toOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	switch {
	case errors.Is(err, server.ErrStore):
		return ErrServerError("The server could not complete the request")
	case errors.Is(err, server.ErrInvalidClient):
		return ErrInvalidClient("Client authentication failed")
	case errors.Is(err, server.ErrInvalidGrant):
		return ErrInvalidGrant("The authorization grant is invalid, expired or revoked")
	case errors.Is(err, server.ErrAccessDenied):
		return ErrAccessDenied("The resource owner denied the request")
	case errors.Is(err, server.ErrInvalidToken):
		return ErrInvalidToken("The access token is invalid or expired")
	case errors.Is(err, server.ErrForbidden):
		return ErrInsufficientScope("The access token does not carry the required scope")
	case errors.Is(err, server.ErrInvalidScope):
		return ErrInvalidScope("The requested scope is not allowed for this client")
	case errors.Is(err, server.ErrUnsupportedGrantType):
		return ErrUnsupportedGrantType("The grant type is not supported")
	case errors.Is(err, server.ErrUnsupportedResponseType):
		return NewOAuthError(ErrorCodeUnsupportedResponseType, "Only response_type=code is supported", http.StatusBadRequest)
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrInvalidRequest("The request is missing a parameter or contains an invalid one")
	default:
		return ErrServerError("The server could not complete the request")
	}
}
