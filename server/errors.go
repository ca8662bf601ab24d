package server

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy returned by Server operations. Errors are wrapped with
// context via fmt.Errorf("%w: ..."); callers test them with errors.Is.
var (
	// ErrInvalidClient means client authentication failed or the client is unknown
	ErrInvalidClient = errors.New("invalid client")

	// ErrInvalidGrant means the code or refresh token is unknown, expired, consumed,
	// bound to another client or presented with a different redirect URI
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrAccessDenied means the resource owner denied the authorization request
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidToken means the bearer token is unknown or expired
	ErrInvalidToken = errors.New("invalid token")

	// ErrForbidden means the bearer lacks the scope required by the resource
	ErrForbidden = errors.New("insufficient scope")

	// ErrStore means the credential store failed
	ErrStore = errors.New("store error")

	// ErrInvalidRequest means a parameter is missing, malformed or not registered
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidScope means no requested scope is allowed for the client
	ErrInvalidScope = errors.New("invalid scope")

	// ErrUnsupportedGrantType means the token endpoint does not handle the grant type
	ErrUnsupportedGrantType = errors.New("unsupported grant type")

	// ErrUnsupportedResponseType means the authorization endpoint only issues codes
	ErrUnsupportedResponseType = errors.New("unsupported response type")
)

// ClientLockedError is returned by AuthenticateClient while a client ID and
// source IP pair is locked out. It matches ErrInvalidClient.
type ClientLockedError struct {
	RetryAfter time.Duration
}

func (e *ClientLockedError) Error() string {
	return fmt.Sprintf("%s: too many failed attempts, retry after %s", ErrInvalidClient, e.RetryAfter.Round(time.Second))
}

// Is makes errors.Is(err, ErrInvalidClient) true for lockout errors
func (e *ClientLockedError) Is(target error) bool {
	return target == ErrInvalidClient
}

// RetryAfterFromError returns the lockout remaining in err, or zero
func RetryAfterFromError(err error) time.Duration {
	var locked *ClientLockedError
	if errors.As(err, &locked) {
		return locked.RetryAfter
	}
	return 0
}

// storeError wraps a backend failure so that it matches ErrStore and the cause
func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
