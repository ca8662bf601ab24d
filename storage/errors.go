package storage

import "errors"

// Sentinel errors returned by all storage backends. Backends wrap them with
// context using fmt.Errorf("%w: ...") so callers must use errors.Is.
var (
	// ErrClientNotFound is returned when a client ID is unknown
	ErrClientNotFound = errors.New("client not found")

	// ErrUserNotFound is returned when a user ID or username is unknown
	ErrUserNotFound = errors.New("user not found")

	// ErrAuthorizationCodeNotFound is returned when a code does not exist or was already redeemed
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrTokenNotFound is returned when an access or refresh token does not exist
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired is returned when a record exists but is past its lifetime
	ErrTokenExpired = errors.New("token expired")

	// ErrRefreshTokenRotated is returned when a rotated refresh token is presented again
	ErrRefreshTokenRotated = errors.New("refresh token already rotated")

	// ErrTransactionNotFound is returned when an authorization transaction is unknown or already decided
	ErrTransactionNotFound = errors.New("authorization transaction not found")

	// ErrAlreadyExists is returned when a unique key (client ID, username, email, code or token hash) collides
	ErrAlreadyExists = errors.New("record already exists")
)
