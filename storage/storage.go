package storage

import (
	"context"
	"time"
)

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// CreateClient saves a new client. Returns ErrAlreadyExists if the client ID is taken.
	CreateClient(ctx context.Context, client *Client) error

	// UpdateClient replaces an existing client. Returns ErrClientNotFound if it does not exist.
	UpdateClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// DeleteClient removes a client together with its outstanding codes and tokens.
	DeleteClient(ctx context.Context, clientID string) error
}

// UserStore defines the interface for managing resource owners.
type UserStore interface {
	// CreateUser saves a new user. Returns ErrAlreadyExists if the username or email is taken.
	CreateUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByUsername retrieves a user by username
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// MintFunc is called by RedeemAuthorizationCode with the code that was just consumed.
// The returned grant is persisted in the same atomic operation as the code deletion.
// Returning an error aborts token persistence; the code stays consumed.
type MintFunc func(code *AuthorizationCode) (*Grant, error)

// GrantStore defines the interface for authorization codes and tokens.
// Every lookup takes the SHA-256 hash of the presented value (see HashToken).
type GrantStore interface {
	// SaveAuthorizationCode saves an issued authorization code.
	// Returns ErrAlreadyExists if the code hash collides with a live code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// RedeemAuthorizationCode atomically finds and deletes the code and persists the
	// grant returned by mint. Only one concurrent caller can succeed for a given code.
	// Returns ErrAuthorizationCodeNotFound if the code does not exist or was redeemed,
	// and ErrTokenExpired if it is past its lifetime.
	RedeemAuthorizationCode(ctx context.Context, codeHash string, mint MintFunc) (*Grant, error)

	// SaveGrant persists freshly minted tokens (used by the refresh grant without rotation).
	SaveGrant(ctx context.Context, grant *Grant) error

	// GetAccessToken looks up an access token by hash
	GetAccessToken(ctx context.Context, tokenHash string) (*AccessToken, error)

	// GetRefreshToken looks up a refresh token by hash
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// RotateRefreshToken atomically marks the refresh token as rotated and persists the
	// new grant. Returns ErrRefreshTokenRotated if it was already rotated.
	RotateRefreshToken(ctx context.Context, oldTokenHash string, grant *Grant) error

	// DeleteAccessToken removes a single access token
	DeleteAccessToken(ctx context.Context, tokenHash string) error

	// RevokeTokenFamily removes every access and refresh token sharing the family ID.
	// Returns the number of tokens removed.
	RevokeTokenFamily(ctx context.Context, familyID string) (int, error)
}

// TransactionStore persists pending authorization decisions.
type TransactionStore interface {
	// SaveTransaction stores a pending transaction until its ExpiresAt
	SaveTransaction(ctx context.Context, tx *Transaction) error

	// TakeTransaction atomically retrieves and deletes a transaction, so a decision
	// can be applied at most once. Returns ErrTransactionNotFound if absent.
	TakeTransaction(ctx context.Context, transactionID string) (*Transaction, error)
}

// Store is implemented by every backend.
type Store interface {
	ClientStore
	UserStore
	GrantStore
	TransactionStore
}

// Client represents a registered OAuth client
type Client struct {
	ClientID      string
	Name          string
	SecretHash    string // bcrypt hash
	Trusted       bool   // trusted clients skip the consent dialog
	RedirectURIs  []string
	AllowedScopes []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasRedirectURI reports whether uri exactly matches one of the registered redirect URIs
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// User represents a resource owner
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string // bcrypt hash
	CreatedAt    time.Time
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	CodeHash    string
	ClientID    string
	UserID      string
	RedirectURI string
	// RedirectURIProvided is false when the authorization request omitted
	// redirect_uri and RedirectURI is the client's only registered URI.
	// The token request may then omit it too (RFC 6749 section 4.1.3).
	RedirectURIProvided bool
	Scope               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// IsExpired reports whether the code is past its lifetime at now
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Grant is the set of tokens minted by one exchange.
// Refresh is nil when the granted scope does not include offline access.
type Grant struct {
	Access  *AccessToken
	Refresh *RefreshToken
}

// TransactionStatus is the state of an authorization decision
type TransactionStatus string

const (
	// TransactionPending awaits the resource owner's decision
	TransactionPending TransactionStatus = "PENDING_AUTH"

	// TransactionAutoApproved was approved without a dialog because the client is trusted
	TransactionAutoApproved TransactionStatus = "AUTO_APPROVED"

	// TransactionUserApproved was approved by the resource owner
	TransactionUserApproved TransactionStatus = "USER_APPROVED"

	// TransactionUserDenied was denied by the resource owner
	TransactionUserDenied TransactionStatus = "USER_DENIED"
)

// Transaction is an authorization request waiting for (or having received) a decision
type Transaction struct {
	ID                  string
	ClientID            string
	UserID              string
	RedirectURI         string
	RedirectURIProvided bool
	Scope               string
	State               string // client's state parameter, echoed on redirect
	Status              TransactionStatus
	CreatedAt           time.Time
	ExpiresAt           time.Time
}
