package oauth

import (
	"log/slog"
	"time"
)

// Default rate limits, per client IP
const (
	DefaultLoginRequestsPerMinute = 10
	DefaultLoginBurst             = 5
	DefaultTokenRequestsPerMinute = 120
	DefaultTokenBurst             = 20
)

// DefaultScopesSupported is advertised by discovery when the server does not
// restrict grantable scopes
var DefaultScopesSupported = []string{"profile", "view_gallery"}

// Config holds the HTTP handler configuration
type Config struct {
	// RateLimit bounds login attempts and token endpoint calls per client IP
	RateLimit RateLimitConfig

	// SessionTTL is how long a resource-owner login lasts
	// Default: 8 hours
	SessionTTL time.Duration

	// SecureCookies forces the Secure attribute on the session cookie.
	// It is always set when the server issuer uses https.
	SecureCookies bool

	// Logger for structured logging (optional, uses the server's logger if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration.
// A negative rate disables the corresponding limiter; zero selects the default.
type RateLimitConfig struct {
	LoginRequestsPerMinute int
	LoginBurst             int
	TokenRequestsPerMinute int
	TokenBurst             int
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.LoginRequestsPerMinute == 0 {
		c.LoginRequestsPerMinute = DefaultLoginRequestsPerMinute
	}
	if c.LoginBurst <= 0 {
		c.LoginBurst = DefaultLoginBurst
	}
	if c.TokenRequestsPerMinute == 0 {
		c.TokenRequestsPerMinute = DefaultTokenRequestsPerMinute
	}
	if c.TokenBurst <= 0 {
		c.TokenBurst = DefaultTokenBurst
	}
	return c
}
