package server

import (
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/gallery-oauth/internal/util"
	"github.com/giantswarm/gallery-oauth/security"
)

const (
	// DefaultAuthorizationCodeTTL is how long a code can be exchanged (seconds)
	DefaultAuthorizationCodeTTL = 60

	// DefaultAccessTokenTTL is how long an access token is valid (seconds)
	DefaultAccessTokenTTL = 3600

	// DefaultRefreshTokenTTL is how long a refresh token is valid (seconds, 30 days)
	DefaultRefreshTokenTTL = 2592000

	// DefaultTransactionTTL is how long a consent dialog stays answerable (seconds)
	DefaultTransactionTTL = 600

	// DefaultScope is granted when an authorization request names no scope
	DefaultScope = "profile"

	// ScopeOfflineAccess must be granted for a refresh token to be issued
	ScopeOfflineAccess = "offline_access"

	// ScopeAll matches every scope in both directions of the scope check
	ScopeAll = "*"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL).
	// When empty, the HTTP layer derives it from each request's host.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 60

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// TransactionTTL is how long a pending authorization waits for the user's decision
	TransactionTTL int64 // seconds, default: 600 (10 minutes)

	// RotateRefreshTokens issues a new refresh token on every refresh and treats
	// a second use of a rotated token as theft (the whole family is revoked).
	// Default: false
	RotateRefreshTokens bool

	// DefaultScope is used when the client requests no scope
	// Default: "profile"
	DefaultScope string

	// SupportedScopes lists the scopes this server grants at all.
	// If empty, any scope in a client's AllowedScopes can be granted.
	SupportedScopes []string

	// AllowInsecureHTTP permits a plain http issuer on a non-loopback host
	// WARNING: tokens and credentials travel in clear text
	// Default: false
	AllowInsecureHTTP bool

	// AllowInsecureRedirects permits http redirect URIs on non-loopback hosts at registration
	// Default: false
	AllowInsecureRedirects bool

	// BcryptCost is the cost used for new client secrets and passwords
	// Default: bcrypt.DefaultCost
	BcryptCost int

	// Lockout configures the client authentication lockout
	Lockout security.LockoutPolicy

	// TrustProxy enables trusting X-Forwarded-For, X-Real-IP and X-Forwarded-Proto
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	return applyTimeDefaults(&Config{})
}

// applySecureDefaults applies secure-by-default configuration values
// and logs warnings for settings that weaken security
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	if config.BcryptCost < bcrypt.MinCost || config.BcryptCost > bcrypt.MaxCost {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.TrustedProxyCount <= 0 {
		config.TrustedProxyCount = 1
	}
	config.Lockout = config.Lockout.WithDefaults()
	config.Issuer = util.NormalizeURL(config.Issuer)

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) *Config {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.TransactionTTL <= 0 {
		config.TransactionTTL = DefaultTransactionTTL
	}
	if config.DefaultScope == "" {
		config.DefaultScope = DefaultScope
	}
	return config
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AuthorizationCodeTTL > 600 {
		logger.Warn("SECURITY WARNING: Long authorization code lifetime",
			"code_ttl", time.Duration(config.AuthorizationCodeTTL)*time.Second,
			"risk", "Intercepted codes stay exchangeable for longer",
			"recommendation", "Keep AuthorizationCodeTTL at or below 60 seconds")
	}
	if config.AllowInsecureRedirects {
		logger.Warn("SECURITY WARNING: Plain HTTP redirect URIs are ALLOWED",
			"risk", "Authorization codes delivered over unencrypted connections",
			"recommendation", "Set AllowInsecureRedirects=false outside local development")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if !config.RotateRefreshTokens {
		logger.Info("Refresh token rotation is disabled",
			"recommendation", "Set RotateRefreshTokens=true to detect refresh token theft")
	}
}
