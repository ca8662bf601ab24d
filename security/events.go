package security

// Event type constants for security audit logging.
const (
	// Authorization decision events

	// EventAuthorizationStarted is logged when a PENDING_AUTH transaction is created
	EventAuthorizationStarted = "authorization_started"

	// EventAuthorizationAutoApproved is logged when a trusted client skips consent
	EventAuthorizationAutoApproved = "authorization_auto_approved"

	// EventAuthorizationApproved is logged when the user approves a transaction
	EventAuthorizationApproved = "authorization_approved"

	// EventAuthorizationDenied is logged when the user denies a transaction
	EventAuthorizationDenied = "authorization_denied"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventInvalidRedirect is logged when a redirect_uri is not registered for the client
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when requested scopes exceed the client's allowed scopes
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventScopeDefaultsApplied is logged when the default scope replaced an empty request
	EventScopeDefaultsApplied = "scope_defaults_applied"

	// Token lifecycle events

	// EventTokenIssued is logged when an access token is minted from an authorization code
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is minted from a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventAuthorizationCodeReuseDetected is logged when an unknown or consumed code is presented
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential

	// EventTokenFamilyRevoked is logged when a whole refresh token family is revoked
	EventTokenFamilyRevoked = "token_family_revoked" //nolint:gosec // G101: event name, not a credential

	// Client events

	// EventClientCreated is logged when a client is created by an administrator
	EventClientCreated = "client_created"

	// EventClientDeleted is logged when a client and its grants are removed
	EventClientDeleted = "client_deleted"

	// EventClientSecretRotated is logged when a client secret is replaced
	EventClientSecretRotated = "client_secret_rotated" //nolint:gosec // G101: event name, not a credential

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventClientLockedOut is logged when an attempt is rejected because of lockout
	EventClientLockedOut = "client_locked_out"

	// EventLoginFailure is logged when a user login fails
	EventLoginFailure = "login_failure"

	// EventLoginSuccess is logged when a user signs in
	EventLoginSuccess = "login_success"

	// EventRateLimitExceeded is logged when a per-IP rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInsufficientScope is logged when a bearer lacks the scope a resource requires
	EventInsufficientScope = "insufficient_scope"
)
