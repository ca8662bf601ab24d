package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant Flow Metrics
	AuthorizationStarted metric.Int64Counter
	AuthorizationDecided metric.Int64Counter
	CodeIssued           metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	BearerValidated      metric.Int64Counter

	// Security Metrics
	ClientAuthFailed          metric.Int64Counter
	ClientLockedOut           metric.Int64Counter
	RateLimitExceeded         metric.Int64Counter
	RefreshTokenReuseDetected metric.Int64Counter
	ScopeDenied               metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageClientsCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageAccessTokensCount  metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageTransactionsCount  metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter
}

// instrumentBuilder creates instruments and keeps the first error
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, description, unit string) metric.Int64Counter {
	if b.err != nil {
		return nil
	}
	c, err := b.meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(name, description string) metric.Float64Histogram {
	if b.err != nil {
		return nil
	}
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(description), metric.WithUnit("ms"))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

func (b *instrumentBuilder) gauge(name, description string) metric.Int64ObservableGauge {
	if b.err != nil {
		return nil
	}
	g, err := b.meter.Int64ObservableGauge(name, metric.WithDescription(description), metric.WithUnit("{item}"))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return g
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpB := &instrumentBuilder{meter: inst.Meter("http")}
	m.HTTPRequestsTotal = httpB.counter("oauth.http.requests.total", "Total number of HTTP requests", "{request}")
	m.HTTPRequestDuration = httpB.histogram("oauth.http.request.duration", "HTTP request duration in milliseconds")
	if httpB.err != nil {
		return nil, httpB.err
	}

	serverB := &instrumentBuilder{meter: inst.Meter("server")}
	m.AuthorizationStarted = serverB.counter("oauth.authorization.started", "Number of authorization requests accepted", "{request}")
	m.AuthorizationDecided = serverB.counter("oauth.authorization.decided", "Number of authorization decisions by outcome", "{decision}")
	m.CodeIssued = serverB.counter("oauth.code.issued", "Number of authorization codes issued", "{code}")
	m.CodeExchanged = serverB.counter("oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}")
	m.TokenRefreshed = serverB.counter("oauth.token.refreshed", "Number of refresh token exchanges", "{refresh}")
	m.TokenRevoked = serverB.counter("oauth.token.revoked", "Number of tokens revoked", "{revocation}")
	m.BearerValidated = serverB.counter("oauth.bearer.validated", "Number of bearer token validations by result", "{validation}")
	if serverB.err != nil {
		return nil, serverB.err
	}

	securityB := &instrumentBuilder{meter: inst.Meter("security")}
	m.ClientAuthFailed = securityB.counter("oauth.security.client_auth_failed", "Number of failed client authentications", "{failure}")
	m.ClientLockedOut = securityB.counter("oauth.security.client_locked_out", "Number of client authentications rejected by lockout", "{rejection}")
	m.RateLimitExceeded = securityB.counter("oauth.security.rate_limit_exceeded", "Number of rate limit violations", "{violation}")
	m.RefreshTokenReuseDetected = securityB.counter("oauth.security.refresh_token_reuse", "Number of rotated refresh tokens presented again", "{detection}")
	m.ScopeDenied = securityB.counter("oauth.security.scope_denied", "Number of requests rejected for insufficient scope", "{rejection}")
	m.AuditEventsTotal = securityB.counter("oauth.audit.events.total", "Total number of audit events", "{event}")
	if securityB.err != nil {
		return nil, securityB.err
	}

	storageB := &instrumentBuilder{meter: inst.Meter("storage")}
	m.StorageOperationTotal = storageB.counter("oauth.storage.operations.total", "Total number of storage operations", "{operation}")
	m.StorageOperationDuration = storageB.histogram("oauth.storage.operation.duration", "Storage operation duration in milliseconds")
	m.StorageClientsCount = storageB.gauge("oauth.storage.clients.count", "Number of registered clients")
	m.StorageCodesCount = storageB.gauge("oauth.storage.codes.count", "Number of live authorization codes")
	m.StorageAccessTokensCount = storageB.gauge("oauth.storage.access_tokens.count", "Number of stored access tokens")
	m.StorageRefreshTokensCount = storageB.gauge("oauth.storage.refresh_tokens.count", "Number of stored refresh tokens")
	m.StorageTransactionsCount = storageB.gauge("oauth.storage.transactions.count", "Number of pending authorization transactions")
	if storageB.err != nil {
		return nil, storageB.err
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordAuthorizationStarted records an accepted authorization request
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string, trusted bool) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("trusted", trusted),
	))
}

// RecordAuthorizationDecided records the outcome of an authorization transaction
func (m *Metrics) RecordAuthorizationDecided(ctx context.Context, clientID, outcome string) {
	m.AuthorizationDecided.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("outcome", outcome),
	))
}

// RecordCodeIssued records an issued authorization code
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string, withRefresh bool) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("refresh_token", withRefresh),
	))
}

// RecordTokenRefresh records a token refresh operation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string, count int) {
	m.TokenRevoked.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordBearerValidation records a bearer token validation with result "valid" or "invalid"
func (m *Metrics) RecordBearerValidation(ctx context.Context, result string) {
	m.BearerValidated.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordClientAuthFailed records a failed client authentication
func (m *Metrics) RecordClientAuthFailed(ctx context.Context, reason string) {
	m.ClientAuthFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordClientLockedOut records an authentication attempt rejected by lockout
func (m *Metrics) RecordClientLockedOut(ctx context.Context) {
	m.ClientLockedOut.Add(ctx, 1)
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordRefreshTokenReuse records a rotated refresh token presented again
func (m *Metrics) RecordRefreshTokenReuse(ctx context.Context) {
	m.RefreshTokenReuseDetected.Add(ctx, 1)
}

// RecordScopeDenied records a request rejected for insufficient scope
func (m *Metrics) RecordScopeDenied(ctx context.Context, required string) {
	m.ScopeDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("required_scope", required)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
