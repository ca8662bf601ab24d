package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/giantswarm/gallery-oauth/instrumentation"
)

// Auditor writes one structured "security_audit" record per security event.
// User IDs are hashed before they are logged. Codes, tokens and secrets are
// never passed in.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
}

func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// SetInstrumentation counts every event in oauth.audit.events.total
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		a.metrics = inst.Metrics()
	}
}

// Event is a single audit record. Timestamp is filled in by LogEvent.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

func (e Event) attrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("event_type", e.Type),
		slog.String("user_id_hash", hashForLogging(e.UserID)),
		slog.String("client_id", e.ClientID),
		slog.String("ip_address", e.IPAddress),
		slog.Time("timestamp", e.Timestamp),
	}
	if len(e.Details) == 0 {
		return attrs
	}
	details := make([]any, 0, len(e.Details))
	for _, k := range slices.Sorted(maps.Keys(e.Details)) {
		details = append(details, slog.Any(k, e.Details[k]))
	}
	return append(attrs, slog.Group("details", details...))
}

func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	event.Timestamp = time.Now().UTC()
	a.logger.LogAttrs(context.Background(), slog.LevelInfo, "security_audit", event.attrs()...)
	if a.metrics != nil {
		a.metrics.RecordAuditEvent(context.Background(), event.Type)
	}
}

func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, scope string, withRefresh bool) {
	a.LogEvent(Event{Type: EventTokenIssued, UserID: userID, ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"scope": scope, "refresh_token": withRefresh}})
}

func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string, rotated bool) {
	a.LogEvent(Event{Type: EventTokenRefreshed, UserID: userID, ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"rotated": rotated}})
}

// LogTokenRevoked records a revocation; tokenType is access_token or refresh_token
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{Type: EventTokenRevoked, UserID: userID, ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"token_type": tokenType}})
}

func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{Type: EventAuthFailure, UserID: userID, ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"reason": reason}})
}

// LogClientLockedOut records a request rejected while the client was locked
func (a *Auditor) LogClientLockedOut(clientID, ipAddress string, retryAfter time.Duration) {
	a.LogEvent(Event{Type: EventClientLockedOut, ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"retry_after_seconds": int64(retryAfter.Round(time.Second).Seconds())}})
}

func (a *Auditor) LogRateLimitExceeded(ipAddress, limiter string) {
	a.LogEvent(Event{Type: EventRateLimitExceeded, IPAddress: ipAddress,
		Details: map[string]any{"limiter": limiter}})
}

// LogAuthorizationDecision records a step of an authorization transaction
// (started, auto-approved, approved, denied, code issued).
func (a *Auditor) LogAuthorizationDecision(eventType, userID, clientID, scope string) {
	a.LogEvent(Event{Type: eventType, UserID: userID, ClientID: clientID,
		Details: map[string]any{"scope": scope}})
}

func (a *Auditor) LogClientChanged(eventType, clientID string) {
	a.LogEvent(Event{Type: eventType, ClientID: clientID})
}

// hashForLogging returns the first 16 hex characters of sha256(s)
func hashForLogging(s string) string {
	if s == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
