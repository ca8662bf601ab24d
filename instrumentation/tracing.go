package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Values are identifiers and flags only; codes, tokens
// and client secrets never go on a span.
const (
	AttrClientID       = "oauth.client_id"
	AttrUserID         = "oauth.user_id"
	AttrScope          = "oauth.scope"
	AttrGrantType      = "oauth.grant_type"
	AttrResponseType   = "oauth.response_type"
	AttrTrustedClient  = "oauth.client.trusted"
	AttrDecision       = "oauth.decision"
	AttrTokenFamilyID  = "oauth.token.family_id"
	AttrTokenRotated   = "oauth.token.rotated"
	AttrRefreshIssued  = "oauth.token.refresh"
	AttrPrincipalKind  = "oauth.principal.kind" // user or client
	AttrLockoutSeconds = "oauth.lockout.seconds"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"
)

// The helpers below accept a nil span so callers need no guards.

func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil && len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes records client, user and scope, skipping empty values
func AddGrantAttributes(span trace.Span, clientID, userID, scope string) {
	attrs := make([]attribute.KeyValue, 0, 3)
	for _, kv := range [...]struct{ key, val string }{
		{AttrClientID, clientID},
		{AttrUserID, userID},
		{AttrScope, scope},
	} {
		if kv.val != "" {
			attrs = append(attrs, attribute.String(kv.key, kv.val))
		}
	}
	SetSpanAttributes(span, attrs...)
}

// StorageAttributes labels a storage span with its operation and backend
func StorageAttributes(operation, backend string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, backend),
	}
}
