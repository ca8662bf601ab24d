package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	if id1 == id2 {
		t.Error("Expected unique request IDs")
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("request ID %q is not a UUID: %v", id1, err)
	}
	if !isValidRequestID(id1) {
		t.Errorf("generated ID %q fails validation", id1)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")

	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q, want %q", got, "req-123")
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	RequestLogger(WithRequestID(context.Background(), "req-abc"), base).Info("hello")
	if !strings.Contains(buf.String(), "request_id=req-abc") {
		t.Errorf("log output %q missing request_id", buf.String())
	}

	buf.Reset()
	RequestLogger(context.Background(), base).Info("hello")
	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("log output %q should not carry request_id", buf.String())
	}
}

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
		valid     bool
	}{
		{name: "uuid", requestID: "7c9e6679-7425-40de-944b-e07fc1f90ae7", valid: true},
		{name: "underscores", requestID: "req_123_abc", valid: true},
		{name: "max length", requestID: strings.Repeat("a", 128), valid: true},
		{name: "empty", requestID: "", valid: false},
		{name: "too long", requestID: strings.Repeat("a", 129), valid: false},
		{name: "CRLF", requestID: "id\r\nX-Injected: evil", valid: false},
		{name: "spaces", requestID: "id with spaces", valid: false},
		{name: "markup", requestID: "<script>alert(1)</script>", valid: false},
		{name: "dots", requestID: "a.b", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidRequestID(tt.requestID); got != tt.valid {
				t.Errorf("isValidRequestID(%q) = %v, want %v", tt.requestID, got, tt.valid)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		upstream  string
		expectNew bool
	}{
		{name: "generates new ID when not present", upstream: "", expectNew: true},
		{name: "preserves valid upstream ID", upstream: "upstream-request-id-xyz", expectNew: false},
		{name: "rejects injected header", upstream: "id\nX-Injected: evil", expectNew: true},
		{name: "rejects special characters", upstream: "<script>", expectNew: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
			if tt.upstream != "" {
				req.Header.Set(RequestIDHeader, tt.upstream)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			responseID := rec.Header().Get(RequestIDHeader)
			if responseID == "" || responseID != captured {
				t.Fatalf("response header %q and context %q should match and be non-empty", responseID, captured)
			}

			if tt.expectNew {
				if captured == tt.upstream {
					t.Error("Expected new request ID to be generated")
				}
				if _, err := uuid.Parse(captured); err != nil {
					t.Errorf("generated ID %q is not a UUID", captured)
				}
			} else if captured != tt.upstream {
				t.Errorf("captured = %q, want %q", captured, tt.upstream)
			}
		})
	}
}
