package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/giantswarm/gallery-oauth/server"
)

func TestOAuthError_Error(t *testing.T) {
	if got := ErrInvalidGrant("code already used").Error(); got != "invalid_grant: code already used" {
		t.Errorf("Error() = %q", got)
	}
	if got := NewOAuthError(ErrorCodeServerError, "", 500).Error(); got != "server_error: " {
		t.Errorf("Error() with empty description = %q", got)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		build  func(string) *OAuthError
		code   string
		status int
	}{
		{ErrInvalidRequest, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{ErrInvalidGrant, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{ErrInvalidClient, ErrorCodeInvalidClient, http.StatusUnauthorized},
		{ErrInvalidScope, ErrorCodeInvalidScope, http.StatusBadRequest},
		{ErrInvalidToken, ErrorCodeInvalidToken, http.StatusUnauthorized},
		{ErrInsufficientScope, ErrorCodeInsufficientScope, http.StatusForbidden},
		{ErrUnsupportedGrantType, ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{ErrServerError, ErrorCodeServerError, http.StatusInternalServerError},
		{ErrAccessDenied, ErrorCodeAccessDenied, http.StatusForbidden},
		{ErrRateLimitExceeded, ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := tt.build("details")
			if err.Code != tt.code || err.Status != tt.status || err.Description != "details" {
				t.Errorf("got {%s %q %d}, want {%s %q %d}",
					err.Code, err.Description, err.Status, tt.code, "details", tt.status)
			}
		})
	}
}

func TestToOAuthError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"passthrough", ErrInvalidScope("nope"), ErrorCodeInvalidScope, http.StatusBadRequest},
		{"wrapped passthrough", fmt.Errorf("ctx: %w", ErrAccessDenied("no")), ErrorCodeAccessDenied, http.StatusForbidden},
		{"invalid client", fmt.Errorf("%w: bad secret", server.ErrInvalidClient), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"locked client", &server.ClientLockedError{}, ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid grant", fmt.Errorf("%w: code reused", server.ErrInvalidGrant), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"access denied", server.ErrAccessDenied, ErrorCodeAccessDenied, http.StatusForbidden},
		{"invalid token", server.ErrInvalidToken, ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"forbidden", fmt.Errorf("%w: \"profile\" required", server.ErrForbidden), ErrorCodeInsufficientScope, http.StatusForbidden},
		{"invalid scope", server.ErrInvalidScope, ErrorCodeInvalidScope, http.StatusBadRequest},
		{"unsupported grant", server.ErrUnsupportedGrantType, ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"unsupported response", server.ErrUnsupportedResponseType, ErrorCodeUnsupportedResponseType, http.StatusBadRequest},
		{"invalid request", server.ErrInvalidRequest, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"store failure", fmt.Errorf("%w: get client: %w", server.ErrStore, errors.New("connection refused")), ErrorCodeServerError, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toOAuthError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestToOAuthError_HidesStoreDetail(t *testing.T) {
	err := fmt.Errorf("%w: get client: %w", server.ErrStore, errors.New("dial tcp 10.0.0.5:5432"))
	if got := toOAuthError(err); strings.Contains(got.Description, "10.0.0.5") {
		t.Errorf("description leaks backend detail: %q", got.Description)
	}
}
