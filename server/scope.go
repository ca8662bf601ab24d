package server

import (
	"fmt"
	"slices"
	"strings"
)

// ParseScope splits a scope string on spaces and commas. Empty entries are
// dropped and duplicates removed; the first occurrence keeps its position.
func ParseScope(scope string) []string {
	fields := strings.FieldsFunc(scope, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// NormalizeScope returns the space-joined form of ParseScope
func NormalizeScope(scope string) string {
	return strings.Join(ParseScope(scope), " ")
}

// HasScope reports whether want is a member of scope
func HasScope(scope, want string) bool {
	return slices.Contains(ParseScope(scope), want)
}

// RequireScope checks that a principal holding principalScope may access a
// resource demanding expected.
//
// A principal without any scope (a logged-in user rather than a token) passes,
// "*" on either side passes, and otherwise expected must be one of the scopes.
func RequireScope(principalScope, expected string) error {
	if strings.TrimSpace(principalScope) == "" {
		return nil
	}
	if expected == ScopeAll {
		return nil
	}
	scopes := ParseScope(principalScope)
	if slices.Contains(scopes, ScopeAll) || slices.Contains(scopes, expected) {
		return nil
	}
	return fmt.Errorf("%w: %q required", ErrForbidden, expected)
}

// IntersectScopes returns the entries of requested that are allowed.
// An allowed list containing "*" admits every requested scope.
func IntersectScopes(requested []string, allowed []string) []string {
	if slices.Contains(allowed, ScopeAll) {
		return slices.Clone(requested)
	}
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if slices.Contains(allowed, s) {
			out = append(out, s)
		}
	}
	return out
}

// grantableScope narrows a requested scope to what the client may receive.
// It returns the granted scopes and the requested ones that were dropped.
func (s *Server) grantableScope(requested string, allowed []string) (granted, dropped []string) {
	req := ParseScope(requested)
	if len(req) == 0 {
		req = ParseScope(s.Config.DefaultScope)
	}

	granted = IntersectScopes(req, allowed)
	if len(s.Config.SupportedScopes) > 0 {
		granted = IntersectScopes(granted, s.Config.SupportedScopes)
	}

	for _, r := range req {
		if !slices.Contains(granted, r) {
			dropped = append(dropped, r)
		}
	}
	return granted, dropped
}
