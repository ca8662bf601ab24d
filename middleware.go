package oauth

import (
	"context"
	"errors"
	"net/http"

	"github.com/giantswarm/gallery-oauth/server"
)

type principalContextKey struct{}

// ContextWithPrincipal returns ctx carrying p
func ContextWithPrincipal(ctx context.Context, p *server.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the principal stored by RequireAuthentication
func PrincipalFromContext(ctx context.Context) (*server.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*server.Principal)
	return p, ok && p != nil
}

// RequireAuthentication admits requests carrying a valid bearer token, or
// coming from a logged-in resource owner. Session principals carry no scope
// and therefore pass every scope check.
func (h *Handler) RequireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if token := bearerToken(r); token != "" {
			p, err := h.server.ResolveBearer(ctx, token)
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(ctx, p)))
			return
		}

		if sess, ok := h.sessions.Get(r); ok {
			user, err := h.server.GetUser(ctx, sess.UserID)
			if err == nil {
				p := &server.Principal{Kind: server.PrincipalUser, User: user}
				next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(ctx, p)))
				return
			}
		}

		w.Header().Set("WWW-Authenticate", formatBearerChallenge("", ""))
		h.writeOAuthError(w, ErrInvalidToken("Authentication required"))
	})
}

// RequireScope returns middleware admitting principals whose scope grants expected
func (h *Handler) RequireScope(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", formatBearerChallenge("", expected))
				h.writeOAuthError(w, ErrInvalidToken("Authentication required"))
				return
			}

			if err := h.server.Authorize(r.Context(), p, expected); err != nil {
				if errors.Is(err, server.ErrForbidden) {
					w.Header().Set("WWW-Authenticate", formatBearerChallenge(ErrorCodeInsufficientScope, expected))
				}
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ServeMe describes the authenticated principal
func (h *Handler) ServeMe(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		h.writeOAuthError(w, ErrInvalidToken("Authentication required"))
		return
	}

	resp := MeResponse{
		Kind:    string(p.Kind),
		Subject: p.Subject(),
		Name:    p.Name(),
		Scope:   p.Scope,
	}
	if p.Client != nil {
		resp.ClientID = p.Client.ClientID
	}
	if p.User != nil {
		resp.Email = p.User.Email
	}
	h.writeJSON(w, http.StatusOK, resp)
}
