package security

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	// apiContentSecurityPolicy allows nothing; JSON and redirect responses never load resources
	apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"

	// pageContentSecurityPolicy is used for the login and consent pages.
	// Forms may only post back to this server.
	pageContentSecurityPolicy = "default-src 'none'; style-src 'unsafe-inline'; form-action 'self'; frame-ancestors 'none'; base-uri 'none'"
)

// SetSecurityHeaders sets the headers every OAuth response carries,
// including Cache-Control: no-store so codes and tokens are never cached.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	setCommonHeaders(w, serverURL)
	w.Header().Set("Content-Security-Policy", apiContentSecurityPolicy)
}

// SetPageSecurityHeaders is SetSecurityHeaders for server-rendered HTML pages
func SetPageSecurityHeaders(w http.ResponseWriter, serverURL string) {
	setCommonHeaders(w, serverURL)
	w.Header().Set("Content-Security-Policy", pageContentSecurityPolicy)
}

// SetConsentPageSecurityHeaders is SetPageSecurityHeaders for the consent page.
// The decision form answers with a redirect to the client, so the client's
// redirect URI origin is added to form-action.
func SetConsentPageSecurityHeaders(w http.ResponseWriter, serverURL, redirectURI string) {
	setCommonHeaders(w, serverURL)
	csp := pageContentSecurityPolicy
	if u, err := url.Parse(redirectURI); err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != "" {
		csp = strings.Replace(csp, "form-action 'self'", "form-action 'self' "+u.Scheme+"://"+u.Host, 1)
	}
	w.Header().Set("Content-Security-Policy", csp)
}

func setCommonHeaders(w http.ResponseWriter, serverURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")

	// HSTS only makes sense when the server is reached over HTTPS
	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SecurityHeadersMiddleware applies SetSecurityHeaders before the wrapped handler runs.
// Handlers rendering HTML override the CSP with SetPageSecurityHeaders.
func SecurityHeadersMiddleware(serverURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetSecurityHeaders(w, serverURL)
			next.ServeHTTP(w, r)
		})
	}
}
