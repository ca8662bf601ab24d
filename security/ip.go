package security

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// clientIPContextKey stores the resolved client IP on the request context
type clientIPContextKey struct{}

// IPResolver decides which address identifies the caller for rate limiting,
// lockout keys and audit logs.
//
// Only set TrustProxy when the server sits behind reverse proxies you control.
// X-Forwarded-For is read right to left, skipping TrustedProxyCount entries.
type IPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// ClientIP returns the caller's address for r. Forwarding headers are read
// only with TrustProxy; anything unparsable falls back to the socket peer.
func (res IPResolver) ClientIP(r *http.Request) string {
	if res.TrustProxy {
		if ip, ok := res.fromForwardedFor(r.Header.Get("X-Forwarded-For")); ok {
			return ip
		}
		if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Middleware resolves the client IP once and stores it on the request context
func (res IPResolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithClientIP(r.Context(), res.ClientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithClientIP adds a client IP to the context
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// ClientIPFromContext returns the IP stored by IPResolver.Middleware, or ""
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPContextKey{}).(string); ok {
		return ip
	}
	return ""
}

// fromForwardedFor picks the entry just left of our own proxies in
// "client, proxy1, proxy2". A zero TrustedProxyCount counts as one proxy.
func (res IPResolver) fromForwardedFor(xff string) (string, bool) {
	if strings.TrimSpace(xff) == "" {
		return "", false
	}
	hops := strings.Split(xff, ",")
	depth := max(res.TrustedProxyCount, 1)
	idx := max(len(hops)-depth-1, 0)
	return parseIP(hops[idx])
}

func parseIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
