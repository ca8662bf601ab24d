package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIPResolver_ClientIP(t *testing.T) {
	trusted := IPResolver{TrustProxy: true}

	tests := []struct {
		name       string
		resolver   IPResolver
		remoteAddr string
		xff        string
		realIP     string
		want       string
	}{
		{name: "socket peer", remoteAddr: "192.0.2.10:40000", want: "192.0.2.10"},
		{name: "ipv6 socket peer", remoteAddr: "[2001:db8::7]:443", want: "2001:db8::7"},
		{name: "mapped ipv4 peer", remoteAddr: "[::ffff:192.0.2.10]:40000", want: "192.0.2.10"},
		{name: "remote addr without port", remoteAddr: "192.0.2.10", want: "192.0.2.10"},
		{name: "forwarded ignored when untrusted", remoteAddr: "10.0.0.1:1", xff: "203.0.113.5", realIP: "203.0.113.6", want: "10.0.0.1"},
		{name: "forwarded trusted", resolver: trusted, remoteAddr: "10.0.0.1:1", xff: "203.0.113.5, 10.0.0.2", want: "203.0.113.5"},
		{name: "spoofed leftmost entry skipped", resolver: trusted, remoteAddr: "10.0.0.1:1", xff: "6.6.6.6, 203.0.113.5, 10.0.0.2", want: "203.0.113.5"},
		{name: "garbage forwarded falls back to real ip", resolver: trusted, remoteAddr: "10.0.0.1:1", xff: "not-an-ip, 10.0.0.2", realIP: " 203.0.113.6 ", want: "203.0.113.6"},
		{name: "garbage everywhere uses peer", resolver: trusted, remoteAddr: "10.0.0.1:1", xff: "nope", realIP: "nope", want: "10.0.0.1"},
		{name: "real ip alone", resolver: trusted, remoteAddr: "10.0.0.1:1", realIP: "2001:db8::1", want: "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := tt.resolver.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPResolver_ProxyDepth(t *testing.T) {
	tests := []struct {
		name     string
		resolver IPResolver
		xff      string
		want     string
	}{
		{name: "untrusted ignores header", resolver: IPResolver{}, xff: "203.0.113.1, 10.0.0.2", want: "10.0.0.1"},
		{name: "default depth", resolver: IPResolver{TrustProxy: true}, xff: "203.0.113.1, 10.0.0.2", want: "203.0.113.1"},
		{name: "two proxies", resolver: IPResolver{TrustProxy: true, TrustedProxyCount: 2}, xff: "198.51.100.9, 203.0.113.1, 10.0.0.2, 10.0.0.3", want: "203.0.113.1"},
		{name: "deeper than list", resolver: IPResolver{TrustProxy: true, TrustedProxyCount: 5}, xff: "203.0.113.1", want: "203.0.113.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/token", nil)
			req.RemoteAddr = "10.0.0.1:12345"
			req.Header.Set("X-Forwarded-For", tt.xff)

			if got := tt.resolver.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPResolver_Middleware(t *testing.T) {
	var seen string
	handler := IPResolver{}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClientIPFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	req.RemoteAddr = "192.0.2.44:5555"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "192.0.2.44" {
		t.Errorf("ClientIPFromContext() = %q, want %q", seen, "192.0.2.44")
	}
	if got := ClientIPFromContext(req.Context()); got != "" {
		t.Errorf("original request context should be untouched, got %q", got)
	}
}
