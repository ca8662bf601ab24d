package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/gallery-oauth/instrumentation"
	"github.com/giantswarm/gallery-oauth/security"
	"github.com/giantswarm/gallery-oauth/server"
	"github.com/giantswarm/gallery-oauth/session"
	"github.com/giantswarm/gallery-oauth/storage"
)

const (
	tokenTypeBearer = "Bearer"

	// realm is used in WWW-Authenticate challenges
	realm = "gallery-oauth"

	// Limiter names, also used as metric labels
	limiterLogin = "login"
	limiterToken = "token"
)

// Endpoint paths
const (
	PathAuthorize     = "/authorize"
	PathDecision      = "/authorize/decision"
	PathToken         = "/token"
	PathIntrospect    = "/token/introspect"
	PathRevoke        = "/token/revoke"
	PathDiscovery     = "/.well-known/openid-configuration"
	PathLogin         = "/login"
	PathLogout        = "/logout"
	PathMe            = "/api/me"
	PathHealth        = "/healthz"
	PathMetrics       = "/metrics"
	defaultReturnPath = "/"
)

// hostPattern accepts a DNS name or IPv4 address, or a bracketed IPv6
// address, with an optional port. Anything else in Host is refused before it
// reaches a JSON document or a Location header.
var hostPattern = regexp.MustCompile(`^(?:[A-Za-z0-9](?:[A-Za-z0-9.-]{0,251}[A-Za-z0-9])?|\[[0-9A-Fa-f:.]+\])(?::[0-9]{1,5})?$`)

// Handler serves the authorization server's HTTP endpoints
type Handler struct {
	server   *server.Server
	sessions *session.Manager
	logger   *slog.Logger
	tracer   trace.Tracer
	ips      security.IPResolver

	loginLimiter *security.RateLimiter // nil when disabled
	tokenLimiter *security.RateLimiter // nil when disabled
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, config *Config) *Handler {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = srv.Logger
	}

	secure := config.SecureCookies || strings.HasPrefix(srv.Config.Issuer, "https://")

	h := &Handler{
		server:   srv,
		sessions: session.NewManager(config.SessionTTL, secure),
		logger:   logger,
		tracer:   srv.Instrumentation.Tracer("http"),
		ips: security.IPResolver{
			TrustProxy:        srv.Config.TrustProxy,
			TrustedProxyCount: srv.Config.TrustedProxyCount,
		},
	}

	rl := config.RateLimit.withDefaults()
	if rl.LoginRequestsPerMinute > 0 {
		h.loginLimiter = security.NewRateLimiter(limiterLogin, rl.LoginRequestsPerMinute, rl.LoginBurst, logger)
	}
	if rl.TokenRequestsPerMinute > 0 {
		h.tokenLimiter = security.NewRateLimiter(limiterToken, rl.TokenRequestsPerMinute, rl.TokenBurst, logger)
	}

	return h
}

// Sessions returns the resource-owner session manager
func (h *Handler) Sessions() *session.Manager {
	return h.sessions
}

// Stop releases the rate limiters' background goroutines
func (h *Handler) Stop() {
	if h.loginLimiter != nil {
		h.loginLimiter.Stop()
	}
	if h.tokenLimiter != nil {
		h.tokenLimiter.Stop()
	}
}

// Router returns the chi router serving every endpoint
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(h.ips.Middleware)
	r.Use(security.SecurityHeadersMiddleware(h.server.Config.Issuer))
	r.Use(h.recordHTTP)

	r.Get(PathHealth, h.ServeHealth)
	r.Get(PathDiscovery, h.ServeDiscovery)

	r.Get(PathLogin, h.ServeLoginPage)
	r.Post(PathLogin, h.ServeLogin)
	r.Post(PathLogout, h.ServeLogout)

	r.Get(PathAuthorize, h.ServeAuthorization)
	r.Post(PathDecision, h.ServeDecision)

	r.Post(PathToken, h.ServeToken)
	r.Get(PathIntrospect, h.ServeIntrospection)
	r.Post(PathIntrospect, h.ServeIntrospection)
	r.Post(PathRevoke, h.ServeRevocation)

	r.With(h.RequireAuthentication, h.RequireScope(server.DefaultScope)).Get(PathMe, h.ServeMe)

	if metrics := h.server.Instrumentation.MetricsHandler(); metrics != nil {
		r.Handle(PathMetrics, metrics)
	}

	return r
}

// recordHTTP records request count and duration per route pattern
func (h *Handler) recordHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.server.Instrumentation.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status,
			float64(time.Since(start).Microseconds())/1000)
	})
}

// requestLogger returns the logger annotated with the request ID
func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return security.RequestLogger(r.Context(), h.logger)
}

// clientIP returns the caller address resolved by the IP middleware
func (h *Handler) clientIP(r *http.Request) string {
	if ip := security.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return h.ips.ClientIP(r)
}

// checkRateLimit reports whether the request may proceed, writing a 429 otherwise
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, limiter *security.RateLimiter) bool {
	if limiter == nil {
		return true
	}
	ip := h.clientIP(r)
	allowed, retryAfter := limiter.AllowWithRetry(ip)
	if allowed {
		return true
	}

	h.requestLogger(r).Warn("Rate limit exceeded", "limiter", limiter.Name(), "ip", ip)
	h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), limiter.Name())
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(ip, limiter.Name())
	}

	setRetryAfter(w, retryAfter)
	h.writeOAuthError(w, ErrRateLimitExceeded("Too many requests, retry later"))
	return false
}

// issuer returns the configured issuer, or derives it from the request host.
// X-Forwarded-Proto is only honoured when proxies are trusted.
func (h *Handler) issuer(r *http.Request) (string, error) {
	if h.server.Config.Issuer != "" {
		return h.server.Config.Issuer, nil
	}

	if !hostPattern.MatchString(r.Host) {
		return "", ErrInvalidRequest("Invalid Host header")
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if h.server.Config.TrustProxy {
		switch proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); proto {
		case "http", "https":
			scheme = proto
		}
	}
	return scheme + "://" + r.Host, nil
}

// ServeHealth reports liveness
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ServeDiscovery serves the OpenID Connect discovery document
func (h *Handler) ServeDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer, err := h.issuer(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	scopes := h.server.Config.SupportedScopes
	if len(scopes) == 0 {
		scopes = DefaultScopesSupported
	}

	h.writeJSON(w, http.StatusOK, DiscoveryDocument{
		Issuer:                                issuer,
		TokenEndpoint:                         issuer + PathToken,
		IntrospectionEndpoint:                 issuer + PathIntrospect,
		RevocationEndpoint:                    issuer + PathRevoke,
		AuthorizationEndpoint:                 issuer + PathAuthorize,
		UserinfoEndpoint:                      "",
		RegistrationEndpoint:                  "",
		JWKSURI:                               "",
		ScopesSupported:                       scopes,
		ResponseTypesSupported:                []string{server.ResponseTypeCode},
		ResponseModesSupported:                []string{"query"},
		GrantTypesSupported:                   []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		CodeChallengeMethodsSupported:         []string{},
		ACRValuesSupported:                    []string{},
		SubjectTypesSupported:                 []string{"public"},
		TokenEndpointAuthMethodsSupported:     []string{"client_secret_basic", "client_secret_post"},
		TokenEndpointAuthSigningAlgsSupported: []string{},
		IDTokenSigningAlgValuesSupported:      []string{},
		UserinfoSigningAlgValuesSupported:     []string{},
		DisplayValuesSupported:                []string{"page"},
		ClaimTypesSupported:                   []string{"normal"},
		ClaimsSupported:                       []string{"sub", "iss", "name"},
		UILocalesSupported:                    []string{"en"},
		ClaimsParameterSupported:              false,
		RequestParameterSupported:             false,
		RequestURIParameterSupported:          false,
		RequireRequestURIRegistration:         false,
	})
}

// clientCredentials reads client credentials from HTTP Basic auth or, failing
// that, from the client_id and client_secret form parameters.
func clientCredentials(r *http.Request) (clientID, secret string, viaBasic bool) {
	if id, pw, ok := r.BasicAuth(); ok {
		// RFC 6749 section 2.3.1: both parts are form-urlencoded
		if decoded, err := url.QueryUnescape(id); err == nil {
			id = decoded
		}
		if decoded, err := url.QueryUnescape(pw); err == nil {
			pw = decoded
		}
		return id, pw, true
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret"), false
}

// authenticateClient authenticates the calling client, writing the error response on failure
func (h *Handler) authenticateClient(w http.ResponseWriter, r *http.Request) (*storage.Client, bool) {
	clientID, secret, viaBasic := clientCredentials(r)
	if clientID == "" {
		if viaBasic {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, realm))
		}
		h.writeOAuthError(w, ErrInvalidClient("Client authentication required"))
		return nil, false
	}

	client, err := h.server.AuthenticateClient(r.Context(), clientID, secret, h.clientIP(r))
	if err != nil {
		if errors.Is(err, server.ErrInvalidClient) {
			if viaBasic {
				w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, realm))
			}
			setRetryAfter(w, server.RetryAfterFromError(err))
		}
		h.writeError(w, r, err)
		return nil, false
	}
	return client, true
}

// ServeToken handles the token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token")
	defer span.End()
	r = r.WithContext(ctx)

	if !h.checkRateLimit(w, r, h.tokenLimiter) {
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	grantType := r.PostFormValue("grant_type")
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, grantType))
	if grantType == "" {
		h.writeOAuthError(w, ErrInvalidRequest("Required parameter 'grant_type' missing"))
		return
	}

	client, ok := h.authenticateClient(w, r)
	if !ok {
		instrumentation.SetSpanError(span, "client authentication failed")
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	var (
		token *oauth2.Token
		scope string
		err   error
	)
	switch grantType {
	case server.GrantTypeAuthorizationCode:
		code := r.PostFormValue("code")
		if code == "" {
			h.writeOAuthError(w, ErrInvalidRequest("Required parameter 'code' missing"))
			return
		}
		token, scope, err = h.server.ExchangeCode(ctx, client, code, r.PostFormValue("redirect_uri"))
	case server.GrantTypeRefreshToken:
		refreshToken := r.PostFormValue("refresh_token")
		if refreshToken == "" {
			h.writeOAuthError(w, ErrInvalidRequest("Required parameter 'refresh_token' missing"))
			return
		}
		token, scope, err = h.server.ExchangeRefreshToken(ctx, client, refreshToken, r.PostFormValue("scope"))
	default:
		h.writeOAuthError(w, ErrUnsupportedGrantType(fmt.Sprintf("Grant type %q not supported", grantType)))
		return
	}

	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, r, err)
		return
	}

	h.requestLogger(r).Info("Token issued", "client_id", client.ClientID, "grant_type", grantType, "ip", h.clientIP(r))
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, token, scope)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *oauth2.Token, scope string) {
	expiresIn := token.ExpiresIn
	if expiresIn <= 0 && !token.Expiry.IsZero() {
		expiresIn = int64(math.Ceil(time.Until(token.Expiry).Seconds()))
	}
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        scope,
	})
}

// ServeIntrospection returns information about an access token. The token is
// read from the access_token (or token) parameter or the Authorization header.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.introspect")
	defer span.End()
	r = r.WithContext(ctx)

	if !h.checkRateLimit(w, r, h.tokenLimiter) {
		return
	}

	token := bearerToken(r)
	if token == "" && r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			token = r.PostFormValue("token")
		}
	}
	if token == "" {
		h.writeOAuthError(w, ErrInvalidRequest("access_token is required"))
		return
	}

	issuer, err := h.issuer(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	info, err := h.server.Introspect(ctx, token, issuer)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, server.ErrInvalidToken) {
			h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorCodeInvalidToken})
			return
		}
		h.writeError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, info)
}

// ServeRevocation handles RFC 7009 token revocation
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.revoke")
	defer span.End()
	r = r.WithContext(ctx)

	if !h.checkRateLimit(w, r, h.tokenLimiter) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	client, ok := h.authenticateClient(w, r)
	if !ok {
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.writeOAuthError(w, ErrInvalidRequest("Required parameter 'token' missing"))
		return
	}

	if err := h.server.RevokeToken(ctx, client, token, r.PostFormValue("token_type_hint")); err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	w.WriteHeader(http.StatusOK)
}

// bearerToken extracts an access token from the Authorization header or the
// access_token query parameter
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, value, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, tokenTypeBearer) {
			return strings.TrimSpace(value)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// writeError maps err to its OAuth error response.
// Server errors are logged with detail; the client only sees a generic description.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := toOAuthError(err)
	logger := h.requestLogger(r)
	if oauthErr.Status >= http.StatusInternalServerError {
		logger.Error("Request failed", "path", r.URL.Path, "error", err)
	} else {
		logger.Debug("Request rejected", "path", r.URL.Path, "code", oauthErr.Code, "error", err)
	}

	if oauthErr.Code == ErrorCodeInvalidToken && oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatBearerChallenge(ErrorCodeInvalidToken, ""))
	}
	h.writeOAuthError(w, oauthErr)
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, e *OAuthError) {
	h.writeJSON(w, e.Status, ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// formatBearerChallenge builds an RFC 6750 WWW-Authenticate value
func formatBearerChallenge(errCode, scope string) string {
	params := []string{fmt.Sprintf("realm=%q", realm)}
	if errCode != "" {
		params = append(params, fmt.Sprintf("error=%q", errCode))
	}
	if scope != "" {
		params = append(params, fmt.Sprintf("scope=%q", scope))
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// setRetryAfter sets Retry-After in whole seconds, rounded up
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
}
