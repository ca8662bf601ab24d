package oauth

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/gallery-oauth/instrumentation"
	"github.com/giantswarm/gallery-oauth/security"
	"github.com/giantswarm/gallery-oauth/server"
)

const pageStyle = `body{font-family:system-ui,sans-serif;max-width:28rem;margin:4rem auto;padding:0 1rem;color:#222}
form{display:flex;flex-direction:column;gap:.75rem}input{padding:.5rem}button{padding:.6rem;cursor:pointer}
.error{color:#b00020}.actions{flex-direction:row}ul{padding-left:1.2rem}`

const loginTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign in</title><style>` + pageStyle + `</style></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/login">
<input type="hidden" name="return_to" value="{{.ReturnTo}}">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<label>Username <input name="username" autocomplete="username" required autofocus></label>
<label>Password <input name="password" type="password" autocomplete="current-password" required></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>`

const consentTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Authorize {{.ClientName}}</title><style>` + pageStyle + `</style></head>
<body>
<h1>Hi {{.Username}}</h1>
<p><strong>{{.ClientName}}</strong> is requesting access to your account:</p>
<ul>{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>
<form method="post" action="/authorize/decision" class="actions">
<input type="hidden" name="transaction_id" value="{{.TransactionID}}">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<button type="submit" name="decision" value="approve">Allow</button>
<button type="submit" name="decision" value="deny">Deny</button>
</form>
<form method="post" action="/logout">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<button type="submit">Not you? Sign out</button>
</form>
</body>
</html>`

var (
	loginTmpl   = template.Must(template.New("login").Parse(loginTemplate))
	consentTmpl = template.Must(template.New("consent").Parse(consentTemplate))
)

type loginPageData struct {
	ReturnTo  string
	CSRFToken string
	Error     string
}

type consentPageData struct {
	Username      string
	ClientName    string
	Scopes        []string
	TransactionID string
	CSRFToken     string
}

func (h *Handler) renderPage(w http.ResponseWriter, r *http.Request, status int, tmpl *template.Template, data any) {
	security.SetPageSecurityHeaders(w, h.server.Config.Issuer)
	h.writePage(w, r, status, tmpl, data)
}

func (h *Handler) writePage(w http.ResponseWriter, r *http.Request, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		h.requestLogger(r).Error("Failed to render page", "template", tmpl.Name(), "error", err)
	}
}

// safeReturnTo accepts only local absolute paths, so a login cannot be turned
// into an open redirect
func safeReturnTo(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") ||
		strings.HasPrefix(target, "//") || strings.HasPrefix(target, `/\`) {
		return defaultReturnPath
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return defaultReturnPath
	}
	return target
}

// ServeLoginPage renders the login form
func (h *Handler) ServeLoginPage(w http.ResponseWriter, r *http.Request) {
	returnTo := safeReturnTo(r.URL.Query().Get("return_to"))
	if _, ok := h.sessions.Get(r); ok && returnTo != defaultReturnPath {
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}
	h.renderLogin(w, r, http.StatusOK, returnTo, "")
}

// renderLogin renders the login form with the pre-session CSRF token
func (h *Handler) renderLogin(w http.ResponseWriter, r *http.Request, status int, returnTo, msg string) {
	h.renderPage(w, r, status, loginTmpl, loginPageData{
		ReturnTo:  returnTo,
		CSRFToken: h.sessions.LoginCSRF(w, r),
		Error:     msg,
	})
}

// ServeLogin authenticates a resource owner and starts a session
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderLogin(w, r, http.StatusBadRequest, defaultReturnPath, "Invalid request")
		return
	}
	returnTo := safeReturnTo(r.PostFormValue("return_to"))

	if !h.sessions.ValidLoginCSRF(r, r.PostFormValue("csrf_token")) {
		h.requestLogger(r).Warn("Login form with invalid CSRF token", "ip", h.clientIP(r))
		h.renderLogin(w, r, http.StatusForbidden, returnTo, "Your sign-in form expired. Please try again.")
		return
	}

	if h.loginLimiter != nil {
		if allowed, retryAfter := h.loginLimiter.AllowWithRetry(h.clientIP(r)); !allowed {
			h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), limiterLogin)
			if h.server.Auditor != nil {
				h.server.Auditor.LogRateLimitExceeded(h.clientIP(r), limiterLogin)
			}
			setRetryAfter(w, retryAfter)
			h.renderLogin(w, r, http.StatusTooManyRequests, returnTo, "Too many sign-in attempts. Try again later.")
			return
		}
	}

	user, err := h.server.AuthenticateUser(r.Context(), r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		status, msg := http.StatusUnauthorized, "Invalid username or password"
		if errors.Is(err, server.ErrStore) {
			h.requestLogger(r).Error("Login failed", "error", err)
			status, msg = http.StatusInternalServerError, "Sign-in is temporarily unavailable"
		}
		h.renderLogin(w, r, status, returnTo, msg)
		return
	}

	h.sessions.Create(w, r, user.ID)
	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

// ServeLogout ends the resource owner's session. A live session is only
// ended by a form carrying its CSRF token.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	if sess, ok := h.sessions.Get(r); ok && !sess.ValidCSRF(r.PostFormValue("csrf_token")) {
		h.requestLogger(r).Warn("Logout with invalid CSRF token", "ip", h.clientIP(r))
		h.writeOAuthError(w, NewOAuthError(ErrorCodeInvalidRequest, "Invalid CSRF token", http.StatusForbidden))
		return
	}
	h.sessions.Destroy(w, r)
	http.Redirect(w, r, PathLogin, http.StatusSeeOther)
}

// ServeAuthorization starts an authorization request for the logged-in
// resource owner. Trusted clients are redirected straight back with a code;
// other clients get a consent page.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorize")
	defer span.End()
	r = r.WithContext(ctx)

	sess, ok := h.sessions.Get(r)
	if !ok {
		http.Redirect(w, r, PathLogin+"?return_to="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return
	}
	user, err := h.server.GetUser(ctx, sess.UserID)
	if err != nil {
		// The account behind the session is gone
		h.sessions.Destroy(w, r)
		http.Redirect(w, r, PathLogin+"?return_to="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return
	}

	q := r.URL.Query()
	req := server.AuthorizeRequest{
		ResponseType: q.Get("response_type"),
		ClientID:     q.Get("client_id"),
		RedirectURI:  q.Get("redirect_uri"),
		Scope:        q.Get("scope"),
		State:        q.Get("state"),
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, req.ClientID))

	result, err := h.server.BeginAuthorization(ctx, req, user.ID)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizationError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	if result.RedirectURL != "" {
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
		return
	}

	name := result.Client.Name
	if name == "" {
		name = result.Client.ClientID
	}
	security.SetConsentPageSecurityHeaders(w, h.server.Config.Issuer, result.Transaction.RedirectURI)
	h.writePage(w, r, http.StatusOK, consentTmpl, consentPageData{
		Username:      user.Username,
		ClientName:    name,
		Scopes:        server.ParseScope(result.Transaction.Scope),
		TransactionID: result.Transaction.ID,
		CSRFToken:     sess.CSRFToken,
	})
}

// ServeDecision records the resource owner's answer on the consent page
func (h *Handler) ServeDecision(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.decision")
	defer span.End()
	r = r.WithContext(ctx)

	sess, ok := h.sessions.Get(r)
	if !ok {
		h.writeOAuthError(w, ErrAccessDenied("Login required"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}
	if !sess.ValidCSRF(r.PostFormValue("csrf_token")) {
		h.requestLogger(r).Warn("Consent form with invalid CSRF token", "ip", h.clientIP(r))
		h.writeOAuthError(w, NewOAuthError(ErrorCodeInvalidRequest, "Invalid CSRF token", http.StatusForbidden))
		return
	}

	var approve bool
	switch decision := r.PostFormValue("decision"); decision {
	case "approve":
		approve = true
	case "deny":
	default:
		h.writeOAuthError(w, ErrInvalidRequest("decision must be approve or deny"))
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrDecision, approve))

	result, err := h.server.Decide(ctx, r.PostFormValue("transaction_id"), sess.UserID, approve)
	if err != nil {
		h.writeAuthorizationError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// writeAuthorizationError redirects errors the client may see back to its
// registered redirect URI; anything else is answered directly
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, r *http.Request, err error) {
	var redirectErr *server.RedirectError
	if errors.As(err, &redirectErr) {
		http.Redirect(w, r, redirectErr.Location(), http.StatusFound)
		return
	}
	h.writeError(w, r, err)
}
