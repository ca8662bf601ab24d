// Package session keeps resource-owner login sessions for the authorization
// endpoint. Sessions live in an in-process go-cache keyed by the SHA-256 hash
// of the cookie value; the raw value only ever exists in the browser cookie.
package session

import (
	"crypto/subtle"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"

	"github.com/giantswarm/gallery-oauth/storage"
)

const (
	// CookieName is the name of the session cookie
	CookieName = "gallery_session"

	// LoginCSRFCookieName carries the login form's CSRF token before any
	// session exists
	LoginCSRFCookieName = "gallery_login_csrf"

	// DefaultTTL is how long a session lives without being renewed
	DefaultTTL = 8 * time.Hour

	cleanupInterval = time.Minute
)

// Session is an authenticated resource owner
type Session struct {
	UserID    string
	CSRFToken string
	CreatedAt time.Time
}

// Manager issues, looks up and destroys sessions
type Manager struct {
	cache  *gocache.Cache
	ttl    time.Duration
	secure bool
}

// NewManager creates a session manager. secure marks cookies Secure and
// should be set whenever the server is reached over HTTPS.
func NewManager(ttl time.Duration, secure bool) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		cache:  gocache.New(ttl, cleanupInterval),
		ttl:    ttl,
		secure: secure,
	}
}

// Create starts a session for userID and sets the cookie on w.
// Any session already carried by r is destroyed first so that a session ID
// fixed before login never becomes authenticated.
func (m *Manager) Create(w http.ResponseWriter, r *http.Request, userID string) *Session {
	if r != nil {
		m.destroy(r)
	}

	id := oauth2.GenerateVerifier()
	s := &Session{
		UserID:    userID,
		CSRFToken: oauth2.GenerateVerifier(),
		CreatedAt: time.Now(),
	}
	m.cache.Set(storage.HashToken(id), s, m.ttl)

	http.SetCookie(w, m.cookie(id, int(m.ttl.Seconds())))
	if r != nil {
		if _, err := r.Cookie(LoginCSRFCookieName); err == nil {
			http.SetCookie(w, m.loginCSRFCookie("", -1))
		}
	}
	return s
}

// LoginCSRF returns the login form token carried by r, setting a fresh one
// on w when r has none
func (m *Manager) LoginCSRF(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(LoginCSRFCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	token := oauth2.GenerateVerifier()
	http.SetCookie(w, m.loginCSRFCookie(token, int(m.ttl.Seconds())))
	return token
}

// ValidLoginCSRF reports whether token matches the login CSRF cookie on r
func (m *Manager) ValidLoginCSRF(r *http.Request, token string) bool {
	c, err := r.Cookie(LoginCSRFCookieName)
	if err != nil || c.Value == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(token)) == 1
}

// Get returns the session carried by r
func (m *Manager) Get(r *http.Request) (*Session, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	v, ok := m.cache.Get(storage.HashToken(cookie.Value))
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Destroy ends the session carried by r and clears the cookie
func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request) {
	m.destroy(r)
	http.SetCookie(w, m.cookie("", -1))
}

func (m *Manager) destroy(r *http.Request) {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		m.cache.Delete(storage.HashToken(cookie.Value))
	}
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	return m.cache.ItemCount()
}

// ValidCSRF reports whether token matches the session's CSRF token
func (s *Session) ValidCSRF(token string) bool {
	if s == nil || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.CSRFToken), []byte(token)) == 1
}

func (m *Manager) cookie(value string, maxAge int) *http.Cookie {
	return m.newCookie(CookieName, value, maxAge)
}

func (m *Manager) loginCSRFCookie(value string, maxAge int) *http.Cookie {
	return m.newCookie(LoginCSRFCookieName, value, maxAge)
}

func (m *Manager) newCookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
