package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/giantswarm/gallery-oauth/internal/util"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Redirect URI security error categories for metrics and logging.
const (
	RedirectURIErrorCategoryInvalidFormat   = "invalid_format"
	RedirectURIErrorCategoryFragment        = "fragment_not_allowed"
	RedirectURIErrorCategoryBlockedScheme   = "blocked_scheme"
	RedirectURIErrorCategoryHTTPNotAllowed  = "http_not_allowed"
	RedirectURIErrorCategoryLinkLocal       = "link_local"
	RedirectURIErrorCategoryUnspecifiedAddr = "unspecified_address"
)

// RedirectURISecurityError represents a redirect URI validation error with
// detailed information for operators while keeping the message generic for clients.
// It matches ErrInvalidRequest.
type RedirectURISecurityError struct {
	// Category is the error category for logging/metrics
	Category string
	// URI is the offending redirect URI (sanitized for logging)
	URI string
	// Reason is the detailed internal reason (for logs, not returned to client)
	Reason string
	// ClientMessage is the message safe to return to clients
	ClientMessage string
}

func (e *RedirectURISecurityError) Error() string {
	return e.ClientMessage
}

// Is makes errors.Is(err, ErrInvalidRequest) true
func (e *RedirectURISecurityError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// validateHTTPSEnforcement ensures that the issuer uses HTTPS outside local
// development:
//   - https issuers are always allowed
//   - http on a loopback host is allowed with a warning
//   - http anywhere else is rejected unless AllowInsecureHTTP is set
//
// An empty issuer is allowed; the HTTP layer derives it from each request.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if util.IsLoopbackHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config")
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"OAuth over HTTP exposes tokens and credentials to interception. "+
				"Set AllowInsecureHTTP=true only for local development",
			issuerURL.Scheme, hostname)
	}

	s.Logger.Error("CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"action_required", "Switch to HTTPS")
	return nil
}

// ValidateRedirectURIForRegistration checks a redirect URI before it is added
// to a client's allow-list. Requests are later matched against the allow-list
// by exact string comparison, so this is the only place URIs are inspected.
func (s *Server) ValidateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		reason := "URI is not absolute"
		if err != nil {
			reason = fmt.Sprintf("URL parse error: %v", err)
		}
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        reason,
			ClientMessage: "redirect_uri: must be an absolute URI",
		}
	}

	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryFragment,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "URI contains a fragment",
			ClientMessage: "redirect_uri: fragments are not allowed",
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != SchemeHTTP && scheme != SchemeHTTPS {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryBlockedScheme,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        fmt.Sprintf("scheme %q is not http or https", scheme),
			ClientMessage: fmt.Sprintf("redirect_uri: scheme '%s' is not allowed", scheme),
		}
	}

	hostname := strings.ToLower(parsed.Hostname())
	kind := util.ClassifyHost(hostname)
	switch kind {
	case util.HostLinkLocal:
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryLinkLocal,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "link-local address (cloud metadata range)",
			ClientMessage: "redirect_uri: link-local addresses are not allowed",
		}
	case util.HostUnspecified:
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryUnspecifiedAddr,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "unspecified address",
			ClientMessage: "redirect_uri: unspecified addresses are not allowed",
		}
	}

	if scheme == SchemeHTTP && kind != util.HostLoopback && !s.Config.AllowInsecureRedirects {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryHTTPNotAllowed,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "plain http on a non-loopback host",
			ClientMessage: "redirect_uri: must use https (http is only allowed for loopback hosts)",
		}
	}

	return nil
}

// validateRedirectURIs validates every URI of a registration
func (s *Server) validateRedirectURIs(uris []string) error {
	if len(uris) == 0 {
		return fmt.Errorf("%w: at least one redirect_uri is required", ErrInvalidRequest)
	}
	for _, uri := range uris {
		if err := s.ValidateRedirectURIForRegistration(uri); err != nil {
			var secErr *RedirectURISecurityError
			if errors.As(err, &secErr) {
				s.Logger.Debug("Rejected redirect URI",
					"category", secErr.Category,
					"uri", secErr.URI,
					"reason", secErr.Reason)
			}
			return err
		}
	}
	return nil
}

// sanitizeURIForLogging drops the query string, which may carry credentials
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return util.SafeTruncate(uri, 64)
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return util.SafeTruncate(parsed.String(), 128)
}
