package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/gallery-oauth/storage"
)

func TestResolveBearer(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "photoprint", false, "view_gallery")
	alice := createTestUser(t, srv, "alice")
	ctx := context.Background()

	code := issueTestCode(t, srv, client, alice.ID, "view_gallery")
	tok, _, err := srv.ExchangeCode(ctx, client, code, testRedirectURI)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	p, err := srv.ResolveBearer(ctx, tok.AccessToken)
	if err != nil {
		t.Fatalf("ResolveBearer() error = %v", err)
	}
	if p.Kind != PrincipalUser {
		t.Errorf("Kind = %q, want %q", p.Kind, PrincipalUser)
	}
	if p.Subject() != alice.ID || p.Name() != "alice" {
		t.Errorf("Subject/Name = %q/%q", p.Subject(), p.Name())
	}

	for name, token := range map[string]string{"empty": "", "unknown": "not-a-token", "code": code} {
		if _, err := srv.ResolveBearer(ctx, token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: error = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestResolveBearer_ExpiryBoundary(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "photoprint", false, "view_gallery")
	alice := createTestUser(t, srv, "alice")
	ctx := context.Background()

	start := time.Unix(time.Now().Unix(), 0)
	advance := fixedClock(srv, start)

	code := issueTestCode(t, srv, client, alice.ID, "view_gallery")
	tok, _, err := srv.ExchangeCode(ctx, client, code, testRedirectURI)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	// Exactly at created_at + expires_in the token is still valid
	advance(time.Duration(DefaultAccessTokenTTL) * time.Second)
	if _, err := srv.ResolveBearer(ctx, tok.AccessToken); err != nil {
		t.Fatalf("token rejected at its expiry boundary: %v", err)
	}

	advance(time.Second)
	if _, err := srv.ResolveBearer(ctx, tok.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken after expiry", err)
	}
}

func TestResolveBearer_ClientToken(t *testing.T) {
	srv, store := newTestServer(t, nil)
	registerTestClient(t, srv, "photoprint", false, "view_gallery")
	ctx := context.Background()

	if err := store.SaveGrant(ctx, &storage.Grant{Access: &storage.AccessToken{TokenRecord: storage.TokenRecord{
		TokenHash: storage.HashToken("client-token"),
		ClientID:  "photoprint",
		Scope:     "view_gallery",
		FamilyID:  "family-1",
		CreatedAt: time.Now(),
		ExpiresIn: 60,
	}}}); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}

	p, err := srv.ResolveBearer(ctx, "client-token")
	if err != nil {
		t.Fatalf("ResolveBearer() error = %v", err)
	}
	if p.Kind != PrincipalClient || p.User != nil {
		t.Errorf("expected a client principal, got %+v", p)
	}
	if p.Subject() != "photoprint" || p.Name() != "Photoprint" {
		t.Errorf("Subject/Name = %q/%q", p.Subject(), p.Name())
	}
}

func TestResolveBearer_DeletedClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "photoprint", false, "view_gallery")
	alice := createTestUser(t, srv, "alice")
	ctx := context.Background()

	code := issueTestCode(t, srv, client, alice.ID, "view_gallery")
	tok, _, err := srv.ExchangeCode(ctx, client, code, testRedirectURI)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if err := srv.DeleteClient(ctx, "photoprint"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := srv.ResolveBearer(ctx, tok.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("token of a deleted client: error = %v, want ErrInvalidToken", err)
	}
}

func TestAuthorize(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	client := &storage.Client{ClientID: "photoprint"}

	if err := srv.Authorize(ctx, nil, "profile"); err != nil {
		t.Errorf("session principal rejected: %v", err)
	}
	if err := srv.Authorize(ctx, &Principal{Client: client, Scope: "read,write"}, "write"); err != nil {
		t.Errorf("member scope rejected: %v", err)
	}
	if err := srv.Authorize(ctx, &Principal{Client: client, Scope: "read,write"}, "admin"); !errors.Is(err, ErrForbidden) {
		t.Errorf("error = %v, want ErrForbidden", err)
	}
}

func TestIntrospect(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "photoprint", false, "view_gallery")
	alice := createTestUser(t, srv, "alice")
	ctx := context.Background()

	// Full decision flow for an untrusted client
	result, err := srv.BeginAuthorization(ctx, authorizeRequest("photoprint", "view_gallery"), alice.ID)
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}
	decided, err := srv.Decide(ctx, result.Transaction.ID, alice.ID, true)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	code := codeFromRedirect(t, decided.RedirectURL)

	authenticated, err := srv.AuthenticateClient(ctx, client.ClientID, "secret", "192.0.2.1")
	if err != nil {
		t.Fatalf("AuthenticateClient() error = %v", err)
	}
	tok, scope, err := srv.ExchangeCode(ctx, authenticated, code, testRedirectURI)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if scope != "view_gallery" {
		t.Errorf("scope = %q, want view_gallery", scope)
	}

	info, err := srv.Introspect(ctx, tok.AccessToken, "https://auth.example.com")
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if info.Subject != alice.ID {
		t.Errorf("sub = %q, want %q", info.Subject, alice.ID)
	}
	if info.ExpiresAt <= info.IssuedAt {
		t.Errorf("exp %d should be after iat %d", info.ExpiresAt, info.IssuedAt)
	}
	if info.ExpiresAt-info.IssuedAt != DefaultAccessTokenTTL {
		t.Errorf("exp - iat = %d, want %d", info.ExpiresAt-info.IssuedAt, DefaultAccessTokenTTL)
	}
	if info.Audience != "photoprint" || info.AuthorizedParty != "photoprint" {
		t.Errorf("aud/azp = %q/%q", info.Audience, info.AuthorizedParty)
	}
	if info.Issuer != "https://auth.example.com" || info.Name != "alice" {
		t.Errorf("iss/name = %q/%q", info.Issuer, info.Name)
	}

	if _, err := srv.Introspect(ctx, "bogus", "https://auth.example.com"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
}
