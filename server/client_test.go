package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/gallery-oauth/security"
)

func TestAuthenticateClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, "photoprint", false, "view_gallery")
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{name: "valid", clientID: "photoprint", secret: "secret"},
		{name: "wrong secret", clientID: "photoprint", secret: "wrong", wantErr: true},
		{name: "empty secret", clientID: "photoprint", secret: "", wantErr: true},
		{name: "unknown client", clientID: "nobody", secret: "secret", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := srv.AuthenticateClient(ctx, tt.clientID, tt.secret, "192.0.2.1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("AuthenticateClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidClient) {
					t.Errorf("error should match ErrInvalidClient, got %v", err)
				}
				return
			}
			if client.ClientID != tt.clientID {
				t.Errorf("ClientID = %q, want %q", client.ClientID, tt.clientID)
			}
		})
	}
}

func TestAuthenticateClient_Lockout(t *testing.T) {
	srv, _ := newTestServer(t, &Config{
		Lockout: security.LockoutPolicy{Threshold: 3, BaseDelay: time.Minute, MaxDelay: time.Hour},
	})
	registerTestClient(t, srv, "photoprint", false, "view_gallery")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := srv.AuthenticateClient(ctx, "photoprint", "wrong", "192.0.2.1"); !errors.Is(err, ErrInvalidClient) {
			t.Fatalf("attempt %d: error = %v, want ErrInvalidClient", i+1, err)
		}
	}

	// The correct secret is refused while locked
	_, err := srv.AuthenticateClient(ctx, "photoprint", "secret", "192.0.2.1")
	if !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("error = %v, want ErrInvalidClient during lockout", err)
	}
	retryAfter := RetryAfterFromError(err)
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want (0, 1m]", retryAfter)
	}

	// Lockout is keyed by client and source
	if _, err := srv.AuthenticateClient(ctx, "photoprint", "secret", "198.51.100.7"); err != nil {
		t.Errorf("other source should not be locked: %v", err)
	}
}

func TestAuthenticateClient_LockoutGrowsExponentially(t *testing.T) {
	srv, _ := newTestServer(t, &Config{
		Lockout: security.LockoutPolicy{Threshold: 2, BaseDelay: time.Minute, MaxDelay: time.Hour},
	})
	ctx := context.Background()
	key := lockoutKey("ghost", "192.0.2.1")

	srv.recordClientAuthFailure(ctx, "ghost", "192.0.2.1", authFailureUnknownClient)
	if d, _ := srv.Lockout.Check(ctx, key); d != 0 {
		t.Fatalf("locked after one failure: %v", d)
	}

	srv.recordClientAuthFailure(ctx, "ghost", "192.0.2.1", authFailureUnknownClient)
	first, _ := srv.Lockout.Check(ctx, key)

	srv.recordClientAuthFailure(ctx, "ghost", "192.0.2.1", authFailureUnknownClient)
	second, _ := srv.Lockout.Check(ctx, key)

	if first <= 0 || first > time.Minute {
		t.Errorf("first lock = %v, want about 1m", first)
	}
	if second <= time.Minute || second > 2*time.Minute {
		t.Errorf("second lock = %v, want about 2m", second)
	}
}

func TestAuthenticateClient_SuccessResetsFailures(t *testing.T) {
	srv, _ := newTestServer(t, &Config{
		Lockout: security.LockoutPolicy{Threshold: 3, BaseDelay: time.Minute},
	})
	registerTestClient(t, srv, "photoprint", false, "view_gallery")
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		for i := 0; i < 2; i++ {
			_, _ = srv.AuthenticateClient(ctx, "photoprint", "wrong", "192.0.2.1")
		}
		if _, err := srv.AuthenticateClient(ctx, "photoprint", "secret", "192.0.2.1"); err != nil {
			t.Fatalf("round %d: valid secret rejected: %v", round, err)
		}
	}
}

func TestRegisterClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()

	client, secret, err := srv.RegisterClient(ctx, ClientRegistration{
		Name:          "Generated",
		RedirectURIs:  []string{"http://localhost:3000/cb"},
		AllowedScopes: []string{"profile,view_gallery", "profile"},
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if client.ClientID == "" {
		t.Error("ClientID should be generated")
	}
	if len(secret) != 43 {
		t.Errorf("generated secret length = %d, want 43", len(secret))
	}
	if client.SecretHash == secret || client.SecretHash == "" {
		t.Error("only a hash of the secret should be stored")
	}
	if len(client.AllowedScopes) != 2 {
		t.Errorf("AllowedScopes = %v, want normalized [profile view_gallery]", client.AllowedScopes)
	}

	if _, err := srv.AuthenticateClient(ctx, client.ClientID, secret, "192.0.2.1"); err != nil {
		t.Errorf("generated secret should authenticate: %v", err)
	}
}

func TestRegisterClient_Rejects(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, "photoprint", false)
	ctx := context.Background()

	tests := []struct {
		name string
		reg  ClientRegistration
	}{
		{"duplicate ID", ClientRegistration{ClientID: "photoprint", RedirectURIs: []string{testRedirectURI}}},
		{"no redirect URI", ClientRegistration{ClientID: "a"}},
		{"http redirect", ClientRegistration{ClientID: "b", RedirectURIs: []string{"http://app.example.com/cb"}}},
		{"fragment", ClientRegistration{ClientID: "c", RedirectURIs: []string{"https://app.example.com/cb#x"}}},
		{"separator in ID", ClientRegistration{ClientID: "d|e", RedirectURIs: []string{testRedirectURI}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := srv.RegisterClient(ctx, tt.reg)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("RegisterClient() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestUpdateClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, "photoprint", false, "profile")
	ctx := context.Background()

	trusted := true
	updated, err := srv.UpdateClient(ctx, "photoprint", ClientUpdate{
		Trusted:       &trusted,
		AllowedScopes: []string{"profile", "view_gallery"},
	})
	if err != nil {
		t.Fatalf("UpdateClient() error = %v", err)
	}
	if !updated.Trusted || len(updated.AllowedScopes) != 2 {
		t.Errorf("update not applied: %+v", updated)
	}
	if len(updated.RedirectURIs) != 1 {
		t.Error("nil RedirectURIs should keep the registered ones")
	}

	if _, err := srv.UpdateClient(ctx, "photoprint", ClientUpdate{RedirectURIs: []string{"javascript:alert(1)"}}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("invalid redirect URI accepted: %v", err)
	}
	if _, err := srv.UpdateClient(ctx, "nobody", ClientUpdate{}); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("unknown client: error = %v, want ErrInvalidClient", err)
	}
}

func TestRotateClientSecret(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, "photoprint", false)
	ctx := context.Background()

	secret, err := srv.RotateClientSecret(ctx, "photoprint")
	if err != nil {
		t.Fatalf("RotateClientSecret() error = %v", err)
	}
	if _, err := srv.AuthenticateClient(ctx, "photoprint", "secret", "192.0.2.1"); err == nil {
		t.Error("old secret should no longer authenticate")
	}
	if _, err := srv.AuthenticateClient(ctx, "photoprint", secret, "192.0.2.1"); err != nil {
		t.Errorf("new secret rejected: %v", err)
	}
}

func TestDeleteClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, "photoprint", false)
	ctx := context.Background()

	if err := srv.DeleteClient(ctx, "photoprint"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if err := srv.DeleteClient(ctx, "photoprint"); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("second delete: error = %v, want ErrInvalidClient", err)
	}

	clients, err := srv.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 0 {
		t.Errorf("ListClients() = %d clients, want 0", len(clients))
	}
}

func TestAuthenticateUser(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	alice := createTestUser(t, srv, "alice")
	ctx := context.Background()

	user, err := srv.AuthenticateUser(ctx, "Alice", "correct horse battery")
	if err != nil {
		t.Fatalf("AuthenticateUser() error = %v", err)
	}
	if user.ID != alice.ID {
		t.Errorf("ID = %q, want %q", user.ID, alice.ID)
	}

	for _, tc := range []struct{ username, password string }{
		{"alice", "wrong password"},
		{"mallory", "correct horse battery"},
		{"alice", ""},
	} {
		if _, err := srv.AuthenticateUser(ctx, tc.username, tc.password); !errors.Is(err, ErrAccessDenied) {
			t.Errorf("AuthenticateUser(%q) error = %v, want ErrAccessDenied", tc.username, err)
		}
	}
}

func TestCreateUser_Validation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	createTestUser(t, srv, "alice")
	ctx := context.Background()

	if _, err := srv.CreateUser(ctx, "", "x@example.com", "long enough"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty username: error = %v", err)
	}
	if _, err := srv.CreateUser(ctx, "bob", "bob@example.com", "short"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("short password: error = %v", err)
	}
	if _, err := srv.CreateUser(ctx, "ALICE", "other@example.com", "long enough"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("duplicate username: error = %v", err)
	}
}
