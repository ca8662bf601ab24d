package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/gallery-oauth/instrumentation"
	"github.com/giantswarm/gallery-oauth/internal/testutil"
	"github.com/giantswarm/gallery-oauth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := New()
	t.Cleanup(store.Stop)
	return store
}

func TestStore_Conformance(t *testing.T) {
	testutil.RunStoreConformance(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	if err := store.CreateClient(ctx, client); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}

	client.RedirectURIs[0] = "https://evil.example.com/cb"

	got, err := store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.RedirectURIs[0] != testutil.TestRedirectURI {
		t.Errorf("stored redirect URI changed through caller's slice: %q", got.RedirectURIs[0])
	}

	got.AllowedScopes[0] = "admin"
	again, _ := store.GetClient(ctx, client.ClientID)
	if again.AllowedScopes[0] == "admin" {
		t.Error("mutating a returned client must not change the store")
	}
}

func TestStore_UsernameCaseInsensitive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := testutil.GenerateTestUser()
	user.Username = "Alice"
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	got, err := store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername() error = %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("ID = %q, want %q", got.ID, user.ID)
	}

	dup := testutil.GenerateTestUser()
	dup.Username = "ALICE"
	if err := store.CreateUser(ctx, dup); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("CreateUser() error = %v, want ErrAlreadyExists", err)
	}

	dupEmail := testutil.GenerateTestUser()
	dupEmail.Email = user.Email
	if err := store.CreateUser(ctx, dupEmail); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("CreateUser() with duplicate email error = %v, want ErrAlreadyExists", err)
	}
}

func TestStore_Validation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{name: "nil client", call: func() error { return store.CreateClient(ctx, nil) }},
		{name: "empty client id", call: func() error { return store.CreateClient(ctx, &storage.Client{}) }},
		{name: "user without username", call: func() error { return store.CreateUser(ctx, &storage.User{ID: "x"}) }},
		{name: "code without hash", call: func() error { return store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{}) }},
		{name: "grant without access", call: func() error { return store.SaveGrant(ctx, &storage.Grant{}) }},
		{name: "transaction without id", call: func() error { return store.SaveTransaction(ctx, &storage.Transaction{}) }},
		{name: "empty family", call: func() error { _, err := store.RevokeTokenFamily(ctx, ""); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestStore_TakeTransaction_Expired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	tx := &storage.Transaction{
		ID:        "tx-1",
		ClientID:  "photoprint",
		Status:    storage.TransactionPending,
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}
	if err := store.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("SaveTransaction() error = %v", err)
	}

	now = now.Add(11 * time.Minute)

	if _, err := store.TakeTransaction(ctx, "tx-1"); !errors.Is(err, storage.ErrTransactionNotFound) {
		t.Errorf("TakeTransaction() error = %v, want ErrTransactionNotFound", err)
	}
	if got := store.transactionsCount.Load(); got != 0 {
		t.Errorf("transactionsCount = %d, want 0", got)
	}
}

func TestStore_RedeemAtExpiryBoundary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	code, _ := testutil.GenerateTestAuthorizationCode("photoprint", "alice")
	now := code.ExpiresAt
	store.now = func() time.Time { return now }

	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if _, err := store.RedeemAuthorizationCode(ctx, code.CodeHash, testutil.MintFor(false)); err != nil {
		t.Errorf("redeem exactly at ExpiresAt should succeed, got %v", err)
	}
}

func TestStore_Cleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := base
	store.now = func() time.Time { return now }

	code, _ := testutil.GenerateTestAuthorizationCode("photoprint", "alice")
	code.CreatedAt, code.ExpiresAt = base, base.Add(time.Minute)
	_ = store.SaveAuthorizationCode(ctx, code)

	grant := testutil.GenerateTestGrant("photoprint", "alice", "fam", true)
	grant.Access.CreatedAt = base
	grant.Access.ExpiresIn = 3600
	grant.Refresh.CreatedAt = base
	grant.Refresh.ExpiresIn = 7200
	_ = store.SaveGrant(ctx, grant)

	_ = store.SaveTransaction(ctx, &storage.Transaction{ID: "tx", CreatedAt: base, ExpiresAt: base.Add(10 * time.Minute)})

	// Exactly at access token expiry nothing but the code and transaction is gone
	now = base.Add(time.Hour)
	store.cleanup()

	if got := store.codesCount.Load(); got != 0 {
		t.Errorf("codesCount = %d, want 0", got)
	}
	if got := store.transactionsCount.Load(); got != 0 {
		t.Errorf("transactionsCount = %d, want 0", got)
	}
	if got := store.accessTokensCount.Load(); got != 1 {
		t.Errorf("accessTokensCount = %d, want 1 at the expiry boundary", got)
	}

	now = base.Add(time.Hour + time.Second)
	store.cleanup()

	if got := store.accessTokensCount.Load(); got != 0 {
		t.Errorf("accessTokensCount = %d, want 0 after expiry", got)
	}
	if got := store.refreshTokensCount.Load(); got != 1 {
		t.Errorf("refreshTokensCount = %d, want 1", got)
	}
}

func TestStore_SetInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, MetricsExporter: instrumentation.ExporterPrometheus})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	store := newTestStore(t)
	store.SetInstrumentation(inst)

	if err := store.CreateClient(context.Background(), testutil.GenerateTestClient()); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	if got := store.clientsCount.Load(); got != 1 {
		t.Errorf("clientsCount = %d, want 1", got)
	}

	_, err = store.GetClient(context.Background(), "missing")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
}

func TestStore_StopIdempotent(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}
