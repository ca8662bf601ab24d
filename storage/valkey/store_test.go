package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/gallery-oauth/internal/testutil"
	"github.com/giantswarm/gallery-oauth/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if the connection fails.
// Each test gets a unique prefix to ensure test isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("gallerytest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("Expected error for missing address")
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid:99999"})
	if err == nil {
		t.Error("Expected error for invalid address")
	}
}

func TestStore_Conformance(t *testing.T) {
	testutil.RunStoreConformance(t, func(t *testing.T) storage.Store {
		return testStore(t)
	})
}

func TestStore_KeysAreHashed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code, raw := testutil.GenerateTestAuthorizationCode("photoprint", "alice")
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(s.prefix+"*").Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			t.Fatalf("SCAN error = %v", err)
		}
		for _, key := range result.Elements {
			if strings.Contains(key, raw) {
				t.Errorf("key %q contains the raw code", key)
			}
		}
		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestStore_CodeKeyExpires(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code, _ := testutil.GenerateTestAuthorizationCode("photoprint", "alice")
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	ttl, err := s.client.Do(ctx, s.client.B().Pttl().Key(s.codeKey(code.CodeHash)).Build()).AsInt64()
	if err != nil {
		t.Fatalf("PTTL error = %v", err)
	}
	if ttl <= 0 || time.Duration(ttl)*time.Millisecond > time.Minute+time.Second {
		t.Errorf("code TTL = %dms, want within the code lifetime", ttl)
	}
}

func TestStore_RotatedTokenKeepsRecord(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := testutil.GenerateTestGrant("photoprint", "alice", "fam-1", true)
	if err := s.SaveGrant(ctx, first); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}

	next := testutil.GenerateTestGrant("photoprint", "alice", "fam-1", true)
	if err := s.RotateRefreshToken(ctx, first.Refresh.TokenHash, next); err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}

	old, err := s.GetRefreshToken(ctx, first.Refresh.TokenHash)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if !old.IsRotated() {
		t.Error("old refresh token should be marked rotated")
	}
	if old.Scope != first.Refresh.Scope {
		t.Errorf("Scope = %q, want %q", old.Scope, first.Refresh.Scope)
	}

	n, err := s.RevokeTokenFamily(ctx, "fam-1")
	if err != nil {
		t.Fatalf("RevokeTokenFamily() error = %v", err)
	}
	if n != 4 {
		t.Errorf("RevokeTokenFamily() = %d, want 4", n)
	}
}

func TestStore_ListClientsSkipsIndexes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	if err := s.CreateClient(ctx, client); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	grant := testutil.GenerateTestGrant(client.ClientID, "alice", "fam-2", false)
	if err := s.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 1 || clients[0].ClientID != client.ClientID {
		t.Errorf("ListClients() = %v, want only %s", clients, client.ClientID)
	}
}

func TestStore_DeleteAccessTokenTwice(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	grant := testutil.GenerateTestGrant("photoprint", "alice", "fam-3", false)
	if err := s.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	if err := s.DeleteAccessToken(ctx, grant.Access.TokenHash); err != nil {
		t.Fatalf("DeleteAccessToken() error = %v", err)
	}
	if err := s.DeleteAccessToken(ctx, grant.Access.TokenHash); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("DeleteAccessToken() error = %v, want ErrTokenNotFound", err)
	}

	n, err := s.RevokeTokenFamily(ctx, "fam-3")
	if err != nil {
		t.Fatalf("RevokeTokenFamily() error = %v", err)
	}
	if n != 0 {
		t.Errorf("RevokeTokenFamily() = %d, want 0 after the only token was deleted", n)
	}
}
