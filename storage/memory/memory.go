// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/gallery-oauth/instrumentation"
	"github.com/giantswarm/gallery-oauth/internal/util"
	"github.com/giantswarm/gallery-oauth/storage"
)

const (
	// hashLogLength is the number of characters of a hash included in debug logs
	hashLogLength = 8

	// defaultCleanupInterval is used when NewWithInterval receives a non-positive interval
	defaultCleanupInterval = time.Minute
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	users         map[string]*storage.User
	usernames     map[string]string // lower-cased username -> user ID
	emails        map[string]string // lower-cased email -> user ID
	codes         map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	transactions  map[string]*storage.Transaction

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCount       atomic.Int64
	codesCount         atomic.Int64
	accessTokensCount  atomic.Int64
	refreshTokensCount atomic.Int64
	transactionsCount  atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger

	now func() time.Time
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore      = (*Store)(nil)
	_ storage.UserStore        = (*Store)(nil)
	_ storage.GrantStore       = (*Store)(nil)
	_ storage.TransactionStore = (*Store)(nil)
	_ storage.Store            = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		users:           make(map[string]*storage.User),
		usernames:       make(map[string]string),
		emails:          make(map[string]string),
		codes:           make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		transactions:    make(map[string]*storage.Transaction),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
		now:             time.Now,
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
// and registers the storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst == nil {
		return
	}

	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizeCallbacks{
		Clients:       s.clientsCount.Load,
		Codes:         s.codesCount.Load,
		AccessTokens:  s.accessTokensCount.Load,
		RefreshTokens: s.refreshTokensCount.Load,
		Transactions:  s.transactionsCount.Load,
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient saves a new client
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "create_client", &err, time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("%w: client %s", storage.ErrAlreadyExists, client.ClientID)
	}

	s.clients[client.ClientID] = cloneClient(client)
	s.clientsCount.Add(1)
	s.logger.Debug("Created client", "client_id", client.ClientID)
	return nil
}

// UpdateClient replaces an existing client
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "update_client", &err, time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; !exists {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ClientID)
	}
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_client", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return cloneClient(client), nil
}

// ListClients lists all registered clients ordered by client ID
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "list_clients", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, cloneClient(client))
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int {
		return strings.Compare(a.ClientID, b.ClientID)
	})
	return clients, nil
}

// DeleteClient removes a client and every code, token and transaction issued to it
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "delete_client", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	delete(s.clients, clientID)
	s.clientsCount.Add(-1)

	removed := 0
	for hash, code := range s.codes {
		if code.ClientID == clientID {
			s.deleteCodeLocked(hash)
			removed++
		}
	}
	for hash, token := range s.accessTokens {
		if token.ClientID == clientID {
			s.deleteAccessTokenLocked(hash)
			removed++
		}
	}
	for hash, token := range s.refreshTokens {
		if token.ClientID == clientID {
			s.deleteRefreshTokenLocked(hash)
			removed++
		}
	}
	for id, tx := range s.transactions {
		if tx.ClientID == clientID {
			s.deleteTransactionLocked(id)
			removed++
		}
	}

	s.logger.Debug("Deleted client", "client_id", clientID, "dependent_records", removed)
	return nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// CreateUser saves a new user. Usernames and emails are unique case-insensitively.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_user")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "create_user", &err, time.Now())

	if user == nil || user.ID == "" || user.Username == "" {
		return fmt.Errorf("user ID and username cannot be empty")
	}

	nameKey := strings.ToLower(user.Username)
	emailKey := strings.ToLower(user.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("%w: user id", storage.ErrAlreadyExists)
	}
	if _, exists := s.usernames[nameKey]; exists {
		return fmt.Errorf("%w: username %s", storage.ErrAlreadyExists, user.Username)
	}
	if emailKey != "" {
		if _, exists := s.emails[emailKey]; exists {
			return fmt.Errorf("%w: email", storage.ErrAlreadyExists)
		}
		s.emails[emailKey] = user.ID
	}

	copied := *user
	s.users[user.ID] = &copied
	s.usernames[nameKey] = user.ID
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (_ *storage.User, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_user")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_user", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

// GetUserByUsername retrieves a user by username (case-insensitive)
func (s *Store) GetUserByUsername(ctx context.Context, username string) (_ *storage.User, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_user_by_username")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_user_by_username", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usernames[strings.ToLower(username)]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	copied := *s.users[id]
	return &copied, nil
}

// ============================================================
// GrantStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_authorization_code", &err, time.Now())

	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("code hash cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.CodeHash]; exists {
		return fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
	}

	copied := *code
	s.codes[code.CodeHash] = &copied
	s.codesCount.Add(1)
	s.logger.Debug("Saved authorization code",
		"code_hash_prefix", util.SafeTruncate(code.CodeHash, hashLogLength),
		"client_id", code.ClientID)
	return nil
}

// RedeemAuthorizationCode finds and deletes the code and persists the minted grant
// under a single write lock. mint runs while the lock is held and must not call the store.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, codeHash string, mint storage.MintFunc) (_ *storage.Grant, err error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "redeem_authorization_code", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeHash]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	// Consumed whatever happens next
	s.deleteCodeLocked(codeHash)

	if code.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}

	copied := *code
	grant, err := mint(&copied)
	if err != nil {
		return nil, err
	}
	if err = s.saveGrantLocked(grant); err != nil {
		return nil, err
	}

	s.logger.Debug("Redeemed authorization code",
		"code_hash_prefix", util.SafeTruncate(codeHash, hashLogLength),
		"client_id", code.ClientID)
	return grant, nil
}

// SaveGrant persists freshly minted tokens
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_grant")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_grant", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveGrantLocked(grant)
}

// saveGrantLocked validates and stores a grant. Must be called with write lock held
func (s *Store) saveGrantLocked(grant *storage.Grant) error {
	if grant == nil || grant.Access == nil || grant.Access.TokenHash == "" {
		return fmt.Errorf("grant must carry an access token")
	}
	if _, exists := s.accessTokens[grant.Access.TokenHash]; exists {
		return fmt.Errorf("%w: access token", storage.ErrAlreadyExists)
	}
	if grant.Refresh != nil {
		if grant.Refresh.TokenHash == "" {
			return fmt.Errorf("refresh token hash cannot be empty")
		}
		if _, exists := s.refreshTokens[grant.Refresh.TokenHash]; exists {
			return fmt.Errorf("%w: refresh token", storage.ErrAlreadyExists)
		}
	}

	access := *grant.Access
	s.accessTokens[access.TokenHash] = &access
	s.accessTokensCount.Add(1)

	if grant.Refresh != nil {
		refresh := *grant.Refresh
		s.refreshTokens[refresh.TokenHash] = &refresh
		s.refreshTokensCount.Add(1)
	}
	return nil
}

// GetAccessToken looks up an access token by hash
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (_ *storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_access_token", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.accessTokens[tokenHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	copied := *token
	return &copied, nil
}

// GetRefreshToken looks up a refresh token by hash. Rotated tokens are returned
// so callers can detect reuse.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_refresh_token", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	copied := *token
	return &copied, nil
}

// RotateRefreshToken marks the old refresh token rotated and persists the new grant
func (s *Store) RotateRefreshToken(ctx context.Context, oldTokenHash string, grant *storage.Grant) (err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "rotate_refresh_token", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.refreshTokens[oldTokenHash]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if old.IsRotated() {
		return storage.ErrRefreshTokenRotated
	}
	if err = s.saveGrantLocked(grant); err != nil {
		return err
	}
	old.RotatedAt = s.now()
	return nil
}

// DeleteAccessToken removes a single access token
func (s *Store) DeleteAccessToken(ctx context.Context, tokenHash string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "delete_access_token", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accessTokens[tokenHash]; !ok {
		return storage.ErrTokenNotFound
	}
	s.deleteAccessTokenLocked(tokenHash)
	return nil
}

// RevokeTokenFamily removes every access and refresh token of the family
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token_family")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_token_family", &err, time.Now())

	if familyID == "" {
		return 0, fmt.Errorf("family ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for hash, token := range s.accessTokens {
		if token.FamilyID == familyID {
			s.deleteAccessTokenLocked(hash)
			revoked++
		}
	}
	for hash, token := range s.refreshTokens {
		if token.FamilyID == familyID {
			s.deleteRefreshTokenLocked(hash)
			revoked++
		}
	}

	s.logger.Debug("Revoked token family", "family_id", familyID, "tokens", revoked)
	return revoked, nil
}

// ============================================================
// TransactionStore Implementation
// ============================================================

// SaveTransaction stores a pending transaction
func (s *Store) SaveTransaction(ctx context.Context, tx *storage.Transaction) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_transaction")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_transaction", &err, time.Now())

	if tx == nil || tx.ID == "" {
		return fmt.Errorf("transaction ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[tx.ID]; exists {
		return fmt.Errorf("%w: transaction", storage.ErrAlreadyExists)
	}
	copied := *tx
	s.transactions[tx.ID] = &copied
	s.transactionsCount.Add(1)
	return nil
}

// TakeTransaction retrieves and deletes a transaction in one step.
// Expired transactions are deleted and reported as not found.
func (s *Store) TakeTransaction(ctx context.Context, transactionID string) (_ *storage.Transaction, err error) {
	ctx, span := s.startStorageSpan(ctx, "take_transaction")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "take_transaction", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[transactionID]
	if !ok {
		return nil, storage.ErrTransactionNotFound
	}
	s.deleteTransactionLocked(transactionID)

	if s.now().After(tx.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", storage.ErrTransactionNotFound)
	}
	return tx, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops expired codes, tokens and transactions
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for hash, code := range s.codes {
		if code.IsExpired(now) {
			s.deleteCodeLocked(hash)
			cleaned++
		}
	}
	for hash, token := range s.accessTokens {
		if token.IsExpired(now) {
			s.deleteAccessTokenLocked(hash)
			cleaned++
		}
	}
	for hash, token := range s.refreshTokens {
		if token.IsExpired(now) {
			s.deleteRefreshTokenLocked(hash)
			cleaned++
		}
	}
	for id, tx := range s.transactions {
		if now.After(tx.ExpiresAt) {
			s.deleteTransactionLocked(id)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// The delete helpers keep the atomic counters in sync. Must be called with write lock held.

func (s *Store) deleteCodeLocked(hash string) {
	delete(s.codes, hash)
	s.codesCount.Add(-1)
}

func (s *Store) deleteAccessTokenLocked(hash string) {
	delete(s.accessTokens, hash)
	s.accessTokensCount.Add(-1)
}

func (s *Store) deleteRefreshTokenLocked(hash string) {
	delete(s.refreshTokens, hash)
	s.refreshTokensCount.Add(-1)
}

func (s *Store) deleteTransactionLocked(id string) {
	delete(s.transactions, id)
	s.transactionsCount.Add(-1)
}

func cloneClient(c *storage.Client) *storage.Client {
	copied := *c
	copied.RedirectURIs = slices.Clone(c.RedirectURIs)
	copied.AllowedScopes = slices.Clone(c.AllowedScopes)
	return &copied
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(instrumentation.StorageAttributes(operation, "memory")...))
}

// recordStorageOperation records metrics for a storage operation and sets span status.
// errp points at the caller's named error result so it can be deferred.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err := *errp; err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
