package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/gallery-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "gallery:"

	// hashLogLength is the number of characters to include when logging token hashes
	hashLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// expiryGrace keeps token keys readable through their final second, so
	// the record (not Valkey) decides whether a token at the boundary is expired.
	expiryGrace = time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "gallery:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Ping reports whether Valkey is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// ============================================================
// Key helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + "user:" + userID
}

func (s *Store) usernameKey(username string) string {
	return s.prefix + "username:" + strings.ToLower(username)
}

func (s *Store) emailKey(email string) string {
	return s.prefix + "email:" + strings.ToLower(email)
}

func (s *Store) codeKey(codeHash string) string {
	return s.prefix + "code:" + codeHash
}

func (s *Store) accessKey(tokenHash string) string {
	return s.prefix + "access:" + tokenHash
}

func (s *Store) refreshKey(tokenHash string) string {
	return s.prefix + "refresh:" + tokenHash
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + "family:" + familyID
}

// clientFamiliesKey indexes the token families issued to a client
func (s *Store) clientFamiliesKey(clientID string) string {
	return s.prefix + "client:families:" + clientID
}

// clientCodesKey indexes the live authorization codes issued to a client
func (s *Store) clientCodesKey(clientID string) string {
	return s.prefix + "client:codes:" + clientID
}

func (s *Store) transactionKey(transactionID string) string {
	return s.prefix + "tx:" + transactionID
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Every write that must not interleave with another request runs as a
// single script. Scripts report outcomes as status strings that the Go
// side maps to storage sentinel errors.

// luaSetIfAbsent stores a value only when the key does not exist yet.
//
// KEYS[1] = key
// ARGV[1] = value, ARGV[2] = TTL in milliseconds (0 for no expiry)
//
// Returns "OK" or "EXISTS".
const luaSetIfAbsent = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'EXISTS'
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
    redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
    redis.call('SET', KEYS[1], ARGV[1])
end
return 'OK'
`

// luaReplaceIfPresent overwrites a key only when it already exists.
//
// KEYS[1] = key
// ARGV[1] = value
//
// Returns "OK" or "NOT_FOUND".
const luaReplaceIfPresent = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'NOT_FOUND'
end
redis.call('SET', KEYS[1], ARGV[1], 'KEEPTTL')
return 'OK'
`

// luaCreateUser stores a user and its username and email indexes in one step.
//
// KEYS[1] = user key, KEYS[2] = username index key, KEYS[3] = email index key
// ARGV[1] = user JSON, ARGV[2] = user ID, ARGV[3] = "1" when the email index is used
//
// Returns "OK" or "EXISTS".
const luaCreateUser = `
local withEmail = ARGV[3] == '1'
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
    return 'EXISTS'
end
if withEmail and redis.call('EXISTS', KEYS[3]) == 1 then
    return 'EXISTS'
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
if withEmail then
    redis.call('SET', KEYS[3], ARGV[2])
end
return 'OK'
`

// luaTake atomically reads and deletes a key. Used for authorization codes
// and transactions, which are single-use.
//
// KEYS[1] = key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - The stored JSON when the record was live
//   - "NOT_FOUND" if the key doesn't exist
//   - "EXPIRED" if now > expires_at (the key is deleted either way)
const luaTake = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])

local record = cjson.decode(data)
local now = tonumber(ARGV[1])
local expiresAt = tonumber(record.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end
return data
`

// luaSaveGrantFunc persists an access token, an optional refresh token, and
// the family and client indexes that revocation walks.
//
// Arguments: access key, refresh key, family key, client families key,
// access JSON, access TTL (s), refresh JSON ("" for none), refresh TTL (s),
// index TTL (s), family ID.
const luaSaveGrantFunc = `
local function save_grant(akey, rkey, fkey, ckey, ajson, attl, rjson, rttl, ittl, fid)
    if redis.call('EXISTS', akey) == 1 then
        return 'EXISTS'
    end
    if rjson ~= '' and redis.call('EXISTS', rkey) == 1 then
        return 'EXISTS'
    end
    redis.call('SET', akey, ajson, 'EX', attl)
    redis.call('SADD', fkey, akey)
    if rjson ~= '' then
        redis.call('SET', rkey, rjson, 'EX', rttl)
        redis.call('SADD', fkey, rkey)
    end
    local ttl = tonumber(ittl)
    if redis.call('TTL', fkey) < ttl then
        redis.call('EXPIRE', fkey, ttl)
    end
    redis.call('SADD', ckey, fid)
    if redis.call('TTL', ckey) < ttl then
        redis.call('EXPIRE', ckey, ttl)
    end
    return 'OK'
end
`

// luaSaveGrant stores a grant.
//
// KEYS[1..4] = access, refresh, family, client families keys
// ARGV[1..6] = access JSON, access TTL, refresh JSON, refresh TTL, index TTL, family ID
//
// Returns "OK" or "EXISTS".
const luaSaveGrant = luaSaveGrantFunc + `
return save_grant(KEYS[1], KEYS[2], KEYS[3], KEYS[4], ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6])
`

// luaRotateRefresh marks a refresh token as rotated and stores its successor
// grant. Only one concurrent caller can rotate a given token.
//
// KEYS[1..4] = as luaSaveGrant, KEYS[5] = old refresh token key
// ARGV[1..6] = as luaSaveGrant, ARGV[7] = rotation Unix timestamp
//
// Returns "OK", "NOT_FOUND", "ROTATED" or "EXISTS".
const luaRotateRefresh = luaSaveGrantFunc + `
local old = redis.call('GET', KEYS[5])
if not old then
    return 'NOT_FOUND'
end
local record = cjson.decode(old)
if record.rotated_at and tonumber(record.rotated_at) > 0 then
    return 'ROTATED'
end
local result = save_grant(KEYS[1], KEYS[2], KEYS[3], KEYS[4], ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6])
if result ~= 'OK' then
    return result
end
record.rotated_at = tonumber(ARGV[7])
redis.call('SET', KEYS[5], cjson.encode(record), 'KEEPTTL')
return 'OK'
`

// luaRevokeFamily deletes every token key indexed under a family.
//
// KEYS[1] = family key
//
// Returns the number of token keys deleted.
const luaRevokeFamily = `
local members = redis.call('SMEMBERS', KEYS[1])
local removed = 0
for _, key in ipairs(members) do
    removed = removed + redis.call('DEL', key)
end
redis.call('DEL', KEYS[1])
return removed
`

// luaDeleteAccessToken removes an access token and its family index entry.
//
// KEYS[1] = access key
// ARGV[1] = family key prefix
//
// Returns 1 when deleted, 0 when absent.
const luaDeleteAccessToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local record = cjson.decode(data)
if record.family_id and record.family_id ~= '' then
    redis.call('SREM', ARGV[1] .. record.family_id, KEYS[1])
end
return redis.call('DEL', KEYS[1])
`

// eval runs a script and returns its status string reply.
func (s *Store) eval(ctx context.Context, script string, keys []string, args ...string) (string, error) {
	cmd := s.client.B().Eval().Script(script).Numkeys(int64(len(keys))).Key(keys...).Arg(args...).Build()
	return s.client.Do(ctx, cmd).ToString()
}

// ============================================================
// JSON Serialization Helpers
// ============================================================

type clientJSON struct {
	ClientID      string   `json:"client_id"`
	Name          string   `json:"name"`
	SecretHash    string   `json:"secret_hash"`
	Trusted       bool     `json:"trusted"`
	RedirectURIs  []string `json:"redirect_uris"`
	AllowedScopes []string `json:"allowed_scopes"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:      client.ClientID,
		Name:          client.Name,
		SecretHash:    client.SecretHash,
		Trusted:       client.Trusted,
		RedirectURIs:  client.RedirectURIs,
		AllowedScopes: client.AllowedScopes,
		CreatedAt:     client.CreatedAt.Unix(),
		UpdatedAt:     client.UpdatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:      j.ClientID,
		Name:          j.Name,
		SecretHash:    j.SecretHash,
		Trusted:       j.Trusted,
		RedirectURIs:  j.RedirectURIs,
		AllowedScopes: j.AllowedScopes,
		CreatedAt:     time.Unix(j.CreatedAt, 0),
		UpdatedAt:     time.Unix(j.UpdatedAt, 0),
	}
}

type userJSON struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email,omitempty"`
	PasswordHash string `json:"password_hash"`
	CreatedAt    int64  `json:"created_at"`
}

func toUserJSON(user *storage.User) *userJSON {
	return &userJSON{
		ID:           user.ID,
		Username:     user.Username,
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt.Unix(),
	}
}

func fromUserJSON(j *userJSON) *storage.User {
	return &storage.User{
		ID:           j.ID,
		Username:     j.Username,
		Email:        j.Email,
		PasswordHash: j.PasswordHash,
		CreatedAt:    time.Unix(j.CreatedAt, 0),
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	CodeHash    string `json:"code_hash"`
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	RedirectURI string `json:"redirect_uri"`
	// RedirectURIDefaulted is stored inverted so records without it stay strict
	RedirectURIDefaulted bool   `json:"redirect_uri_defaulted,omitempty"`
	Scope                string `json:"scope"`
	CreatedAt            int64  `json:"created_at"`
	ExpiresAt            int64  `json:"expires_at"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		CodeHash:    code.CodeHash,
		ClientID:    code.ClientID,
		UserID:      code.UserID,
		RedirectURI: code.RedirectURI,
		Scope:       code.Scope,
		CreatedAt:   code.CreatedAt.Unix(),
		ExpiresAt:   code.ExpiresAt.Unix(),

		RedirectURIDefaulted: !code.RedirectURIProvided,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		CodeHash:    j.CodeHash,
		ClientID:    j.ClientID,
		UserID:      j.UserID,
		RedirectURI: j.RedirectURI,
		Scope:       j.Scope,
		CreatedAt:   time.Unix(j.CreatedAt, 0),
		ExpiresAt:   time.Unix(j.ExpiresAt, 0),

		RedirectURIProvided: !j.RedirectURIDefaulted,
	}
}

// tokenJSON is shared by access and refresh tokens; RotatedAt is 0 for access tokens
type tokenJSON struct {
	TokenHash string `json:"token_hash"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	Scope     string `json:"scope"`
	FamilyID  string `json:"family_id"`
	CreatedAt int64  `json:"created_at"`
	ExpiresIn int64  `json:"expires_in"`
	RotatedAt int64  `json:"rotated_at"`
}

func toTokenJSON(rec *storage.TokenRecord, rotatedAt time.Time) *tokenJSON {
	j := &tokenJSON{
		TokenHash: rec.TokenHash,
		ClientID:  rec.ClientID,
		UserID:    rec.UserID,
		Scope:     rec.Scope,
		FamilyID:  rec.FamilyID,
		CreatedAt: rec.CreatedAt.Unix(),
		ExpiresIn: rec.ExpiresIn,
	}
	if !rotatedAt.IsZero() {
		j.RotatedAt = rotatedAt.Unix()
	}
	return j
}

func (j *tokenJSON) record() storage.TokenRecord {
	return storage.TokenRecord{
		TokenHash: j.TokenHash,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scope:     j.Scope,
		FamilyID:  j.FamilyID,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresIn: j.ExpiresIn,
	}
}

func fromAccessTokenJSON(j *tokenJSON) *storage.AccessToken {
	return &storage.AccessToken{TokenRecord: j.record()}
}

func fromRefreshTokenJSON(j *tokenJSON) *storage.RefreshToken {
	t := &storage.RefreshToken{TokenRecord: j.record()}
	if j.RotatedAt > 0 {
		t.RotatedAt = time.Unix(j.RotatedAt, 0)
	}
	return t
}

type transactionJSON struct {
	ID          string `json:"id"`
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	RedirectURI string `json:"redirect_uri"`
	// RedirectURIDefaulted mirrors authorizationCodeJSON
	RedirectURIDefaulted bool   `json:"redirect_uri_defaulted,omitempty"`
	Scope                string `json:"scope"`
	State                string `json:"state"`
	Status               string `json:"status"`
	CreatedAt            int64  `json:"created_at"`
	ExpiresAt            int64  `json:"expires_at"`
}

func toTransactionJSON(tx *storage.Transaction) *transactionJSON {
	return &transactionJSON{
		ID:          tx.ID,
		ClientID:    tx.ClientID,
		UserID:      tx.UserID,
		RedirectURI: tx.RedirectURI,
		Scope:       tx.Scope,
		State:       tx.State,
		Status:      string(tx.Status),
		CreatedAt:   tx.CreatedAt.Unix(),
		ExpiresAt:   tx.ExpiresAt.Unix(),

		RedirectURIDefaulted: !tx.RedirectURIProvided,
	}
}

func fromTransactionJSON(j *transactionJSON) *storage.Transaction {
	return &storage.Transaction{
		ID:          j.ID,
		ClientID:    j.ClientID,
		UserID:      j.UserID,
		RedirectURI: j.RedirectURI,
		Scope:       j.Scope,
		State:       j.State,
		Status:      storage.TransactionStatus(j.Status),
		CreatedAt:   time.Unix(j.CreatedAt, 0),
		ExpiresAt:   time.Unix(j.ExpiresAt, 0),

		RedirectURIProvided: !j.RedirectURIDefaulted,
	}
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal is a generic helper for fetching a key from Valkey,
// unmarshalling the JSON data, and converting to the target type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time.
// Records that are already past their expiry still get a short TTL, so that
// a redemption attempt can report them as expired instead of unknown.
func (s *Store) calculateTTL(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.now())
	if ttl < expiryGrace {
		return expiryGrace
	}
	return ttl
}

// millis formats a duration as a decimal millisecond count for script arguments
func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// seconds formats a duration as whole seconds, rounding up
func seconds(d time.Duration) string {
	return strconv.FormatInt(int64((d+time.Second-1)/time.Second), 10)
}
