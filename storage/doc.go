// Package storage defines the credential store used by the authorization server.
//
// The storage package holds the persisted records of the server and the interfaces
// backends implement:
//   - ClientStore: registered OAuth clients
//   - UserStore: resource owners that log in and approve grants
//   - GrantStore: authorization codes, access tokens and refresh tokens
//   - TransactionStore: pending authorization decisions
//
// Codes and tokens are never persisted in clear text. Callers hash the presented
// value with HashToken and all lookups are exact matches on that hash.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single instances
//   - storage/postgres: PostgreSQL storage using pgx
//   - storage/valkey: Valkey/Redis-compatible distributed storage
package storage
