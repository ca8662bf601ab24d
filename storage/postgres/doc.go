// Package postgres provides a PostgreSQL implementation of storage.Store
// built on pgx.
//
// New applies the embedded schema (CREATE ... IF NOT EXISTS) on start, so an
// empty database is usable immediately. Codes, tokens and transactions
// reference their client with ON DELETE CASCADE, which makes DeleteClient a
// single statement.
//
// Code redemption runs DELETE ... RETURNING and the token INSERTs in one
// transaction. Refresh rotation uses a conditional UPDATE on rotated_at so
// only one concurrent rotation can succeed.
//
//	store, err := postgres.New(ctx, postgres.Config{DSN: os.Getenv("GALLERY_POSTGRES_DSN")})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package postgres
