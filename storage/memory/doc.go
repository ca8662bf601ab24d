// Package memory provides an in-memory implementation of storage.Store.
//
// Maps guarded by a sync.RWMutex hold clients, users, hashed codes and tokens,
// and pending authorization transactions. A background goroutine drops expired
// entries every cleanup interval. Code redemption deletes the code and writes
// the minted tokens under one write lock, so concurrent redemptions of the same
// code cannot both succeed.
//
// State is lost on restart. Use storage/postgres or storage/valkey when the
// server must survive restarts or run as several instances.
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, server.DefaultConfig(), logger)
package memory
