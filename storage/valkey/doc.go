// Package valkey provides a Valkey storage backend for the gallery OAuth server.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// The Store type implements [storage.Store], so several server instances can
// share clients, codes and tokens.
//
// # Key Schema
//
// All keys use a configurable prefix (default "gallery:"). Codes and tokens
// are only ever stored under their SHA-256 hash:
//
//	{prefix}client:{clientID}            -> JSON(Client)
//	{prefix}client:families:{clientID}   -> SET of family IDs
//	{prefix}client:codes:{clientID}      -> SET of code hashes
//	{prefix}user:{userID}                -> JSON(User)
//	{prefix}username:{lower(username)}   -> userID
//	{prefix}email:{lower(email)}         -> userID
//	{prefix}code:{hash}                  -> JSON(AuthorizationCode), TTL = code lifetime
//	{prefix}access:{hash}                -> JSON(token), TTL = token lifetime + 1s
//	{prefix}refresh:{hash}               -> JSON(token), TTL = token lifetime + 1s
//	{prefix}family:{familyID}            -> SET of token keys
//	{prefix}tx:{transactionID}           -> JSON(Transaction), TTL = transaction lifetime
//
// # Atomic Operations
//
// Authorization code redemption, refresh token rotation, family revocation and
// transaction decisions each run as a single Lua script. Code redemption takes
// (reads and deletes) the code in one script before the grant is minted, so at
// most one concurrent redemption can ever see the code.
//
// The scripts touch keys that are not declared up front (family members), so
// the store targets a single Valkey primary rather than a cluster.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{
//		Address:   "localhost:6379",
//		KeyPrefix: "gallery:",
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package valkey
