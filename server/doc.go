// Package server implements the authorization server core.
//
// A Server authenticates clients by shared secret (with lockout after
// repeated failures), runs the authorization decision for a logged-in user,
// issues single-use authorization codes, exchanges codes and refresh tokens
// for access tokens, and resolves bearer tokens to a Principal. It holds no
// HTTP code; the root package maps its errors to OAuth responses.
//
// Codes and tokens are 256-bit random values. Only their SHA-256 hashes reach
// the store, and a code is consumed and its tokens written in one store
// operation, so a code can be redeemed at most once.
//
// Errors match one of the sentinels in errors.go via errors.Is:
//
//	tok, scope, err := srv.ExchangeCode(ctx, client, code, redirectURI)
//	switch {
//	case errors.Is(err, server.ErrInvalidGrant):
//	    // 400 invalid_grant
//	case errors.Is(err, server.ErrStore):
//	    // 500 server_error
//	}
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, &server.Config{
//	    Issuer:              "https://auth.example.com",
//	    RotateRefreshTokens: true,
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop()
package server
