// Package security holds the protective building blocks of the authorization
// server: client lockout, per-IP rate limiting, secret hashing, audit logging,
// response headers, request IDs and client IP resolution.
//
// # Lockout
//
// A FailureTracker counts consecutive client authentication failures per key
// (client ID plus source IP). Once the count reaches the policy threshold the
// key is locked for BaseDelay, doubling with every further failure up to
// MaxDelay. A success resets the streak.
//
//	tracker := security.NewLockout(security.DefaultLockoutPolicy(), logger)
//	defer tracker.Stop()
//
// Lockout keeps state in process; RedisLockout shares it between instances:
//
//	tracker := security.NewRedisLockout(redisClient, "gallery:lockout:", policy)
//
// # Rate limiting
//
// RateLimiter is a token bucket per identifier. Idle buckets expire from a
// go-cache; past DefaultMaxRateLimitEntries identifiers, newcomers share one
// overflow bucket. GetStats reports rejections and overflow.
//
//	limiter := security.NewRateLimiter("login", 10, 5, logger)
//	if ok, retry := limiter.AllowWithRetry(ip); !ok {
//	    w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
//	}
//
// # Audit
//
// Auditor writes security_audit records. User IDs are hashed; codes, tokens and
// secrets are never passed in.
package security
