package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

// DefaultRedisLockoutPrefix namespaces lockout keys in a shared Redis
const DefaultRedisLockoutPrefix = "gallery:lockout:"

// RedisLockout is a FailureTracker shared by every server instance pointing at
// the same Redis. Failure counts live under <prefix>fail:<key> and expire after
// the policy's FailureWindow; an active lock is <prefix>lock:<key> with a PX expiry.
type RedisLockout struct {
	Client *rdb.Client
	Prefix string
	policy LockoutPolicy
}

var _ FailureTracker = (*RedisLockout)(nil)

// NewRedisLockout creates a Redis-backed tracker
func NewRedisLockout(client *rdb.Client, prefix string, policy LockoutPolicy) *RedisLockout {
	if prefix == "" {
		prefix = DefaultRedisLockoutPrefix
	}
	return &RedisLockout{
		Client: client,
		Prefix: prefix,
		policy: policy.WithDefaults(),
	}
}

// Policy returns the effective policy
func (l *RedisLockout) Policy() LockoutPolicy {
	return l.policy
}

func (l *RedisLockout) failKey(key string) string {
	return l.Prefix + "fail:" + strings.ReplaceAll(key, " ", "_")
}

func (l *RedisLockout) lockKey(key string) string {
	return l.Prefix + "lock:" + strings.ReplaceAll(key, " ", "_")
}

// Check implements FailureTracker
func (l *RedisLockout) Check(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := l.Client.PTTL(ctx, l.lockKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("lockout check: %w", err)
	}
	// -2 (missing) and -1 (no expiry) both come back as non-positive durations
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

// RecordFailure implements FailureTracker
func (l *RedisLockout) RecordFailure(ctx context.Context, key string) (time.Duration, error) {
	failKey := l.failKey(key)

	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, failKey)
	pipe.Expire(ctx, failKey, l.policy.FailureWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("lockout record: %w", err)
	}

	delay := l.policy.DelayFor(int(incr.Val()))
	if delay <= 0 {
		return 0, nil
	}
	if err := l.Client.Set(ctx, l.lockKey(key), incr.Val(), delay).Err(); err != nil {
		return 0, fmt.Errorf("lockout set: %w", err)
	}
	return delay, nil
}

// Reset implements FailureTracker
func (l *RedisLockout) Reset(ctx context.Context, key string) error {
	err := l.Client.Del(ctx, l.failKey(key), l.lockKey(key)).Err()
	if err != nil && !errors.Is(err, rdb.Nil) {
		return fmt.Errorf("lockout reset: %w", err)
	}
	return nil
}
