package security

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultLockoutThreshold is the number of consecutive failures before a key is locked
	DefaultLockoutThreshold = 5

	// DefaultLockoutBaseDelay is the lock duration applied at the threshold
	DefaultLockoutBaseDelay = time.Second

	// DefaultLockoutMaxDelay caps the exponential growth of the lock duration
	DefaultLockoutMaxDelay = 15 * time.Minute

	// DefaultLockoutFailureWindow is how long a failure streak is remembered without new failures
	DefaultLockoutFailureWindow = time.Hour

	// DefaultLockoutCleanupInterval is how often the in-memory tracker drops idle entries
	DefaultLockoutCleanupInterval = 5 * time.Minute

	// DefaultMaxLockoutEntries is the maximum number of keys tracked in memory
	DefaultMaxLockoutEntries = 10000

	// maxBackoffExponent keeps the shift in DelayFor from overflowing
	maxBackoffExponent = 30
)

// LockoutPolicy describes the exponential backoff applied to repeated failures.
type LockoutPolicy struct {
	Threshold     int           // failures before the first lock
	BaseDelay     time.Duration // lock at the threshold
	MaxDelay      time.Duration // upper bound for a single lock
	FailureWindow time.Duration // a streak older than this is forgotten
}

// DefaultLockoutPolicy returns the policy used when none is configured
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		Threshold:     DefaultLockoutThreshold,
		BaseDelay:     DefaultLockoutBaseDelay,
		MaxDelay:      DefaultLockoutMaxDelay,
		FailureWindow: DefaultLockoutFailureWindow,
	}
}

// WithDefaults fills zero fields from DefaultLockoutPolicy and raises
// MaxDelay to at least BaseDelay
func (p LockoutPolicy) WithDefaults() LockoutPolicy {
	d := DefaultLockoutPolicy()
	if p.Threshold <= 0 {
		p.Threshold = d.Threshold
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.FailureWindow <= 0 {
		p.FailureWindow = d.FailureWindow
	}
	return p
}

// DelayFor returns the lock duration after the given number of consecutive failures:
// zero below the threshold, then BaseDelay * 2^(failures-Threshold) capped at MaxDelay.
func (p LockoutPolicy) DelayFor(failures int) time.Duration {
	if failures < p.Threshold {
		return 0
	}
	exp := failures - p.Threshold
	if exp > maxBackoffExponent {
		return p.MaxDelay
	}
	delay := p.BaseDelay << uint(exp)
	if delay <= 0 || delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// FailureTracker counts consecutive failures per key and enforces lockouts.
// Keys are opaque; the server uses client ID plus source IP.
type FailureTracker interface {
	// Check returns the remaining lock duration for key, or zero if not locked
	Check(ctx context.Context, key string) (time.Duration, error)

	// RecordFailure counts a failure and returns the lock now in effect (zero if none)
	RecordFailure(ctx context.Context, key string) (time.Duration, error)

	// Reset clears the failure streak after a success
	Reset(ctx context.Context, key string) error
}

// lockoutEntry tracks the failure streak of a key
type lockoutEntry struct {
	key         string
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// Lockout is an in-process FailureTracker with LRU eviction to prevent
// unbounded memory growth. Use RedisLockout when several instances share traffic.
type Lockout struct {
	entries         map[string]*list.Element // key -> list element
	lruList         *list.List               // LRU list of *lockoutEntry
	mu              sync.Mutex
	policy          LockoutPolicy
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time

	// Statistics
	totalLockouts  int64
	totalEvictions int64
}

var _ FailureTracker = (*Lockout)(nil)

// NewLockout creates an in-memory lockout tracker with automatic cleanup
func NewLockout(policy LockoutPolicy, logger *slog.Logger) *Lockout {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Lockout{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		policy:          policy.WithDefaults(),
		maxEntries:      DefaultMaxLockoutEntries,
		logger:          logger,
		cleanupInterval: DefaultLockoutCleanupInterval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}

	go l.cleanupLoop()

	return l
}

// Policy returns the effective policy
func (l *Lockout) Policy() LockoutPolicy {
	return l.policy
}

// Check implements FailureTracker
func (l *Lockout) Check(_ context.Context, key string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.entries[key]
	if !ok {
		return 0, nil
	}
	entry := elem.Value.(*lockoutEntry)
	if remaining := entry.lockedUntil.Sub(l.now()); remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// RecordFailure implements FailureTracker
func (l *Lockout) RecordFailure(_ context.Context, key string) (time.Duration, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var entry *lockoutEntry
	if elem, ok := l.entries[key]; ok {
		l.lruList.MoveToFront(elem)
		entry = elem.Value.(*lockoutEntry)
		if now.Sub(entry.lastFailure) > l.policy.FailureWindow {
			entry.failures = 0
		}
	} else {
		if l.maxEntries > 0 && len(l.entries) >= l.maxEntries {
			l.evictLRU()
		}
		entry = &lockoutEntry{key: key}
		l.entries[key] = l.lruList.PushFront(entry)
	}

	entry.failures++
	entry.lastFailure = now

	delay := l.policy.DelayFor(entry.failures)
	if delay > 0 {
		entry.lockedUntil = now.Add(delay)
		l.totalLockouts++
		l.logger.Warn("Lockout applied after repeated failures",
			"failures", entry.failures,
			"lock_duration", delay,
			"total_lockouts", l.totalLockouts)
	}
	return delay, nil
}

// Reset implements FailureTracker
func (l *Lockout) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.entries[key]; ok {
		l.lruList.Remove(elem)
		delete(l.entries, key)
	}
	return nil
}

// evictLRU removes the least recently used entry that is not currently locked,
// or the least recently used entry of all when every entry is locked.
// Must be called with mutex locked
func (l *Lockout) evictLRU() {
	victim := l.lruList.Back()
	if victim == nil {
		return
	}
	now := l.now()
	for elem := victim; elem != nil; elem = elem.Prev() {
		if !elem.Value.(*lockoutEntry).lockedUntil.After(now) {
			victim = elem
			break
		}
	}

	entry := victim.Value.(*lockoutEntry)
	if entry.lockedUntil.After(now) {
		l.logger.Warn("Lockout table full of locked entries, evicting oldest",
			"max_entries", l.maxEntries)
	}
	delete(l.entries, entry.key)
	l.lruList.Remove(victim)
	l.totalEvictions++
}

// cleanupLoop periodically removes idle entries to prevent memory leaks
func (l *Lockout) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries whose streak has lapsed and whose lock has expired
func (l *Lockout) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0

	var next *list.Element
	for elem := l.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*lockoutEntry)

		if now.Sub(entry.lastFailure) > l.policy.FailureWindow && !entry.lockedUntil.After(now) {
			delete(l.entries, entry.key)
			l.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("Lockout cleanup completed",
			"removed", removed,
			"remaining", len(l.entries))
	}
}

// Stop gracefully stops the cleanup goroutine.
// Safe to call multiple times
func (l *Lockout) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCleanup)
	})
}

// LockoutStats holds lockout statistics for monitoring
type LockoutStats struct {
	CurrentEntries int
	LockedEntries  int
	TotalLockouts  int64
	TotalEvictions int64
}

// GetStats returns current lockout statistics
func (l *Lockout) GetStats() LockoutStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stats := LockoutStats{
		CurrentEntries: len(l.entries),
		TotalLockouts:  l.totalLockouts,
		TotalEvictions: l.totalEvictions,
	}
	for _, elem := range l.entries {
		if elem.Value.(*lockoutEntry).lockedUntil.After(now) {
			stats.LockedEntries++
		}
	}
	return stats
}
