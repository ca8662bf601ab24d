package security

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxRateLimitEntries bounds the number of identifiers tracked
	DefaultMaxRateLimitEntries = 10000

	// rateLimiterIdleTimeout is how long an unused bucket is kept
	rateLimiterIdleTimeout = 30 * time.Minute

	rateLimiterSweepInterval = 5 * time.Minute
)

// RateLimiter is a per-identifier token bucket. The handler keys it by
// client IP for /login and /token. Buckets live in a go-cache and expire
// after rateLimiterIdleTimeout without use.
//
// Once maxEntries identifiers are tracked, new identifiers share a single
// overflow bucket until idle ones expire, so a flood of source addresses
// cannot grow memory or reset anyone's budget.
type RateLimiter struct {
	name       string
	buckets    *cache.Cache
	overflow   *rate.Limiter
	mu         sync.Mutex // serialises bucket creation
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once

	rejected   atomic.Int64
	overflowed atomic.Int64
	sweeps     atomic.Int64
}

// NewRateLimiter allows requestsPerMinute sustained requests per identifier
// with the given burst. name labels log lines and metrics.
func NewRateLimiter(name string, requestsPerMinute, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(name, requestsPerMinute, burst, DefaultMaxRateLimitEntries, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with a custom bound on tracked
// identifiers; 0 means unbounded.
func NewRateLimiterWithConfig(name string, requestsPerMinute, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
		maxEntries = DefaultMaxRateLimitEntries
	}
	burst = max(burst, 1)
	limit := rate.Limit(float64(requestsPerMinute) / 60.0)

	rl := &RateLimiter{
		name:       name,
		buckets:    cache.New(rateLimiterIdleTimeout, cache.NoExpiration),
		overflow:   rate.NewLimiter(limit, burst),
		limit:      limit,
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger.With("limiter", name),
		stop:       make(chan struct{}),
	}
	go rl.sweepLoop(rateLimiterSweepInterval)
	return rl
}

// Name returns the label given to NewRateLimiter
func (rl *RateLimiter) Name() string {
	return rl.name
}

// Allow reports whether identifier may make a request now, consuming a token if so
func (rl *RateLimiter) Allow(identifier string) bool {
	ok, _ := rl.AllowWithRetry(identifier)
	return ok
}

// AllowWithRetry is Allow plus, on rejection, the wait before the next token.
// The wait is rounded up to whole seconds for the Retry-After header.
func (rl *RateLimiter) AllowWithRetry(identifier string) (bool, time.Duration) {
	if rl.bucket(identifier).Allow() {
		return true, 0
	}
	rl.rejected.Add(1)
	if rl.limit <= 0 {
		return false, time.Second
	}
	return false, time.Duration(math.Ceil(1/float64(rl.limit))) * time.Second
}

// bucket returns identifier's limiter and pushes its expiry forward
func (rl *RateLimiter) bucket(identifier string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, ok := rl.buckets.Get(identifier); ok {
		lim := v.(*rate.Limiter)
		rl.buckets.SetDefault(identifier, lim)
		return lim
	}

	if rl.maxEntries > 0 && rl.buckets.ItemCount() >= rl.maxEntries {
		rl.buckets.DeleteExpired()
		if rl.buckets.ItemCount() >= rl.maxEntries {
			if rl.overflowed.Add(1) == 1 {
				rl.logger.Warn("Rate limiter full, sharing overflow bucket", "max_entries", rl.maxEntries)
			}
			return rl.overflow
		}
	}

	lim := rate.NewLimiter(rl.limit, rl.burst)
	rl.buckets.SetDefault(identifier, lim)
	return lim
}

func (rl *RateLimiter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Sweep()
		case <-rl.stop:
			return
		}
	}
}

// Sweep drops buckets that have been idle past their expiry
func (rl *RateLimiter) Sweep() {
	before := rl.buckets.ItemCount()
	rl.buckets.DeleteExpired()
	rl.sweeps.Add(1)
	if removed := before - rl.buckets.ItemCount(); removed > 0 {
		rl.logger.Debug("Rate limiter sweep", "removed", removed, "remaining", rl.buckets.ItemCount())
	}
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Stats is a point-in-time view for debugging and tests
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalRejected  int64
	// TotalOverflowed counts requests served from the shared overflow bucket
	TotalOverflowed int64
	TotalSweeps     int64
}

func (rl *RateLimiter) GetStats() Stats {
	return Stats{
		CurrentEntries:  rl.buckets.ItemCount(),
		MaxEntries:      rl.maxEntries,
		TotalRejected:   rl.rejected.Load(),
		TotalOverflowed: rl.overflowed.Load(),
		TotalSweeps:     rl.sweeps.Load(),
	}
}
