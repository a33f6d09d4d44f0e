package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRequestsPerSecond is the sustained per-address request rate
	DefaultRequestsPerSecond = 10

	// DefaultBurst is the per-address bucket size
	DefaultBurst = 20

	// DefaultMaxLimiterEntries bounds the number of tracked addresses
	DefaultMaxLimiterEntries = 10000

	// DefaultLimiterCleanupInterval is how often idle limiters are dropped
	DefaultLimiterCleanupInterval = 5 * time.Minute

	// DefaultLimiterIdleTimeout is how long an unused limiter is kept
	DefaultLimiterIdleTimeout = 30 * time.Minute
)

// RateLimitConfig configures a RateLimiter
type RateLimitConfig struct {
	// RequestsPerSecond is the token refill rate (default: 10)
	RequestsPerSecond float64

	// Burst is the bucket size (default: 20)
	Burst int

	// MaxEntries caps tracked identifiers; the least recently used is evicted
	// when full (default: 10000)
	MaxEntries int

	// CleanupInterval and IdleTimeout control removal of unused limiters
	CleanupInterval time.Duration
	IdleTimeout     time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Now overrides the clock (tests)
	Now func() time.Time
}

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier rate limiting using token bucket algorithm
// with LRU eviction to prevent unbounded memory growth.
type RateLimiter struct {
	limiters        map[string]*list.Element // identifier -> list element
	lruList         *list.List               // LRU list of *rateLimiterEntry
	mu              sync.Mutex
	limit           rate.Limit
	burst           int
	maxEntries      int
	cleanupInterval time.Duration
	idleTimeout     time.Duration
	logger          *slog.Logger
	now             func() time.Time
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// Statistics
	totalAllowed   int64
	totalRejected  int64
	totalEvictions int64
	totalCleanups  int64
}

// NewRateLimiter creates a rate limiter and starts its cleanup goroutine.
// Call Stop to release it.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxLimiterEntries
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultLimiterCleanupInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultLimiterIdleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		limit:           rate.Limit(cfg.RequestsPerSecond),
		burst:           cfg.Burst,
		maxEntries:      cfg.MaxEntries,
		cleanupInterval: cfg.CleanupInterval,
		idleTimeout:     cfg.IdleTimeout,
		logger:          cfg.Logger,
		now:             cfg.Now,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from identifier may proceed now
func (rl *RateLimiter) Allow(identifier string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	var entry *rateLimiterEntry
	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry = elem.Value.(*rateLimiterEntry)
	} else {
		if len(rl.limiters) >= rl.maxEntries {
			rl.evictLRU()
		}
		entry = &rateLimiterEntry{
			identifier: identifier,
			limiter:    rate.NewLimiter(rl.limit, rl.burst),
		}
		rl.limiters[identifier] = rl.lruList.PushFront(entry)
	}
	entry.lastAccess = now

	if entry.limiter.AllowN(now, 1) {
		rl.totalAllowed++
		return true
	}
	rl.totalRejected++
	return false
}

// evictLRU removes the least recently used entry.
// Must be called with mutex locked.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier", entry.identifier,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters idle for longer than the idle timeout and returns
// how many were removed. The list is ordered by access, so it stops at the
// first recently used entry from the back.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= rl.idleTimeout {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters),
			"total_cleanups", rl.totalCleanups)
	}
	return removed
}

// Len returns the number of tracked identifiers
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// RateLimitStats holds rate limiter statistics for monitoring
type RateLimitStats struct {
	CurrentEntries int
	MaxEntries     int
	TotalAllowed   int64
	TotalRejected  int64
	TotalEvictions int64
	TotalCleanups  int64
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// Stats returns current rate limiter statistics
func (rl *RateLimiter) Stats() RateLimitStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return RateLimitStats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.maxEntries,
		TotalAllowed:   rl.totalAllowed,
		TotalRejected:  rl.totalRejected,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
		MemoryPressure: float64(len(rl.limiters)) / float64(rl.maxEntries) * 100.0,
	}
}
