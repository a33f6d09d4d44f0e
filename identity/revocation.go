package identity

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/authgate/internal/util"
)

const (
	// DefaultRevocationMaxEntries bounds the local revocation set
	DefaultRevocationMaxEntries = 100000

	// DefaultRevocationRetention is how long a revocation is kept when the
	// token's own expiry is unknown
	DefaultRevocationRetention = 24 * time.Hour

	// DefaultRevocationCleanupInterval is how often expired revocations are dropped
	DefaultRevocationCleanupInterval = time.Minute
)

// RevocationConfig configures a RevocationSet
type RevocationConfig struct {
	// MaxEntries caps the set (default: DefaultRevocationMaxEntries).
	// When full, the revocation closest to its deadline is evicted.
	MaxEntries int

	// DefaultRetention applies when no deadline is known (default: DefaultRevocationRetention)
	DefaultRetention time.Duration

	// CleanupInterval controls the background cleanup ticker (default: DefaultRevocationCleanupInterval)
	CleanupInterval time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Now overrides the clock (tests)
	Now func() time.Time
}

type revocationEntry struct {
	token string
	until time.Time
	index int
}

// revocationHeap is a min-heap of entries ordered by deadline
type revocationHeap []*revocationEntry

func (h revocationHeap) Len() int           { return len(h) }
func (h revocationHeap) Less(i, j int) bool { return h[i].until.Before(h[j].until) }
func (h revocationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *revocationHeap) Push(x any) {
	e := x.(*revocationEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *revocationHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// RevocationSet holds revoked tokens until their deadline.
// A revoked token stays rejected for the life of its entry; entries are never
// dropped wholesale, only one at a time in deadline order.
type RevocationSet struct {
	mu               sync.Mutex
	entries          map[string]*revocationEntry
	byDeadline       revocationHeap
	maxEntries       int
	defaultRetention time.Duration
	cleanupInterval  time.Duration
	logger           *slog.Logger
	now              func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once

	// Statistics
	totalRevocations int64
	totalEvictions   int64
	totalExpired     int64
}

// RevocationStats holds revocation set statistics for monitoring
type RevocationStats struct {
	CurrentEntries   int
	MaxEntries       int
	TotalRevocations int64
	TotalEvictions   int64 // entries dropped early because the set was full
	TotalExpired     int64 // entries dropped after their deadline
}

// NewRevocationSet creates a revocation set and starts its cleanup goroutine.
// Call Stop to release it.
func NewRevocationSet(cfg RevocationConfig) *RevocationSet {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultRevocationMaxEntries
	}
	if cfg.DefaultRetention <= 0 {
		cfg.DefaultRetention = DefaultRevocationRetention
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRevocationCleanupInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	rs := &RevocationSet{
		entries:          make(map[string]*revocationEntry),
		maxEntries:       cfg.MaxEntries,
		defaultRetention: cfg.DefaultRetention,
		cleanupInterval:  cfg.CleanupInterval,
		logger:           cfg.Logger,
		now:              cfg.Now,
		stopCleanup:      make(chan struct{}),
	}

	go rs.cleanupLoop()

	return rs
}

// Revoke revokes token for the default retention period. Idempotent.
func (rs *RevocationSet) Revoke(token string) {
	rs.RevokeUntil(token, time.Time{})
}

// RevokeUntil revokes token until the given deadline. A zero or past deadline
// falls back to the default retention. Revoking again never shortens an
// existing deadline.
func (rs *RevocationSet) RevokeUntil(token string, until time.Time) {
	if token == "" {
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := rs.now()
	if !until.After(now) {
		until = now.Add(rs.defaultRetention)
	}

	if e, ok := rs.entries[token]; ok {
		if until.After(e.until) {
			e.until = until
			heap.Fix(&rs.byDeadline, e.index)
		}
		return
	}

	if len(rs.entries) >= rs.maxEntries {
		rs.removeExpiredLocked(now)
	}
	if len(rs.entries) >= rs.maxEntries {
		rs.evictLocked()
	}

	e := &revocationEntry{token: token, until: until}
	heap.Push(&rs.byDeadline, e)
	rs.entries[token] = e
	rs.totalRevocations++

	rs.logger.Debug("Token revoked",
		"token_prefix", util.SafeTruncate(token, 8),
		"until", until,
		"current_entries", len(rs.entries))
}

// IsRevoked reports whether token is revoked. Entries past their deadline are
// removed on read.
func (rs *RevocationSet) IsRevoked(token string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	e, ok := rs.entries[token]
	if !ok {
		return false
	}
	if rs.now().Before(e.until) {
		return true
	}

	heap.Remove(&rs.byDeadline, e.index)
	delete(rs.entries, token)
	rs.totalExpired++
	return false
}

// Len returns the number of revocations held
func (rs *RevocationSet) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.entries)
}

// Cleanup removes revocations past their deadline and returns how many were removed
func (rs *RevocationSet) Cleanup() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	removed := rs.removeExpiredLocked(rs.now())
	if removed > 0 {
		rs.logger.Debug("Revocation cleanup completed",
			"removed", removed,
			"remaining", len(rs.entries))
	}
	return removed
}

// removeExpiredLocked pops entries whose deadline has passed. Must be called with mutex locked.
func (rs *RevocationSet) removeExpiredLocked(now time.Time) int {
	removed := 0
	for len(rs.byDeadline) > 0 && !now.Before(rs.byDeadline[0].until) {
		e := heap.Pop(&rs.byDeadline).(*revocationEntry)
		delete(rs.entries, e.token)
		removed++
	}
	rs.totalExpired += int64(removed)
	return removed
}

// evictLocked drops the entry closest to its deadline. Must be called with mutex locked.
func (rs *RevocationSet) evictLocked() {
	if len(rs.byDeadline) == 0 {
		return
	}
	e := heap.Pop(&rs.byDeadline).(*revocationEntry)
	delete(rs.entries, e.token)
	rs.totalEvictions++

	rs.logger.Warn("Revocation set full, evicted entry closest to its deadline",
		"token_prefix", util.SafeTruncate(e.token, 8),
		"until", e.until,
		"max_entries", rs.maxEntries,
		"total_evictions", rs.totalEvictions)
}

func (rs *RevocationSet) cleanupLoop() {
	ticker := time.NewTicker(rs.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rs.Cleanup()
		case <-rs.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rs *RevocationSet) Stop() {
	rs.stopOnce.Do(func() {
		close(rs.stopCleanup)
	})
}

// Stats returns current revocation set statistics
func (rs *RevocationSet) Stats() RevocationStats {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return RevocationStats{
		CurrentEntries:   len(rs.entries),
		MaxEntries:       rs.maxEntries,
		TotalRevocations: rs.totalRevocations,
		TotalEvictions:   rs.totalEvictions,
		TotalExpired:     rs.totalExpired,
	}
}
