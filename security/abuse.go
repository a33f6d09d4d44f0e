package security

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/authgate/instrumentation"
)

const (
	// DefaultAbuseThreshold is how many in-window failures an address may
	// accumulate before it is blocked (blocked once the count exceeds it)
	DefaultAbuseThreshold = 100

	// DefaultAbuseWindow is the trailing window failures are counted in
	DefaultAbuseWindow = time.Hour

	// DefaultBlockDuration is how long a block lasts
	DefaultBlockDuration = 24 * time.Hour

	// PermanentBlock as BlockDuration keeps blocks until Unblock or restart
	PermanentBlock time.Duration = -1

	// DefaultAbuseSweepInterval is how often the full-table sweep runs
	DefaultAbuseSweepInterval = 5 * time.Minute

	// DefaultMaxAbuseAddresses bounds the number of addresses with recorded failures
	DefaultMaxAbuseAddresses = 100000
)

// AddressStatus is the position of an address in the abuse state machine
type AddressStatus string

const (
	// StatusClean means no failures are recorded in the window
	StatusClean AddressStatus = "clean"

	// StatusFlagged means failures are accumulating but the threshold is not exceeded
	StatusFlagged AddressStatus = "flagged"

	// StatusBlocked means requests from the address are refused
	StatusBlocked AddressStatus = "blocked"
)

// AddressState is a snapshot of one address
type AddressState struct {
	Status   AddressStatus
	Attempts int // in-window failures, 0 once blocked

	// BlockedUntil is zero for permanent blocks and for unblocked addresses
	BlockedUntil time.Time
}

// AbuseConfig configures an AbuseTracker
type AbuseConfig struct {
	// Threshold is the number of in-window failures tolerated (default: 100)
	Threshold int

	// Window is the trailing failure window (default: 1h)
	Window time.Duration

	// BlockDuration is how long a block lasts (default: 24h, PermanentBlock for no expiry)
	BlockDuration time.Duration

	// SweepInterval controls the background sweep (default: 5m)
	SweepInterval time.Duration

	// MaxAddresses caps tracked and blocked addresses each (default: 100000)
	MaxAddresses int

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Now overrides the clock (tests)
	Now func() time.Time
}

// abuseRecord tracks failure timestamps for an unblocked address
type abuseRecord struct {
	addr     string
	attempts []time.Time // oldest first
}

// AbuseTracker counts failures per source address in a sliding window and
// blocks addresses that exceed the threshold.
//
// Unblocked records live in an LRU list bounded by MaxAddresses. Blocks are kept
// apart from it so that a flood of fresh addresses can never evict a block.
type AbuseTracker struct {
	mu      sync.Mutex
	records map[string]*list.Element // address -> element holding *abuseRecord
	lruList *list.List
	blocks  map[string]time.Time // address -> until (zero = permanent)

	threshold     int
	window        time.Duration
	blockDuration time.Duration
	sweepInterval time.Duration
	maxAddresses  int
	logger        *slog.Logger
	now           func() time.Time

	instrumentation *instrumentation.Instrumentation

	stopCleanup chan struct{}
	stopOnce    sync.Once

	// Statistics
	totalFailures  int64
	totalBlocks    int64
	totalReleases  int64
	totalEvictions int64
}

// AbuseStats holds abuse tracker statistics for monitoring
type AbuseStats struct {
	TrackedAddresses int
	BlockedAddresses int
	MaxAddresses     int
	TotalFailures    int64
	TotalBlocks      int64
	TotalReleases    int64 // blocks lifted by expiry or Unblock
	TotalEvictions   int64 // unblocked records dropped because the table was full
}

// NewAbuseTracker creates an abuse tracker and starts its sweep goroutine.
// Call Stop to release it.
func NewAbuseTracker(cfg AbuseConfig) *AbuseTracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultAbuseThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultAbuseWindow
	}
	if cfg.BlockDuration == 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultAbuseSweepInterval
	}
	if cfg.MaxAddresses <= 0 {
		cfg.MaxAddresses = DefaultMaxAbuseAddresses
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	at := &AbuseTracker{
		records:       make(map[string]*list.Element),
		lruList:       list.New(),
		blocks:        make(map[string]time.Time),
		threshold:     cfg.Threshold,
		window:        cfg.Window,
		blockDuration: cfg.BlockDuration,
		sweepInterval: cfg.SweepInterval,
		maxAddresses:  cfg.MaxAddresses,
		logger:        cfg.Logger,
		now:           cfg.Now,
		stopCleanup:   make(chan struct{}),
	}

	go at.cleanupLoop()

	cfg.Logger.Info("Abuse tracker initialized",
		"threshold", cfg.Threshold,
		"window", cfg.Window,
		"block_duration", cfg.BlockDuration,
		"max_addresses", cfg.MaxAddresses)

	return at
}

// SetInstrumentation enables block metrics
func (at *AbuseTracker) SetInstrumentation(inst *instrumentation.Instrumentation) {
	at.mu.Lock()
	defer at.mu.Unlock()
	at.instrumentation = inst
}

// RecordFailure records a failure for addr at the current time and reports
// whether the address is blocked afterwards.
func (at *AbuseTracker) RecordFailure(addr string) bool {
	if addr == "" {
		return false
	}

	at.mu.Lock()
	defer at.mu.Unlock()

	now := at.now()
	at.totalFailures++

	if at.blockedLocked(addr, now) {
		return true
	}

	var record *abuseRecord
	if elem, ok := at.records[addr]; ok {
		at.lruList.MoveToFront(elem)
		record = elem.Value.(*abuseRecord)
		at.pruneLocked(record, now)
	} else {
		if len(at.records) >= at.maxAddresses {
			at.evictLRU()
		}
		record = &abuseRecord{addr: addr}
		at.records[addr] = at.lruList.PushFront(record)
	}

	record.attempts = append(record.attempts, now)

	// Only threshold+1 timestamps are ever needed to decide
	if excess := len(record.attempts) - (at.threshold + 1); excess > 0 {
		record.attempts = record.attempts[excess:]
	}

	if len(record.attempts) > at.threshold {
		at.blockLocked(addr, now, len(record.attempts))
		return true
	}
	return false
}

// IsBlocked reports whether addr is currently blocked. Expired blocks are released.
func (at *AbuseTracker) IsBlocked(addr string) bool {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.blockedLocked(addr, at.now())
}

// Unblock lifts a block and forgets recorded failures for addr.
// It reports whether a block was lifted.
func (at *AbuseTracker) Unblock(addr string) bool {
	at.mu.Lock()
	defer at.mu.Unlock()

	if elem, ok := at.records[addr]; ok {
		at.removeLocked(elem)
	}

	if _, ok := at.blocks[addr]; !ok {
		return false
	}
	delete(at.blocks, addr)
	at.totalReleases++

	at.logger.Info("Address unblocked", "address", addr)
	return true
}

// State returns the current state of addr
func (at *AbuseTracker) State(addr string) AddressState {
	at.mu.Lock()
	defer at.mu.Unlock()

	now := at.now()
	if at.blockedLocked(addr, now) {
		return AddressState{Status: StatusBlocked, BlockedUntil: at.blocks[addr]}
	}

	elem, ok := at.records[addr]
	if !ok {
		return AddressState{Status: StatusClean}
	}
	record := elem.Value.(*abuseRecord)
	at.pruneLocked(record, now)
	if len(record.attempts) == 0 {
		at.removeLocked(elem)
		return AddressState{Status: StatusClean}
	}
	return AddressState{Status: StatusFlagged, Attempts: len(record.attempts)}
}

// Sweep drops stale attempts from every record, blocks addresses over the
// threshold, forgets addresses with no attempts left and releases expired blocks.
func (at *AbuseTracker) Sweep() {
	at.mu.Lock()
	defer at.mu.Unlock()

	now := at.now()
	dropped, blocked, released := 0, 0, 0

	var next *list.Element
	for elem := at.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		record := elem.Value.(*abuseRecord)
		at.pruneLocked(record, now)

		switch {
		case len(record.attempts) > at.threshold:
			at.blockLocked(record.addr, now, len(record.attempts))
			blocked++
		case len(record.attempts) == 0:
			at.removeLocked(elem)
			dropped++
		}
	}

	for addr, until := range at.blocks {
		if !until.IsZero() && !now.Before(until) {
			delete(at.blocks, addr)
			at.totalReleases++
			released++
		}
	}

	if dropped+blocked+released > 0 {
		at.logger.Debug("Abuse tracker sweep completed",
			"dropped", dropped,
			"blocked", blocked,
			"released", released,
			"tracked", len(at.records),
			"blocked_total", len(at.blocks))
	}
}

// blockedLocked checks and lazily releases a block. Must be called with mutex locked.
func (at *AbuseTracker) blockedLocked(addr string, now time.Time) bool {
	until, ok := at.blocks[addr]
	if !ok {
		return false
	}
	if until.IsZero() || now.Before(until) {
		return true
	}
	delete(at.blocks, addr)
	at.totalReleases++
	at.logger.Info("Address block expired", "address", addr)
	return false
}

// blockLocked moves addr from the failure table into the block set.
// Must be called with mutex locked.
func (at *AbuseTracker) blockLocked(addr string, now time.Time, attempts int) {
	if elem, ok := at.records[addr]; ok {
		at.removeLocked(elem)
	}

	if len(at.blocks) >= at.maxAddresses {
		at.evictBlockLocked()
	}

	var until time.Time
	if at.blockDuration > 0 {
		until = now.Add(at.blockDuration)
	}
	at.blocks[addr] = until
	at.totalBlocks++

	if at.instrumentation != nil {
		at.instrumentation.Metrics().RecordAddressBlocked(context.Background())
	}
	at.logger.Warn("Address blocked after repeated failures",
		"address", addr,
		"attempts_in_window", attempts,
		"threshold", at.threshold,
		"window", at.window,
		"until", until)
}

// evictBlockLocked drops the block closest to expiry to make room.
// Permanent blocks go last. Must be called with mutex locked.
func (at *AbuseTracker) evictBlockLocked() {
	victim := ""
	var victimUntil time.Time
	for addr, until := range at.blocks {
		if victim == "" || earlierBlock(until, victimUntil) {
			victim, victimUntil = addr, until
		}
	}
	if victim == "" {
		return
	}
	delete(at.blocks, victim)
	at.totalEvictions++
	at.logger.Warn("Block set full, dropped block closest to expiry",
		"address", victim,
		"max_addresses", at.maxAddresses)
}

// earlierBlock orders blocks by expiry with permanent (zero) blocks last
func earlierBlock(a, b time.Time) bool {
	switch {
	case a.IsZero():
		return false
	case b.IsZero():
		return true
	default:
		return a.Before(b)
	}
}

// pruneLocked drops attempts outside the window. Must be called with mutex locked.
func (at *AbuseTracker) pruneLocked(record *abuseRecord, now time.Time) {
	windowStart := now.Add(-at.window)
	n := 0
	for _, t := range record.attempts {
		if t.After(windowStart) {
			record.attempts[n] = t
			n++
		}
	}
	record.attempts = record.attempts[:n]
}

// evictLRU removes the least recently used record. Must be called with mutex locked.
func (at *AbuseTracker) evictLRU() {
	elem := at.lruList.Back()
	if elem == nil {
		return
	}
	record := elem.Value.(*abuseRecord)
	at.removeLocked(elem)
	at.totalEvictions++

	at.logger.Debug("Abuse tracker LRU eviction",
		"address", record.addr,
		"total_evictions", at.totalEvictions,
		"current_entries", len(at.records))
}

func (at *AbuseTracker) removeLocked(elem *list.Element) {
	record := elem.Value.(*abuseRecord)
	delete(at.records, record.addr)
	at.lruList.Remove(elem)
}

func (at *AbuseTracker) cleanupLoop() {
	ticker := time.NewTicker(at.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			at.Sweep()
		case <-at.stopCleanup:
			return
		}
	}
}

// Stop stops the sweep goroutine. Safe to call multiple times concurrently.
func (at *AbuseTracker) Stop() {
	at.stopOnce.Do(func() {
		close(at.stopCleanup)
		at.logger.Debug("Abuse tracker stopped")
	})
}

// Stats returns current abuse tracker statistics
func (at *AbuseTracker) Stats() AbuseStats {
	at.mu.Lock()
	defer at.mu.Unlock()

	return AbuseStats{
		TrackedAddresses: len(at.records),
		BlockedAddresses: len(at.blocks),
		MaxAddresses:     at.maxAddresses,
		TotalFailures:    at.totalFailures,
		TotalBlocks:      at.totalBlocks,
		TotalReleases:    at.totalReleases,
		TotalEvictions:   at.totalEvictions,
	}
}
