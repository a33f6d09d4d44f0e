package identity

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/authgate/instrumentation"
	"github.com/giantswarm/authgate/internal/util"
	"github.com/giantswarm/authgate/providers"
	"github.com/giantswarm/authgate/storage"
)

const (
	// DefaultMinTokenLength is the shortest token worth sending upstream
	DefaultMinTokenLength = 4

	// DefaultMaxTokenLength is the longest token accepted
	DefaultMaxTokenLength = 4096

	// DefaultUpstreamTimeout bounds a single provider or shared store call
	DefaultUpstreamTimeout = 5 * time.Second

	// DefaultMaxEntries bounds the verdict cache
	DefaultMaxEntries = 10000

	// DefaultSweepInterval is how often expired verdicts are swept
	DefaultSweepInterval = time.Minute
)

// Verdict is the cached outcome of a successful verification
type Verdict struct {
	SubjectID string
	Email     string
	Claims    map[string]any
	ExpiresAt time.Time
}

// clone returns a copy so callers can never mutate a cached verdict
func (v *Verdict) clone() *Verdict {
	c := *v
	if v.Claims != nil {
		c.Claims = make(map[string]any, len(v.Claims))
		for k, val := range v.Claims {
			c.Claims[k] = val
		}
	}
	return &c
}

// Config configures a Cache
type Config struct {
	// MinTokenLength and MaxTokenLength bound plausible tokens.
	// Tokens outside the band are rejected as malformed without any lookup.
	MinTokenLength int
	MaxTokenLength int

	// UpstreamTimeout bounds each provider and shared store call (default: 5s)
	UpstreamTimeout time.Duration

	// MaxEntries caps cached verdicts; the least recently used is evicted when full
	MaxEntries int

	// SweepInterval controls the background expiry sweep (default: 1m)
	SweepInterval time.Duration

	// SweepProbability triggers an extra sweep on a Verify call with this
	// probability (0 disables, 1 sweeps on every call)
	SweepProbability float64

	// Rand returns a value in [0, 1) for SweepProbability (default: math/rand/v2)
	Rand func() float64

	// Revocations is the local revocation set. When nil the cache creates and owns one.
	Revocations *RevocationSet

	// SharedRevocations is consulted after the local set. Lookup failures reject
	// the token as serviceUnavailable.
	SharedRevocations storage.RevocationStore

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Now overrides the clock (tests)
	Now func() time.Time
}

type cacheEntry struct {
	token   string
	verdict *Verdict
}

// Cache verifies bearer tokens through a provider and remembers successful
// verdicts until they expire. Revocation is checked before the cache on every call.
type Cache struct {
	verifier        providers.Verifier
	revocations     *RevocationSet
	ownsRevocations bool
	shared          storage.RevocationStore

	minLength        int
	maxLength        int
	upstreamTimeout  time.Duration
	maxEntries       int
	sweepInterval    time.Duration
	sweepProbability float64
	rand             func() float64
	now              func() time.Time
	logger           *slog.Logger
	instrumentation  *instrumentation.Instrumentation
	tracer           trace.Tracer

	mu      sync.Mutex
	entries map[string]*list.Element // token -> element holding *cacheEntry
	lruList *list.List

	group singleflight.Group

	stopCleanup chan struct{}
	stopOnce    sync.Once

	// Statistics
	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

// CacheStats holds verdict cache statistics for monitoring
type CacheStats struct {
	CurrentEntries int
	MaxEntries     int
	Hits           int64
	Misses         int64
	Evictions      int64 // verdicts dropped because the cache was full
	Expired        int64 // verdicts dropped after expiry (read, sweep)
	Revocations    int   // entries in the local revocation set
}

// New creates a verification cache in front of verifier and starts its sweep
// goroutine. Call Stop to release it.
func New(verifier providers.Verifier, cfg Config) (*Cache, error) {
	if verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if cfg.MinTokenLength <= 0 {
		cfg.MinTokenLength = DefaultMinTokenLength
	}
	if cfg.MaxTokenLength <= 0 {
		cfg.MaxTokenLength = DefaultMaxTokenLength
	}
	if cfg.MinTokenLength > cfg.MaxTokenLength {
		return nil, fmt.Errorf("min token length %d exceeds max token length %d", cfg.MinTokenLength, cfg.MaxTokenLength)
	}
	if cfg.SweepProbability < 0 || cfg.SweepProbability > 1 {
		return nil, fmt.Errorf("sweep probability must be within [0, 1], got %v", cfg.SweepProbability)
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		verifier:         verifier,
		revocations:      cfg.Revocations,
		shared:           cfg.SharedRevocations,
		minLength:        cfg.MinTokenLength,
		maxLength:        cfg.MaxTokenLength,
		upstreamTimeout:  cfg.UpstreamTimeout,
		maxEntries:       cfg.MaxEntries,
		sweepInterval:    cfg.SweepInterval,
		sweepProbability: cfg.SweepProbability,
		rand:             cfg.Rand,
		now:              cfg.Now,
		logger:           cfg.Logger,
		entries:          make(map[string]*list.Element),
		lruList:          list.New(),
		stopCleanup:      make(chan struct{}),
	}
	if c.revocations == nil {
		c.revocations = NewRevocationSet(RevocationConfig{Logger: cfg.Logger, Now: cfg.Now})
		c.ownsRevocations = true
	}

	go c.cleanupLoop()

	return c, nil
}

// SetInstrumentation enables metrics and tracing
func (c *Cache) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.instrumentation = inst
	if inst != nil {
		c.tracer = inst.Tracer("identity")
	}
}

// Revocations returns the local revocation set
func (c *Cache) Revocations() *RevocationSet {
	return c.revocations
}

// Verify answers whether token is currently valid and whose it is.
// Every failure is a *RejectionError.
func (c *Cache) Verify(ctx context.Context, token string) (*Verdict, error) {
	ctx, span := c.startSpan(ctx, "identity.verify")
	defer span.End()

	verdict, source, err := c.verify(ctx, token)

	outcome := "accepted"
	subject := ""
	if err != nil {
		outcome = string(ReasonOf(err))
		instrumentation.RecordError(span, err)
	} else {
		subject = verdict.SubjectID
		instrumentation.SetSpanSuccess(span)
	}
	instrumentation.AddVerifyAttributes(span, outcome, source, subject)
	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordTokenVerification(ctx, outcome, source)
	}

	return verdict, err
}

func (c *Cache) verify(ctx context.Context, token string) (*Verdict, string, error) {
	if n := len(token); n < c.minLength || n > c.maxLength {
		return nil, "local", reject(ReasonMalformed,
			fmt.Errorf("token length %d outside [%d, %d]", n, c.minLength, c.maxLength))
	}

	if c.sweepProbability > 0 && c.rand() < c.sweepProbability {
		c.Sweep()
	}

	if c.revocations.IsRevoked(token) {
		return nil, "local", reject(ReasonRevoked, providers.ErrTokenRevoked)
	}
	if err := c.checkShared(ctx, token); err != nil {
		return nil, "shared", err
	}

	if verdict, ok := c.lookup(ctx, token); ok {
		return verdict, "cache", nil
	}

	// Concurrent misses for one token share a single upstream call. The call is
	// detached from any one caller's cancellation and bounded by the upstream timeout.
	v, err, _ := c.group.Do(token, func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx), token)
	})
	if err != nil {
		return nil, "upstream", err
	}
	return v.(*Verdict).clone(), "upstream", nil
}

// checkShared consults the shared revocation store, failing closed
func (c *Cache) checkShared(ctx context.Context, token string) error {
	if c.shared == nil {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, c.upstreamTimeout)
	defer cancel()

	revoked, err := c.shared.IsRevoked(sctx, token)
	if err != nil {
		c.logger.Warn("Shared revocation lookup failed, rejecting token",
			"token_prefix", util.SafeTruncate(token, 8),
			"error", err)
		return reject(ReasonServiceUnavailable, err)
	}
	if revoked {
		return reject(ReasonRevoked, providers.ErrTokenRevoked)
	}
	return nil
}

// lookup returns a copy of an unexpired cached verdict. Expired verdicts are removed.
func (c *Cache) lookup(ctx context.Context, token string) (*Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hit := false
	defer func() {
		if c.instrumentation != nil {
			c.instrumentation.Metrics().RecordTokenCacheLookup(ctx, hit)
		}
	}()

	elem, ok := c.entries[token]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if !c.now().Before(entry.verdict.ExpiresAt) {
		c.removeLocked(elem)
		c.expired++
		c.misses++
		return nil, false
	}

	c.lruList.MoveToFront(elem)
	c.hits++
	hit = true
	return entry.verdict.clone(), true
}

// fetch calls the provider and caches a successful, unexpired verdict
func (c *Cache) fetch(ctx context.Context, token string) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.upstreamTimeout)
	defer cancel()

	ctx, span := c.startSpan(ctx, "provider.verify_token")
	defer span.End()
	instrumentation.AddProviderAttributes(span, c.verifier.Name(), "verify_token")

	start := c.now()
	id, err := c.verifier.VerifyToken(ctx, token)
	elapsed := c.now().Sub(start)

	if err != nil {
		reason := classify(err)
		if ctx.Err() != nil {
			reason = ReasonServiceUnavailable
		}
		instrumentation.RecordError(span, err)
		c.recordProviderCall(ctx, elapsed, string(reason))
		c.logger.Debug("Upstream verification failed",
			"provider", c.verifier.Name(),
			"token_prefix", util.SafeTruncate(token, 8),
			"reason", reason,
			"error", err)
		return nil, reject(reason, err)
	}
	c.recordProviderCall(ctx, elapsed, "")

	if id == nil || id.SubjectID == "" {
		return nil, reject(ReasonUnknown, errors.New("provider returned no subject"))
	}
	if !c.now().Before(id.ExpiresAt) {
		return nil, reject(ReasonExpired, providers.ErrTokenExpired)
	}

	verdict := &Verdict{
		SubjectID: id.SubjectID,
		Email:     id.Email,
		Claims:    id.Claims,
		ExpiresAt: id.ExpiresAt,
	}
	verdict = verdict.clone()

	// A revocation that landed while the provider was answering still wins
	if c.revocations.IsRevoked(token) {
		return nil, reject(ReasonRevoked, providers.ErrTokenRevoked)
	}

	c.store(token, verdict)

	c.logger.Debug("Token verified upstream",
		"provider", c.verifier.Name(),
		"subject", verdict.SubjectID,
		"expires_at", verdict.ExpiresAt)

	return verdict, nil
}

// store inserts or replaces a verdict, evicting the least recently used entry when full
func (c *Cache) store(token string, verdict *Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[token]; ok {
		elem.Value.(*cacheEntry).verdict = verdict
		c.lruList.MoveToFront(elem)
		return
	}

	if len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}

	c.entries[token] = c.lruList.PushFront(&cacheEntry{token: token, verdict: verdict})
}

// evictLRU removes the least recently used verdict. Must be called with mutex locked.
func (c *Cache) evictLRU() {
	elem := c.lruList.Back()
	if elem == nil {
		return
	}
	c.removeLocked(elem)
	c.evictions++

	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordTokenCacheEviction(context.Background(), "capacity", 1)
	}
	c.logger.Debug("Verdict cache LRU eviction",
		"total_evictions", c.evictions,
		"current_entries", len(c.entries))
}

// removeLocked drops an element. Must be called with mutex locked.
func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.entries, entry.token)
	c.lruList.Remove(elem)
}

// Revoke revokes token locally (and in the shared store when configured) and
// drops its cached verdict. The revocation lasts until the cached verdict would
// have expired. When no verdict is cached it lasts only the default retention
// (RevocationConfig.DefaultRetention), so a token living longer than that is
// accepted again afterwards; use RevokeUntil when the expiry is known.
// The local revocation always takes effect; an error reports a shared store failure.
func (c *Cache) Revoke(ctx context.Context, token string) error {
	return c.RevokeUntil(ctx, token, time.Time{})
}

// RevokeUntil is Revoke with a known token expiry. The revocation lasts until
// the later of expiresAt and the cached verdict's expiry.
func (c *Cache) RevokeUntil(ctx context.Context, token string, expiresAt time.Time) error {
	if token == "" {
		return nil
	}

	until := expiresAt
	c.mu.Lock()
	if elem, ok := c.entries[token]; ok {
		if cached := elem.Value.(*cacheEntry).verdict.ExpiresAt; cached.After(until) {
			until = cached
		}
		c.removeLocked(elem)
	}
	c.mu.Unlock()

	c.revocations.RevokeUntil(token, until)

	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordTokenRevocation(ctx, c.shared != nil)
	}

	if c.shared == nil {
		return nil
	}

	if !until.After(c.now()) {
		until = c.now().Add(c.revocations.defaultRetention)
	}
	sctx, cancel := context.WithTimeout(ctx, c.upstreamTimeout)
	defer cancel()

	if err := c.shared.Revoke(sctx, token, until); err != nil {
		return fmt.Errorf("failed to share revocation: %w", err)
	}
	return nil
}

// Sweep removes expired verdicts and returns how many were removed
func (c *Cache) Sweep() int {
	c.mu.Lock()
	now := c.now()
	removed := 0
	var next *list.Element
	for elem := c.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		if !now.Before(elem.Value.(*cacheEntry).verdict.ExpiresAt) {
			c.removeLocked(elem)
			removed++
		}
	}
	c.expired += int64(removed)
	remaining := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		if c.instrumentation != nil {
			c.instrumentation.Metrics().RecordTokenCacheEviction(context.Background(), "expired", removed)
		}
		c.logger.Debug("Verdict cache sweep completed",
			"removed", removed,
			"remaining", remaining)
	}
	return removed
}

// Len returns the number of cached verdicts
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop stops the sweep goroutine, and the revocation set's when the cache owns it.
// Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCleanup)
		if c.ownsRevocations {
			c.revocations.Stop()
		}
	})
}

// Stats returns current cache statistics
func (c *Cache) Stats() CacheStats {
	revocations := c.revocations.Len()

	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		CurrentEntries: len(c.entries),
		MaxEntries:     c.maxEntries,
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		Expired:        c.expired,
		Revocations:    revocations,
	}
}

func (c *Cache) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, tracenoop.Span{}
	}
	return c.tracer.Start(ctx, name)
}

func (c *Cache) recordProviderCall(ctx context.Context, elapsed time.Duration, errorReason string) {
	if c.instrumentation == nil {
		return
	}
	durationMs := float64(elapsed.Microseconds()) / 1000.0
	c.instrumentation.Metrics().RecordProviderAPICall(ctx, c.verifier.Name(), "verify_token", durationMs, errorReason)
}
