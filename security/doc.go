// Package security holds the gateway's request-level defenses: abuse
// tracking, threat classification, per-address throttling, API keys, client
// address extraction, audit logging, request IDs and response headers.
//
// # Abuse tracking
//
// AbuseTracker counts failures per source address in a trailing window
// (default 1h). Once the in-window count exceeds the threshold (default 100)
// the address is blocked for BlockDuration (default 24h, PermanentBlock for no
// expiry). Operators can lift a block early with Unblock.
//
// Per address the tracker moves through three states:
//
//	clean -> flagged (failures accumulating) -> blocked -> clean (expiry or Unblock)
//
// Memory is bounded twice: unblocked records live in an LRU list capped at
// MaxAddresses, and each record keeps at most threshold+1 timestamps. Blocks
// are held apart from the LRU list so address churn cannot evict them.
// A background sweep (default every 5 minutes) prunes stale attempts, drops
// empty records and releases expired blocks.
//
// What counts as a failure is decided by the caller. The gateway records one
// for every request the ThreatClassifier flags and every missing or unknown
// API key. Throttled requests are not failures.
//
// # Rate limiting
//
// RateLimiter gives every address its own token bucket (golang.org/x/time/rate).
// Buckets are kept in an LRU list capped at MaxEntries and dropped after
// IdleTimeout without use.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//	    RequestsPerSecond: 10,
//	    Burst:             20,
//	})
//	defer limiter.Stop()
//
//	if !limiter.Allow(security.ClientIP(r, ipConfig)) {
//	    // 429
//	}
//
// Stats().MemoryPressure consistently above 80% suggests MaxEntries is too
// small or a distributed attack is under way.
//
// # Client addresses
//
// ClientIP only honours X-Forwarded-For and X-Real-IP when TrustProxy is set,
// and returns canonical addresses so that one client maps to one key.
package security
