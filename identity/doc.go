// Package identity verifies bearer tokens and remembers the answers.
//
// A Cache sits in front of a providers.Verifier. Each Verify call runs, in order:
//
//  1. a length check (too short or too long is malformed, no lookup happens)
//  2. the local RevocationSet, then the optional shared storage.RevocationStore
//  3. the verdict cache (expired verdicts are dropped, never returned)
//  4. the provider, under UpstreamTimeout, with concurrent misses coalesced
//
// Failures are *RejectionError values carrying a Reason. serviceUnavailable
// means the provider or the shared store did not answer; it is never cached and
// says nothing about the token.
//
// Revocation always wins: a revoked token is rejected even while an unexpired
// verdict for it sits in the cache. The RevocationSet keeps each entry until the
// token's own expiry (or DefaultRevocationRetention) and, when full, evicts the
// entry closest to its deadline rather than clearing itself.
//
// Verdict cache and revocation set are process-local. Pass a shared store to
// make revocations visible to every instance.
package identity
