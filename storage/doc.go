// Package storage defines the contract for sharing token revocations between
// gateway instances.
//
// The verdict cache and abuse tracker are process-local. Revocations are the one
// piece of state worth sharing: a logout handled by one instance must be honoured
// by every other instance behind the load balancer.
//
// Implementations are provided in subpackages:
//   - storage/valkey: Valkey/Redis-compatible shared store
//   - storage/mock: configurable fake for unit tests
package storage
