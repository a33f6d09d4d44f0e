package security

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader carries the caller's API key
const APIKeyHeader = "X-API-Key" //nolint:gosec // G101: header name, not a credential

// maxAPIKeyLength is bcrypt's input limit. Longer keys would collide with their
// 72-byte prefix, so they are rejected outright.
const maxAPIKeyLength = 72

// ErrAPIKeyTooLong is returned by HashAPIKey for keys bcrypt would truncate
var ErrAPIKeyTooLong = errors.New("api key exceeds 72 bytes")

// APIKey is an issued key, stored only as a bcrypt hash
type APIKey struct {
	Name  string
	Hash  []byte
	Admin bool
}

// APIKeyValidator checks presented keys against the issued hashes.
// Keys that validated once are remembered by SHA-256 digest so bcrypt runs
// once per key per process.
type APIKeyValidator struct {
	keys []APIKey

	mu   sync.RWMutex
	memo map[[sha256.Size]byte]int // digest -> index into keys
}

// NewAPIKeyValidator creates a validator for the given keys
func NewAPIKeyValidator(keys []APIKey) (*APIKeyValidator, error) {
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k.Name == "" {
			return nil, fmt.Errorf("api key name is required")
		}
		if seen[k.Name] {
			return nil, fmt.Errorf("duplicate api key name %q", k.Name)
		}
		seen[k.Name] = true
		if _, err := bcrypt.Cost(k.Hash); err != nil {
			return nil, fmt.Errorf("api key %q: invalid bcrypt hash: %w", k.Name, err)
		}
	}

	return &APIKeyValidator{
		keys: append([]APIKey(nil), keys...),
		memo: make(map[[sha256.Size]byte]int),
	}, nil
}

// HashAPIKey returns the bcrypt hash to configure for key
func HashAPIKey(key string, cost int) ([]byte, error) {
	if len(key) > maxAPIKeyLength {
		return nil, ErrAPIKeyTooLong
	}
	return bcrypt.GenerateFromPassword([]byte(key), cost)
}

// Validate returns the issued key matching key
func (v *APIKeyValidator) Validate(key string) (APIKey, bool) {
	if key == "" || len(key) > maxAPIKeyLength {
		return APIKey{}, false
	}

	digest := sha256.Sum256([]byte(key))

	v.mu.RLock()
	idx, ok := v.memo[digest]
	v.mu.RUnlock()
	if ok {
		return v.keys[idx], true
	}

	for i, k := range v.keys {
		if bcrypt.CompareHashAndPassword(k.Hash, []byte(key)) == nil {
			v.mu.Lock()
			v.memo[digest] = i
			v.mu.Unlock()
			return k, true
		}
	}
	return APIKey{}, false
}

// Len returns the number of issued keys
func (v *APIKeyValidator) Len() int {
	return len(v.keys)
}
