// Package mock provides mock implementations of storage interfaces for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/authgate/storage"
)

// MockRevocationStore is a mock implementation of RevocationStore for testing.
// The default funcs keep revocations in memory; override them to inject failures.
type MockRevocationStore struct {
	mu         sync.Mutex
	revoked    map[string]time.Time
	now        func() time.Time
	CallCounts map[string]int

	RevokeFunc    func(ctx context.Context, token string, until time.Time) error
	IsRevokedFunc func(ctx context.Context, token string) (bool, error)
}

// NewMockRevocationStore creates a new mock revocation store
func NewMockRevocationStore() *MockRevocationStore {
	m := &MockRevocationStore{
		revoked:    make(map[string]time.Time),
		now:        time.Now,
		CallCounts: make(map[string]int),
	}

	m.RevokeFunc = func(_ context.Context, token string, until time.Time) error {
		if token == "" {
			return storage.ErrEmptyToken
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if current, ok := m.revoked[token]; !ok || until.After(current) {
			m.revoked[token] = until
		}
		return nil
	}

	m.IsRevokedFunc = func(_ context.Context, token string) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		until, ok := m.revoked[token]
		return ok && m.now().Before(until), nil
	}

	return m
}

// Revoke implements storage.RevocationStore
func (m *MockRevocationStore) Revoke(ctx context.Context, token string, until time.Time) error {
	m.count("Revoke")
	return m.RevokeFunc(ctx, token, until)
}

// IsRevoked implements storage.RevocationStore
func (m *MockRevocationStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	m.count("IsRevoked")
	return m.IsRevokedFunc(ctx, token)
}

// Calls returns how often the named method was called
func (m *MockRevocationStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

// SetNow overrides the clock used by the default IsRevokedFunc
func (m *MockRevocationStore) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MockRevocationStore) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

var _ storage.RevocationStore = (*MockRevocationStore)(nil)
