// Package mock provides a mock implementation of the Verifier interface for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/authgate/providers"
)

// MockVerifier is a mock implementation of providers.Verifier for testing
type MockVerifier struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// VerifyTokenFunc is called when VerifyToken() is invoked
	VerifyTokenFunc func(ctx context.Context, token string) (*providers.Identity, error)

	mu    sync.Mutex
	calls []string
}

// NewMockVerifier creates a mock verifier that accepts every token as
// "mock-user-123" for one hour.
func NewMockVerifier() *MockVerifier {
	return &MockVerifier{
		NameFunc: func() string {
			return "mock"
		},
		VerifyTokenFunc: func(_ context.Context, _ string) (*providers.Identity, error) {
			return &providers.Identity{
				SubjectID: "mock-user-123",
				Email:     "mock@example.com",
				Claims:    map[string]any{"sub": "mock-user-123"},
				ExpiresAt: time.Now().Add(time.Hour),
			}, nil
		},
	}
}

// Name implements providers.Verifier
func (m *MockVerifier) Name() string {
	return m.NameFunc()
}

// VerifyToken implements providers.Verifier and records the call
func (m *MockVerifier) VerifyToken(ctx context.Context, token string) (*providers.Identity, error) {
	m.mu.Lock()
	m.calls = append(m.calls, token)
	m.mu.Unlock()
	return m.VerifyTokenFunc(ctx, token)
}

// CallCount returns how many times VerifyToken was invoked
func (m *MockVerifier) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns the tokens VerifyToken was invoked with, in order
func (m *MockVerifier) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears the recorded calls
func (m *MockVerifier) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

// Compile-time interface check
var _ providers.Verifier = (*MockVerifier)(nil)
