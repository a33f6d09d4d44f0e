package providers

import (
	"context"
	"errors"
	"time"
)

// Verifier verifies bearer tokens with the upstream identity provider.
type Verifier interface {
	// Name returns the verifier name (e.g., "jwt", "oidc")
	Name() string

	// VerifyToken verifies an opaque bearer token and returns the identity it represents.
	// The returned Identity must carry a non-zero ExpiresAt.
	VerifyToken(ctx context.Context, token string) (*Identity, error)
}

// Identity is the verified identity behind a bearer token.
type Identity struct {
	// SubjectID is the provider-assigned identifier of the subject
	SubjectID string

	// Email is the subject's email address, if the provider supplies one
	Email string

	// Claims holds the verified assertion fields as reported by the provider
	Claims map[string]any

	// ExpiresAt is when the token stops being valid
	ExpiresAt time.Time
}

// Failure kinds reported by verifiers.
var (
	// ErrTokenExpired indicates the provider considers the token expired
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked indicates the provider reports the token as revoked
	ErrTokenRevoked = errors.New("token revoked")

	// ErrTokenMalformed indicates the token could not be parsed
	ErrTokenMalformed = errors.New("token malformed")

	// ErrTokenInvalid indicates a rejection that does not fit a more specific kind
	// (bad signature, wrong issuer, unknown subject, ...)
	ErrTokenInvalid = errors.New("token invalid")

	// ErrUnavailable indicates the provider could not be reached or failed internally
	ErrUnavailable = errors.New("identity provider unavailable")
)
