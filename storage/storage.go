package storage

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyToken is returned when an operation is given an empty token
var ErrEmptyToken = errors.New("token must not be empty")

// RevocationStore records revoked tokens so that every gateway instance rejects them.
// Implementations must never store the raw token.
type RevocationStore interface {
	// Revoke marks token as revoked until the given time. Revoking again with an
	// earlier deadline must not shorten an existing revocation.
	Revoke(ctx context.Context, token string, until time.Time) error

	// IsRevoked reports whether token is currently revoked
	IsRevoked(ctx context.Context, token string) (bool, error)
}
