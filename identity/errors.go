package identity

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/giantswarm/authgate/providers"
)

// Reason classifies why a token was rejected
type Reason string

const (
	// ReasonMalformed means the token failed shape checks or the provider could not parse it
	ReasonMalformed Reason = "malformed"

	// ReasonRevoked means the token was revoked locally, in the shared store, or upstream
	ReasonRevoked Reason = "revoked"

	// ReasonExpired means the token's lifetime has ended
	ReasonExpired Reason = "expired"

	// ReasonServiceUnavailable means the provider or shared store could not answer.
	// It says nothing about the token itself and is never cached.
	ReasonServiceUnavailable Reason = "serviceUnavailable"

	// ReasonUnknown covers every other provider rejection
	ReasonUnknown Reason = "unknown"
)

// RejectionError is returned by every failed verification
type RejectionError struct {
	Reason Reason
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err == nil {
		return "token rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("token rejected: %s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying cause
func (e *RejectionError) Unwrap() error {
	return e.Err
}

// Is matches another *RejectionError with the same reason, so callers can write
// errors.Is(err, &identity.RejectionError{Reason: identity.ReasonRevoked}).
func (e *RejectionError) Is(target error) bool {
	t, ok := target.(*RejectionError)
	return ok && t.Reason == e.Reason
}

func reject(reason Reason, err error) *RejectionError {
	return &RejectionError{Reason: reason, Err: err}
}

// ReasonOf extracts the rejection reason from err, or "" when err is not a rejection
func ReasonOf(err error) Reason {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Reason
	}
	return ""
}

// classify maps an upstream verification failure onto a rejection reason.
// Timeouts and transport failures are checked first so that a provider error
// wrapping a deadline is never mistaken for a verdict on the token.
func classify(err error) Reason {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, providers.ErrUnavailable),
		errors.As(err, &netErr):
		return ReasonServiceUnavailable
	case errors.Is(err, providers.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, providers.ErrTokenRevoked):
		return ReasonRevoked
	case errors.Is(err, providers.ErrTokenMalformed):
		return ReasonMalformed
	default:
		return ReasonUnknown
	}
}
