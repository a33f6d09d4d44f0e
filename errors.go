package authgate

import (
	"fmt"
	"net/http"

	"github.com/giantswarm/authgate/identity"
)

// Gateway error codes as constants
const (
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeInvalidToken           = "invalid_token"
	ErrorCodeInvalidAPIKey          = "invalid_api_key"
	ErrorCodeAccessDenied           = "access_denied"
	ErrorCodeNotFound               = "not_found"
	ErrorCodeRateLimitExceeded      = "rate_limit_exceeded"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
	ErrorCodeUpstreamError          = "upstream_error"
	ErrorCodeServerError            = "server_error"
)

// GatewayError is an error answered to the client as
// {"error": Code, "error_description": Description} with Status
type GatewayError struct {
	Code        string // machine-readable code (e.g., "invalid_token")
	Description string // human-readable description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewGatewayError creates a new gateway error
func NewGatewayError(code, description string, status int) *GatewayError {
	return &GatewayError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common gateway errors as reusable constructors
var (
	// ErrInvalidRequest indicates a malformed payload or suspicious request
	ErrInvalidRequest = func(desc string) *GatewayError {
		return NewGatewayError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the bearer token was rejected
	ErrInvalidToken = func(desc string) *GatewayError {
		return NewGatewayError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInvalidAPIKey indicates a missing or unknown API key
	ErrInvalidAPIKey = func(desc string) *GatewayError {
		return NewGatewayError(ErrorCodeInvalidAPIKey, desc, http.StatusUnauthorized)
	}

	// ErrAccessDenied indicates a blocked address or an insufficiently privileged key
	ErrAccessDenied = func(desc string) *GatewayError {
		return NewGatewayError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrNotFound indicates the addressed resource does not exist
	ErrNotFound = func(desc string) *GatewayError {
		return NewGatewayError(ErrorCodeNotFound, desc, http.StatusNotFound)
	}

	// ErrRateLimitExceeded indicates the caller's address ran out of request budget
	ErrRateLimitExceeded = func(desc string) *GatewayError {
		return NewGatewayError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrTemporarilyUnavailable indicates a dependency could not answer in time
	ErrTemporarilyUnavailable = func(desc string) *GatewayError {
		return NewGatewayError(ErrorCodeTemporarilyUnavailable, desc, http.StatusServiceUnavailable)
	}

	// ErrUpstreamError indicates a third-party platform refused or failed the relayed work
	ErrUpstreamError = func(desc string) *GatewayError {
		return NewGatewayError(ErrorCodeUpstreamError, desc, http.StatusBadGateway)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *GatewayError {
		return NewGatewayError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// errorForRejection maps a verification failure to its HTTP answer.
// serviceUnavailable says nothing about the token and is answered 503.
func errorForRejection(err error) *GatewayError {
	switch identity.ReasonOf(err) {
	case identity.ReasonServiceUnavailable:
		return ErrTemporarilyUnavailable("Token verification is temporarily unavailable")
	case identity.ReasonRevoked:
		return ErrInvalidToken("Token has been revoked")
	case identity.ReasonExpired:
		return ErrInvalidToken("Token has expired")
	case identity.ReasonMalformed:
		return ErrInvalidToken("Token is malformed")
	default:
		return ErrInvalidToken("Token validation failed")
	}
}
