package authgate

import (
	"context"
	"time"

	"github.com/giantswarm/authgate/identity"
	"github.com/giantswarm/authgate/relay"
	"github.com/giantswarm/authgate/security"
)

// ErrorResponse is the body of every error answer
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// Fields lists rejected payload fields for validation errors
	Fields []relay.FieldError `json:"fields,omitempty"`
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status string `json:"status"`
}

// IdentityResponse is the body of GET /v1/me
type IdentityResponse struct {
	SubjectID string         `json:"sub"`
	Email     string         `json:"email,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
	ExpiresAt time.Time      `json:"expires_at"`
	APIKey    string         `json:"api_key"`
}

type contextKey int

const (
	verdictContextKey contextKey = iota
	tokenContextKey
	apiKeyContextKey
	clientIPContextKey
)

// IdentityFromContext returns the verified identity of an authenticated request
func IdentityFromContext(ctx context.Context) (*identity.Verdict, bool) {
	v, ok := ctx.Value(verdictContextKey).(*identity.Verdict)
	return v, ok
}

// ContextWithIdentity adds a verified identity to the context
func ContextWithIdentity(ctx context.Context, v *identity.Verdict) context.Context {
	return context.WithValue(ctx, verdictContextKey, v)
}

// APIKeyFromContext returns the API key a request authenticated with
func APIKeyFromContext(ctx context.Context) (security.APIKey, bool) {
	k, ok := ctx.Value(apiKeyContextKey).(security.APIKey)
	return k, ok
}

// ClientIPFromContext returns the client address resolved by the gateway
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey).(string)
	return ip
}

func bearerTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey).(string)
	return token
}
