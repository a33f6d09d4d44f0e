// Package jwt verifies signed JSON Web Tokens locally, without a network round trip
// to the identity provider. HS256 (shared secret) and RS256 (public key) are supported.
package jwt

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/authgate/providers"
)

// Config holds JWT verifier configuration
type Config struct {
	// HMACSecret enables HS256 verification with a shared secret
	HMACSecret []byte

	// RSAPublicKeyPEM enables RS256 verification with a PEM-encoded public key
	RSAPublicKeyPEM []byte

	// Issuer, when set, must match the "iss" claim
	Issuer string

	// Audience, when set, must be present in the "aud" claim
	Audience string

	// Leeway tolerates clock skew when checking exp/nbf/iat
	Leeway time.Duration

	// Now overrides the clock used for time-based claims (tests)
	Now func() time.Time
}

// Verifier implements providers.Verifier for signed JWTs
type Verifier struct {
	hmacSecret []byte
	publicKey  *rsa.PublicKey
	parser     *jwtlib.Parser
}

// NewVerifier creates a JWT verifier. At least one key must be configured.
func NewVerifier(cfg *Config) (*Verifier, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if len(cfg.HMACSecret) == 0 && len(cfg.RSAPublicKeyPEM) == 0 {
		return nil, fmt.Errorf("either an HMAC secret or an RSA public key is required")
	}

	v := &Verifier{hmacSecret: cfg.HMACSecret}
	methods := make([]string, 0, 2)
	if len(cfg.HMACSecret) > 0 {
		methods = append(methods, jwtlib.SigningMethodHS256.Alg())
	}
	if len(cfg.RSAPublicKeyPEM) > 0 {
		key, err := jwtlib.ParseRSAPublicKeyFromPEM(cfg.RSAPublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA public key: %w", err)
		}
		v.publicKey = key
		methods = append(methods, jwtlib.SigningMethodRS256.Alg())
	}

	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods(methods),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(cfg.Audience))
	}
	if cfg.Now != nil {
		opts = append(opts, jwtlib.WithTimeFunc(cfg.Now))
	}
	v.parser = jwtlib.NewParser(opts...)

	return v, nil
}

// Name returns the verifier name
func (v *Verifier) Name() string {
	return "jwt"
}

// VerifyToken checks the signature and registered claims of a JWT
func (v *Verifier) VerifyToken(_ context.Context, token string) (*providers.Identity, error) {
	claims := jwtlib.MapClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, v.keyFunc); err != nil {
		return nil, classify(err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("%w: missing subject claim", providers.ErrTokenInvalid)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing expiration claim", providers.ErrTokenMalformed)
	}

	email, _ := claims["email"].(string)

	return &providers.Identity{
		SubjectID: subject,
		Email:     email,
		Claims:    map[string]any(claims),
		ExpiresAt: exp.Time,
	}, nil
}

// keyFunc selects the verification key from the token's signing method
func (v *Verifier) keyFunc(token *jwtlib.Token) (any, error) {
	switch token.Method.(type) {
	case *jwtlib.SigningMethodHMAC:
		if len(v.hmacSecret) == 0 {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return v.hmacSecret, nil
	case *jwtlib.SigningMethodRSA:
		if v.publicKey == nil {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return v.publicKey, nil
	default:
		return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
	}
}

// classify maps jwt library errors onto the provider failure kinds
func classify(err error) error {
	switch {
	case errors.Is(err, jwtlib.ErrTokenExpired):
		return fmt.Errorf("%w: %v", providers.ErrTokenExpired, err)
	case errors.Is(err, jwtlib.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", providers.ErrTokenMalformed, err)
	default:
		return fmt.Errorf("%w: %v", providers.ErrTokenInvalid, err)
	}
}

// Compile-time interface check
var _ providers.Verifier = (*Verifier)(nil)
