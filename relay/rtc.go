package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/authgate/instrumentation"
)

const (
	// DefaultRTCTokenTTL is the lifetime of a join token when the request sets none
	DefaultRTCTokenTTL = time.Hour

	// MaxRTCTokenTTL caps requested lifetimes
	MaxRTCTokenTTL = 24 * time.Hour

	// minRTCSigningKeyLength is the HS256 key size recommended by RFC 7518
	minRTCSigningKeyLength = 32

	// RolePublisher may send and receive media
	RolePublisher = "publisher"

	// RoleSubscriber may only receive media
	RoleSubscriber = "subscriber"
)

// RTCConfig configures an RTCIssuer
type RTCConfig struct {
	// SigningKey is the HS256 key shared with the media server (at least 32 bytes)
	SigningKey []byte

	// Issuer and Audience become the iss and aud claims
	Issuer   string
	Audience string

	// DefaultTTL applies when a request sets no ttl (default: 1h)
	DefaultTTL time.Duration

	// Now overrides the clock (tests)
	Now func() time.Time
}

// RTCRequest is the payload of POST /v1/rtc/token
type RTCRequest struct {
	Room       string `json:"room" validate:"required,room"`
	Role       string `json:"role" validate:"omitempty,oneof=publisher subscriber"`
	TTLSeconds int    `json:"ttl_seconds" validate:"omitempty,min=60,max=86400"`
}

// RTCClaims are the claims of a join token
type RTCClaims struct {
	Room string `json:"room"`
	Role string `json:"role"`
	jwtlib.RegisteredClaims
}

// RTCToken is an issued join token
type RTCToken struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id"`
	Room      string    `json:"room"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RTCIssuer signs join tokens for a real-time communication server
type RTCIssuer struct {
	key        []byte
	issuer     string
	audience   string
	defaultTTL time.Duration
	now        func() time.Time
	validate   *validator.Validate

	instrumentation *instrumentation.Instrumentation
}

// NewRTCIssuer creates an issuer
func NewRTCIssuer(cfg RTCConfig) (*RTCIssuer, error) {
	if len(cfg.SigningKey) < minRTCSigningKeyLength {
		return nil, fmt.Errorf("rtc signing key must be at least %d bytes", minRTCSigningKeyLength)
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("rtc issuer is required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultRTCTokenTTL
	}
	if cfg.DefaultTTL > MaxRTCTokenTTL {
		return nil, fmt.Errorf("rtc default ttl %v exceeds maximum %v", cfg.DefaultTTL, MaxRTCTokenTTL)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	validate, err := newValidator()
	if err != nil {
		return nil, err
	}

	return &RTCIssuer{
		key:        append([]byte(nil), cfg.SigningKey...),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		defaultTTL: cfg.DefaultTTL,
		now:        cfg.Now,
		validate:   validate,
	}, nil
}

// SetInstrumentation enables relay metrics
func (i *RTCIssuer) SetInstrumentation(inst *instrumentation.Instrumentation) {
	i.instrumentation = inst
}

// Issue signs a join token for subject. Role defaults to subscriber.
func (i *RTCIssuer) Issue(ctx context.Context, subject string, req RTCRequest) (*RTCToken, error) {
	token, err := i.issue(subject, req)
	if i.instrumentation != nil {
		i.instrumentation.Metrics().RecordRelayOperation(ctx, "rtc_token", err == nil)
	}
	return token, err
}

func (i *RTCIssuer) issue(subject string, req RTCRequest) (*RTCToken, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if err := validateStruct(i.validate, req); err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = RoleSubscriber
	}
	ttl := i.defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	now := i.now()
	expiresAt := now.Add(ttl)
	tokenID := uuid.NewString()

	claims := RTCClaims{
		Room: req.Room,
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        tokenID,
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
	}
	if i.audience != "" {
		claims.Audience = jwtlib.ClaimStrings{i.audience}
	}

	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign rtc token: %w", err)
	}

	return &RTCToken{
		Token:     signed,
		TokenID:   tokenID,
		Room:      req.Room,
		Role:      role,
		ExpiresAt: expiresAt,
	}, nil
}
