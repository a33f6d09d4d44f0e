package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/giantswarm/authgate/providers"
)

const (
	// DefaultTokenLifetime is assumed when neither the token nor userinfo carries an expiry
	DefaultTokenLifetime = 5 * time.Minute

	maxUserInfoSize = 1 << 20
)

// Config holds OIDC verifier configuration
type Config struct {
	// IssuerURL is used for discovery when UserInfoURL is empty
	IssuerURL string

	// UserInfoURL skips discovery when set
	UserInfoURL string

	// DefaultLifetime bounds how long a verdict is trusted when the token
	// carries no readable expiry (default: DefaultTokenLifetime)
	DefaultLifetime time.Duration

	// HTTPClient is used for discovery and userinfo requests (default: 10s timeout)
	HTTPClient *http.Client
}

// Verifier implements providers.Verifier by calling the provider's userinfo endpoint
type Verifier struct {
	issuerURL       string
	defaultLifetime time.Duration
	httpClient      *http.Client
	discovery       *DiscoveryClient
	logger          *slog.Logger
	now             func() time.Time

	mu          sync.RWMutex
	userInfoURL string
}

// NewVerifier creates an OIDC userinfo verifier
func NewVerifier(cfg *Config, logger *slog.Logger) (*Verifier, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.IssuerURL == "" && cfg.UserInfoURL == "" {
		return nil, fmt.Errorf("either issuer URL or userinfo URL is required")
	}
	if cfg.UserInfoURL != "" {
		if err := ValidateEndpointURL(cfg.UserInfoURL); err != nil {
			return nil, fmt.Errorf("invalid userinfo URL: %w", err)
		}
	} else if err := ValidateIssuerURL(cfg.IssuerURL); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	lifetime := cfg.DefaultLifetime
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}

	return &Verifier{
		issuerURL:       cfg.IssuerURL,
		userInfoURL:     cfg.UserInfoURL,
		defaultLifetime: lifetime,
		httpClient:      httpClient,
		discovery:       NewDiscoveryClient(httpClient, 0, logger),
		logger:          logger,
		now:             time.Now,
	}, nil
}

// Name returns the verifier name
func (v *Verifier) Name() string {
	return "oidc"
}

// VerifyToken validates an access token by calling the userinfo endpoint with it
func (v *Verifier) VerifyToken(ctx context.Context, accessToken string) (*providers.Identity, error) {
	endpoint, err := v.resolveUserInfoURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", providers.ErrUnavailable, err)
	}

	// oauth2 picks the base transport up from the context
	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo request failed: %w", providers.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var claims map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoSize)).Decode(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to decode user info: %w", providers.ErrUnavailable, err)
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: userinfo response has no subject", providers.ErrTokenInvalid)
	}

	if groups, ok := stringSlice(claims["groups"]); ok {
		if err := ValidateGroups(groups); err != nil {
			return nil, fmt.Errorf("%w: %w", providers.ErrTokenInvalid, err)
		}
	}

	email, _ := claims["email"].(string)

	return &providers.Identity{
		SubjectID: subject,
		Email:     email,
		Claims:    claims,
		ExpiresAt: v.expiryFor(accessToken, claims),
	}, nil
}

// resolveUserInfoURL returns the configured endpoint or discovers it once
func (v *Verifier) resolveUserInfoURL(ctx context.Context) (string, error) {
	v.mu.RLock()
	endpoint := v.userInfoURL
	v.mu.RUnlock()
	if endpoint != "" {
		return endpoint, nil
	}

	doc, err := v.discovery.Discover(ctx, v.issuerURL)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	v.userInfoURL = doc.UserInfoEndpoint
	v.mu.Unlock()

	return doc.UserInfoEndpoint, nil
}

// expiryFor reads the expiry from a JWT access token (signature is checked by
// the provider, not here), then from the userinfo claims, then falls back to
// the default lifetime.
func (v *Verifier) expiryFor(accessToken string, claims map[string]any) time.Time {
	if strings.Count(accessToken, ".") == 2 {
		parsed := jwtlib.MapClaims{}
		if _, _, err := jwtlib.NewParser().ParseUnverified(accessToken, parsed); err == nil {
			if exp, err := parsed.GetExpirationTime(); err == nil && exp != nil {
				return exp.Time
			}
		}
	}

	if exp, err := jwtlib.MapClaims(claims).GetExpirationTime(); err == nil && exp != nil {
		return exp.Time
	}

	return v.now().Add(v.defaultLifetime)
}

// classifyStatus maps a non-200 userinfo response to a provider error
func classifyStatus(resp *http.Response) error {
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: userinfo returned status %d", providers.ErrUnavailable, status)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: userinfo returned status %d", providers.ErrTokenMalformed, status)
	case status == http.StatusUnauthorized:
		return classifyChallenge(resp.Header.Get("WWW-Authenticate"))
	default:
		return fmt.Errorf("%w: userinfo returned status %d", providers.ErrTokenInvalid, status)
	}
}

// classifyChallenge inspects a Bearer WWW-Authenticate challenge (RFC 6750 §3)
func classifyChallenge(challenge string) error {
	lower := strings.ToLower(challenge)
	switch {
	case strings.Contains(lower, "expired"):
		return fmt.Errorf("%w: %s", providers.ErrTokenExpired, challenge)
	case strings.Contains(lower, "revoked"):
		return fmt.Errorf("%w: %s", providers.ErrTokenRevoked, challenge)
	case strings.Contains(lower, `error="invalid_request"`):
		return fmt.Errorf("%w: %s", providers.ErrTokenMalformed, challenge)
	default:
		return fmt.Errorf("%w: userinfo returned status 401", providers.ErrTokenInvalid)
	}
}

func stringSlice(v any) ([]string, bool) {
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Compile-time interface check
var _ providers.Verifier = (*Verifier)(nil)
