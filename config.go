package authgate

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/authgate/identity"
	"github.com/giantswarm/authgate/instrumentation"
	"github.com/giantswarm/authgate/relay"
	"github.com/giantswarm/authgate/security"
	"github.com/giantswarm/authgate/storage"
)

const (
	// DefaultMaxBodyBytes caps request bodies on the API routes
	DefaultMaxBodyBytes = 1 << 20

	// DefaultTrustedProxyCount is used when TrustProxy is enabled without a count
	DefaultTrustedProxyCount = 1

	// RevocationStoreMemory keeps revocations process-local
	RevocationStoreMemory = "memory"

	// RevocationStoreValkey additionally shares revocations through Valkey
	RevocationStoreValkey = "valkey"
)

// Config holds the gateway configuration.
// Structured using composition; zero values are replaced by applyDefaults.
type Config struct {
	// TokenCache configures bearer token verification
	TokenCache TokenCacheConfig

	// Revocation configures the local and the optional shared revocation set
	Revocation RevocationConfig

	// Abuse configures failure tracking, blocking and the threat classifier
	Abuse AbuseConfig

	// RateLimit configures the per-address request throttler
	RateLimit RateLimitConfig

	// APIKeys lists the issued API keys
	APIKeys APIKeyConfig

	// Relay configures the email relay and the RTC token issuer
	Relay RelayConfig

	// Instrumentation configures metrics and tracing
	Instrumentation InstrumentationConfig

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the gateway (default: 1)
	TrustedProxyCount int

	// MaxBodyBytes caps request bodies (default: 1 MiB)
	MaxBodyBytes int64

	// EnableHSTS adds Strict-Transport-Security to every response.
	// Enable when the gateway is only reachable over HTTPS.
	EnableHSTS bool

	// EnableAuditLogging enables security audit logging (sensitive data hashed)
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// TokenCacheConfig configures the token verification cache
type TokenCacheConfig struct {
	// MinTokenLength and MaxTokenLength bound plausible tokens (default: 4 and 4096)
	MinTokenLength int
	MaxTokenLength int

	// UpstreamTimeout bounds a provider or shared store call (default: 5s)
	UpstreamTimeout time.Duration

	// MaxEntries caps cached verdicts (default: 10000)
	MaxEntries int

	// SweepInterval is how often expired verdicts are removed (default: 1m)
	SweepInterval time.Duration

	// SweepProbability triggers an extra sweep on a verification (default: 0)
	SweepProbability float64
}

// RevocationConfig configures token revocation
type RevocationConfig struct {
	// MaxEntries caps the local revocation set (default: 100000)
	MaxEntries int

	// DefaultRetention applies when a token's expiry is unknown (default: 24h)
	DefaultRetention time.Duration

	// CleanupInterval is how often expired revocations are dropped (default: 1m)
	CleanupInterval time.Duration

	// Store is "memory" (default) or "valkey"
	Store string

	// Valkey is required when Store is "valkey"
	Valkey ValkeyConfig

	// SharedStore overrides Store with a ready-made shared store
	SharedStore storage.RevocationStore
}

// ValkeyConfig holds the shared revocation store connection settings
type ValkeyConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TLS       *tls.Config
}

// AbuseConfig configures abuse tracking and request classification
type AbuseConfig struct {
	// Threshold is how many failures within Window block an address (default: 100)
	Threshold int

	// Window is the trailing window failures are counted in (default: 1h)
	Window time.Duration

	// BlockDuration is how long a block lasts (default: 24h).
	// security.PermanentBlock keeps blocks until they are lifted manually.
	BlockDuration time.Duration

	// SweepInterval is how often stale failures are swept (default: 5m)
	SweepInterval time.Duration

	// MaxAddresses caps tracked addresses (default: 100000)
	MaxAddresses int

	// MaliciousUserAgents and AttackPatterns replace the classifier's default lists when set
	MaliciousUserAgents []string
	AttackPatterns      []string

	// MaxInspectBytes bounds how much of a body the classifier reads (default: 64 KiB)
	MaxInspectBytes int64
}

// RateLimitConfig configures the per-address request throttler
type RateLimitConfig struct {
	// Disabled turns the throttler off
	Disabled bool

	// RequestsPerSecond is the refill rate per address (default: 10)
	RequestsPerSecond float64

	// Burst is the bucket size per address (default: 20)
	Burst int

	// MaxEntries caps tracked addresses (default: 10000)
	MaxEntries int

	// CleanupInterval is how often idle limiters are dropped (default: 5m)
	CleanupInterval time.Duration

	// IdleTimeout is how long a limiter may stay unused (default: 30m)
	IdleTimeout time.Duration
}

// APIKeyConfig lists the issued API keys (bcrypt hashes)
type APIKeyConfig struct {
	Keys []security.APIKey
}

// RelayConfig configures the relays. Disabled relays answer 404.
type RelayConfig struct {
	Email EmailConfig
	RTC   RTCConfig
}

// EmailConfig configures the transactional email relay
type EmailConfig struct {
	Enabled   bool
	FromEmail string
	FromName  string

	// Sandbox asks SendGrid to accept messages without delivering them
	Sandbox bool

	// Templates replaces the built-in templates when set
	Templates map[string]relay.EmailTemplate

	// SendTimeout bounds a single provider call (default: 10s)
	SendTimeout time.Duration
}

// RTCConfig configures the real-time communication token issuer
type RTCConfig struct {
	Enabled bool

	// SigningKey is the HS256 key shared with the media server (at least 32 bytes)
	SigningKey []byte

	Issuer   string
	Audience string

	// DefaultTTL applies when a request asks for no lifetime (default: 1h)
	DefaultTTL time.Duration
}

// InstrumentationConfig configures metrics and tracing
type InstrumentationConfig struct {
	// Enabled turns on the OpenTelemetry providers
	Enabled bool

	// MetricsExporter is "prometheus" or "none" (default)
	MetricsExporter string

	// ServiceVersion is reported as the service.version resource attribute
	ServiceVersion string

	// LogClientIPs allows client addresses in spans and audit logs.
	// When false they are hashed.
	LogClientIPs bool
}

// applyDefaults fills zero values with the package defaults
func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.TrustProxy && c.TrustedProxyCount <= 0 {
		c.TrustedProxyCount = DefaultTrustedProxyCount
	}

	tc := &c.TokenCache
	if tc.MinTokenLength <= 0 {
		tc.MinTokenLength = identity.DefaultMinTokenLength
	}
	if tc.MaxTokenLength <= 0 {
		tc.MaxTokenLength = identity.DefaultMaxTokenLength
	}
	if tc.UpstreamTimeout <= 0 {
		tc.UpstreamTimeout = identity.DefaultUpstreamTimeout
	}
	if tc.MaxEntries <= 0 {
		tc.MaxEntries = identity.DefaultMaxEntries
	}
	if tc.SweepInterval <= 0 {
		tc.SweepInterval = identity.DefaultSweepInterval
	}

	rc := &c.Revocation
	if rc.MaxEntries <= 0 {
		rc.MaxEntries = identity.DefaultRevocationMaxEntries
	}
	if rc.DefaultRetention <= 0 {
		rc.DefaultRetention = identity.DefaultRevocationRetention
	}
	if rc.CleanupInterval <= 0 {
		rc.CleanupInterval = identity.DefaultRevocationCleanupInterval
	}
	if rc.Store == "" {
		rc.Store = RevocationStoreMemory
	}

	ac := &c.Abuse
	if ac.Threshold <= 0 {
		ac.Threshold = security.DefaultAbuseThreshold
	}
	if ac.Window <= 0 {
		ac.Window = security.DefaultAbuseWindow
	}
	if ac.BlockDuration == 0 {
		ac.BlockDuration = security.DefaultBlockDuration
	}
	if ac.SweepInterval <= 0 {
		ac.SweepInterval = security.DefaultAbuseSweepInterval
	}
	if ac.MaxAddresses <= 0 {
		ac.MaxAddresses = security.DefaultMaxAbuseAddresses
	}
	if ac.MaxInspectBytes <= 0 {
		ac.MaxInspectBytes = security.DefaultMaxInspectBytes
	}

	rl := &c.RateLimit
	if rl.RequestsPerSecond <= 0 {
		rl.RequestsPerSecond = security.DefaultRequestsPerSecond
	}
	if rl.Burst <= 0 {
		rl.Burst = security.DefaultBurst
	}
	if rl.MaxEntries <= 0 {
		rl.MaxEntries = security.DefaultMaxLimiterEntries
	}

	if c.Relay.Email.SendTimeout <= 0 {
		c.Relay.Email.SendTimeout = relay.DefaultSendTimeout
	}
	if c.Relay.RTC.DefaultTTL <= 0 {
		c.Relay.RTC.DefaultTTL = relay.DefaultRTCTokenTTL
	}

	if c.Instrumentation.MetricsExporter == "" {
		c.Instrumentation.MetricsExporter = instrumentation.ExporterNone
	}
}

// Validate reports configuration errors. It expects defaults to be applied.
func (c *Config) Validate() error {
	var errs []error

	if len(c.APIKeys.Keys) == 0 {
		errs = append(errs, fmt.Errorf("at least one API key is required"))
	}
	if c.TokenCache.MinTokenLength > c.TokenCache.MaxTokenLength {
		errs = append(errs, fmt.Errorf("token cache: min token length %d exceeds max token length %d",
			c.TokenCache.MinTokenLength, c.TokenCache.MaxTokenLength))
	}
	if p := c.TokenCache.SweepProbability; p < 0 || p > 1 {
		errs = append(errs, fmt.Errorf("token cache: sweep probability must be within [0, 1], got %v", p))
	}

	switch c.Revocation.Store {
	case RevocationStoreMemory:
	case RevocationStoreValkey:
		if c.Revocation.SharedStore == nil && c.Revocation.Valkey.Address == "" {
			errs = append(errs, fmt.Errorf("revocation: valkey address is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("revocation: unknown store %q", c.Revocation.Store))
	}

	if c.Abuse.BlockDuration < 0 && c.Abuse.BlockDuration != security.PermanentBlock {
		errs = append(errs, fmt.Errorf("abuse: block duration must be positive or PermanentBlock"))
	}

	if c.Relay.Email.Enabled && c.Relay.Email.FromEmail == "" {
		errs = append(errs, fmt.Errorf("email relay: from address is required"))
	}
	if c.Relay.RTC.Enabled {
		if c.Relay.RTC.Issuer == "" {
			errs = append(errs, fmt.Errorf("rtc relay: issuer is required"))
		}
		if c.Relay.RTC.DefaultTTL > relay.MaxRTCTokenTTL {
			errs = append(errs, fmt.Errorf("rtc relay: default ttl %v exceeds maximum %v",
				c.Relay.RTC.DefaultTTL, relay.MaxRTCTokenTTL))
		}
	}

	switch c.Instrumentation.MetricsExporter {
	case instrumentation.ExporterNone, instrumentation.ExporterPrometheus:
	default:
		errs = append(errs, fmt.Errorf("instrumentation: unknown metrics exporter %q", c.Instrumentation.MetricsExporter))
	}

	return errors.Join(errs...)
}
