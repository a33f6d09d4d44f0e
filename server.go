package authgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/giantswarm/authgate/identity"
	"github.com/giantswarm/authgate/instrumentation"
	"github.com/giantswarm/authgate/providers"
	"github.com/giantswarm/authgate/relay"
	"github.com/giantswarm/authgate/security"
	"github.com/giantswarm/authgate/storage"
	"github.com/giantswarm/authgate/storage/valkey"
)

// Server owns the gateway components and their background goroutines.
// Handler is the HTTP adapter in front of it.
type Server struct {
	Config *Config
	Logger *slog.Logger

	Verifier          providers.Verifier
	Cache             *identity.Cache
	Revocations       *identity.RevocationSet
	SharedRevocations storage.RevocationStore // nil unless revocations are shared

	AbuseTracker *security.AbuseTracker
	RateLimiter  *security.RateLimiter // nil when disabled
	Threats      *security.ThreatClassifier
	APIKeys      *security.APIKeyValidator
	Auditor      *security.Auditor

	Email *relay.EmailRelay // nil when disabled
	RTC   *relay.RTCIssuer  // nil when disabled

	Instrumentation *instrumentation.Instrumentation

	closeShared  func()
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a gateway server verifying bearer tokens with verifier.
// sender is only required when the email relay is enabled.
// Call Shutdown to stop background goroutines and flush telemetry.
func New(verifier providers.Verifier, sender relay.Sender, cfg *Config) (*Server, error) {
	if verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Relay.Email.Enabled && sender == nil {
		return nil, fmt.Errorf("email relay is enabled but no sender was provided")
	}

	s := &Server{
		Config:   cfg,
		Logger:   cfg.Logger,
		Verifier: verifier,
	}
	if err := s.init(sender); err != nil {
		_ = s.Shutdown(context.Background())
		return nil, err
	}

	s.Logger.Info("Gateway server initialized",
		"verifier", verifier.Name(),
		"api_keys", s.APIKeys.Len(),
		"revocation_store", cfg.Revocation.Store,
		"rate_limiting", s.RateLimiter != nil,
		"email_relay", s.Email != nil,
		"rtc_relay", s.RTC != nil,
		"instrumentation", cfg.Instrumentation.Enabled)

	return s, nil
}

func (s *Server) init(sender relay.Sender) error {
	cfg := s.Config
	var err error

	s.Instrumentation, err = instrumentation.New(instrumentation.Config{
		ServiceVersion:  cfg.Instrumentation.ServiceVersion,
		Enabled:         cfg.Instrumentation.Enabled,
		MetricsExporter: cfg.Instrumentation.MetricsExporter,
		LogClientIPs:    cfg.Instrumentation.LogClientIPs,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	if s.APIKeys, err = security.NewAPIKeyValidator(cfg.APIKeys.Keys); err != nil {
		return fmt.Errorf("failed to load api keys: %w", err)
	}

	if err := s.initSharedRevocations(); err != nil {
		return err
	}

	s.Revocations = identity.NewRevocationSet(identity.RevocationConfig{
		MaxEntries:       cfg.Revocation.MaxEntries,
		DefaultRetention: cfg.Revocation.DefaultRetention,
		CleanupInterval:  cfg.Revocation.CleanupInterval,
		Logger:           s.Logger,
	})

	s.Cache, err = identity.New(s.Verifier, identity.Config{
		MinTokenLength:    cfg.TokenCache.MinTokenLength,
		MaxTokenLength:    cfg.TokenCache.MaxTokenLength,
		UpstreamTimeout:   cfg.TokenCache.UpstreamTimeout,
		MaxEntries:        cfg.TokenCache.MaxEntries,
		SweepInterval:     cfg.TokenCache.SweepInterval,
		SweepProbability:  cfg.TokenCache.SweepProbability,
		Revocations:       s.Revocations,
		SharedRevocations: s.SharedRevocations,
		Logger:            s.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create token cache: %w", err)
	}
	s.Cache.SetInstrumentation(s.Instrumentation)

	s.AbuseTracker = security.NewAbuseTracker(security.AbuseConfig{
		Threshold:     cfg.Abuse.Threshold,
		Window:        cfg.Abuse.Window,
		BlockDuration: cfg.Abuse.BlockDuration,
		SweepInterval: cfg.Abuse.SweepInterval,
		MaxAddresses:  cfg.Abuse.MaxAddresses,
		Logger:        s.Logger,
	})
	s.AbuseTracker.SetInstrumentation(s.Instrumentation)

	if !cfg.RateLimit.Disabled {
		s.RateLimiter = security.NewRateLimiter(security.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			MaxEntries:        cfg.RateLimit.MaxEntries,
			CleanupInterval:   cfg.RateLimit.CleanupInterval,
			IdleTimeout:       cfg.RateLimit.IdleTimeout,
			Logger:            s.Logger,
		})
	}

	s.Threats = security.NewThreatClassifier(security.ThreatConfig{
		MaliciousUserAgents: cfg.Abuse.MaliciousUserAgents,
		AttackPatterns:      cfg.Abuse.AttackPatterns,
		MaxInspectBytes:     cfg.Abuse.MaxInspectBytes,
	})

	s.Auditor = security.NewAuditor(s.Logger, cfg.EnableAuditLogging)
	s.Auditor.SetInstrumentation(s.Instrumentation)

	if cfg.Relay.Email.Enabled {
		s.Email, err = relay.NewEmailRelay(sender, relay.EmailConfig{
			FromEmail:   cfg.Relay.Email.FromEmail,
			FromName:    cfg.Relay.Email.FromName,
			Sandbox:     cfg.Relay.Email.Sandbox,
			Templates:   cfg.Relay.Email.Templates,
			SendTimeout: cfg.Relay.Email.SendTimeout,
			Logger:      s.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create email relay: %w", err)
		}
		s.Email.SetInstrumentation(s.Instrumentation)
	}

	if cfg.Relay.RTC.Enabled {
		s.RTC, err = relay.NewRTCIssuer(relay.RTCConfig{
			SigningKey: cfg.Relay.RTC.SigningKey,
			Issuer:     cfg.Relay.RTC.Issuer,
			Audience:   cfg.Relay.RTC.Audience,
			DefaultTTL: cfg.Relay.RTC.DefaultTTL,
		})
		if err != nil {
			return fmt.Errorf("failed to create rtc issuer: %w", err)
		}
		s.RTC.SetInstrumentation(s.Instrumentation)
	}

	return s.registerGauges()
}

// initSharedRevocations connects the shared revocation store, if any
func (s *Server) initSharedRevocations() error {
	rc := s.Config.Revocation
	if rc.SharedStore != nil {
		s.SharedRevocations = rc.SharedStore
		return nil
	}
	if rc.Store != RevocationStoreValkey {
		return nil
	}

	store, err := valkey.New(valkey.Config{
		Address:   rc.Valkey.Address,
		Password:  rc.Valkey.Password,
		DB:        rc.Valkey.DB,
		KeyPrefix: rc.Valkey.KeyPrefix,
		TLS:       rc.Valkey.TLS,
		Logger:    s.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to connect revocation store: %w", err)
	}
	store.SetInstrumentation(s.Instrumentation)

	s.SharedRevocations = store
	s.closeShared = store.Close
	return nil
}

// registerGauges exposes the in-memory structure sizes as observable gauges
func (s *Server) registerGauges() error {
	cb := instrumentation.SizeCallbacks{
		TokenCacheEntries: func() int64 { return int64(s.Cache.Len()) },
		RevocationEntries: func() int64 { return int64(s.Revocations.Len()) },
		AbuseAddresses:    func() int64 { return int64(s.AbuseTracker.Stats().TrackedAddresses) },
		BlockedAddresses:  func() int64 { return int64(s.AbuseTracker.Stats().BlockedAddresses) },
	}
	if s.RateLimiter != nil {
		cb.RateLimiterEntries = func() int64 { return int64(s.RateLimiter.Len()) }
	}
	if err := s.Instrumentation.RegisterSizeCallbacks(cb); err != nil {
		return fmt.Errorf("failed to register size gauges: %w", err)
	}
	return nil
}

// Shutdown stops background goroutines, closes the shared store and flushes
// telemetry. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		if s.Cache != nil {
			s.Cache.Stop()
		}
		if s.Revocations != nil {
			s.Revocations.Stop()
		}
		if s.AbuseTracker != nil {
			s.AbuseTracker.Stop()
		}
		if s.RateLimiter != nil {
			s.RateLimiter.Stop()
		}
		if s.closeShared != nil {
			s.closeShared()
		}

		var errs []error
		if s.Instrumentation != nil {
			if err := s.Instrumentation.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("instrumentation shutdown: %w", err))
			}
		}
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}
