// Command authgate runs the API gateway.
//
// Configuration is read from environment variables. Use
//
//	authgate hash-key <key>
//
// to produce the bcrypt hash of an API key for API_KEYS.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/authgate"
	"github.com/giantswarm/authgate/providers"
	"github.com/giantswarm/authgate/providers/jwt"
	"github.com/giantswarm/authgate/providers/oidc"
	"github.com/giantswarm/authgate/relay"
	"github.com/giantswarm/authgate/security"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		if err := hashKey(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
		return
	}

	logger := setupLogger()
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := setupVerifier(logger)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	var sender relay.Sender
	if cfg.Relay.Email.Enabled {
		sender = sendgrid.NewSendClient(getEnvOrFail("SENDGRID_API_KEY"))
	}

	srv, err := authgate.New(verifier, sender, cfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	httpServer := &http.Server{
		Addr:              getEnvOrDefault("LISTEN_ADDR", ":8080"),
		Handler:           authgate.NewHandler(srv, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting gateway", "addr", httpServer.Addr, "version", version)
		if tlsCert := os.Getenv("TLS_CERT_FILE"); tlsCert != "" {
			serveErr <- httpServer.ListenAndServeTLS(tlsCert, getEnvOrFail("TLS_KEY_FILE"))
			return
		}
		logger.Warn("Serving plain HTTP, terminate TLS in front of the gateway")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down gateway")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	httpErr := httpServer.Shutdown(shutdownCtx)
	return errors.Join(httpErr, srv.Shutdown(shutdownCtx))
}

func setupVerifier(logger *slog.Logger) (providers.Verifier, error) {
	switch kind := getEnvOrDefault("VERIFIER", "jwt"); kind {
	case "jwt":
		cfg := &jwt.Config{
			HMACSecret: []byte(os.Getenv("JWT_HMAC_SECRET")),
			Issuer:     os.Getenv("JWT_ISSUER"),
			Audience:   os.Getenv("JWT_AUDIENCE"),
			Leeway:     getDurationEnv("JWT_LEEWAY", 5*time.Second),
		}
		if keyFile := os.Getenv("JWT_RSA_PUBLIC_KEY_FILE"); keyFile != "" {
			pem, err := os.ReadFile(keyFile)
			if err != nil {
				return nil, fmt.Errorf("read rsa public key: %w", err)
			}
			cfg.RSAPublicKeyPEM = pem
		}
		v, err := jwt.NewVerifier(cfg)
		if err != nil {
			return nil, fmt.Errorf("jwt verifier: %w", err)
		}
		return v, nil
	case "oidc":
		v, err := oidc.NewVerifier(&oidc.Config{
			IssuerURL:       os.Getenv("OIDC_ISSUER_URL"),
			UserInfoURL:     os.Getenv("OIDC_USERINFO_URL"),
			DefaultLifetime: getDurationEnv("OIDC_DEFAULT_LIFETIME", 0),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("oidc verifier: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown VERIFIER %q (want jwt or oidc)", kind)
	}
}

func loadConfig(logger *slog.Logger) (*authgate.Config, error) {
	keys, err := parseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return nil, err
	}

	blockDuration := getDurationEnv("ABUSE_BLOCK_DURATION", 0)
	if os.Getenv("ABUSE_BLOCK_DURATION") == "permanent" {
		blockDuration = security.PermanentBlock
	}

	cfg := &authgate.Config{
		TokenCache: authgate.TokenCacheConfig{
			UpstreamTimeout: getDurationEnv("UPSTREAM_TIMEOUT", 0),
			MaxEntries:      getIntEnv("TOKEN_CACHE_MAX_ENTRIES", 0),
		},
		Revocation: authgate.RevocationConfig{
			Store: getEnvOrDefault("REVOCATION_STORE", authgate.RevocationStoreMemory),
			Valkey: authgate.ValkeyConfig{
				Address:   os.Getenv("VALKEY_ADDR"),
				Password:  os.Getenv("VALKEY_PASSWORD"),
				DB:        getIntEnv("VALKEY_DB", 0),
				KeyPrefix: os.Getenv("VALKEY_KEY_PREFIX"),
			},
		},
		Abuse: authgate.AbuseConfig{
			Threshold:     getIntEnv("ABUSE_THRESHOLD", 0),
			Window:        getDurationEnv("ABUSE_WINDOW", 0),
			BlockDuration: blockDuration,
		},
		RateLimit: authgate.RateLimitConfig{
			Disabled:          getBoolEnv("RATE_LIMIT_DISABLED", false),
			RequestsPerSecond: getFloatEnv("RATE_LIMIT_RPS", 0),
			Burst:             getIntEnv("RATE_LIMIT_BURST", 0),
		},
		APIKeys: authgate.APIKeyConfig{Keys: keys},
		Relay: authgate.RelayConfig{
			Email: authgate.EmailConfig{
				Enabled:   os.Getenv("SENDGRID_API_KEY") != "",
				FromEmail: os.Getenv("EMAIL_FROM"),
				FromName:  os.Getenv("EMAIL_FROM_NAME"),
				Sandbox:   getBoolEnv("EMAIL_SANDBOX", false),
			},
			RTC: authgate.RTCConfig{
				Enabled:    os.Getenv("RTC_SIGNING_KEY") != "",
				SigningKey: []byte(os.Getenv("RTC_SIGNING_KEY")),
				Issuer:     getEnvOrDefault("RTC_ISSUER", "authgate"),
				Audience:   os.Getenv("RTC_AUDIENCE"),
			},
		},
		Instrumentation: authgate.InstrumentationConfig{
			Enabled:         getBoolEnv("METRICS_ENABLED", false),
			MetricsExporter: getEnvOrDefault("METRICS_EXPORTER", "prometheus"),
			ServiceVersion:  version,
			LogClientIPs:    getBoolEnv("LOG_CLIENT_IPS", false),
		},
		TrustProxy:         getBoolEnv("TRUST_PROXY", false),
		TrustedProxyCount:  getIntEnv("TRUSTED_PROXY_COUNT", 0),
		EnableHSTS:         getBoolEnv("ENABLE_HSTS", false),
		EnableAuditLogging: getBoolEnv("AUDIT_LOGGING", true),
		Logger:             logger,
	}

	if getBoolEnv("VALKEY_TLS", false) {
		cfg.Revocation.Valkey.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if !cfg.Instrumentation.Enabled {
		cfg.Instrumentation.MetricsExporter = ""
	}

	return cfg, nil
}

// parseAPIKeys parses "name:bcrypt-hash[:admin]" entries separated by commas
func parseAPIKeys(raw string) ([]security.APIKey, error) {
	var keys []security.APIKey
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid API_KEYS entry %q (want name:hash[:admin])", entry)
		}
		key := security.APIKey{Name: parts[0], Hash: []byte(parts[1])}
		if len(parts) == 3 {
			if parts[2] != "admin" {
				return nil, fmt.Errorf("invalid API_KEYS flag %q for %q", parts[2], parts[0])
			}
			key.Admin = true
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func hashKey(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: authgate hash-key <key>")
	}
	hash, err := security.HashAPIKey(args[0], bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(string(hash))
	return nil
}

func setupLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: getLogLevel()}

	var handler slog.Handler
	if getEnvOrDefault("LOG_FORMAT", "json") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func getLogLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvOrFail(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("Environment variable %s is required", key)
	}
	return value
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getFloatEnv(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
