package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/authgate/instrumentation"
	"github.com/giantswarm/authgate/internal/util"
	"github.com/giantswarm/authgate/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authgate:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// luaRevokeKeepLater writes the revocation marker unless an existing marker
// already outlives the requested TTL. ARGV[1] is the TTL in milliseconds.
const luaRevokeKeepLater = `
local current = redis.call('PTTL', KEYS[1])
if current == -1 then
    return 0
end
local ttl = tonumber(ARGV[1])
if current < ttl then
    redis.call('SET', KEYS[1], '1', 'PX', ttl)
    return 1
end
return 0
`

// Config holds configuration for the Valkey revocation store.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authgate:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.RevocationStore. Tokens are stored as
// SHA-256 digests under {prefix}revoked:{digest} with the revocation's TTL.
type Store struct {
	client          valkeygo.Client
	prefix          string
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	now             func() time.Time
}

var _ storage.RevocationStore = (*Store)(nil)

// New creates a new Valkey-backed revocation store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey revocation store",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey revocation store connection closed")
}

// SetInstrumentation enables operation metrics
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Revoke marks token as revoked until the given time. Deadlines in the past are
// a no-op; an existing later deadline is kept.
func (s *Store) Revoke(ctx context.Context, token string, until time.Time) (err error) {
	if token == "" {
		return storage.ErrEmptyToken
	}
	start := s.now()
	defer func() { s.record(ctx, "revoke", start, err) }()

	ttl := until.Sub(start)
	if ttl <= 0 {
		return nil
	}
	ttlMs := ttl.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}

	key := s.revokedKey(token)
	written, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeKeepLater).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", ttlMs)).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.logger.Debug("Revoked token in shared store",
		"token_prefix", util.SafeTruncate(token, 8),
		"ttl", ttl,
		"updated", written == 1)
	return nil
}

// IsRevoked reports whether a revocation marker exists for token
func (s *Store) IsRevoked(ctx context.Context, token string) (revoked bool, err error) {
	if token == "" {
		return false, nil
	}
	start := s.now()
	defer func() { s.record(ctx, "is_revoked", start, err) }()

	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.revokedKey(token)).Build()).AsInt64()
	if err != nil {
		if isNilError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// revokedKey never embeds the raw token
func (s *Store) revokedKey(token string) string {
	return s.prefix + "revoked:" + util.Fingerprint(token)
}

func (s *Store) record(ctx context.Context, operation string, start time.Time, err error) {
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	durationMs := float64(s.now().Sub(start).Microseconds()) / 1000.0
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
