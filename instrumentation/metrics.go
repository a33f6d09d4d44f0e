package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the gateway
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Identity
	TokenVerifications metric.Int64Counter
	TokenCacheLookups  metric.Int64Counter
	TokenCacheEvicted  metric.Int64Counter
	TokensRevoked      metric.Int64Counter
	TokenCacheEntries  metric.Int64ObservableGauge
	RevocationEntries  metric.Int64ObservableGauge

	// Security
	RateLimitExceeded     metric.Int64Counter
	AbuseFailures         metric.Int64Counter
	AddressesBlocked      metric.Int64Counter
	APIKeyRejected        metric.Int64Counter
	AbuseTrackedAddresses metric.Int64ObservableGauge
	AbuseBlockedAddresses metric.Int64ObservableGauge
	RateLimiterEntries    metric.Int64ObservableGauge

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	// Provider
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Relay
	RelayOperations metric.Int64Counter

	// Audit
	AuditEventsTotal metric.Int64Counter
}

type counterSpec struct {
	dst         *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

type histogramSpec struct {
	dst         *metric.Float64Histogram
	meter       metric.Meter
	name        string
	description string
}

type gaugeSpec struct {
	dst         *metric.Int64ObservableGauge
	meter       metric.Meter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	identityMeter := inst.Meter("identity")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")
	relayMeter := inst.Meter("relay")
	// Gauges share the meter RegisterSizeCallbacks registers against
	memoryMeter := inst.Meter("memory")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "authgate.http.requests", "Total number of HTTP requests", "{request}"},
		{&m.TokenVerifications, identityMeter, "authgate.token.verifications", "Token verifications by outcome", "{verification}"},
		{&m.TokenCacheLookups, identityMeter, "authgate.token_cache.lookups", "Verdict cache lookups by result", "{lookup}"},
		{&m.TokenCacheEvicted, identityMeter, "authgate.token_cache.evictions", "Verdicts removed by expiry sweep or capacity eviction", "{verdict}"},
		{&m.TokensRevoked, identityMeter, "authgate.token.revocations", "Number of tokens revoked", "{revocation}"},
		{&m.RateLimitExceeded, securityMeter, "authgate.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.AbuseFailures, securityMeter, "authgate.abuse.failures", "Abuse failures recorded by trigger", "{failure}"},
		{&m.AddressesBlocked, securityMeter, "authgate.abuse.blocks", "Number of source addresses blocked", "{address}"},
		{&m.APIKeyRejected, securityMeter, "authgate.api_key.rejected", "Number of requests with a missing or unknown API key", "{request}"},
		{&m.StorageOperationTotal, storageMeter, "authgate.storage.operations", "Total number of shared store operations", "{operation}"},
		{&m.ProviderAPICallsTotal, providerMeter, "authgate.provider.calls", "Total number of identity provider calls", "{call}"},
		{&m.ProviderAPIErrors, providerMeter, "authgate.provider.errors", "Identity provider call failures by reason", "{error}"},
		{&m.RelayOperations, relayMeter, "authgate.relay.operations", "Outbound relay operations by kind and result", "{operation}"},
		{&m.AuditEventsTotal, securityMeter, "authgate.audit.events", "Total number of audit events", "{event}"},
	}
	for _, c := range counters {
		var err error
		*c.dst, err = c.meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	histograms := []histogramSpec{
		{&m.HTTPRequestDuration, httpMeter, "authgate.http.request.duration", "HTTP request duration in milliseconds"},
		{&m.StorageOperationDuration, storageMeter, "authgate.storage.operation.duration", "Shared store operation duration in milliseconds"},
		{&m.ProviderAPIDuration, providerMeter, "authgate.provider.duration", "Identity provider call duration in milliseconds"},
	}
	for _, h := range histograms {
		var err error
		*h.dst, err = h.meter.Float64Histogram(h.name, metric.WithDescription(h.description), metric.WithUnit("ms"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
	}

	gauges := []gaugeSpec{
		{&m.TokenCacheEntries, memoryMeter, "authgate.token_cache.entries", "Current number of cached verdicts", "{verdict}"},
		{&m.RevocationEntries, memoryMeter, "authgate.revocation.entries", "Current number of revoked tokens held locally", "{token}"},
		{&m.AbuseTrackedAddresses, memoryMeter, "authgate.abuse.tracked_addresses", "Current number of addresses with recorded failures", "{address}"},
		{&m.AbuseBlockedAddresses, memoryMeter, "authgate.abuse.blocked_addresses", "Current number of blocked addresses", "{address}"},
		{&m.RateLimiterEntries, memoryMeter, "authgate.rate_limit.active_limiters", "Current number of per-address limiters", "{limiter}"},
	}
	for _, g := range gauges {
		var err error
		*g.dst, err = g.meter.Int64ObservableGauge(g.name, metric.WithDescription(g.description), metric.WithUnit(g.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordTokenVerification records a verification outcome ("accepted" or a rejection reason)
// and where the answer came from ("cache", "upstream" or "local")
func (m *Metrics) RecordTokenVerification(ctx context.Context, outcome, source string) {
	m.TokenVerifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("source", source),
	))
}

// RecordTokenCacheLookup records a verdict cache hit or miss
func (m *Metrics) RecordTokenCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.TokenCacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTokenCacheEviction records verdicts removed for the given reason ("expired", "capacity")
func (m *Metrics) RecordTokenCacheEviction(ctx context.Context, reason string, count int) {
	if count <= 0 {
		return
	}
	m.TokenCacheEvicted.Add(ctx, int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTokenRevocation records a revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, shared bool) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(attribute.Bool("shared", shared)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordAbuseFailure records an abuse failure by trigger
func (m *Metrics) RecordAbuseFailure(ctx context.Context, trigger string) {
	m.AbuseFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordAddressBlocked records a block decision
func (m *Metrics) RecordAddressBlocked(ctx context.Context) {
	m.AddressesBlocked.Add(ctx, 1)
}

// RecordAPIKeyRejected records a request rejected by API key validation
func (m *Metrics) RecordAPIKeyRejected(ctx context.Context, reason string) {
	m.APIKeyRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordStorageOperation records a shared store operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records an identity provider call. errorReason is empty on success.
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, durationMs float64, errorReason string) {
	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if errorReason != "" {
		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("error_type", errorReason),
		))
	}
}

// RecordRelayOperation records an outbound relay call ("email", "rtc_token")
func (m *Metrics) RecordRelayOperation(ctx context.Context, kind string, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	m.RelayOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
