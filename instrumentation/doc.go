// Package instrumentation provides OpenTelemetry metrics and tracing for the gateway.
//
// When disabled, no-op providers are used and recording costs nothing. When enabled
// with MetricsExporter "prometheus", an SDK meter provider feeds a dedicated
// Prometheus registry served by MetricsHandler.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "authgate",
//		ServiceVersion:  version,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP:
//   - authgate.http.requests{method, endpoint, status}
//   - authgate.http.request.duration{endpoint}
//
// Identity:
//   - authgate.token.verifications{outcome, source}
//   - authgate.token_cache.lookups{result}
//   - authgate.token_cache.evictions{reason}
//   - authgate.token.revocations{shared}
//   - authgate.token_cache.entries, authgate.revocation.entries (gauges)
//
// Security:
//   - authgate.rate_limit.exceeded{limiter_type}
//   - authgate.abuse.failures{trigger}, authgate.abuse.blocks
//   - authgate.api_key.rejected{reason}
//   - authgate.abuse.tracked_addresses, authgate.abuse.blocked_addresses,
//     authgate.rate_limit.active_limiters (gauges)
//
// Storage, provider and relay:
//   - authgate.storage.operations{operation, result}, authgate.storage.operation.duration
//   - authgate.provider.calls{provider, operation}, authgate.provider.duration,
//     authgate.provider.errors{provider, operation, error_type}
//   - authgate.relay.operations{kind, result}
//
// Labels are drawn from small fixed sets. Subject IDs and client addresses never
// appear as metric labels; client addresses appear on spans only when
// Config.LogClientIPs is set.
package instrumentation
