package instrumentation

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when none is provided
	DefaultServiceName = "authgate"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// ExporterPrometheus selects the Prometheus pull exporter
	ExporterPrometheus = "prometheus"

	// ExporterNone keeps metric recording in-process without exporting
	ExporterNone = "none"

	scopePrefix = "github.com/giantswarm/authgate/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (default: "authgate")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// MetricsExporter selects the exporter: "prometheus" or "none" (default)
	MetricsExporter string

	// LogClientIPs controls whether client addresses appear in span attributes.
	// Client IPs may be personal data under GDPR; leave disabled unless required.
	LogClientIPs bool

	// Resource allows custom resource attributes.
	// If nil, a resource is created with service name and version.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	// registry is set when the Prometheus exporter is active
	registry *prometheus.Registry

	metrics *Metrics

	// Shutdown functions are registered during New() only
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	if config.MetricsExporter == "" {
		config.MetricsExporter = ExporterNone
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders builds the SDK meter provider for the configured exporter.
// Tracing stays on the no-op provider until a span exporter is configured.
func (i *Instrumentation) initializeProviders() error {
	i.tracerProvider = tracenoop.NewTracerProvider()

	switch i.config.MetricsExporter {
	case ExporterPrometheus:
		registry := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(i.resource),
			sdkmetric.WithReader(exporter),
		)
		i.meterProvider = mp
		i.registry = registry
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	case ExporterNone:
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(i.resource))
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	return nil
}

// Shutdown flushes and stops all providers. Safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			// Keep the first error but shut everything down
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope ("http", "identity", "security", ...)
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs reports whether client addresses may be recorded
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// MetricsHandler serves the Prometheus exposition format. It returns nil
// unless the Prometheus exporter is active.
func (i *Instrumentation) MetricsHandler() http.Handler {
	if i.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// SizeCallback returns the current size of an in-memory structure
type SizeCallback func() int64

// SizeCallbacks groups the gauges observed at collection time. Nil entries are skipped.
type SizeCallbacks struct {
	TokenCacheEntries  SizeCallback
	RevocationEntries  SizeCallback
	AbuseAddresses     SizeCallback
	BlockedAddresses   SizeCallback
	RateLimiterEntries SizeCallback
}

// RegisterSizeCallbacks registers observable gauge callbacks for in-memory structure sizes
func (i *Instrumentation) RegisterSizeCallbacks(cb SizeCallbacks) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	m := i.metrics
	observe := []struct {
		gauge metric.Int64ObservableGauge
		fn    SizeCallback
	}{
		{m.TokenCacheEntries, cb.TokenCacheEntries},
		{m.RevocationEntries, cb.RevocationEntries},
		{m.AbuseTrackedAddresses, cb.AbuseAddresses},
		{m.AbuseBlockedAddresses, cb.BlockedAddresses},
		{m.RateLimiterEntries, cb.RateLimiterEntries},
	}

	_, err := i.Meter("memory").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			for _, o := range observe {
				if o.fn != nil {
					observer.ObserveInt64(o.gauge, o.fn())
				}
			}
			return nil
		},
		m.TokenCacheEntries,
		m.RevocationEntries,
		m.AbuseTrackedAddresses,
		m.AbuseBlockedAddresses,
		m.RateLimiterEntries,
	)

	return err
}
