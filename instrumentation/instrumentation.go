package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "oidc-authserver"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// scopePrefix is prepended to every meter and tracer name
	scopePrefix = "github.com/giantswarm/oidc-authserver/"
)

// Exporter names accepted by Config.MetricsExporter and Config.TracesExporter
const (
	ExporterNone       = "none"
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service. Default: "oidc-authserver"
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// LogClientIPs controls whether client IP addresses are attached to spans.
	// Client IPs may be personal data under GDPR.
	LogClientIPs bool

	// MetricsExporter selects the metrics backend: "prometheus" or "none".
	// Empty means "none".
	MetricsExporter string

	// TracesExporter selects the trace backend: "otlp" or "none".
	// Empty means "none".
	TracesExporter string

	// OTLPEndpoint is the host:port of the OTLP/HTTP trace collector
	OTLPEndpoint string

	// OTLPInsecure disables TLS towards the collector
	OTLPInsecure bool

	// TraceSamplingRate is the ratio of traces sampled. Values <= 0 mean 1.0.
	TraceSamplingRate float64

	// MetricReader is an additional reader, used by tests to collect metrics in-process
	MetricReader sdkmetric.Reader

	// SpanExporter is an additional synchronous exporter, used by tests
	SpanExporter sdktrace.SpanExporter

	// Resource allows custom resource attributes.
	// If nil, a resource with service name and version is created.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics        *Metrics
	metricsHandler http.Handler

	// registered during New() only
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
	if config.TraceSamplingRate <= 0 || config.TraceSamplingRate > 1 {
		config.TraceSamplingRate = 1.0
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
		if err := inst.initializeProviders(context.Background()); err != nil {
			_ = inst.Shutdown(context.Background())
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

// initializeProviders builds the meter and tracer providers from the configured exporters
func (i *Instrumentation) initializeProviders(ctx context.Context) error {
	if err := i.initializeMeterProvider(); err != nil {
		return err
	}
	return i.initializeTracerProvider(ctx)
}

func (i *Instrumentation) initializeMeterProvider() error {
	var readers []sdkmetric.Reader

	switch i.config.MetricsExporter {
	case "", ExporterNone:
	case ExporterPrometheus:
		registry := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		readers = append(readers, exporter)
		i.metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	if i.config.MetricReader != nil {
		readers = append(readers, i.config.MetricReader)
	}

	if len(readers) == 0 {
		i.meterProvider = noop.NewMeterProvider()
		return nil
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	i.meterProvider = provider
	i.shutdownFuncs = append(i.shutdownFuncs, provider.Shutdown)
	return nil
}

func (i *Instrumentation) initializeTracerProvider(ctx context.Context) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(i.resource),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(i.config.TraceSamplingRate))),
	}
	exporters := 0

	switch i.config.TracesExporter {
	case "", ExporterNone:
	case ExporterOTLP:
		if i.config.OTLPEndpoint == "" {
			return errors.New("otlp traces exporter requires an endpoint")
		}
		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(i.config.OTLPEndpoint)}
		if i.config.OTLPInsecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		exporters++
	default:
		return fmt.Errorf("unsupported traces exporter %q", i.config.TracesExporter)
	}

	if i.config.SpanExporter != nil {
		opts = append(opts, sdktrace.WithSyncer(i.config.SpanExporter))
		exporters++
	}

	if exporters == 0 {
		i.tracerProvider = tracenoop.NewTracerProvider()
		return nil
	}

	provider := sdktrace.NewTracerProvider(opts...)
	i.tracerProvider = provider
	i.shutdownFuncs = append(i.shutdownFuncs, provider.Shutdown)
	return nil
}

// Shutdown flushes and stops all providers. Safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope.
// Scopes are layer names such as "http", "server", "token", "keys", "storage".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
// A nil Instrumentation yields a no-op tracer.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	if i == nil {
		return tracenoop.NewTracerProvider().Tracer(scopePrefix + scope)
	}
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values.
// It returns nil for a nil Instrumentation; Record* methods accept that.
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}

// MetricsHandler returns the Prometheus scrape handler, or nil when the
// prometheus exporter is not configured.
func (i *Instrumentation) MetricsHandler() http.Handler {
	return i.metricsHandler
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs reports whether client IPs may be attached to telemetry
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers gauges for the number of stored
// clients, authorization codes, refresh tokens and refresh token families.
// Nil callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	clientsCount, codesCount, refreshTokensCount, familiesCount StorageSizeCallback,
) error {
	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageClientsCount, clientsCount())
			}
			if codesCount != nil {
				observer.ObserveInt64(i.metrics.StorageCodesCount, codesCount())
			}
			if refreshTokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageRefreshTokensCount, refreshTokensCount())
			}
			if familiesCount != nil {
				observer.ObserveInt64(i.metrics.StorageFamiliesCount, familiesCount())
			}
			return nil
		},
		i.metrics.StorageClientsCount,
		i.metrics.StorageCodesCount,
		i.metrics.StorageRefreshTokensCount,
		i.metrics.StorageFamiliesCount,
	)
	return err
}

// RegisterVerificationKeysCallback registers a gauge for the number of keys
// published in the JWKS.
func (i *Instrumentation) RegisterVerificationKeysCallback(count func() int64) error {
	_, err := i.Meter("keys").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observer.ObserveInt64(i.metrics.VerificationKeys, count())
			return nil
		},
		i.metrics.VerificationKeys,
	)
	return err
}
