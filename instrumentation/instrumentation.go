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
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "mcp-oauth-bridge"

	// DefaultServiceVersion is used when Config.ServiceVersion is empty
	DefaultServiceVersion = "unknown"

	// scopePrefix is prepended to every meter and tracer name
	scopePrefix = "github.com/giantswarm/mcp-oauth-bridge/"
)

// Supported metrics exporters.
const (
	ExporterNone       = "none"
	ExporterPrometheus = "prometheus"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is reported as the service.name resource attribute
	ServiceName string

	// ServiceVersion is reported as the service.version resource attribute
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// MetricsExporter selects where metrics go: "prometheus" or "none" (default).
	MetricsExporter string

	// LogClientIPs controls whether client IP addresses are attached to spans.
	LogClientIPs bool
}

// Instrumentation provides OpenTelemetry meters, tracers and the
// pre-registered bridge metrics.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	registry       *prometheus.Registry

	// meter owns the pre-registered instruments; callbacks observing them
	// must be registered on it
	meter   metric.Meter
	metrics *Metrics

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

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
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

	inst.meter = inst.Meter("bridge")
	inst.metrics, err = newMetrics(inst.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders builds SDK providers. Metrics are exported through a
// private Prometheus registry so that several instances can coexist in one
// process.
func (i *Instrumentation) initializeProviders() error {
	switch i.config.MetricsExporter {
	case ExporterPrometheus:
		i.registry = prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(i.registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(i.resource),
		)
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	case ExporterNone:
		i.meterProvider = noop.NewMeterProvider()
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(i.resource))
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)

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

// Meter returns a named meter for the given scope ("http", "server", "storage", "transport").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// ShouldLogClientIPs reports whether client IPs may be attached to spans.
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// MetricsHandler serves the Prometheus scrape endpoint. When the Prometheus
// exporter is not configured it responds 404.
func (i *Instrumentation) MetricsHandler() http.Handler {
	if i.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// EntriesCallback returns the current number of live entries in a store.
type EntriesCallback func() int64

// RegisterStorageEntriesCallback reports the size of a storage backend
// through the storage.entries gauge.
func (i *Instrumentation) RegisterStorageEntriesCallback(backend string, entries EntriesCallback) error {
	if entries == nil {
		return fmt.Errorf("entries callback is required")
	}

	_, err := i.meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observer.ObserveInt64(i.metrics.StorageEntries, entries(),
				metric.WithAttributes(attrBackend(backend)))
			return nil
		},
		i.metrics.StorageEntries,
	)
	return err
}
