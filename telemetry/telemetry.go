package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/victron/config"
)

// Providers holds the OTLP providers the bridge exports scan spans and
// session counters through
type Providers struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
	logger         *zap.Logger
}

// target is where one signal is exported to
type target struct {
	signal   string
	endpoint string
	insecure bool
	headers  map[string]string
}

func tracesTarget(otelCfg *config.OpenTelemetryConfig) target {
	endpoint := otelCfg.TracesEndpoint()
	return target{
		signal:   "traces",
		endpoint: endpoint,
		insecure: isLocal(endpoint),
		headers:  resolveHeaders(otelCfg.Traces.Headers, otelCfg.Headers, "OTEL_EXPORTER_OTLP_TRACES_HEADERS"),
	}
}

func metricsTarget(otelCfg *config.OpenTelemetryConfig) target {
	endpoint := otelCfg.MetricsEndpoint()
	return target{
		signal:   "metrics",
		endpoint: endpoint,
		insecure: isLocal(endpoint),
		headers:  resolveHeaders(otelCfg.Metrics.Headers, otelCfg.Headers, "OTEL_EXPORTER_OTLP_METRICS_HEADERS"),
	}
}

// InitProviders installs the global tracer and meter providers.
// It returns nil providers when OpenTelemetry is disabled; the global no-op
// providers then stay in place.
func InitProviders(ctx context.Context, otelCfg *config.OpenTelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if !otelCfg.Enabled {
		logger.Info("solar_telemetry_disabled")
		return nil, nil
	}

	res := newResource(otelCfg)
	providers := &Providers{logger: logger}

	if otelCfg.Traces.Enabled {
		t := tracesTarget(otelCfg)
		tp, err := newTracerProvider(ctx, otelCfg, t, res)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer provider: %w", err)
		}
		providers.TracerProvider = tp
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		logTarget(logger, t, zap.Float64("sampling_ratio", otelCfg.Traces.SamplingRatio))
	}

	if otelCfg.Metrics.Enabled {
		t := metricsTarget(otelCfg)
		mp, err := newMeterProvider(ctx, otelCfg, t, res)
		if err != nil {
			_ = providers.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create meter provider: %w", err)
		}
		providers.MeterProvider = mp
		otel.SetMeterProvider(mp)
		logTarget(logger, t, zap.Int("interval_ms", otelCfg.Metrics.IntervalMillis))

		if otelCfg.Metrics.EnableRuntimeMetrics {
			if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
				logger.Warn("solar_telemetry_runtime_metrics_failed", zap.Error(err))
			}
		}
	}

	return providers, nil
}

func logTarget(logger *zap.Logger, t target, extra zap.Field) {
	logger.Info("solar_telemetry_export",
		zap.String("signal", t.signal),
		zap.String("endpoint", t.endpoint),
		zap.Bool("insecure", t.insecure),
		zap.Int("header_count", len(t.headers)),
		extra,
	)
}

// Shutdown flushes pending spans and counters. Safe on a nil receiver.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}

	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("traces: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}

	err := errors.Join(errs...)
	p.logger.Info("solar_telemetry_shutdown",
		zap.Bool("traces", p.TracerProvider != nil),
		zap.Bool("metrics", p.MeterProvider != nil),
		zap.Bool("clean", err == nil),
	)
	return err
}

func newResource(otelCfg *config.OpenTelemetryConfig) *resource.Resource {
	attributes := []attribute.KeyValue{
		semconv.ServiceNameKey.String(otelCfg.ServiceName),
		semconv.ServiceVersionKey.String(otelCfg.ServiceVersion),
		attribute.String("deployment.environment", otelCfg.Environment),
	}
	for key, value := range otelCfg.ResourceAttributes {
		attributes = append(attributes, attribute.String(key, value))
	}
	if hostname, err := os.Hostname(); err == nil {
		attributes = append(attributes, semconv.HostNameKey.String(hostname))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attributes...)
}

func newTracerProvider(ctx context.Context, otelCfg *config.OpenTelemetryConfig, t target, res *resource.Resource) (*trace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(t.endpoint)}
	if t.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(t.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(t.headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	batch := otelCfg.Traces.Batch
	return trace.NewTracerProvider(
		trace.WithSampler(trace.TraceIDRatioBased(otelCfg.Traces.SamplingRatio)),
		trace.WithResource(res),
		trace.WithBatcher(exporter,
			trace.WithMaxQueueSize(batch.MaxQueueSize),
			trace.WithMaxExportBatchSize(batch.MaxExportBatchSize),
			trace.WithBatchTimeout(time.Duration(batch.ScheduleDelayMillis)*time.Millisecond),
		),
	), nil
}

func newMeterProvider(ctx context.Context, otelCfg *config.OpenTelemetryConfig, t target, res *resource.Resource) (*metric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(t.endpoint)}
	if t.insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(t.headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(t.headers))
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	interval := time.Duration(otelCfg.Metrics.IntervalMillis) * time.Millisecond
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(interval))),
	), nil
}

// isLocal reports whether the collector runs next to the service and speaks plain HTTP
func isLocal(endpoint string) bool {
	return strings.HasPrefix(endpoint, "localhost:") || strings.HasPrefix(endpoint, "127.0.0.1:")
}

// resolveHeaders picks signal specific config headers, then shared config
// headers, then the signal env var, then OTEL_EXPORTER_OTLP_HEADERS.
func resolveHeaders(signal, shared map[string]string, signalEnv string) map[string]string {
	if len(signal) > 0 {
		return signal
	}
	if len(shared) > 0 {
		return shared
	}
	if env := os.Getenv(signalEnv); env != "" {
		return parseHeadersEnv(env)
	}
	return parseHeadersEnv(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
}

// parseHeadersEnv parses "key1=value1,key2=value2"
func parseHeadersEnv(headersEnv string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(headersEnv, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
