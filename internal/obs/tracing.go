package obs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TracingConfig controls tracer provider setup.
type TracingConfig struct {
	ServiceName   string
	Endpoint      string
	Exporter      string
	SamplingRatio float64
	Environment   string
}

// InitTracer installs a global tracer provider exporting over OTLP/HTTP and
// returns its shutdown func. Sampling follows the parent span when there is
// one, so a storefront trace is never cut in half at the API.
func InitTracer(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporter != "" && exporter != "otlp" {
		return nil, fmt.Errorf("obs: unsupported tracing exporter %q", cfg.Exporter)
	}
	var opts []otlptracehttp.Option
	if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(ep))
	}
	spans, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("obs: otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: tracing resource: %w", err)
	}

	ratio := cfg.SamplingRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(spans),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

// StartTracing calls InitTracer and logs instead of failing; a process
// without tracing still serves prices. The returned func flushes spans and
// is safe to call when tracing is off. ok reports whether tracing is live.
func StartTracing(ctx context.Context, cfg TracingConfig, logger zerolog.Logger) (stop func(), ok bool) {
	shutdown, err := InitTracer(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("tracing_init_failed")
		return func() {}, false
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Error().Err(err).Msg("tracing_shutdown_failed")
		}
	}, true
}
