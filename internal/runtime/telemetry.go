package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sotto-labs/sotto-core/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the OpenTelemetry providers for the daemon. Traces go to an
// OTLP collector when one is configured and to stdout otherwise; metrics are
// exposed through the Prometheus handler the runtime mounts at /metrics.
type telemetry struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	handler http.Handler
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res := resource.NewSchemaless(
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
	)

	tel := &telemetry{}

	exporter, traceSink, err := newTraceExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, err
	}
	tel.traces = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tel.traces)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	promExporter, err := prometheus.New()
	if err != nil {
		// The sessions still trace and log; only the scrape endpoint is lost.
		logger.Warn("prometheus exporter unavailable, metrics endpoint disabled",
			slog.String("error", err.Error()))
	} else {
		metricOpts = append(metricOpts, sdkmetric.WithReader(promExporter))
		tel.handler = promhttp.Handler()
	}
	tel.metrics = sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetMeterProvider(tel.metrics)

	logger.Info("telemetry ready",
		slog.String("traces", traceSink),
		slog.Bool("prometheus", tel.handler != nil))
	return tel.shutdown, tel.handler, nil
}

// newTraceExporter prefers OTLP over gRPC when an endpoint is configured and
// falls back to a pretty-printed stdout exporter. The second return names the
// sink for the startup log line.
func newTraceExporter(ctx context.Context, tcfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	endpoint := strings.TrimSpace(tcfg.OTLPEndpoint)
	if endpoint == "" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, "stdout", err
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if tcfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	return exp, "otlp:" + endpoint, err
}

func (t *telemetry) shutdown(ctx context.Context) error {
	var errs []error
	if t.metrics != nil {
		errs = append(errs, t.metrics.Shutdown(ctx))
	}
	if t.traces != nil {
		errs = append(errs, t.traces.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
