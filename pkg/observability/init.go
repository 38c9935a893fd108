package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "taskgraph"
	meterName  = "taskgraph"

	defaultShutdownTimeout = 5 * time.Second
)

// Config controls Init. PrometheusEnabled, when true, registers an OTel
// Prometheus exporter as the meter's reader so /metrics (wired by
// cmd/taskgraphd) can be scraped.
type Config struct {
	ServiceName       string
	LogLevel          slog.Level
	JSONLogs          bool
	PrometheusEnabled bool
}

// Providers holds the initialized observability providers.
type Providers struct {
	Tracer         trace.Tracer
	Meter          metric.Meter
	Logger         *slog.Logger
	Registry       *TaskMetrics
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
}

// Init builds a tracer provider, a meter provider (optionally exported
// via Prometheus), and a slog.Logger whose records carry trace context.
func Init(cfg Config) (Providers, error) {
	ctx := context.Background()

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return Providers{}, fmt.Errorf("observability: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	mp, mpShutdown, metricsHandler, err := buildMeterProvider(cfg, res)
	if err != nil {
		return Providers{}, fmt.Errorf("observability: build meter provider: %w", err)
	}

	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	taskMetrics, err := NewTaskMetrics(meter)
	if err != nil {
		return Providers{}, fmt.Errorf("observability: build task metrics: %w", err)
	}

	logger := buildLogger(cfg)

	shutdown := func(shutdownCtx context.Context) error {
		deadlineCtx, cancel := context.WithTimeout(shutdownCtx, defaultShutdownTimeout)
		defer cancel()

		return errors.Join(tp.Shutdown(deadlineCtx), mpShutdown(deadlineCtx))
	}

	return Providers{
		Tracer:         tp.Tracer(tracerName),
		Meter:          meter,
		Logger:         logger,
		Registry:       taskMetrics,
		MetricsHandler: metricsHandler,
		Shutdown:       shutdown,
	}, nil
}

// buildMeterProvider wires an OTel Prometheus exporter into its own
// Prometheus registry rather than the client library's global default, so
// constructing a second Providers in the same process (as tests do) never
// collides over already-registered collectors. Returns a nil handler when
// Prometheus export is disabled.
func buildMeterProvider(cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, func(context.Context) error, http.Handler, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	var handler http.Handler

	if cfg.PrometheusEnabled {
		registry := promclient.NewRegistry()

		exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build prometheus exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(exporter))
		handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	mp := sdkmetric.NewMeterProvider(opts...)

	return mp, mp.Shutdown, handler, nil
}

func buildLogger(cfg Config) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var base slog.Handler
	if cfg.JSONLogs {
		base = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		base = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	return slog.New(NewTracingHandler(base, cfg.ServiceName))
}
