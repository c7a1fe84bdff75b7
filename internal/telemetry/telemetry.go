// Package telemetry wires slog and OpenTelemetry for the engine and server.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"

	"missioncontrol/internal/config"
)

const instrumentationName = "missioncontrol"

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Setup installs an OTLP metric exporter when an endpoint is configured.
// The returned shutdown flushes pending metrics.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	logger := slog.Default().With("component", "telemetry")
	if cfg.OTLPEndpoint == "" {
		logger.DebugContext(ctx, "otlp export disabled")
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(mp)
	logger.InfoContext(ctx, "otlp metric export enabled", "endpoint", cfg.OTLPEndpoint, "service", cfg.ServiceName)
	return mp.Shutdown, nil
}

// Tracer returns the tracer used around preflight and execution.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Metrics holds the engine's instruments.
type Metrics struct {
	Preflights          metric.Int64Counter
	Executions          metric.Int64Counter
	BudgetRejections    metric.Int64Counter
	Spend               metric.Float64Counter
	ExecutionDuration   metric.Float64Histogram
	EventAppendFailures metric.Int64Counter
	Reconciled          metric.Int64Counter
}

// NewMetrics registers instruments on meter, or on the global provider when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var (
		m   Metrics
		err error
	)
	if m.Preflights, err = meter.Int64Counter("missioncontrol.preflights",
		metric.WithDescription("Preflight gate decisions by resulting status"),
		metric.WithUnit("{preflight}"),
	); err != nil {
		return nil, err
	}
	if m.Executions, err = meter.Int64Counter("missioncontrol.executions",
		metric.WithDescription("Finished execution attempts by outcome"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	if m.BudgetRejections, err = meter.Int64Counter("missioncontrol.budget.rejections",
		metric.WithDescription("Executions refused at the daily reservation"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	if m.Spend, err = meter.Float64Counter("missioncontrol.spend",
		metric.WithDescription("Charged cost of executions"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if m.ExecutionDuration, err = meter.Float64Histogram("missioncontrol.execution.duration",
		metric.WithDescription("Metered call duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	); err != nil {
		return nil, err
	}
	if m.EventAppendFailures, err = meter.Int64Counter("missioncontrol.events.append_failures",
		metric.WithDescription("Audit events that could not be written"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.Reconciled, err = meter.Int64Counter("missioncontrol.executions.reconciled",
		metric.WithDescription("Stranded executions settled by reconcile"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// Status returns the attribute set used to label outcome counters.
func Status(status string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("status", status))
}
