// Package telemetry sets up OpenTelemetry tracing for Tillwatch.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/opensource-finance/tillwatch/internal/domain"
)

// ServiceVersion is reported on every exported span.
const ServiceVersion = "1.0.0"

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Init installs the global tracer provider. When tracing is disabled or no
// endpoint is configured the global no-op provider stays in place.
func Init(ctx context.Context, cfg domain.TracingConfig, logger *slog.Logger) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled || cfg.Endpoint == "" {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "tillwatch"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "service", serviceName)
	return tp.Shutdown, nil
}

// Span attribute helpers shared by the pipeline and evaluator.

func EventID(id string) attribute.KeyValue {
	return attribute.String("tillwatch.event_id", id)
}

func EventType(t string) attribute.KeyValue {
	return attribute.String("tillwatch.event_type", t)
}

func BranchID(id string) attribute.KeyValue {
	return attribute.String("tillwatch.branch_id", id)
}

func CashierID(id string) attribute.KeyValue {
	return attribute.String("tillwatch.cashier_id", id)
}

func RuleID(id string) attribute.KeyValue {
	return attribute.String("tillwatch.rule_id", id)
}

func RiskScore(score int) attribute.KeyValue {
	return attribute.Int("tillwatch.risk_score", score)
}
