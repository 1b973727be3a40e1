package aggregate

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tidefeed/internal/telemetry"
)

type aggregateMetrics struct {
	environment string

	emissions  metric.Int64Counter
	mismatches metric.Int64Counter
}

func newAggregateMetrics() *aggregateMetrics {
	meter := otel.Meter("aggregate")

	am := &aggregateMetrics{
		environment: telemetry.Environment(),
	}

	am.emissions, _ = meter.Int64Counter("aggregate.emissions",
		metric.WithDescription("Aggregate events published by output topic"),
		metric.WithUnit("{event}"))

	am.mismatches, _ = meter.Int64Counter("aggregate.mismatches",
		metric.WithDescription("Cross-source mismatch reports by aggregate topic"),
		metric.WithUnit("{event}"))

	return am
}

func (am *aggregateMetrics) baseAttrs() []attribute.KeyValue {
	if am == nil {
		return nil
	}
	return []attribute.KeyValue{
		telemetry.AttrEnvironment.String(am.environment),
	}
}

func (am *aggregateMetrics) recordEmission(ctx context.Context, topic string) {
	if am == nil || am.emissions == nil {
		return
	}
	attrs := append(am.baseAttrs(), telemetry.AttrTopic.String(topic))
	am.emissions.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (am *aggregateMetrics) recordMismatch(ctx context.Context, topic string) {
	if am == nil || am.mismatches == nil {
		return
	}
	attrs := append(am.baseAttrs(), telemetry.AttrTopic.String(topic))
	am.mismatches.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
