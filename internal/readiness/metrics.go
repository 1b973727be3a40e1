package readiness

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tidefeed/internal/telemetry"
)

type readinessMetrics struct {
	environment string

	evaluations metric.Int64Counter
	transitions metric.Int64Counter
}

func newReadinessMetrics() *readinessMetrics {
	meter := otel.Meter("readiness")

	rm := &readinessMetrics{
		environment: telemetry.Environment(),
	}

	rm.evaluations, _ = meter.Int64Counter("readiness.evaluations",
		metric.WithDescription("Symbols scored per evaluation sweep"),
		metric.WithUnit("{symbol}"))
	rm.transitions, _ = meter.Int64Counter("readiness.transitions",
		metric.WithDescription("Readiness status transitions"),
		metric.WithUnit("{transition}"))

	return rm
}

func (rm *readinessMetrics) baseAttrs() []attribute.KeyValue {
	if rm == nil {
		return nil
	}
	return []attribute.KeyValue{
		telemetry.AttrEnvironment.String(rm.environment),
	}
}

func (rm *readinessMetrics) recordEvaluation(ctx context.Context, symbols int) {
	if rm == nil || rm.evaluations == nil || symbols <= 0 {
		return
	}
	rm.evaluations.Add(ensureContext(ctx), int64(symbols), metric.WithAttributes(rm.baseAttrs()...))
}

func (rm *readinessMetrics) recordTransition(ctx context.Context, status string) {
	if rm == nil || rm.transitions == nil {
		return
	}
	attrs := append(rm.baseAttrs(), telemetry.AttrResult.String(status))
	rm.transitions.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
