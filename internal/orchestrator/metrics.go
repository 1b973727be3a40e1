package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tidefeed/internal/telemetry"
)

type orchestratorMetrics struct {
	environment string

	transitions metric.Int64Counter
	cleanups    metric.Int64Counter
}

func newOrchestratorMetrics() *orchestratorMetrics {
	meter := otel.Meter("orchestrator")

	om := &orchestratorMetrics{
		environment: telemetry.Environment(),
	}

	om.transitions, _ = meter.Int64Counter("orchestrator.transitions",
		metric.WithDescription("Lifecycle transitions broadcast on control:state"),
		metric.WithUnit("{transition}"))
	om.cleanups, _ = meter.Int64Counter("orchestrator.cleanups",
		metric.WithDescription("Cleanup executions by result"),
		metric.WithUnit("{cleanup}"))

	return om
}

func (om *orchestratorMetrics) baseAttrs() []attribute.KeyValue {
	if om == nil {
		return nil
	}
	return []attribute.KeyValue{
		telemetry.AttrEnvironment.String(om.environment),
	}
}

func (om *orchestratorMetrics) recordTransition(ctx context.Context, lifecycle string) {
	if om == nil || om.transitions == nil {
		return
	}
	attrs := append(om.baseAttrs(), telemetry.AttrResult.String(lifecycle))
	om.transitions.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (om *orchestratorMetrics) recordCleanup(ctx context.Context, result string) {
	if om == nil || om.cleanups == nil {
		return
	}
	attrs := append(om.baseAttrs(), telemetry.AttrResult.String(result))
	om.cleanups.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
