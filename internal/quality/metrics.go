package quality

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tidefeed/internal/telemetry"
)

type qualityMetrics struct {
	environment string

	transitions metric.Int64Counter
}

func newQualityMetrics() *qualityMetrics {
	meter := otel.Meter("quality")

	qm := &qualityMetrics{
		environment: telemetry.Environment(),
	}

	qm.transitions, _ = meter.Int64Counter("quality.transitions",
		metric.WithDescription("Source degraded/recovered transitions"),
		metric.WithUnit("{transition}"))

	return qm
}

func (qm *qualityMetrics) baseAttrs() []attribute.KeyValue {
	if qm == nil {
		return nil
	}
	return []attribute.KeyValue{
		telemetry.AttrEnvironment.String(qm.environment),
	}
}

func (qm *qualityMetrics) recordTransition(ctx context.Context, kind string) {
	if qm == nil || qm.transitions == nil {
		return
	}
	attrs := append(qm.baseAttrs(), telemetry.AttrResult.String(kind))
	qm.transitions.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
