package gateway

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tidefeed/internal/telemetry"
)

type gatewayMetrics struct {
	environment string
	venue       string

	bootstraps metric.Int64Counter
	resyncs    metric.Int64Counter
}

func newGatewayMetrics(venue string) *gatewayMetrics {
	meter := otel.Meter("gateway")

	gm := &gatewayMetrics{
		environment: telemetry.Environment(),
		venue:       venue,
	}

	gm.bootstraps, _ = meter.Int64Counter("gateway.kline.bootstraps",
		metric.WithDescription("Kline bootstrap backfills by result"),
		metric.WithUnit("{bootstrap}"))

	gm.resyncs, _ = meter.Int64Counter("gateway.resyncs",
		metric.WithDescription("Order-book resync requests by disposition"),
		metric.WithUnit("{resync}"))

	return gm
}

func (gm *gatewayMetrics) baseAttrs() []attribute.KeyValue {
	if gm == nil {
		return nil
	}
	return []attribute.KeyValue{
		telemetry.AttrEnvironment.String(gm.environment),
		telemetry.AttrVenue.String(gm.venue),
	}
}

func (gm *gatewayMetrics) recordBootstrap(ctx context.Context, result string) {
	if gm == nil || gm.bootstraps == nil {
		return
	}
	attrs := append(gm.baseAttrs(), telemetry.AttrResult.String(result))
	gm.bootstraps.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (gm *gatewayMetrics) recordResync(ctx context.Context, disposition string) {
	if gm == nil || gm.resyncs == nil {
		return
	}
	attrs := append(gm.baseAttrs(), telemetry.AttrResult.String(disposition))
	gm.resyncs.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
