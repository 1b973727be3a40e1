package poller

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tidefeed/internal/telemetry"
)

type pollerMetrics struct {
	environment string
	venue       string

	polls metric.Int64Counter
	skips metric.Int64Counter
}

func newPollerMetrics(venue string) *pollerMetrics {
	meter := otel.Meter("poller")

	pm := &pollerMetrics{
		environment: telemetry.Environment(),
		venue:       venue,
	}

	pm.polls, _ = meter.Int64Counter("poller.polls",
		metric.WithDescription("Derivatives REST polls by endpoint and result"),
		metric.WithUnit("{poll}"))

	pm.skips, _ = meter.Int64Counter("poller.skips",
		metric.WithDescription("Poll ticks skipped by endpoint and reason"),
		metric.WithUnit("{skip}"))

	return pm
}

func (pm *pollerMetrics) baseAttrs(endpoint string) []attribute.KeyValue {
	if pm == nil {
		return nil
	}
	return []attribute.KeyValue{
		telemetry.AttrEnvironment.String(pm.environment),
		telemetry.AttrVenue.String(pm.venue),
		telemetry.AttrEndpoint.String(endpoint),
	}
}

func (pm *pollerMetrics) recordPoll(ctx context.Context, endpoint, result string) {
	if pm == nil || pm.polls == nil {
		return
	}
	attrs := pm.baseAttrs(endpoint)
	if result != "" {
		attrs = append(attrs, telemetry.AttrResult.String(result))
	}
	pm.polls.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (pm *pollerMetrics) recordSkip(ctx context.Context, endpoint, reason string) {
	if pm == nil || pm.skips == nil {
		return
	}
	attrs := append(pm.baseAttrs(endpoint), telemetry.AttrResult.String(reason))
	pm.skips.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
