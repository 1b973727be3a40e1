package journal

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tidefeed/internal/telemetry"
)

type journalMetrics struct {
	environment string

	records         metric.Int64Counter
	flushes         metric.Int64Counter
	flushSize       metric.Int64Histogram
	writeFailures   metric.Int64Counter
	guardViolations metric.Int64Counter
	detections      metric.Int64Counter
}

func newJournalMetrics() *journalMetrics {
	meter := otel.Meter("journal")

	jm := &journalMetrics{
		environment: telemetry.Environment(),
	}

	jm.records, _ = meter.Int64Counter("journal.records",
		metric.WithDescription("Records appended to partition files"),
		metric.WithUnit("{record}"))

	jm.flushes, _ = meter.Int64Counter("journal.flushes",
		metric.WithDescription("Batch flushes to disk"),
		metric.WithUnit("{flush}"))

	jm.flushSize, _ = meter.Int64Histogram("journal.flush.size",
		metric.WithDescription("Records per flushed batch"),
		metric.WithUnit("{record}"))

	jm.writeFailures, _ = meter.Int64Counter("journal.write.failures",
		metric.WithDescription("Partition append failures"),
		metric.WithUnit("{failure}"))

	jm.guardViolations, _ = meter.Int64Counter("journal.guard.violations",
		metric.WithDescription("Raw-plane records rejected for carrying aggregation fields"),
		metric.WithUnit("{record}"))

	jm.detections, _ = meter.Int64Counter("journal.quality.detections",
		metric.WithDescription("Quality anomalies emitted by the pre-append detectors"),
		metric.WithUnit("{event}"))

	return jm
}

func (jm *journalMetrics) baseAttrs() []attribute.KeyValue {
	if jm == nil {
		return nil
	}
	return []attribute.KeyValue{
		telemetry.AttrEnvironment.String(jm.environment),
	}
}

func (jm *journalMetrics) recordRecords(ctx context.Context, n int) {
	if jm == nil || jm.records == nil {
		return
	}
	jm.records.Add(ensureContext(ctx), int64(n), metric.WithAttributes(jm.baseAttrs()...))
}

func (jm *journalMetrics) recordFlush(ctx context.Context, batch int) {
	if jm == nil || jm.flushes == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := metric.WithAttributes(jm.baseAttrs()...)
	jm.flushes.Add(ctx, 1, attrs)
	if jm.flushSize != nil {
		jm.flushSize.Record(ctx, int64(batch), attrs)
	}
}

func (jm *journalMetrics) recordWriteFailure(ctx context.Context) {
	if jm == nil || jm.writeFailures == nil {
		return
	}
	jm.writeFailures.Add(ensureContext(ctx), 1, metric.WithAttributes(jm.baseAttrs()...))
}

func (jm *journalMetrics) recordGuardViolation(ctx context.Context) {
	if jm == nil || jm.guardViolations == nil {
		return
	}
	jm.guardViolations.Add(ensureContext(ctx), 1, metric.WithAttributes(jm.baseAttrs()...))
}

func (jm *journalMetrics) recordDetection(ctx context.Context, kind string) {
	if jm == nil || jm.detections == nil {
		return
	}
	attrs := append(jm.baseAttrs(), telemetry.AttrResult.String(kind))
	jm.detections.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
