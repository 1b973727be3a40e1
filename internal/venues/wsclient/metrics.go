package wsclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tidefeed/internal/telemetry"
)

type streamMetrics struct {
	environment string
	venue       string
	stream      string

	reconnects       metric.Int64Counter
	controlMessages  metric.Int64Counter
	messagesReceived metric.Int64Counter
	messageBytes     metric.Int64Histogram
	pingCount        metric.Int64Counter
	pingLatency      metric.Float64Histogram
	subscriptions    metric.Int64UpDownCounter
}

func newStreamMetrics(venue, stream string) *streamMetrics {
	meter := otel.Meter("wsclient")

	sm := &streamMetrics{
		environment: telemetry.Environment(),
		venue:       venue,
		stream:      stream,
	}

	sm.reconnects, _ = meter.Int64Counter("ws.reconnects",
		metric.WithDescription("Websocket dial attempts by result"),
		metric.WithUnit("{reconnect}"))

	sm.controlMessages, _ = meter.Int64Counter("ws.control.messages",
		metric.WithDescription("Control frames sent on websocket sessions"),
		metric.WithUnit("{message}"))

	sm.messagesReceived, _ = meter.Int64Counter("ws.messages",
		metric.WithDescription("Stream messages received on websocket sessions"),
		metric.WithUnit("{message}"))

	sm.messageBytes, _ = meter.Int64Histogram("ws.message.bytes",
		metric.WithDescription("Size of received websocket messages"),
		metric.WithUnit("By"))

	sm.pingCount, _ = meter.Int64Counter("ws.pings",
		metric.WithDescription("Keepalive frames sent on websocket sessions"),
		metric.WithUnit("{ping}"))

	sm.pingLatency, _ = meter.Float64Histogram("ws.ping.duration",
		metric.WithDescription("Keepalive round-trip duration"),
		metric.WithUnit("ms"))

	sm.subscriptions, _ = meter.Int64UpDownCounter("ws.subscriptions",
		metric.WithDescription("Desired websocket topic subscriptions"),
		metric.WithUnit("{topic}"))

	return sm
}

func (sm *streamMetrics) baseAttrs() []attribute.KeyValue {
	if sm == nil {
		return nil
	}
	return []attribute.KeyValue{
		telemetry.AttrEnvironment.String(sm.environment),
		telemetry.AttrVenue.String(sm.venue),
		telemetry.AttrStreamID.String(sm.stream),
	}
}

func (sm *streamMetrics) recordReconnect(ctx context.Context, result string) {
	if sm == nil || sm.reconnects == nil {
		return
	}
	attrs := sm.baseAttrs()
	if result != "" {
		attrs = append(attrs, telemetry.AttrResult.String(result))
	}
	sm.reconnects.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordControl(ctx context.Context, method string, count int) {
	if sm == nil || sm.controlMessages == nil || count == 0 {
		return
	}
	attrs := append(sm.baseAttrs(), telemetry.AttrResult.String(method))
	sm.controlMessages.Add(ensureContext(ctx), int64(count), metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordMessage(ctx context.Context, bytes int) {
	if sm == nil || sm.messagesReceived == nil || sm.messageBytes == nil || bytes <= 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := sm.baseAttrs()
	sm.messagesReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
	sm.messageBytes.Record(ctx, int64(bytes), metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordPing(ctx context.Context, latency time.Duration, result string) {
	if sm == nil || sm.pingCount == nil || sm.pingLatency == nil {
		return
	}
	ctx = ensureContext(ctx)
	if latency < 0 {
		latency = 0
	}
	attrs := sm.baseAttrs()
	if result != "" {
		attrs = append(attrs, telemetry.AttrResult.String(result))
	}
	sm.pingCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	sm.pingLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) adjustSubscriptions(ctx context.Context, delta int) {
	if sm == nil || sm.subscriptions == nil || delta == 0 {
		return
	}
	sm.subscriptions.Add(ensureContext(ctx), int64(delta), metric.WithAttributes(sm.baseAttrs()...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
