package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/telemetry"
)

// SyncBus is the in-memory synchronous bus implementation.
type SyncBus struct {
	mu          sync.RWMutex
	subscribers map[schema.Topic][]*subscriber
	topicLocks  map[schema.Topic]*sync.Mutex
	nextID      atomic.Uint64
	closed      atomic.Bool

	publishCounter      metric.Int64Counter
	handlerErrorCounter metric.Int64Counter
	fanoutHistogram     metric.Int64Histogram
	publishDuration     metric.Float64Histogram
	subscriberGauge     metric.Int64UpDownCounter
}

type subscriber struct {
	id      uint64
	handler Handler
}

// New constructs a synchronous bus.
func New() *SyncBus {
	b := new(SyncBus)
	b.subscribers = make(map[schema.Topic][]*subscriber)
	b.topicLocks = make(map[schema.Topic]*sync.Mutex)

	meter := otel.Meter("eventbus")
	b.publishCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	b.handlerErrorCounter, _ = meter.Int64Counter("eventbus.handler.errors",
		metric.WithDescription("Number of subscriber handler failures"),
		metric.WithUnit("{error}"))
	b.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	b.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of synchronous publish calls"),
		metric.WithUnit("ms"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))

	return b
}

// Subscribe registers a handler at the end of the topic's delivery order.
func (b *SyncBus) Subscribe(topic schema.Topic, h Handler) Subscription {
	if h == nil || topic == "" || b.closed.Load() {
		return Subscription{}
	}
	sub := &subscriber{id: b.nextID.Add(1), handler: h}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.AttrTopic.String(string(topic))))
	}
	return Subscription{topic: topic, id: sub.id}
}

// Unsubscribe removes the handler. A removal racing an in-flight publish
// takes effect on the next publish.
func (b *SyncBus) Unsubscribe(sub Subscription) {
	if sub.id == 0 || sub.topic == "" {
		return
	}
	b.mu.Lock()
	subs := b.subscribers[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.subscribers[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			if b.subscriberGauge != nil {
				b.subscriberGauge.Add(context.Background(), -1,
					metric.WithAttributes(telemetry.AttrTopic.String(string(sub.topic))))
			}
			break
		}
	}
	b.mu.Unlock()
}

// Publish delivers the payload to every current subscriber of the topic, in
// subscription order, in the caller's goroutine. Handler errors and panics
// are logged, counted, and isolated.
func (b *SyncBus) Publish(ctx context.Context, topic schema.Topic, payload any, meta schema.Meta) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.closed.Load() {
		return errs.New("eventbus", errs.CodeInvalid, errs.WithMessage("publish on closed bus"))
	}
	if topic == "" {
		return errs.New("eventbus", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if meta.Source == "" {
		return errs.New("eventbus", errs.CodeInvalid, errs.WithMessage("meta source required: "+string(topic)))
	}
	if meta.TS == 0 {
		meta.TS = time.Now().UnixMilli()
	}

	start := time.Now()

	// Per-topic serialization keeps intra-topic order while letting
	// handler chains publish to other topics without self-deadlock.
	lock := b.topicLock(topic)
	lock.Lock()

	b.mu.RLock()
	subs := b.subscribers[topic]
	snapshot := make([]*subscriber, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload, Meta: meta}
	for _, s := range snapshot {
		b.deliver(ctx, s, evt)
	}
	lock.Unlock()

	if b.publishCounter != nil {
		attrs := metric.WithAttributes(
			telemetry.AttrTopic.String(string(topic)),
			telemetry.AttrPlane.String(topic.Plane()))
		b.publishCounter.Add(ctx, 1, attrs)
		b.fanoutHistogram.Record(ctx, int64(len(snapshot)), attrs)
		b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
	}
	return nil
}

func (b *SyncBus) deliver(ctx context.Context, s *subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.recordHandlerFailure(ctx, evt.Topic, fmt.Errorf("handler panic: %v", r))
		}
	}()
	if err := s.handler(ctx, evt); err != nil {
		b.recordHandlerFailure(ctx, evt.Topic, err)
	}
}

func (b *SyncBus) recordHandlerFailure(ctx context.Context, topic schema.Topic, err error) {
	observability.Log().Error("eventbus handler failed",
		observability.Field{Key: "topic", Value: string(topic)},
		observability.Field{Key: "error", Value: err.Error()})
	if b.handlerErrorCounter != nil {
		b.handlerErrorCounter.Add(ctx, 1,
			metric.WithAttributes(telemetry.AttrTopic.String(string(topic))))
	}
}

func (b *SyncBus) topicLock(topic schema.Topic) *sync.Mutex {
	b.mu.RLock()
	lock, ok := b.topicLocks[topic]
	b.mu.RUnlock()
	if ok {
		return lock
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if lock, ok = b.topicLocks[topic]; ok {
		return lock
	}
	lock = new(sync.Mutex)
	b.topicLocks[topic] = lock
	return lock
}

// Close marks the bus closed. Subsequent publishes fail; registered handlers
// are released.
func (b *SyncBus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	b.subscribers = make(map[schema.Topic][]*subscriber)
	b.mu.Unlock()
}
