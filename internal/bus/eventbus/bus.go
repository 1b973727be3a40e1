// Package eventbus implements the typed, synchronous in-process bus that
// every tidefeed plane communicates over. Publish fans out to subscribers in
// subscription order, in the caller's goroutine, which gives journaling and
// replay a deterministic event order.
package eventbus

import (
	"context"

	"github.com/coachpo/tidefeed/internal/schema"
)

// Event is the unit delivered to subscribers. Payloads are shared read-only
// references; subscribers must not mutate them.
type Event struct {
	Topic   schema.Topic
	Payload any
	Meta    schema.Meta
}

// Handler consumes one event. Returned errors are logged and isolated; they
// never stop delivery to the remaining subscribers.
type Handler func(ctx context.Context, evt Event) error

// Subscription is an opaque handle used to unsubscribe.
type Subscription struct {
	topic schema.Topic
	id    uint64
}

// Topic returns the topic this subscription is bound to.
func (s Subscription) Topic() schema.Topic { return s.topic }

// Bus is the synchronous fan-out contract.
//
// Publish invokes each subscriber registered at call time, in subscription
// order, before returning. Handlers added or removed during a publish take
// effect on the next publish. The bus serializes publishes per topic; order
// within a topic is the publisher's order.
type Bus interface {
	Subscribe(topic schema.Topic, h Handler) Subscription
	Unsubscribe(sub Subscription)
	Publish(ctx context.Context, topic schema.Topic, payload any, meta schema.Meta) error
	Close()
}
