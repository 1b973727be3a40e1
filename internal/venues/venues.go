// Package venues maintains the factory registry that turns a venue name into
// its stream adapters and REST sources. Venue packages install themselves via
// RegisterFactory; callers materialize bindings through New.
package venues

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues/shared"
	"github.com/coachpo/tidefeed/internal/venues/wsclient"
)

// Config carries the knobs a factory needs to build one (venue, marketType)
// binding.
type Config struct {
	Bus        eventbus.Bus
	MarketType schema.MarketType
	// WSURL overrides the venue's primary stream endpoint.
	WSURL string
	// KlineWSURL overrides the candle stream endpoint on venues that serve
	// candles from a separate socket.
	KlineWSURL string
	// RESTBaseURL overrides the venue's REST host.
	RESTBaseURL string
	// Depth is the order-book depth used when subscriptions omit one.
	Depth int
	// HTTPTimeout bounds individual REST calls.
	HTTPTimeout time.Duration
}

// KlineSource fetches historical candles for bootstrap backfills.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, startTS int64, limit int) ([]schema.Kline, shared.CallMeta, error)
}

// DerivativesSource serves the REST poller's open-interest and funding loops.
type DerivativesSource interface {
	GetOpenInterest(ctx context.Context, symbol string) (schema.OpenInterest, shared.CallMeta, error)
	GetFundingHistory(ctx context.Context, symbol string) (schema.FundingRate, shared.CallMeta, error)
}

// Stream pairs a socket adapter with the set of internal topics it carries.
type Stream struct {
	Adapter wsclient.Adapter
	// Accepts reports whether this stream carries the given internal topic.
	// Nil accepts everything.
	Accepts func(topic string) bool
}

// Carries applies the stream's topic filter.
func (s Stream) Carries(topic string) bool {
	return s.Accepts == nil || s.Accepts(topic)
}

// Binding bundles everything one (venue, marketType) pair exposes: the socket
// adapters plus the REST sources. Derivatives is nil on spot bindings.
type Binding struct {
	Venue       schema.Venue
	MarketType  schema.MarketType
	Streams     []Stream
	Klines      KlineSource
	Derivatives DerivativesSource
}

// Factory constructs a venue binding from the supplied configuration.
type Factory func(cfg Config) (*Binding, error)

// Registry maintains venue factories keyed by venue name.
type Registry struct {
	mu        sync.RWMutex
	factories map[schema.Venue]Factory
}

// NewRegistry creates an empty venue factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[schema.Venue]Factory)}
}

// Register registers a factory for the given venue.
func (r *Registry) Register(venue schema.Venue, factory Factory) {
	if factory == nil {
		panic("venue factory required")
	}
	r.mu.Lock()
	r.factories[venue] = factory
	r.mu.Unlock()
}

// New materializes a binding for the venue.
func (r *Registry) New(venue schema.Venue, cfg Config) (*Binding, error) {
	r.mu.RLock()
	factory, ok := r.factories[venue]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(string(venue), errs.CodeInvalid,
			errs.WithMessage("venue not registered"))
	}
	binding, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	return binding, nil
}

// Venues lists the registered venue names.
func (r *Registry) Venues() []schema.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.Venue, 0, len(r.factories))
	for venue := range r.factories {
		out = append(out, venue)
	}
	return out
}

var defaultRegistry = NewRegistry()

// Default exposes the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register installs a factory into the default registry.
func Register(venue schema.Venue, factory Factory) {
	defaultRegistry.Register(venue, factory)
}

// New materializes a binding from the default registry.
func New(venue schema.Venue, cfg Config) (*Binding, error) {
	return defaultRegistry.New(venue, cfg)
}
