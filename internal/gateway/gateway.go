// Package gateway drives one (venue, marketType) binding from the bus. It
// owns the venue's websocket clients and its derivatives poller, routes
// subscription topics to the streams that carry them, backfills klines over
// REST, and throttles order-book resync handling.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/poller"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues"
	"github.com/coachpo/tidefeed/internal/venues/wsclient"
)

const (
	defaultResyncCooldown     = 5 * time.Second
	defaultReasonCooldown     = 2 * time.Second
	defaultBootstrapWarnEvery = 30 * time.Second
	shutdownTimeout           = 2 * time.Second
)

// ResyncStrategy selects how accepted resync requests are honored.
type ResyncStrategy string

const (
	// ResyncIgnore logs accepted resyncs and relies on the venue pushing a
	// fresh snapshot on its own.
	ResyncIgnore ResyncStrategy = "ignore"
	// ResyncReconnect bounces the affected stream; subscription replay on the
	// new session forces a snapshot.
	ResyncReconnect ResyncStrategy = "reconnect"
)

// Config tunes one gateway. Zero values select the defaults.
type Config struct {
	ResyncStrategy ResyncStrategy
	// DisableKlines drops kline subscription topics instead of routing them.
	DisableKlines bool
	WSOptions     wsclient.Options

	OIInterval        time.Duration
	FundingInterval   time.Duration
	PollerBackoffBase time.Duration
	PollerBackoffCap  time.Duration

	ResyncCooldown        time.Duration
	ResyncReasonCooldown  time.Duration
	BootstrapWarnInterval time.Duration
}

// streamConn is the session surface the gateway drives per stream.
type streamConn interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, topics ...string) error
}

type stream struct {
	id      string
	carries func(topic string) bool
	conn    streamConn
}

func (s stream) accepts(topic string) bool {
	return s.carries == nil || s.carries(topic)
}

// Gateway reacts to market:{connect,disconnect,subscribe,
// kline_bootstrap_requested,resync_requested} events addressed to its
// (venue, marketType) pair.
type Gateway struct {
	bus    eventbus.Bus
	venue  schema.Venue
	market schema.MarketType

	klines  venues.KlineSource
	streams []stream
	poller  *poller.Poller

	strategy      ResyncStrategy
	disableKlines bool

	resyncCooldown     time.Duration
	reasonCooldown     time.Duration
	bootstrapWarnEvery time.Duration

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        conc.WaitGroup
	metrics   *gatewayMetrics

	mu              sync.Mutex
	started         bool
	subs            []eventbus.Subscription
	resyncAt        map[string]time.Time
	reasonAt        map[string]time.Time
	resyncInFlight  map[string]bool
	bootstrapWarnAt map[string]time.Time

	now func() time.Time
}

// New builds a gateway over the binding. Streams and the poller stay idle
// until bus events drive them.
func New(bus eventbus.Bus, binding *venues.Binding, cfg Config) *Gateway {
	strategy := cfg.ResyncStrategy
	if strategy == "" {
		strategy = ResyncIgnore
	}
	resyncCooldown := cfg.ResyncCooldown
	if resyncCooldown <= 0 {
		resyncCooldown = defaultResyncCooldown
	}
	reasonCooldown := cfg.ResyncReasonCooldown
	if reasonCooldown <= 0 {
		reasonCooldown = defaultReasonCooldown
	}
	bootstrapWarnEvery := cfg.BootstrapWarnInterval
	if bootstrapWarnEvery <= 0 {
		bootstrapWarnEvery = defaultBootstrapWarnEvery
	}

	streams := make([]stream, 0, len(binding.Streams))
	for _, src := range binding.Streams {
		adapter := src.Adapter
		conn := wsclient.SharedClient(adapter.URL(), adapter.StreamID(), binding.MarketType,
			func() *wsclient.Client { return wsclient.New(adapter, cfg.WSOptions) })
		streams = append(streams, stream{
			id:      adapter.StreamID(),
			carries: src.Accepts,
			conn:    conn,
		})
	}

	var pl *poller.Poller
	if binding.Derivatives != nil {
		pl = poller.New(bus, binding.Derivatives, poller.Config{
			Venue:           binding.Venue,
			MarketType:      binding.MarketType,
			OIInterval:      cfg.OIInterval,
			FundingInterval: cfg.FundingInterval,
			BackoffBase:     cfg.PollerBackoffBase,
			BackoffCap:      cfg.PollerBackoffCap,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		bus:                bus,
		venue:              binding.Venue,
		market:             binding.MarketType,
		klines:             binding.Klines,
		streams:            streams,
		poller:             pl,
		strategy:           strategy,
		disableKlines:      cfg.DisableKlines,
		resyncCooldown:     resyncCooldown,
		reasonCooldown:     reasonCooldown,
		bootstrapWarnEvery: bootstrapWarnEvery,
		runCtx:             ctx,
		runCancel:          cancel,
		metrics:            newGatewayMetrics(string(binding.Venue)),
		resyncAt:           make(map[string]time.Time),
		reasonAt:           make(map[string]time.Time),
		resyncInFlight:     make(map[string]bool),
		bootstrapWarnAt:    make(map[string]time.Time),
		now:                time.Now,
	}
}

// Start registers the gateway's bus subscriptions. Connecting is driven by a
// market:connect event, not by Start.
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true
	g.subs = []eventbus.Subscription{
		g.bus.Subscribe(schema.TopicMarketConnect, g.onConnect),
		g.bus.Subscribe(schema.TopicMarketDisconnect, g.onDisconnect),
		g.bus.Subscribe(schema.TopicMarketSubscribe, g.onSubscribe),
		g.bus.Subscribe(schema.TopicMarketKlineBootstrapRequested, g.onBootstrap),
		g.bus.Subscribe(schema.TopicMarketResyncRequested, g.onResync),
	}
}

// Stop unsubscribes from the bus, stops the poller, and closes every stream
// session within the shutdown timeout. Stream close failures are joined into
// the returned error.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = false
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, sub := range subs {
		g.bus.Unsubscribe(sub)
	}
	g.runCancel()
	g.wg.Wait()
	if g.poller != nil {
		g.poller.Stop()
	}

	closeCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	var closeErrs []error
	for _, st := range g.streams {
		if err := st.conn.Disconnect(closeCtx); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("stream %s: %w", st.id, err))
		}
	}
	return observability.AggregateErrors("gateway stop", closeErrs,
		observability.Field{Key: "venue", Value: string(g.venue)})
}

func (g *Gateway) matches(venue schema.Venue, market schema.MarketType) bool {
	return venue == g.venue && market == g.market
}

func (g *Gateway) onConnect(ctx context.Context, evt eventbus.Event) error {
	req, ok := evt.Payload.(schema.ConnectRequest)
	if !ok || !g.matches(req.Venue, req.MarketType) {
		return nil
	}
	for _, st := range g.streams {
		if err := st.conn.Connect(ctx); err != nil {
			g.reportError(ctx, st.id, err, "stream connect failed")
		}
	}
	return nil
}

func (g *Gateway) onDisconnect(ctx context.Context, evt eventbus.Event) error {
	req, ok := evt.Payload.(schema.DisconnectRequest)
	if !ok || !g.matches(req.Venue, req.MarketType) {
		return nil
	}
	for _, st := range g.streams {
		if err := st.conn.Disconnect(ctx); err != nil {
			g.reportError(ctx, st.id, err, "stream disconnect failed")
		}
	}
	return nil
}

func (g *Gateway) onSubscribe(ctx context.Context, evt eventbus.Event) error {
	req, ok := evt.Payload.(schema.SubscribeRequest)
	if !ok || !g.matches(req.Venue, req.MarketType) {
		return nil
	}
	for _, topic := range req.Topics {
		g.route(ctx, topic)
	}
	return nil
}

// route fans one subscription topic out to the streams that carry it and
// starts the derivatives loops the topic implies.
func (g *Gateway) route(ctx context.Context, topic string) {
	sub, err := schema.ParseSubscription(topic)
	if err != nil {
		g.reportError(ctx, "", err, "unroutable subscription topic")
		return
	}
	switch sub.Kind {
	case schema.SubscriptionTicker, schema.SubscriptionTrades, schema.SubscriptionOrderbook:
		g.subscribeStreams(ctx, topic)
		g.trackDerivatives(sub.Symbol)
	case schema.SubscriptionKline:
		if g.disableKlines {
			observability.Log().Debug("kline subscriptions disabled",
				observability.Field{Key: "venue", Value: string(g.venue)},
				observability.Field{Key: "topic", Value: topic})
			return
		}
		g.subscribeStreams(ctx, topic)
	case schema.SubscriptionLiquidations:
		g.subscribeStreams(ctx, topic)
	case schema.SubscriptionOpenInterest, schema.SubscriptionFunding:
		g.trackDerivatives(sub.Symbol)
	}
}

func (g *Gateway) subscribeStreams(ctx context.Context, topic string) {
	routed := false
	for _, st := range g.streams {
		if !st.accepts(topic) {
			continue
		}
		routed = true
		if err := st.conn.Subscribe(ctx, topic); err != nil {
			g.reportError(ctx, st.id, err, "stream subscribe failed")
		}
	}
	if !routed {
		observability.Log().Warn("no stream carries subscription topic",
			observability.Field{Key: "venue", Value: string(g.venue)},
			observability.Field{Key: "topic", Value: topic})
	}
}

func (g *Gateway) trackDerivatives(symbol string) {
	if g.poller != nil {
		g.poller.Track(symbol)
	}
}

func (g *Gateway) onBootstrap(ctx context.Context, evt eventbus.Event) error {
	req, ok := evt.Payload.(schema.KlineBootstrapRequest)
	if !ok || !g.matches(req.Venue, req.MarketType) {
		return nil
	}
	parent := evt.Meta
	if parent.CorrelationID == "" {
		parent.CorrelationID = uuid.NewString()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return nil
	}
	g.wg.Go(func() { g.bootstrap(g.runCtx, req, parent) })
	return nil
}

// bootstrap backfills historical klines over REST and replays them on the bus
// in ascending start order. The whole batch shares the request's correlation
// id, and each kline's tsEvent is its close time.
func (g *Gateway) bootstrap(ctx context.Context, req schema.KlineBootstrapRequest, parent schema.Meta) {
	if g.klines == nil {
		g.bootstrapFailed(ctx, req, parent, "venue has no kline source")
		return
	}
	klines, _, err := g.klines.GetKlines(ctx, req.Symbol, req.Interval, req.SinceTS, req.Limit)
	if err != nil {
		g.bootstrapFailed(ctx, req, parent, err.Error())
		return
	}
	if len(klines) == 0 {
		g.bootstrapFailed(ctx, req, parent, "empty kline response")
		return
	}
	sort.Slice(klines, func(i, j int) bool { return klines[i].StartTS < klines[j].StartTS })

	ingest := g.now().UnixMilli()
	for _, k := range klines {
		meta := schema.Inherit(parent, schema.SourceMarket,
			schema.WithTSEvent(k.EndTS),
			schema.WithTSIngest(ingest),
			schema.WithStreamID(g.restStreamID()))
		g.publish(ctx, schema.TopicMarketKline, k, meta)
	}
	g.metrics.recordBootstrap(ctx, "ok")

	done := schema.KlineBootstrapCompleted{
		Venue:      g.venue,
		MarketType: g.market,
		Symbol:     req.Symbol,
		Interval:   req.Interval,
		Count:      len(klines),
		FirstStart: klines[0].StartTS,
		LastEnd:    klines[len(klines)-1].EndTS,
	}
	g.publish(ctx, schema.TopicMarketKlineBootstrapCompleted, done,
		schema.Inherit(parent, schema.SourceMarket,
			schema.WithTSIngest(ingest),
			schema.WithStreamID(g.restStreamID())))
}

func (g *Gateway) bootstrapFailed(ctx context.Context, req schema.KlineBootstrapRequest, parent schema.Meta, reason string) {
	g.metrics.recordBootstrap(ctx, "failed")
	failed := schema.KlineBootstrapFailed{
		Venue:      g.venue,
		MarketType: g.market,
		Symbol:     req.Symbol,
		Interval:   req.Interval,
		Reason:     reason,
	}
	g.publish(ctx, schema.TopicMarketKlineBootstrapFailed, failed,
		schema.Inherit(parent, schema.SourceMarket,
			schema.WithTSIngest(g.now().UnixMilli()),
			schema.WithStreamID(g.restStreamID())))

	key := req.Symbol + "|" + req.Interval
	g.mu.Lock()
	now := g.now()
	warn := now.Sub(g.bootstrapWarnAt[key]) >= g.bootstrapWarnEvery
	if warn {
		g.bootstrapWarnAt[key] = now
	}
	g.mu.Unlock()
	if warn {
		observability.Log().Warn("kline bootstrap failed",
			observability.Field{Key: "venue", Value: string(g.venue)},
			observability.Field{Key: "symbol", Value: req.Symbol},
			observability.Field{Key: "interval", Value: req.Interval},
			observability.Field{Key: "reason", Value: reason})
	}
}

func (g *Gateway) onResync(ctx context.Context, evt eventbus.Event) error {
	req, ok := evt.Payload.(schema.ResyncRequest)
	if !ok || !g.matches(req.Venue, req.MarketType) {
		return nil
	}
	key := string(req.Venue) + "|" + req.Symbol + "|" + req.Channel
	reasonKey := key + "|" + string(req.Reason)

	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil
	}
	now := g.now()
	var suppressed string
	switch {
	case g.resyncInFlight[key]:
		suppressed = "in_flight"
	case now.Sub(g.resyncAt[key]) < g.resyncCooldown:
		suppressed = "channel_cooldown"
	case now.Sub(g.reasonAt[reasonKey]) < g.reasonCooldown:
		suppressed = "reason_cooldown"
	}
	if suppressed != "" {
		g.mu.Unlock()
		g.metrics.recordResync(ctx, "suppressed")
		observability.Log().Debug("resync suppressed",
			observability.Field{Key: "venue", Value: string(req.Venue)},
			observability.Field{Key: "symbol", Value: req.Symbol},
			observability.Field{Key: "channel", Value: req.Channel},
			observability.Field{Key: "reason", Value: string(req.Reason)},
			observability.Field{Key: "suppressedBy", Value: suppressed})
		return nil
	}
	g.resyncAt[key] = now
	g.reasonAt[reasonKey] = now
	if g.strategy == ResyncReconnect {
		g.resyncInFlight[key] = true
		g.wg.Go(func() {
			defer func() {
				g.mu.Lock()
				delete(g.resyncInFlight, key)
				g.mu.Unlock()
			}()
			g.reconnectBookStreams(g.runCtx, req)
		})
		g.mu.Unlock()
		g.metrics.recordResync(ctx, "reconnect")
		return nil
	}
	g.mu.Unlock()

	g.metrics.recordResync(ctx, "ignored")
	observability.Log().Warn("order-book resync requested",
		observability.Field{Key: "venue", Value: string(req.Venue)},
		observability.Field{Key: "symbol", Value: req.Symbol},
		observability.Field{Key: "channel", Value: req.Channel},
		observability.Field{Key: "reason", Value: string(req.Reason)},
		observability.Field{Key: "lastSeq", Value: req.LastSeq},
		observability.Field{Key: "updateId", Value: req.UpdateID})
	return nil
}

// reconnectBookStreams bounces the streams that carry the affected symbol's
// order-book feed. Subscription replay on the new session forces the venue to
// push a fresh snapshot.
func (g *Gateway) reconnectBookStreams(ctx context.Context, req schema.ResyncRequest) {
	probe := schema.Subscription{Kind: schema.SubscriptionOrderbook, Depth: 50, Symbol: req.Symbol}.String()
	for _, st := range g.streams {
		if !st.accepts(probe) {
			continue
		}
		closeCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		err := st.conn.Disconnect(closeCtx)
		cancel()
		if err != nil {
			g.reportError(ctx, st.id, err, "resync disconnect failed")
			continue
		}
		if err := st.conn.Connect(ctx); err != nil {
			g.reportError(ctx, st.id, err, "resync reconnect failed")
		}
	}
}

func (g *Gateway) reportError(ctx context.Context, streamID string, err error, msg string) {
	observability.Log().Warn(msg,
		observability.Field{Key: "venue", Value: string(g.venue)},
		observability.Field{Key: "stream", Value: streamID},
		observability.Field{Key: "error", Value: err.Error()})
	payload := schema.MarketError{
		Venue:      g.venue,
		MarketType: g.market,
		StreamID:   streamID,
		Code:       string(errs.CodeOf(err)),
		Message:    err.Error(),
	}
	meta := schema.NewMeta(schema.SourceMarket,
		schema.WithTSIngest(g.now().UnixMilli()))
	g.publish(ctx, schema.TopicMarketError, payload, meta)
}

func (g *Gateway) restStreamID() string {
	return string(g.venue) + ".rest"
}

func (g *Gateway) publish(ctx context.Context, topic schema.Topic, payload any, meta schema.Meta) {
	if err := g.bus.Publish(ctx, topic, payload, meta); err != nil {
		observability.Log().Debug("gateway publish dropped",
			observability.Field{Key: "topic", Value: string(topic)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
