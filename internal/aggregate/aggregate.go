// Package aggregate fans canonical market events into cross-venue aggregate
// signals: weighted price index and canonical price, open interest, funding,
// traded volume, bucketed CVD, liquidations, and L2 liquidity. Aggregates are
// re-published on the data plane with inherited meta and source global_data.
package aggregate

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues/shared"
)

const (
	defaultTTLMs            = 30_000
	defaultCVDBucketMs      = 60_000
	defaultLiqBucketMs      = 60_000
	defaultMismatchWindowMs = 120_000
	defaultDepthLevels      = 10
)

// Per-class relative spread thresholds; funding compares absolute rate
// difference because rates straddle zero.
const (
	priceSpreadThreshold   = 0.005
	oiSpreadThreshold      = 0.15
	fundingSpreadThreshold = 0.0005
	defaultSpreadThreshold = 0.10
)

// refSourceIndex marks a canonical price taken straight from the index.
const refSourceIndex = "index"

// Config tunes the aggregation service. Zero values select the defaults;
// a nil Weights map weighs every source equally.
type Config struct {
	TTLMs            int64
	CVDBucketMs      int64
	LiqBucketMs      int64
	MismatchWindowMs int64
	Weights          map[string]float64
	// DepthLevels bounds the per-side depth sum in liquidity measures.
	DepthLevels int
}

// Service subscribes to the canonical market topics and owns every
// aggregator instance.
type Service struct {
	bus     eventbus.Bus
	cfg     Config
	metrics *aggregateMetrics

	index   *table
	oi      *table
	funding *table
	volume  *table

	cvd          *cvdAggregator
	liquidations *liquidationAggregator
	liquidity    *liquidityAggregator

	mu      sync.Mutex
	started bool
	subs    []eventbus.Subscription
	books   map[string]*shared.OrderBookAssembler
}

// New constructs the aggregation service.
func New(bus eventbus.Bus, cfg Config) *Service {
	if cfg.TTLMs <= 0 {
		cfg.TTLMs = defaultTTLMs
	}
	if cfg.CVDBucketMs <= 0 {
		cfg.CVDBucketMs = defaultCVDBucketMs
	}
	if cfg.LiqBucketMs <= 0 {
		cfg.LiqBucketMs = defaultLiqBucketMs
	}
	if cfg.MismatchWindowMs <= 0 {
		cfg.MismatchWindowMs = defaultMismatchWindowMs
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = defaultDepthLevels
	}
	return &Service{
		bus:     bus,
		cfg:     cfg,
		metrics: newAggregateMetrics(),
		index:   newTable(cfg.TTLMs, cfg.MismatchWindowMs, priceSpreadThreshold, false, cfg.Weights),
		oi:      newTable(cfg.TTLMs, cfg.MismatchWindowMs, oiSpreadThreshold, false, cfg.Weights),
		funding: newTable(cfg.TTLMs, cfg.MismatchWindowMs, fundingSpreadThreshold, true, cfg.Weights),
		// 24h volumes legitimately differ by venue size; mismatch stays off.
		volume:       newTable(cfg.TTLMs, cfg.MismatchWindowMs, 0, false, cfg.Weights),
		cvd:          newCVDAggregator(cfg.CVDBucketMs, cfg.Weights),
		liquidations: newLiquidationAggregator(cfg.LiqBucketMs, cfg.Weights),
		liquidity:    newLiquidityAggregator(cfg.LiqBucketMs, cfg.MismatchWindowMs, defaultSpreadThreshold, cfg.Weights),
		books:        make(map[string]*shared.OrderBookAssembler),
	}
}

// Start subscribes the aggregators to their input topics.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.subs = []eventbus.Subscription{
		s.bus.Subscribe(schema.TopicMarketTicker, s.onTicker),
		s.bus.Subscribe(schema.TopicMarketTrade, s.onTrade),
		s.bus.Subscribe(schema.TopicMarketOpenInterest, s.onOpenInterest),
		s.bus.Subscribe(schema.TopicMarketFundingRate, s.onFundingRate),
		s.bus.Subscribe(schema.TopicMarketLiquidation, s.onLiquidation),
		s.bus.Subscribe(schema.TopicMarketOrderbookL2Snapshot, s.onBook),
		s.bus.Subscribe(schema.TopicMarketOrderbookL2Delta, s.onBook),
	}
}

// Close unsubscribes. Open buckets are discarded; a truncated bucket is
// worse than a missing one for replay consumers.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
}

// sourceKey identifies a contributing source across aggregates and quality
// surfaces.
func sourceKey(inst schema.Instrument) string {
	return string(inst.Venue) + "." + string(inst.MarketType)
}

// eventTS picks the aggregation clock for one input: venue time when
// present, then the logical event time, then local arrival.
func eventTS(payloadTS int64, meta schema.Meta) int64 {
	switch {
	case payloadTS > 0:
		return payloadTS
	case meta.TSEvent > 0:
		return meta.TSEvent
	case meta.TSIngest > 0:
		return meta.TSIngest
	default:
		return meta.TS
	}
}

func (s *Service) onTicker(ctx context.Context, evt eventbus.Event) error {
	ticker, ok := evt.Payload.(schema.Ticker)
	if !ok {
		return nil
	}
	source := sourceKey(ticker.Instrument)
	ts := eventTS(ticker.ExchangeTS, evt.Meta)

	if price, err := parseDecimal(ticker.LastPrice); err == nil {
		res := s.index.update(ticker.Symbol, source, price, ts)
		s.publish(ctx, evt, schema.TopicDataPriceIndex, schema.PriceIndex{
			Aggregate: res.aggregate(ticker.Symbol, ts),
		})
		s.reportMismatch(ctx, evt, schema.TopicDataPriceIndex, ticker.Symbol, res, ts)
		s.publishCanonical(ctx, evt, ticker.Symbol, res, ts)
	}

	if volume, err := parseDecimal(ticker.Volume24h); err == nil {
		key := ticker.Symbol + "|" + string(ticker.MarketType)
		res := s.volume.update(key, source, volume, ts)
		s.publish(ctx, evt, schema.TopicDataVolumeAgg, schema.VolumeAggregate{
			Aggregate:  res.aggregate(ticker.Symbol, ts),
			MarketType: ticker.MarketType,
		})
	}
	return nil
}

// publishCanonical derives the canonical price from an index pass. Under
// mismatch the index mean is untrustworthy, so the median fresh source
// becomes the reference.
func (s *Service) publishCanonical(ctx context.Context, evt eventbus.Event, symbol string, res tableResult, ts int64) {
	agg := res.aggregate(symbol, ts)
	refSource := refSourceIndex
	if res.mismatch && len(res.decimals) > 0 {
		src, value := medianSource(res.decimals)
		refSource = src
		agg.Value = value.String()
	}
	s.publish(ctx, evt, schema.TopicDataPriceCanonical, schema.CanonicalPrice{
		Aggregate: agg,
		RefSource: refSource,
	})
}

func (s *Service) onOpenInterest(ctx context.Context, evt eventbus.Event) error {
	oi, ok := evt.Payload.(schema.OpenInterest)
	if !ok {
		return nil
	}
	value, err := parseDecimal(oi.Value)
	if err != nil {
		return nil
	}
	ts := eventTS(oi.ExchangeTS, evt.Meta)
	// Units aggregate separately; a contract-denominated feed must not sum
	// into a base-denominated one.
	key := oi.Symbol + "|" + string(oi.Unit)
	res := s.oi.update(key, sourceKey(oi.Instrument), value, ts)
	s.publish(ctx, evt, schema.TopicDataOIAgg, schema.OIAggregate{
		Aggregate: res.aggregate(oi.Symbol, ts),
		Unit:      oi.Unit,
	})
	s.reportMismatch(ctx, evt, schema.TopicDataOIAgg, oi.Symbol, res, ts)
	return nil
}

func (s *Service) onFundingRate(ctx context.Context, evt eventbus.Event) error {
	funding, ok := evt.Payload.(schema.FundingRate)
	if !ok {
		return nil
	}
	rate, err := parseDecimal(funding.Rate)
	if err != nil {
		return nil
	}
	ts := eventTS(funding.ExchangeTS, evt.Meta)
	res := s.funding.update(funding.Symbol, sourceKey(funding.Instrument), rate, ts)
	s.publish(ctx, evt, schema.TopicDataFundingAgg, schema.FundingAggregate{
		Aggregate: res.aggregate(funding.Symbol, ts),
	})
	s.reportMismatch(ctx, evt, schema.TopicDataFundingAgg, funding.Symbol, res, ts)
	return nil
}

func (s *Service) onTrade(ctx context.Context, evt eventbus.Event) error {
	trade, ok := evt.Payload.(schema.Trade)
	if !ok {
		return nil
	}
	size, err := parseDecimal(trade.Size)
	if err != nil {
		return nil
	}
	ts := eventTS(trade.TradeTS, evt.Meta)
	key := trade.Symbol + "|" + string(trade.MarketType)
	agg, closed := s.cvd.add(key, trade.Symbol, sourceKey(trade.Instrument), trade.Side, size, ts)
	if !closed {
		return nil
	}
	agg.MarketType = trade.MarketType
	topic := schema.TopicDataCVDFuturesAgg
	if trade.MarketType == schema.MarketTypeSpot {
		topic = schema.TopicDataCVDSpotAgg
	}
	s.publish(ctx, evt, topic, agg)
	return nil
}

func (s *Service) onLiquidation(ctx context.Context, evt eventbus.Event) error {
	liq, ok := evt.Payload.(schema.Liquidation)
	if !ok {
		return nil
	}
	notional, err := parseDecimal(liq.NotionalUSD)
	if err != nil {
		price, perr := parseDecimal(liq.Price)
		size, serr := parseDecimal(liq.Size)
		if perr != nil || serr != nil {
			return nil
		}
		notional = price.Mul(size)
	}
	ts := eventTS(liq.ExchangeTS, evt.Meta)
	agg, closed := s.liquidations.add(liq.Symbol, sourceKey(liq.Instrument), liq.Side, notional, ts)
	if !closed {
		return nil
	}
	s.publish(ctx, evt, schema.TopicDataLiquidationAgg, agg)
	return nil
}

func (s *Service) onBook(ctx context.Context, evt eventbus.Event) error {
	var inst schema.Instrument
	var ts int64
	var book *shared.OrderBookAssembler

	switch p := evt.Payload.(type) {
	case schema.OrderbookL2Snapshot:
		inst = p.Instrument
		ts = eventTS(p.ExchangeTS, evt.Meta)
		book = s.bookFor(sourceKey(inst) + "|" + inst.Symbol)
		if err := book.ApplySnapshot(p.UpdateID, p.Bids, p.Asks); err != nil {
			return nil
		}
	case schema.OrderbookL2Delta:
		inst = p.Instrument
		ts = eventTS(p.ExchangeTS, evt.Meta)
		book = s.bookFor(sourceKey(inst) + "|" + inst.Symbol)
		if applied, err := book.ApplyDelta(p.UpdateID, p.Bids, p.Asks); err != nil || !applied {
			return nil
		}
	default:
		return nil
	}

	bestBid, bestAsk, ok := book.TopOfBook()
	if !ok {
		return nil
	}
	bidDepth, askDepth := book.DepthTotals(s.cfg.DepthLevels)
	two := decimal.NewFromInt(2)
	mid := bestBid.Add(bestAsk).Div(two)
	if mid.IsZero() {
		return nil
	}
	spreadBps := bestAsk.Sub(bestBid).Div(mid).Mul(decimal.NewFromInt(10_000))

	measure := liquidityMeasure{
		bidDepth:  bidDepth,
		askDepth:  askDepth,
		mid:       mid,
		spreadBps: spreadBps,
	}
	agg, mismatch, closed := s.liquidity.observe(inst.Symbol, sourceKey(inst), measure, ts)
	if !closed {
		return nil
	}
	s.publish(ctx, evt, schema.TopicDataLiquidityAgg, agg)
	if mismatch != nil {
		s.publishMismatch(ctx, evt, *mismatch)
	}
	return nil
}

// bookFor returns the per (source, symbol) assembler, creating it on first
// use.
func (s *Service) bookFor(key string) *shared.OrderBookAssembler {
	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.books[key]
	if !ok {
		book = shared.NewOrderBookAssembler(0)
		s.books[key] = book
	}
	return book
}

func (s *Service) publish(ctx context.Context, evt eventbus.Event, topic schema.Topic, payload any) {
	ts := aggregateTS(payload)
	meta := schema.Inherit(evt.Meta, schema.SourceGlobalData,
		schema.WithTSEvent(ts),
		schema.WithStreamID(""))
	if err := s.bus.Publish(ctx, topic, payload, meta); err != nil {
		observability.Log().Debug("aggregate publish dropped",
			observability.Field{Key: "topic", Value: string(topic)},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	s.metrics.recordEmission(ctx, string(topic))
}

func (s *Service) reportMismatch(ctx context.Context, evt eventbus.Event, topic schema.Topic, symbol string, res tableResult, ts int64) {
	if !res.reportMismatch {
		return
	}
	s.publishMismatch(ctx, evt, schema.Mismatch{
		Topic:     topic,
		Symbol:    symbol,
		Spread:    res.spread,
		Threshold: res.threshold,
		Values:    res.values,
		TS:        ts,
	})
}

func (s *Service) publishMismatch(ctx context.Context, evt eventbus.Event, payload schema.Mismatch) {
	meta := schema.Inherit(evt.Meta, schema.SourceGlobalData,
		schema.WithTSEvent(payload.TS),
		schema.WithStreamID(""))
	if err := s.bus.Publish(ctx, schema.TopicDataMismatch, payload, meta); err != nil {
		observability.Log().Debug("mismatch publish dropped",
			observability.Field{Key: "topic", Value: string(payload.Topic)},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	s.metrics.recordMismatch(ctx, string(payload.Topic))
}

// aggregate renders the shared aggregate envelope from a table pass.
func (r tableResult) aggregate(symbol string, ts int64) schema.Aggregate {
	return schema.Aggregate{
		Symbol:           symbol,
		Value:            r.value.String(),
		SourcesUsed:      r.sources,
		WeightsUsed:      r.weights,
		ConfidenceScore:  r.confidence,
		MismatchDetected: r.mismatch,
		TS:               ts,
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// aggregateTS extracts the TS already stamped on an aggregate payload.
func aggregateTS(payload any) int64 {
	switch p := payload.(type) {
	case schema.PriceIndex:
		return p.TS
	case schema.CanonicalPrice:
		return p.TS
	case schema.OIAggregate:
		return p.TS
	case schema.FundingAggregate:
		return p.TS
	case schema.VolumeAggregate:
		return p.TS
	case schema.CVDAggregate:
		return p.TS
	case schema.LiquidationAggregate:
		return p.TS
	case schema.LiquidityAggregate:
		return p.TS
	}
	return 0
}
