// Package poller runs the periodic derivatives REST loops. One poller serves
// one (venue, marketType) pair and emits open-interest and funding events on
// the bus; the websocket path never carries these channels.
package poller

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues/shared"
)

const (
	defaultOIInterval      = 30 * time.Second
	defaultFundingInterval = 60 * time.Second
	defaultBackoffBase     = time.Second
	defaultBackoffCap      = 300 * time.Second
	maxBackoffShift        = 6
	warnInterval           = 30 * time.Second
)

type endpointKind string

const (
	kindOI      endpointKind = "open-interest"
	kindFunding endpointKind = "funding"
)

// Source is the REST surface the poller drives.
type Source interface {
	GetOpenInterest(ctx context.Context, symbol string) (schema.OpenInterest, shared.CallMeta, error)
	GetFundingHistory(ctx context.Context, symbol string) (schema.FundingRate, shared.CallMeta, error)
}

// Config carries the poller knobs. Zero intervals select the defaults.
type Config struct {
	Venue           schema.Venue
	MarketType      schema.MarketType
	OIInterval      time.Duration
	FundingInterval time.Duration
	// BackoffBase is the first failure delay; it doubles per consecutive
	// failure up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// endpointState tracks one (symbol, endpoint) loop.
type endpointState struct {
	inFlight      bool
	failures      int
	nextAllowed   time.Time
	lastFundingTS int64
}

// Poller schedules per-symbol interval timers and owns the abort tokens of
// every in-flight request. Stop cancels them all and waits.
type Poller struct {
	bus      eventbus.Bus
	source   Source
	venue    schema.Venue
	market   schema.MarketType
	streamID string

	oiEvery      time.Duration
	fundingEvery time.Duration
	backoffBase  time.Duration
	backoffCap   time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	metrics *pollerMetrics

	mu        sync.Mutex
	stopped   bool
	tracked   map[string]struct{}
	states    map[string]*endpointState
	cancels   map[uint64]context.CancelFunc
	nextToken uint64
	warnedAt  map[string]time.Time

	now func() time.Time
}

// New constructs a poller. Loops start when symbols are tracked.
func New(bus eventbus.Bus, source Source, cfg Config) *Poller {
	oiEvery := cfg.OIInterval
	if oiEvery <= 0 {
		oiEvery = defaultOIInterval
	}
	fundingEvery := cfg.FundingInterval
	if fundingEvery <= 0 {
		fundingEvery = defaultFundingInterval
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	ceiling := cfg.BackoffCap
	if ceiling <= 0 {
		ceiling = defaultBackoffCap
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		bus:          bus,
		source:       source,
		venue:        cfg.Venue,
		market:       cfg.MarketType,
		streamID:     string(cfg.Venue) + ".rest",
		oiEvery:      oiEvery,
		fundingEvery: fundingEvery,
		backoffBase:  base,
		backoffCap:   ceiling,
		ctx:          ctx,
		cancel:       cancel,
		metrics:      newPollerMetrics(string(cfg.Venue)),
		tracked:      make(map[string]struct{}),
		states:       make(map[string]*endpointState),
		cancels:      make(map[uint64]context.CancelFunc),
		warnedAt:     make(map[string]time.Time),
		now:          time.Now,
	}
}

// Track starts the OI and funding loops for a symbol. Tracking is idempotent
// and symbols stay tracked until Stop.
func (p *Poller) Track(symbol string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if _, ok := p.tracked[symbol]; ok {
		return
	}
	p.tracked[symbol] = struct{}{}
	p.wg.Go(func() { p.loop(symbol, kindOI, p.oiEvery) })
	p.wg.Go(func() { p.loop(symbol, kindFunding, p.fundingEvery) })
}

// Symbols lists the tracked symbols.
func (p *Poller) Symbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.tracked))
	for symbol := range p.tracked {
		out = append(out, symbol)
	}
	return out
}

// Stop aborts every outstanding request and waits for all loops to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, cancel := range p.cancels {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()

	p.cancel()
	for _, cancel := range cancels {
		cancel()
	}
	p.wg.Wait()
}

func (p *Poller) loop(symbol string, kind endpointKind, every time.Duration) {
	p.dispatch(symbol, kind)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.dispatch(symbol, kind)
		}
	}
}

// dispatch fires one poll unless the previous one for this (symbol, endpoint)
// is still in flight or backoff has not elapsed yet.
func (p *Poller) dispatch(symbol string, kind endpointKind) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	st := p.state(symbol, kind)
	now := p.now()
	if st.inFlight {
		p.mu.Unlock()
		p.metrics.recordSkip(p.ctx, string(kind), "in_flight")
		return
	}
	if now.Before(st.nextAllowed) {
		p.mu.Unlock()
		p.metrics.recordSkip(p.ctx, string(kind), "backoff")
		return
	}
	st.inFlight = true
	ctx, cancel := context.WithCancel(p.ctx)
	p.nextToken++
	token := p.nextToken
	p.cancels[token] = cancel
	p.mu.Unlock()

	p.wg.Go(func() { p.execute(ctx, cancel, token, symbol, kind) })
}

func (p *Poller) execute(ctx context.Context, cancel context.CancelFunc, token uint64, symbol string, kind endpointKind) {
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, token)
		p.state(symbol, kind).inFlight = false
		p.mu.Unlock()
	}()

	ingestMS := p.now().UnixMilli()
	switch kind {
	case kindOI:
		oi, _, err := p.source.GetOpenInterest(ctx, symbol)
		if err != nil {
			p.recordFailure(ctx, symbol, kind, err)
			return
		}
		p.recordSuccess(ctx, symbol, kind)
		meta := p.eventMeta(oi.ExchangeTS, ingestMS)
		p.publish(ctx, schema.TopicMarketOpenInterest, oi, meta)
		p.publish(ctx, schema.TopicMarketOpenInterest.Raw(), oiRaw(oi), meta)
	case kindFunding:
		funding, _, err := p.source.GetFundingHistory(ctx, symbol)
		if err != nil {
			p.recordFailure(ctx, symbol, kind, err)
			return
		}
		p.recordSuccess(ctx, symbol, kind)

		p.mu.Lock()
		st := p.state(symbol, kind)
		duplicate := funding.ExchangeTS != 0 && st.lastFundingTS == funding.ExchangeTS
		if !duplicate {
			st.lastFundingTS = funding.ExchangeTS
		}
		p.mu.Unlock()
		if duplicate {
			p.metrics.recordSkip(ctx, string(kind), "duplicate")
			return
		}
		meta := p.eventMeta(funding.ExchangeTS, ingestMS)
		p.publish(ctx, schema.TopicMarketFundingRate, funding, meta)
		p.publish(ctx, schema.TopicMarketFundingRate.Raw(), fundingRaw(funding), meta)
	}
}

func (p *Poller) recordSuccess(ctx context.Context, symbol string, kind endpointKind) {
	p.metrics.recordPoll(ctx, string(kind), "ok")
	p.mu.Lock()
	st := p.state(symbol, kind)
	st.failures = 0
	st.nextAllowed = time.Time{}
	p.mu.Unlock()
}

func (p *Poller) recordFailure(ctx context.Context, symbol string, kind endpointKind, err error) {
	code := errs.CodeOf(err)
	p.metrics.recordPoll(ctx, string(kind), string(code))

	p.mu.Lock()
	st := p.state(symbol, kind)
	st.failures++
	attempt := st.failures
	delay := backoffDelay(p.backoffBase, p.backoffCap, symbol, attempt)
	now := p.now()
	st.nextAllowed = now.Add(delay)

	warnKey := symbol + "|" + string(kind)
	warn := now.Sub(p.warnedAt[warnKey]) >= warnInterval
	if warn {
		p.warnedAt[warnKey] = now
	}
	p.mu.Unlock()

	if !warn {
		return
	}
	fields := []observability.Field{
		{Key: "venue", Value: string(p.venue)},
		{Key: "symbol", Value: symbol},
		{Key: "endpoint", Value: string(kind)},
		{Key: "category", Value: string(code)},
		{Key: "attempt", Value: attempt},
		{Key: "backoffMs", Value: delay.Milliseconds()},
	}
	var e *errs.E
	if errors.As(err, &e) {
		if e.HTTP != 0 {
			fields = append(fields, observability.Field{Key: "status", Value: e.HTTP})
		}
		if e.RetryAfter > 0 {
			fields = append(fields, observability.Field{Key: "retryAfter", Value: e.RetryAfter.String()})
		}
	}
	observability.Log().Warn("derivatives poll failing", fields...)
}

// state returns the endpoint state, creating it on first use. Callers hold mu.
func (p *Poller) state(symbol string, kind endpointKind) *endpointState {
	key := symbol + "|" + string(kind)
	st, ok := p.states[key]
	if !ok {
		st = &endpointState{}
		p.states[key] = st
	}
	return st
}

func (p *Poller) eventMeta(exchangeTS, ingestMS int64) schema.Meta {
	if exchangeTS == 0 {
		exchangeTS = ingestMS
	}
	return schema.NewMeta(schema.SourceMarket,
		schema.WithTSEvent(exchangeTS),
		schema.WithTSIngest(ingestMS),
		schema.WithTSExchange(exchangeTS),
		schema.WithCorrelationID(uuid.NewString()),
		schema.WithStreamID(p.streamID))
}

func (p *Poller) publish(ctx context.Context, topic schema.Topic, payload any, meta schema.Meta) {
	if err := p.bus.Publish(ctx, topic, payload, meta); err != nil {
		observability.Log().Debug("poller publish dropped",
			observability.Field{Key: "topic", Value: string(topic)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// backoffDelay doubles the base per consecutive failure, capped, with a small
// deterministic jitter so symbol fleets do not retry in lockstep.
func backoffDelay(base, ceiling time.Duration, symbol string, failures int) time.Duration {
	shift := failures
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	delay := base << shift
	if delay > ceiling {
		delay = ceiling
	}
	return time.Duration(float64(delay) * (1 + 0.1*stableJitter(symbol, failures)))
}

// stableJitter hashes (symbol, attempt) into [0, 1). The same inputs always
// produce the same spread, which keeps backoff schedules reproducible.
func stableJitter(symbol string, failures int) float64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte(":"))
	h.Write([]byte(strconv.Itoa(failures)))
	return float64(h.Sum64()>>11) / float64(1<<53)
}

func oiRaw(oi schema.OpenInterest) schema.RawPayload {
	return schema.RawPayload{
		"endpoint": string(kindOI),
		"symbol":   oi.Symbol,
		"value":    oi.Value,
		"unit":     string(oi.Unit),
		"ts":       oi.ExchangeTS,
	}
}

func fundingRaw(funding schema.FundingRate) schema.RawPayload {
	raw := schema.RawPayload{
		"endpoint": string(kindFunding),
		"symbol":   funding.Symbol,
		"rate":     funding.Rate,
		"ts":       funding.ExchangeTS,
	}
	if funding.NextFundingTS > 0 {
		raw["nextFundingTime"] = funding.NextFundingTS
	}
	return raw
}
