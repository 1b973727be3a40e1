// Package readiness scores per-symbol market-data health across the price,
// flow, liquidity and derivatives blocks and publishes the composite
// system:market_data_status signal that gates trading.
package readiness

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/schema"
)

const (
	defaultWarmupMs           = 15_000
	defaultGraceMs            = 10_000
	defaultStabilityMs        = 10_000
	defaultLagAlpha           = 0.2
	defaultLagHighMs          = 5_000
	defaultMinConfidence      = 0.5
	defaultPriceStaleMs       = 15_000
	defaultFlowStaleMs        = 180_000
	defaultLiquidityStaleMs   = 180_000
	defaultDerivativesStaleMs = 180_000
	defaultGapDecayMs         = 60_000
	defaultMismatchDecayMs    = 120_000
	defaultCheckIntervalMs    = 1_000

	minuteMs = 60_000
)

// Config tunes the readiness policy. Zero fields fall back to defaults;
// warmup defaults to the dev window, production passes its own.
type Config struct {
	MarketType schema.MarketType
	// Symbols pre-seeds tracking so silent symbols still report NO_DATA.
	Symbols []string
	// ExpectedSources maps a block name (price, flow, liquidity,
	// derivatives) to the source ids that must stay fresh inside it.
	ExpectedSources map[string][]string

	WarmupMs      int64
	GraceMs       int64
	StabilityMs   int64
	LagAlpha      float64
	LagHighMs     int64
	MinConfidence float64

	PriceStaleMs       int64
	FlowStaleMs        int64
	LiquidityStaleMs   int64
	DerivativesStaleMs int64
	GapDecayMs         int64
	MismatchDecayMs    int64
	CheckIntervalMs    int64
}

type blockState struct {
	lastTS         int64
	lastConfidence float64
	sources        map[string]int64
}

type symbolState struct {
	symbol string
	blocks map[schema.ReadinessBlock]*blockState

	lagEWMA float64
	lagSeen bool

	lastGapTS  int64
	mismatches map[schema.Topic]int64

	canonicalSeen  bool
	canonicalValid bool

	reasonSince map[schema.DegradedReason]int64

	lastStatus schema.ReadinessStatus
	lastKey    string
	lastEmit   schema.MarketDataStatus

	minuteBucket   int64
	worstInMinute  schema.ReadinessStatus
	minuteReasons  map[schema.DegradedReason]struct{}
	minuteWarnings map[string]struct{}
}

// Monitor evaluates every tracked symbol on the check interval and emits
// system:market_data_status on transitions and minute rollovers.
type Monitor struct {
	bus     eventbus.Bus
	cfg     Config
	metrics *readinessMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	started bool
	startMs int64
	subs    []eventbus.Subscription
	state   map[string]*symbolState

	now func() int64
}

// New wires a monitor over the given bus.
func New(bus eventbus.Bus, cfg Config) *Monitor {
	if cfg.WarmupMs <= 0 {
		cfg.WarmupMs = defaultWarmupMs
	}
	if cfg.GraceMs <= 0 {
		cfg.GraceMs = defaultGraceMs
	}
	if cfg.StabilityMs <= 0 {
		cfg.StabilityMs = defaultStabilityMs
	}
	if cfg.LagAlpha <= 0 || cfg.LagAlpha > 1 {
		cfg.LagAlpha = defaultLagAlpha
	}
	if cfg.LagHighMs <= 0 {
		cfg.LagHighMs = defaultLagHighMs
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = defaultMinConfidence
	}
	if cfg.PriceStaleMs <= 0 {
		cfg.PriceStaleMs = defaultPriceStaleMs
	}
	if cfg.FlowStaleMs <= 0 {
		cfg.FlowStaleMs = defaultFlowStaleMs
	}
	if cfg.LiquidityStaleMs <= 0 {
		cfg.LiquidityStaleMs = defaultLiquidityStaleMs
	}
	if cfg.DerivativesStaleMs <= 0 {
		cfg.DerivativesStaleMs = defaultDerivativesStaleMs
	}
	if cfg.GapDecayMs <= 0 {
		cfg.GapDecayMs = defaultGapDecayMs
	}
	if cfg.MismatchDecayMs <= 0 {
		cfg.MismatchDecayMs = defaultMismatchDecayMs
	}
	if cfg.CheckIntervalMs <= 0 {
		cfg.CheckIntervalMs = defaultCheckIntervalMs
	}
	if cfg.MarketType == "" {
		cfg.MarketType = schema.MarketTypeFutures
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		bus:     bus,
		cfg:     cfg,
		metrics: newReadinessMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		state:   make(map[string]*symbolState),
		now:     func() int64 { return time.Now().UnixMilli() },
	}
	for _, symbol := range cfg.Symbols {
		m.state[symbol] = newSymbolState(symbol)
	}
	return m
}

// watchedTopics lists the aggregate feeds per block plus the quality signals
// that feed the reason taxonomy. Liquidation buckets are sporadic by nature
// and stay out of the freshness blocks.
func watchedTopics() []schema.Topic {
	return []schema.Topic{
		schema.TopicDataPriceIndex,
		schema.TopicDataPriceCanonical,
		schema.TopicDataCVDSpotAgg,
		schema.TopicDataCVDFuturesAgg,
		schema.TopicDataVolumeAgg,
		schema.TopicDataLiquidityAgg,
		schema.TopicDataOIAgg,
		schema.TopicDataFundingAgg,
	}
}

// Start subscribes and launches the evaluation loop using wall time.
func (m *Monitor) Start() {
	m.StartAt(m.now())
}

// StartAt is Start with an explicit epoch for the warmup/grace windows.
// Tests drive it with a logical clock.
func (m *Monitor) StartAt(nowMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.startMs = nowMs
	for _, topic := range watchedTopics() {
		m.subs = append(m.subs, m.bus.Subscribe(topic, m.handleAggregate))
	}
	m.subs = append(m.subs,
		m.bus.Subscribe(schema.TopicDataGapDetected, m.handleSignal),
		m.bus.Subscribe(schema.TopicDataMismatch, m.handleSignal))
	m.wg.Go(m.loop)
}

// Close stops the evaluation loop and unsubscribes.
func (m *Monitor) Close() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	for _, sub := range subs {
		m.bus.Unsubscribe(sub)
	}
}

// Snapshot returns the last emitted status per symbol for the health
// reporter.
func (m *Monitor) Snapshot() map[string]schema.MarketDataStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]schema.MarketDataStatus, len(m.state))
	for symbol, st := range m.state {
		if st.lastStatus == "" {
			continue
		}
		out[symbol] = st.lastEmit
	}
	return out
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(time.Duration(m.cfg.CheckIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.EvaluateAt(m.ctx, m.now())
		}
	}
}

// EvaluateAt scores every tracked symbol at the given instant. The run loop
// calls it on the check interval with wall time; tests drive it directly.
func (m *Monitor) EvaluateAt(ctx context.Context, nowMs int64) {
	type emission struct {
		status       schema.MarketDataStatus
		transitioned bool
	}
	m.mu.Lock()
	symbols := make([]string, 0, len(m.state))
	for symbol := range m.state {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	emissions := make([]emission, 0, len(symbols))
	for _, symbol := range symbols {
		st := m.state[symbol]
		prev := st.lastStatus
		if status, emit := m.evaluateLocked(st, nowMs); emit {
			emissions = append(emissions, emission{status: status, transitioned: status.Status != prev})
		}
	}
	m.mu.Unlock()

	m.metrics.recordEvaluation(ctx, len(symbols))
	for _, e := range emissions {
		if e.transitioned {
			m.metrics.recordTransition(ctx, string(e.status.Status))
		}
		m.emit(ctx, e.status)
	}
}

// evaluateLocked applies the status ladder to one symbol and maintains the
// one-minute worst-of bucket. Callers hold m.mu.
func (m *Monitor) evaluateLocked(st *symbolState, nowMs int64) (schema.MarketDataStatus, bool) {
	sinceStart := nowMs - m.startMs
	warming := sinceStart < m.cfg.WarmupMs
	grace := sinceStart < m.cfg.GraceMs

	hasData := false
	for _, bs := range st.blocks {
		if bs.lastTS > 0 {
			hasData = true
			break
		}
	}

	var (
		status   schema.ReadinessStatus
		reasons  []schema.DegradedReason
		warnings []string
	)
	switch {
	case !hasData:
		status = schema.StatusNoData
		st.reasonSince = nil
	case grace:
		status = schema.StatusWarming
		m.trackReasons(st, m.rawReasons(st, nowMs), nowMs)
	default:
		raw := m.rawReasons(st, nowMs)
		stable := m.trackReasons(st, raw, nowMs)
		switch {
		case warming:
			status = schema.StatusWarming
			warnings = reasonStrings(raw)
		case len(stable) > 0:
			status = schema.StatusDegraded
			reasons = stable
			warnings = reasonStrings(pendingReasons(raw, stable))
		case len(raw) > 0:
			// Stability window not yet satisfied.
			status = schema.StatusWarming
			warnings = reasonStrings(raw)
		default:
			status = schema.StatusReady
		}
	}

	bucket := nowMs / minuteMs
	rolled := bucket != st.minuteBucket
	if rolled {
		st.minuteBucket = bucket
		st.worstInMinute = status
		st.minuteReasons = make(map[schema.DegradedReason]struct{})
		st.minuteWarnings = make(map[string]struct{})
	} else if status.Rank() < st.worstInMinute.Rank() {
		st.worstInMinute = status
	}
	for _, r := range reasons {
		st.minuteReasons[r] = struct{}{}
	}
	for _, w := range warnings {
		st.minuteWarnings[w] = struct{}{}
	}

	payload := schema.MarketDataStatus{
		Symbol:              st.symbol,
		MarketType:          m.cfg.MarketType,
		Status:              status,
		WarmingUp:           warming,
		Degraded:            status == schema.StatusDegraded,
		DegradedReasons:     unionReasons(st.minuteReasons),
		Warnings:            unionStrings(st.minuteWarnings),
		OverallConfidence:   m.overallConfidence(st, nowMs),
		WorstStatusInMinute: st.worstInMinute,
		TS:                  nowMs,
	}

	key := string(status) + "|" + joinReasons(reasons) + "|" + strings.Join(warnings, ",")
	emit := rolled || key != st.lastKey
	if emit {
		st.lastStatus = status
		st.lastKey = key
		st.lastEmit = payload
	}
	return payload, emit
}

// rawReasons computes the degradation taxonomy for one symbol without
// stability filtering, in fixed order.
func (m *Monitor) rawReasons(st *symbolState, nowMs int64) []schema.DegradedReason {
	var reasons []schema.DegradedReason

	if m.expectedSourceMissing(st, nowMs) {
		reasons = append(reasons, schema.ReasonExpectedSourceMissing)
	}
	if m.overallConfidence(st, nowMs) < m.cfg.MinConfidence {
		reasons = append(reasons, schema.ReasonConfidenceLow)
	}

	price := st.blocks[schema.BlockPrice]
	priceStale := price == nil || price.lastTS == 0 || nowMs-price.lastTS > m.cfg.PriceStaleMs
	if priceStale {
		reasons = append(reasons, schema.ReasonPriceStale)
	} else if !st.canonicalSeen || !st.canonicalValid {
		reasons = append(reasons, schema.ReasonNoValidRefPrice)
	}

	if st.lastGapTS > 0 && nowMs-st.lastGapTS <= m.cfg.GapDecayMs {
		reasons = append(reasons, schema.ReasonGapsDetected)
	}

	if len(st.mismatches) > 0 {
		topics := make([]string, 0, len(st.mismatches))
		for topic, ts := range st.mismatches {
			if nowMs-ts <= m.cfg.MismatchDecayMs {
				topics = append(topics, string(topic))
			}
		}
		sort.Strings(topics)
		for _, topic := range topics {
			reasons = append(reasons, schema.MismatchReason(schema.Topic(topic)))
		}
	}

	if st.lagSeen && st.lagEWMA > float64(m.cfg.LagHighMs) {
		reasons = append(reasons, schema.ReasonLagHigh)
	}

	derivatives := st.blocks[schema.BlockDerivatives]
	if derivatives != nil && derivatives.lastTS > 0 && nowMs-derivatives.lastTS > m.cfg.DerivativesStaleMs {
		reasons = append(reasons, schema.ReasonDerivativesStale)
	}

	return reasons
}

// expectedSourceMissing reports whether any configured source is absent or
// stale inside its block.
func (m *Monitor) expectedSourceMissing(st *symbolState, nowMs int64) bool {
	for blockName, expected := range m.cfg.ExpectedSources {
		if len(expected) == 0 {
			continue
		}
		block := schema.ReadinessBlock(blockName)
		threshold := m.staleFor(block)
		bs := st.blocks[block]
		for _, sourceID := range expected {
			if bs == nil {
				return true
			}
			last := bs.sources[sourceID]
			if last == 0 || nowMs-last > threshold {
				return true
			}
		}
	}
	return false
}

// trackReasons advances the per-reason persistence clocks and returns the
// reasons that have persisted past the stability window.
func (m *Monitor) trackReasons(st *symbolState, raw []schema.DegradedReason, nowMs int64) []schema.DegradedReason {
	if st.reasonSince == nil {
		st.reasonSince = make(map[schema.DegradedReason]int64)
	}
	present := make(map[schema.DegradedReason]struct{}, len(raw))
	var stable []schema.DegradedReason
	for _, r := range raw {
		present[r] = struct{}{}
		since, ok := st.reasonSince[r]
		if !ok {
			st.reasonSince[r] = nowMs
			continue
		}
		if nowMs-since >= m.cfg.StabilityMs {
			stable = append(stable, r)
		}
	}
	for r := range st.reasonSince {
		if _, ok := present[r]; !ok {
			delete(st.reasonSince, r)
		}
	}
	return stable
}

// overallConfidence averages the last confidence over blocks that are
// currently fresh; zero when nothing is fresh.
func (m *Monitor) overallConfidence(st *symbolState, nowMs int64) float64 {
	var sum float64
	var count int
	for block, bs := range st.blocks {
		if bs.lastTS == 0 || nowMs-bs.lastTS > m.staleFor(block) {
			continue
		}
		sum += bs.lastConfidence
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func (m *Monitor) staleFor(block schema.ReadinessBlock) int64 {
	switch block {
	case schema.BlockPrice:
		return m.cfg.PriceStaleMs
	case schema.BlockFlow:
		return m.cfg.FlowStaleMs
	case schema.BlockLiquidity:
		return m.cfg.LiquidityStaleMs
	case schema.BlockDerivatives:
		return m.cfg.DerivativesStaleMs
	default:
		return m.cfg.PriceStaleMs
	}
}

func (m *Monitor) handleAggregate(ctx context.Context, evt eventbus.Event) error {
	symbol, sources, confidence, ts := aggregateIdentity(evt.Payload)
	if symbol == "" {
		return nil
	}
	block, ok := blockFor(evt.Topic)
	if !ok {
		return nil
	}
	if ts <= 0 {
		ts = evt.Meta.TSEvent
	}
	if ts <= 0 {
		ts = evt.Meta.TS
	}

	m.mu.Lock()
	st := m.stateForLocked(symbol)
	bs := st.blocks[block]
	if bs == nil {
		bs = &blockState{sources: make(map[string]int64)}
		st.blocks[block] = bs
	}
	if ts > bs.lastTS {
		bs.lastTS = ts
	}
	bs.lastConfidence = confidence
	for _, sourceID := range sources {
		if ts > bs.sources[sourceID] {
			bs.sources[sourceID] = ts
		}
	}
	if evt.Meta.TSIngest > 0 && evt.Meta.TSEvent > 0 && evt.Meta.TSIngest >= evt.Meta.TSEvent {
		lag := float64(evt.Meta.TSIngest - evt.Meta.TSEvent)
		if !st.lagSeen {
			st.lagEWMA = lag
			st.lagSeen = true
		} else {
			st.lagEWMA = (1-m.cfg.LagAlpha)*st.lagEWMA + m.cfg.LagAlpha*lag
		}
	}
	if cp, isCanonical := evt.Payload.(schema.CanonicalPrice); isCanonical {
		st.canonicalSeen = true
		st.canonicalValid = validCanonical(cp)
	}
	m.mu.Unlock()
	return nil
}

func (m *Monitor) handleSignal(ctx context.Context, evt eventbus.Event) error {
	switch p := evt.Payload.(type) {
	case schema.GapDetected:
		if p.Symbol == "" {
			return nil
		}
		ts := p.CurrTS
		if ts <= 0 {
			ts = evt.Meta.TS
		}
		m.mu.Lock()
		st := m.stateForLocked(p.Symbol)
		if ts > st.lastGapTS {
			st.lastGapTS = ts
		}
		m.mu.Unlock()
	case schema.Mismatch:
		if p.Symbol == "" {
			return nil
		}
		ts := p.TS
		if ts <= 0 {
			ts = evt.Meta.TS
		}
		m.mu.Lock()
		st := m.stateForLocked(p.Symbol)
		if ts > st.mismatches[p.Topic] {
			st.mismatches[p.Topic] = ts
		}
		m.mu.Unlock()
	}
	return nil
}

func newSymbolState(symbol string) *symbolState {
	return &symbolState{
		symbol:         symbol,
		blocks:         make(map[schema.ReadinessBlock]*blockState),
		mismatches:     make(map[schema.Topic]int64),
		minuteBucket:   -1,
		minuteReasons:  make(map[schema.DegradedReason]struct{}),
		minuteWarnings: make(map[string]struct{}),
	}
}

func (m *Monitor) stateForLocked(symbol string) *symbolState {
	st := m.state[symbol]
	if st == nil {
		st = newSymbolState(symbol)
		m.state[symbol] = st
	}
	return st
}

func (m *Monitor) emit(ctx context.Context, status schema.MarketDataStatus) {
	if status.Status == schema.StatusDegraded {
		observability.Log().Warn("market data degraded",
			observability.Field{Key: "symbol", Value: status.Symbol},
			observability.Field{Key: "reasons", Value: joinReasons(status.DegradedReasons)})
	} else {
		observability.Log().Info("market data status",
			observability.Field{Key: "symbol", Value: status.Symbol},
			observability.Field{Key: "status", Value: string(status.Status)})
	}
	meta := schema.NewMeta(schema.SourceSystem,
		schema.WithTS(status.TS), schema.WithTSEvent(status.TS))
	if err := m.bus.Publish(ctx, schema.TopicSystemMarketDataStatus, status, meta); err != nil {
		observability.Log().Debug("status publish dropped",
			observability.Field{Key: "symbol", Value: status.Symbol},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// blockFor maps an aggregate topic onto its readiness block.
func blockFor(topic schema.Topic) (schema.ReadinessBlock, bool) {
	switch topic {
	case schema.TopicDataPriceIndex, schema.TopicDataPriceCanonical:
		return schema.BlockPrice, true
	case schema.TopicDataCVDSpotAgg, schema.TopicDataCVDFuturesAgg, schema.TopicDataVolumeAgg:
		return schema.BlockFlow, true
	case schema.TopicDataLiquidityAgg:
		return schema.BlockLiquidity, true
	case schema.TopicDataOIAgg, schema.TopicDataFundingAgg:
		return schema.BlockDerivatives, true
	default:
		return "", false
	}
}

// aggregateIdentity pulls symbol, contributing sources, confidence and the
// aggregate timestamp out of any aggregate payload.
func aggregateIdentity(payload any) (string, []string, float64, int64) {
	switch p := payload.(type) {
	case schema.OIAggregate:
		return p.Symbol, p.SourcesUsed, p.ConfidenceScore, p.TS
	case schema.FundingAggregate:
		return p.Symbol, p.SourcesUsed, p.ConfidenceScore, p.TS
	case schema.CVDAggregate:
		return p.Symbol, p.SourcesUsed, p.ConfidenceScore, p.TS
	case schema.LiquidityAggregate:
		return p.Symbol, p.SourcesUsed, p.ConfidenceScore, p.TS
	case schema.PriceIndex:
		return p.Symbol, p.SourcesUsed, p.ConfidenceScore, p.TS
	case schema.CanonicalPrice:
		return p.Symbol, p.SourcesUsed, p.ConfidenceScore, p.TS
	case schema.VolumeAggregate:
		return p.Symbol, p.SourcesUsed, p.ConfidenceScore, p.TS
	default:
		return "", nil, 0, 0
	}
}

func validCanonical(cp schema.CanonicalPrice) bool {
	if len(cp.SourcesUsed) == 0 {
		return false
	}
	value, err := decimal.NewFromString(cp.Value)
	return err == nil && value.Sign() > 0
}

func reasonStrings(reasons []schema.DegradedReason) []string {
	if len(reasons) == 0 {
		return nil
	}
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}

// pendingReasons returns the raw reasons not yet past the stability window.
func pendingReasons(raw, stable []schema.DegradedReason) []schema.DegradedReason {
	if len(stable) == 0 {
		return raw
	}
	set := make(map[schema.DegradedReason]struct{}, len(stable))
	for _, r := range stable {
		set[r] = struct{}{}
	}
	var pending []schema.DegradedReason
	for _, r := range raw {
		if _, ok := set[r]; !ok {
			pending = append(pending, r)
		}
	}
	return pending
}

func unionReasons(set map[schema.DegradedReason]struct{}) []schema.DegradedReason {
	if len(set) == 0 {
		return nil
	}
	out := make([]schema.DegradedReason, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func unionStrings(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func joinReasons(reasons []schema.DegradedReason) string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}
