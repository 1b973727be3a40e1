package readiness

import (
	"context"
	"sync"
	"testing"

	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/schema"
)

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) handle(_ context.Context, evt eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) statuses() []schema.MarketDataStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schema.MarketDataStatus
	for _, evt := range r.events {
		if evt.Topic == schema.TopicSystemMarketDataStatus {
			out = append(out, evt.Payload.(schema.MarketDataStatus))
		}
	}
	return out
}

func record(bus eventbus.Bus, topics ...schema.Topic) *recorder {
	rec := new(recorder)
	for _, topic := range topics {
		bus.Subscribe(topic, rec.handle)
	}
	return rec
}

const t0 = int64(1_700_000_000_000)

// newMonitor parks the sweep loop on a huge interval and anchors the warmup
// epoch at t0 so tests drive EvaluateAt deterministically.
func newMonitor(t *testing.T, cfg Config) (*eventbus.SyncBus, *Monitor) {
	t.Helper()
	if cfg.CheckIntervalMs == 0 {
		cfg.CheckIntervalMs = 3_600_000
	}
	if cfg.WarmupMs == 0 {
		cfg.WarmupMs = 15_000
	}
	if cfg.GraceMs == 0 {
		cfg.GraceMs = 10_000
	}
	if cfg.StabilityMs == 0 {
		cfg.StabilityMs = 10_000
	}
	bus := eventbus.New()
	mon := New(bus, cfg)
	mon.StartAt(t0)
	t.Cleanup(mon.Close)
	return bus, mon
}

func aggMeta(ts, lagMs int64) schema.Meta {
	return schema.NewMeta(schema.SourceGlobalData,
		schema.WithTS(ts), schema.WithTSEvent(ts), schema.WithTSIngest(ts+lagMs))
}

func pubIndex(t *testing.T, bus eventbus.Bus, symbol string, sources []string, ts, lagMs int64) {
	t.Helper()
	payload := schema.PriceIndex{Aggregate: schema.Aggregate{
		Symbol:          symbol,
		Value:           "50000",
		SourcesUsed:     sources,
		ConfidenceScore: 1.0,
		TS:              ts,
	}}
	if err := bus.Publish(context.Background(), schema.TopicDataPriceIndex, payload, aggMeta(ts, lagMs)); err != nil {
		t.Fatalf("publish index: %v", err)
	}
}

func pubCanonical(t *testing.T, bus eventbus.Bus, symbol string, sources []string, ts int64) {
	t.Helper()
	payload := schema.CanonicalPrice{Aggregate: schema.Aggregate{
		Symbol:          symbol,
		Value:           "50000",
		SourcesUsed:     sources,
		ConfidenceScore: 1.0,
		TS:              ts,
	}}
	if len(sources) > 0 {
		payload.RefSource = sources[0]
	}
	if err := bus.Publish(context.Background(), schema.TopicDataPriceCanonical, payload, aggMeta(ts, 0)); err != nil {
		t.Fatalf("publish canonical: %v", err)
	}
}

func pubPrice(t *testing.T, bus eventbus.Bus, symbol string, sources []string, ts int64) {
	t.Helper()
	pubIndex(t, bus, symbol, sources, ts, 0)
	pubCanonical(t, bus, symbol, sources, ts)
}

func pubCVD(t *testing.T, bus eventbus.Bus, symbol string, sources []string, ts int64) {
	t.Helper()
	payload := schema.CVDAggregate{
		Aggregate: schema.Aggregate{
			Symbol:          symbol,
			Value:           "12.5",
			SourcesUsed:     sources,
			ConfidenceScore: 1.0,
			TS:              ts,
		},
		MarketType: schema.MarketTypeFutures,
		BucketMs:   60_000,
	}
	if err := bus.Publish(context.Background(), schema.TopicDataCVDFuturesAgg, payload, aggMeta(ts, 0)); err != nil {
		t.Fatalf("publish cvd: %v", err)
	}
}

func pubLiquidity(t *testing.T, bus eventbus.Bus, symbol string, sources []string, ts int64) {
	t.Helper()
	payload := schema.LiquidityAggregate{
		Aggregate: schema.Aggregate{
			Symbol:          symbol,
			Value:           "120.4",
			SourcesUsed:     sources,
			ConfidenceScore: 1.0,
			TS:              ts,
		},
		BucketMs: 60_000,
	}
	if err := bus.Publish(context.Background(), schema.TopicDataLiquidityAgg, payload, aggMeta(ts, 0)); err != nil {
		t.Fatalf("publish liquidity: %v", err)
	}
}

func pubOI(t *testing.T, bus eventbus.Bus, symbol string, sources []string, ts int64) {
	t.Helper()
	payload := schema.OIAggregate{
		Aggregate: schema.Aggregate{
			Symbol:          symbol,
			Value:           "90000",
			SourcesUsed:     sources,
			ConfidenceScore: 1.0,
			TS:              ts,
		},
		Unit: schema.OIUnitBase,
	}
	if err := bus.Publish(context.Background(), schema.TopicDataOIAgg, payload, aggMeta(ts, 0)); err != nil {
		t.Fatalf("publish oi: %v", err)
	}
}

func hasReason(reasons []schema.DegradedReason, want schema.DegradedReason) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}

func TestStatusLadderNoDataToReady(t *testing.T) {
	bus, mon := newMonitor(t, Config{
		MarketType: schema.MarketTypeFutures,
		Symbols:    []string{"BTCUSDT"},
	})
	rec := record(bus, schema.TopicSystemMarketDataStatus)
	ctx := context.Background()
	sources := []string{"bybit.futures", "binance.futures"}

	mon.EvaluateAt(ctx, t0+1_000)

	pubPrice(t, bus, "BTCUSDT", sources, t0+2_000)
	pubCVD(t, bus, "BTCUSDT", sources, t0+2_000)
	pubLiquidity(t, bus, "BTCUSDT", sources, t0+2_000)
	pubOI(t, bus, "BTCUSDT", sources, t0+2_000)

	mon.EvaluateAt(ctx, t0+3_000)  // grace
	mon.EvaluateAt(ctx, t0+12_000) // warming, unchanged -> suppressed

	pubPrice(t, bus, "BTCUSDT", sources, t0+14_500)
	mon.EvaluateAt(ctx, t0+16_000) // past warmup

	got := rec.statuses()
	if len(got) != 3 {
		t.Fatalf("status events = %d (%+v), want 3", len(got), got)
	}
	if got[0].Status != schema.StatusNoData || !got[0].WarmingUp {
		t.Fatalf("first status = %+v, want warming NO_DATA", got[0])
	}
	if got[1].Status != schema.StatusWarming || got[1].Degraded {
		t.Fatalf("second status = %+v, want WARMING", got[1])
	}
	ready := got[2]
	if ready.Status != schema.StatusReady || ready.WarmingUp || ready.Degraded {
		t.Fatalf("third status = %+v, want READY", ready)
	}
	if ready.OverallConfidence != 1.0 {
		t.Fatalf("overall confidence = %v, want 1.0", ready.OverallConfidence)
	}
	// The minute saw NO_DATA, which outranks READY as worst-of-bucket.
	if ready.WorstStatusInMinute != schema.StatusNoData {
		t.Fatalf("worst in minute = %s, want NO_DATA", ready.WorstStatusInMinute)
	}

	// Minute rollover re-emits with a reset bucket.
	pubPrice(t, bus, "BTCUSDT", sources, t0+44_000)
	mon.EvaluateAt(ctx, t0+45_000)
	got = rec.statuses()
	if len(got) != 4 {
		t.Fatalf("status events after rollover = %d, want 4", len(got))
	}
	next := got[3]
	if next.Status != schema.StatusReady || next.WorstStatusInMinute != schema.StatusReady {
		t.Fatalf("rollover status = %+v, want clean READY bucket", next)
	}
	if len(next.DegradedReasons) != 0 {
		t.Fatalf("rollover reasons = %v, want empty", next.DegradedReasons)
	}

	snap := mon.Snapshot()
	if st, ok := snap["BTCUSDT"]; !ok || st.Status != schema.StatusReady {
		t.Fatalf("snapshot = %+v, want READY for BTCUSDT", snap)
	}
}

func TestPriceStaleDegradesAfterStability(t *testing.T) {
	bus, mon := newMonitor(t, Config{MarketType: schema.MarketTypeFutures})
	rec := record(bus, schema.TopicSystemMarketDataStatus)
	ctx := context.Background()
	sources := []string{"bybit.futures"}

	pubPrice(t, bus, "BTCUSDT", sources, t0+2_000)
	pubCVD(t, bus, "BTCUSDT", sources, t0+2_000)
	mon.EvaluateAt(ctx, t0+16_000)

	got := rec.statuses()
	if len(got) != 1 || got[0].Status != schema.StatusReady {
		t.Fatalf("initial statuses = %+v, want single READY", got)
	}

	// Price stops ticking; the reason must survive the stability window
	// before the symbol degrades.
	mon.EvaluateAt(ctx, t0+20_000)
	got = rec.statuses()
	if len(got) != 2 || got[1].Status != schema.StatusWarming {
		t.Fatalf("statuses = %+v, want WARMING while stability pending", got)
	}
	if len(got[1].Warnings) == 0 || got[1].Warnings[0] != string(schema.ReasonPriceStale) {
		t.Fatalf("pending warnings = %v, want PRICE_STALE", got[1].Warnings)
	}

	mon.EvaluateAt(ctx, t0+31_000)
	got = rec.statuses()
	if len(got) != 3 {
		t.Fatalf("statuses = %+v, want 3", got)
	}
	degraded := got[2]
	if degraded.Status != schema.StatusDegraded || !degraded.Degraded {
		t.Fatalf("status = %+v, want DEGRADED", degraded)
	}
	if !hasReason(degraded.DegradedReasons, schema.ReasonPriceStale) {
		t.Fatalf("reasons = %v, want PRICE_STALE", degraded.DegradedReasons)
	}

	// Fresh price clears the reason; the minute union still carries it.
	pubPrice(t, bus, "BTCUSDT", sources, t0+32_000)
	mon.EvaluateAt(ctx, t0+33_000)
	got = rec.statuses()
	recovered := got[len(got)-1]
	if recovered.Status != schema.StatusReady || recovered.Degraded {
		t.Fatalf("status = %+v, want READY", recovered)
	}
	if !hasReason(recovered.DegradedReasons, schema.ReasonPriceStale) {
		t.Fatalf("minute union = %v, want PRICE_STALE retained", recovered.DegradedReasons)
	}
	if recovered.WorstStatusInMinute != schema.StatusWarming {
		t.Fatalf("worst in minute = %s, want WARMING", recovered.WorstStatusInMinute)
	}

	// Next minute starts clean.
	pubPrice(t, bus, "BTCUSDT", sources, t0+44_000)
	mon.EvaluateAt(ctx, t0+45_000)
	got = rec.statuses()
	clean := got[len(got)-1]
	if clean.WorstStatusInMinute != schema.StatusReady || len(clean.DegradedReasons) != 0 {
		t.Fatalf("rollover status = %+v, want clean bucket", clean)
	}
}

func TestExpectedSourceMissing(t *testing.T) {
	bus, mon := newMonitor(t, Config{
		MarketType: schema.MarketTypeFutures,
		ExpectedSources: map[string][]string{
			"price": {"bybit.futures", "binance.futures"},
		},
	})
	rec := record(bus, schema.TopicSystemMarketDataStatus)
	ctx := context.Background()

	pubPrice(t, bus, "BTCUSDT", []string{"bybit.futures"}, t0+1_000)
	mon.EvaluateAt(ctx, t0+11_000) // tracks the missing source
	pubPrice(t, bus, "BTCUSDT", []string{"bybit.futures"}, t0+14_000)
	pubPrice(t, bus, "BTCUSDT", []string{"bybit.futures"}, t0+20_000)
	mon.EvaluateAt(ctx, t0+22_000)

	got := rec.statuses()
	last := got[len(got)-1]
	if last.Status != schema.StatusDegraded {
		t.Fatalf("status = %+v, want DEGRADED", last)
	}
	if !hasReason(last.DegradedReasons, schema.ReasonExpectedSourceMissing) {
		t.Fatalf("reasons = %v, want EXPECTED_SOURCE_MISSING", last.DegradedReasons)
	}

	pubPrice(t, bus, "BTCUSDT", []string{"bybit.futures", "binance.futures"}, t0+23_000)
	mon.EvaluateAt(ctx, t0+24_000)
	got = rec.statuses()
	if last := got[len(got)-1]; last.Status != schema.StatusReady {
		t.Fatalf("status = %+v, want READY after second source appears", last)
	}
}

func TestGapAndMismatchReasonsDecay(t *testing.T) {
	bus, mon := newMonitor(t, Config{MarketType: schema.MarketTypeFutures})
	rec := record(bus, schema.TopicSystemMarketDataStatus)
	ctx := context.Background()
	sources := []string{"bybit.futures"}

	pubPrice(t, bus, "BTCUSDT", sources, t0+14_000)

	gap := schema.GapDetected{
		Topic:       schema.TopicMarketTrade,
		Symbol:      "BTCUSDT",
		PrevTS:      t0,
		CurrTS:      t0 + 16_000,
		GapMs:       16_000,
		ThresholdMs: 10_000,
	}
	if err := bus.Publish(ctx, schema.TopicDataGapDetected, gap, aggMeta(t0+16_000, 0)); err != nil {
		t.Fatalf("publish gap: %v", err)
	}
	mismatch := schema.Mismatch{
		Topic:     schema.TopicDataPriceIndex,
		Symbol:    "BTCUSDT",
		Spread:    0.012,
		Threshold: 0.005,
		Values:    map[string]float64{"bybit.futures": 50_000, "binance.futures": 50_600},
		TS:        t0 + 16_000,
	}
	if err := bus.Publish(ctx, schema.TopicDataMismatch, mismatch, aggMeta(t0+16_000, 0)); err != nil {
		t.Fatalf("publish mismatch: %v", err)
	}

	mon.EvaluateAt(ctx, t0+17_000) // stability pending
	pubPrice(t, bus, "BTCUSDT", sources, t0+27_000)
	mon.EvaluateAt(ctx, t0+28_000)

	got := rec.statuses()
	last := got[len(got)-1]
	if last.Status != schema.StatusDegraded {
		t.Fatalf("status = %+v, want DEGRADED", last)
	}
	if !hasReason(last.DegradedReasons, schema.ReasonGapsDetected) {
		t.Fatalf("reasons = %v, want GAPS_DETECTED", last.DegradedReasons)
	}
	if !hasReason(last.DegradedReasons, schema.DegradedReason("MISMATCH_PRICE_INDEX")) {
		t.Fatalf("reasons = %v, want MISMATCH_PRICE_INDEX", last.DegradedReasons)
	}

	// Gap decays after 60 s, mismatch after 120 s.
	pubPrice(t, bus, "BTCUSDT", sources, t0+139_000)
	mon.EvaluateAt(ctx, t0+140_000)
	got = rec.statuses()
	if last := got[len(got)-1]; last.Status != schema.StatusReady {
		t.Fatalf("status = %+v, want READY after decay", last)
	}
}

func TestLagEWMADrivesLagHigh(t *testing.T) {
	bus, mon := newMonitor(t, Config{MarketType: schema.MarketTypeFutures, LagHighMs: 5_000})
	rec := record(bus, schema.TopicSystemMarketDataStatus)
	ctx := context.Background()
	sources := []string{"bybit.futures"}

	pubIndex(t, bus, "BTCUSDT", sources, t0+2_000, 8_000)
	pubCanonical(t, bus, "BTCUSDT", sources, t0+2_000)
	pubIndex(t, bus, "BTCUSDT", sources, t0+14_000, 8_000)
	mon.EvaluateAt(ctx, t0+16_000)
	mon.EvaluateAt(ctx, t0+27_000)

	got := rec.statuses()
	last := got[len(got)-1]
	if last.Status != schema.StatusDegraded || !hasReason(last.DegradedReasons, schema.ReasonLagHigh) {
		t.Fatalf("status = %+v, want DEGRADED with LAG_HIGH", last)
	}

	// Low-lag arrivals drag the EWMA back under the bar at alpha 0.2.
	pubIndex(t, bus, "BTCUSDT", sources, t0+28_000, 0)
	pubIndex(t, bus, "BTCUSDT", sources, t0+29_000, 0)
	pubIndex(t, bus, "BTCUSDT", sources, t0+30_000, 0)
	pubCanonical(t, bus, "BTCUSDT", sources, t0+30_000)
	mon.EvaluateAt(ctx, t0+31_000)

	got = rec.statuses()
	if last := got[len(got)-1]; last.Status != schema.StatusReady {
		t.Fatalf("status = %+v, want READY after lag recovery", last)
	}
}

func TestNoValidRefPrice(t *testing.T) {
	bus, mon := newMonitor(t, Config{MarketType: schema.MarketTypeFutures})
	rec := record(bus, schema.TopicSystemMarketDataStatus)
	ctx := context.Background()
	sources := []string{"bybit.futures"}

	// A fresh index with a canonical price that filtered out every source.
	pubIndex(t, bus, "BTCUSDT", sources, t0+2_000, 0)
	pubCanonical(t, bus, "BTCUSDT", nil, t0+2_000)
	pubIndex(t, bus, "BTCUSDT", sources, t0+14_000, 0)
	mon.EvaluateAt(ctx, t0+16_000)
	pubIndex(t, bus, "BTCUSDT", sources, t0+26_000, 0)
	mon.EvaluateAt(ctx, t0+27_000)

	got := rec.statuses()
	last := got[len(got)-1]
	if last.Status != schema.StatusDegraded || !hasReason(last.DegradedReasons, schema.ReasonNoValidRefPrice) {
		t.Fatalf("status = %+v, want DEGRADED with NO_VALID_REF_PRICE", last)
	}

	pubPrice(t, bus, "BTCUSDT", sources, t0+28_000)
	mon.EvaluateAt(ctx, t0+29_000)
	got = rec.statuses()
	if last := got[len(got)-1]; last.Status != schema.StatusReady {
		t.Fatalf("status = %+v, want READY once canonical is valid", last)
	}
}
