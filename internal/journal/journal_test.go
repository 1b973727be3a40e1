package journal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/schema"
)

// ingestTS pins every test record to 2023-11-14 UTC.
const ingestTS = int64(1700000000123)

const testDay = "2023-11-14"

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

func (r *recorder) byTopic(topic schema.Topic) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, evt := range r.events {
		if evt.Topic == topic {
			out = append(out, evt)
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

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testTopics keeps the journaled set narrow so tests only see their own
// partitions.
func testTopics() []schema.Topic {
	return []schema.Topic{
		schema.TopicMarketTicker,
		schema.TopicMarketTicker.Raw(),
		schema.TopicMarketTrade,
		schema.TopicMarketOrderbookL2Snapshot,
		schema.TopicMarketOrderbookL2Delta,
		schema.TopicMarketKline,
		schema.TopicMarketConnected,
	}
}

func newTestJournal(t *testing.T, cfg Config) (*eventbus.SyncBus, *Journal) {
	t.Helper()
	if cfg.BaseDir == "" {
		cfg.BaseDir = t.TempDir()
	}
	if cfg.RunID == "" {
		cfg.RunID = "run1"
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = 1
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Millisecond
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = testTopics()
	}
	bus := eventbus.New()
	j := New(bus, cfg)
	j.Start()
	t.Cleanup(j.Close)
	return bus, j
}

func ingressMeta(streamID string, exchangeTS int64) schema.Meta {
	opts := []schema.MetaOption{
		schema.WithStreamID(streamID),
		schema.WithTSIngest(ingestTS),
	}
	if exchangeTS != 0 {
		opts = append(opts, schema.WithTSExchange(exchangeTS))
	}
	return schema.NewMeta(schema.SourceMarket, opts...)
}

func testTicker(symbol string, exchangeTS int64) schema.Ticker {
	return schema.Ticker{
		Instrument: schema.Instrument{
			Venue:      schema.VenueBybit,
			MarketType: schema.MarketTypeFutures,
			Symbol:     symbol,
		},
		LastPrice:  "100.5",
		ExchangeTS: exchangeTS,
	}
}

func pub(t *testing.T, bus eventbus.Bus, topic schema.Topic, payload any, meta schema.Meta) {
	t.Helper()
	if err := bus.Publish(context.Background(), topic, payload, meta); err != nil {
		t.Fatalf("publish %s: %v", topic, err)
	}
}

func TestPartitionLayoutAndSequencing(t *testing.T) {
	base := t.TempDir()
	bus, j := newTestJournal(t, Config{BaseDir: base})

	pub(t, bus, schema.TopicMarketTicker, testTicker("BTCUSDT", 1700000000000), ingressMeta("bybit.ws", 1700000000000))
	pub(t, bus, schema.TopicMarketTicker, testTicker("BTCUSDT", 1700000001000), ingressMeta("bybit.ws", 1700000001000))
	pub(t, bus, schema.TopicMarketTicker, testTicker("ETHUSDT", 1700000000500), ingressMeta("bybit.ws", 1700000000500))

	kline := schema.Kline{
		Instrument: schema.Instrument{Venue: schema.VenueBybit, MarketType: schema.MarketTypeFutures, Symbol: "BTCUSDT"},
		Interval:   "1m",
		TF:         "1m",
		StartTS:    1699999940000,
		EndTS:      1700000000000,
		Open:       "100", High: "101", Low: "99", Close: "100.5",
		Volume:    "12",
		Confirmed: true,
	}
	pub(t, bus, schema.TopicMarketKline, kline, ingressMeta("bybit.ws", 1700000000000))

	pub(t, bus, schema.TopicMarketConnected, schema.Connected{
		Venue: schema.VenueBybit, MarketType: schema.MarketTypeFutures, StreamID: "bybit.ws", Epoch: 1,
	}, ingressMeta("bybit.ws", 0))

	waitFor(t, "five records on disk", func() bool { return j.Stats().Records == 5 })

	btcPath := filepath.Join(base, "bybit.ws", "BTCUSDT", "market-ticker", "run1", testDay+".jsonl")
	recs, err := ReadPartition(btcPath)
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("BTC ticker records = %d, want 2", len(recs))
	}
	for i, rec := range recs {
		if rec.Seq != uint64(i+1) {
			t.Fatalf("record %d seq = %d, want %d", i, rec.Seq, i+1)
		}
	}
	first := recs[0]
	if first.StreamID != "bybit.ws" || first.RunID != "run1" || first.Topic != schema.TopicMarketTicker || first.Symbol != "BTCUSDT" {
		t.Fatalf("record identity = %+v", first)
	}
	if first.TSIngest != ingestTS || first.TSExchange != 1700000000000 {
		t.Fatalf("record timestamps = ingest %d exchange %d", first.TSIngest, first.TSExchange)
	}
	payload, ok := first.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload decoded as %T", first.Payload)
	}
	if payload["lastPrice"] != "100.5" || payload["venue"] != "bybit" {
		t.Fatalf("payload = %v", payload)
	}

	ethPath := filepath.Join(base, "bybit.ws", "ETHUSDT", "market-ticker", "run1", testDay+".jsonl")
	ethRecs, err := ReadPartition(ethPath)
	if err != nil {
		t.Fatalf("ReadPartition eth: %v", err)
	}
	if len(ethRecs) != 1 || ethRecs[0].Seq != 1 {
		t.Fatalf("ETH partition sequences independently, got %+v", ethRecs)
	}

	klinePath := filepath.Join(base, "bybit.ws", "BTCUSDT", "market-kline", "1m", "run1", testDay+".jsonl")
	klineRecs, err := ReadPartition(klinePath)
	if err != nil {
		t.Fatalf("ReadPartition kline: %v", err)
	}
	if len(klineRecs) != 1 {
		t.Fatalf("kline records = %d, want 1", len(klineRecs))
	}

	connPath := filepath.Join(base, "bybit.ws", "all", "market-connected", "run1", testDay+".jsonl")
	if _, err := ReadPartition(connPath); err != nil {
		t.Fatalf("symbolless events land under all: %v", err)
	}
}

func TestRawGuardRejectsAggregationFields(t *testing.T) {
	base := t.TempDir()
	bus, j := newTestJournal(t, Config{BaseDir: base})

	rawTopic := schema.TopicMarketTicker.Raw()
	pub(t, bus, rawTopic, schema.RawPayload{
		"symbol": "BTCUSDT", "lastPrice": "100.5", "exchangeTs": int64(1700000000000),
	}, ingressMeta("bybit.ws", 1700000000000))

	pub(t, bus, rawTopic, schema.RawPayload{
		"symbol": "BTCUSDT", "lastPrice": "100.6", "confidenceScore": 0.9,
	}, ingressMeta("bybit.ws", 1700000000100))

	pub(t, bus, rawTopic, schema.RawPayload{
		"symbol": "BTCUSDT", "lastPrice": "100.7", "exchangeTs": int64(1700000000200),
	}, ingressMeta("bybit.ws", 1700000000200))

	waitFor(t, "two raw records on disk", func() bool { return j.Stats().Records == 2 })

	path := filepath.Join(base, "bybit.ws", "BTCUSDT", "market-ticker-raw", "run1", testDay+".jsonl")
	recs, err := ReadPartition(path)
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("raw records = %d, want 2", len(recs))
	}
	// The rejected record never consumed a sequence number.
	if recs[0].Seq != 1 || recs[1].Seq != 2 {
		t.Fatalf("raw seqs = %d, %d", recs[0].Seq, recs[1].Seq)
	}
	for _, rec := range recs {
		payload := rec.Payload.(map[string]any)
		if _, present := payload["confidenceScore"]; present {
			t.Fatal("aggregation field reached the raw tape")
		}
	}
}

func TestTickerSeriesDetections(t *testing.T) {
	bus, _ := newTestJournal(t, Config{})
	rec := record(bus, schema.TopicDataGapDetected, schema.TopicDataOutOfOrder, schema.TopicDataDuplicate)

	meta := func() schema.Meta {
		return schema.NewMeta(schema.SourceMarket,
			schema.WithStreamID("bybit.ws"),
			schema.WithTSIngest(ingestTS),
			schema.WithCorrelationID("corr-q"))
	}

	for _, ts := range []int64{1000, 7001, 6500, 7001} {
		pub(t, bus, schema.TopicMarketTicker, testTicker("GAPUSDT", ts), meta())
	}

	gaps := rec.byTopic(schema.TopicDataGapDetected)
	if len(gaps) != 1 {
		t.Fatalf("gap events = %d, want 1", len(gaps))
	}
	gap := gaps[0].Payload.(schema.GapDetected)
	if gap.PrevTS != 1000 || gap.CurrTS != 7001 || gap.GapMs != 6001 || gap.ThresholdMs != 5000 {
		t.Fatalf("gap = %+v", gap)
	}
	if gap.Topic != schema.TopicMarketTicker || gap.Symbol != "GAPUSDT" {
		t.Fatalf("gap identity = %+v", gap)
	}
	if gaps[0].Meta.Source != schema.SourceStorage || gaps[0].Meta.CorrelationID != "corr-q" {
		t.Fatalf("gap meta = %+v", gaps[0].Meta)
	}

	oo := rec.byTopic(schema.TopicDataOutOfOrder)
	if len(oo) != 1 {
		t.Fatalf("out-of-order events = %d, want 1", len(oo))
	}
	reg := oo[0].Payload.(schema.TimeOutOfOrder)
	if reg.PrevTS != 7001 || reg.CurrTS != 6500 || reg.Field != "exchangeTs" {
		t.Fatalf("out-of-order = %+v", reg)
	}

	dups := rec.byTopic(schema.TopicDataDuplicate)
	if len(dups) != 1 {
		t.Fatalf("duplicate events = %d, want 1", len(dups))
	}
	dup := dups[0].Payload.(schema.DuplicateDetected)
	if dup.TS != 7001 || dup.TradeID != "" {
		t.Fatalf("duplicate = %+v", dup)
	}
}

func TestTradeDetections(t *testing.T) {
	bus, _ := newTestJournal(t, Config{})
	rec := record(bus, schema.TopicDataDuplicate, schema.TopicDataOutOfOrder)

	trade := func(id string, ts int64) schema.Trade {
		return schema.Trade{
			Instrument: schema.Instrument{Venue: schema.VenueBybit, MarketType: schema.MarketTypeFutures, Symbol: "BTCUSDT"},
			TradeID:    id,
			Side:       schema.TradeSideBuy,
			Price:      "100",
			Size:       "1",
			TradeTS:    ts,
		}
	}
	meta := ingressMeta("bybit.ws", 0)

	pub(t, bus, schema.TopicMarketTrade, trade("t1", 1000), meta)
	pub(t, bus, schema.TopicMarketTrade, trade("t1", 1100), meta)
	pub(t, bus, schema.TopicMarketTrade, trade("t2", 900), meta)

	dups := rec.byTopic(schema.TopicDataDuplicate)
	if len(dups) != 1 {
		t.Fatalf("duplicate events = %d, want 1", len(dups))
	}
	if dup := dups[0].Payload.(schema.DuplicateDetected); dup.TradeID != "t1" {
		t.Fatalf("duplicate = %+v", dup)
	}

	oo := rec.byTopic(schema.TopicDataOutOfOrder)
	if len(oo) != 1 {
		t.Fatalf("out-of-order events = %d, want 1", len(oo))
	}
	reg := oo[0].Payload.(schema.TimeOutOfOrder)
	if reg.PrevTS != 1100 || reg.CurrTS != 900 || reg.Field != "tradeTs" {
		t.Fatalf("out-of-order = %+v", reg)
	}
}

func TestOrderbookSequenceAnomalies(t *testing.T) {
	bus, _ := newTestJournal(t, Config{})
	rec := record(bus, schema.TopicDataSequenceAnomaly)

	inst := schema.Instrument{Venue: schema.VenueBybit, MarketType: schema.MarketTypeFutures, Symbol: "BTCUSDT"}
	snapshot := func(updateID uint64, ts int64) schema.OrderbookL2Snapshot {
		return schema.OrderbookL2Snapshot{Instrument: inst, Depth: 50, UpdateID: updateID, ExchangeTS: ts}
	}
	delta := func(updateID uint64, ts int64) schema.OrderbookL2Delta {
		return schema.OrderbookL2Delta{Instrument: inst, Depth: 50, UpdateID: updateID, ExchangeTS: ts}
	}
	meta := ingressMeta("bybit.ws", 0)

	pub(t, bus, schema.TopicMarketOrderbookL2Snapshot, snapshot(10, 1000), meta)
	pub(t, bus, schema.TopicMarketOrderbookL2Delta, delta(11, 1010), meta)
	pub(t, bus, schema.TopicMarketOrderbookL2Delta, delta(13, 1020), meta)
	pub(t, bus, schema.TopicMarketOrderbookL2Delta, delta(12, 1030), meta)
	pub(t, bus, schema.TopicMarketOrderbookL2Delta, delta(13, 1040), meta)
	// A fresh snapshot reseeds the chain, so the next contiguous delta is
	// clean.
	pub(t, bus, schema.TopicMarketOrderbookL2Snapshot, snapshot(20, 1050), meta)
	pub(t, bus, schema.TopicMarketOrderbookL2Delta, delta(21, 1060), meta)

	anomalies := rec.byTopic(schema.TopicDataSequenceAnomaly)
	if len(anomalies) != 3 {
		t.Fatalf("sequence anomalies = %d, want 3", len(anomalies))
	}
	wants := []schema.SequenceAnomaly{
		{Topic: schema.TopicMarketOrderbookL2Delta, Symbol: "BTCUSDT", PrevSeq: 11, CurrSeq: 13, Kind: schema.SequenceGap},
		{Topic: schema.TopicMarketOrderbookL2Delta, Symbol: "BTCUSDT", PrevSeq: 13, CurrSeq: 12, Kind: schema.SequenceOutOfOrder},
		{Topic: schema.TopicMarketOrderbookL2Delta, Symbol: "BTCUSDT", PrevSeq: 13, CurrSeq: 13, Kind: schema.SequenceDuplicate},
	}
	for i, want := range wants {
		got := anomalies[i].Payload.(schema.SequenceAnomaly)
		if got != want {
			t.Fatalf("anomaly %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestLatencySpikeDetection(t *testing.T) {
	bus, _ := newTestJournal(t, Config{})
	rec := record(bus, schema.TopicDataLatencySpike)

	meta := schema.NewMeta(schema.SourceMarket,
		schema.WithStreamID("okx.ws"),
		schema.WithTSIngest(10_000),
		schema.WithTSExchange(1_000))
	pub(t, bus, schema.TopicMarketTicker, testTicker("BTCUSDT", 1_000), meta)

	spikes := rec.byTopic(schema.TopicDataLatencySpike)
	if len(spikes) != 1 {
		t.Fatalf("latency spikes = %d, want 1", len(spikes))
	}
	spike := spikes[0].Payload.(schema.LatencySpike)
	if spike.LatencyMs != 9000 || spike.ThresholdMs != 2000 {
		t.Fatalf("spike = %+v", spike)
	}
	if spike.TSIngest != 10_000 || spike.TSExchange != 1_000 {
		t.Fatalf("spike timestamps = %+v", spike)
	}
}

func TestWriteFailureReportedOncePerPath(t *testing.T) {
	base := t.TempDir()
	// A plain file where the stream directory belongs makes every append to
	// that stream fail.
	if err := os.WriteFile(filepath.Join(base, "bybit.ws"), []byte("x"), 0o644); err != nil {
		t.Fatalf("plant blocking file: %v", err)
	}

	bus, j := newTestJournal(t, Config{BaseDir: base})
	rec := record(bus, schema.TopicStorageWriteFailed)

	pub(t, bus, schema.TopicMarketTicker, testTicker("BTCUSDT", 1700000000000), ingressMeta("bybit.ws", 1700000000000))
	waitFor(t, "first write failure", func() bool { return j.Stats().WriteFailures == 1 })

	pub(t, bus, schema.TopicMarketTicker, testTicker("BTCUSDT", 1700000001000), ingressMeta("bybit.ws", 1700000001000))
	waitFor(t, "second write failure", func() bool { return j.Stats().WriteFailures == 2 })

	failures := rec.byTopic(schema.TopicStorageWriteFailed)
	if len(failures) != 1 {
		t.Fatalf("writeFailed events = %d, want 1 per path", len(failures))
	}
	failed := failures[0].Payload.(schema.WriteFailed)
	wantPath := filepath.Join(base, "bybit.ws", "BTCUSDT", "market-ticker", "run1", testDay+".jsonl")
	if failed.Path != wantPath {
		t.Fatalf("failed path = %s, want %s", failed.Path, wantPath)
	}
	if failed.Error == "" || failed.TS == 0 {
		t.Fatalf("failed payload = %+v", failed)
	}
	if failures[0].Meta.Source != schema.SourceStorage {
		t.Fatalf("failure meta source = %s", failures[0].Meta.Source)
	}
	if j.Stats().Records != 0 {
		t.Fatalf("records = %d, want 0", j.Stats().Records)
	}
}

func TestCloseDrainsPending(t *testing.T) {
	base := t.TempDir()
	bus, j := newTestJournal(t, Config{
		BaseDir:       base,
		MaxBatch:      1000,
		FlushInterval: time.Hour,
	})

	for i := int64(0); i < 3; i++ {
		pub(t, bus, schema.TopicMarketTicker, testTicker("BTCUSDT", 1700000000000+i), ingressMeta("bybit.ws", 1700000000000+i))
	}
	if got := j.Stats().Records; got != 0 {
		t.Fatalf("records before close = %d, want 0", got)
	}

	j.Close()

	if got := j.Stats().Records; got != 3 {
		t.Fatalf("records after close = %d, want 3", got)
	}
	path := filepath.Join(base, "bybit.ws", "BTCUSDT", "market-ticker", "run1", testDay+".jsonl")
	recs, err := ReadPartition(path)
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if len(recs) != 3 || recs[2].Seq != 3 {
		t.Fatalf("drained records = %+v", recs)
	}
}

func TestNewRunIDShape(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
	id := NewRunID(now)
	const wantPrefix = "20240501T123045Z-"
	if !strings.HasPrefix(id, wantPrefix) {
		t.Fatalf("run id = %s, want prefix %s", id, wantPrefix)
	}
	suffix := strings.TrimPrefix(id, wantPrefix)
	if len(suffix) != 8 {
		t.Fatalf("run id suffix = %q, want 8 chars", suffix)
	}
	for _, c := range suffix {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("run id suffix %q is not hex", suffix)
		}
	}
}

func TestDefaultTopicsExcludeWriteFailed(t *testing.T) {
	topics := DefaultTopics()
	seen := make(map[schema.Topic]bool, len(topics))
	for _, topic := range topics {
		if topic == schema.TopicStorageWriteFailed {
			t.Fatal("journal must not subscribe to its own failure reports")
		}
		if seen[topic] {
			t.Fatalf("topic %s listed twice", topic)
		}
		seen[topic] = true
	}
	for _, want := range []schema.Topic{
		schema.TopicMarketTicker,
		schema.TopicMarketTicker.Raw(),
		schema.TopicMarketKline.Raw(),
		schema.TopicMarketResyncRequested,
		schema.TopicDataPriceCanonical,
		schema.TopicDataLatencySpike,
		schema.TopicControlState,
		schema.TopicSystemMarketDataStatus,
	} {
		if !seen[want] {
			t.Fatalf("default topics missing %s", want)
		}
	}
}

func TestPartitionHelpers(t *testing.T) {
	dirCases := []struct {
		topic schema.Topic
		want  string
	}{
		{schema.TopicMarketTicker, "market-ticker"},
		{schema.TopicMarketTicker.Raw(), "market-ticker-raw"},
		{schema.TopicMarketOrderbookL2Delta, "market-orderbook_l2_delta"},
		{schema.TopicDataOIAgg, "data-oi_agg"},
	}
	for _, tc := range dirCases {
		if got := topicDir(tc.topic); got != tc.want {
			t.Errorf("topicDir(%s) = %s, want %s", tc.topic, got, tc.want)
		}
	}

	tfCases := []struct {
		name    string
		topic   schema.Topic
		payload any
		want    string
	}{
		{"canonical tf", schema.TopicMarketKline, schema.Kline{TF: "1m"}, "1m"},
		{"canonical interval fallback", schema.TopicMarketKline, schema.Kline{Interval: "5m"}, "5m"},
		{"raw interval", schema.TopicMarketKline.Raw(), schema.RawPayload{"interval": "15m"}, "15m"},
		{"raw okx channel", schema.TopicMarketKline.Raw(), schema.RawPayload{"channel": "candle1m"}, "1m"},
		{"raw unknown", schema.TopicMarketKline.Raw(), schema.RawPayload{"foo": "bar"}, "unknown"},
		{"non-kline", schema.TopicMarketTicker, schema.Ticker{}, ""},
	}
	for _, tc := range tfCases {
		if got := tfOf(tc.topic, tc.payload); got != tc.want {
			t.Errorf("%s: tfOf = %q, want %q", tc.name, got, tc.want)
		}
	}
}
