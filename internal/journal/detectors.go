package journal

import (
	"context"
	"sync"

	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/schema"
)

// Inter-arrival gap thresholds per canonical topic, in milliseconds.
const (
	gapThresholdBookMs    = 5_000
	gapThresholdOIMs      = 120_000
	gapThresholdFundingMs = 300_000
)

type seriesState struct {
	lastTS      int64
	lastSeq     uint64
	haveSeq     bool
	lastTradeID string
}

// detectors runs the pre-enqueue quality checks. State is keyed by
// (topic, streamId, symbol) so venues never cross-contaminate each other's
// series.
type detectors struct {
	bus            eventbus.Bus
	latencySpikeMs int64
	metrics        *journalMetrics

	mu    sync.Mutex
	state map[string]*seriesState
}

func newDetectors(bus eventbus.Bus, latencySpikeMs int64, metrics *journalMetrics) *detectors {
	return &detectors{
		bus:            bus,
		latencySpikeMs: latencySpikeMs,
		metrics:        metrics,
		state:          make(map[string]*seriesState),
	}
}

// inspect runs the detectors applicable to the event's topic. Detector
// emissions are plain bus events; they never gate or block the append.
func (d *detectors) inspect(ctx context.Context, evt eventbus.Event, symbol string) {
	switch p := evt.Payload.(type) {
	case schema.Ticker:
		d.checkSeries(ctx, evt, symbol, p.ExchangeTS, "exchangeTs", gapThresholdBookMs, true)
		d.checkLatency(ctx, evt, symbol)
	case schema.Trade:
		d.checkTrade(ctx, evt, symbol, p)
		d.checkLatency(ctx, evt, symbol)
	case schema.OrderbookL2Snapshot:
		d.resetSequence(evt, symbol, p.UpdateID)
		d.checkSeries(ctx, evt, symbol, p.ExchangeTS, "exchangeTs", gapThresholdBookMs, false)
		d.checkLatency(ctx, evt, symbol)
	case schema.OrderbookL2Delta:
		d.checkSequence(ctx, evt, symbol, p.UpdateID)
		d.checkSeries(ctx, evt, symbol, p.ExchangeTS, "exchangeTs", gapThresholdBookMs, false)
		d.checkLatency(ctx, evt, symbol)
	case schema.OpenInterest:
		d.checkSeries(ctx, evt, symbol, p.ExchangeTS, "exchangeTs", gapThresholdOIMs, true)
		d.checkLatency(ctx, evt, symbol)
	case schema.FundingRate:
		d.checkSeries(ctx, evt, symbol, p.ExchangeTS, "exchangeTs", gapThresholdFundingMs, true)
		d.checkLatency(ctx, evt, symbol)
	case schema.Kline:
		d.checkLatency(ctx, evt, symbol)
	case schema.Liquidation:
		d.checkLatency(ctx, evt, symbol)
	}
}

func (d *detectors) lookup(evt eventbus.Event, symbol string) *seriesState {
	key := string(evt.Topic) + "|" + evt.Meta.StreamID + "|" + symbol
	st, ok := d.state[key]
	if !ok {
		st = &seriesState{}
		d.state[key] = st
	}
	return st
}

// checkSeries compares the event's venue timestamp against the previous one
// on the same (topic, stream, symbol) series.
func (d *detectors) checkSeries(ctx context.Context, evt eventbus.Event, symbol string, ts int64, field string, gapThresholdMs int64, dupOnEqualTS bool) {
	if ts <= 0 {
		return
	}
	d.mu.Lock()
	st := d.lookup(evt, symbol)
	prev := st.lastTS
	if ts > st.lastTS {
		st.lastTS = ts
	}
	d.mu.Unlock()
	if prev <= 0 {
		return
	}
	switch {
	case ts < prev:
		d.emit(ctx, evt.Meta, schema.TopicDataOutOfOrder, schema.TimeOutOfOrder{
			Topic: evt.Topic, Symbol: symbol, PrevTS: prev, CurrTS: ts, Field: field,
		})
	case ts == prev:
		if dupOnEqualTS {
			d.emit(ctx, evt.Meta, schema.TopicDataDuplicate, schema.DuplicateDetected{
				Topic: evt.Topic, Symbol: symbol, TS: ts,
			})
		}
	case gapThresholdMs > 0 && ts-prev > gapThresholdMs:
		d.emit(ctx, evt.Meta, schema.TopicDataGapDetected, schema.GapDetected{
			Topic: evt.Topic, Symbol: symbol, PrevTS: prev, CurrTS: ts,
			GapMs: ts - prev, ThresholdMs: gapThresholdMs,
		})
	}
}

// checkTrade flags repeated trade ids and regressing trade timestamps. Equal
// timestamps are routine for trades and stay silent.
func (d *detectors) checkTrade(ctx context.Context, evt eventbus.Event, symbol string, trade schema.Trade) {
	d.mu.Lock()
	st := d.lookup(evt, symbol)
	prevTS := st.lastTS
	dup := trade.TradeID != "" && trade.TradeID == st.lastTradeID
	if trade.TradeID != "" {
		st.lastTradeID = trade.TradeID
	}
	if trade.TradeTS > st.lastTS {
		st.lastTS = trade.TradeTS
	}
	d.mu.Unlock()

	if dup {
		d.emit(ctx, evt.Meta, schema.TopicDataDuplicate, schema.DuplicateDetected{
			Topic: evt.Topic, Symbol: symbol, TS: trade.TradeTS, TradeID: trade.TradeID,
		})
	}
	if prevTS > 0 && trade.TradeTS > 0 && trade.TradeTS < prevTS {
		d.emit(ctx, evt.Meta, schema.TopicDataOutOfOrder, schema.TimeOutOfOrder{
			Topic: evt.Topic, Symbol: symbol, PrevTS: prevTS, CurrTS: trade.TradeTS, Field: "tradeTs",
		})
	}
}

// resetSequence re-seeds the order-book chain from a snapshot.
func (d *detectors) resetSequence(evt eventbus.Event, symbol string, updateID uint64) {
	d.mu.Lock()
	// The delta chain shares the snapshot's series key so the seed survives
	// the topic switch.
	key := string(schema.TopicMarketOrderbookL2Delta) + "|" + evt.Meta.StreamID + "|" + symbol
	st, ok := d.state[key]
	if !ok {
		st = &seriesState{}
		d.state[key] = st
	}
	st.lastSeq = updateID
	st.haveSeq = true
	d.mu.Unlock()
}

func (d *detectors) checkSequence(ctx context.Context, evt eventbus.Event, symbol string, seq uint64) {
	d.mu.Lock()
	st := d.lookup(evt, symbol)
	if !st.haveSeq {
		st.lastSeq = seq
		st.haveSeq = true
		d.mu.Unlock()
		return
	}
	prev := st.lastSeq
	if seq > st.lastSeq {
		st.lastSeq = seq
	}
	d.mu.Unlock()

	var kind schema.SequenceAnomalyKind
	switch {
	case seq < prev:
		kind = schema.SequenceOutOfOrder
	case seq == prev:
		kind = schema.SequenceDuplicate
	case seq > prev+1:
		kind = schema.SequenceGap
	default:
		return
	}
	d.emit(ctx, evt.Meta, schema.TopicDataSequenceAnomaly, schema.SequenceAnomaly{
		Topic: evt.Topic, Symbol: symbol, PrevSeq: prev, CurrSeq: seq, Kind: kind,
	})
}

func (d *detectors) checkLatency(ctx context.Context, evt eventbus.Event, symbol string) {
	ingest, exchange := evt.Meta.TSIngest, evt.Meta.TSExchange
	if ingest <= 0 || exchange <= 0 {
		return
	}
	latency := ingest - exchange
	if latency <= d.latencySpikeMs {
		return
	}
	d.emit(ctx, evt.Meta, schema.TopicDataLatencySpike, schema.LatencySpike{
		Topic: evt.Topic, Symbol: symbol, TSIngest: ingest, TSExchange: exchange,
		LatencyMs: latency, ThresholdMs: d.latencySpikeMs,
	})
}

func (d *detectors) emit(ctx context.Context, parent schema.Meta, topic schema.Topic, payload any) {
	d.metrics.recordDetection(ctx, string(topic))
	meta := schema.Inherit(parent, schema.SourceStorage)
	if err := d.bus.Publish(ctx, topic, payload, meta); err != nil {
		observability.Log().Debug("quality event dropped",
			observability.Field{Key: "topic", Value: string(topic)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
