package okx

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues/wsclient"
)

type captureBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *captureBus) Subscribe(schema.Topic, eventbus.Handler) eventbus.Subscription {
	return eventbus.Subscription{}
}

func (b *captureBus) Unsubscribe(eventbus.Subscription) {}

func (b *captureBus) Publish(_ context.Context, topic schema.Topic, payload any, meta schema.Meta) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventbus.Event{Topic: topic, Payload: payload, Meta: meta})
	return nil
}

func (b *captureBus) Close() {}

func (b *captureBus) byTopic(topic schema.Topic) []eventbus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []eventbus.Event
	for _, evt := range b.events {
		if evt.Topic == topic {
			out = append(out, evt)
		}
	}
	return out
}

func newTestAdapter(t *testing.T) (*Adapter, *captureBus) {
	t.Helper()
	bus := new(captureBus)
	return NewAdapter(bus, AdapterConfig{MarketType: schema.MarketTypeFutures}), bus
}

func TestSocketSplit(t *testing.T) {
	bus := new(captureBus)

	public := NewAdapter(bus, AdapterConfig{MarketType: schema.MarketTypeFutures})
	if public.StreamID() != "okx.public.v5" {
		t.Fatalf("public stream id = %q", public.StreamID())
	}
	if public.URL() != defaultPublicWSURL {
		t.Fatalf("public url = %q", public.URL())
	}
	if public.Venue() != schema.VenueOKX {
		t.Fatalf("venue = %q", public.Venue())
	}

	business := NewAdapter(bus, AdapterConfig{MarketType: schema.MarketTypeFutures, Business: true})
	if business.StreamID() != "okx.business.v5" {
		t.Fatalf("business stream id = %q", business.StreamID())
	}
	if business.URL() != defaultBusinessWSURL {
		t.Fatalf("business url = %q", business.URL())
	}

	if _, err := public.SubscribeFrames([]string{"kline.1m.BTCUSDT"}); err == nil {
		t.Fatal("public adapter accepted a candle topic")
	} else if !strings.Contains(err.Error(), "business") {
		t.Fatalf("candle rejection should name the business socket, got %v", err)
	}
	if _, err := business.SubscribeFrames([]string{"tickers.BTCUSDT"}); err == nil {
		t.Fatal("business adapter accepted a ticker topic")
	} else if !strings.Contains(err.Error(), "public") {
		t.Fatalf("ticker rejection should name the public socket, got %v", err)
	}

	frames, err := business.SubscribeFrames([]string{"kline.1m.BTCUSDT"})
	if err != nil {
		t.Fatalf("business SubscribeFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	wire := string(frames[0].Data)
	if !strings.Contains(wire, `"channel":"candle1m"`) || !strings.Contains(wire, `"instId":"BTC-USDT-SWAP"`) {
		t.Fatalf("candle subscribe frame = %s", wire)
	}
	if frames[0].ReqID != "candle1m|BTC-USDT-SWAP" {
		t.Fatalf("candle frame req id = %q", frames[0].ReqID)
	}
}

func TestInstrumentIDMapping(t *testing.T) {
	cases := []struct {
		symbol  string
		futures bool
		want    string
	}{
		{"BTCUSDT", true, "BTC-USDT-SWAP"},
		{"BTCUSDT", false, "BTC-USDT"},
		{"ETHBTC", false, "ETH-BTC"},
		{"SOLUSDC", true, "SOL-USDC-SWAP"},
		{"btcusdt", false, "BTC-USDT"},
	}
	for _, tc := range cases {
		if got := instID(tc.symbol, tc.futures); got != tc.want {
			t.Fatalf("instID(%q, futures=%v) = %q, want %q", tc.symbol, tc.futures, got, tc.want)
		}
	}
	for _, id := range []string{"BTC-USDT-SWAP", "BTC-USDT", "ETH-BTC"} {
		back := canonicalSymbol(id)
		if strings.Contains(back, "-") || strings.Contains(back, "SWAP") {
			t.Fatalf("canonicalSymbol(%q) = %q", id, back)
		}
	}
	if canonicalSymbol("BTC-USDT-SWAP") != "BTCUSDT" {
		t.Fatalf("canonicalSymbol roundtrip = %q", canonicalSymbol("BTC-USDT-SWAP"))
	}
}

func TestHandleMessageControlFrames(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	cases := []struct {
		name string
		raw  string
		want wsclient.Inbound
	}{
		{
			name: "text pong",
			raw:  "pong",
			want: wsclient.Inbound{Kind: wsclient.InboundPong},
		},
		{
			name: "subscribe ack",
			raw:  `{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT-SWAP"},"connId":"c1"}`,
			want: wsclient.Inbound{Kind: wsclient.InboundAck, ReqID: "tickers|BTC-USDT-SWAP", OK: true},
		},
		{
			name: "error with embedded request",
			raw:  `{"event":"error","code":"60012","msg":"Invalid request: {\"op\": \"subscribe\", \"args\":[{\"channel\" : \"tickers\", \"instId\" : \"NOPE-USDT\"}]}","connId":"c1"}`,
			want: wsclient.Inbound{Kind: wsclient.InboundAck, ReqID: "tickers|NOPE-USDT", OK: false, ErrMsg: `60012 Invalid request: {"op": "subscribe", "args":[{"channel" : "tickers", "instId" : "NOPE-USDT"}]}`},
		},
		{
			name: "error without embedded request",
			raw:  `{"event":"error","code":"60008","msg":"Login required","connId":"c1"}`,
			want: wsclient.Inbound{Kind: wsclient.InboundAck, OK: false, ErrMsg: "60008 Login required"},
		},
		{
			name: "channel conn count notice",
			raw:  `{"event":"channel-conn-count","channel":"tickers","connCount":"1","connId":"c1"}`,
			want: wsclient.Inbound{Kind: wsclient.InboundIgnore},
		},
		{
			name: "malformed json",
			raw:  `{"event":`,
			want: wsclient.Inbound{Kind: wsclient.InboundIgnore},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := adapter.HandleMessage(ctx, []byte(tc.raw))
			if got != tc.want {
				t.Fatalf("HandleMessage(%s) = %+v, want %+v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestSubscribeFramesPerArg(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	frames, err := adapter.SubscribeFrames([]string{
		"tickers.BTCUSDT",
		"trades.BTCUSDT",
		"orderbook.50.BTCUSDT",
		"liquidations.BTCUSDT",
		"liquidations.ETHUSDT",
	})
	if err != nil {
		t.Fatalf("SubscribeFrames: %v", err)
	}
	// One frame per arg, with both liquidation topics folded into the single
	// instType subscription.
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(frames))
	}
	if frames[0].ReqID != "tickers|BTC-USDT-SWAP" {
		t.Fatalf("frame[0] req id = %q", frames[0].ReqID)
	}
	if !strings.Contains(string(frames[2].Data), `"channel":"books"`) {
		t.Fatalf("orderbook frame = %s", frames[2].Data)
	}

	liq := frames[3]
	if len(liq.Topics) != 2 || liq.Topics[0] != "liquidations.BTCUSDT" || liq.Topics[1] != "liquidations.ETHUSDT" {
		t.Fatalf("liquidation frame topics = %v", liq.Topics)
	}
	wire := string(liq.Data)
	if !strings.Contains(wire, `"instType":"SWAP"`) {
		t.Fatalf("liquidation frame = %s", wire)
	}
	if strings.Contains(wire, "instId") {
		t.Fatalf("liquidation frame should not carry instId: %s", wire)
	}
	if liq.ReqID != "liquidation-orders|SWAP" {
		t.Fatalf("liquidation req id = %q", liq.ReqID)
	}

	data, ok := adapter.PingFrame()
	if !ok || string(data) != "ping" {
		t.Fatalf("ping frame = %q ok=%v", data, ok)
	}
}

func TestTickerFrame(t *testing.T) {
	adapter, bus := newTestAdapter(t)
	ctx := context.Background()

	raw := `{"arg":{"channel":"tickers","instId":"BTC-USDT-SWAP"},"data":[{
		"instId":"BTC-USDT-SWAP","last":"42000","markPx":"42001.5","idxPx":"41999",
		"open24h":"40000","vol24h":"1200.5","volCcy24h":"50421000","ts":"1700000000123"}]}`
	if got := adapter.HandleMessage(ctx, []byte(raw)); got.Kind != wsclient.InboundData {
		t.Fatalf("ticker frame classified as %+v", got)
	}

	events := bus.byTopic(schema.TopicMarketTicker)
	if len(events) != 1 {
		t.Fatalf("ticker events = %d", len(events))
	}
	ticker := events[0].Payload.(schema.Ticker)
	if ticker.Instrument.Symbol != "BTCUSDT" || ticker.Instrument.Venue != schema.VenueOKX {
		t.Fatalf("instrument = %+v", ticker.Instrument)
	}
	if ticker.LastPrice != "42000" || ticker.MarkPrice != "42001.5" || ticker.IndexPrice != "41999" {
		t.Fatalf("prices = %+v", ticker)
	}
	// (42000-40000)/40000
	if ticker.Price24hPcnt != "0.05" {
		t.Fatalf("price 24h pcnt = %q", ticker.Price24hPcnt)
	}
	if ticker.ExchangeTS != 1700000000123 {
		t.Fatalf("exchange ts = %d", ticker.ExchangeTS)
	}
	if events[0].Meta.TSEvent != 1700000000123 || events[0].Meta.StreamID != "okx.public.v5" {
		t.Fatalf("meta = %+v", events[0].Meta)
	}

	raws := bus.byTopic(schema.TopicMarketTicker.Raw())
	if len(raws) != 1 {
		t.Fatalf("ticker raw events = %d", len(raws))
	}
	payload := raws[0].Payload.(schema.RawPayload)
	if payload["instId"] != "BTC-USDT-SWAP" || payload["last"] != "42000" {
		t.Fatalf("raw payload = %+v", payload)
	}
	if raws[0].Meta.CorrelationID != events[0].Meta.CorrelationID {
		t.Fatal("canonical and raw mirrors should share the frame correlation id")
	}
}

func TestTradeSides(t *testing.T) {
	adapter, bus := newTestAdapter(t)
	ctx := context.Background()

	raw := `{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},"data":[
		{"instId":"BTC-USDT-SWAP","tradeId":"130639474","px":"42219.9","sz":"0.12060306","side":"buy","ts":"1700000001000"},
		{"instId":"BTC-USDT-SWAP","tradeId":"130639475","px":"42219.8","sz":"0.5","side":"sell","ts":"1700000001005"}]}`
	if got := adapter.HandleMessage(ctx, []byte(raw)); got.Kind != wsclient.InboundData {
		t.Fatalf("trade frame classified as %+v", got)
	}

	events := bus.byTopic(schema.TopicMarketTrade)
	if len(events) != 2 {
		t.Fatalf("trade events = %d", len(events))
	}
	first := events[0].Payload.(schema.Trade)
	second := events[1].Payload.(schema.Trade)
	if first.Side != schema.TradeSideBuy || second.Side != schema.TradeSideSell {
		t.Fatalf("sides = %q %q", first.Side, second.Side)
	}
	if first.TradeID != "130639474" || first.TradeTS != 1700000001000 {
		t.Fatalf("first trade = %+v", first)
	}
	if events[0].Meta.TSEvent != 1700000001000 || events[1].Meta.TSEvent != 1700000001005 {
		t.Fatalf("trade meta ts = %d %d", events[0].Meta.TSEvent, events[1].Meta.TSEvent)
	}
}

func booksFrame(action string, seqID uint64, prevSeqID int64, bids, asks string) string {
	return `{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"action":"` + action + `","data":[{` +
		`"bids":` + bids + `,"asks":` + asks + `,"ts":"1700000002000",` +
		`"seqId":` + strconv.FormatUint(seqID, 10) + `,"prevSeqId":` + strconv.FormatInt(prevSeqID, 10) + `}]}`
}

func TestBooksSequencing(t *testing.T) {
	adapter, bus := newTestAdapter(t)
	ctx := context.Background()

	levels := `[["42000","1"]]`
	empty := `[]`

	// Snapshot seeds the chain.
	adapter.HandleMessage(ctx, []byte(booksFrame("snapshot", 10, -1, levels, levels)))
	// Chained update.
	adapter.HandleMessage(ctx, []byte(booksFrame("update", 11, 10, levels, empty)))
	// Broken chain: prevSeqId does not name the last applied seqId.
	adapter.HandleMessage(ctx, []byte(booksFrame("update", 14, 13, levels, empty)))
	// After the gap the book is unsynced.
	adapter.HandleMessage(ctx, []byte(booksFrame("update", 12, 11, levels, empty)))
	// Fresh snapshot resynchronizes.
	adapter.HandleMessage(ctx, []byte(booksFrame("snapshot", 20, -1, levels, levels)))
	adapter.HandleMessage(ctx, []byte(booksFrame("update", 21, 20, levels, empty)))
	// Heartbeat repeats the seqId with empty sides and emits nothing.
	adapter.HandleMessage(ctx, []byte(booksFrame("update", 21, 21, empty, empty)))
	// Replay below the chain is dropped silently.
	adapter.HandleMessage(ctx, []byte(booksFrame("update", 15, 14, levels, empty)))

	snapshots := bus.byTopic(schema.TopicMarketOrderbookL2Snapshot)
	if len(snapshots) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snapshots))
	}
	deltas := bus.byTopic(schema.TopicMarketOrderbookL2Delta)
	if len(deltas) != 2 {
		t.Fatalf("deltas = %d, want 2", len(deltas))
	}
	if got := deltas[0].Payload.(schema.OrderbookL2Delta); got.UpdateID != 11 || got.Depth != booksDepth {
		t.Fatalf("first delta = %+v", got)
	}
	if got := deltas[1].Payload.(schema.OrderbookL2Delta); got.UpdateID != 21 {
		t.Fatalf("second delta = %+v", got)
	}

	resyncs := bus.byTopic(schema.TopicMarketResyncRequested)
	if len(resyncs) != 2 {
		t.Fatalf("resyncs = %d, want 2", len(resyncs))
	}
	gap := resyncs[0].Payload.(schema.ResyncRequest)
	if gap.Reason != schema.ResyncReasonGap || gap.LastSeq != 11 || gap.UpdateID != 14 {
		t.Fatalf("gap resync = %+v", gap)
	}
	if gap.Channel != "books.BTCUSDT" || gap.Venue != schema.VenueOKX {
		t.Fatalf("gap resync addressing = %+v", gap)
	}
	missing := resyncs[1].Payload.(schema.ResyncRequest)
	if missing.Reason != schema.ResyncReasonSnapshotMissing || missing.UpdateID != 12 {
		t.Fatalf("missing resync = %+v", missing)
	}
}

func TestCandleConfirmGate(t *testing.T) {
	bus := new(captureBus)
	adapter := NewAdapter(bus, AdapterConfig{MarketType: schema.MarketTypeFutures, Business: true})
	ctx := context.Background()

	raw := `{"arg":{"channel":"candle1m","instId":"BTC-USDT-SWAP"},"data":[
		["1700000000000","42000","42100","41900","42050","120","5043000","5043000","1"],
		["1700000060000","42050","42060","42040","42055","10","420500","420500","0"]]}`
	if got := adapter.HandleMessage(ctx, []byte(raw)); got.Kind != wsclient.InboundData {
		t.Fatalf("candle frame classified as %+v", got)
	}

	canonical := bus.byTopic(schema.TopicMarketKline)
	if len(canonical) != 1 {
		t.Fatalf("canonical klines = %d, want 1", len(canonical))
	}
	kline := canonical[0].Payload.(schema.Kline)
	if !kline.Confirmed || kline.StartTS != 1700000000000 || kline.EndTS != 1700000060000 {
		t.Fatalf("kline = %+v", kline)
	}
	if kline.Interval != "1m" || kline.TF != "1m" || kline.Turnover != "5043000" {
		t.Fatalf("kline labels = %+v", kline)
	}
	if canonical[0].Meta.TSEvent != kline.EndTS {
		t.Fatalf("kline meta tsEvent = %d, want %d", canonical[0].Meta.TSEvent, kline.EndTS)
	}

	raws := bus.byTopic(schema.TopicMarketKline.Raw())
	if len(raws) != 2 {
		t.Fatalf("raw klines = %d, want 2", len(raws))
	}
}

func TestLiquidationFilterAndNotional(t *testing.T) {
	adapter, bus := newTestAdapter(t)
	ctx := context.Background()

	// Only BTCUSDT is subscribed; the channel still pushes every instrument.
	if _, err := adapter.SubscribeFrames([]string{"liquidations.BTCUSDT"}); err != nil {
		t.Fatalf("SubscribeFrames: %v", err)
	}

	raw := `{"arg":{"channel":"liquidation-orders","instType":"SWAP"},"data":[
		{"instId":"BTC-USDT-SWAP","details":[{"side":"sell","sz":"0.5","bkPx":"42000","ts":"1700000003000"}]},
		{"instId":"ETH-USDT-SWAP","details":[{"side":"buy","sz":"2","bkPx":"2200","ts":"1700000003001"}]}]}`
	if got := adapter.HandleMessage(ctx, []byte(raw)); got.Kind != wsclient.InboundData {
		t.Fatalf("liquidation frame classified as %+v", got)
	}

	events := bus.byTopic(schema.TopicMarketLiquidation)
	if len(events) != 1 {
		t.Fatalf("liquidation events = %d, want 1", len(events))
	}
	liq := events[0].Payload.(schema.Liquidation)
	if liq.Instrument.Symbol != "BTCUSDT" || liq.Side != schema.TradeSideSell {
		t.Fatalf("liquidation = %+v", liq)
	}
	if liq.NotionalUSD != "21000" {
		t.Fatalf("notional = %q", liq.NotionalUSD)
	}
	if liq.ExchangeTS != 1700000003000 {
		t.Fatalf("exchange ts = %d", liq.ExchangeTS)
	}
}

func TestOnConnectedResetsBooks(t *testing.T) {
	adapter, bus := newTestAdapter(t)
	ctx := context.Background()

	levels := `[["42000","1"]]`
	adapter.HandleMessage(ctx, []byte(booksFrame("snapshot", 10, -1, levels, levels)))
	adapter.OnConnected(ctx, 2)

	// The chain must not survive the reconnect.
	adapter.HandleMessage(ctx, []byte(booksFrame("update", 11, 10, levels, `[]`)))
	resyncs := bus.byTopic(schema.TopicMarketResyncRequested)
	if len(resyncs) != 1 {
		t.Fatalf("resyncs = %d, want 1", len(resyncs))
	}
	if got := resyncs[0].Payload.(schema.ResyncRequest); got.Reason != schema.ResyncReasonSnapshotMissing {
		t.Fatalf("resync reason = %q", got.Reason)
	}

	connected := bus.byTopic(schema.TopicMarketConnected)
	if len(connected) != 1 {
		t.Fatalf("connected events = %d", len(connected))
	}
	if got := connected[0].Payload.(schema.Connected); got.Epoch != 2 || got.StreamID != "okx.public.v5" {
		t.Fatalf("connected = %+v", got)
	}

	adapter.OnDisconnected(ctx, "read loop closed", true)
	disconnected := bus.byTopic(schema.TopicMarketDisconnected)
	if len(disconnected) != 1 {
		t.Fatalf("disconnected events = %d", len(disconnected))
	}
}
