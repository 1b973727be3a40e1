package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

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

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubscribeFrameAndAcks(t *testing.T) {
	bus := new(captureBus)
	adapter := NewAdapter(bus, AdapterConfig{MarketType: schema.MarketTypeFutures})
	ctx := context.Background()

	frames, err := adapter.SubscribeFrames([]string{"tickers.BTCUSDT", "trades.ETHUSDT", "orderbook.50.BTCUSDT", "kline.1m.BTCUSDT", "liquidations.BTCUSDT"})
	if err != nil {
		t.Fatalf("SubscribeFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0].ReqID != "1" {
		t.Fatalf("reqID = %q, want 1", frames[0].ReqID)
	}
	wire := string(frames[0].Data)
	for _, want := range []string{
		`"method":"SUBSCRIBE"`, "btcusdt@ticker", "ethusdt@aggTrade",
		"btcusdt@depth@100ms", "btcusdt@kline_1m", "btcusdt@forceOrder",
	} {
		if !strings.Contains(wire, want) {
			t.Fatalf("wire frame missing %q: %s", want, wire)
		}
	}

	if _, err := adapter.SubscribeFrames([]string{"funding.BTCUSDT"}); err == nil {
		t.Fatal("poller-only channel must be rejected")
	}

	if got := adapter.HandleMessage(ctx, []byte(`{"result":null,"id":1}`)); got.Kind != wsclient.InboundAck || !got.OK || got.ReqID != "1" {
		t.Fatalf("ack inbound = %+v", got)
	}
	reject := adapter.HandleMessage(ctx, []byte(`{"error":{"code":2,"msg":"invalid stream"},"id":2}`))
	if reject.Kind != wsclient.InboundAck || reject.OK || reject.ErrMsg != "invalid stream" {
		t.Fatalf("reject inbound = %+v", reject)
	}
	if got := adapter.HandleMessage(ctx, []byte(`{"hello":1}`)); got.Kind != wsclient.InboundIgnore {
		t.Fatalf("noise inbound = %+v", got)
	}

	if _, ok := adapter.PingFrame(); ok {
		t.Fatal("binance keepalives are protocol pings")
	}
}

func TestAggTradeAndTicker(t *testing.T) {
	bus := new(captureBus)
	adapter := NewAdapter(bus, AdapterConfig{MarketType: schema.MarketTypeFutures})
	ctx := context.Background()

	frame := `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1700000001000,"s":"BTCUSDT",` +
		`"a":26129,"p":"43000.10","q":"0.5","T":1700000000900,"m":true}}`
	if got := adapter.HandleMessage(ctx, []byte(frame)); got.Kind != wsclient.InboundData {
		t.Fatalf("inbound = %+v", got)
	}
	trades := bus.byTopic(schema.TopicMarketTrade)
	if len(trades) != 1 {
		t.Fatalf("trades = %d", len(trades))
	}
	trade := trades[0].Payload.(schema.Trade)
	if trade.Side != schema.TradeSideSell {
		t.Fatalf("buyer-maker trade side = %q, want Sell", trade.Side)
	}
	if trade.TradeID != "26129" || trade.TradeTS != 1700000000900 || trade.Venue != schema.VenueBinance {
		t.Fatalf("trade = %+v", trade)
	}

	tickFrame := `{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000002000,"s":"BTCUSDT",` +
		`"c":"43001.0","P":"1.25","v":"120000","q":"5160000000"}}`
	adapter.HandleMessage(ctx, []byte(tickFrame))
	tickers := bus.byTopic(schema.TopicMarketTicker)
	if len(tickers) != 1 {
		t.Fatalf("tickers = %d", len(tickers))
	}
	ticker := tickers[0].Payload.(schema.Ticker)
	if ticker.LastPrice != "43001.0" || ticker.Turnover24h != "5160000000" || ticker.ExchangeTS != 1700000002000 {
		t.Fatalf("ticker = %+v", ticker)
	}
}

func TestKlineClosedGate(t *testing.T) {
	bus := new(captureBus)
	adapter := NewAdapter(bus, AdapterConfig{MarketType: schema.MarketTypeFutures})
	ctx := context.Background()

	open := `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000030000,"s":"BTCUSDT","k":{` +
		`"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m","o":"43000","c":"43005","h":"43010","l":"42995","v":"12","q":"516060","x":false}}}`
	closed := `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000060001,"s":"BTCUSDT","k":{` +
		`"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m","o":"43000","c":"43007","h":"43010","l":"42995","v":"14","q":"602098","x":true}}}`
	adapter.HandleMessage(ctx, []byte(open))
	adapter.HandleMessage(ctx, []byte(closed))

	canonical := bus.byTopic(schema.TopicMarketKline)
	if len(canonical) != 1 {
		t.Fatalf("canonical klines = %d, want closed only", len(canonical))
	}
	kline := canonical[0].Payload.(schema.Kline)
	if kline.EndTS != 1700000060000 || kline.StartTS != 1700000000000 {
		t.Fatalf("kline window = [%d, %d]", kline.StartTS, kline.EndTS)
	}
	if !kline.Confirmed || kline.Close != "43007" || kline.TF != "1m" {
		t.Fatalf("kline = %+v", kline)
	}
	if canonical[0].Meta.TSEvent != kline.EndTS {
		t.Fatalf("kline tsEvent = %d", canonical[0].Meta.TSEvent)
	}
	if got := len(bus.byTopic(schema.TopicMarketKline.Raw())); got != 2 {
		t.Fatalf("raw klines = %d, want 2", got)
	}
}

func TestForceOrderLiquidation(t *testing.T) {
	bus := new(captureBus)
	adapter := NewAdapter(bus, AdapterConfig{MarketType: schema.MarketTypeFutures})
	ctx := context.Background()

	frame := `{"stream":"btcusdt@forceOrder","data":{"e":"forceOrder","E":1700000003000,"o":{` +
		`"s":"BTCUSDT","S":"SELL","q":"0.014","p":"42800.00","ap":"42850.50","T":1700000002950}}}`
	if got := adapter.HandleMessage(ctx, []byte(frame)); got.Kind != wsclient.InboundData {
		t.Fatalf("inbound = %+v", got)
	}
	liqs := bus.byTopic(schema.TopicMarketLiquidation)
	if len(liqs) != 1 {
		t.Fatalf("liquidations = %d", len(liqs))
	}
	liq := liqs[0].Payload.(schema.Liquidation)
	if liq.Side != schema.TradeSideSell || liq.Price != "42850.50" || liq.Size != "0.014" {
		t.Fatalf("liquidation = %+v", liq)
	}
	if liq.NotionalUSD != "599.907" {
		t.Fatalf("notional = %q", liq.NotionalUSD)
	}
	if liq.ExchangeTS != 1700000002950 {
		t.Fatalf("exchangeTs = %d", liq.ExchangeTS)
	}
}

func depthFrame(symbol string, firstU, finalU, prevU uint64) string {
	return `{"stream":"` + strings.ToLower(symbol) + `@depth@100ms","data":{"e":"depthUpdate","E":1700000000100,"T":1700000000090,` +
		`"s":"` + symbol + `","U":` + strconv.FormatUint(firstU, 10) + `,"u":` + strconv.FormatUint(finalU, 10) +
		`,"pu":` + strconv.FormatUint(prevU, 10) + `,"b":[["43000.1","1.5"]],"a":[["43000.9","2.0"]]}}`
}

func TestDepthSeedAndChain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/depth" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lastUpdateId":100,"E":1700000000000,"T":1699999999990,` +
			`"bids":[["43000.0","3.0"]],"asks":[["43001.0","1.0"]]}`))
	}))
	defer srv.Close()

	bus := new(captureBus)
	rest := NewRESTClient(RESTConfig{MarketType: schema.MarketTypeFutures, BaseURL: srv.URL, Timeout: 2 * time.Second})
	adapter := NewAdapter(bus, AdapterConfig{MarketType: schema.MarketTypeFutures, Depth: 50, REST: rest})
	ctx := context.Background()

	// First delta arrives with no book: resync requested, seed kicked off.
	adapter.HandleMessage(ctx, []byte(depthFrame("BTCUSDT", 85, 90, 80)))

	resyncs := bus.byTopic(schema.TopicMarketResyncRequested)
	if len(resyncs) != 1 {
		t.Fatalf("resyncs = %d, want 1", len(resyncs))
	}
	if resyncs[0].Payload.(schema.ResyncRequest).Reason != schema.ResyncReasonSnapshotMissing {
		t.Fatalf("resync = %+v", resyncs[0].Payload)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(bus.byTopic(schema.TopicMarketOrderbookL2Snapshot)) == 1
	})
	snap := bus.byTopic(schema.TopicMarketOrderbookL2Snapshot)[0].Payload.(schema.OrderbookL2Snapshot)
	if snap.UpdateID != 100 || len(snap.Bids) != 1 || snap.Bids[0].Price != "43000.0" {
		t.Fatalf("seeded snapshot = %+v", snap)
	}

	// Chained updates flow as deltas.
	adapter.HandleMessage(ctx, []byte(depthFrame("BTCUSDT", 101, 105, 100)))
	adapter.HandleMessage(ctx, []byte(depthFrame("BTCUSDT", 106, 110, 105)))
	// A replay of the last update is stale and silent.
	adapter.HandleMessage(ctx, []byte(depthFrame("BTCUSDT", 106, 110, 105)))

	deltas := bus.byTopic(schema.TopicMarketOrderbookL2Delta)
	if len(deltas) != 2 {
		t.Fatalf("deltas = %d, want 2", len(deltas))
	}
	if deltas[1].Payload.(schema.OrderbookL2Delta).UpdateID != 110 {
		t.Fatalf("delta = %+v", deltas[1].Payload)
	}

	// A broken chain surfaces as a gap and stops delta flow.
	adapter.HandleMessage(ctx, []byte(depthFrame("BTCUSDT", 131, 140, 130)))
	resyncs = bus.byTopic(schema.TopicMarketResyncRequested)
	if len(resyncs) != 2 {
		t.Fatalf("resyncs = %d, want 2", len(resyncs))
	}
	gap := resyncs[1].Payload.(schema.ResyncRequest)
	if gap.Reason != schema.ResyncReasonGap || gap.LastSeq != 110 || gap.UpdateID != 140 {
		t.Fatalf("gap resync = %+v", gap)
	}
	if len(bus.byTopic(schema.TopicMarketOrderbookL2Delta)) != 2 {
		t.Fatal("gap delta must not be published")
	}
}

func TestDepthSpotAdjacencyRule(t *testing.T) {
	bus := new(captureBus)
	adapter := NewAdapter(bus, AdapterConfig{MarketType: schema.MarketTypeSpot})
	ctx := context.Background()

	if adapter.StreamID() != "binance.spot.stream" {
		t.Fatalf("stream id = %q", adapter.StreamID())
	}

	adapter.mu.Lock()
	adapter.books["BTCUSDT"] = &bookState{lastU: 100, synced: true}
	adapter.mu.Unlock()

	// Spot updates carry no pu: an event straddling lastU+1 continues the chain.
	adapter.HandleMessage(ctx, []byte(depthFrame("BTCUSDT", 95, 105, 0)))
	if got := len(bus.byTopic(schema.TopicMarketOrderbookL2Delta)); got != 1 {
		t.Fatalf("straddling delta events = %d, want 1", got)
	}
	// A jump past lastU+1 is a gap.
	adapter.HandleMessage(ctx, []byte(depthFrame("BTCUSDT", 120, 130, 0)))
	resyncs := bus.byTopic(schema.TopicMarketResyncRequested)
	if len(resyncs) != 1 || resyncs[0].Payload.(schema.ResyncRequest).Reason != schema.ResyncReasonGap {
		t.Fatalf("resyncs = %+v", resyncs)
	}
}

func TestOnConnectedResetsBooks(t *testing.T) {
	bus := new(captureBus)
	adapter := NewAdapter(bus, AdapterConfig{MarketType: schema.MarketTypeFutures})
	ctx := context.Background()

	adapter.mu.Lock()
	adapter.books["BTCUSDT"] = &bookState{lastU: 100, synced: true}
	adapter.mu.Unlock()

	adapter.OnConnected(ctx, 3)

	connected := bus.byTopic(schema.TopicMarketConnected)
	if len(connected) != 1 || connected[0].Payload.(schema.Connected).Epoch != 3 {
		t.Fatalf("connected = %+v", connected)
	}

	adapter.mu.Lock()
	_, survived := adapter.books["BTCUSDT"]
	adapter.mu.Unlock()
	if survived {
		t.Fatal("book state must reset on reconnect")
	}
}
