package binance

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues/wsclient"
)

// AdapterConfig carries the per-stream knobs for the Binance adapter.
type AdapterConfig struct {
	MarketType schema.MarketType
	// URL overrides the default combined-streams endpoint (tests, testnet).
	URL string
	// Depth labels the canonical depth for book events.
	Depth int
	// REST enables self-seeding of depth books from REST snapshots. Without
	// it, discontinuities surface as resync requests only.
	REST *RESTClient
}

// bookState tracks diff-depth continuity for one symbol.
type bookState struct {
	lastU   uint64
	synced  bool
	seeding bool
}

// Adapter translates the Binance combined-stream dialect into canonical bus
// events plus raw mirrors. Depth books assemble from a REST snapshot plus the
// diff stream; a broken update chain triggers a resync and a fresh snapshot.
type Adapter struct {
	bus        eventbus.Bus
	marketType schema.MarketType
	url        string
	depth      int
	streamID   string
	rest       *RESTClient

	nextID atomic.Uint64

	mu    sync.Mutex
	books map[string]*bookState
}

// NewAdapter constructs a Binance combined-stream adapter.
func NewAdapter(bus eventbus.Bus, cfg AdapterConfig) *Adapter {
	marketType := cfg.MarketType
	if marketType != schema.MarketTypeSpot {
		marketType = schema.MarketTypeFutures
	}
	streamID := usdmStreamID
	url := cfg.URL
	if marketType == schema.MarketTypeSpot {
		streamID = spotStreamID
		if url == "" {
			url = defaultSpotWSURL
		}
	} else if url == "" {
		url = defaultUSDMWSURL
	}
	depth := cfg.Depth
	if depth <= 0 {
		depth = 50
	}
	return &Adapter{
		bus:        bus,
		marketType: marketType,
		url:        url,
		depth:      depth,
		streamID:   streamID,
		rest:       cfg.REST,
		books:      make(map[string]*bookState),
	}
}

// Venue implements wsclient.Adapter.
func (a *Adapter) Venue() schema.Venue { return schema.VenueBinance }

// StreamID implements wsclient.Adapter.
func (a *Adapter) StreamID() string { return a.streamID }

// URL implements wsclient.Adapter.
func (a *Adapter) URL() string { return a.url }

// MarketType reports the market this stream serves.
func (a *Adapter) MarketType() schema.MarketType { return a.marketType }

// SubscribeFrames renders one SUBSCRIBE command for the batch. The numeric
// command id doubles as the ack request id.
func (a *Adapter) SubscribeFrames(topics []string) ([]wsclient.Frame, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	params := make([]string, 0, len(topics))
	for _, topic := range topics {
		sub, err := schema.ParseSubscription(topic)
		if err != nil {
			return nil, err
		}
		stream, err := streamName(sub)
		if err != nil {
			return nil, err
		}
		params = append(params, stream)
	}
	id := a.nextID.Add(1)
	cmd := wsCommand{Method: "SUBSCRIBE", Params: params, ID: id}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return []wsclient.Frame{{
		ReqID:  strconv.FormatUint(id, 10),
		Topics: topics,
		Data:   data,
	}}, nil
}

// PingFrame implements wsclient.Adapter. Binance answers protocol-level pings.
func (a *Adapter) PingFrame() ([]byte, bool) { return nil, false }

// HandleMessage implements wsclient.Adapter.
func (a *Adapter) HandleMessage(ctx context.Context, raw []byte) wsclient.Inbound {
	var probe struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
		ID     *uint64         `json:"id"`
		Error  *wsError        `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return wsclient.Inbound{Kind: wsclient.InboundIgnore}
	}
	if probe.Stream != "" {
		if a.dispatch(ctx, probe.Stream, probe.Data) {
			return wsclient.Inbound{Kind: wsclient.InboundData}
		}
		return wsclient.Inbound{Kind: wsclient.InboundIgnore}
	}
	if probe.ID != nil {
		inbound := wsclient.Inbound{
			Kind:  wsclient.InboundAck,
			ReqID: strconv.FormatUint(*probe.ID, 10),
			OK:    probe.Error == nil,
		}
		if probe.Error != nil {
			inbound.ErrMsg = probe.Error.Msg
		}
		return inbound
	}
	return wsclient.Inbound{Kind: wsclient.InboundIgnore}
}

// OnConnected implements wsclient.Adapter. Depth continuity never survives a
// reconnect; every book reassembles from a fresh snapshot.
func (a *Adapter) OnConnected(ctx context.Context, epoch uint64) {
	a.mu.Lock()
	a.books = make(map[string]*bookState)
	a.mu.Unlock()

	a.publish(ctx, schema.TopicMarketConnected, schema.Connected{
		Venue:      schema.VenueBinance,
		MarketType: a.marketType,
		StreamID:   a.streamID,
		Epoch:      epoch,
	}, schema.NewMeta(schema.SourceMarket, schema.WithStreamID(a.streamID)))
}

// OnDisconnected implements wsclient.Adapter.
func (a *Adapter) OnDisconnected(ctx context.Context, reason string, willRetry bool) {
	a.publish(ctx, schema.TopicMarketDisconnected, schema.Disconnected{
		Venue:      schema.VenueBinance,
		MarketType: a.marketType,
		StreamID:   a.streamID,
		Reason:     reason,
		WillRetry:  willRetry,
	}, schema.NewMeta(schema.SourceMarket, schema.WithStreamID(a.streamID)))
}

func (a *Adapter) dispatch(ctx context.Context, stream string, data []byte) bool {
	ingestTS := time.Now().UnixMilli()
	switch {
	case strings.Contains(stream, "@depth"):
		return a.handleDepth(ctx, data, ingestTS)
	case strings.Contains(stream, "@aggTrade"):
		return a.handleAggTrade(ctx, data, ingestTS)
	case strings.Contains(stream, "@ticker"):
		return a.handleTicker(ctx, data, ingestTS)
	case strings.Contains(stream, "@kline_"):
		return a.handleKline(ctx, data, ingestTS)
	case strings.Contains(stream, "@forceOrder"):
		return a.handleForceOrder(ctx, data, ingestTS)
	}
	return false
}

func (a *Adapter) handleTicker(ctx context.Context, data []byte, ingestTS int64) bool {
	var p ticker24hr
	if err := json.Unmarshal(data, &p); err != nil || p.Symbol == "" {
		return false
	}
	ticker := schema.Ticker{
		Instrument:   a.instrument(p.Symbol),
		LastPrice:    p.LastPrice.String(),
		Price24hPcnt: p.PriceChange.String(),
		Volume24h:    p.Volume.String(),
		Turnover24h:  p.QuoteVolume.String(),
		ExchangeTS:   p.EventTime,
	}
	meta := a.frameMeta(p.EventTime, ingestTS)
	a.publish(ctx, schema.TopicMarketTicker, ticker, meta)
	a.publish(ctx, schema.TopicMarketTicker.Raw(), schema.RawPayload{
		"stream": "ticker", "symbol": p.Symbol, "eventTime": p.EventTime,
		"lastPrice": p.LastPrice.String(), "priceChangePercent": p.PriceChange.String(),
		"volume": p.Volume.String(), "quoteVolume": p.QuoteVolume.String(),
	}, meta)
	return true
}

func (a *Adapter) handleAggTrade(ctx context.Context, data []byte, ingestTS int64) bool {
	var p aggTrade
	if err := json.Unmarshal(data, &p); err != nil || p.Symbol == "" {
		return false
	}
	tradeTS := p.TradeTime
	if tradeTS == 0 {
		tradeTS = p.EventTime
	}
	trade := schema.Trade{
		Instrument: a.instrument(p.Symbol),
		TradeID:    strconv.FormatUint(p.TradeID, 10),
		Side:       tradeSide(p.IsBuyerMaker),
		Price:      p.Price.String(),
		Size:       p.Quantity.String(),
		TradeTS:    tradeTS,
	}
	meta := a.frameMeta(tradeTS, ingestTS)
	a.publish(ctx, schema.TopicMarketTrade, trade, meta)
	a.publish(ctx, schema.TopicMarketTrade.Raw(), schema.RawPayload{
		"stream": "aggTrade", "symbol": p.Symbol, "aggId": p.TradeID,
		"price": p.Price.String(), "qty": p.Quantity.String(),
		"tradeTime": tradeTS, "isBuyerMaker": p.IsBuyerMaker,
	}, meta)
	return true
}

func (a *Adapter) handleDepth(ctx context.Context, data []byte, ingestTS int64) bool {
	var p depthUpdate
	if err := json.Unmarshal(data, &p); err != nil || p.Symbol == "" {
		return false
	}
	exchangeTS := p.TransactTime
	if exchangeTS == 0 {
		exchangeTS = p.EventTime
	}
	meta := a.frameMeta(exchangeTS, ingestTS)

	a.mu.Lock()
	st := a.books[p.Symbol]
	if st == nil {
		st = new(bookState)
		a.books[p.Symbol] = st
	}
	switch {
	case !st.synced:
		requestSeed := !st.seeding
		st.seeding = true
		a.mu.Unlock()
		if requestSeed {
			a.requestResync(ctx, meta, p.Symbol, schema.ResyncReasonSnapshotMissing, 0, p.FinalUpdateID)
			a.startSeed(ctx, p.Symbol)
		}
		return true
	case p.FinalUpdateID <= st.lastU:
		a.mu.Unlock()
		return true
	case a.continues(st.lastU, p):
		st.lastU = p.FinalUpdateID
		a.mu.Unlock()
	default:
		lastU := st.lastU
		st.synced = false
		requestSeed := !st.seeding
		st.seeding = true
		a.mu.Unlock()
		a.requestResync(ctx, meta, p.Symbol, schema.ResyncReasonGap, lastU, p.FinalUpdateID)
		if requestSeed {
			a.startSeed(ctx, p.Symbol)
		}
		return true
	}

	delta := schema.OrderbookL2Delta{
		Instrument: a.instrument(p.Symbol),
		Depth:      a.depth,
		Bids:       parseLevels(p.Bids),
		Asks:       parseLevels(p.Asks),
		UpdateID:   p.FinalUpdateID,
		ExchangeTS: exchangeTS,
	}
	a.publish(ctx, schema.TopicMarketOrderbookL2Delta, delta, meta)
	a.publish(ctx, schema.TopicMarketOrderbookL2Delta.Raw(), schema.RawPayload{
		"stream": "depthUpdate", "symbol": p.Symbol,
		"firstUpdateId": p.FirstUpdateID, "finalUpdateId": p.FinalUpdateID,
		"prevFinalId": p.PrevFinalID, "bids": p.Bids, "asks": p.Asks,
		"eventTime": p.EventTime,
	}, meta)
	return true
}

// continues reports whether the update extends the chain. Futures events
// carry the previous final id; spot chains on first-id adjacency. An event
// straddling the snapshot's update id is the documented splice point.
func (a *Adapter) continues(lastU uint64, p depthUpdate) bool {
	if p.PrevFinalID > 0 {
		return p.PrevFinalID == lastU
	}
	return p.FirstUpdateID <= lastU+1 && p.FinalUpdateID > lastU
}

func (a *Adapter) handleKline(ctx context.Context, data []byte, ingestTS int64) bool {
	var evt klineEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.Kline.Symbol == "" {
		return false
	}
	p := evt.Kline
	kline := schema.Kline{
		Instrument: a.instrument(p.Symbol),
		Interval:   p.Interval,
		TF:         p.Interval,
		StartTS:    p.StartTime,
		EndTS:      p.CloseTime + 1,
		Open:       p.Open.String(),
		High:       p.High.String(),
		Low:        p.Low.String(),
		Close:      p.Close.String(),
		Volume:     p.Volume.String(),
		Turnover:   p.Quote.String(),
		Confirmed:  p.Closed,
	}
	meta := a.frameMeta(kline.EndTS, ingestTS)
	meta.TSExchange = evt.EventTime
	if p.Closed {
		a.publish(ctx, schema.TopicMarketKline, kline, meta)
	}
	a.publish(ctx, schema.TopicMarketKline.Raw(), schema.RawPayload{
		"stream": "kline", "symbol": p.Symbol, "interval": p.Interval,
		"startTime": p.StartTime, "closeTime": p.CloseTime,
		"open": p.Open.String(), "high": p.High.String(),
		"low": p.Low.String(), "close": p.Close.String(),
		"volume": p.Volume.String(), "quoteVolume": p.Quote.String(),
		"closed": p.Closed,
	}, meta)
	return true
}

func (a *Adapter) handleForceOrder(ctx context.Context, data []byte, ingestTS int64) bool {
	var evt forceOrderEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.Order.Symbol == "" {
		return false
	}
	o := evt.Order
	price := o.AvgPrice.String()
	if price == "" || price == "0" {
		price = o.Price.String()
	}
	exchangeTS := o.TradeTime
	if exchangeTS == 0 {
		exchangeTS = evt.EventTime
	}
	liq := schema.Liquidation{
		Instrument:  a.instrument(o.Symbol),
		Side:        orderSide(o.Side),
		Price:       price,
		Size:        o.Quantity.String(),
		NotionalUSD: notional(price, o.Quantity.String()),
		ExchangeTS:  exchangeTS,
	}
	meta := a.frameMeta(exchangeTS, ingestTS)
	a.publish(ctx, schema.TopicMarketLiquidation, liq, meta)
	a.publish(ctx, schema.TopicMarketLiquidation.Raw(), schema.RawPayload{
		"stream": "forceOrder", "symbol": o.Symbol, "side": o.Side,
		"qty": o.Quantity.String(), "price": o.Price.String(),
		"avgPrice": o.AvgPrice.String(), "tradeTime": o.TradeTime,
	}, meta)
	return true
}

// startSeed kicks off one asynchronous snapshot fetch for the symbol. The
// session context bounds it: a dropped connection cancels outstanding seeds.
func (a *Adapter) startSeed(ctx context.Context, symbol string) {
	if a.rest == nil {
		a.mu.Lock()
		if st := a.books[symbol]; st != nil {
			st.seeding = false
		}
		a.mu.Unlock()
		return
	}
	go a.seedBook(ctx, symbol)
}

func (a *Adapter) seedBook(ctx context.Context, symbol string) {
	snap, _, err := a.rest.GetDepthSnapshot(ctx, symbol, a.depth)
	if err != nil {
		observability.Log().Warn("binance depth seed failed",
			observability.Field{Key: "stream", Value: a.streamID},
			observability.Field{Key: "symbol", Value: symbol},
			observability.Field{Key: "error", Value: err.Error()})
		a.mu.Lock()
		if st := a.books[symbol]; st != nil {
			st.seeding = false
		}
		a.mu.Unlock()
		return
	}

	ingestTS := time.Now().UnixMilli()
	exchangeTS := snap.EventTime
	if exchangeTS == 0 {
		exchangeTS = ingestTS
	}
	event := schema.OrderbookL2Snapshot{
		Instrument: a.instrument(symbol),
		Depth:      a.depth,
		Bids:       parseLevels(snap.Bids),
		Asks:       parseLevels(snap.Asks),
		UpdateID:   snap.LastUpdateID,
		ExchangeTS: exchangeTS,
	}
	meta := a.frameMeta(exchangeTS, ingestTS)
	a.publish(ctx, schema.TopicMarketOrderbookL2Snapshot, event, meta)
	a.publish(ctx, schema.TopicMarketOrderbookL2Snapshot.Raw(), schema.RawPayload{
		"source": "rest_depth", "symbol": symbol,
		"lastUpdateId": snap.LastUpdateID, "bids": snap.Bids, "asks": snap.Asks,
	}, meta)

	a.mu.Lock()
	st := a.books[symbol]
	if st == nil {
		st = new(bookState)
		a.books[symbol] = st
	}
	st.lastU = snap.LastUpdateID
	st.synced = true
	st.seeding = false
	a.mu.Unlock()
}

func (a *Adapter) requestResync(ctx context.Context, meta schema.Meta, symbol string, reason schema.ResyncReason, lastSeq, updateID uint64) {
	observability.Log().Warn("binance depth discontinuity",
		observability.Field{Key: "stream", Value: a.streamID},
		observability.Field{Key: "symbol", Value: symbol},
		observability.Field{Key: "reason", Value: string(reason)},
		observability.Field{Key: "lastSeq", Value: lastSeq},
		observability.Field{Key: "updateId", Value: updateID})
	a.publish(ctx, schema.TopicMarketResyncRequested, schema.ResyncRequest{
		Venue:      schema.VenueBinance,
		MarketType: a.marketType,
		Symbol:     symbol,
		Channel:    "orderbook." + strconv.Itoa(a.depth) + "." + symbol,
		Reason:     reason,
		LastSeq:    lastSeq,
		UpdateID:   updateID,
	}, meta)
}

func (a *Adapter) instrument(symbol string) schema.Instrument {
	return schema.Instrument{Venue: schema.VenueBinance, MarketType: a.marketType, Symbol: strings.ToUpper(symbol)}
}

func (a *Adapter) frameMeta(exchangeTS, ingestTS int64) schema.Meta {
	return schema.NewMeta(schema.SourceMarket,
		schema.WithTSEvent(exchangeTS),
		schema.WithTSIngest(ingestTS),
		schema.WithTSExchange(exchangeTS),
		schema.WithCorrelationID(uuid.NewString()),
		schema.WithStreamID(a.streamID))
}

func (a *Adapter) publish(ctx context.Context, topic schema.Topic, payload any, meta schema.Meta) {
	if err := a.bus.Publish(ctx, topic, payload, meta); err != nil {
		observability.Log().Debug("binance publish dropped",
			observability.Field{Key: "topic", Value: string(topic)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// notional multiplies price by size, empty on unparseable inputs.
func notional(price, size string) string {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return ""
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return ""
	}
	return p.Mul(s).String()
}
