package bybit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues/shared"
	"github.com/coachpo/tidefeed/internal/venues/wsclient"
)

// maxArgsPerSubscribe bounds args per subscribe frame per the V5 stream limits.
const maxArgsPerSubscribe = 10

// AdapterConfig carries the per-stream knobs for the Bybit adapter.
type AdapterConfig struct {
	MarketType schema.MarketType
	// URL overrides the default public stream endpoint (tests, testnet).
	URL string
	// Depth is the order-book depth used when a subscription omits one.
	Depth int
}

// Adapter translates the Bybit V5 public stream dialect into canonical bus
// events plus raw mirrors. One adapter serves one (venue, marketType) stream
// and owns the per-symbol order-book sequencing state.
type Adapter struct {
	bus        eventbus.Bus
	marketType schema.MarketType
	url        string
	depth      int
	streamID   string

	seq *shared.BookSequencer

	mu      sync.Mutex
	tickers map[string]schema.Ticker
}

// NewAdapter constructs a Bybit public-stream adapter.
func NewAdapter(bus eventbus.Bus, cfg AdapterConfig) *Adapter {
	marketType := cfg.MarketType
	if marketType != schema.MarketTypeSpot {
		marketType = schema.MarketTypeFutures
	}
	streamID := linearStreamID
	url := cfg.URL
	if marketType == schema.MarketTypeSpot {
		streamID = spotStreamID
		if url == "" {
			url = defaultSpotWSURL
		}
	} else if url == "" {
		url = defaultLinearWSURL
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
		seq:        shared.NewBookSequencer(),
		tickers:    make(map[string]schema.Ticker),
	}
}

// Venue implements wsclient.Adapter.
func (a *Adapter) Venue() schema.Venue { return schema.VenueBybit }

// StreamID implements wsclient.Adapter.
func (a *Adapter) StreamID() string { return a.streamID }

// URL implements wsclient.Adapter.
func (a *Adapter) URL() string { return a.url }

// MarketType reports the market this stream serves.
func (a *Adapter) MarketType() schema.MarketType { return a.marketType }

// SubscribeFrames renders subscribe requests, batching wire topics up to the
// venue's per-frame arg limit. Frame topics keep the internal channel names so
// ack bookkeeping stays in the caller's vocabulary.
func (a *Adapter) SubscribeFrames(topics []string) ([]wsclient.Frame, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	frames := make([]wsclient.Frame, 0, (len(topics)+maxArgsPerSubscribe-1)/maxArgsPerSubscribe)
	var args []string
	var names []string
	flush := func() error {
		if len(args) == 0 {
			return nil
		}
		req := wsRequest{Op: "subscribe", ReqID: uuid.NewString(), Args: args}
		data, err := json.Marshal(req)
		if err != nil {
			return errs.New(venueName, errs.CodeInvalid, errs.WithMessage("encode subscribe"), errs.WithCause(err))
		}
		frames = append(frames, wsclient.Frame{ReqID: req.ReqID, Topics: names, Data: data})
		args = nil
		names = nil
		return nil
	}
	for _, topic := range topics {
		wire, err := a.wireTopic(topic)
		if err != nil {
			return nil, err
		}
		args = append(args, wire)
		names = append(names, topic)
		if len(args) == maxArgsPerSubscribe {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return frames, nil
}

// wireTopic maps an internal channel name onto the V5 stream topic.
func (a *Adapter) wireTopic(topic string) (string, error) {
	sub, err := schema.ParseSubscription(topic)
	if err != nil {
		return "", err
	}
	switch sub.Kind {
	case schema.SubscriptionTicker:
		return "tickers." + sub.Symbol, nil
	case schema.SubscriptionTrades:
		return "publicTrade." + sub.Symbol, nil
	case schema.SubscriptionOrderbook:
		depth := sub.Depth
		if depth <= 0 {
			depth = a.depth
		}
		return "orderbook." + strconv.Itoa(depth) + "." + sub.Symbol, nil
	case schema.SubscriptionKline:
		return "kline." + sub.Interval + "." + sub.Symbol, nil
	case schema.SubscriptionLiquidations:
		return "allLiquidation." + sub.Symbol, nil
	default:
		return "", errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("channel "+topic+" is poller-only, not a stream topic"))
	}
}

// PingFrame implements wsclient.Adapter. Bybit keepalives are JSON op frames.
func (a *Adapter) PingFrame() ([]byte, bool) {
	data, err := json.Marshal(wsRequest{Op: "ping"})
	if err != nil {
		return nil, false
	}
	return data, true
}

// HandleMessage implements wsclient.Adapter. Data pushes are published to the
// bus here; acks and pongs are classified for the engine; anything malformed
// is dropped as parse noise.
func (a *Adapter) HandleMessage(ctx context.Context, raw []byte) wsclient.Inbound {
	var probe struct {
		Op      string          `json:"op"`
		Success bool            `json:"success"`
		RetMsg  string          `json:"ret_msg"`
		ReqID   string          `json:"req_id"`
		Topic   string          `json:"topic"`
		Type    string          `json:"type"`
		TS      int64           `json:"ts"`
		CTS     int64           `json:"cts"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return wsclient.Inbound{Kind: wsclient.InboundIgnore}
	}
	if probe.Topic != "" {
		env := wsEnvelope{Topic: probe.Topic, Type: probe.Type, TS: probe.TS, CTS: probe.CTS, Data: probe.Data}
		if a.dispatch(ctx, env) {
			return wsclient.Inbound{Kind: wsclient.InboundData}
		}
		return wsclient.Inbound{Kind: wsclient.InboundIgnore}
	}
	switch probe.Op {
	case "ping", "pong":
		return wsclient.Inbound{Kind: wsclient.InboundPong}
	case "subscribe", "unsubscribe":
		inbound := wsclient.Inbound{Kind: wsclient.InboundAck, ReqID: probe.ReqID, OK: probe.Success}
		if !probe.Success {
			inbound.ErrMsg = probe.RetMsg
		}
		return inbound
	}
	if strings.EqualFold(probe.RetMsg, "pong") {
		return wsclient.Inbound{Kind: wsclient.InboundPong}
	}
	return wsclient.Inbound{Kind: wsclient.InboundIgnore}
}

// OnConnected implements wsclient.Adapter. Sequencing and ticker-merge state
// is per session: a reconnect always restarts from fresh snapshots.
func (a *Adapter) OnConnected(ctx context.Context, epoch uint64) {
	a.seq.Reset()
	a.mu.Lock()
	a.tickers = make(map[string]schema.Ticker)
	a.mu.Unlock()

	a.publish(ctx, schema.TopicMarketConnected, schema.Connected{
		Venue:      schema.VenueBybit,
		MarketType: a.marketType,
		StreamID:   a.streamID,
		Epoch:      epoch,
	}, schema.NewMeta(schema.SourceMarket, schema.WithStreamID(a.streamID)))
}

// OnDisconnected implements wsclient.Adapter.
func (a *Adapter) OnDisconnected(ctx context.Context, reason string, willRetry bool) {
	a.publish(ctx, schema.TopicMarketDisconnected, schema.Disconnected{
		Venue:      schema.VenueBybit,
		MarketType: a.marketType,
		StreamID:   a.streamID,
		Reason:     reason,
		WillRetry:  willRetry,
	}, schema.NewMeta(schema.SourceMarket, schema.WithStreamID(a.streamID)))
}

func (a *Adapter) dispatch(ctx context.Context, env wsEnvelope) bool {
	ingestTS := time.Now().UnixMilli()
	switch {
	case strings.HasPrefix(env.Topic, "tickers."):
		return a.handleTicker(ctx, env, ingestTS)
	case strings.HasPrefix(env.Topic, "publicTrade."):
		return a.handleTrades(ctx, env, ingestTS)
	case strings.HasPrefix(env.Topic, "orderbook."):
		return a.handleOrderbook(ctx, env, ingestTS)
	case strings.HasPrefix(env.Topic, "kline."):
		return a.handleKline(ctx, env, ingestTS)
	case strings.HasPrefix(env.Topic, "allLiquidation."):
		return a.handleLiquidation(ctx, env, ingestTS)
	}
	return false
}

func (a *Adapter) handleTicker(ctx context.Context, env wsEnvelope, ingestTS int64) bool {
	var p tickerPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.Symbol == "" {
		return false
	}
	ticker := a.mergeTicker(env.Type, p, env.TS)
	meta := a.frameMeta(env.TS, ingestTS)
	a.publish(ctx, schema.TopicMarketTicker, ticker, meta)
	a.publish(ctx, schema.TopicMarketTicker.Raw(), tickerRaw(env, p), meta)
	return true
}

// mergeTicker folds a ticker push into the per-symbol cache. Linear tickers
// arrive as deltas carrying only changed fields; a snapshot push replaces the
// cached state wholesale.
func (a *Adapter) mergeTicker(pushType string, p tickerPayload, exchangeTS int64) schema.Ticker {
	a.mu.Lock()
	defer a.mu.Unlock()
	base := a.tickers[p.Symbol]
	if pushType == "snapshot" {
		base = schema.Ticker{}
	}
	base.Instrument = a.instrument(p.Symbol)
	if v := p.LastPrice.String(); v != "" {
		base.LastPrice = v
	}
	if v := p.MarkPrice.String(); v != "" {
		base.MarkPrice = v
	}
	if v := p.IndexPrice.String(); v != "" {
		base.IndexPrice = v
	}
	if v := p.Price24hPcnt.String(); v != "" {
		base.Price24hPcnt = v
	}
	if v := p.Volume24h.String(); v != "" {
		base.Volume24h = v
	}
	if v := p.Turnover24h.String(); v != "" {
		base.Turnover24h = v
	}
	base.ExchangeTS = exchangeTS
	a.tickers[p.Symbol] = base
	return base
}

func (a *Adapter) handleTrades(ctx context.Context, env wsEnvelope, ingestTS int64) bool {
	var entries []tradePayload
	if err := json.Unmarshal(env.Data, &entries); err != nil || len(entries) == 0 {
		return false
	}
	meta := a.frameMeta(env.TS, ingestTS)
	for _, p := range entries {
		if p.Symbol == "" {
			continue
		}
		trade := schema.Trade{
			Instrument: a.instrument(p.Symbol),
			TradeID:    p.TradeID,
			Side:       tradeSide(p.Side),
			Price:      p.Price.String(),
			Size:       p.Size.String(),
			TradeTS:    p.TradeTS,
		}
		tradeMeta := meta
		if p.TradeTS > 0 {
			tradeMeta.TSEvent = p.TradeTS
			tradeMeta.TSExchange = p.TradeTS
		}
		a.publish(ctx, schema.TopicMarketTrade, trade, tradeMeta)
		a.publish(ctx, schema.TopicMarketTrade.Raw(), tradeRaw(env, p), tradeMeta)
	}
	return true
}

func (a *Adapter) handleOrderbook(ctx context.Context, env wsEnvelope, ingestTS int64) bool {
	var p orderbookPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.Symbol == "" {
		return false
	}
	depth := depthFromTopic(env.Topic, a.depth)
	exchangeTS := env.CTS
	if exchangeTS == 0 {
		exchangeTS = env.TS
	}
	meta := a.frameMeta(exchangeTS, ingestTS)

	// The venue re-keys the book from 1 after an engine restart; that push is
	// a full snapshot regardless of its declared type.
	if env.Type == "snapshot" || p.UpdateID == 1 {
		a.seq.OnSnapshot(p.Symbol, p.UpdateID)
		snapshot := schema.OrderbookL2Snapshot{
			Instrument: a.instrument(p.Symbol),
			Depth:      depth,
			Bids:       parseLevels(p.Bids),
			Asks:       parseLevels(p.Asks),
			UpdateID:   p.UpdateID,
			ExchangeTS: exchangeTS,
		}
		a.publish(ctx, schema.TopicMarketOrderbookL2Snapshot, snapshot, meta)
		a.publish(ctx, schema.TopicMarketOrderbookL2Snapshot.Raw(), orderbookRaw(env, p), meta)
		return true
	}

	verdict, lastSeq := a.seq.OnDelta(p.Symbol, p.UpdateID)
	switch verdict {
	case shared.SeqAccept:
		delta := schema.OrderbookL2Delta{
			Instrument: a.instrument(p.Symbol),
			Depth:      depth,
			Bids:       parseLevels(p.Bids),
			Asks:       parseLevels(p.Asks),
			UpdateID:   p.UpdateID,
			ExchangeTS: exchangeTS,
		}
		a.publish(ctx, schema.TopicMarketOrderbookL2Delta, delta, meta)
		a.publish(ctx, schema.TopicMarketOrderbookL2Delta.Raw(), orderbookRaw(env, p), meta)
	case shared.SeqDropStale:
		// Already applied; replays after reconnect are expected noise.
	case shared.SeqGap:
		a.requestResync(ctx, meta, p.Symbol, depth, schema.ResyncReasonGap, lastSeq, p.UpdateID)
	case shared.SeqSnapshotMissing:
		a.requestResync(ctx, meta, p.Symbol, depth, schema.ResyncReasonSnapshotMissing, lastSeq, p.UpdateID)
	}
	return true
}

func (a *Adapter) requestResync(ctx context.Context, meta schema.Meta, symbol string, depth int, reason schema.ResyncReason, lastSeq, updateID uint64) {
	observability.Log().Warn("bybit orderbook discontinuity",
		observability.Field{Key: "stream", Value: a.streamID},
		observability.Field{Key: "symbol", Value: symbol},
		observability.Field{Key: "reason", Value: string(reason)},
		observability.Field{Key: "lastSeq", Value: lastSeq},
		observability.Field{Key: "updateId", Value: updateID})
	a.publish(ctx, schema.TopicMarketResyncRequested, schema.ResyncRequest{
		Venue:      schema.VenueBybit,
		MarketType: a.marketType,
		Symbol:     symbol,
		Channel:    "orderbook." + strconv.Itoa(depth) + "." + symbol,
		Reason:     reason,
		LastSeq:    lastSeq,
		UpdateID:   updateID,
	}, meta)
}

func (a *Adapter) handleKline(ctx context.Context, env wsEnvelope, ingestTS int64) bool {
	var entries []klinePayload
	if err := json.Unmarshal(env.Data, &entries); err != nil || len(entries) == 0 {
		return false
	}
	symbol := symbolFromTopic(env.Topic)
	if symbol == "" {
		return false
	}
	for _, p := range entries {
		kline := schema.Kline{
			Instrument: a.instrument(symbol),
			Interval:   p.Interval,
			TF:         IntervalTF(p.Interval),
			StartTS:    p.Start,
			EndTS:      p.Start + IntervalMillis(p.Interval),
			Open:       p.Open.String(),
			High:       p.High.String(),
			Low:        p.Low.String(),
			Close:      p.Close.String(),
			Volume:     p.Volume.String(),
			Turnover:   p.Turnover.String(),
			Confirmed:  p.Confirm,
		}
		meta := a.frameMeta(kline.EndTS, ingestTS)
		meta.TSExchange = env.TS
		// Open candles only reach the raw tape; the canonical plane carries
		// confirmed klines exclusively.
		if p.Confirm {
			a.publish(ctx, schema.TopicMarketKline, kline, meta)
		}
		a.publish(ctx, schema.TopicMarketKline.Raw(), klineRaw(env, symbol, p), meta)
	}
	return true
}

func (a *Adapter) handleLiquidation(ctx context.Context, env wsEnvelope, ingestTS int64) bool {
	var entries []liquidationPayload
	if err := json.Unmarshal(env.Data, &entries); err != nil || len(entries) == 0 {
		return false
	}
	for _, p := range entries {
		if p.Symbol == "" {
			continue
		}
		exchangeTS := p.UpdatedTS
		if exchangeTS == 0 {
			exchangeTS = env.TS
		}
		liq := schema.Liquidation{
			Instrument: a.instrument(p.Symbol),
			Side:       tradeSide(p.Side),
			Price:      p.Price.String(),
			Size:       p.Size.String(),
			ExchangeTS: exchangeTS,
		}
		meta := a.frameMeta(exchangeTS, ingestTS)
		a.publish(ctx, schema.TopicMarketLiquidation, liq, meta)
		a.publish(ctx, schema.TopicMarketLiquidation.Raw(), liquidationRaw(env, p), meta)
	}
	return true
}

func (a *Adapter) instrument(symbol string) schema.Instrument {
	return schema.Instrument{Venue: schema.VenueBybit, MarketType: a.marketType, Symbol: symbol}
}

// frameMeta stamps one inbound frame. Every event derived from the frame
// shares the correlation id so canonical and raw mirrors stay joinable.
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
		observability.Log().Debug("bybit publish dropped",
			observability.Field{Key: "topic", Value: string(topic)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// symbolFromTopic extracts the trailing symbol segment of a stream topic.
func symbolFromTopic(topic string) string {
	idx := strings.LastIndexByte(topic, '.')
	if idx < 0 || idx == len(topic)-1 {
		return ""
	}
	return topic[idx+1:]
}

// depthFromTopic extracts the depth segment of orderbook.{depth}.{symbol}.
func depthFromTopic(topic string, fallback int) int {
	parts := strings.Split(topic, ".")
	if len(parts) == 3 {
		if depth, err := strconv.Atoi(parts[1]); err == nil && depth > 0 {
			return depth
		}
	}
	return fallback
}

func tickerRaw(env wsEnvelope, p tickerPayload) schema.RawPayload {
	raw := schema.RawPayload{
		"topic":  env.Topic,
		"type":   env.Type,
		"ts":     env.TS,
		"symbol": p.Symbol,
	}
	putIfSet(raw, "lastPrice", p.LastPrice.String())
	putIfSet(raw, "markPrice", p.MarkPrice.String())
	putIfSet(raw, "indexPrice", p.IndexPrice.String())
	putIfSet(raw, "price24hPcnt", p.Price24hPcnt.String())
	putIfSet(raw, "volume24h", p.Volume24h.String())
	putIfSet(raw, "turnover24h", p.Turnover24h.String())
	putIfSet(raw, "fundingRate", p.FundingRate.String())
	if ts := p.NextFundingTime.Int64(); ts > 0 {
		raw["nextFundingTime"] = ts
	}
	return raw
}

func tradeRaw(env wsEnvelope, p tradePayload) schema.RawPayload {
	return schema.RawPayload{
		"topic":   env.Topic,
		"ts":      env.TS,
		"symbol":  p.Symbol,
		"tradeId": p.TradeID,
		"side":    p.Side,
		"price":   p.Price.String(),
		"size":    p.Size.String(),
		"tradeTs": p.TradeTS,
	}
}

func orderbookRaw(env wsEnvelope, p orderbookPayload) schema.RawPayload {
	raw := schema.RawPayload{
		"topic":    env.Topic,
		"type":     env.Type,
		"ts":       env.TS,
		"symbol":   p.Symbol,
		"updateId": p.UpdateID,
		"bids":     p.Bids,
		"asks":     p.Asks,
	}
	if env.CTS > 0 {
		raw["cts"] = env.CTS
	}
	if p.Seq > 0 {
		raw["seq"] = p.Seq
	}
	return raw
}

func klineRaw(env wsEnvelope, symbol string, p klinePayload) schema.RawPayload {
	return schema.RawPayload{
		"topic":    env.Topic,
		"ts":       env.TS,
		"symbol":   symbol,
		"interval": p.Interval,
		"start":    p.Start,
		"end":      p.End,
		"open":     p.Open.String(),
		"high":     p.High.String(),
		"low":      p.Low.String(),
		"close":    p.Close.String(),
		"volume":   p.Volume.String(),
		"turnover": p.Turnover.String(),
		"confirm":  p.Confirm,
	}
}

func liquidationRaw(env wsEnvelope, p liquidationPayload) schema.RawPayload {
	return schema.RawPayload{
		"topic":  env.Topic,
		"ts":     env.TS,
		"symbol": p.Symbol,
		"side":   p.Side,
		"price":  p.Price.String(),
		"size":   p.Size.String(),
		"time":   p.UpdatedTS,
	}
}

func putIfSet(raw schema.RawPayload, key, value string) {
	if value != "" {
		raw[key] = value
	}
}
