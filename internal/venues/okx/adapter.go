package okx

import (
	"context"
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

// booksDepth is the level count of the V5 "books" channel. OKX fixes depth by
// channel name instead of a subscribe argument.
const booksDepth = 400

// AdapterConfig carries the per-stream knobs for the OKX adapter.
type AdapterConfig struct {
	MarketType schema.MarketType
	// URL overrides the default endpoint (tests, AWS domain).
	URL string
	// Business selects the business socket, which is the only place OKX
	// serves candle channels. A business adapter accepts kline topics and
	// nothing else; a public adapter is the exact complement.
	Business bool
}

// bookState tracks the seqId chain of one instrument's books channel.
type bookState struct {
	lastSeq uint64
	synced  bool
}

// Adapter translates the OKX V5 dialect into canonical bus events plus raw
// mirrors. OKX splits market data across two sockets, so a full deployment
// runs one public adapter and one business adapter per market type.
type Adapter struct {
	bus        eventbus.Bus
	marketType schema.MarketType
	url        string
	streamID   string
	business   bool

	mu         sync.Mutex
	books      map[string]*bookState
	liqSymbols map[string]struct{}
}

// NewAdapter constructs an OKX stream adapter.
func NewAdapter(bus eventbus.Bus, cfg AdapterConfig) *Adapter {
	marketType := cfg.MarketType
	if marketType != schema.MarketTypeSpot {
		marketType = schema.MarketTypeFutures
	}
	streamID := publicStreamID
	url := cfg.URL
	if cfg.Business {
		streamID = businessStreamID
		if url == "" {
			url = defaultBusinessWSURL
		}
	} else if url == "" {
		url = defaultPublicWSURL
	}
	return &Adapter{
		bus:        bus,
		marketType: marketType,
		url:        url,
		streamID:   streamID,
		business:   cfg.Business,
		books:      make(map[string]*bookState),
		liqSymbols: make(map[string]struct{}),
	}
}

// Venue implements wsclient.Adapter.
func (a *Adapter) Venue() schema.Venue { return schema.VenueOKX }

// StreamID implements wsclient.Adapter.
func (a *Adapter) StreamID() string { return a.streamID }

// URL implements wsclient.Adapter.
func (a *Adapter) URL() string { return a.url }

// MarketType reports the market this stream serves.
func (a *Adapter) MarketType() schema.MarketType { return a.marketType }

// SubscribeFrames renders subscribe requests. Acks echo the arg rather than a
// request id, so every arg goes out in its own frame keyed by the arg itself.
// Liquidation topics are the exception: the channel subscribes per instrument
// type, so all of them collapse into one frame.
func (a *Adapter) SubscribeFrames(topics []string) ([]wsclient.Frame, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	frames := make([]wsclient.Frame, 0, len(topics))
	var liqTopics []string
	for _, topic := range topics {
		arg, err := a.wireArg(topic)
		if err != nil {
			return nil, err
		}
		if arg.Channel == "liquidation-orders" {
			liqTopics = append(liqTopics, topic)
			continue
		}
		frame, err := subscribeFrame(arg, []string{topic})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	if len(liqTopics) > 0 {
		arg := wsArg{Channel: "liquidation-orders", InstType: a.liqInstType()}
		frame, err := subscribeFrame(arg, liqTopics)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		a.trackLiquidationSymbols(liqTopics)
	}
	return frames, nil
}

func subscribeFrame(arg wsArg, topics []string) (wsclient.Frame, error) {
	data, err := json.Marshal(wsRequest{Op: "subscribe", Args: []wsArg{arg}})
	if err != nil {
		return wsclient.Frame{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("encode subscribe"), errs.WithCause(err))
	}
	return wsclient.Frame{ReqID: argKey(arg), Topics: topics, Data: data}, nil
}

// argKey is the ack-correlation key: OKX acks identify the subscription by
// echoing its arg, not by a request id.
func argKey(arg wsArg) string {
	return arg.Channel + "|" + arg.InstID + arg.InstType
}

// wireArg maps an internal channel name onto a V5 subscription arg, rejecting
// topics that belong on the other socket.
func (a *Adapter) wireArg(topic string) (wsArg, error) {
	sub, err := schema.ParseSubscription(topic)
	if err != nil {
		return wsArg{}, err
	}
	id := instID(sub.Symbol, a.marketType == schema.MarketTypeFutures)
	var arg wsArg
	switch sub.Kind {
	case schema.SubscriptionTicker:
		arg = wsArg{Channel: "tickers", InstID: id}
	case schema.SubscriptionTrades:
		arg = wsArg{Channel: "trades", InstID: id}
	case schema.SubscriptionOrderbook:
		arg = wsArg{Channel: "books", InstID: id}
	case schema.SubscriptionKline:
		bar := normalizeBar(sub.Interval)
		if BarMillis(bar) == 0 {
			return wsArg{}, errs.New(venueName, errs.CodeInvalid,
				errs.WithMessage("unsupported candle bar "+sub.Interval))
		}
		arg = wsArg{Channel: "candle" + bar, InstID: id}
	case schema.SubscriptionLiquidations:
		arg = wsArg{Channel: "liquidation-orders", InstType: a.liqInstType()}
	default:
		return wsArg{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("channel "+topic+" is poller-only, not a stream topic"))
	}
	if candle := strings.HasPrefix(arg.Channel, "candle"); candle != a.business {
		socket := "public"
		if candle {
			socket = "business"
		}
		return wsArg{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("channel "+topic+" belongs to the "+socket+" socket"))
	}
	return arg, nil
}

// liqInstType is the instrument-type arg of the liquidation channel.
func (a *Adapter) liqInstType() string {
	if a.marketType == schema.MarketTypeSpot {
		return "MARGIN"
	}
	return "SWAP"
}

func (a *Adapter) trackLiquidationSymbols(topics []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, topic := range topics {
		sub, err := schema.ParseSubscription(topic)
		if err != nil {
			continue
		}
		a.liqSymbols[strings.ToUpper(sub.Symbol)] = struct{}{}
	}
}

// PingFrame implements wsclient.Adapter. OKX keepalives are literal text.
func (a *Adapter) PingFrame() ([]byte, bool) {
	return []byte("ping"), true
}

// HandleMessage implements wsclient.Adapter. The heartbeat reply is a bare
// "pong" string, checked before any JSON parsing.
func (a *Adapter) HandleMessage(ctx context.Context, raw []byte) wsclient.Inbound {
	if len(raw) == 4 && string(raw) == "pong" {
		return wsclient.Inbound{Kind: wsclient.InboundPong}
	}
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return wsclient.Inbound{Kind: wsclient.InboundIgnore}
	}
	switch env.Event {
	case "subscribe", "unsubscribe":
		return wsclient.Inbound{Kind: wsclient.InboundAck, ReqID: argKey(env.Arg), OK: true}
	case "error":
		inbound := wsclient.Inbound{Kind: wsclient.InboundAck, OK: false, ErrMsg: strings.TrimSpace(env.Code + " " + env.Msg)}
		if arg, ok := errorArg(env.Msg); ok {
			inbound.ReqID = argKey(arg)
		}
		return inbound
	case "":
		if env.Arg.Channel != "" && len(env.Data) > 0 {
			if a.dispatch(ctx, env) {
				return wsclient.Inbound{Kind: wsclient.InboundData}
			}
		}
		return wsclient.Inbound{Kind: wsclient.InboundIgnore}
	default:
		// Connection notices and channel-conn-count events.
		return wsclient.Inbound{Kind: wsclient.InboundIgnore}
	}
}

// OnConnected implements wsclient.Adapter. Book chains restart from the
// snapshot the venue pushes after each resubscribe.
func (a *Adapter) OnConnected(ctx context.Context, epoch uint64) {
	a.mu.Lock()
	a.books = make(map[string]*bookState)
	a.mu.Unlock()

	a.publish(ctx, schema.TopicMarketConnected, schema.Connected{
		Venue:      schema.VenueOKX,
		MarketType: a.marketType,
		StreamID:   a.streamID,
		Epoch:      epoch,
	}, schema.NewMeta(schema.SourceMarket, schema.WithStreamID(a.streamID)))
}

// OnDisconnected implements wsclient.Adapter.
func (a *Adapter) OnDisconnected(ctx context.Context, reason string, willRetry bool) {
	a.publish(ctx, schema.TopicMarketDisconnected, schema.Disconnected{
		Venue:      schema.VenueOKX,
		MarketType: a.marketType,
		StreamID:   a.streamID,
		Reason:     reason,
		WillRetry:  willRetry,
	}, schema.NewMeta(schema.SourceMarket, schema.WithStreamID(a.streamID)))
}

func (a *Adapter) dispatch(ctx context.Context, env wsEnvelope) bool {
	ingestTS := time.Now().UnixMilli()
	switch {
	case env.Arg.Channel == "tickers":
		return a.handleTicker(ctx, env, ingestTS)
	case env.Arg.Channel == "trades":
		return a.handleTrades(ctx, env, ingestTS)
	case env.Arg.Channel == "books":
		return a.handleBooks(ctx, env, ingestTS)
	case strings.HasPrefix(env.Arg.Channel, "candle"):
		return a.handleCandles(ctx, env, ingestTS)
	case env.Arg.Channel == "liquidation-orders":
		return a.handleLiquidations(ctx, env, ingestTS)
	}
	return false
}

func (a *Adapter) handleTicker(ctx context.Context, env wsEnvelope, ingestTS int64) bool {
	var rows []tickerRow
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
		return false
	}
	for _, row := range rows {
		if row.InstID == "" {
			continue
		}
		exchangeTS := row.TS.Int64()
		ticker := schema.Ticker{
			Instrument:   a.instrument(canonicalSymbol(row.InstID)),
			LastPrice:    row.Last.String(),
			MarkPrice:    row.MarkPx.String(),
			IndexPrice:   row.IdxPx.String(),
			Price24hPcnt: change24h(row.Last.String(), row.Open24h.String()),
			Volume24h:    row.Vol24h.String(),
			Turnover24h:  row.VolCcy24h.String(),
			ExchangeTS:   exchangeTS,
		}
		meta := a.frameMeta(exchangeTS, ingestTS)
		a.publish(ctx, schema.TopicMarketTicker, ticker, meta)
		a.publish(ctx, schema.TopicMarketTicker.Raw(), tickerRaw(env.Arg, row), meta)
	}
	return true
}

func (a *Adapter) handleTrades(ctx context.Context, env wsEnvelope, ingestTS int64) bool {
	var rows []tradeRow
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
		return false
	}
	for _, row := range rows {
		if row.InstID == "" {
			continue
		}
		tradeTS := row.TS.Int64()
		trade := schema.Trade{
			Instrument: a.instrument(canonicalSymbol(row.InstID)),
			TradeID:    row.TradeID,
			Side:       tradeSide(row.Side),
			Price:      row.Px.String(),
			Size:       row.Sz.String(),
			TradeTS:    tradeTS,
		}
		meta := a.frameMeta(tradeTS, ingestTS)
		a.publish(ctx, schema.TopicMarketTrade, trade, meta)
		a.publish(ctx, schema.TopicMarketTrade.Raw(), tradeRaw(env.Arg, row), meta)
	}
	return true
}

// handleBooks walks the seqId chain of the books channel. Each update names
// its predecessor via prevSeqId; a mismatch means the chain broke and the
// venue must resend a snapshot, which a resubscribe triggers.
func (a *Adapter) handleBooks(ctx context.Context, env wsEnvelope, ingestTS int64) bool {
	var rows []bookRow
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
		return false
	}
	symbol := canonicalSymbol(env.Arg.InstID)
	if symbol == "" {
		return false
	}
	for _, row := range rows {
		exchangeTS := row.TS.Int64()
		meta := a.frameMeta(exchangeTS, ingestTS)

		if env.Action == "snapshot" {
			a.mu.Lock()
			a.books[symbol] = &bookState{lastSeq: row.SeqID, synced: true}
			a.mu.Unlock()
			snapshot := schema.OrderbookL2Snapshot{
				Instrument: a.instrument(symbol),
				Depth:      booksDepth,
				Bids:       parseLevels(row.Bids),
				Asks:       parseLevels(row.Asks),
				UpdateID:   row.SeqID,
				ExchangeTS: exchangeTS,
			}
			a.publish(ctx, schema.TopicMarketOrderbookL2Snapshot, snapshot, meta)
			a.publish(ctx, schema.TopicMarketOrderbookL2Snapshot.Raw(), bookRaw(env, row), meta)
			continue
		}

		a.mu.Lock()
		st := a.books[symbol]
		if st == nil || !st.synced {
			a.mu.Unlock()
			a.requestResync(ctx, meta, symbol, schema.ResyncReasonSnapshotMissing, 0, row.SeqID)
			continue
		}
		switch {
		case row.PrevSeqID >= 0 && uint64(row.PrevSeqID) == st.lastSeq:
			lastSeq := st.lastSeq
			st.lastSeq = row.SeqID
			a.mu.Unlock()
			// Heartbeat pushes repeat the seqId with empty sides.
			if row.SeqID == lastSeq && len(row.Bids) == 0 && len(row.Asks) == 0 {
				continue
			}
			delta := schema.OrderbookL2Delta{
				Instrument: a.instrument(symbol),
				Depth:      booksDepth,
				Bids:       parseLevels(row.Bids),
				Asks:       parseLevels(row.Asks),
				UpdateID:   row.SeqID,
				ExchangeTS: exchangeTS,
			}
			a.publish(ctx, schema.TopicMarketOrderbookL2Delta, delta, meta)
			a.publish(ctx, schema.TopicMarketOrderbookL2Delta.Raw(), bookRaw(env, row), meta)
		case row.SeqID <= st.lastSeq:
			// Already applied; replays after reconnect are expected noise.
			a.mu.Unlock()
		default:
			lastSeq := st.lastSeq
			st.synced = false
			a.mu.Unlock()
			a.requestResync(ctx, meta, symbol, schema.ResyncReasonGap, lastSeq, row.SeqID)
		}
	}
	return true
}

func (a *Adapter) requestResync(ctx context.Context, meta schema.Meta, symbol string, reason schema.ResyncReason, lastSeq, updateID uint64) {
	observability.Log().Warn("okx books discontinuity",
		observability.Field{Key: "stream", Value: a.streamID},
		observability.Field{Key: "symbol", Value: symbol},
		observability.Field{Key: "reason", Value: string(reason)},
		observability.Field{Key: "lastSeq", Value: lastSeq},
		observability.Field{Key: "seqId", Value: updateID})
	a.publish(ctx, schema.TopicMarketResyncRequested, schema.ResyncRequest{
		Venue:      schema.VenueOKX,
		MarketType: a.marketType,
		Symbol:     symbol,
		Channel:    "books." + symbol,
		Reason:     reason,
		LastSeq:    lastSeq,
		UpdateID:   updateID,
	}, meta)
}

func (a *Adapter) handleCandles(ctx context.Context, env wsEnvelope, ingestTS int64) bool {
	var rows [][]string
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
		return false
	}
	bar := strings.TrimPrefix(env.Arg.Channel, "candle")
	barMs := BarMillis(bar)
	if barMs == 0 {
		return false
	}
	symbol := canonicalSymbol(env.Arg.InstID)
	for _, row := range rows {
		if len(row) < 9 {
			continue
		}
		start := shared.ParseMilliTS(row[0])
		turnover := row[6]
		if row[7] != "" {
			turnover = row[7]
		}
		kline := schema.Kline{
			Instrument: a.instrument(symbol),
			Interval:   bar,
			TF:         barTF(bar),
			StartTS:    start,
			EndTS:      start + barMs,
			Open:       row[1],
			High:       row[2],
			Low:        row[3],
			Close:      row[4],
			Volume:     row[5],
			Turnover:   turnover,
			Confirmed:  row[8] == "1",
		}
		meta := a.frameMeta(kline.EndTS, ingestTS)
		// Open candles only reach the raw tape; the canonical plane carries
		// confirmed klines exclusively.
		if kline.Confirmed {
			a.publish(ctx, schema.TopicMarketKline, kline, meta)
		}
		a.publish(ctx, schema.TopicMarketKline.Raw(), candleRaw(env.Arg, symbol, row), meta)
	}
	return true
}

// handleLiquidations fans out the per-instrument-type channel, keeping only
// instruments that were actually subscribed.
func (a *Adapter) handleLiquidations(ctx context.Context, env wsEnvelope, ingestTS int64) bool {
	var rows []liquidationRow
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
		return false
	}
	handled := false
	for _, row := range rows {
		symbol := canonicalSymbol(row.InstID)
		if symbol == "" || !a.liquidationWanted(symbol) {
			continue
		}
		for _, d := range row.Details {
			exchangeTS := d.TS.Int64()
			liq := schema.Liquidation{
				Instrument:  a.instrument(symbol),
				Side:        tradeSide(d.Side),
				Price:       d.BkPx.String(),
				Size:        d.Sz.String(),
				NotionalUSD: notional(d.BkPx.String(), d.Sz.String()),
				ExchangeTS:  exchangeTS,
			}
			meta := a.frameMeta(exchangeTS, ingestTS)
			a.publish(ctx, schema.TopicMarketLiquidation, liq, meta)
			a.publish(ctx, schema.TopicMarketLiquidation.Raw(), liquidationRaw(env.Arg, row.InstID, d), meta)
			handled = true
		}
	}
	return handled
}

func (a *Adapter) liquidationWanted(symbol string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.liqSymbols[symbol]
	return ok
}

func (a *Adapter) instrument(symbol string) schema.Instrument {
	return schema.Instrument{Venue: schema.VenueOKX, MarketType: a.marketType, Symbol: symbol}
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
		observability.Log().Debug("okx publish dropped",
			observability.Field{Key: "topic", Value: string(topic)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func tickerRaw(arg wsArg, row tickerRow) schema.RawPayload {
	raw := schema.RawPayload{
		"channel": arg.Channel,
		"instId":  row.InstID,
		"ts":      row.TS.Int64(),
	}
	putIfSet(raw, "last", row.Last.String())
	putIfSet(raw, "markPx", row.MarkPx.String())
	putIfSet(raw, "idxPx", row.IdxPx.String())
	putIfSet(raw, "open24h", row.Open24h.String())
	putIfSet(raw, "vol24h", row.Vol24h.String())
	putIfSet(raw, "volCcy24h", row.VolCcy24h.String())
	return raw
}

func tradeRaw(arg wsArg, row tradeRow) schema.RawPayload {
	return schema.RawPayload{
		"channel": arg.Channel,
		"instId":  row.InstID,
		"tradeId": row.TradeID,
		"px":      row.Px.String(),
		"sz":      row.Sz.String(),
		"side":    row.Side,
		"ts":      row.TS.Int64(),
	}
}

func bookRaw(env wsEnvelope, row bookRow) schema.RawPayload {
	return schema.RawPayload{
		"channel":   env.Arg.Channel,
		"instId":    env.Arg.InstID,
		"action":    env.Action,
		"seqId":     row.SeqID,
		"prevSeqId": row.PrevSeqID,
		"bids":      row.Bids,
		"asks":      row.Asks,
		"ts":        row.TS.Int64(),
	}
}

func candleRaw(arg wsArg, symbol string, row []string) schema.RawPayload {
	return schema.RawPayload{
		"channel": arg.Channel,
		"instId":  arg.InstID,
		"symbol":  symbol,
		"data":    row,
	}
}

func liquidationRaw(arg wsArg, instID string, d liquidationDetail) schema.RawPayload {
	return schema.RawPayload{
		"channel": arg.Channel,
		"instId":  instID,
		"side":    d.Side,
		"sz":      d.Sz.String(),
		"bkPx":    d.BkPx.String(),
		"ts":      d.TS.Int64(),
	}
}

func putIfSet(raw schema.RawPayload, key, value string) {
	if value != "" {
		raw[key] = value
	}
}
