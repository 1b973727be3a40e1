// Package binance implements the Binance combined-stream adapter and the
// REST endpoints backing depth seeding, kline bootstrap, and the derivatives
// poller. USDM futures and spot share one dialect; only hosts and depth
// continuity rules differ.
package binance

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues/shared"
)

const (
	venueName = "binance"

	defaultUSDMWSURL = "wss://fstream.binance.com/stream"
	defaultSpotWSURL = "wss://stream.binance.com:9443/stream"

	defaultUSDMRESTBaseURL = "https://fapi.binance.com"
	defaultSpotRESTBaseURL = "https://api.binance.com"

	usdmStreamID = "binance.usdm.stream"
	spotStreamID = "binance.spot.stream"
)

// wsCommand is the outbound SUBSCRIBE/UNSUBSCRIBE frame. The venue echoes ID
// in its acknowledgement.
type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// wsEnvelope frames combined-stream pushes: {"stream":"btcusdt@aggTrade","data":{...}}.
type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type depthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	TransactTime  int64      `json:"T"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	PrevFinalID   uint64     `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type aggTrade struct {
	EventType    string            `json:"e"`
	EventTime    int64             `json:"E"`
	Symbol       string            `json:"s"`
	TradeID      uint64            `json:"a"`
	Price        shared.FlexString `json:"p"`
	Quantity     shared.FlexString `json:"q"`
	TradeTime    int64             `json:"T"`
	IsBuyerMaker bool              `json:"m"`
}

type ticker24hr struct {
	EventType    string            `json:"e"`
	EventTime    int64             `json:"E"`
	Symbol       string            `json:"s"`
	LastPrice    shared.FlexString `json:"c"`
	PriceChange  shared.FlexString `json:"P"`
	Volume       shared.FlexString `json:"v"`
	QuoteVolume  shared.FlexString `json:"q"`
	WeightedAvg  shared.FlexString `json:"w"`
	HighPrice    shared.FlexString `json:"h"`
	LowPrice     shared.FlexString `json:"l"`
}

type klineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	StartTime int64             `json:"t"`
	CloseTime int64             `json:"T"`
	Symbol    string            `json:"s"`
	Interval  string            `json:"i"`
	Open      shared.FlexString `json:"o"`
	Close     shared.FlexString `json:"c"`
	High      shared.FlexString `json:"h"`
	Low       shared.FlexString `json:"l"`
	Volume    shared.FlexString `json:"v"`
	Quote     shared.FlexString `json:"q"`
	Closed    bool              `json:"x"`
}

type forceOrderEvent struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Order     forceOrder `json:"o"`
}

type forceOrder struct {
	Symbol    string            `json:"s"`
	Side      string            `json:"S"`
	Quantity  shared.FlexString `json:"q"`
	Price     shared.FlexString `json:"p"`
	AvgPrice  shared.FlexString `json:"ap"`
	TradeTime int64             `json:"T"`
}

// depthSnapshot is the REST depth response. Spot omits the E/T timestamps.
type depthSnapshot struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	TransactTime int64      `json:"T"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// streamName renders the wire stream for an internal channel name.
func streamName(sub schema.Subscription) (string, error) {
	sym := strings.ToLower(sub.Symbol)
	switch sub.Kind {
	case schema.SubscriptionTicker:
		return sym + "@ticker", nil
	case schema.SubscriptionTrades:
		return sym + "@aggTrade", nil
	case schema.SubscriptionOrderbook:
		return sym + "@depth@100ms", nil
	case schema.SubscriptionKline:
		return sym + "@kline_" + sub.Interval, nil
	case schema.SubscriptionLiquidations:
		return sym + "@forceOrder", nil
	default:
		return "", errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("channel "+sub.String()+" is poller-only, not a stream topic"))
	}
}

func tradeSide(isBuyerMaker bool) schema.TradeSide {
	// The aggressor sold when the resting buyer was the maker.
	if isBuyerMaker {
		return schema.TradeSideSell
	}
	return schema.TradeSideBuy
}

func orderSide(raw string) schema.TradeSide {
	if strings.EqualFold(raw, "sell") {
		return schema.TradeSideSell
	}
	return schema.TradeSideBuy
}

func parseLevels(raw [][]string) []schema.OrderbookLevel {
	if len(raw) == 0 {
		return nil
	}
	out := make([]schema.OrderbookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		out = append(out, schema.OrderbookLevel{Price: pair[0], Size: pair[1]})
	}
	return out
}
