// Package bybit implements the Bybit V5 public stream adapter and REST
// client. Wire formats follow the published V5 schemas; numeric fields accept
// both string and number forms.
package bybit

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues/shared"
)

const (
	venueName = "bybit"

	defaultLinearWSURL = "wss://stream.bybit.com/v5/public/linear"
	defaultSpotWSURL   = "wss://stream.bybit.com/v5/public/spot"
	defaultRESTBaseURL = "https://api.bybit.com"

	linearStreamID = "bybit.public.linear.v5"
	spotStreamID   = "bybit.public.spot.v5"
)

// wsRequest is the outbound control frame (subscribe, ping).
type wsRequest struct {
	Op    string   `json:"op"`
	ReqID string   `json:"req_id,omitempty"`
	Args  []string `json:"args,omitempty"`
}

// wsAck is the venue response to control frames. Pongs arrive as an ack with
// op "ping" and ret_msg "pong".
type wsAck struct {
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
	ConnID  string `json:"conn_id"`
	ReqID   string `json:"req_id"`
	Op      string `json:"op"`
}

// wsEnvelope frames every data push. TS is the gateway timestamp; CTS carries
// the matching-engine timestamp on depth streams.
type wsEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	CTS   int64           `json:"cts"`
	Data  json.RawMessage `json:"data"`
}

type tickerPayload struct {
	Symbol          string            `json:"symbol"`
	LastPrice       shared.FlexString `json:"lastPrice"`
	MarkPrice       shared.FlexString `json:"markPrice"`
	IndexPrice      shared.FlexString `json:"indexPrice"`
	Price24hPcnt    shared.FlexString `json:"price24hPcnt"`
	Volume24h       shared.FlexString `json:"volume24h"`
	Turnover24h     shared.FlexString `json:"turnover24h"`
	FundingRate     shared.FlexString `json:"fundingRate"`
	NextFundingTime shared.FlexInt64  `json:"nextFundingTime"`
}

type tradePayload struct {
	TradeTS int64             `json:"T"`
	Symbol  string            `json:"s"`
	Side    string            `json:"S"`
	Size    shared.FlexString `json:"v"`
	Price   shared.FlexString `json:"p"`
	TradeID string            `json:"i"`
}

type orderbookPayload struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID uint64     `json:"u"`
	Seq      uint64     `json:"seq"`
}

type klinePayload struct {
	Start    int64             `json:"start"`
	End      int64             `json:"end"`
	Interval string            `json:"interval"`
	Open     shared.FlexString `json:"open"`
	Close    shared.FlexString `json:"close"`
	High     shared.FlexString `json:"high"`
	Low      shared.FlexString `json:"low"`
	Volume   shared.FlexString `json:"volume"`
	Turnover shared.FlexString `json:"turnover"`
	Confirm  bool              `json:"confirm"`
}

type liquidationPayload struct {
	UpdatedTS int64             `json:"T"`
	Symbol    string            `json:"s"`
	Side      string            `json:"S"`
	Size      shared.FlexString `json:"v"`
	Price     shared.FlexString `json:"p"`
}

// intervalMillis maps Bybit kline interval codes to their duration.
var intervalMillis = map[string]int64{
	"1":   60_000,
	"3":   180_000,
	"5":   300_000,
	"15":  900_000,
	"30":  1_800_000,
	"60":  3_600_000,
	"120": 7_200_000,
	"240": 14_400_000,
	"360": 21_600_000,
	"720": 43_200_000,
	"D":   86_400_000,
	"W":   604_800_000,
}

// intervalTF maps interval codes to the normalized timeframe labels used in
// journal partitions and downstream analytics.
var intervalTF = map[string]string{
	"1":   "1m",
	"3":   "3m",
	"5":   "5m",
	"15":  "15m",
	"30":  "30m",
	"60":  "1h",
	"120": "2h",
	"240": "4h",
	"360": "6h",
	"720": "12h",
	"D":   "1d",
	"W":   "1w",
}

// IntervalMillis returns the duration of a Bybit interval code in
// milliseconds, zero when unknown.
func IntervalMillis(interval string) int64 {
	return intervalMillis[strings.ToUpper(strings.TrimSpace(interval))]
}

// IntervalTF normalizes a Bybit interval code ("60") to a timeframe label
// ("1h"). Unknown codes pass through unchanged.
func IntervalTF(interval string) string {
	key := strings.ToUpper(strings.TrimSpace(interval))
	if tf, ok := intervalTF[key]; ok {
		return tf
	}
	return interval
}

// category maps a market type onto the Bybit V5 category query value.
func category(marketType schema.MarketType) string {
	if marketType == schema.MarketTypeSpot {
		return "spot"
	}
	return "linear"
}

func tradeSide(raw string) schema.TradeSide {
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
