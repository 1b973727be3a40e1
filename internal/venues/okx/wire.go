// Package okx implements the OKX V5 websocket adapter and REST client. The
// venue splits market data across two endpoints: the public socket carries
// tickers, trades, books, and liquidations, while candle channels live on the
// business socket. Instruments use dash-delimited ids (BTC-USDT-SWAP) that
// map to and from canonical symbols here.
package okx

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues/shared"
)

const (
	venueName = "okx"

	defaultPublicWSURL   = "wss://ws.okx.com:8443/ws/v5/public"
	defaultBusinessWSURL = "wss://ws.okx.com:8443/ws/v5/business"
	defaultRESTBaseURL   = "https://www.okx.com"

	publicStreamID   = "okx.public.v5"
	businessStreamID = "okx.business.v5"
)

// wsRequest is the outbound subscribe/unsubscribe frame.
type wsRequest struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

// wsArg addresses one channel subscription. Most channels key on instId; the
// liquidation channel keys on instType instead.
type wsArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

// wsEnvelope frames event acks and data pushes alike.
type wsEnvelope struct {
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	Arg    wsArg           `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type tickerRow struct {
	InstID    string            `json:"instId"`
	Last      shared.FlexString `json:"last"`
	MarkPx    shared.FlexString `json:"markPx"`
	IdxPx     shared.FlexString `json:"idxPx"`
	Open24h   shared.FlexString `json:"open24h"`
	Vol24h    shared.FlexString `json:"vol24h"`
	VolCcy24h shared.FlexString `json:"volCcy24h"`
	TS        shared.FlexInt64  `json:"ts"`
}

type tradeRow struct {
	InstID  string            `json:"instId"`
	TradeID string            `json:"tradeId"`
	Px      shared.FlexString `json:"px"`
	Sz      shared.FlexString `json:"sz"`
	Side    string            `json:"side"`
	TS      shared.FlexInt64  `json:"ts"`
}

type bookRow struct {
	Asks      [][]string       `json:"asks"`
	Bids      [][]string       `json:"bids"`
	TS        shared.FlexInt64 `json:"ts"`
	SeqID     uint64           `json:"seqId"`
	PrevSeqID int64            `json:"prevSeqId"`
}

type liquidationRow struct {
	InstID  string              `json:"instId"`
	Details []liquidationDetail `json:"details"`
}

type liquidationDetail struct {
	Side  string            `json:"side"`
	Sz    shared.FlexString `json:"sz"`
	BkPx  shared.FlexString `json:"bkPx"`
	TS    shared.FlexInt64  `json:"ts"`
	PosSd string            `json:"posSide"`
}

// barMillis maps OKX bar tokens to their duration.
var barMillis = map[string]int64{
	"1m":  60_000,
	"3m":  180_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1H":  3_600_000,
	"2H":  7_200_000,
	"4H":  14_400_000,
	"6H":  21_600_000,
	"12H": 43_200_000,
	"1D":  86_400_000,
	"1W":  604_800_000,
}

// BarMillis returns the duration of an OKX bar token in milliseconds, zero
// when unknown. Tokens are case-sensitive on the wire (1m vs 1H).
func BarMillis(bar string) int64 {
	if ms, ok := barMillis[bar]; ok {
		return ms
	}
	return barMillis[normalizeBar(bar)]
}

// normalizeBar maps tolerant inputs ("1h") onto the venue's token ("1H").
func normalizeBar(bar string) string {
	bar = strings.TrimSpace(bar)
	if len(bar) < 2 {
		return bar
	}
	unit := bar[len(bar)-1]
	switch unit {
	case 'h', 'd', 'w':
		return bar[:len(bar)-1] + strings.ToUpper(string(unit))
	case 'M':
		return bar
	default:
		return strings.ToLower(bar)
	}
}

// barTF renders the canonical lowercase timeframe label for a bar token.
func barTF(bar string) string {
	return strings.ToLower(normalizeBar(bar))
}

// quoteAssets lists the quote currencies used to split canonical symbols,
// longest first so USDT wins over USD.
var quoteAssets = []string{"USDT", "USDC", "USDK", "USD", "DAI", "EUR", "BTC", "ETH"}

// instID renders the venue instrument id for a canonical symbol.
// BTCUSDT becomes BTC-USDT on spot and BTC-USDT-SWAP on futures.
func instID(symbol string, futures bool) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, quote := range quoteAssets {
		base, found := strings.CutSuffix(symbol, quote)
		if found && base != "" {
			id := base + "-" + quote
			if futures {
				id += "-SWAP"
			}
			return id
		}
	}
	if futures {
		return symbol + "-SWAP"
	}
	return symbol
}

// canonicalSymbol collapses a venue instrument id back to the canonical form.
func canonicalSymbol(id string) string {
	id = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(id)), "-SWAP")
	return strings.ReplaceAll(id, "-", "")
}

// parseLevels converts OKX [price, size, ...] rows. Book rows carry two extra
// columns (liquidated orders, order count) that are ignored.
func parseLevels(rows [][]string) []schema.OrderbookLevel {
	if len(rows) == 0 {
		return nil
	}
	out := make([]schema.OrderbookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		out = append(out, schema.OrderbookLevel{Price: row[0], Size: row[1]})
	}
	return out
}

// errorArg recovers the rejected subscription from an error ack. OKX does not
// echo the arg on event=error; the failed request is embedded verbatim inside
// the msg text instead.
func errorArg(msg string) (wsArg, bool) {
	start := strings.IndexByte(msg, '{')
	if start < 0 {
		return wsArg{}, false
	}
	var req wsRequest
	if err := json.Unmarshal([]byte(msg[start:]), &req); err != nil || len(req.Args) == 0 {
		return wsArg{}, false
	}
	return req.Args[0], true
}

func tradeSide(raw string) schema.TradeSide {
	if strings.EqualFold(raw, "sell") {
		return schema.TradeSideSell
	}
	return schema.TradeSideBuy
}

// change24h derives the 24h fractional price change from last and open, since
// the venue does not push it precomputed.
func change24h(last, open string) string {
	lastD, err := decimal.NewFromString(last)
	if err != nil {
		return ""
	}
	openD, err := decimal.NewFromString(open)
	if err != nil || openD.IsZero() {
		return ""
	}
	return lastD.Sub(openD).Div(openD).String()
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
