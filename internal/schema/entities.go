package schema

// Venue identifies an exchange operator.
type Venue string

const (
	// VenueBybit identifies Bybit V5 feeds.
	VenueBybit Venue = "bybit"
	// VenueBinance identifies Binance spot/USDM feeds.
	VenueBinance Venue = "binance"
	// VenueOKX identifies OKX V5 feeds.
	VenueOKX Venue = "okx"
)

// MarketType distinguishes spot and derivatives markets.
type MarketType string

const (
	// MarketTypeSpot identifies spot markets.
	MarketTypeSpot MarketType = "spot"
	// MarketTypeFutures identifies linear futures/perpetual markets.
	MarketTypeFutures MarketType = "futures"
	// MarketTypeUnknown is used when the market type cannot be derived.
	MarketTypeUnknown MarketType = "unknown"
)

// Instrument identifies a tradable market on a venue. Every canonical market
// entity is keyed by it.
type Instrument struct {
	Venue      Venue      `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Symbol     string     `json:"symbol"`
}

// TradeSide captures the direction of a trade or liquidation.
type TradeSide string

const (
	// TradeSideBuy indicates buy side fills.
	TradeSideBuy TradeSide = "Buy"
	// TradeSideSell indicates sell side fills.
	TradeSideSell TradeSide = "Sell"
)

// Ticker conveys venue ticker statistics. Prices are decimal strings.
type Ticker struct {
	Instrument
	LastPrice    string `json:"lastPrice"`
	MarkPrice    string `json:"markPrice,omitempty"`
	IndexPrice   string `json:"indexPrice,omitempty"`
	Price24hPcnt string `json:"price24hPcnt,omitempty"`
	Volume24h    string `json:"volume24h,omitempty"`
	Turnover24h  string `json:"turnover24h,omitempty"`
	ExchangeTS   int64  `json:"exchangeTs"`
}

// Trade represents one executed public trade.
type Trade struct {
	Instrument
	TradeID string    `json:"tradeId"`
	Side    TradeSide `json:"side"`
	Price   string    `json:"price"`
	Size    string    `json:"size"`
	TradeTS int64     `json:"tradeTs"`
}

// OrderbookLevel describes a single price level as decimal strings.
type OrderbookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// OrderbookL2Snapshot conveys a full depth snapshot. UpdateID seeds the
// per-symbol sequencing chain; deltas are accepted only above it.
type OrderbookL2Snapshot struct {
	Instrument
	Depth      int              `json:"depth"`
	Bids       []OrderbookLevel `json:"bids"`
	Asks       []OrderbookLevel `json:"asks"`
	UpdateID   uint64           `json:"updateId"`
	ExchangeTS int64            `json:"exchangeTs"`
}

// OrderbookL2Delta conveys an incremental depth update with a strictly
// monotonic UpdateID per (symbol, stream).
type OrderbookL2Delta struct {
	Instrument
	Depth      int              `json:"depth"`
	Bids       []OrderbookLevel `json:"bids"`
	Asks       []OrderbookLevel `json:"asks"`
	UpdateID   uint64           `json:"updateId"`
	ExchangeTS int64            `json:"exchangeTs"`
}

// Kline represents one candlestick. Only confirmed klines become canonical
// events; StartTS + interval milliseconds == EndTS.
type Kline struct {
	Instrument
	Interval  string `json:"interval"`
	TF        string `json:"tf"`
	StartTS   int64  `json:"startTs"`
	EndTS     int64  `json:"endTs"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	Turnover  string `json:"turnover,omitempty"`
	Confirmed bool   `json:"confirmed"`
}

// OIUnit identifies the unit an open-interest value is denominated in.
type OIUnit string

const (
	// OIUnitBase denominates open interest in the base asset.
	OIUnitBase OIUnit = "base"
	// OIUnitContracts denominates open interest in contracts.
	OIUnitContracts OIUnit = "contracts"
)

// OpenInterest conveys one venue open-interest observation.
type OpenInterest struct {
	Instrument
	Value      string `json:"value"`
	Unit       OIUnit `json:"unit"`
	ExchangeTS int64  `json:"exchangeTs"`
}

// FundingRate conveys one venue funding observation.
type FundingRate struct {
	Instrument
	Rate          string `json:"rate"`
	NextFundingTS int64  `json:"nextFundingTs,omitempty"`
	ExchangeTS    int64  `json:"exchangeTs"`
}

// Liquidation represents one forced liquidation print.
type Liquidation struct {
	Instrument
	Side        TradeSide `json:"side"`
	Price       string    `json:"price"`
	Size        string    `json:"size"`
	NotionalUSD string    `json:"notionalUsd,omitempty"`
	ExchangeTS  int64     `json:"exchangeTs"`
}

// RawPayload carries ingress fields exactly as parsed off the wire, before
// canonicalization. Raw mirrors must never contain aggregation fields; the
// journal guard enforces this.
type RawPayload map[string]any

// Clone returns a shallow copy of the raw payload.
func (r RawPayload) Clone() RawPayload {
	if len(r) == 0 {
		return RawPayload{}
	}
	out := make(RawPayload, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
