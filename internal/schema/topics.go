package schema

import (
	"strconv"
	"strings"

	"github.com/coachpo/tidefeed/errs"
)

// Topic names a bus channel.
type Topic string

// Market plane topics.
const (
	TopicMarketConnect                 Topic = "market:connect"
	TopicMarketDisconnect              Topic = "market:disconnect"
	TopicMarketSubscribe               Topic = "market:subscribe"
	TopicMarketConnected               Topic = "market:connected"
	TopicMarketDisconnected            Topic = "market:disconnected"
	TopicMarketError                   Topic = "market:error"
	TopicMarketResyncRequested         Topic = "market:resync_requested"
	TopicMarketTicker                  Topic = "market:ticker"
	TopicMarketTrade                   Topic = "market:trade"
	TopicMarketOrderbookL2Snapshot     Topic = "market:orderbook_l2_snapshot"
	TopicMarketOrderbookL2Delta        Topic = "market:orderbook_l2_delta"
	TopicMarketKline                   Topic = "market:kline"
	TopicMarketLiquidation             Topic = "market:liquidation"
	TopicMarketOpenInterest            Topic = "market:open_interest"
	TopicMarketFundingRate             Topic = "market:funding_rate"
	TopicMarketKlineBootstrapRequested Topic = "market:kline_bootstrap_requested"
	TopicMarketKlineBootstrapCompleted Topic = "market:kline_bootstrap_completed"
	TopicMarketKlineBootstrapFailed    Topic = "market:kline_bootstrap_failed"
)

// Data quality plane topics.
const (
	TopicDataSourceDegraded  Topic = "data:sourceDegraded"
	TopicDataSourceRecovered Topic = "data:sourceRecovered"
	TopicDataMismatch        Topic = "data:mismatch"
	TopicDataGapDetected     Topic = "data:gapDetected"
	TopicDataDuplicate       Topic = "data:duplicateDetected"
	TopicDataOutOfOrder      Topic = "data:time_out_of_order"
	TopicDataSequenceAnomaly Topic = "data:sequence_gap_or_out_of_order"
	TopicDataLatencySpike    Topic = "data:latencySpike"
)

// Aggregate plane topics.
const (
	TopicDataOIAgg          Topic = "data:oi_agg"
	TopicDataFundingAgg     Topic = "data:funding_agg"
	TopicDataCVDSpotAgg     Topic = "data:cvd_spot_agg"
	TopicDataCVDFuturesAgg  Topic = "data:cvd_futures_agg"
	TopicDataLiquidationAgg Topic = "data:liquidation_agg"
	TopicDataLiquidityAgg   Topic = "data:liquidity_agg"
	TopicDataPriceIndex     Topic = "data:price_index"
	TopicDataPriceCanonical Topic = "data:price_canonical"
	TopicDataVolumeAgg      Topic = "data:volume_agg"
)

// Control, storage, and system topics.
const (
	TopicControlState           Topic = "control:state"
	TopicControlCommand         Topic = "control:command"
	TopicStorageWriteFailed     Topic = "storage:writeFailed"
	TopicSystemMarketDataStatus Topic = "system:market_data_status"
)

// Raw returns the raw-mirror topic for a canonical market topic
// (market:ticker -> market:ticker_raw).
func (t Topic) Raw() Topic {
	return t + "_raw"
}

// IsRaw reports whether the topic is a raw-adapter mirror.
func (t Topic) IsRaw() bool {
	return strings.HasSuffix(string(t), "_raw")
}

// Plane returns the topic prefix before the first colon (market, data,
// control, storage, system).
func (t Topic) Plane() string {
	s := string(t)
	if idx := strings.IndexByte(s, ':'); idx > 0 {
		return s[:idx]
	}
	return s
}

// SubscriptionKind enumerates the exchange subscription channel families.
type SubscriptionKind string

const (
	// SubscriptionTicker maps tickers.{sym}.
	SubscriptionTicker SubscriptionKind = "ticker"
	// SubscriptionTrades maps publicTrade.{sym} and trades.{sym}.
	SubscriptionTrades SubscriptionKind = "trades"
	// SubscriptionOrderbook maps orderbook.{depth}.{sym}.
	SubscriptionOrderbook SubscriptionKind = "orderbook"
	// SubscriptionKline maps kline.{interval}.{sym}.
	SubscriptionKline SubscriptionKind = "kline"
	// SubscriptionLiquidations maps liquidations.{sym}.
	SubscriptionLiquidations SubscriptionKind = "liquidations"
	// SubscriptionOpenInterest maps oi.{sym} (poller only).
	SubscriptionOpenInterest SubscriptionKind = "oi"
	// SubscriptionFunding maps funding.{sym} (poller only).
	SubscriptionFunding SubscriptionKind = "funding"
)

// Subscription is the decomposed form of an exchange subscription topic
// string such as "orderbook.50.BTCUSDT".
type Subscription struct {
	Kind     SubscriptionKind
	Symbol   string
	Depth    int
	Interval string
}

// ParseSubscription decomposes a subscription topic string. Unknown prefixes
// and malformed segments yield an invalid_request error.
func ParseSubscription(topic string) (Subscription, error) {
	parts := strings.Split(strings.TrimSpace(topic), ".")
	if len(parts) < 2 {
		return Subscription{}, errs.New("schema", errs.CodeInvalid, errs.WithMessage("subscription topic requires at least prefix.symbol: "+topic))
	}
	symbol := strings.ToUpper(strings.TrimSpace(parts[len(parts)-1]))
	if symbol == "" {
		return Subscription{}, errs.New("schema", errs.CodeInvalid, errs.WithMessage("subscription topic missing symbol: "+topic))
	}
	switch parts[0] {
	case "tickers":
		return Subscription{Kind: SubscriptionTicker, Symbol: symbol}, nil
	case "publicTrade", "trades":
		return Subscription{Kind: SubscriptionTrades, Symbol: symbol}, nil
	case "orderbook":
		if len(parts) != 3 {
			return Subscription{}, errs.New("schema", errs.CodeInvalid, errs.WithMessage("orderbook topic requires orderbook.{depth}.{symbol}: "+topic))
		}
		depth, err := strconv.Atoi(parts[1])
		if err != nil || depth <= 0 {
			return Subscription{}, errs.New("schema", errs.CodeInvalid, errs.WithMessage("orderbook depth must be a positive integer: "+topic))
		}
		return Subscription{Kind: SubscriptionOrderbook, Symbol: symbol, Depth: depth}, nil
	case "kline":
		if len(parts) != 3 || strings.TrimSpace(parts[1]) == "" {
			return Subscription{}, errs.New("schema", errs.CodeInvalid, errs.WithMessage("kline topic requires kline.{interval}.{symbol}: "+topic))
		}
		return Subscription{Kind: SubscriptionKline, Symbol: symbol, Interval: parts[1]}, nil
	case "liquidations":
		return Subscription{Kind: SubscriptionLiquidations, Symbol: symbol}, nil
	case "oi":
		return Subscription{Kind: SubscriptionOpenInterest, Symbol: symbol}, nil
	case "funding":
		return Subscription{Kind: SubscriptionFunding, Symbol: symbol}, nil
	default:
		return Subscription{}, errs.New("schema", errs.CodeInvalid, errs.WithMessage("unknown subscription prefix: "+topic))
	}
}

// String reassembles the canonical topic string for the subscription.
func (s Subscription) String() string {
	switch s.Kind {
	case SubscriptionTicker:
		return "tickers." + s.Symbol
	case SubscriptionTrades:
		return "publicTrade." + s.Symbol
	case SubscriptionOrderbook:
		return "orderbook." + strconv.Itoa(s.Depth) + "." + s.Symbol
	case SubscriptionKline:
		return "kline." + s.Interval + "." + s.Symbol
	case SubscriptionLiquidations:
		return "liquidations." + s.Symbol
	case SubscriptionOpenInterest:
		return "oi." + s.Symbol
	case SubscriptionFunding:
		return "funding." + s.Symbol
	default:
		return ""
	}
}
