package schema

// ReadinessStatus enumerates the market-data readiness ladder.
type ReadinessStatus string

const (
	// StatusNoData means no block has received a fresh event yet.
	StatusNoData ReadinessStatus = "NO_DATA"
	// StatusWarming means the warming or stability window is not satisfied.
	StatusWarming ReadinessStatus = "WARMING"
	// StatusDegraded means at least one degradation reason is present.
	StatusDegraded ReadinessStatus = "DEGRADED"
	// StatusReady means all expected blocks are fresh and confident.
	StatusReady ReadinessStatus = "READY"
)

// Rank orders the ladder for worst-of comparisons (lower is worse).
func (s ReadinessStatus) Rank() int {
	switch s {
	case StatusNoData:
		return 0
	case StatusWarming:
		return 1
	case StatusDegraded:
		return 2
	case StatusReady:
		return 3
	default:
		return 0
	}
}

// DegradedReason enumerates the readiness degradation taxonomy.
type DegradedReason string

const (
	// ReasonExpectedSourceMissing flags a configured source with no data.
	ReasonExpectedSourceMissing DegradedReason = "EXPECTED_SOURCE_MISSING"
	// ReasonConfidenceLow flags aggregate confidence below threshold.
	ReasonConfidenceLow DegradedReason = "CONFIDENCE_LOW"
	// ReasonPriceStale flags a stale price block.
	ReasonPriceStale DegradedReason = "PRICE_STALE"
	// ReasonNoValidRefPrice flags the absence of a usable reference price.
	ReasonNoValidRefPrice DegradedReason = "NO_VALID_REF_PRICE"
	// ReasonGapsDetected flags feed gaps reported by the journal detectors.
	ReasonGapsDetected DegradedReason = "GAPS_DETECTED"
	// ReasonLagHigh flags ingest lag EWMA above threshold.
	ReasonLagHigh DegradedReason = "LAG_HIGH"
	// ReasonDerivativesStale flags stale OI/funding blocks.
	ReasonDerivativesStale DegradedReason = "DERIVATIVES_STALE"
)

// MismatchReason builds the MISMATCH_<TOPIC> reason for an aggregate topic
// (data:price_index -> MISMATCH_PRICE_INDEX).
func MismatchReason(topic Topic) DegradedReason {
	s := string(topic)
	if idx := len(topic.Plane()) + 1; idx < len(s) {
		s = s[idx:]
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return DegradedReason("MISMATCH_" + string(out))
}

// ReadinessBlock enumerates the readiness data blocks.
type ReadinessBlock string

const (
	// BlockPrice gates on ticker/index price freshness.
	BlockPrice ReadinessBlock = "price"
	// BlockFlow gates on trade/CVD freshness.
	BlockFlow ReadinessBlock = "flow"
	// BlockLiquidity gates on orderbook/liquidity freshness.
	BlockLiquidity ReadinessBlock = "liquidity"
	// BlockDerivatives gates on OI/funding freshness.
	BlockDerivatives ReadinessBlock = "derivatives"
)

// MarketDataStatus is the composite readiness signal gating trading.
type MarketDataStatus struct {
	Symbol             string           `json:"symbol"`
	MarketType         MarketType       `json:"marketType"`
	Status             ReadinessStatus  `json:"status"`
	WarmingUp          bool             `json:"warmingUp"`
	Degraded           bool             `json:"degraded"`
	DegradedReasons    []DegradedReason `json:"degradedReasons"`
	Warnings           []string         `json:"warnings"`
	OverallConfidence  float64          `json:"overallConfidence"`
	WorstStatusInMinute ReadinessStatus `json:"worstStatusInMinute"`
	TS                 int64            `json:"ts"`
}
