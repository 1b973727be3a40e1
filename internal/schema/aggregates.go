package schema

// Aggregate carries the fields common to every cross-venue aggregate event.
// TS is always the bucket-end (or evaluation) timestamp derived from payload
// time; aggregators never stamp wall-clock here.
type Aggregate struct {
	Symbol           string             `json:"symbol"`
	Value            string             `json:"value"`
	SourcesUsed      []string           `json:"sourcesUsed"`
	WeightsUsed      map[string]float64 `json:"weightsUsed"`
	ConfidenceScore  float64            `json:"confidenceScore"`
	MismatchDetected bool               `json:"mismatchDetected"`
	TS               int64              `json:"ts"`
}

// OIAggregate is the cross-venue weighted open-interest sum.
type OIAggregate struct {
	Aggregate
	Unit OIUnit `json:"unit"`
}

// FundingAggregate is the cross-venue weighted funding rate.
type FundingAggregate struct {
	Aggregate
}

// CVDAggregate is a bucketed cumulative-volume-delta aggregate for one
// market class (spot or futures).
type CVDAggregate struct {
	Aggregate
	MarketType    MarketType `json:"marketType"`
	BucketMs      int64      `json:"bucketMs"`
	BuyVolume     string     `json:"buyVolume"`
	SellVolume    string     `json:"sellVolume"`
	CumulativeCVD string     `json:"cumulativeCvd"`
}

// LiquidationAggregate is a bucketed liquidation-notional aggregate.
type LiquidationAggregate struct {
	Aggregate
	BucketMs      int64  `json:"bucketMs"`
	LongNotional  string `json:"longNotional"`
	ShortNotional string `json:"shortNotional"`
	Count         int    `json:"count"`
}

// LiquidityAggregate is a bucketed L2 depth/spread aggregate.
type LiquidityAggregate struct {
	Aggregate
	BucketMs  int64  `json:"bucketMs"`
	BidDepth  string `json:"bidDepth"`
	AskDepth  string `json:"askDepth"`
	MidPrice  string `json:"midPrice"`
	SpreadBps string `json:"spreadBps"`
}

// PriceIndex is the cross-venue weighted reference price.
type PriceIndex struct {
	Aggregate
}

// CanonicalPrice is the bot-wide canonical price derived from the index with
// staleness and dispersion filtering applied.
type CanonicalPrice struct {
	Aggregate
	RefSource string `json:"refSource,omitempty"`
}

// VolumeAggregate is the cross-venue traded-volume sum.
type VolumeAggregate struct {
	Aggregate
	MarketType MarketType `json:"marketType"`
}
