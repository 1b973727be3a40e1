package aggregate

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidefeed/internal/schema"
)

// Bucketed aggregators close a bucket when an input crosses the boundary and
// stamp the aggregate with the bucket end, never wall clock. Inputs older
// than the open bucket are dropped; the journal detectors already flagged
// the disorder upstream.

func bucketStart(ts, bucketMs int64) int64 {
	return ts - ts%bucketMs
}

// flowWeights applies configured per-source weights without normalizing:
// flow quantities (volume deltas, notionals) aggregate as sums, so the
// default weight is 1 per source.
func flowWeights(sources []string, configured map[string]float64) map[string]float64 {
	weights := make(map[string]float64, len(sources))
	for _, src := range sources {
		w := 1.0
		if configured != nil {
			if cw, present := configured[src]; present {
				w = cw
			}
		}
		weights[src] = w
	}
	return weights
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type cvdAccum struct {
	buy  decimal.Decimal
	sell decimal.Decimal
}

type cvdBucket struct {
	start     int64
	perSource map[string]*cvdAccum
}

// cvdAggregator buckets signed trade flow per (symbol, market class) and
// keeps the running cumulative delta across buckets.
type cvdAggregator struct {
	bucketMs int64
	weights  map[string]float64

	mu      sync.Mutex
	buckets map[string]*cvdBucket
	known   map[string]map[string]struct{}
	cum     map[string]decimal.Decimal
}

func newCVDAggregator(bucketMs int64, weights map[string]float64) *cvdAggregator {
	return &cvdAggregator{
		bucketMs: bucketMs,
		weights:  weights,
		buckets:  make(map[string]*cvdBucket),
		known:    make(map[string]map[string]struct{}),
		cum:      make(map[string]decimal.Decimal),
	}
}

// add accumulates one trade and returns the closed bucket's aggregate when
// the trade's timestamp rolls the bucket over.
func (c *cvdAggregator) add(key, symbol, source string, side schema.TradeSide, size decimal.Decimal, ts int64) (schema.CVDAggregate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := bucketStart(ts, c.bucketMs)
	known, ok := c.known[key]
	if !ok {
		known = make(map[string]struct{})
		c.known[key] = known
	}
	known[source] = struct{}{}

	bucket, ok := c.buckets[key]
	if !ok {
		bucket = &cvdBucket{start: start, perSource: make(map[string]*cvdAccum)}
		c.buckets[key] = bucket
	}
	if start < bucket.start {
		return schema.CVDAggregate{}, false
	}

	var out schema.CVDAggregate
	closed := false
	if start > bucket.start {
		out = c.closeLocked(key, symbol, bucket)
		closed = true
		bucket.start = start
		bucket.perSource = make(map[string]*cvdAccum)
	}

	accum, ok := bucket.perSource[source]
	if !ok {
		accum = &cvdAccum{}
		bucket.perSource[source] = accum
	}
	if side == schema.TradeSideSell {
		accum.sell = accum.sell.Add(size)
	} else {
		accum.buy = accum.buy.Add(size)
	}
	return out, closed
}

func (c *cvdAggregator) closeLocked(key, symbol string, bucket *cvdBucket) schema.CVDAggregate {
	sources := sortedKeys(bucket.perSource)
	weights := flowWeights(sources, c.weights)

	buy, sell := decimal.Zero, decimal.Zero
	for _, src := range sources {
		w := decimal.NewFromFloat(weights[src])
		buy = buy.Add(bucket.perSource[src].buy.Mul(w))
		sell = sell.Add(bucket.perSource[src].sell.Mul(w))
	}
	delta := buy.Sub(sell)
	c.cum[key] = c.cum[key].Add(delta)

	confidence := float64(len(sources)) / float64(len(c.known[key]))
	return schema.CVDAggregate{
		Aggregate: schema.Aggregate{
			Symbol:          symbol,
			Value:           delta.String(),
			SourcesUsed:     sources,
			WeightsUsed:     weights,
			ConfidenceScore: confidence,
			TS:              bucket.start + c.bucketMs,
		},
		BucketMs:      c.bucketMs,
		BuyVolume:     buy.String(),
		SellVolume:    sell.String(),
		CumulativeCVD: c.cum[key].String(),
	}
}

type liqAccum struct {
	long  decimal.Decimal
	short decimal.Decimal
	count int
}

type liqBucket struct {
	start     int64
	perSource map[string]*liqAccum
}

// liquidationAggregator buckets liquidation notional per symbol. A Sell
// print is a liquidated long, a Buy print a liquidated short.
type liquidationAggregator struct {
	bucketMs int64
	weights  map[string]float64

	mu      sync.Mutex
	buckets map[string]*liqBucket
	known   map[string]map[string]struct{}
}

func newLiquidationAggregator(bucketMs int64, weights map[string]float64) *liquidationAggregator {
	return &liquidationAggregator{
		bucketMs: bucketMs,
		weights:  weights,
		buckets:  make(map[string]*liqBucket),
		known:    make(map[string]map[string]struct{}),
	}
}

func (l *liquidationAggregator) add(symbol, source string, side schema.TradeSide, notional decimal.Decimal, ts int64) (schema.LiquidationAggregate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := bucketStart(ts, l.bucketMs)
	known, ok := l.known[symbol]
	if !ok {
		known = make(map[string]struct{})
		l.known[symbol] = known
	}
	known[source] = struct{}{}

	bucket, ok := l.buckets[symbol]
	if !ok {
		bucket = &liqBucket{start: start, perSource: make(map[string]*liqAccum)}
		l.buckets[symbol] = bucket
	}
	if start < bucket.start {
		return schema.LiquidationAggregate{}, false
	}

	var out schema.LiquidationAggregate
	closed := false
	if start > bucket.start {
		out = l.closeLocked(symbol, bucket)
		closed = true
		bucket.start = start
		bucket.perSource = make(map[string]*liqAccum)
	}

	accum, ok := bucket.perSource[source]
	if !ok {
		accum = &liqAccum{}
		bucket.perSource[source] = accum
	}
	if side == schema.TradeSideSell {
		accum.long = accum.long.Add(notional)
	} else {
		accum.short = accum.short.Add(notional)
	}
	accum.count++
	return out, closed
}

func (l *liquidationAggregator) closeLocked(symbol string, bucket *liqBucket) schema.LiquidationAggregate {
	sources := sortedKeys(bucket.perSource)
	weights := flowWeights(sources, l.weights)

	long, short := decimal.Zero, decimal.Zero
	count := 0
	for _, src := range sources {
		w := decimal.NewFromFloat(weights[src])
		long = long.Add(bucket.perSource[src].long.Mul(w))
		short = short.Add(bucket.perSource[src].short.Mul(w))
		count += bucket.perSource[src].count
	}

	confidence := float64(len(sources)) / float64(len(l.known[symbol]))
	return schema.LiquidationAggregate{
		Aggregate: schema.Aggregate{
			Symbol:          symbol,
			Value:           long.Add(short).String(),
			SourcesUsed:     sources,
			WeightsUsed:     weights,
			ConfidenceScore: confidence,
			TS:              bucket.start + l.bucketMs,
		},
		BucketMs:      l.bucketMs,
		LongNotional:  long.String(),
		ShortNotional: short.String(),
		Count:         count,
	}
}

// liquidityMeasure is one book observation: top-level depth sums, mid price
// and spread in basis points.
type liquidityMeasure struct {
	bidDepth  decimal.Decimal
	askDepth  decimal.Decimal
	mid       decimal.Decimal
	spreadBps decimal.Decimal
}

type liquidityBucket struct {
	start     int64
	perSource map[string]liquidityMeasure
}

// liquidityAggregator buckets the last book measure per source and symbol.
// Depth totals add across venues; mid and spread aggregate as a normalized
// weighted mean, with mismatch detection over the mids.
type liquidityAggregator struct {
	bucketMs  int64
	windowMs  int64
	threshold float64
	weights   map[string]float64

	mu         sync.Mutex
	buckets    map[string]*liquidityBucket
	known      map[string]map[string]struct{}
	mismatchAt map[string]int64
}

func newLiquidityAggregator(bucketMs, windowMs int64, threshold float64, weights map[string]float64) *liquidityAggregator {
	return &liquidityAggregator{
		bucketMs:   bucketMs,
		windowMs:   windowMs,
		threshold:  threshold,
		weights:    weights,
		buckets:    make(map[string]*liquidityBucket),
		known:      make(map[string]map[string]struct{}),
		mismatchAt: make(map[string]int64),
	}
}

func (l *liquidityAggregator) observe(symbol, source string, m liquidityMeasure, ts int64) (schema.LiquidityAggregate, *schema.Mismatch, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := bucketStart(ts, l.bucketMs)
	known, ok := l.known[symbol]
	if !ok {
		known = make(map[string]struct{})
		l.known[symbol] = known
	}
	known[source] = struct{}{}

	bucket, ok := l.buckets[symbol]
	if !ok {
		bucket = &liquidityBucket{start: start, perSource: make(map[string]liquidityMeasure)}
		l.buckets[symbol] = bucket
	}
	if start < bucket.start {
		return schema.LiquidityAggregate{}, nil, false
	}

	var out schema.LiquidityAggregate
	var mismatch *schema.Mismatch
	closed := false
	if start > bucket.start {
		out, mismatch = l.closeLocked(symbol, bucket)
		closed = true
		bucket.start = start
		bucket.perSource = make(map[string]liquidityMeasure)
	}

	bucket.perSource[source] = m
	return out, mismatch, closed
}

func (l *liquidityAggregator) closeLocked(symbol string, bucket *liquidityBucket) (schema.LiquidityAggregate, *schema.Mismatch) {
	sources := sortedKeys(bucket.perSource)

	weights := make(map[string]float64, len(sources))
	var total float64
	for _, src := range sources {
		w := 1.0
		if l.weights != nil {
			if cw, present := l.weights[src]; present {
				w = cw
			}
		}
		weights[src] = w
		total += w
	}
	if total > 0 {
		for src := range weights {
			weights[src] /= total
		}
	}

	bidDepth, askDepth := decimal.Zero, decimal.Zero
	mid, spreadBps := decimal.Zero, decimal.Zero
	mids := make(map[string]float64, len(sources))
	for _, src := range sources {
		m := bucket.perSource[src]
		w := decimal.NewFromFloat(weights[src])
		bidDepth = bidDepth.Add(m.bidDepth)
		askDepth = askDepth.Add(m.askDepth)
		mid = mid.Add(m.mid.Mul(w))
		spreadBps = spreadBps.Add(m.spreadBps.Mul(w))
		mids[src] = m.mid.InexactFloat64()
	}

	spread := spreadOf(mids, false)
	mismatched := l.threshold > 0 && len(mids) >= 2 && spread > l.threshold
	confidence := float64(len(sources)) / float64(len(l.known[symbol]))
	if mismatched {
		confidence *= 0.5
	}

	bucketEnd := bucket.start + l.bucketMs
	agg := schema.LiquidityAggregate{
		Aggregate: schema.Aggregate{
			Symbol:           symbol,
			Value:            mid.String(),
			SourcesUsed:      sources,
			WeightsUsed:      weights,
			ConfidenceScore:  confidence,
			MismatchDetected: mismatched,
			TS:               bucketEnd,
		},
		BucketMs:  l.bucketMs,
		BidDepth:  bidDepth.String(),
		AskDepth:  askDepth.String(),
		MidPrice:  mid.String(),
		SpreadBps: spreadBps.String(),
	}

	var report *schema.Mismatch
	if mismatched && bucketEnd-l.mismatchAt[symbol] >= l.windowMs {
		l.mismatchAt[symbol] = bucketEnd
		report = &schema.Mismatch{
			Topic:     schema.TopicDataLiquidityAgg,
			Symbol:    symbol,
			Spread:    spread,
			Threshold: l.threshold,
			Values:    mids,
			TS:        bucketEnd,
		}
	}
	return agg, report
}
