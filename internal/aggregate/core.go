package aggregate

import (
	"math"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

type sample struct {
	value decimal.Decimal
	ts    int64
}

// tableResult is one aggregation pass over the fresh sources of a key.
type tableResult struct {
	value      decimal.Decimal
	sources    []string
	weights    map[string]float64
	decimals   map[string]decimal.Decimal
	values     map[string]float64
	confidence float64
	spread     float64
	threshold  float64
	mismatch   bool
	// reportMismatch is set at most once per mismatch window.
	reportMismatch bool
}

// table aggregates one level-class signal across sources: per-key samples,
// TTL eviction against the triggering event's clock, normalized weighted
// mean, fresh-fraction confidence, and windowed mismatch detection.
// A threshold <= 0 disables mismatch detection for the class.
type table struct {
	ttlMs     int64
	windowMs  int64
	threshold float64
	absolute  bool
	weights   map[string]float64

	mu         sync.Mutex
	entries    map[string]map[string]sample
	known      map[string]map[string]struct{}
	mismatchAt map[string]int64
}

func newTable(ttlMs, windowMs int64, threshold float64, absolute bool, weights map[string]float64) *table {
	return &table{
		ttlMs:      ttlMs,
		windowMs:   windowMs,
		threshold:  threshold,
		absolute:   absolute,
		weights:    weights,
		entries:    make(map[string]map[string]sample),
		known:      make(map[string]map[string]struct{}),
		mismatchAt: make(map[string]int64),
	}
}

func (t *table) update(key, source string, value decimal.Decimal, ts int64) tableResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, ok := t.entries[key]
	if !ok {
		entries = make(map[string]sample)
		t.entries[key] = entries
	}
	known, ok := t.known[key]
	if !ok {
		known = make(map[string]struct{})
		t.known[key] = known
	}
	entries[source] = sample{value: value, ts: ts}
	known[source] = struct{}{}

	for src, s := range entries {
		if ts-s.ts > t.ttlMs {
			delete(entries, src)
		}
	}

	sources := make([]string, 0, len(entries))
	for src := range entries {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	weights := make(map[string]float64, len(sources))
	var total float64
	for _, src := range sources {
		w := 1.0
		if t.weights != nil {
			if cw, present := t.weights[src]; present {
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

	sum := decimal.Zero
	decimals := make(map[string]decimal.Decimal, len(sources))
	values := make(map[string]float64, len(sources))
	for _, src := range sources {
		s := entries[src]
		sum = sum.Add(s.value.Mul(decimal.NewFromFloat(weights[src])))
		decimals[src] = s.value
		values[src] = s.value.InexactFloat64()
	}

	spread := spreadOf(values, t.absolute)
	mismatch := t.threshold > 0 && len(values) >= 2 && spread > t.threshold
	confidence := 0.0
	if len(known) > 0 {
		confidence = float64(len(sources)) / float64(len(known))
	}
	if mismatch {
		confidence *= 0.5
	}

	report := false
	if mismatch && ts-t.mismatchAt[key] >= t.windowMs {
		t.mismatchAt[key] = ts
		report = true
	}

	return tableResult{
		value:          sum,
		sources:        sources,
		weights:        weights,
		decimals:       decimals,
		values:         values,
		confidence:     confidence,
		spread:         spread,
		threshold:      t.threshold,
		mismatch:       mismatch,
		reportMismatch: report,
	}
}

// spreadOf measures the dispersion of contributing values: max-min for
// absolute classes (funding rates straddle zero), (max-min)/|mid| otherwise.
func spreadOf(values map[string]float64, absolute bool) float64 {
	if len(values) < 2 {
		return 0
	}
	first := true
	var lo, hi float64
	for _, v := range values {
		if first {
			lo, hi = v, v
			first = false
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if absolute {
		return hi - lo
	}
	mid := (hi + lo) / 2
	if mid == 0 {
		return 0
	}
	return (hi - lo) / math.Abs(mid)
}

// medianSource picks the source holding the median fresh value; ties break
// on the lower source id. Used by the canonical price fallback under
// mismatch.
func medianSource(decimals map[string]decimal.Decimal) (string, decimal.Decimal) {
	type pair struct {
		src   string
		value decimal.Decimal
	}
	list := make([]pair, 0, len(decimals))
	for src, v := range decimals {
		list = append(list, pair{src: src, value: v})
	}
	sort.Slice(list, func(i, j int) bool {
		cmp := list[i].value.Cmp(list[j].value)
		if cmp == 0 {
			return list[i].src < list[j].src
		}
		return cmp < 0
	})
	m := list[(len(list)-1)/2]
	return m.src, m.value
}
