package shared

import (
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidefeed/internal/schema"
)

// OrderBookAssembler maintains an in-memory order book by combining snapshots
// with streaming deltas. Quantities of zero (or empty strings) delete a level.
type OrderBookAssembler struct {
	mu          sync.Mutex
	depth       int
	initialized bool
	bids        map[string]decimal.Decimal
	asks        map[string]decimal.Decimal
	lastSeq     uint64
}

// NewOrderBookAssembler constructs an assembler limited to depth price levels
// per side (<=0 keeps full depth).
func NewOrderBookAssembler(depth int) *OrderBookAssembler {
	return &OrderBookAssembler{
		depth: depth,
		bids:  make(map[string]decimal.Decimal),
		asks:  make(map[string]decimal.Decimal),
	}
}

// HasSnapshot reports whether the assembler has applied an initial snapshot.
func (a *OrderBookAssembler) HasSnapshot() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialized
}

// ApplySnapshot resets the book state from a full snapshot.
func (a *OrderBookAssembler) ApplySnapshot(updateID uint64, bids, asks []schema.OrderbookLevel) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.resetLocked()
	if err := replaceSide(a.bids, bids); err != nil {
		return err
	}
	if err := replaceSide(a.asks, asks); err != nil {
		return err
	}
	a.initialized = true
	a.lastSeq = updateID
	return nil
}

// ApplyDelta applies an incremental update. Deltas arriving before any
// snapshot are ignored; sequencing is the caller's responsibility.
func (a *OrderBookAssembler) ApplyDelta(updateID uint64, bids, asks []schema.OrderbookLevel) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return false, nil
	}
	if err := updateSide(a.bids, bids); err != nil {
		return false, err
	}
	if err := updateSide(a.asks, asks); err != nil {
		return false, err
	}
	a.lastSeq = updateID
	return true, nil
}

// TopOfBook returns the best bid and ask. ok is false until both sides have
// at least one level.
func (a *OrderBookAssembler) TopOfBook() (bestBid, bestAsk decimal.Decimal, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized || len(a.bids) == 0 || len(a.asks) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	for key := range a.bids {
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		if bestBid.IsZero() || price.GreaterThan(bestBid) {
			bestBid = price
		}
	}
	for key := range a.asks {
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		if bestAsk.IsZero() || price.LessThan(bestAsk) {
			bestAsk = price
		}
	}
	if bestBid.IsZero() || bestAsk.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}
	return bestBid, bestAsk, true
}

// DepthTotals sums quantities across up to levels price levels per side
// (<=0 sums everything currently held).
func (a *OrderBookAssembler) DepthTotals(levels int) (bidDepth, askDepth decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bidDepth = sumSide(a.bids, levels, true)
	askDepth = sumSide(a.asks, levels, false)
	return bidDepth, askDepth
}

// Snapshot renders the current book as sorted levels, bids descending and
// asks ascending, truncated to the assembler depth.
func (a *OrderBookAssembler) Snapshot() (bids, asks []schema.OrderbookLevel) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return buildSide(a.bids, a.depth, true), buildSide(a.asks, a.depth, false)
}

// LastSeq returns the update id of the last applied snapshot or delta.
func (a *OrderBookAssembler) LastSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeq
}

// Reset discards all book state.
func (a *OrderBookAssembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *OrderBookAssembler) resetLocked() {
	for price := range a.bids {
		delete(a.bids, price)
	}
	for price := range a.asks {
		delete(a.asks, price)
	}
	a.initialized = false
	a.lastSeq = 0
}

func replaceSide(target map[string]decimal.Decimal, levels []schema.OrderbookLevel) error {
	for price := range target {
		delete(target, price)
	}
	return updateSide(target, levels)
}

func updateSide(target map[string]decimal.Decimal, levels []schema.OrderbookLevel) error {
	for _, level := range levels {
		priceKey := strings.TrimSpace(level.Price)
		if priceKey == "" {
			continue
		}
		sizeStr := strings.TrimSpace(level.Size)
		if sizeStr == "" {
			delete(target, priceKey)
			continue
		}
		size, err := decimal.NewFromString(sizeStr)
		if err != nil {
			return err
		}
		if size.Sign() <= 0 {
			delete(target, priceKey)
			continue
		}
		target[priceKey] = size
	}
	return nil
}

type bookLevel struct {
	price decimal.Decimal
	size  decimal.Decimal
	key   string
}

func sortedLevels(source map[string]decimal.Decimal, isBid bool) []bookLevel {
	levels := make([]bookLevel, 0, len(source))
	for key, size := range source {
		price, err := decimal.NewFromString(key)
		if err != nil || size.Sign() <= 0 {
			continue
		}
		levels = append(levels, bookLevel{price: price, size: size, key: key})
	}
	sort.Slice(levels, func(i, j int) bool {
		cmp := levels[i].price.Cmp(levels[j].price)
		if cmp == 0 {
			return levels[i].key < levels[j].key
		}
		if isBid {
			return cmp > 0
		}
		return cmp < 0
	})
	return levels
}

func buildSide(source map[string]decimal.Decimal, depth int, isBid bool) []schema.OrderbookLevel {
	levels := sortedLevels(source, isBid)
	if len(levels) == 0 {
		return nil
	}
	limit := len(levels)
	if depth > 0 && limit > depth {
		limit = depth
	}
	out := make([]schema.OrderbookLevel, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, schema.OrderbookLevel{
			Price: levels[i].price.String(),
			Size:  levels[i].size.String(),
		})
	}
	return out
}

func sumSide(source map[string]decimal.Decimal, levels int, isBid bool) decimal.Decimal {
	sorted := sortedLevels(source, isBid)
	limit := len(sorted)
	if levels > 0 && limit > levels {
		limit = levels
	}
	total := decimal.Zero
	for i := 0; i < limit; i++ {
		total = total.Add(sorted[i].size)
	}
	return total
}
