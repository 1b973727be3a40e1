// Package shared provides common utilities for venue adapter implementations.
package shared

import "sync"

// SeqVerdict classifies an order-book delta against the sequencer state.
type SeqVerdict int

const (
	// SeqAccept means the delta continues the sequence and should be emitted.
	SeqAccept SeqVerdict = iota
	// SeqDropStale means the delta replays an already-applied update.
	SeqDropStale
	// SeqGap means the delta skipped ahead; a resync is required.
	SeqGap
	// SeqSnapshotMissing means no snapshot has been applied yet this session.
	SeqSnapshotMissing
)

// BookSequencer tracks per-symbol order-book update ids for one stream and
// classifies each delta. After a gap the sequencer stays unsynced until the
// next snapshot.
type BookSequencer struct {
	mu      sync.Mutex
	lastSeq map[string]uint64
	synced  map[string]bool
}

// NewBookSequencer constructs an empty sequencer.
func NewBookSequencer() *BookSequencer {
	return &BookSequencer{
		lastSeq: make(map[string]uint64),
		synced:  make(map[string]bool),
	}
}

// OnSnapshot records a snapshot update id and marks the symbol synced.
func (s *BookSequencer) OnSnapshot(symbol string, updateID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq[symbol] = updateID
	s.synced[symbol] = true
}

// OnDelta classifies a delta update id. The returned lastSeq is the sequence
// the book held before this delta, for use in resync payloads.
func (s *BookSequencer) OnDelta(symbol string, updateID uint64) (SeqVerdict, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.lastSeq[symbol]
	if !s.synced[symbol] {
		return SeqSnapshotMissing, last
	}
	if updateID <= last {
		return SeqDropStale, last
	}
	if updateID > last+1 {
		s.synced[symbol] = false
		return SeqGap, last
	}
	s.lastSeq[symbol] = updateID
	return SeqAccept, last
}

// LastSeq returns the most recent accepted update id for the symbol.
func (s *BookSequencer) LastSeq(symbol string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq[symbol]
}

// Reset clears all sequencing state, typically on disconnect.
func (s *BookSequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq = make(map[string]uint64)
	s.synced = make(map[string]bool)
}

// ResetSymbol clears sequencing state for one symbol, typically after a
// targeted resync.
func (s *BookSequencer) ResetSymbol(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastSeq, symbol)
	delete(s.synced, symbol)
}
