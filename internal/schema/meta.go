// Package schema defines the canonical event model shared across the
// tidefeed backbone: event meta, market entities, aggregates, and the bus
// topic grammar.
package schema

import "time"

// Source identifies the plane that emitted an event.
type Source string

const (
	// SourceMarket identifies venue ingress (WS parsers, REST pollers).
	SourceMarket Source = "market"
	// SourceStorage identifies the journal plane.
	SourceStorage Source = "storage"
	// SourceRisk identifies the risk plane.
	SourceRisk Source = "risk"
	// SourceStrategy identifies the strategy plane.
	SourceStrategy Source = "strategy"
	// SourceExecution identifies the execution plane.
	SourceExecution Source = "execution"
	// SourcePortfolio identifies the portfolio plane.
	SourcePortfolio Source = "portfolio"
	// SourceAnalytics identifies analytics feature builders.
	SourceAnalytics Source = "analytics"
	// SourceGlobalData identifies cross-venue aggregation.
	SourceGlobalData Source = "global_data"
	// SourceMetrics identifies metric emitters.
	SourceMetrics Source = "metrics"
	// SourceReplay identifies journal replay.
	SourceReplay Source = "replay"
	// SourceState identifies lifecycle state publishers.
	SourceState Source = "state"
	// SourceCLI identifies the operator console.
	SourceCLI Source = "cli"
	// SourceSystem identifies internal system components.
	SourceSystem Source = "system"
)

// Meta is attached to every bus payload. Timestamps are epoch milliseconds.
//
// Derivation invariant: a component reacting to an input event inherits
// CorrelationID and TSEvent unchanged; only Source and TS are refreshed.
type Meta struct {
	Source        Source `json:"source"`
	TS            int64  `json:"ts"`
	TSEvent       int64  `json:"tsEvent,omitempty"`
	TSIngest      int64  `json:"tsIngest,omitempty"`
	TSExchange    int64  `json:"tsExchange,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	StreamID      string `json:"streamId,omitempty"`
	Sequence      uint64 `json:"sequence,omitempty"`
}

// MetaOption mutates a meta under construction.
type MetaOption func(*Meta)

// WithTS overrides the emission timestamp.
func WithTS(ms int64) MetaOption {
	return func(m *Meta) { m.TS = ms }
}

// WithTSEvent sets the logical event time.
func WithTSEvent(ms int64) MetaOption {
	return func(m *Meta) { m.TSEvent = ms }
}

// WithTSIngest sets the local arrival time.
func WithTSIngest(ms int64) MetaOption {
	return func(m *Meta) { m.TSIngest = ms }
}

// WithTSExchange sets the venue-stamped time.
func WithTSExchange(ms int64) MetaOption {
	return func(m *Meta) { m.TSExchange = ms }
}

// WithCorrelationID sets the derivation-chain correlation id.
func WithCorrelationID(id string) MetaOption {
	return func(m *Meta) { m.CorrelationID = id }
}

// WithStreamID sets the originating stream id.
func WithStreamID(id string) MetaOption {
	return func(m *Meta) { m.StreamID = id }
}

// WithSequence sets the stream sequence number.
func WithSequence(seq uint64) MetaOption {
	return func(m *Meta) { m.Sequence = seq }
}

// NewMeta constructs a fresh meta with ts=now unless overridden.
func NewMeta(source Source, opts ...MetaOption) Meta {
	m := Meta{Source: source}
	for _, opt := range opts {
		if opt != nil {
			opt(&m)
		}
	}
	if m.TS == 0 {
		m.TS = time.Now().UnixMilli()
	}
	return m
}

// Inherit derives a meta from a parent. CorrelationID, TSEvent, StreamID and
// the ingress timestamps carry over unchanged; Source is replaced and TS is
// refreshed (unless overridden via options).
func Inherit(parent Meta, source Source, opts ...MetaOption) Meta {
	m := parent
	m.Source = source
	m.TS = 0
	for _, opt := range opts {
		if opt != nil {
			opt(&m)
		}
	}
	if m.TS == 0 {
		m.TS = time.Now().UnixMilli()
	}
	return m
}
