package schema

import "fmt"

// QualityKey renders the canonical source key used by degradation events and
// operator surfaces. The two must never drift apart.
func QualityKey(topic Topic, symbol, sourceID string) string {
	return fmt.Sprintf("%s:%s:%s", topic, symbol, sourceID)
}

// SourceDegraded flags a source whose data stopped arriving in time.
type SourceDegraded struct {
	Key           string `json:"key"`
	Topic         Topic  `json:"topic"`
	Symbol        string `json:"symbol"`
	SourceID      string `json:"sourceId"`
	Reason        string `json:"reason"`
	LastSuccessTS int64  `json:"lastSuccessTs"`
}

// SourceRecovered flags a degraded source that produced fresh data again.
type SourceRecovered struct {
	Key         string `json:"key"`
	Topic       Topic  `json:"topic"`
	Symbol      string `json:"symbol"`
	SourceID    string `json:"sourceId"`
	RecoveredTS int64  `json:"recoveredTs"`
}

// Mismatch flags cross-source value dispersion above the topic threshold.
type Mismatch struct {
	Topic     Topic              `json:"topic"`
	Symbol    string             `json:"symbol"`
	Spread    float64            `json:"spread"`
	Threshold float64            `json:"threshold"`
	Values    map[string]float64 `json:"values"`
	TS        int64              `json:"ts"`
}

// GapDetected flags an inter-arrival gap above the topic threshold.
type GapDetected struct {
	Topic       Topic  `json:"topic"`
	Symbol      string `json:"symbol"`
	PrevTS      int64  `json:"prevTs"`
	CurrTS      int64  `json:"currTs"`
	GapMs       int64  `json:"gapMs"`
	ThresholdMs int64  `json:"thresholdMs"`
}

// TimeOutOfOrder flags a regressing event/exchange timestamp.
type TimeOutOfOrder struct {
	Topic  Topic  `json:"topic"`
	Symbol string `json:"symbol"`
	PrevTS int64  `json:"prevTs"`
	CurrTS int64  `json:"currTs"`
	Field  string `json:"field"`
}

// DuplicateDetected flags a repeated timestamp or trade id.
type DuplicateDetected struct {
	Topic   Topic  `json:"topic"`
	Symbol  string `json:"symbol"`
	TS      int64  `json:"ts"`
	TradeID string `json:"tradeId,omitempty"`
}

// SequenceAnomalyKind tags order-book sequence violations.
type SequenceAnomalyKind string

const (
	// SequenceOutOfOrder tags currSeq < prevSeq.
	SequenceOutOfOrder SequenceAnomalyKind = "out_of_order"
	// SequenceDuplicate tags currSeq == prevSeq.
	SequenceDuplicate SequenceAnomalyKind = "duplicate"
	// SequenceGap tags currSeq > prevSeq+1.
	SequenceGap SequenceAnomalyKind = "gap"
)

// SequenceAnomaly flags a violated order-book update sequence.
type SequenceAnomaly struct {
	Topic   Topic               `json:"topic"`
	Symbol  string              `json:"symbol"`
	PrevSeq uint64              `json:"prevSeq"`
	CurrSeq uint64              `json:"currSeq"`
	Kind    SequenceAnomalyKind `json:"kind"`
}

// LatencySpike flags ingest-vs-exchange latency above threshold.
type LatencySpike struct {
	Topic       Topic  `json:"topic"`
	Symbol      string `json:"symbol"`
	TSIngest    int64  `json:"tsIngest"`
	TSExchange  int64  `json:"tsExchange"`
	LatencyMs   int64  `json:"latencyMs"`
	ThresholdMs int64  `json:"thresholdMs"`
}

// WriteFailed reports the first journal write failure for a partition path.
type WriteFailed struct {
	Path  string `json:"path"`
	Error string `json:"error"`
	TS    int64  `json:"ts"`
}
