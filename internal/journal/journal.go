// Package journal appends every canonical and raw bus event to a partitioned
// JSONL store. Records are sequenced per partition path, batched through a
// single flush loop, and inspected by the quality detectors before they are
// enqueued.
package journal

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/schema"
)

const (
	defaultMaxBatch       = 50
	defaultFlushInterval  = 200 * time.Millisecond
	defaultLatencySpikeMs = 2000
)

// aggregationFields must never appear in raw payloads; the raw tape carries
// wire fields only.
var aggregationFields = []string{
	"qualityFlags",
	"confidenceScore",
	"venueBreakdown",
	"sourcesUsed",
	"weightsUsed",
	"mismatchDetected",
	"staleSourcesDropped",
}

// Record is one journal line.
type Record struct {
	Seq        uint64       `json:"seq"`
	StreamID   string       `json:"streamId"`
	RunID      string       `json:"runId"`
	Topic      schema.Topic `json:"topic"`
	Symbol     string       `json:"symbol"`
	TSIngest   int64        `json:"tsIngest"`
	TSExchange int64        `json:"tsExchange,omitempty"`
	Payload    any          `json:"payload"`
}

// Stats is a point-in-time snapshot of writer throughput.
type Stats struct {
	Records       uint64
	Flushes       uint64
	WriteFailures uint64
}

// Config tunes the journal. Zero values select the defaults.
type Config struct {
	BaseDir string
	// RunID names the per-run partition level; empty generates one.
	RunID          string
	MaxBatch       int
	FlushInterval  time.Duration
	LatencySpikeMs int64
	// Topics overrides the journaled topic set.
	Topics []schema.Topic
}

// Journal subscribes to the journaled topics and owns the write path.
type Journal struct {
	bus     eventbus.Bus
	baseDir string
	runID   string
	topics  []schema.Topic

	writer    *writer
	detectors *detectors
	metrics   *journalMetrics

	mu      sync.Mutex
	started bool
	subs    []eventbus.Subscription
	seqs    map[string]uint64

	now func() time.Time
}

// NewRunID derives a fresh run identifier from the startup time.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// New constructs a journal rooted at cfg.BaseDir.
func New(bus eventbus.Bus, cfg Config) *Journal {
	runID := cfg.RunID
	if runID == "" {
		runID = NewRunID(time.Now())
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	latencySpikeMs := cfg.LatencySpikeMs
	if latencySpikeMs <= 0 {
		latencySpikeMs = defaultLatencySpikeMs
	}
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = DefaultTopics()
	}

	metrics := newJournalMetrics()
	return &Journal{
		bus:       bus,
		baseDir:   cfg.BaseDir,
		runID:     runID,
		topics:    topics,
		writer:    newWriter(bus, maxBatch, interval, metrics),
		detectors: newDetectors(bus, latencySpikeMs, metrics),
		metrics:   metrics,
		seqs:      make(map[string]uint64),
		now:       time.Now,
	}
}

// RunID returns the run identifier baked into every partition path.
func (j *Journal) RunID() string { return j.runID }

// Stats reports writer throughput counters.
func (j *Journal) Stats() Stats { return j.writer.stats() }

// Start subscribes to the journaled topics and launches the flush loop.
func (j *Journal) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true
	j.subs = make([]eventbus.Subscription, 0, len(j.topics))
	for _, topic := range j.topics {
		j.subs = append(j.subs, j.bus.Subscribe(topic, j.handle))
	}
	j.writer.start()
}

// Close unsubscribes and drains the pending batch.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return
	}
	j.started = false
	subs := j.subs
	j.subs = nil
	j.mu.Unlock()

	for _, sub := range subs {
		j.bus.Unsubscribe(sub)
	}
	j.writer.close()
}

// DefaultTopics lists everything the journal persists: the canonical market
// topics and their raw mirrors, lifecycle and error events, aggregates, and
// the quality plane. storage:writeFailed stays out so a failing disk cannot
// feed the journal its own failure reports.
func DefaultTopics() []schema.Topic {
	canonical := []schema.Topic{
		schema.TopicMarketTicker,
		schema.TopicMarketTrade,
		schema.TopicMarketOrderbookL2Snapshot,
		schema.TopicMarketOrderbookL2Delta,
		schema.TopicMarketKline,
		schema.TopicMarketLiquidation,
		schema.TopicMarketOpenInterest,
		schema.TopicMarketFundingRate,
	}
	out := make([]schema.Topic, 0, 2*len(canonical)+24)
	for _, topic := range canonical {
		out = append(out, topic, topic.Raw())
	}
	out = append(out,
		schema.TopicMarketConnected,
		schema.TopicMarketDisconnected,
		schema.TopicMarketError,
		schema.TopicMarketResyncRequested,
		schema.TopicMarketKlineBootstrapCompleted,
		schema.TopicMarketKlineBootstrapFailed,

		schema.TopicDataOIAgg,
		schema.TopicDataFundingAgg,
		schema.TopicDataCVDSpotAgg,
		schema.TopicDataCVDFuturesAgg,
		schema.TopicDataLiquidationAgg,
		schema.TopicDataLiquidityAgg,
		schema.TopicDataPriceIndex,
		schema.TopicDataPriceCanonical,
		schema.TopicDataVolumeAgg,

		schema.TopicDataSourceDegraded,
		schema.TopicDataSourceRecovered,
		schema.TopicDataMismatch,
		schema.TopicDataGapDetected,
		schema.TopicDataDuplicate,
		schema.TopicDataOutOfOrder,
		schema.TopicDataSequenceAnomaly,
		schema.TopicDataLatencySpike,

		schema.TopicControlState,
		schema.TopicSystemMarketDataStatus,
	)
	return out
}

func (j *Journal) handle(ctx context.Context, evt eventbus.Event) error {
	symbol := symbolOf(evt.Payload)
	ingest := evt.Meta.TSIngest
	if ingest == 0 {
		ingest = evt.Meta.TS
	}
	if ingest == 0 {
		ingest = j.now().UnixMilli()
	}

	j.detectors.inspect(ctx, evt, symbol)

	if evt.Topic.IsRaw() {
		if field := rawGuardViolation(evt.Payload); field != "" {
			j.metrics.recordGuardViolation(ctx)
			return errs.New("journal", errs.CodeInvalid,
				errs.WithMessage("raw payload carries aggregation field "+field+" on "+string(evt.Topic)))
		}
	}

	path := j.partitionPath(evt, symbol, ingest)
	rec := Record{
		Seq:        j.nextSeq(path),
		StreamID:   streamIDOf(evt.Meta),
		RunID:      j.runID,
		Topic:      evt.Topic,
		Symbol:     symbol,
		TSIngest:   ingest,
		TSExchange: evt.Meta.TSExchange,
		Payload:    evt.Payload,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		observability.Log().Warn("journal record marshal failed",
			observability.Field{Key: "topic", Value: string(evt.Topic)},
			observability.Field{Key: "error", Value: err.Error()})
		return err
	}
	j.writer.enqueue(path, line)
	return nil
}

func (j *Journal) partitionPath(evt eventbus.Event, symbol string, ingest int64) string {
	day := time.UnixMilli(ingest).UTC().Format("2006-01-02")
	parts := []string{j.baseDir, streamIDOf(evt.Meta), symbol, topicDir(evt.Topic)}
	if tf := tfOf(evt.Topic, evt.Payload); tf != "" {
		parts = append(parts, tf)
	}
	parts = append(parts, j.runID, day+".jsonl")
	return filepath.Join(parts...)
}

// nextSeq hands out the per-partition sequence, starting at 1 per run.
func (j *Journal) nextSeq(path string) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seqs[path]++
	return j.seqs[path]
}

func streamIDOf(meta schema.Meta) string {
	if meta.StreamID != "" {
		return meta.StreamID
	}
	return "system"
}

// topicDir maps a topic onto its directory segment: the plane separator
// becomes a dash and raw mirrors end in -raw.
func topicDir(topic schema.Topic) string {
	s := strings.ReplaceAll(string(topic), ":", "-")
	if strings.HasSuffix(s, "_raw") {
		s = strings.TrimSuffix(s, "_raw") + "-raw"
	}
	return s
}

// tfOf returns the timeframe partition level for kline topics and "" for
// everything else. Raw candle payloads expose the timeframe under venue
// field names.
func tfOf(topic schema.Topic, payload any) string {
	if topic != schema.TopicMarketKline && topic != schema.TopicMarketKline.Raw() {
		return ""
	}
	switch p := payload.(type) {
	case schema.Kline:
		if p.TF != "" {
			return p.TF
		}
		if p.Interval != "" {
			return p.Interval
		}
	case schema.RawPayload:
		for _, key := range []string{"tf", "interval", "i"} {
			if s, ok := p[key].(string); ok && s != "" {
				return s
			}
		}
		if s, ok := p["channel"].(string); ok && strings.HasPrefix(s, "candle") {
			return strings.TrimPrefix(s, "candle")
		}
	}
	return "unknown"
}

// rawGuardViolation returns the first aggregation field present in a raw
// payload, or "".
func rawGuardViolation(payload any) string {
	raw, ok := payload.(schema.RawPayload)
	if !ok {
		return ""
	}
	for _, field := range aggregationFields {
		if _, present := raw[field]; present {
			return field
		}
	}
	return ""
}

// symbolOf extracts the partitioning symbol; events without one land under
// "all".
func symbolOf(payload any) string {
	switch p := payload.(type) {
	case schema.Ticker:
		return p.Symbol
	case schema.Trade:
		return p.Symbol
	case schema.OrderbookL2Snapshot:
		return p.Symbol
	case schema.OrderbookL2Delta:
		return p.Symbol
	case schema.Kline:
		return p.Symbol
	case schema.OpenInterest:
		return p.Symbol
	case schema.FundingRate:
		return p.Symbol
	case schema.Liquidation:
		return p.Symbol
	case schema.RawPayload:
		if s, ok := p["symbol"].(string); ok && s != "" {
			return s
		}
	case schema.ResyncRequest:
		return p.Symbol
	case schema.KlineBootstrapCompleted:
		return p.Symbol
	case schema.KlineBootstrapFailed:
		return p.Symbol
	case schema.OIAggregate:
		return p.Symbol
	case schema.FundingAggregate:
		return p.Symbol
	case schema.CVDAggregate:
		return p.Symbol
	case schema.LiquidationAggregate:
		return p.Symbol
	case schema.LiquidityAggregate:
		return p.Symbol
	case schema.PriceIndex:
		return p.Symbol
	case schema.CanonicalPrice:
		return p.Symbol
	case schema.VolumeAggregate:
		return p.Symbol
	case schema.SourceDegraded:
		return p.Symbol
	case schema.SourceRecovered:
		return p.Symbol
	case schema.Mismatch:
		return p.Symbol
	case schema.GapDetected:
		return p.Symbol
	case schema.TimeOutOfOrder:
		return p.Symbol
	case schema.DuplicateDetected:
		return p.Symbol
	case schema.SequenceAnomaly:
		return p.Symbol
	case schema.LatencySpike:
		return p.Symbol
	}
	return "all"
}
