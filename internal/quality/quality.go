// Package quality watches aggregate emissions for sources that stop
// contributing and raises degraded/recovered transitions.
package quality

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/schema"
)

const (
	defaultStaleThresholdMs = 60_000
	defaultCheckIntervalMs  = 5_000

	// intervalAlpha smooths the learned inter-arrival interval.
	intervalAlpha = 0.2
)

// Config tunes the staleness policy.
type Config struct {
	// StaleThresholdMs floors the per-source threshold. A source whose
	// learned arrival interval exceeds the floor is judged against the
	// learned interval instead, so slow feeds do not flap.
	StaleThresholdMs int64
	CheckIntervalMs  int64
	Topics           []schema.Topic
}

type sourceState struct {
	topic    schema.Topic
	symbol   string
	sourceID string

	lastSuccessTS int64
	intervalMs    float64
	degraded      bool
	reason        string
}

// Monitor tracks per-source arrival times across the aggregate topics and
// emits data:sourceDegraded / data:sourceRecovered on transitions only.
type Monitor struct {
	bus     eventbus.Bus
	cfg     Config
	metrics *qualityMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	started bool
	subs    []eventbus.Subscription
	state   map[string]*sourceState

	now func() int64
}

// New wires a monitor over the given bus. Zero config fields fall back to
// the defaults; an empty topic list watches every aggregate topic.
func New(bus eventbus.Bus, cfg Config) *Monitor {
	if cfg.StaleThresholdMs <= 0 {
		cfg.StaleThresholdMs = defaultStaleThresholdMs
	}
	if cfg.CheckIntervalMs <= 0 {
		cfg.CheckIntervalMs = defaultCheckIntervalMs
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = defaultTopics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		bus:     bus,
		cfg:     cfg,
		metrics: newQualityMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		state:   make(map[string]*sourceState),
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// defaultTopics covers the aggregate plane. Canonical price mirrors the
// index's source set and would double every key, so it stays out.
func defaultTopics() []schema.Topic {
	return []schema.Topic{
		schema.TopicDataOIAgg,
		schema.TopicDataFundingAgg,
		schema.TopicDataCVDSpotAgg,
		schema.TopicDataCVDFuturesAgg,
		schema.TopicDataLiquidationAgg,
		schema.TopicDataLiquidityAgg,
		schema.TopicDataPriceIndex,
		schema.TopicDataVolumeAgg,
	}
}

// Start subscribes to the watched topics and launches the sweep loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.subs = make([]eventbus.Subscription, 0, len(m.cfg.Topics))
	for _, topic := range m.cfg.Topics {
		m.subs = append(m.subs, m.bus.Subscribe(topic, m.handle))
	}
	m.wg.Go(m.loop)
}

// Close stops the sweep loop and unsubscribes.
func (m *Monitor) Close() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	for _, sub := range subs {
		m.bus.Unsubscribe(sub)
	}
}

// Snapshot lists degraded source keys in stable order, capped at limit when
// limit is positive.
func (m *Monitor) Snapshot(limit int) []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.state))
	for key, st := range m.state {
		if st.degraded {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

// CheckAt sweeps every tracked source against its staleness threshold. The
// run loop calls it on the check interval with wall time; tests drive it
// directly.
func (m *Monitor) CheckAt(ctx context.Context, nowMs int64) {
	type flagged struct {
		key   string
		state sourceState
	}
	m.mu.Lock()
	var newly []flagged
	for key, st := range m.state {
		if st.degraded || st.lastSuccessTS <= 0 {
			continue
		}
		threshold := m.thresholdFor(st)
		elapsed := nowMs - st.lastSuccessTS
		if elapsed <= threshold {
			continue
		}
		st.degraded = true
		st.reason = fmt.Sprintf("no data for %dms (threshold %dms)", elapsed, threshold)
		newly = append(newly, flagged{key: key, state: *st})
	}
	m.mu.Unlock()

	sort.Slice(newly, func(i, j int) bool { return newly[i].key < newly[j].key })
	for _, f := range newly {
		m.emitDegraded(ctx, f.key, f.state)
	}
}

func (m *Monitor) thresholdFor(st *sourceState) int64 {
	threshold := m.cfg.StaleThresholdMs
	if learned := int64(st.intervalMs); learned > threshold {
		threshold = learned
	}
	return threshold
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(time.Duration(m.cfg.CheckIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CheckAt(m.ctx, m.now())
		}
	}
}

func (m *Monitor) handle(ctx context.Context, evt eventbus.Event) error {
	symbol, sources, ts := identity(evt.Payload)
	if symbol == "" || len(sources) == 0 {
		return nil
	}
	if ts <= 0 {
		ts = evt.Meta.TSIngest
	}
	if ts <= 0 {
		ts = evt.Meta.TS
	}

	type recovery struct {
		key   string
		state sourceState
	}
	m.mu.Lock()
	var recovered []recovery
	for _, sourceID := range sources {
		key := schema.QualityKey(evt.Topic, symbol, sourceID)
		st := m.state[key]
		if st == nil {
			st = &sourceState{topic: evt.Topic, symbol: symbol, sourceID: sourceID}
			m.state[key] = st
		}
		if st.lastSuccessTS > 0 && ts > st.lastSuccessTS {
			gap := float64(ts - st.lastSuccessTS)
			if st.intervalMs == 0 {
				st.intervalMs = gap
			} else {
				st.intervalMs = (1-intervalAlpha)*st.intervalMs + intervalAlpha*gap
			}
		}
		if ts > st.lastSuccessTS {
			st.lastSuccessTS = ts
		}
		if st.degraded {
			st.degraded = false
			st.reason = ""
			recovered = append(recovered, recovery{key: key, state: *st})
		}
	}
	m.mu.Unlock()

	for _, r := range recovered {
		m.emitRecovered(ctx, evt.Meta, r.key, r.state, ts)
	}
	return nil
}

// identity pulls the symbol, contributing sources, and aggregate timestamp
// out of any aggregate payload.
func identity(payload any) (string, []string, int64) {
	switch p := payload.(type) {
	case schema.OIAggregate:
		return p.Symbol, p.SourcesUsed, p.TS
	case schema.FundingAggregate:
		return p.Symbol, p.SourcesUsed, p.TS
	case schema.CVDAggregate:
		return p.Symbol, p.SourcesUsed, p.TS
	case schema.LiquidationAggregate:
		return p.Symbol, p.SourcesUsed, p.TS
	case schema.LiquidityAggregate:
		return p.Symbol, p.SourcesUsed, p.TS
	case schema.PriceIndex:
		return p.Symbol, p.SourcesUsed, p.TS
	case schema.CanonicalPrice:
		return p.Symbol, p.SourcesUsed, p.TS
	case schema.VolumeAggregate:
		return p.Symbol, p.SourcesUsed, p.TS
	default:
		return "", nil, 0
	}
}

func (m *Monitor) emitDegraded(ctx context.Context, key string, st sourceState) {
	m.metrics.recordTransition(ctx, "degraded")
	observability.Log().Warn("source degraded",
		observability.Field{Key: "key", Value: key},
		observability.Field{Key: "reason", Value: st.reason})
	payload := schema.SourceDegraded{
		Key:           key,
		Topic:         st.topic,
		Symbol:        st.symbol,
		SourceID:      st.sourceID,
		Reason:        st.reason,
		LastSuccessTS: st.lastSuccessTS,
	}
	meta := schema.NewMeta(schema.SourceGlobalData)
	if err := m.bus.Publish(ctx, schema.TopicDataSourceDegraded, payload, meta); err != nil {
		observability.Log().Debug("degraded publish dropped",
			observability.Field{Key: "key", Value: key},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func (m *Monitor) emitRecovered(ctx context.Context, parent schema.Meta, key string, st sourceState, ts int64) {
	m.metrics.recordTransition(ctx, "recovered")
	observability.Log().Info("source recovered",
		observability.Field{Key: "key", Value: key})
	payload := schema.SourceRecovered{
		Key:         key,
		Topic:       st.topic,
		Symbol:      st.symbol,
		SourceID:    st.sourceID,
		RecoveredTS: ts,
	}
	meta := schema.Inherit(parent, schema.SourceGlobalData)
	if err := m.bus.Publish(ctx, schema.TopicDataSourceRecovered, payload, meta); err != nil {
		observability.Log().Debug("recovered publish dropped",
			observability.Field{Key: "key", Value: key},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
