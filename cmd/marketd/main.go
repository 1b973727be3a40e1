// Command marketd launches the market-data backbone: venue gateways feeding
// one synchronous bus, cross-venue aggregation, the quality and readiness
// monitors, and the partitioned JSONL journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/coachpo/tidefeed/internal/aggregate"
	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/config"
	"github.com/coachpo/tidefeed/internal/gateway"
	"github.com/coachpo/tidefeed/internal/journal"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/orchestrator"
	"github.com/coachpo/tidefeed/internal/quality"
	"github.com/coachpo/tidefeed/internal/readiness"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/telemetry"
	"github.com/coachpo/tidefeed/internal/venues"
	"github.com/coachpo/tidefeed/internal/venues/factories"
)

const (
	bootLoggerPrefix     = "marketd "
	healthFileName       = "health.jsonl"
	klineInterval        = "1m"
	qualitySnapshotLimit = 25
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	boot := newBootLogger()

	cfg, err := config.Load(ctx, config.ResolvePath(cfgPathFlag))
	if err != nil {
		boot.Fatalf("load config: %v", err)
	}
	boot.Printf("configuration initialised: env=%s, symbols=%d, market=%s",
		cfg.Environment, len(cfg.Symbols), cfg.TargetMarketType)

	logger, logSink, err := observability.NewRuntimeLogger(observability.LogOptions{
		Dir:      cfg.Log.Dir,
		Level:    cfg.Log.Level,
		MaxBytes: cfg.Log.RotateMaxBytes,
		MaxFiles: cfg.Log.RotateMaxFiles,
	})
	if err != nil {
		boot.Fatalf("initialise runtime logger: %v", err)
	}
	observability.SetLogger(logger)

	telemetryProvider, err := initTelemetry(ctx, boot, cfg)
	if err != nil {
		boot.Fatalf("initialize telemetry: %v", err)
	}

	bus := eventbus.New()
	runID := journal.NewRunID(time.Now())
	boot.Printf("run id: %s", runID)

	orch := orchestrator.New(bus, orchestrator.Config{RunID: runID})
	orch.Start(ctx)

	// Cleanups drain in reverse registration order: gateways first, the log
	// sink last so every component can still log while it stops.
	orch.RegisterCleanup("log sink", func(context.Context) error { return logSink.Close() })
	orch.RegisterCleanup("telemetry", telemetryProvider.Shutdown)
	orch.RegisterCleanup("event bus", func(context.Context) error { bus.Close(); return nil })

	tap := wireTap(bus)

	jnl := journal.New(bus, journal.Config{
		BaseDir:        cfg.Journal.Dir,
		RunID:          runID,
		MaxBatch:       cfg.Journal.MaxBatchSize,
		FlushInterval:  time.Duration(cfg.Journal.FlushIntervalMs) * time.Millisecond,
		LatencySpikeMs: cfg.Journal.LatencySpikeMs,
	})
	jnl.Start()
	orch.RegisterCleanup("journal", func(context.Context) error { jnl.Close(); return nil })

	agg := aggregate.New(bus, aggregate.Config{
		TTLMs:            cfg.Global.TTLMs,
		CVDBucketMs:      cfg.Global.CVDBucketMs,
		LiqBucketMs:      cfg.Global.LiqBucketMs,
		MismatchWindowMs: cfg.Global.MismatchWindowMs,
		Weights:          cfg.Global.Weights.Resolve(),
	})
	agg.Start()
	orch.RegisterCleanup("aggregators", func(context.Context) error { agg.Close(); return nil })

	qual := quality.New(bus, quality.Config{})
	qual.Start()
	orch.RegisterCleanup("quality monitor", func(context.Context) error { qual.Close(); return nil })

	ready := readiness.New(bus, readiness.Config{
		MarketType:      cfg.TargetMarketType,
		Symbols:         cfg.Symbols,
		ExpectedSources: cfg.Global.ExpectedSources,
		WarmupMs:        cfg.Readiness.WarmupMs,
		GraceMs:         cfg.Readiness.GraceMs,
		StabilityMs:     cfg.Readiness.StabilityMs,
		LagAlpha:        cfg.Readiness.LagAlpha,
		LagHighMs:       cfg.Readiness.LagHighMs,
		MinConfidence:   cfg.Readiness.MinConfidence,
	})
	ready.Start()
	orch.RegisterCleanup("readiness monitor", func(context.Context) error { ready.Close(); return nil })

	err = startHealthReporter(ctx, boot, cfg, orch, tap, jnl, qual, ready)
	if err == nil {
		wireConsole(bus, cfg)

		var targets []gatewayTarget
		if targets, err = buildGateways(bus, orch, cfg); err == nil {
			boot.Printf("gateways started: %d", len(targets))
			err = requestStreams(ctx, bus, cfg, targets)
		}
	}
	if err != nil {
		orch.Fail(err)
	} else {
		orch.Running(ctx)
		boot.Printf("marketd running: run=%s, awaiting shutdown signal", runID)
	}

	select {
	case <-ctx.Done():
		boot.Print("shutdown signal received, initiating graceful shutdown")
		orch.Shutdown(0)
		<-orch.Done()
	case <-orch.Done():
	}

	boot.Printf("marketd exited: code=%d", orch.ExitCode())
	os.Exit(orch.ExitCode())
}

func parseFlags() string {
	cfgPath := flag.String("config", "", "Path to the marketd configuration file")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newBootLogger() *log.Logger {
	return log.New(os.Stdout, bootLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Config) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s",
			telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// wireTap counts every event on the journaled topics plus operator commands;
// the health snapshot exposes the per-topic totals.
func wireTap(bus eventbus.Bus) *observability.Tap {
	tap := observability.NewTap()
	topics := append(journal.DefaultTopics(), schema.TopicControlCommand)
	for _, topic := range topics {
		bus.Subscribe(topic, func(_ context.Context, evt eventbus.Event) error {
			tap.Inc(string(evt.Topic))
			return nil
		})
	}
	return tap
}

func startHealthReporter(ctx context.Context, logger *log.Logger, cfg config.Config, orch *orchestrator.Orchestrator, tap *observability.Tap, jnl *journal.Journal, qual *quality.Monitor, ready *readiness.Monitor) error {
	if cfg.Log.Dir == "" {
		logger.Print("health snapshots disabled: no log directory configured")
		return nil
	}

	sink, err := observability.NewRotatingWriter(
		filepath.Join(cfg.Log.Dir, healthFileName),
		cfg.Log.RotateMaxBytes, cfg.Log.RotateMaxFiles)
	if err != nil {
		return fmt.Errorf("open health sink: %w", err)
	}

	reporter := observability.NewHealthReporter(sink,
		time.Duration(cfg.Health.SnapshotIntervalMs)*time.Millisecond)
	reporter.Register("lifecycle", func() any { return orch.Lifecycle() })
	reporter.Register("counters", func() any { return tap.Snapshot() })
	reporter.Register("journal", func() any { return jnl.Stats() })
	reporter.Register("degradedSources", func() any { return qual.Snapshot(qualitySnapshotLimit) })
	reporter.Register("readiness", func() any { return ready.Snapshot() })
	reporter.Start(ctx)

	// The reporter registers after its sink so it stops before the sink
	// closes.
	orch.RegisterCleanup("health sink", func(context.Context) error { return sink.Close() })
	orch.RegisterCleanup("health reporter", func(context.Context) error { reporter.Stop(); return nil })
	return nil
}

// wireConsole prints operator-facing transition lines with a per-key
// cooldown. The subscriptions live for the life of the bus.
func wireConsole(bus eventbus.Bus, cfg config.Config) {
	console := observability.NewConsoleNotifier(
		time.Duration(cfg.Console.TransitionCooldownMs) * time.Millisecond)

	bus.Subscribe(schema.TopicMarketConnected, func(_ context.Context, evt eventbus.Event) error {
		if p, ok := evt.Payload.(schema.Connected); ok {
			console.Notify("connected:"+p.StreamID, "venue stream connected",
				observability.Field{Key: "venue", Value: string(p.Venue)},
				observability.Field{Key: "marketType", Value: string(p.MarketType)})
		}
		return nil
	})
	bus.Subscribe(schema.TopicMarketDisconnected, func(_ context.Context, evt eventbus.Event) error {
		if p, ok := evt.Payload.(schema.Disconnected); ok {
			console.Notify("disconnected:"+p.StreamID, "venue stream disconnected",
				observability.Field{Key: "venue", Value: string(p.Venue)},
				observability.Field{Key: "reason", Value: p.Reason},
				observability.Field{Key: "willRetry", Value: p.WillRetry})
		}
		return nil
	})
	bus.Subscribe(schema.TopicDataSourceDegraded, func(_ context.Context, evt eventbus.Event) error {
		if p, ok := evt.Payload.(schema.SourceDegraded); ok {
			console.Notify("degraded:"+p.Key, "source degraded",
				observability.Field{Key: "source", Value: p.SourceID},
				observability.Field{Key: "topic", Value: string(p.Topic)},
				observability.Field{Key: "symbol", Value: p.Symbol},
				observability.Field{Key: "reason", Value: p.Reason})
		}
		return nil
	})
	bus.Subscribe(schema.TopicDataSourceRecovered, func(_ context.Context, evt eventbus.Event) error {
		if p, ok := evt.Payload.(schema.SourceRecovered); ok {
			console.Notify("recovered:"+p.Key, "source recovered",
				observability.Field{Key: "source", Value: p.SourceID},
				observability.Field{Key: "topic", Value: string(p.Topic)},
				observability.Field{Key: "symbol", Value: p.Symbol})
		}
		return nil
	})
	bus.Subscribe(schema.TopicSystemMarketDataStatus, func(_ context.Context, evt eventbus.Event) error {
		if p, ok := evt.Payload.(schema.MarketDataStatus); ok {
			console.Notify("readiness:"+p.Symbol+":"+string(p.Status), "market data status",
				observability.Field{Key: "symbol", Value: p.Symbol},
				observability.Field{Key: "status", Value: string(p.Status)},
				observability.Field{Key: "reasons", Value: p.DegradedReasons})
		}
		return nil
	})
	bus.Subscribe(schema.TopicStorageWriteFailed, func(_ context.Context, evt eventbus.Event) error {
		if p, ok := evt.Payload.(schema.WriteFailed); ok {
			console.Notify("writeFailed:"+p.Path, "journal write failed",
				observability.Field{Key: "path", Value: p.Path},
				observability.Field{Key: "error", Value: p.Error})
		}
		return nil
	})
	bus.Subscribe(schema.TopicControlState, func(_ context.Context, evt eventbus.Event) error {
		if p, ok := evt.Payload.(schema.ControlState); ok {
			console.Notify("lifecycle:"+string(p.Lifecycle), "lifecycle transition",
				observability.Field{Key: "lifecycle", Value: string(p.Lifecycle)},
				observability.Field{Key: "runId", Value: p.RunID})
		}
		return nil
	})
}

type gatewayTarget struct {
	venue  schema.Venue
	market schema.MarketType
}

// buildGateways constructs and starts one gateway per enabled
// (venue, market) pair and registers its stop with the orchestrator.
func buildGateways(bus eventbus.Bus, orch *orchestrator.Orchestrator, cfg config.Config) ([]gatewayTarget, error) {
	registry := venues.NewRegistry()
	factories.Register(registry)

	enabled := make([]schema.Venue, 0, len(cfg.Venues))
	for venue, vc := range cfg.Venues {
		if vc.Enabled {
			enabled = append(enabled, venue)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i] < enabled[j] })

	markets := []schema.MarketType{cfg.TargetMarketType}
	if cfg.SpotEnabled && cfg.TargetMarketType != schema.MarketTypeSpot {
		markets = append(markets, schema.MarketTypeSpot)
	}

	targets := make([]gatewayTarget, 0, len(enabled)*len(markets))
	for _, venue := range enabled {
		vc := cfg.Venues[venue]
		for _, market := range markets {
			binding, err := registry.New(venue, venueConfig(bus, vc, market))
			if err != nil {
				return nil, fmt.Errorf("bind %s %s: %w", venue, market, err)
			}
			gw := gateway.New(bus, binding, gateway.Config{
				ResyncStrategy:    gateway.ResyncStrategy(vc.ResyncStrategy),
				DisableKlines:     !vc.KlinesEnabled,
				OIInterval:        time.Duration(cfg.Poller.OIIntervalMs) * time.Millisecond,
				FundingInterval:   time.Duration(cfg.Poller.FundingIntervalMs) * time.Millisecond,
				PollerBackoffBase: time.Duration(cfg.Poller.BackoffBaseMs) * time.Millisecond,
				PollerBackoffCap:  time.Duration(cfg.Poller.BackoffCapMs) * time.Millisecond,
			})
			gw.Start()
			orch.RegisterCleanup(fmt.Sprintf("gateway %s/%s", venue, market),
				func(ctx context.Context) error { return gw.Stop(ctx) })
			targets = append(targets, gatewayTarget{venue: venue, market: market})
		}
	}
	return targets, nil
}

func venueConfig(bus eventbus.Bus, vc config.VenueConfig, market schema.MarketType) venues.Config {
	wsURL := vc.WSURL
	if market == schema.MarketTypeSpot && vc.SpotWSURL != "" {
		wsURL = vc.SpotWSURL
	}
	return venues.Config{
		Bus:         bus,
		MarketType:  market,
		WSURL:       wsURL,
		KlineWSURL:  vc.KlineWSURL,
		RESTBaseURL: vc.RESTBaseURL,
		Depth:       vc.OrderbookDepth,
	}
}

// requestStreams drives every started gateway through the bus: connect, then
// subscribe the per-symbol topic set.
func requestStreams(ctx context.Context, bus eventbus.Bus, cfg config.Config, targets []gatewayTarget) error {
	for _, target := range targets {
		if err := bus.Publish(ctx, schema.TopicMarketConnect, schema.ConnectRequest{
			Venue:      target.venue,
			MarketType: target.market,
		}, schema.NewMeta(schema.SourceSystem)); err != nil {
			return fmt.Errorf("request connect %s %s: %w", target.venue, target.market, err)
		}
		if err := bus.Publish(ctx, schema.TopicMarketSubscribe, schema.SubscribeRequest{
			Venue:      target.venue,
			MarketType: target.market,
			Topics:     subscriptionTopics(cfg, cfg.Venues[target.venue], target.market),
		}, schema.NewMeta(schema.SourceSystem)); err != nil {
			return fmt.Errorf("request subscribe %s %s: %w", target.venue, target.market, err)
		}
	}
	return nil
}

func subscriptionTopics(cfg config.Config, vc config.VenueConfig, market schema.MarketType) []string {
	topics := make([]string, 0, len(cfg.Symbols)*7)
	for _, symbol := range cfg.Symbols {
		topics = append(topics,
			"tickers."+symbol,
			"publicTrade."+symbol,
			fmt.Sprintf("orderbook.%d.%s", vc.OrderbookDepth, symbol),
		)
		if vc.KlinesEnabled {
			topics = append(topics, "kline."+klineInterval+"."+symbol)
		}
		if market == schema.MarketTypeFutures {
			if cfg.LiquidationsEnabled {
				topics = append(topics, "liquidations."+symbol)
			}
			if cfg.OIEnabled {
				topics = append(topics, "oi."+symbol)
			}
			if cfg.FundingEnabled {
				topics = append(topics, "funding."+symbol)
			}
		}
	}
	return topics
}
