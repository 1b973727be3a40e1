// Package config manages application configuration loading and validation.
// Values come from an optional YAML file overlaid by environment variables;
// the environment always wins.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/tidefeed/internal/schema"
)

// Environment selects runtime profiles (warmup windows, logging defaults).
type Environment string

const (
	// EnvDev selects the development profile.
	EnvDev Environment = "dev"
	// EnvProd selects the production profile.
	EnvProd Environment = "prod"
)

// JournalConfig sizes the partitioned JSONL journal.
type JournalConfig struct {
	Dir             string `yaml:"dir"`
	MaxBatchSize    int    `yaml:"maxBatchSize"`
	FlushIntervalMs int64  `yaml:"flushIntervalMs"`
	LatencySpikeMs  int64  `yaml:"latencySpikeMs"`
}

// GlobalConfig controls cross-venue aggregation.
type GlobalConfig struct {
	TTLMs            int64               `yaml:"ttlMs"`
	CVDBucketMs      int64               `yaml:"cvdBucketMs"`
	LiqBucketMs      int64               `yaml:"liqBucketMs"`
	MismatchWindowMs int64               `yaml:"mismatchWindowMs"`
	Weights          WeightSetting       `yaml:"weights"`
	ExpectedSources  map[string][]string `yaml:"expectedSources"`
}

// ReadinessConfig controls the market-data readiness monitor.
type ReadinessConfig struct {
	WarmupMs      int64   `yaml:"warmupMs"`
	GraceMs       int64   `yaml:"graceMs"`
	StabilityMs   int64   `yaml:"stabilityMs"`
	LagAlpha      float64 `yaml:"lagAlpha"`
	LagHighMs     int64   `yaml:"lagHighMs"`
	MinConfidence float64 `yaml:"minConfidence"`
}

// LogConfig controls the rotating runtime log sink.
type LogConfig struct {
	Dir            string `yaml:"dir"`
	Level          string `yaml:"level"`
	RotateMaxBytes int64  `yaml:"rotateMaxBytes"`
	RotateMaxFiles int    `yaml:"rotateMaxFiles"`
}

// HealthConfig controls the periodic health snapshot.
type HealthConfig struct {
	SnapshotIntervalMs int64 `yaml:"snapshotIntervalMs"`
}

// ConsoleConfig controls operator console transition printing.
type ConsoleConfig struct {
	TransitionCooldownMs int64 `yaml:"transitionCooldownMs"`
}

// ResyncStrategy selects how order-book resync requests are handled.
type ResyncStrategy string

const (
	// ResyncIgnore only logs resync requests.
	ResyncIgnore ResyncStrategy = "ignore"
	// ResyncReconnect tears the socket down and replays subscriptions.
	ResyncReconnect ResyncStrategy = "reconnect"
)

// VenueConfig configures one venue gateway.
type VenueConfig struct {
	Enabled        bool           `yaml:"enabled"`
	WSURL          string         `yaml:"wsUrl"`
	SpotWSURL      string         `yaml:"spotWsUrl"`
	KlineWSURL     string         `yaml:"klineWsUrl"`
	RESTBaseURL    string         `yaml:"restBaseUrl"`
	KlinesEnabled  bool           `yaml:"klinesEnabled"`
	OrderbookDepth int            `yaml:"orderbookDepth"`
	ResyncStrategy ResyncStrategy `yaml:"resyncStrategy"`
}

// PollerConfig controls the derivatives REST poller.
type PollerConfig struct {
	OIIntervalMs      int64 `yaml:"oiIntervalMs"`
	FundingIntervalMs int64 `yaml:"fundingIntervalMs"`
	BackoffBaseMs     int64 `yaml:"backoffBaseMs"`
	BackoffCapMs      int64 `yaml:"backoffCapMs"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// Config is the unified marketd configuration.
type Config struct {
	Environment         Environment                   `yaml:"environment"`
	Symbols             []string                      `yaml:"symbols"`
	TargetMarketType    schema.MarketType             `yaml:"targetMarketType"`
	SpotEnabled         bool                          `yaml:"spotEnabled"`
	OIEnabled           bool                          `yaml:"oiEnabled"`
	FundingEnabled      bool                          `yaml:"fundingEnabled"`
	LiquidationsEnabled bool                          `yaml:"liquidationsEnabled"`
	Journal             JournalConfig                 `yaml:"journal"`
	Global              GlobalConfig                  `yaml:"global"`
	Readiness           ReadinessConfig               `yaml:"readiness"`
	Log                 LogConfig                     `yaml:"log"`
	Health              HealthConfig                  `yaml:"health"`
	Console             ConsoleConfig                 `yaml:"console"`
	Venues              map[schema.Venue]VenueConfig  `yaml:"venues"`
	Poller              PollerConfig                  `yaml:"poller"`
	Telemetry           TelemetryConfig               `yaml:"telemetry"`
}

// Load reads the optional YAML file, overlays environment variables, applies
// defaults, and validates. An empty path skips the file and builds the
// configuration from defaults plus environment.
func Load(ctx context.Context, configPath string) (Config, error) {
	_ = ctx

	var cfg Config
	if strings.TrimSpace(configPath) != "" {
		reader, closer, err := openConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}
		defer closer()

		raw, err := io.ReadAll(reader)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	for i, s := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if c.TargetMarketType == "" {
		c.TargetMarketType = schema.MarketTypeFutures
	}

	if c.Journal.Dir == "" {
		c.Journal.Dir = "data/journal"
	}
	if c.Journal.MaxBatchSize <= 0 {
		c.Journal.MaxBatchSize = 50
	}
	if c.Journal.FlushIntervalMs <= 0 {
		c.Journal.FlushIntervalMs = 200
	}
	if c.Journal.LatencySpikeMs <= 0 {
		c.Journal.LatencySpikeMs = 2_000
	}

	if c.Global.TTLMs <= 0 {
		c.Global.TTLMs = 30_000
	}
	if c.Global.CVDBucketMs <= 0 {
		c.Global.CVDBucketMs = 60_000
	}
	if c.Global.LiqBucketMs <= 0 {
		c.Global.LiqBucketMs = 60_000
	}
	if c.Global.MismatchWindowMs <= 0 {
		c.Global.MismatchWindowMs = 120_000
	}

	if c.Readiness.WarmupMs <= 0 {
		if c.Environment == EnvProd {
			c.Readiness.WarmupMs = 1_800_000
		} else {
			c.Readiness.WarmupMs = 15_000
		}
	}
	if c.Readiness.GraceMs <= 0 {
		c.Readiness.GraceMs = 10_000
	}
	if c.Readiness.StabilityMs <= 0 {
		c.Readiness.StabilityMs = 10_000
	}
	if c.Readiness.LagAlpha <= 0 {
		c.Readiness.LagAlpha = 0.2
	}
	if c.Readiness.LagHighMs <= 0 {
		c.Readiness.LagHighMs = 5_000
	}
	if c.Readiness.MinConfidence <= 0 {
		c.Readiness.MinConfidence = 0.5
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.RotateMaxBytes <= 0 {
		c.Log.RotateMaxBytes = 10 << 20
	}
	if c.Log.RotateMaxFiles <= 0 {
		c.Log.RotateMaxFiles = 5
	}

	if c.Health.SnapshotIntervalMs <= 0 {
		c.Health.SnapshotIntervalMs = 60_000
	}
	if c.Console.TransitionCooldownMs <= 0 {
		c.Console.TransitionCooldownMs = 10_000
	}

	if c.Poller.OIIntervalMs <= 0 {
		c.Poller.OIIntervalMs = 30_000
	}
	if c.Poller.FundingIntervalMs <= 0 {
		c.Poller.FundingIntervalMs = 60_000
	}
	if c.Poller.BackoffBaseMs <= 0 {
		c.Poller.BackoffBaseMs = 5_000
	}
	if c.Poller.BackoffCapMs <= 0 {
		c.Poller.BackoffCapMs = 300_000
	}

	if c.Venues == nil {
		c.Venues = map[schema.Venue]VenueConfig{}
	}
	if _, ok := c.Venues[schema.VenueBybit]; !ok {
		c.Venues[schema.VenueBybit] = VenueConfig{Enabled: true}
	}
	for venue, vc := range c.Venues {
		if vc.OrderbookDepth <= 0 {
			vc.OrderbookDepth = 50
		}
		if vc.ResyncStrategy == "" {
			vc.ResyncStrategy = ResyncReconnect
		}
		c.Venues[venue] = vc
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tidefeed"
	}
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, prod")
	}

	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol required")
	}
	for _, s := range c.Symbols {
		if s == "" {
			return fmt.Errorf("symbols must not contain empty entries")
		}
	}

	switch c.TargetMarketType {
	case schema.MarketTypeSpot, schema.MarketTypeFutures:
	default:
		return fmt.Errorf("targetMarketType must be spot or futures")
	}

	if c.Readiness.LagAlpha <= 0 || c.Readiness.LagAlpha > 1 {
		return fmt.Errorf("readiness lagAlpha must be in (0,1]")
	}
	if c.Readiness.MinConfidence < 0 || c.Readiness.MinConfidence > 1 {
		return fmt.Errorf("readiness minConfidence must be in [0,1]")
	}

	if weights := c.Global.Weights.Resolve(); weights != nil {
		for source, w := range weights {
			if w < 0 {
				return fmt.Errorf("global weight for %s must be >= 0", source)
			}
		}
	}

	for venue, vc := range c.Venues {
		switch vc.ResyncStrategy {
		case ResyncIgnore, ResyncReconnect:
		default:
			return fmt.Errorf("venue %s resyncStrategy must be ignore or reconnect", venue)
		}
	}

	return nil
}

type weightKind int

const (
	weightUnset weightKind = iota
	weightAuto
	weightExplicit
)

// WeightSetting encapsulates per-source aggregation weights allowing both the
// symbolic "auto" value (equal weights) and an explicit source map.
type WeightSetting struct {
	kind   weightKind
	values map[string]float64
}

// UnmarshalYAML supports "auto" and {source: weight} map values.
func (w *WeightSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*w = WeightSetting{kind: weightUnset}
		return nil
	}
	switch node.Kind {
	case yaml.ScalarNode:
		text := strings.ToLower(strings.TrimSpace(node.Value))
		if text == "" || text == "auto" {
			*w = WeightSetting{kind: weightAuto}
			return nil
		}
		return fmt.Errorf("weights: invalid scalar %q", node.Value)
	case yaml.MappingNode:
		values := make(map[string]float64, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := strings.TrimSpace(node.Content[i].Value)
			val, err := strconv.ParseFloat(strings.TrimSpace(node.Content[i+1].Value), 64)
			if err != nil {
				return fmt.Errorf("weights: invalid weight for %s: %q", key, node.Content[i+1].Value)
			}
			values[key] = val
		}
		*w = WeightSetting{kind: weightExplicit, values: values}
		return nil
	default:
		return fmt.Errorf("weights: must be \"auto\" or a source map")
	}
}

// Resolve returns the explicit weight map, or nil when weights are automatic
// (every source weighted equally).
func (w WeightSetting) Resolve() map[string]float64 {
	if w.kind != weightExplicit {
		return nil
	}
	return w.values
}

// SetExplicit replaces the setting with an explicit source map. Used by the
// environment overlay.
func (w *WeightSetting) SetExplicit(values map[string]float64) {
	*w = WeightSetting{kind: weightExplicit, values: values}
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

// ResolvePath returns the config file path from the flag value, the
// MARKETD_CONFIG environment variable, or the conventional default when one
// exists on disk. Empty means run on defaults.
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv("MARKETD_CONFIG")); env != "" {
		return env
	}
	conventional := filepath.Join("config", "marketd.yaml")
	if _, err := os.Stat(conventional); err == nil {
		return conventional
	}
	return ""
}
