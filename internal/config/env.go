package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tidefeed/internal/schema"
)

// applyEnv overlays environment variables onto the configuration. Every
// malformed value is a hard error; silent fallback to defaults would mask
// deployment mistakes.
func (c *Config) applyEnv() error {
	if v, ok := lookup("BOT_SYMBOLS"); ok {
		c.Symbols = splitList(v)
	}
	if v, ok := lookup("BOT_TARGET_MARKET_TYPE"); ok {
		c.TargetMarketType = schema.MarketType(strings.ToLower(v))
	}

	boolVars := []struct {
		name string
		dst  *bool
	}{
		{"BOT_SPOT_ENABLED", &c.SpotEnabled},
		{"BOT_OI_ENABLED", &c.OIEnabled},
		{"BOT_FUNDING_ENABLED", &c.FundingEnabled},
		{"BOT_LIQUIDATIONS_ENABLED", &c.LiquidationsEnabled},
	}
	for _, bv := range boolVars {
		if v, ok := lookup(bv.name); ok {
			parsed, err := parseBool(bv.name, v)
			if err != nil {
				return err
			}
			*bv.dst = parsed
		}
	}

	if v, ok := lookup("BOT_JOURNAL_DIR"); ok {
		c.Journal.Dir = v
	}

	int64Vars := []struct {
		name string
		dst  *int64
	}{
		{"BOT_GLOBAL_TTL_MS", &c.Global.TTLMs},
		{"BOT_CVD_BUCKET_MS", &c.Global.CVDBucketMs},
		{"BOT_LIQ_BUCKET_MS", &c.Global.LiqBucketMs},
		{"BOT_READINESS_WARMUP_MS", &c.Readiness.WarmupMs},
		{"BOT_READINESS_GRACE_MS", &c.Readiness.GraceMs},
		{"BOT_READINESS_STABILITY_MS", &c.Readiness.StabilityMs},
		{"LOG_ROTATE_MAX_BYTES", &c.Log.RotateMaxBytes},
		{"HEALTH_SNAPSHOT_INTERVAL_MS", &c.Health.SnapshotIntervalMs},
		{"CONSOLE_TRANSITION_COOLDOWN_MS", &c.Console.TransitionCooldownMs},
	}
	for _, iv := range int64Vars {
		if v, ok := lookup(iv.name); ok {
			parsed, err := parseInt64(iv.name, v)
			if err != nil {
				return err
			}
			*iv.dst = parsed
		}
	}

	if v, ok := lookup("BOT_READINESS_LAG_ALPHA"); ok {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BOT_READINESS_LAG_ALPHA: invalid float %q", v)
		}
		c.Readiness.LagAlpha = parsed
	}
	if v, ok := lookup("BOT_READINESS_ENV"); ok {
		c.Environment = Environment(strings.ToLower(v))
	}

	if v, ok := lookup("LOG_DIR"); ok {
		c.Log.Dir = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup("LOG_ROTATE_MAX_FILES"); ok {
		parsed, err := parseInt64("LOG_ROTATE_MAX_FILES", v)
		if err != nil {
			return err
		}
		c.Log.RotateMaxFiles = int(parsed)
	}

	if v, ok := lookup("BOT_GLOBAL_WEIGHTS"); ok {
		weights, err := ParseWeights(v)
		if err != nil {
			return err
		}
		c.Global.Weights.SetExplicit(weights)
	}
	if v, ok := lookup("BOT_EXPECTED_SOURCES_CONFIG"); ok {
		sources, err := ParseExpectedSources(v)
		if err != nil {
			return err
		}
		c.Global.ExpectedSources = sources
	}

	return nil
}

// ParseWeights decodes the "source:weight,source:weight" form used by
// BOT_GLOBAL_WEIGHTS.
func ParseWeights(raw string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range splitList(raw) {
		idx := strings.LastIndexByte(pair, ':')
		if idx <= 0 || idx == len(pair)-1 {
			return nil, fmt.Errorf("BOT_GLOBAL_WEIGHTS: malformed pair %q", pair)
		}
		source := strings.TrimSpace(pair[:idx])
		weight, err := strconv.ParseFloat(strings.TrimSpace(pair[idx+1:]), 64)
		if err != nil {
			return nil, fmt.Errorf("BOT_GLOBAL_WEIGHTS: invalid weight in %q", pair)
		}
		out[source] = weight
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("BOT_GLOBAL_WEIGHTS: no pairs present")
	}
	return out, nil
}

// ParseExpectedSources decodes the JSON block->sources mapping used by
// BOT_EXPECTED_SOURCES_CONFIG.
func ParseExpectedSources(raw string) (map[string][]string, error) {
	var out map[string][]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("BOT_EXPECTED_SOURCES_CONFIG: invalid JSON: %w", err)
	}
	for block, sources := range out {
		if len(sources) == 0 {
			return nil, fmt.Errorf("BOT_EXPECTED_SOURCES_CONFIG: block %q lists no sources", block)
		}
	}
	return out, nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(name, v string) (bool, error) {
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s: invalid boolean %q", name, v)
	}
}

func parseInt64(name, v string) (int64, error) {
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", name, v)
	}
	return parsed, nil
}
