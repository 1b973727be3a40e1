package observability

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func TestTapCountsPerTopic(t *testing.T) {
	tap := NewTap()
	tap.Inc("market:ticker")
	tap.Inc("market:ticker")
	tap.Inc("market:trade")

	snap := tap.Snapshot()
	if snap["market:ticker"] != 2 || snap["market:trade"] != 1 {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
	if tap.Total() != 3 {
		t.Fatalf("unexpected total: %d", tap.Total())
	}
	topics := tap.Topics()
	if len(topics) != 2 || topics[0] != "market:ticker" {
		t.Fatalf("topics must be sorted: %v", topics)
	}
}

func TestHealthReporterWritesSnapshotLines(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewRotatingWriter(filepath.Join(dir, "health.jsonl"), 1<<20, 2)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	r := NewHealthReporter(sink, time.Minute)
	r.clock = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	tap := NewTap()
	tap.Inc("market:ticker")
	r.Register("events", func() any { return tap.Snapshot() })
	r.Register("readiness", func() any { return "READY" })

	r.snapshot()
	r.snapshot()

	f, err := os.Open(filepath.Join(dir, "health.jsonl")) // #nosec G304 -- test temp dir
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
		var decoded map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		if decoded["ts"].(float64) != 1_700_000_000_000 {
			t.Fatalf("snapshot ts must come from clock: %v", decoded["ts"])
		}
		if decoded["readiness"] != "READY" {
			t.Fatalf("probe section missing: %v", decoded)
		}
	}
	if lines != 2 {
		t.Fatalf("expected 2 snapshot lines, got %d", lines)
	}
}

func TestConsoleNotifierCooldown(t *testing.T) {
	n := NewConsoleNotifier(5 * time.Second)
	now := time.UnixMilli(1_700_000_000_000)
	n.clock = func() time.Time { return now }

	if !n.Notify("data:price_index:BTCUSDT:bybit", "source degraded") {
		t.Fatalf("first notification must emit")
	}
	if n.Notify("data:price_index:BTCUSDT:bybit", "source degraded") {
		t.Fatalf("notification inside cooldown must be suppressed")
	}
	if !n.Notify("data:price_index:BTCUSDT:okx", "source degraded") {
		t.Fatalf("different key must not be throttled")
	}

	now = now.Add(6 * time.Second)
	if !n.Notify("data:price_index:BTCUSDT:bybit", "source degraded") {
		t.Fatalf("notification after cooldown must emit")
	}
}
