package observability

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Probe supplies one named section of the periodic health snapshot.
type Probe func() any

// HealthReporter periodically appends one JSON line per interval to
// health.jsonl, rotated by size.
type HealthReporter struct {
	interval time.Duration
	sink     *RotatingWriter
	clock    func() time.Time

	mu     sync.Mutex
	probes map[string]Probe

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthReporter builds a reporter writing to the given rotating sink.
func NewHealthReporter(sink *RotatingWriter, interval time.Duration) *HealthReporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HealthReporter{
		interval: interval,
		sink:     sink,
		clock:    time.Now,
		probes:   make(map[string]Probe),
	}
}

// Register adds a named probe. Registration after Start is allowed.
func (r *HealthReporter) Register(name string, probe Probe) {
	if name == "" || probe == nil {
		return
	}
	r.mu.Lock()
	r.probes[name] = probe
	r.mu.Unlock()
}

// Start launches the snapshot loop.
func (r *HealthReporter) Start(ctx context.Context) {
	if r.done != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

func (r *HealthReporter) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.snapshot()
		}
	}
}

func (r *HealthReporter) snapshot() {
	line := map[string]any{"ts": r.clock().UnixMilli()}
	r.mu.Lock()
	for name, probe := range r.probes {
		line[name] = probe()
	}
	r.mu.Unlock()

	buf, err := json.Marshal(line)
	if err != nil {
		Log().Error("health snapshot marshal failed", Field{Key: "error", Value: err.Error()})
		return
	}
	buf = append(buf, '\n')
	if _, err := r.sink.Write(buf); err != nil {
		Log().Error("health snapshot write failed", Field{Key: "error", Value: err.Error()})
	}
}

// Stop halts the loop and flushes nothing further. The sink is closed by the
// caller that owns it.
func (r *HealthReporter) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
}
