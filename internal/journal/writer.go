package journal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/schema"
)

type entry struct {
	path string
	line []byte
}

// writer batches journal lines and appends them from a single flush loop.
// Flushing triggers at the batch cap or on the interval tick, whichever comes
// first.
type writer struct {
	bus      eventbus.Bus
	maxBatch int
	interval time.Duration
	metrics  *journalMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	kick   chan struct{}

	mu       sync.Mutex
	pending  []entry
	reported map[string]bool

	records       atomic.Uint64
	flushes       atomic.Uint64
	writeFailures atomic.Uint64

	now func() time.Time
}

func newWriter(bus eventbus.Bus, maxBatch int, interval time.Duration, metrics *journalMetrics) *writer {
	ctx, cancel := context.WithCancel(context.Background())
	return &writer{
		bus:      bus,
		maxBatch: maxBatch,
		interval: interval,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		kick:     make(chan struct{}, 1),
		reported: make(map[string]bool),
		now:      time.Now,
	}
}

func (w *writer) start() {
	w.wg.Go(w.loop)
}

// close stops the flush loop and drains whatever is still pending.
func (w *writer) close() {
	w.cancel()
	w.wg.Wait()
	w.flush()
}

func (w *writer) stats() Stats {
	return Stats{
		Records:       w.records.Load(),
		Flushes:       w.flushes.Load(),
		WriteFailures: w.writeFailures.Load(),
	}
}

func (w *writer) enqueue(path string, line []byte) {
	w.mu.Lock()
	w.pending = append(w.pending, entry{path: path, line: line})
	full := len(w.pending) >= w.maxBatch
	w.mu.Unlock()
	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

func (w *writer) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			w.flush()
			return
		case <-ticker.C:
			w.flush()
		case <-w.kick:
			w.flush()
		}
	}
}

func (w *writer) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	w.flushes.Add(1)
	w.metrics.recordFlush(context.Background(), len(batch))

	// Group by path preserving first-seen order so intra-partition order
	// follows enqueue order.
	grouped := make(map[string][][]byte, 4)
	order := make([]string, 0, 4)
	for _, e := range batch {
		if _, seen := grouped[e.path]; !seen {
			order = append(order, e.path)
		}
		grouped[e.path] = append(grouped[e.path], e.line)
	}
	for _, path := range order {
		w.appendLines(path, grouped[path])
	}
}

var newline = []byte{'\n'}

func (w *writer) appendLines(path string, lines [][]byte) {
	err := func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		for _, line := range lines {
			if _, err := f.Write(line); err != nil {
				return err
			}
			if _, err := f.Write(newline); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		w.writeFailures.Add(1)
		w.metrics.recordWriteFailure(context.Background())
		w.reportFailure(path, err)
		return
	}
	w.records.Add(uint64(len(lines)))
	w.metrics.recordRecords(context.Background(), len(lines))
}

// reportFailure publishes storage:writeFailed once per path per run. Later
// failures for the same path stay counted but silent; writes keep being
// attempted.
func (w *writer) reportFailure(path string, err error) {
	w.mu.Lock()
	seen := w.reported[path]
	w.reported[path] = true
	w.mu.Unlock()
	if seen {
		return
	}

	now := w.now().UnixMilli()
	observability.Log().Error("journal write failed",
		observability.Field{Key: "path", Value: path},
		observability.Field{Key: "error", Value: err.Error()})
	payload := schema.WriteFailed{Path: path, Error: err.Error(), TS: now}
	meta := schema.NewMeta(schema.SourceStorage, schema.WithTSIngest(now))
	if pubErr := w.bus.Publish(context.Background(), schema.TopicStorageWriteFailed, payload, meta); pubErr != nil {
		observability.Log().Debug("write failure report dropped",
			observability.Field{Key: "error", Value: pubErr.Error()})
	}
}
