package observability

import (
	"sort"
	"sync"
)

// Tap accumulates per-topic event counts. It is wired as a bus subscriber on
// every watched topic and feeds the health reporter.
type Tap struct {
	mu     sync.RWMutex
	counts map[string]uint64
	total  uint64
}

// NewTap constructs an empty tap.
func NewTap() *Tap {
	return &Tap{counts: make(map[string]uint64)}
}

// Inc records one event on the topic.
func (t *Tap) Inc(topic string) {
	t.mu.Lock()
	t.counts[topic]++
	t.total++
	t.mu.Unlock()
}

// Total returns the count across all topics.
func (t *Tap) Total() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// Snapshot returns a copy of the per-topic counters.
func (t *Tap) Snapshot() map[string]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]uint64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Topics returns the watched topic names in stable order.
func (t *Tap) Topics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.counts))
	for k := range t.counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
