package observability

import (
	"sync"
	"time"
)

// ConsoleNotifier prints state-transition lines (readiness changes, source
// degradation) with a per-key cooldown so flapping sources do not flood the
// operator console.
type ConsoleNotifier struct {
	cooldown time.Duration
	clock    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewConsoleNotifier builds a notifier with the given per-key cooldown.
func NewConsoleNotifier(cooldown time.Duration) *ConsoleNotifier {
	if cooldown < 0 {
		cooldown = 0
	}
	return &ConsoleNotifier{
		cooldown: cooldown,
		clock:    time.Now,
		last:     make(map[string]time.Time),
	}
}

// Notify logs the transition line unless the key fired within the cooldown.
// Returns whether the line was emitted.
func (n *ConsoleNotifier) Notify(key, msg string, fields ...Field) bool {
	now := n.clock()
	n.mu.Lock()
	if prev, ok := n.last[key]; ok && n.cooldown > 0 && now.Sub(prev) < n.cooldown {
		n.mu.Unlock()
		return false
	}
	n.last[key] = now
	n.mu.Unlock()

	Log().Info(msg, append(fields, Field{Key: "key", Value: key})...)
	return true
}
