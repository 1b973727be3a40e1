package eventbus

import "sync"

var (
	defaultMu  sync.RWMutex
	defaultBus Bus
)

// Default returns the process-wide bus, constructing it on first use.
// Tests must use a dedicated bus instance via New.
func Default() Bus {
	defaultMu.RLock()
	b := defaultBus
	defaultMu.RUnlock()
	if b != nil {
		return b
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBus == nil {
		defaultBus = New()
	}
	return defaultBus
}

// SetDefault replaces the process-wide bus.
func SetDefault(b Bus) {
	defaultMu.Lock()
	defaultBus = b
	defaultMu.Unlock()
}

// ResetDefault discards the process-wide bus so the next Default call builds
// a fresh one. Test isolation hook.
func ResetDefault() {
	defaultMu.Lock()
	if defaultBus != nil {
		defaultBus.Close()
	}
	defaultBus = nil
	defaultMu.Unlock()
}
