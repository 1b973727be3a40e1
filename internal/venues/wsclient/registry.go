package wsclient

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/tidefeed/internal/schema"
)

type registryKey struct {
	url        string
	streamID   string
	marketType schema.MarketType
}

var (
	registryMu sync.Mutex
	registry   = make(map[registryKey]*Client)
)

// SharedClient returns the process-wide client for (url, streamID,
// marketType), constructing it with build on first use. Gateways for the same
// stream share one socket this way.
func SharedClient(url, streamID string, marketType schema.MarketType, build func() *Client) *Client {
	key := registryKey{url: url, streamID: streamID, marketType: marketType}

	registryMu.Lock()
	defer registryMu.Unlock()
	if existing, ok := registry[key]; ok {
		return existing
	}
	client := build()
	registry[key] = client
	return client
}

// ResetRegistry disconnects and forgets every shared client. Tests call this
// between cases for isolation.
func ResetRegistry() {
	registryMu.Lock()
	clients := make([]*Client, 0, len(registry))
	for _, client := range registry {
		clients = append(clients, client)
	}
	registry = make(map[registryKey]*Client)
	registryMu.Unlock()

	for _, client := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = client.Disconnect(ctx)
		cancel()
	}
}
