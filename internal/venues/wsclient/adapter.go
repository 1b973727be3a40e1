// Package wsclient implements the venue-independent websocket session engine:
// an idempotent connect with a shared outcome, epoch-tagged sessions,
// keepalive and idle watchdogs, subscribe acknowledgement tracking, and
// reconnection with bounded jittered backoff. Venue adapters own the wire
// dialect and bus publication; the engine owns the transport lifecycle.
package wsclient

import (
	"context"

	"github.com/coachpo/tidefeed/internal/schema"
)

// InboundKind classifies one inbound websocket frame.
type InboundKind int

const (
	// InboundIgnore marks frames the adapter dropped (malformed or noise).
	InboundIgnore InboundKind = iota
	// InboundData marks market data the adapter has already published.
	InboundData
	// InboundAck marks a subscribe/unsubscribe acknowledgement.
	InboundAck
	// InboundPong marks a keepalive response.
	InboundPong
)

// Inbound is the engine-relevant result of handling one frame. Market data
// never surfaces here; the adapter publishes it directly.
type Inbound struct {
	Kind   InboundKind
	ReqID  string
	OK     bool
	ErrMsg string
}

// Frame is one outbound subscribe request with its ack bookkeeping key.
type Frame struct {
	ReqID  string
	Topics []string
	Data   []byte
}

// Adapter is implemented once per venue stream. All methods are invoked by
// the engine; HandleMessage runs on the session read loop and must not block
// on the engine's own operations.
type Adapter interface {
	// Venue identifies the exchange for error envelopes and metrics.
	Venue() schema.Venue
	// StreamID returns the stable stream identifier, e.g. bybit.public.linear.v5.
	StreamID() string
	// URL returns the websocket endpoint to dial.
	URL() string
	// SubscribeFrames renders subscribe requests for the topics. Each frame
	// carries a request id the venue echoes in its acknowledgement.
	SubscribeFrames(topics []string) ([]Frame, error)
	// PingFrame returns the venue keepalive payload. ok=false selects
	// protocol-level pings instead.
	PingFrame() ([]byte, bool)
	// HandleMessage parses one frame, publishes any market data, and reports
	// acknowledgements back to the engine. Malformed input returns
	// InboundIgnore; the engine drops it silently.
	HandleMessage(ctx context.Context, raw []byte) Inbound
	// OnConnected fires after each successful dial, before subscription
	// replay. epoch increases by one per session.
	OnConnected(ctx context.Context, epoch uint64)
	// OnDisconnected fires after each session ends. willRetry is false only
	// when the client is shutting down for good.
	OnDisconnected(ctx context.Context, reason string, willRetry bool)
}
