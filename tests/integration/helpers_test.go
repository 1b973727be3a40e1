package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/gateway"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues"
	"github.com/coachpo/tidefeed/internal/venues/factories"
	"github.com/coachpo/tidefeed/internal/venues/wsclient"
)

const testDepth = 50

// recorder captures bus events per topic for later assertions.
type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func record(bus eventbus.Bus, topics ...schema.Topic) *recorder {
	r := &recorder{}
	for _, topic := range topics {
		bus.Subscribe(topic, func(_ context.Context, evt eventbus.Event) error {
			r.mu.Lock()
			r.events = append(r.events, evt)
			r.mu.Unlock()
			return nil
		})
	}
	return r
}

func (r *recorder) byTopic(topic schema.Topic) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, evt := range r.events {
		if evt.Topic == topic {
			out = append(out, evt)
		}
	}
	return out
}

func (r *recorder) count(topic schema.Topic) int {
	return len(r.byTopic(topic))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// pipeline wires a bybit futures binding against the fake venue, the way
// marketd does at boot, minus the stores that a given test adds itself.
type pipeline struct {
	bus   *eventbus.SyncBus
	venue *fakeVenue
}

func startPipeline(t *testing.T, venue *fakeVenue, cfg gateway.Config) *pipeline {
	t.Helper()
	wsclient.ResetRegistry()
	t.Cleanup(wsclient.ResetRegistry)
	bus := eventbus.New()
	registry := venues.NewRegistry()
	factories.Register(registry)
	binding, err := registry.New(schema.VenueBybit, venues.Config{
		Bus:        bus,
		MarketType: schema.MarketTypeFutures,
		WSURL:      venue.url,
		Depth:      testDepth,
	})
	require.NoError(t, err)

	if cfg.WSOptions.DialTimeout == 0 {
		cfg.WSOptions = fastWSOptions()
	}
	if cfg.OIInterval == 0 {
		cfg.OIInterval = time.Hour
	}
	if cfg.FundingInterval == 0 {
		cfg.FundingInterval = time.Hour
	}
	gw := gateway.New(bus, binding, cfg)
	gw.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Stop(ctx)
		bus.Close()
	})
	return &pipeline{bus: bus, venue: venue}
}

// fastWSOptions keeps keepalive and the ack watchdog out of the way; tests
// that exercise a timeout override the relevant knob.
func fastWSOptions() wsclient.Options {
	return wsclient.Options{
		DialTimeout:          2 * time.Second,
		WriteTimeout:         time.Second,
		PingInterval:         time.Hour,
		IdleTimeout:          time.Hour,
		AckTimeout:           time.Hour,
		CloseTimeout:         time.Second,
		MaxReconnectInterval: 50 * time.Millisecond,
		JitterMax:            -1,
	}
}

func (p *pipeline) connect(t *testing.T) {
	t.Helper()
	publishControl(t, p.bus, schema.TopicMarketConnect, schema.ConnectRequest{
		Venue:      schema.VenueBybit,
		MarketType: schema.MarketTypeFutures,
	})
}

func (p *pipeline) subscribe(t *testing.T, topics ...string) {
	t.Helper()
	publishControl(t, p.bus, schema.TopicMarketSubscribe, schema.SubscribeRequest{
		Venue:      schema.VenueBybit,
		MarketType: schema.MarketTypeFutures,
		Topics:     topics,
	})
}

func publishControl(t *testing.T, bus eventbus.Bus, topic schema.Topic, payload any) {
	t.Helper()
	require.NoError(t, bus.Publish(context.Background(), topic, payload, schema.NewMeta(schema.SourceSystem)))
}

func tickerFrame(symbol, lastPrice string, ts int64) string {
	return fmt.Sprintf(`{"topic":"tickers.%s","type":"snapshot","ts":%d,"data":{"symbol":%q,"lastPrice":%q,"markPrice":"43001.1","indexPrice":"43000.9","volume24h":"120000"}}`,
		symbol, ts, symbol, lastPrice)
}

func orderbookFrame(symbol, kind string, updateID uint64, ts int64) string {
	return fmt.Sprintf(`{"topic":"orderbook.%d.%s","type":%q,"ts":%d,"cts":%d,"data":{"s":%q,"b":[["43000.5","2.5"]],"a":[["43001.0","1.0"]],"u":%d,"seq":%d}}`,
		testDepth, symbol, kind, ts, ts-3, symbol, updateID, updateID)
}
