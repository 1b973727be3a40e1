package factories

import (
	"testing"

	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues"
)

func TestBuiltinBindings(t *testing.T) {
	reg := venues.NewRegistry()
	Register(reg)

	bus := eventbus.New()
	defer bus.Close()

	for _, venue := range []schema.Venue{schema.VenueBybit, schema.VenueBinance, schema.VenueOKX} {
		if _, err := reg.New(venue, venues.Config{MarketType: schema.MarketTypeFutures}); err == nil {
			t.Fatalf("%s factory accepted a nil bus", venue)
		}
	}

	bybitBinding, err := reg.New(schema.VenueBybit, venues.Config{Bus: bus, MarketType: schema.MarketTypeFutures})
	if err != nil {
		t.Fatalf("bybit binding: %v", err)
	}
	if len(bybitBinding.Streams) != 1 || bybitBinding.Klines == nil || bybitBinding.Derivatives == nil {
		t.Fatalf("bybit binding = %+v", bybitBinding)
	}

	spotBinding, err := reg.New(schema.VenueBinance, venues.Config{Bus: bus, MarketType: schema.MarketTypeSpot})
	if err != nil {
		t.Fatalf("binance spot binding: %v", err)
	}
	if spotBinding.Derivatives != nil {
		t.Fatal("spot bindings must not expose a derivatives source")
	}
	if spotBinding.Klines == nil {
		t.Fatal("spot bindings still serve kline backfills")
	}

	okxBinding, err := reg.New(schema.VenueOKX, venues.Config{Bus: bus, MarketType: schema.MarketTypeFutures})
	if err != nil {
		t.Fatalf("okx binding: %v", err)
	}
	if len(okxBinding.Streams) != 2 {
		t.Fatalf("okx streams = %d, want public and business", len(okxBinding.Streams))
	}
	public, business := okxBinding.Streams[0], okxBinding.Streams[1]
	if !public.Carries("tickers.BTCUSDT") || public.Carries("kline.1m.BTCUSDT") {
		t.Fatal("okx public stream should carry everything but candles")
	}
	if !business.Carries("kline.1m.BTCUSDT") || business.Carries("trades.BTCUSDT") {
		t.Fatal("okx business stream should carry only candles")
	}
	if public.Adapter.StreamID() == business.Adapter.StreamID() {
		t.Fatal("okx sockets must have distinct stream ids")
	}
}
