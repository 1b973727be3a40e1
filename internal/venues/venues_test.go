package venues

import (
	"testing"

	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/schema"
)

func TestRegistryRoundTrip(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.New("nowhere", Config{}); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("unregistered venue err = %v", err)
	}

	var got Config
	reg.Register("testvenue", func(cfg Config) (*Binding, error) {
		got = cfg
		return &Binding{Venue: "testvenue", MarketType: cfg.MarketType}, nil
	})

	binding, err := reg.New("testvenue", Config{MarketType: schema.MarketTypeFutures, Depth: 50})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if binding.Venue != "testvenue" || binding.MarketType != schema.MarketTypeFutures {
		t.Fatalf("binding = %+v", binding)
	}
	if got.Depth != 50 {
		t.Fatalf("factory config = %+v", got)
	}

	names := reg.Venues()
	if len(names) != 1 || names[0] != "testvenue" {
		t.Fatalf("venues = %v", names)
	}
}

func TestRegisterNilFactoryPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("nil factory should panic")
		}
	}()
	NewRegistry().Register("broken", nil)
}

func TestStreamCarries(t *testing.T) {
	all := Stream{}
	if !all.Carries("tickers.BTCUSDT") {
		t.Fatal("nil filter should accept every topic")
	}

	filtered := Stream{Accepts: func(topic string) bool { return topic == "kline.1m.BTCUSDT" }}
	if !filtered.Carries("kline.1m.BTCUSDT") || filtered.Carries("tickers.BTCUSDT") {
		t.Fatal("filter not applied")
	}
}
