package bybit

import (
	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues"
)

// RegisterFactory installs the Bybit venue factory into the registry.
func RegisterFactory(reg *venues.Registry) {
	if reg == nil {
		return
	}
	reg.Register(schema.VenueBybit, func(cfg venues.Config) (*venues.Binding, error) {
		if cfg.Bus == nil {
			return nil, errs.New(venueName, errs.CodeInvalid,
				errs.WithMessage("venue binding requires an event bus"))
		}
		adapter := NewAdapter(cfg.Bus, AdapterConfig{
			MarketType: cfg.MarketType,
			URL:        cfg.WSURL,
			Depth:      cfg.Depth,
		})
		rest := NewRESTClient(RESTConfig{
			MarketType: cfg.MarketType,
			BaseURL:    cfg.RESTBaseURL,
			Timeout:    cfg.HTTPTimeout,
		})
		binding := &venues.Binding{
			Venue:      schema.VenueBybit,
			MarketType: adapter.MarketType(),
			Streams:    []venues.Stream{{Adapter: adapter}},
			Klines:     rest,
		}
		if adapter.MarketType() == schema.MarketTypeFutures {
			binding.Derivatives = rest
		}
		return binding, nil
	})
}
