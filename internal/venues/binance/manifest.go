package binance

import (
	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues"
)

// RegisterFactory installs the Binance venue factory into the registry. The
// stream adapter receives the REST client so broken depth chains can re-seed
// from a fresh snapshot without leaving the venue package.
func RegisterFactory(reg *venues.Registry) {
	if reg == nil {
		return
	}
	reg.Register(schema.VenueBinance, func(cfg venues.Config) (*venues.Binding, error) {
		if cfg.Bus == nil {
			return nil, errs.New(venueName, errs.CodeInvalid,
				errs.WithMessage("venue binding requires an event bus"))
		}
		rest := NewRESTClient(RESTConfig{
			MarketType: cfg.MarketType,
			BaseURL:    cfg.RESTBaseURL,
			Timeout:    cfg.HTTPTimeout,
		})
		adapter := NewAdapter(cfg.Bus, AdapterConfig{
			MarketType: cfg.MarketType,
			URL:        cfg.WSURL,
			Depth:      cfg.Depth,
			REST:       rest,
		})
		binding := &venues.Binding{
			Venue:      schema.VenueBinance,
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
