package okx

import (
	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues"
)

// RegisterFactory installs the OKX venue factory into the registry. The
// binding carries two streams because OKX serves candles from the business
// socket; the topic filters keep each socket on its own channel set.
func RegisterFactory(reg *venues.Registry) {
	if reg == nil {
		return
	}
	reg.Register(schema.VenueOKX, func(cfg venues.Config) (*venues.Binding, error) {
		if cfg.Bus == nil {
			return nil, errs.New(venueName, errs.CodeInvalid,
				errs.WithMessage("venue binding requires an event bus"))
		}
		public := NewAdapter(cfg.Bus, AdapterConfig{
			MarketType: cfg.MarketType,
			URL:        cfg.WSURL,
		})
		business := NewAdapter(cfg.Bus, AdapterConfig{
			MarketType: cfg.MarketType,
			URL:        cfg.KlineWSURL,
			Business:   true,
		})
		rest := NewRESTClient(RESTConfig{
			MarketType: cfg.MarketType,
			BaseURL:    cfg.RESTBaseURL,
			Timeout:    cfg.HTTPTimeout,
		})
		binding := &venues.Binding{
			Venue:      schema.VenueOKX,
			MarketType: public.MarketType(),
			Streams: []venues.Stream{
				{Adapter: public, Accepts: func(topic string) bool { return !isKlineTopic(topic) }},
				{Adapter: business, Accepts: isKlineTopic},
			},
			Klines: rest,
		}
		if public.MarketType() == schema.MarketTypeFutures {
			binding.Derivatives = rest
		}
		return binding, nil
	})
}

func isKlineTopic(topic string) bool {
	sub, err := schema.ParseSubscription(topic)
	return err == nil && sub.Kind == schema.SubscriptionKline
}
