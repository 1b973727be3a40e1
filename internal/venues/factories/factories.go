// Package factories registers the built-in venue implementations.
package factories

import (
	"github.com/coachpo/tidefeed/internal/venues"
	"github.com/coachpo/tidefeed/internal/venues/binance"
	"github.com/coachpo/tidefeed/internal/venues/bybit"
	"github.com/coachpo/tidefeed/internal/venues/okx"
)

// Register installs all built-in venue factories into the supplied registry.
func Register(reg *venues.Registry) {
	if reg == nil {
		return
	}
	bybit.RegisterFactory(reg)
	binance.RegisterFactory(reg)
	okx.RegisterFactory(reg)
}
