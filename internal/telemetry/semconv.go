package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention attribute keys for tidefeed-specific telemetry.
const (
	// AttrTopic annotates bus and journal instruments with the bus topic.
	AttrTopic = attribute.Key("topic")
	// AttrPlane labels the topic plane (market, data, control, storage, system).
	AttrPlane = attribute.Key("plane")
	// AttrVenue identifies the exchange operator producing the signal.
	AttrVenue = attribute.Key("venue")
	// AttrMarketType distinguishes spot and futures streams.
	AttrMarketType = attribute.Key("market.type")
	// AttrSymbol captures the instrument symbol (e.g. BTCUSDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrEndpoint names the REST endpoint family (oi, funding, kline).
	AttrEndpoint = attribute.Key("endpoint")
	// AttrResult records the outcome of an operation (success, error class).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional context for errors and resyncs.
	AttrReason = attribute.Key("reason")
	// AttrStreamID labels connection instruments with the stream identity.
	AttrStreamID = attribute.Key("stream.id")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
)

// VenueAttributes returns the common attribute set for venue instruments.
func VenueAttributes(venue, marketType, symbol string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrVenue.String(venue),
	}
	if marketType != "" {
		attrs = append(attrs, AttrMarketType.String(marketType))
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	return attrs
}

// ResultAttributes returns the common attribute set for operation outcomes.
func ResultAttributes(venue, endpoint, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrVenue.String(venue),
		AttrEndpoint.String(endpoint),
		AttrResult.String(result),
	}
}
