package schema

// ConnectRequest asks the gateway matching (venue, marketType) to connect.
type ConnectRequest struct {
	Venue      Venue      `json:"venue"`
	MarketType MarketType `json:"marketType"`
}

// DisconnectRequest asks the matching gateway to disconnect.
type DisconnectRequest struct {
	Venue      Venue      `json:"venue"`
	MarketType MarketType `json:"marketType"`
}

// SubscribeRequest asks the matching gateway to route subscription topics.
type SubscribeRequest struct {
	Venue      Venue      `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Topics     []string   `json:"topics"`
}

// Connected reports an established venue connection.
type Connected struct {
	Venue      Venue      `json:"venue"`
	MarketType MarketType `json:"marketType"`
	StreamID   string     `json:"streamId"`
	Epoch      uint64     `json:"epoch"`
}

// Disconnected reports a dropped or closed venue connection.
type Disconnected struct {
	Venue      Venue      `json:"venue"`
	MarketType MarketType `json:"marketType"`
	StreamID   string     `json:"streamId"`
	Reason     string     `json:"reason"`
	WillRetry  bool       `json:"willRetry"`
}

// MarketError surfaces a venue transport or protocol failure.
type MarketError struct {
	Venue      Venue      `json:"venue"`
	MarketType MarketType `json:"marketType"`
	StreamID   string     `json:"streamId,omitempty"`
	Code       string     `json:"code,omitempty"`
	Message    string     `json:"message"`
}

// ResyncReason enumerates order-book resync causes.
type ResyncReason string

const (
	// ResyncReasonGap flags a sequence gap between deltas.
	ResyncReasonGap ResyncReason = "gap"
	// ResyncReasonSnapshotMissing flags a delta arriving before any snapshot.
	ResyncReasonSnapshotMissing ResyncReason = "snapshot_missing"
)

// ResyncRequest asks for a fresh order-book snapshot after a discontinuity.
type ResyncRequest struct {
	Venue      Venue        `json:"venue"`
	MarketType MarketType   `json:"marketType"`
	Symbol     string       `json:"symbol"`
	Channel    string       `json:"channel"`
	Reason     ResyncReason `json:"reason"`
	LastSeq    uint64       `json:"lastSeq,omitempty"`
	UpdateID   uint64       `json:"updateId,omitempty"`
}

// KlineBootstrapRequest asks the gateway to backfill historical klines.
type KlineBootstrapRequest struct {
	Venue      Venue      `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Symbol     string     `json:"symbol"`
	Interval   string     `json:"interval"`
	SinceTS    int64      `json:"sinceTs"`
	Limit      int        `json:"limit"`
}

// KlineBootstrapCompleted reports a finished backfill.
type KlineBootstrapCompleted struct {
	Venue      Venue      `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Symbol     string     `json:"symbol"`
	Interval   string     `json:"interval"`
	Count      int        `json:"count"`
	FirstStart int64      `json:"firstStart,omitempty"`
	LastEnd    int64      `json:"lastEnd,omitempty"`
}

// KlineBootstrapFailed reports a failed or empty backfill.
type KlineBootstrapFailed struct {
	Venue      Venue      `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Symbol     string     `json:"symbol"`
	Interval   string     `json:"interval"`
	Reason     string     `json:"reason"`
}
