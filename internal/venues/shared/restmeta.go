package shared

import "time"

// RateLimitInfo carries the venue rate-limit headers of one REST response.
type RateLimitInfo struct {
	Limit     int   `json:"limit,omitempty"`
	Remaining int   `json:"remaining,omitempty"`
	ResetTS   int64 `json:"resetTs,omitempty"`
}

// CallMeta describes the transport outcome of one REST call. It is returned
// alongside the decoded payload so pollers can classify failures and honor
// venue throttling hints.
type CallMeta struct {
	Status     int           `json:"status"`
	RetCode    string        `json:"retCode,omitempty"`
	RetMsg     string        `json:"retMsg,omitempty"`
	RequestID  string        `json:"requestId,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	RateLimit  RateLimitInfo `json:"rateLimit"`
	Duration   time.Duration `json:"duration,omitempty"`
}
