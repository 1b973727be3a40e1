// Package errs provides structured error types and classification helpers
// shared across the tidefeed market-data services.
package errs

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Code identifies a failure category used by backoff and warning policies.
type Code string

const (
	// CodeRateLimit indicates the venue throttled the request.
	CodeRateLimit Code = "rate_limit"
	// CodeHTTP4xx indicates a client-side HTTP failure other than throttling.
	CodeHTTP4xx Code = "http_4xx"
	// CodeHTTP5xx indicates a venue-side HTTP failure.
	CodeHTTP5xx Code = "http_5xx"
	// CodeExchange indicates a non-zero venue return code on an HTTP 200.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a transport failure (reset, timeout, DNS).
	CodeNetwork Code = "network"
	// CodeAbort indicates the request was cancelled by its abort token.
	CodeAbort Code = "abort"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnknown captures uncategorized failures.
	CodeUnknown Code = "unknown"
)

// E captures structured error information produced across the tidefeed stack.
type E struct {
	Venue      string
	Code       Code
	HTTP       int
	RawCode    string
	RawMsg     string
	Message    string
	RetryAfter time.Duration

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and failure code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:      strings.TrimSpace(venue),
		Code:       code,
		HTTP:       0,
		RawCode:    "",
		RawMsg:     "",
		Message:    "",
		RetryAfter: 0,
		cause:      nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue return code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithRetryAfter records the venue-advertised retry delay.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeUnknown)
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the failure code from any error; non-envelope errors are
// classified by ClassifyTransport.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ClassifyTransport(err)
}

// ClassifyHTTP maps an HTTP response status and venue return code onto a
// failure code. A retry-after hint forces rate_limit regardless of status.
func ClassifyHTTP(status int, retCode string, retryAfter time.Duration) Code {
	switch {
	case retryAfter > 0, status == 418, status == 429:
		return CodeRateLimit
	case status >= 500:
		return CodeHTTP5xx
	case status >= 400:
		return CodeHTTP4xx
	case strings.TrimSpace(retCode) != "" && strings.TrimSpace(retCode) != "0":
		return CodeExchange
	default:
		return CodeUnknown
	}
}

// ClassifyTransport maps a local transport failure onto a failure code.
func ClassifyTransport(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return CodeAbort
	case errors.Is(err, context.DeadlineExceeded):
		return CodeNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CodeNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return CodeNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CodeNetwork
	}
	return CodeUnknown
}
