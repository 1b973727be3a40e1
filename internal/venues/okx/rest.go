package okx

import (
	"context"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues/shared"
)

// restEnvelope frames every V5 REST response. The status code is a string and
// "0" means success regardless of the HTTP status.
type restEnvelope struct {
	Code string            `json:"code"`
	Msg  string            `json:"msg"`
	Data []json.RawMessage `json:"data"`
}

type openInterestRow struct {
	InstID string            `json:"instId"`
	OI     shared.FlexString `json:"oi"`
	OICcy  shared.FlexString `json:"oiCcy"`
	TS     shared.FlexInt64  `json:"ts"`
}

type fundingRateRow struct {
	InstID          string            `json:"instId"`
	FundingRate     shared.FlexString `json:"fundingRate"`
	FundingTime     shared.FlexInt64  `json:"fundingTime"`
	NextFundingRate shared.FlexString `json:"nextFundingRate"`
	TS              shared.FlexInt64  `json:"ts"`
}

// RESTConfig carries the knobs for the OKX REST client.
type RESTConfig struct {
	MarketType schema.MarketType
	// BaseURL overrides the production API host (tests, AWS domain).
	BaseURL string
	Timeout time.Duration
}

// RESTClient wraps the OKX V5 market endpoints. Calls return the decoded
// payload plus a CallMeta describing the transport outcome; retry and backoff
// belong to the poller, not here.
type RESTClient struct {
	http       *resty.Client
	limiter    *rate.Limiter
	marketType schema.MarketType
}

// NewRESTClient constructs a REST client for one market type.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultRESTBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	marketType := cfg.MarketType
	if marketType != schema.MarketTypeSpot {
		marketType = schema.MarketTypeFutures
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &RESTClient{
		http:       httpClient,
		limiter:    rate.NewLimiter(10, 10),
		marketType: marketType,
	}
}

// Venue identifies the exchange for error envelopes and poller metadata.
func (c *RESTClient) Venue() schema.Venue { return schema.VenueOKX }

// GetKlines fetches up to limit recent candles, returned in ascending startTs
// order. The endpoint pages newest-first and its cursor params anchor to the
// latest data, so the startTS window is trimmed client-side. Confirmation is
// explicit on the wire.
func (c *RESTClient) GetKlines(ctx context.Context, symbol, interval string, startTS int64, limit int) ([]schema.Kline, shared.CallMeta, error) {
	bar := normalizeBar(interval)
	barMs := BarMillis(bar)
	if barMs <= 0 {
		return nil, shared.CallMeta{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("unknown candle bar "+interval))
	}
	if limit <= 0 || limit > 300 {
		limit = 100
	}
	query := map[string]string{
		"instId": c.instID(symbol),
		"bar":    bar,
		"limit":  strconv.Itoa(limit),
	}
	rows, meta, err := c.get(ctx, "/api/v5/market/candles", query)
	if err != nil {
		return nil, meta, err
	}
	if len(rows) == 0 {
		return nil, meta, errs.New(venueName, errs.CodeExchange,
			errs.WithMessage("candle list empty for "+symbol),
			errs.WithHTTP(meta.Status))
	}

	klines := make([]schema.Kline, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var row []string
		if jerr := json.Unmarshal(rows[i], &row); jerr != nil || len(row) < 9 {
			continue
		}
		startMs := shared.ParseMilliTS(row[0])
		if startMs <= 0 || startMs < startTS {
			continue
		}
		turnover := row[6]
		if row[7] != "" {
			turnover = row[7]
		}
		klines = append(klines, schema.Kline{
			Instrument: schema.Instrument{Venue: schema.VenueOKX, MarketType: c.marketType, Symbol: symbol},
			Interval:   bar,
			TF:         barTF(bar),
			StartTS:    startMs,
			EndTS:      startMs + barMs,
			Open:       row[1],
			High:       row[2],
			Low:        row[3],
			Close:      row[4],
			Volume:     row[5],
			Turnover:   turnover,
			Confirmed:  row[8] == "1",
		})
	}
	return klines, meta, nil
}

// GetOpenInterest fetches the latest open-interest observation. The currency
// figure is preferred over the contract count when the venue provides both.
func (c *RESTClient) GetOpenInterest(ctx context.Context, symbol string) (schema.OpenInterest, shared.CallMeta, error) {
	if c.marketType != schema.MarketTypeFutures {
		return schema.OpenInterest{}, shared.CallMeta{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("open interest requires a futures client"))
	}
	query := map[string]string{
		"instType": "SWAP",
		"instId":   c.instID(symbol),
	}
	rows, meta, err := c.get(ctx, "/api/v5/public/open-interest", query)
	if err != nil {
		return schema.OpenInterest{}, meta, err
	}
	if len(rows) == 0 {
		return schema.OpenInterest{}, meta, errs.New(venueName, errs.CodeExchange,
			errs.WithMessage("open interest empty for "+symbol),
			errs.WithHTTP(meta.Status))
	}
	var row openInterestRow
	if jerr := json.Unmarshal(rows[0], &row); jerr != nil {
		return schema.OpenInterest{}, meta, errs.New(venueName, errs.CodeUnknown,
			errs.WithMessage("decode open interest row"), errs.WithCause(jerr))
	}
	value := row.OICcy.String()
	unit := schema.OIUnitBase
	if value == "" {
		value = row.OI.String()
		unit = schema.OIUnitContracts
	}
	return schema.OpenInterest{
		Instrument: schema.Instrument{Venue: schema.VenueOKX, MarketType: c.marketType, Symbol: symbol},
		Value:      value,
		Unit:       unit,
		ExchangeTS: row.TS.Int64(),
	}, meta, nil
}

// GetFundingHistory fetches the current funding rate and its settlement time.
func (c *RESTClient) GetFundingHistory(ctx context.Context, symbol string) (schema.FundingRate, shared.CallMeta, error) {
	if c.marketType != schema.MarketTypeFutures {
		return schema.FundingRate{}, shared.CallMeta{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("funding rate requires a futures client"))
	}
	query := map[string]string{"instId": c.instID(symbol)}
	rows, meta, err := c.get(ctx, "/api/v5/public/funding-rate", query)
	if err != nil {
		return schema.FundingRate{}, meta, err
	}
	if len(rows) == 0 {
		return schema.FundingRate{}, meta, errs.New(venueName, errs.CodeExchange,
			errs.WithMessage("funding rate empty for "+symbol),
			errs.WithHTTP(meta.Status))
	}
	var row fundingRateRow
	if jerr := json.Unmarshal(rows[0], &row); jerr != nil {
		return schema.FundingRate{}, meta, errs.New(venueName, errs.CodeUnknown,
			errs.WithMessage("decode funding rate row"), errs.WithCause(jerr))
	}
	exchangeTS := row.TS.Int64()
	if exchangeTS == 0 {
		exchangeTS = row.FundingTime.Int64()
	}
	return schema.FundingRate{
		Instrument:    schema.Instrument{Venue: schema.VenueOKX, MarketType: c.marketType, Symbol: symbol},
		Rate:          row.FundingRate.String(),
		NextFundingTS: row.FundingTime.Int64(),
		ExchangeTS:    exchangeTS,
	}, meta, nil
}

func (c *RESTClient) instID(symbol string) string {
	return instID(symbol, c.marketType == schema.MarketTypeFutures)
}

// get performs one rate-limited GET and classifies the outcome. OKX reports
// failures through the envelope code even under HTTP 200, so the string code
// feeds classification directly.
func (c *RESTClient) get(ctx context.Context, path string, query map[string]string) ([]json.RawMessage, shared.CallMeta, error) {
	meta := shared.CallMeta{RequestID: uuid.NewString()}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, meta, errs.New(venueName, errs.CodeAbort,
			errs.WithMessage(path+" aborted before dispatch"), errs.WithCause(err))
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(path)
	meta.Duration = time.Since(start)
	if err != nil {
		code := errs.ClassifyTransport(err)
		if code == "" || code == errs.CodeUnknown {
			code = errs.CodeNetwork
		}
		return nil, meta, errs.New(venueName, code,
			errs.WithMessage(path+" request failed"), errs.WithCause(err))
	}

	meta.Status = resp.StatusCode()
	meta.RetryAfter = parseRetryAfter(resp.Header().Get("Retry-After"))

	var env restEnvelope
	decodeErr := json.Unmarshal(resp.Body(), &env)
	if decodeErr == nil {
		meta.RetCode = env.Code
		meta.RetMsg = env.Msg
	}

	if code := errs.ClassifyHTTP(meta.Status, meta.RetCode, meta.RetryAfter); code != errs.CodeUnknown {
		return nil, meta, errs.New(venueName, code,
			errs.WithMessage(path),
			errs.WithHTTP(meta.Status),
			errs.WithRawCode(meta.RetCode),
			errs.WithRawMessage(meta.RetMsg),
			errs.WithRetryAfter(meta.RetryAfter))
	}
	if decodeErr != nil {
		return nil, meta, errs.New(venueName, errs.CodeUnknown,
			errs.WithMessage(path+" decode response"), errs.WithCause(decodeErr))
	}
	return env.Data, meta, nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
