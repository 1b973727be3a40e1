package bybit

import (
	"context"
	"net/http"
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

// restEnvelope frames every V5 REST response.
type restEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// listResult is the common shape of V5 market-data results.
type listResult struct {
	Category string            `json:"category"`
	Symbol   string            `json:"symbol"`
	List     []json.RawMessage `json:"list"`
}

type openInterestRow struct {
	OpenInterest shared.FlexString `json:"openInterest"`
	Timestamp    shared.FlexInt64  `json:"timestamp"`
}

type fundingRow struct {
	Symbol               string            `json:"symbol"`
	FundingRate          shared.FlexString `json:"fundingRate"`
	FundingRateTimestamp shared.FlexInt64  `json:"fundingRateTimestamp"`
}

// RESTConfig carries the knobs for the Bybit REST client.
type RESTConfig struct {
	MarketType schema.MarketType
	// BaseURL overrides the production API host (tests, testnet).
	BaseURL string
	Timeout time.Duration
}

// RESTClient wraps the Bybit V5 market endpoints. Calls return the decoded
// payload plus a CallMeta describing the transport outcome; retry and backoff
// belong to the poller, not here.
type RESTClient struct {
	http       *resty.Client
	limiter    *rate.Limiter
	marketType schema.MarketType
	now        func() time.Time
}

// NewRESTClient constructs a REST client for one market category.
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
		now:        time.Now,
	}
}

// Venue identifies the exchange for error envelopes and poller metadata.
func (c *RESTClient) Venue() schema.Venue { return schema.VenueBybit }

// GetKlines fetches up to limit historical klines from startTS, returned in
// ascending startTs order (the wire delivers them newest-first). A kline is
// confirmed once its end timestamp has passed.
func (c *RESTClient) GetKlines(ctx context.Context, symbol, interval string, startTS int64, limit int) ([]schema.Kline, shared.CallMeta, error) {
	intervalMs := IntervalMillis(interval)
	if intervalMs <= 0 {
		return nil, shared.CallMeta{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("unknown kline interval "+interval))
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := map[string]string{
		"category": category(c.marketType),
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if startTS > 0 {
		query["start"] = strconv.FormatInt(startTS, 10)
	}
	result, meta, err := c.get(ctx, "/v5/market/kline", query)
	if err != nil {
		return nil, meta, err
	}
	if len(result.List) == 0 {
		return nil, meta, errs.New(venueName, errs.CodeExchange,
			errs.WithMessage("kline list empty for "+symbol),
			errs.WithHTTP(meta.Status))
	}

	nowMs := c.now().UnixMilli()
	klines := make([]schema.Kline, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		var row []shared.FlexString
		if jerr := json.Unmarshal(result.List[i], &row); jerr != nil || len(row) < 7 {
			continue
		}
		startMs, perr := strconv.ParseInt(row[0].String(), 10, 64)
		if perr != nil || startMs <= 0 {
			continue
		}
		endMs := startMs + intervalMs
		klines = append(klines, schema.Kline{
			Instrument: schema.Instrument{Venue: schema.VenueBybit, MarketType: c.marketType, Symbol: symbol},
			Interval:   interval,
			TF:         IntervalTF(interval),
			StartTS:    startMs,
			EndTS:      endMs,
			Open:       row[1].String(),
			High:       row[2].String(),
			Low:        row[3].String(),
			Close:      row[4].String(),
			Volume:     row[5].String(),
			Turnover:   row[6].String(),
			Confirmed:  endMs <= nowMs,
		})
	}
	return klines, meta, nil
}

// GetOpenInterest fetches the latest open-interest observation. Linear values
// are denominated in the base asset.
func (c *RESTClient) GetOpenInterest(ctx context.Context, symbol string) (schema.OpenInterest, shared.CallMeta, error) {
	if c.marketType != schema.MarketTypeFutures {
		return schema.OpenInterest{}, shared.CallMeta{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("open interest requires a futures client"))
	}
	query := map[string]string{
		"category":     category(c.marketType),
		"symbol":       symbol,
		"intervalTime": "5min",
		"limit":        "1",
	}
	result, meta, err := c.get(ctx, "/v5/market/open-interest", query)
	if err != nil {
		return schema.OpenInterest{}, meta, err
	}
	if len(result.List) == 0 {
		return schema.OpenInterest{}, meta, errs.New(venueName, errs.CodeExchange,
			errs.WithMessage("open interest list empty for "+symbol),
			errs.WithHTTP(meta.Status))
	}
	var row openInterestRow
	if jerr := json.Unmarshal(result.List[0], &row); jerr != nil {
		return schema.OpenInterest{}, meta, errs.New(venueName, errs.CodeUnknown,
			errs.WithMessage("decode open interest row"), errs.WithCause(jerr))
	}
	return schema.OpenInterest{
		Instrument: schema.Instrument{Venue: schema.VenueBybit, MarketType: c.marketType, Symbol: symbol},
		Value:      row.OpenInterest.String(),
		Unit:       schema.OIUnitBase,
		ExchangeTS: row.Timestamp.Int64(),
	}, meta, nil
}

// GetFundingHistory fetches the most recent settled funding rate.
func (c *RESTClient) GetFundingHistory(ctx context.Context, symbol string) (schema.FundingRate, shared.CallMeta, error) {
	if c.marketType != schema.MarketTypeFutures {
		return schema.FundingRate{}, shared.CallMeta{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("funding history requires a futures client"))
	}
	query := map[string]string{
		"category": category(c.marketType),
		"symbol":   symbol,
		"limit":    "1",
	}
	result, meta, err := c.get(ctx, "/v5/market/funding/history", query)
	if err != nil {
		return schema.FundingRate{}, meta, err
	}
	if len(result.List) == 0 {
		return schema.FundingRate{}, meta, errs.New(venueName, errs.CodeExchange,
			errs.WithMessage("funding list empty for "+symbol),
			errs.WithHTTP(meta.Status))
	}
	var row fundingRow
	if jerr := json.Unmarshal(result.List[0], &row); jerr != nil {
		return schema.FundingRate{}, meta, errs.New(venueName, errs.CodeUnknown,
			errs.WithMessage("decode funding row"), errs.WithCause(jerr))
	}
	return schema.FundingRate{
		Instrument: schema.Instrument{Venue: schema.VenueBybit, MarketType: c.marketType, Symbol: symbol},
		Rate:       row.FundingRate.String(),
		ExchangeTS: row.FundingRateTimestamp.Int64(),
	}, meta, nil
}

// get performs one rate-limited GET and classifies the outcome. The venue
// envelope is decoded here so retCode-based failures surface uniformly.
func (c *RESTClient) get(ctx context.Context, path string, query map[string]string) (listResult, shared.CallMeta, error) {
	meta := shared.CallMeta{RequestID: uuid.NewString()}
	if err := c.limiter.Wait(ctx); err != nil {
		return listResult{}, meta, errs.New(venueName, errs.CodeAbort,
			errs.WithMessage(path+" aborted before dispatch"), errs.WithCause(err))
	}

	start := c.now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(path)
	meta.Duration = c.now().Sub(start)
	if err != nil {
		code := errs.ClassifyTransport(err)
		if code == "" || code == errs.CodeUnknown {
			code = errs.CodeNetwork
		}
		return listResult{}, meta, errs.New(venueName, code,
			errs.WithMessage(path+" request failed"), errs.WithCause(err))
	}

	meta.Status = resp.StatusCode()
	meta.RetryAfter = parseRetryAfter(resp.Header().Get("Retry-After"))
	meta.RateLimit = parseRateLimit(resp.Header())

	var env restEnvelope
	decodeErr := json.Unmarshal(resp.Body(), &env)
	if decodeErr == nil {
		meta.RetCode = strconv.Itoa(env.RetCode)
		meta.RetMsg = env.RetMsg
	}

	if code := errs.ClassifyHTTP(meta.Status, meta.RetCode, meta.RetryAfter); code != errs.CodeUnknown {
		return listResult{}, meta, errs.New(venueName, code,
			errs.WithMessage(path),
			errs.WithHTTP(meta.Status),
			errs.WithRawCode(meta.RetCode),
			errs.WithRawMessage(meta.RetMsg),
			errs.WithRetryAfter(meta.RetryAfter))
	}
	if decodeErr != nil {
		return listResult{}, meta, errs.New(venueName, errs.CodeUnknown,
			errs.WithMessage(path+" decode response"), errs.WithCause(decodeErr))
	}

	var result listResult
	if len(env.Result) > 0 {
		if jerr := json.Unmarshal(env.Result, &result); jerr != nil {
			return listResult{}, meta, errs.New(venueName, errs.CodeUnknown,
				errs.WithMessage(path+" decode result"), errs.WithCause(jerr))
		}
	}
	return result, meta, nil
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

func parseRateLimit(h http.Header) shared.RateLimitInfo {
	var info shared.RateLimitInfo
	if v := h.Get("X-Bapi-Limit"); v != "" {
		info.Limit, _ = strconv.Atoi(v)
	}
	if v := h.Get("X-Bapi-Limit-Status"); v != "" {
		info.Remaining, _ = strconv.Atoi(v)
	}
	if v := h.Get("X-Bapi-Limit-Reset-Timestamp"); v != "" {
		info.ResetTS, _ = strconv.ParseInt(v, 10, 64)
	}
	return info
}
