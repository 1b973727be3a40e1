package binance

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/schema"
	"github.com/coachpo/tidefeed/internal/venues/shared"
)

// restError is the body Binance attaches to non-2xx responses.
type restError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type openInterestResponse struct {
	OpenInterest shared.FlexString `json:"openInterest"`
	Symbol       string            `json:"symbol"`
	Time         int64             `json:"time"`
}

type premiumIndexResponse struct {
	Symbol          string            `json:"symbol"`
	MarkPrice       shared.FlexString `json:"markPrice"`
	LastFundingRate shared.FlexString `json:"lastFundingRate"`
	NextFundingTime int64             `json:"nextFundingTime"`
	Time            int64             `json:"time"`
}

// depthLimits are the snapshot sizes the venue accepts.
var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000}

// RESTConfig carries the knobs for the Binance REST client.
type RESTConfig struct {
	MarketType schema.MarketType
	// BaseURL overrides the production API host (tests, testnet).
	BaseURL string
	Timeout time.Duration
}

// RESTClient wraps the Binance market-data endpoints used for depth seeding,
// kline bootstrap, and derivatives polling.
type RESTClient struct {
	http       *resty.Client
	limiter    *rate.Limiter
	marketType schema.MarketType
	now        func() time.Time
}

// NewRESTClient constructs a REST client for one market.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	marketType := cfg.MarketType
	if marketType != schema.MarketTypeSpot {
		marketType = schema.MarketTypeFutures
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if marketType == schema.MarketTypeSpot {
			baseURL = defaultSpotRESTBaseURL
		} else {
			baseURL = defaultUSDMRESTBaseURL
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
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
func (c *RESTClient) Venue() schema.Venue { return schema.VenueBinance }

func (c *RESTClient) path(futures, spot string) string {
	if c.marketType == schema.MarketTypeSpot {
		return spot
	}
	return futures
}

// GetDepthSnapshot fetches a full depth snapshot used to seed the diff
// stream. The venue only accepts fixed snapshot sizes, so the requested limit
// rounds up to the next supported one.
func (c *RESTClient) GetDepthSnapshot(ctx context.Context, symbol string, limit int) (depthSnapshot, shared.CallMeta, error) {
	snapLimit := depthLimits[len(depthLimits)-1]
	for _, candidate := range depthLimits {
		if candidate >= limit {
			snapLimit = candidate
			break
		}
	}
	body, meta, err := c.get(ctx, c.path("/fapi/v1/depth", "/api/v3/depth"), map[string]string{
		"symbol": strings.ToUpper(symbol),
		"limit":  strconv.Itoa(snapLimit),
	})
	if err != nil {
		return depthSnapshot{}, meta, err
	}
	var snap depthSnapshot
	if jerr := json.Unmarshal(body, &snap); jerr != nil {
		return depthSnapshot{}, meta, errs.New(venueName, errs.CodeUnknown,
			errs.WithMessage("decode depth snapshot"), errs.WithCause(jerr))
	}
	if snap.LastUpdateID == 0 {
		return depthSnapshot{}, meta, errs.New(venueName, errs.CodeExchange,
			errs.WithMessage("depth snapshot empty for "+symbol),
			errs.WithHTTP(meta.Status))
	}
	return snap, meta, nil
}

// GetKlines fetches up to limit historical klines from startTS in ascending
// startTs order (the venue already delivers them oldest-first).
func (c *RESTClient) GetKlines(ctx context.Context, symbol, interval string, startTS int64, limit int) ([]schema.Kline, shared.CallMeta, error) {
	if strings.TrimSpace(interval) == "" {
		return nil, shared.CallMeta{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("kline interval required"))
	}
	if limit <= 0 || limit > 1500 {
		limit = 200
	}
	query := map[string]string{
		"symbol":   strings.ToUpper(symbol),
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if startTS > 0 {
		query["startTime"] = strconv.FormatInt(startTS, 10)
	}
	body, meta, err := c.get(ctx, c.path("/fapi/v1/klines", "/api/v3/klines"), query)
	if err != nil {
		return nil, meta, err
	}

	var rows [][]json.RawMessage
	if jerr := json.Unmarshal(body, &rows); jerr != nil {
		return nil, meta, errs.New(venueName, errs.CodeUnknown,
			errs.WithMessage("decode kline rows"), errs.WithCause(jerr))
	}
	if len(rows) == 0 {
		return nil, meta, errs.New(venueName, errs.CodeExchange,
			errs.WithMessage("kline list empty for "+symbol),
			errs.WithHTTP(meta.Status))
	}

	nowMs := c.now().UnixMilli()
	klines := make([]schema.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 8 {
			continue
		}
		var openTime, closeTime shared.FlexInt64
		if json.Unmarshal(row[0], &openTime) != nil || json.Unmarshal(row[6], &closeTime) != nil {
			continue
		}
		fields := make([]string, 0, 5)
		ok := true
		for _, idx := range []int{1, 2, 3, 4, 5} {
			var v shared.FlexString
			if json.Unmarshal(row[idx], &v) != nil {
				ok = false
				break
			}
			fields = append(fields, v.String())
		}
		if !ok || openTime.Int64() <= 0 {
			continue
		}
		var quote shared.FlexString
		_ = json.Unmarshal(row[7], &quote)

		endMs := closeTime.Int64() + 1
		klines = append(klines, schema.Kline{
			Instrument: schema.Instrument{Venue: schema.VenueBinance, MarketType: c.marketType, Symbol: strings.ToUpper(symbol)},
			Interval:   interval,
			TF:         interval,
			StartTS:    openTime.Int64(),
			EndTS:      endMs,
			Open:       fields[0],
			High:       fields[1],
			Low:        fields[2],
			Close:      fields[3],
			Volume:     fields[4],
			Turnover:   quote.String(),
			Confirmed:  endMs <= nowMs,
		})
	}
	return klines, meta, nil
}

// GetOpenInterest fetches the current open interest, denominated in the base
// asset.
func (c *RESTClient) GetOpenInterest(ctx context.Context, symbol string) (schema.OpenInterest, shared.CallMeta, error) {
	if c.marketType != schema.MarketTypeFutures {
		return schema.OpenInterest{}, shared.CallMeta{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("open interest requires a futures client"))
	}
	body, meta, err := c.get(ctx, "/fapi/v1/openInterest", map[string]string{
		"symbol": strings.ToUpper(symbol),
	})
	if err != nil {
		return schema.OpenInterest{}, meta, err
	}
	var resp openInterestResponse
	if jerr := json.Unmarshal(body, &resp); jerr != nil {
		return schema.OpenInterest{}, meta, errs.New(venueName, errs.CodeUnknown,
			errs.WithMessage("decode open interest"), errs.WithCause(jerr))
	}
	if resp.OpenInterest.String() == "" {
		return schema.OpenInterest{}, meta, errs.New(venueName, errs.CodeExchange,
			errs.WithMessage("open interest empty for "+symbol),
			errs.WithHTTP(meta.Status))
	}
	return schema.OpenInterest{
		Instrument: schema.Instrument{Venue: schema.VenueBinance, MarketType: c.marketType, Symbol: strings.ToUpper(symbol)},
		Value:      resp.OpenInterest.String(),
		Unit:       schema.OIUnitBase,
		ExchangeTS: resp.Time,
	}, meta, nil
}

// GetFundingHistory reads the premium index, which carries the live funding
// rate and the next settlement time.
func (c *RESTClient) GetFundingHistory(ctx context.Context, symbol string) (schema.FundingRate, shared.CallMeta, error) {
	if c.marketType != schema.MarketTypeFutures {
		return schema.FundingRate{}, shared.CallMeta{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("funding requires a futures client"))
	}
	body, meta, err := c.get(ctx, "/fapi/v1/premiumIndex", map[string]string{
		"symbol": strings.ToUpper(symbol),
	})
	if err != nil {
		return schema.FundingRate{}, meta, err
	}
	var resp premiumIndexResponse
	if jerr := json.Unmarshal(body, &resp); jerr != nil {
		return schema.FundingRate{}, meta, errs.New(venueName, errs.CodeUnknown,
			errs.WithMessage("decode premium index"), errs.WithCause(jerr))
	}
	if resp.LastFundingRate.String() == "" {
		return schema.FundingRate{}, meta, errs.New(venueName, errs.CodeExchange,
			errs.WithMessage("funding rate empty for "+symbol),
			errs.WithHTTP(meta.Status))
	}
	return schema.FundingRate{
		Instrument:    schema.Instrument{Venue: schema.VenueBinance, MarketType: c.marketType, Symbol: strings.ToUpper(symbol)},
		Rate:          resp.LastFundingRate.String(),
		NextFundingTS: resp.NextFundingTime,
		ExchangeTS:    resp.Time,
	}, meta, nil
}

// get performs one rate-limited GET and classifies the outcome. Binance has
// no success envelope; callers decode the 2xx body themselves.
func (c *RESTClient) get(ctx context.Context, path string, query map[string]string) ([]byte, shared.CallMeta, error) {
	meta := shared.CallMeta{RequestID: uuid.NewString()}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, meta, errs.New(venueName, errs.CodeAbort,
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
		return nil, meta, errs.New(venueName, code,
			errs.WithMessage(path+" request failed"), errs.WithCause(err))
	}

	meta.Status = resp.StatusCode()
	meta.RetryAfter = parseRetryAfter(resp.Header().Get("Retry-After"))

	if code := errs.ClassifyHTTP(meta.Status, "", meta.RetryAfter); code != errs.CodeUnknown {
		var apiErr restError
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Code != 0 {
			meta.RetCode = strconv.Itoa(apiErr.Code)
			meta.RetMsg = apiErr.Msg
		}
		return nil, meta, errs.New(venueName, code,
			errs.WithMessage(path),
			errs.WithHTTP(meta.Status),
			errs.WithRawCode(meta.RetCode),
			errs.WithRawMessage(meta.RetMsg),
			errs.WithRetryAfter(meta.RetryAfter))
	}
	return resp.Body(), meta, nil
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
