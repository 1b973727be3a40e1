package okx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/schema"
)

func newRESTClient(t *testing.T, marketType schema.MarketType, handler http.HandlerFunc) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRESTClient(RESTConfig{MarketType: marketType, BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func writeEnvelope(w http.ResponseWriter, code, msg, data string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"code":%q,"msg":%q,"data":%s}`, code, msg, data)
}

func TestGetKlinesTrimsWindow(t *testing.T) {
	client := newRESTClient(t, schema.MarketTypeFutures, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/market/candles" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("instId") != "BTC-USDT-SWAP" || q.Get("bar") != "1m" || q.Get("limit") != "3" {
			t.Errorf("query = %v", q)
		}
		// Newest first, with one row older than the requested window and the
		// newest one still open.
		writeEnvelope(w, "0", "", `[
			["1700000060000","43010","43020","43005","43015","3","0.3","129045","0"],
			["1700000000000","43000","43010","42990","43005","10","1","430050","1"],
			["1699999940000","42990","43000","42980","43000","5","0.5","214950","1"]]`)
	})

	klines, meta, err := client.GetKlines(context.Background(), "BTCUSDT", "1m", 1700000000000, 3)
	if err != nil {
		t.Fatalf("GetKlines: %v", err)
	}
	if meta.Status != http.StatusOK || meta.RetCode != "0" {
		t.Fatalf("meta = %+v", meta)
	}
	if len(klines) != 2 {
		t.Fatalf("klines = %d, want 2 (window trim)", len(klines))
	}
	if klines[0].StartTS != 1700000000000 || klines[1].StartTS != 1700000060000 {
		t.Fatalf("klines not ascending: %d, %d", klines[0].StartTS, klines[1].StartTS)
	}
	for _, k := range klines {
		if k.EndTS != k.StartTS+60000 {
			t.Fatalf("endTs = %d for startTs %d", k.EndTS, k.StartTS)
		}
		if k.TF != "1m" || k.Venue != schema.VenueOKX || k.Symbol != "BTCUSDT" {
			t.Fatalf("kline identity = %+v", k)
		}
	}
	// The confirm column is authoritative, not the clock.
	if !klines[0].Confirmed || klines[1].Confirmed {
		t.Fatalf("confirm flags = %v/%v", klines[0].Confirmed, klines[1].Confirmed)
	}
	// Quote turnover column is preferred over the currency volume.
	if klines[0].Turnover != "430050" || klines[0].Volume != "10" {
		t.Fatalf("kline volume fields = %+v", klines[0])
	}
}

func TestGetKlinesNormalizesBarToken(t *testing.T) {
	client := newRESTClient(t, schema.MarketTypeSpot, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("bar") != "1H" || q.Get("instId") != "BTC-USDT" {
			t.Errorf("query = %v", q)
		}
		writeEnvelope(w, "0", "", `[["1700000000000","43000","43010","42990","43005","10","430050","430050","1"]]`)
	})

	klines, _, err := client.GetKlines(context.Background(), "BTCUSDT", "1h", 0, 1)
	if err != nil {
		t.Fatalf("GetKlines: %v", err)
	}
	if klines[0].Interval != "1H" || klines[0].TF != "1h" {
		t.Fatalf("bar labels = %+v", klines[0])
	}
	if klines[0].EndTS != 1700000000000+3600000 {
		t.Fatalf("endTs = %d", klines[0].EndTS)
	}

	if _, _, err := client.GetKlines(context.Background(), "BTCUSDT", "7m", 0, 1); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("unknown bar err = %v", err)
	}
}

func TestGetOpenInterestPrefersCurrency(t *testing.T) {
	client := newRESTClient(t, schema.MarketTypeFutures, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/public/open-interest" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("instType") != "SWAP" {
			t.Errorf("query = %v", q)
		}
		switch q.Get("instId") {
		case "BTC-USDT-SWAP":
			writeEnvelope(w, "0", "", `[{"instId":"BTC-USDT-SWAP","instType":"SWAP","oi":"5000000","oiCcy":"50000.5","ts":"1700000000000"}]`)
		case "ETH-USDT-SWAP":
			writeEnvelope(w, "0", "", `[{"instId":"ETH-USDT-SWAP","instType":"SWAP","oi":"1200000","ts":"1700000000000"}]`)
		default:
			t.Errorf("unexpected instId %q", q.Get("instId"))
		}
	})

	oi, meta, err := client.GetOpenInterest(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetOpenInterest: %v", err)
	}
	if oi.Value != "50000.5" || oi.Unit != schema.OIUnitBase || oi.ExchangeTS != 1700000000000 {
		t.Fatalf("oi = %+v", oi)
	}
	if meta.RequestID == "" || meta.Duration < 0 {
		t.Fatalf("call meta = %+v", meta)
	}

	contractsOnly, _, err := client.GetOpenInterest(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("GetOpenInterest contracts: %v", err)
	}
	if contractsOnly.Value != "1200000" || contractsOnly.Unit != schema.OIUnitContracts {
		t.Fatalf("contracts oi = %+v", contractsOnly)
	}
}

func TestGetFundingRate(t *testing.T) {
	client := newRESTClient(t, schema.MarketTypeFutures, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/public/funding-rate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("instId") != "BTC-USDT-SWAP" {
			t.Errorf("query = %v", r.URL.Query())
		}
		writeEnvelope(w, "0", "", `[{"instId":"BTC-USDT-SWAP","fundingRate":"0.0000792386885340",`+
			`"fundingTime":"1700006400000","nextFundingRate":"0.0001","ts":"1700000000456"}]`)
	})

	funding, _, err := client.GetFundingHistory(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetFundingHistory: %v", err)
	}
	if funding.Rate != "0.0000792386885340" {
		t.Fatalf("rate = %q", funding.Rate)
	}
	if funding.NextFundingTS != 1700006400000 || funding.ExchangeTS != 1700000000456 {
		t.Fatalf("funding timestamps = %+v", funding)
	}
}

func TestRESTErrorClassification(t *testing.T) {
	cases := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode errs.Code
		check    func(t *testing.T, e *errs.E)
	}{
		{
			name: "throttled",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			wantCode: errs.CodeRateLimit,
			check: func(t *testing.T, e *errs.E) {
				if e.RetryAfter != 2*time.Second {
					t.Fatalf("retryAfter = %v", e.RetryAfter)
				}
			},
		},
		{
			// OKX reports most failures under HTTP 200 through the envelope.
			name: "envelope code under 200",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeEnvelope(w, "51001", "Instrument ID does not exist", `[]`)
			},
			wantCode: errs.CodeExchange,
			check: func(t *testing.T, e *errs.E) {
				if e.RawCode != "51001" || e.RawMsg != "Instrument ID does not exist" {
					t.Fatalf("raw fields = %q/%q", e.RawCode, e.RawMsg)
				}
				if e.HTTP != http.StatusOK {
					t.Fatalf("http status = %d", e.HTTP)
				}
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantCode: errs.CodeHTTP5xx,
		},
		{
			name: "empty data",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeEnvelope(w, "0", "", `[]`)
			},
			wantCode: errs.CodeExchange,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newRESTClient(t, schema.MarketTypeFutures, tc.handler)
			_, _, err := client.GetOpenInterest(context.Background(), "BTCUSDT")
			if err == nil {
				t.Fatal("expected error")
			}
			if code := errs.CodeOf(err); code != tc.wantCode {
				t.Fatalf("code = %q, want %q (err: %v)", code, tc.wantCode, err)
			}
			if tc.check != nil {
				var e *errs.E
				if !errors.As(err, &e) {
					t.Fatalf("error type = %T", err)
				}
				tc.check(t, e)
			}
		})
	}
}

func TestDerivativeEndpointsRequireFutures(t *testing.T) {
	client := newRESTClient(t, schema.MarketTypeSpot, func(http.ResponseWriter, *http.Request) {
		t.Error("spot client must not reach derivative endpoints")
	})

	if _, _, err := client.GetOpenInterest(context.Background(), "BTCUSDT"); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("open interest err = %v", err)
	}
	if _, _, err := client.GetFundingHistory(context.Background(), "BTCUSDT"); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("funding err = %v", err)
	}
}
