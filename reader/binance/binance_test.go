package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/internal/ratelimit"
)

func newTestReader(t *testing.T, handler http.HandlerFunc) *Reader {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &appconfig.Config{
		Reader: appconfig.ReaderConfig{Timeout: 5 * time.Second},
		Source: appconfig.SourceConfig{
			Binance: appconfig.BinanceSourceConfig{
				Enabled: true,
				URL:     srv.URL,
				ConnectionPool: appconfig.ConnectionPoolConfig{
					MaxIdleConns:    1,
					MaxConnsPerHost: 1,
					IdleConnTimeout: time.Second,
				},
			},
		},
	}
	limiter := ratelimit.New(0, 0)
	t.Cleanup(limiter.Close)
	return NewReader(cfg, limiter)
}

func TestLoadInstruments(t *testing.T) {
	r := newTestReader(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/fapi/v1/exchangeInfo" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		w.Header().Set("X-MBX-USED-WEIGHT-1m", "1")
		fmt.Fprint(w, `{"timezone":"UTC","serverTime":1704067200000,"symbols":[
			{"symbol":"BTCUSDT","pair":"BTCUSDT","contractType":"PERPETUAL","onboardDate":1569398400000,"status":"TRADING"},
			{"symbol":"BTCUSDT_240329","pair":"BTCUSDT","contractType":"CURRENT_QUARTER","onboardDate":1695945600000,"status":"TRADING"},
			{"symbol":"OLDUSDT","pair":"OLDUSDT","contractType":"PERPETUAL","onboardDate":1569398400000,"status":"SETTLING"}
		]}`)
	})

	got, err := r.LoadInstruments(context.Background())
	if err != nil {
		t.Fatalf("LoadInstruments error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 instrument, got %+v", got)
	}
	want := models.Instrument{Symbol: "BTCUSDT", ContractType: "PERPETUAL", Category: models.CategoryLinear, LaunchTimestamp: 1569398400000}
	if got[0] != want {
		t.Fatalf("expected %+v, got %+v", want, got[0])
	}
}

func TestLoadInstrumentsNetworkError(t *testing.T) {
	r := newTestReader(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"code":-1003,"msg":"Too many requests; current limit is 2400 request weight per 1 MINUTE."}`)
	})
	if _, err := r.LoadInstruments(context.Background()); !errors.Is(err, models.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestLoadInstrumentsDecodeError(t *testing.T) {
	r := newTestReader(t, func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"symbols":"nope"`)
	})
	if _, err := r.LoadInstruments(context.Background()); !errors.Is(err, models.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestFetchFunding(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	ts := start.Add(8 * time.Hour).UnixMilli()

	r := newTestReader(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/fapi/v1/fundingRate" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		q := req.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("limit") != "200" {
			t.Errorf("unexpected query %s", req.URL.RawQuery)
		}
		if q.Get("startTime") != fmt.Sprint(start.UnixMilli()) || q.Get("endTime") != fmt.Sprint(end.UnixMilli()) {
			t.Errorf("unexpected window %s", req.URL.RawQuery)
		}
		fmt.Fprintf(w, `[{"symbol":"BTCUSDT","fundingRate":"0.00010000","fundingTime":%d}]`, ts)
	})

	inst := models.Instrument{Symbol: "BTCUSDT", ContractType: "PERPETUAL", Category: models.CategoryLinear}
	obs, err := r.FetchFunding(context.Background(), inst, start, end)
	if err != nil {
		t.Fatalf("FetchFunding error: %v", err)
	}
	if len(obs) != 1 || obs[0].TimestampMs != ts || obs[0].Rate.String() != "0.0001" {
		t.Fatalf("unexpected observations %+v", obs)
	}
}

func TestFetchFundingBadRate(t *testing.T) {
	r := newTestReader(t, func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `[{"symbol":"BTCUSDT","fundingRate":"","fundingTime":1}]`)
	})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	inst := models.Instrument{Symbol: "BTCUSDT", Category: models.CategoryLinear}
	if _, err := r.FetchFunding(context.Background(), inst, start, start.Add(24*time.Hour)); !errors.Is(err, models.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}
