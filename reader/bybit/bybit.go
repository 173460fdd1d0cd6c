package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/metrics/rate"
	"fundingflow/internal/models"
	"fundingflow/internal/ratelimit"
	"fundingflow/logger"
	"fundingflow/reader"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"
)

const (
	component = "bybit_reader"

	instrumentPageSize = 1000
	fundingPageSize    = 200
)

// Reader loads Bybit v5 perpetual instruments and their funding history.
type Reader struct {
	client     *bybit.Client
	limiter    *ratelimit.Limiter
	log        *logger.Log
	categories []models.Category
}

// NewReader builds a Bybit reader whose requests are gated by limiter.
func NewReader(cfg *appconfig.Config, limiter *ratelimit.Limiter) *Reader {
	log := logger.GetLogger()
	src := cfg.Source.Bybit

	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(strings.TrimRight(src.URL, "/")))
	client.HTTPClient = reader.NewHTTPClient(src.ConnectionPool, cfg.Reader.Timeout, cfg.Reader.UserAgent)

	categories := make([]models.Category, 0, len(src.Categories))
	for _, c := range src.Categories {
		categories = append(categories, models.Category(c))
	}
	if len(categories) == 0 {
		categories = []models.Category{models.CategoryLinear, models.CategoryInverse}
	}

	log.WithComponent(component).WithFields(logger.Fields{
		"url":        src.URL,
		"categories": categories,
		"timeout":    cfg.Reader.Timeout,
	}).Info("bybit reader initialized")

	return &Reader{client: client, limiter: limiter, log: log, categories: categories}
}

// Exchange implements reader.Source.
func (r *Reader) Exchange() string { return "bybit" }

// envelope is the outer shape shared by every v5 response.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type instrumentPage struct {
	Category       string          `json:"category"`
	List           []rawInstrument `json:"list"`
	NextPageCursor string          `json:"nextPageCursor"`
}

type rawInstrument struct {
	Symbol       string  `json:"symbol"`
	ContractType string  `json:"contractType"`
	LaunchTime   msValue `json:"launchTime"`
}

type fundingPage struct {
	Category string       `json:"category"`
	List     []rawFunding `json:"list"`
}

type rawFunding struct {
	Symbol               string          `json:"symbol"`
	FundingRate          decimal.Decimal `json:"fundingRate"`
	FundingRateTimestamp msValue         `json:"fundingRateTimestamp"`
}

// msValue is a millisecond timestamp Bybit encodes as a decimal string.
type msValue int64

func (v *msValue) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		return fmt.Errorf("empty timestamp")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	*v = msValue(n)
	return nil
}

// call runs one SDK request under the limiter and returns the result payload
// together with the raw body. The SDK response value is ignored; the body
// recorded by the capture transport is decoded instead.
func (r *Reader) call(ctx context.Context, log *logger.Entry, symbol string, do func(context.Context, *bybit.Client) error) (json.RawMessage, []byte, error) {
	if err := r.limiter.Acquire(ctx); err != nil {
		return nil, nil, err
	}

	cctx, capture := reader.WithCapture(ctx)
	sdkErr := do(cctx, r.client)
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if capture.Header != nil {
		rate.ReportBybitUsage(r.log, capture.Header, symbol)
	}
	if err := capture.NetworkError(); err != nil {
		if capture.StatusCode == 429 || capture.StatusCode == 403 {
			rate.ReportLimitFromMessage(r.log, r.Exchange(), symbol, "funding", string(capture.Body))
		}
		log.WithError(err).Warn("bybit request failed")
		return nil, nil, err
	}

	var env envelope
	if err := json.Unmarshal(capture.Body, &env); err != nil {
		if sdkErr != nil {
			log.WithError(sdkErr).Debug("sdk reported error")
		}
		return nil, nil, reader.DecodeFailure(log, capture.Body, err)
	}
	if env.RetCode != 0 {
		rate.ReportLimitFromMessage(r.log, r.Exchange(), symbol, "funding", env.RetMsg)
		err := fmt.Errorf("%w: retCode %d: %s", models.ErrNetwork, env.RetCode, env.RetMsg)
		log.WithError(err).Warn("bybit rejected request")
		return nil, nil, err
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil, nil, reader.DecodeFailure(log, capture.Body, fmt.Errorf("missing result"))
	}
	return env.Result, capture.Body, nil
}

// LoadInstruments pages through instruments-info for every configured
// category and keeps the perpetual contracts.
func (r *Reader) LoadInstruments(ctx context.Context) ([]models.Instrument, error) {
	var all []models.Instrument
	for _, category := range r.categories {
		list, err := r.loadCategory(ctx, category)
		if err != nil {
			return nil, err
		}
		all = append(all, list...)
	}

	perpetual := models.Perpetuals(all)
	r.log.WithComponent(component).WithFields(logger.Fields{
		"listed":    len(all),
		"perpetual": len(perpetual),
	}).Info("instrument catalog loaded")
	return perpetual, nil
}

func (r *Reader) loadCategory(ctx context.Context, category models.Category) ([]models.Instrument, error) {
	log := r.log.WithComponent(component).WithFields(logger.Fields{
		"operation": "instruments_info",
		"category":  category,
	})

	var (
		out    []models.Instrument
		cursor string
		pages  int
	)
	for {
		params := map[string]interface{}{
			"category": string(category),
			"status":   "Trading",
			"limit":    instrumentPageSize,
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		result, body, err := r.call(ctx, log, "", func(ctx context.Context, c *bybit.Client) error {
			_, err := c.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}

		var page instrumentPage
		if err := json.Unmarshal(result, &page); err != nil {
			return nil, reader.DecodeFailure(log, body, err)
		}
		pages++
		for _, raw := range page.List {
			out = append(out, models.Instrument{
				Symbol:          raw.Symbol,
				ContractType:    raw.ContractType,
				Category:        category,
				LaunchTimestamp: int64(raw.LaunchTime),
			})
		}

		next := page.NextPageCursor
		if next == "" || next == cursor {
			break
		}
		cursor = next
	}

	log.WithFields(logger.Fields{"pages": pages, "instruments": len(out)}).Debug("category loaded")
	return out, nil
}

// FetchFunding requests one page of funding history for inst between start
// and end.
func (r *Reader) FetchFunding(ctx context.Context, inst models.Instrument, start, end time.Time) ([]models.FundingObservation, error) {
	log := r.log.WithComponent(component).WithFields(logger.Fields{
		"operation": "funding_history",
		"symbol":    inst.Symbol,
		"category":  inst.Category,
		"date":      start.Format(appconfig.DateLayout),
	})

	params := map[string]interface{}{
		"category":  string(inst.Category),
		"symbol":    inst.Symbol,
		"startTime": start.UnixMilli(),
		"endTime":   end.UnixMilli(),
		"limit":     fundingPageSize,
	}
	began := time.Now()
	result, body, err := r.call(ctx, log, inst.Symbol, func(ctx context.Context, c *bybit.Client) error {
		_, err := c.NewUtaBybitServiceWithParams(params).GetFundingRateHistory(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var page fundingPage
	if err := json.Unmarshal(result, &page); err != nil {
		return nil, reader.DecodeFailure(log, body, err)
	}

	out := make([]models.FundingObservation, 0, len(page.List))
	for _, raw := range page.List {
		symbol := raw.Symbol
		if symbol == "" {
			symbol = inst.Symbol
		}
		out = append(out, models.FundingObservation{
			Symbol:      symbol,
			TimestampMs: int64(raw.FundingRateTimestamp),
			Rate:        raw.FundingRate,
		})
	}
	logger.LogPerformanceEntry(log, component, "funding_history", time.Since(began), logger.Fields{
		"observations": len(out),
	})
	return out, nil
}
