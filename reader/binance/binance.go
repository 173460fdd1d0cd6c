package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/metrics/rate"
	"fundingflow/internal/models"
	"fundingflow/internal/ratelimit"
	"fundingflow/logger"
	"fundingflow/reader"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const (
	component = "binance_reader"

	fundingPageSize = 200
	statusTrading   = "TRADING"
)

// Reader loads USD-M perpetual contracts and their funding history from the
// Binance futures REST API.
type Reader struct {
	client  *futures.Client
	limiter *ratelimit.Limiter
	log     *logger.Log
}

// NewReader builds a Binance futures reader whose requests are gated by limiter.
func NewReader(cfg *appconfig.Config, limiter *ratelimit.Limiter) *Reader {
	log := logger.GetLogger()
	src := cfg.Source.Binance

	client := futures.NewClient("", "")
	client.HTTPClient = reader.NewHTTPClient(src.ConnectionPool, cfg.Reader.Timeout, cfg.Reader.UserAgent)
	if src.URL != "" {
		client.SetApiEndpoint(strings.TrimRight(src.URL, "/"))
	}

	log.WithComponent(component).WithFields(logger.Fields{
		"url":                src.URL,
		"max_idle_conns":     src.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": src.ConnectionPool.MaxConnsPerHost,
		"timeout":            cfg.Reader.Timeout,
	}).Info("binance reader initialized")

	return &Reader{client: client, limiter: limiter, log: log}
}

// Exchange implements reader.Source.
func (r *Reader) Exchange() string { return "binance" }

type apiError struct {
	Code    int64  `json:"code"`
	Message string `json:"msg"`
}

// call runs one SDK request under the limiter. Failures are classified from
// the captured exchange: transport errors and non-2xx answers are network
// errors, anything the SDK rejects after a 2xx answer is a decode error.
func (r *Reader) call(ctx context.Context, log *logger.Entry, symbol string, do func(context.Context) error) error {
	if err := r.limiter.Acquire(ctx); err != nil {
		return err
	}

	cctx, capture := reader.WithCapture(ctx)
	sdkErr := do(cctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	if capture.Header != nil {
		rate.ReportBinanceUsage(r.log, capture.Header, symbol)
	}
	if err := capture.NetworkError(); err != nil {
		var apiErr apiError
		if json.Unmarshal(capture.Body, &apiErr) == nil && apiErr.Message != "" {
			rate.ReportLimitFromMessage(r.log, r.Exchange(), symbol, "funding", apiErr.Message)
		}
		log.WithError(err).Warn("binance request failed")
		return err
	}
	if sdkErr != nil {
		return reader.DecodeFailure(log, capture.Body, sdkErr)
	}
	return nil
}

// LoadInstruments returns the trading perpetual contracts listed by
// exchangeInfo. Binance has no pagination or category split; every contract
// is stamped linear.
func (r *Reader) LoadInstruments(ctx context.Context) ([]models.Instrument, error) {
	log := r.log.WithComponent(component).WithFields(logger.Fields{"operation": "exchange_info"})

	var info *futures.ExchangeInfo
	err := r.call(ctx, log, "", func(ctx context.Context) error {
		var err error
		info, err = r.client.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("%w: empty exchange info", models.ErrDecode)
	}

	all := make([]models.Instrument, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != statusTrading {
			continue
		}
		all = append(all, models.Instrument{
			Symbol:          s.Symbol,
			ContractType:    string(s.ContractType),
			Category:        models.CategoryLinear,
			LaunchTimestamp: s.OnboardDate,
		})
	}

	perpetual := models.Perpetuals(all)
	log.WithFields(logger.Fields{
		"listed":    len(all),
		"perpetual": len(perpetual),
	}).Info("instrument catalog loaded")
	return perpetual, nil
}

// FetchFunding requests one page of funding history for inst between start
// and end.
func (r *Reader) FetchFunding(ctx context.Context, inst models.Instrument, start, end time.Time) ([]models.FundingObservation, error) {
	log := r.log.WithComponent(component).WithFields(logger.Fields{
		"operation": "funding_history",
		"symbol":    inst.Symbol,
		"date":      start.Format(appconfig.DateLayout),
	})

	var rates []*futures.FundingRate
	began := time.Now()
	err := r.call(ctx, log, inst.Symbol, func(ctx context.Context) error {
		var err error
		rates, err = r.client.NewFundingRateService().
			Symbol(inst.Symbol).
			StartTime(start.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(fundingPageSize).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.FundingObservation, 0, len(rates))
	for _, fr := range rates {
		if fr == nil {
			continue
		}
		value, err := decimal.NewFromString(fr.FundingRate)
		if err != nil {
			raw, _ := json.Marshal(fr)
			return nil, reader.DecodeFailure(log, raw, err)
		}
		symbol := fr.Symbol
		if symbol == "" {
			symbol = inst.Symbol
		}
		out = append(out, models.FundingObservation{
			Symbol:      symbol,
			TimestampMs: fr.FundingTime,
			Rate:        value,
		})
	}
	logger.LogPerformanceEntry(log, component, "funding_history", time.Since(began), logger.Fields{
		"observations": len(out),
	})
	return out, nil
}
