// Package processor drives one exchange's funding-rate run: catalog, per-day
// fetches, and the final per-symbol merge.
package processor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fundingflow/internal/models"
	"fundingflow/logger"
	"fundingflow/reader"
	"fundingflow/writer"
)

const component = "funding_processor"

// Saver persists the merged series of one symbol.
type Saver interface {
	MergeAndSave(symbol string, fresh models.SymbolSeries) (writer.Result, error)
}

// Archive mirrors a saved series elsewhere.
type Archive interface {
	Archive(ctx context.Context, exchange string, res writer.Result) error
}

// FundingProcessor fetches every processing date from one source and writes
// each touched symbol once at the end of the run.
type FundingProcessor struct {
	source  reader.Source
	saver   Saver
	archive Archive
	dates   []time.Time
	workers int
	runID   string
	log     *logger.Log
}

// Summary counts the work done by a successful run.
type Summary struct {
	Instruments  int
	Dates        int
	Observations int
	Symbols      int
	Rows         int
}

// NewFundingProcessor wires a processor. archive may be nil.
func NewFundingProcessor(src reader.Source, saver Saver, archive Archive, dates []time.Time, workers int, runID string) *FundingProcessor {
	return &FundingProcessor{
		source:  src,
		saver:   saver,
		archive: archive,
		dates:   dates,
		workers: workers,
		runID:   runID,
		log:     logger.GetLogger(),
	}
}

// Run executes the whole run. The first error aborts it; files saved before
// the error stay in place.
func (p *FundingProcessor) Run(ctx context.Context) (Summary, error) {
	exchange := p.source.Exchange()
	log := p.log.WithComponent(component).WithFields(logger.Fields{
		"exchange": exchange,
		"run_id":   p.runID,
		"dates":    len(p.dates),
	})
	var sum Summary
	if len(p.dates) == 0 {
		log.Warn("no processing dates, nothing to do")
		return sum, nil
	}
	began := time.Now()

	catalog, err := p.source.LoadInstruments(ctx)
	if err != nil {
		log.WithError(err).Error("failed to load instrument catalog")
		return sum, fmt.Errorf("load instruments: %w", err)
	}
	sum.Instruments = len(catalog)
	p.log.LogMetric(component, "instruments_loaded", len(catalog), "gauge", logger.Fields{"exchange": exchange})

	series := make(map[string]models.SymbolSeries)
	for _, date := range p.dates {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		day := date.Format("2006-01-02")
		dayStart := time.Now()

		obs, err := reader.FetchForDate(ctx, p.source, date, catalog, p.workers)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"date": day}).Error("failed to fetch funding rates")
			return sum, err
		}
		for _, o := range obs {
			s, ok := series[o.Symbol]
			if !ok {
				s = models.SymbolSeries{}
				series[o.Symbol] = s
			}
			s.Add(o)
		}
		sum.Dates++
		sum.Observations += len(obs)

		p.log.LogMetric(component, "observations_fetched", len(obs), "counter", logger.Fields{
			"exchange": exchange,
			"date":     day,
		})
		logger.LogPerformanceEntry(log, component, "fetch_date", time.Since(dayStart), logger.Fields{
			"date":         day,
			"observations": len(obs),
		})
	}

	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := p.saver.MergeAndSave(name, series[name])
		if err != nil {
			return sum, fmt.Errorf("save %s: %w", name, err)
		}
		if p.archive != nil {
			if err := p.archive.Archive(ctx, exchange, res); err != nil {
				return sum, fmt.Errorf("archive %s: %w", name, err)
			}
		}
		sum.Symbols++
		sum.Rows += res.Rows
		p.log.LogMetric(component, "rows_written", res.Rows, "counter", logger.Fields{
			"exchange": exchange,
			"symbol":   name,
		})
	}
	p.log.LogMetric(component, "files_written", sum.Symbols, "counter", logger.Fields{"exchange": exchange})
	logger.LogDataFlowEntry(log, exchange, "series_files", sum.Observations, "funding_rate")

	log.WithFields(logger.Fields{
		"instruments":  sum.Instruments,
		"observations": sum.Observations,
		"symbols":      sum.Symbols,
		"rows":         sum.Rows,
		"duration":     time.Since(began).String(),
	}).Info("funding run completed")
	return sum, nil
}

// ProcessingDates returns date alone when set, otherwise every UTC day from
// start up to but excluding the day containing now.
func ProcessingDates(date *time.Time, start, now time.Time) []time.Time {
	if date != nil {
		d, _ := reader.DayBounds(*date)
		return []time.Time{d}
	}
	first, _ := reader.DayBounds(start)
	today, _ := reader.DayBounds(now)
	var out []time.Time
	for d := first; d.Before(today); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}
