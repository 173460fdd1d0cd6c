// Package reader fetches funding-rate history from exchange REST APIs.
// Exchange specific clients live in sub packages and implement Source.
package reader

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"fundingflow/internal/models"
	"fundingflow/logger"
)

// Source is one exchange's public instrument and funding-history API.
// Implementations gate every request on their rate limiter.
type Source interface {
	// Exchange returns the lowercase exchange name used in paths and logs.
	Exchange() string
	// LoadInstruments returns every tradable perpetual instrument.
	LoadInstruments(ctx context.Context) ([]models.Instrument, error)
	// FetchFunding issues one request for the funding events of inst within
	// [start, end].
	FetchFunding(ctx context.Context, inst models.Instrument, start, end time.Time) ([]models.FundingObservation, error)
}

// DayBounds returns midnight UTC of date and of the following day.
func DayBounds(date time.Time) (start, end time.Time) {
	y, m, d := date.UTC().Date()
	start = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// Eligible returns the perpetual instruments launched no later than end.
func Eligible(catalog []models.Instrument, end time.Time) []models.Instrument {
	endMs := end.UnixMilli()
	out := make([]models.Instrument, 0, len(catalog))
	for _, inst := range catalog {
		if !inst.IsPerpetual() || inst.LaunchTimestamp > endMs {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// FetchForDate fetches the funding events of every eligible instrument for
// the UTC day containing date. Requests run on a pool of workers, GOMAXPROCS
// when workers is not positive. The first failing instrument cancels the
// remaining requests and its error is returned without partial results.
func FetchForDate(ctx context.Context, src Source, date time.Time, catalog []models.Instrument, workers int) ([]models.FundingObservation, error) {
	start, end := DayBounds(date)
	eligible := Eligible(catalog, end)
	if len(eligible) == 0 {
		return nil, nil
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(eligible) {
		workers = len(eligible)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan models.Instrument)
	results := make(chan []models.FundingObservation, workers)
	// every worker reports at most one error, so sends never block
	errs := make(chan error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for inst := range jobs {
				obs, err := src.FetchFunding(ctx, inst, start, end)
				if err != nil {
					errs <- fmt.Errorf("%s %s %s: %w", src.Exchange(), inst.Symbol, start.Format("2006-01-02"), err)
					cancel()
					return
				}
				select {
				case results <- obs:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, inst := range eligible {
			select {
			case jobs <- inst:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var out []models.FundingObservation
	for obs := range results {
		out = append(out, obs...)
	}

	select {
	case err := <-errs:
		return nil, err
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeFailure logs the raw body that could not be decoded and wraps err as
// models.ErrDecode.
func DecodeFailure(entry *logger.Entry, body []byte, err error) error {
	entry.WithError(err).WithFields(logger.Fields{
		"body": string(body),
	}).Error("failed to decode response")
	return fmt.Errorf("%w: %v", models.ErrDecode, err)
}
