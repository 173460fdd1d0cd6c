package writer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fundingflow/internal/models"
	"fundingflow/internal/symbols"
	"fundingflow/logger"

	"github.com/shopspring/decimal"
)

// TimeLayout is the timestamp column format of a series file.
const TimeLayout = "20060102 15:04:05"

// SeriesDir returns the directory holding the series files of exchange under root.
func SeriesDir(root, exchange string) string {
	return filepath.Join(root, "cryptofuture", strings.ToLower(exchange), "margin_interest")
}

// Result describes one saved series file.
type Result struct {
	Symbol   string
	Path     string
	Rows     int
	Fresh    int
	FromDisk int
	Series   models.SymbolSeries
	Content  []byte
}

// SeriesWriter merges freshly fetched funding rates with the series already
// on disk and replaces each symbol's file atomically.
type SeriesWriter struct {
	exchange string
	dest     string
	existing string
	scratch  string
	log      *logger.Log

	rename func(oldpath, newpath string) error
}

// NewSeriesWriter returns a writer for exchange. existing names the root to
// read prior series from and defaults to dest; scratch holds temp files and
// defaults to the destination series directory.
func NewSeriesWriter(exchange, dest, existing, scratch string) *SeriesWriter {
	if existing == "" {
		existing = dest
	}
	return &SeriesWriter{
		exchange: strings.ToLower(exchange),
		dest:     dest,
		existing: existing,
		scratch:  scratch,
		log:      logger.GetLogger(),
		rename:   os.Rename,
	}
}

// Path returns the destination file of symbol.
func (w *SeriesWriter) Path(symbol string) string {
	return filepath.Join(SeriesDir(w.dest, w.exchange), symbols.ToFileName(symbol))
}

// MergeAndSave writes fresh merged with the symbol's existing series. Values in
// fresh win over values read from disk for the same second.
func (w *SeriesWriter) MergeAndSave(symbol string, fresh models.SymbolSeries) (Result, error) {
	name := symbols.ToFileName(symbol)
	dir := SeriesDir(w.dest, w.exchange)
	path := filepath.Join(dir, name)
	log := w.log.WithComponent("series_writer").WithFields(logger.Fields{
		"exchange": w.exchange,
		"symbol":   symbol,
		"path":     path,
	})

	prior, err := ReadSeries(filepath.Join(SeriesDir(w.existing, w.exchange), name))
	if err != nil {
		log.WithError(err).Error("failed to read existing series")
		return Result{}, err
	}

	merged := make(models.SymbolSeries, len(fresh)+len(prior))
	for ts, rate := range fresh {
		merged[ts] = rate
	}
	fromDisk := merged.Fill(prior)
	content := Render(merged)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create series dir: %w", err)
	}
	scratch := w.scratch
	if scratch == "" {
		scratch = dir
	} else if err := os.MkdirAll(scratch, 0o755); err != nil {
		return Result{}, fmt.Errorf("create scratch dir: %w", err)
	}

	if err := w.writeAtomic(scratch, path, content); err != nil {
		log.WithError(err).Error("failed to write series")
		return Result{}, err
	}

	res := Result{
		Symbol:   symbol,
		Path:     path,
		Rows:     len(merged),
		Fresh:    len(fresh),
		FromDisk: fromDisk,
		Series:   merged,
		Content:  content,
	}
	log.WithFields(logger.Fields{
		"rows":      res.Rows,
		"fresh":     res.Fresh,
		"from_disk": res.FromDisk,
	}).Debug("series saved")
	return res, nil
}

func (w *SeriesWriter) writeAtomic(scratch, path string, content []byte) (err error) {
	tmp, err := os.CreateTemp(scratch, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = w.rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// ReadSeries parses a series file. A missing file yields an empty series.
// Blank lines and lines with fewer than two fields are skipped; any other
// malformed line fails with models.ErrParse.
func ReadSeries(path string) (models.SymbolSeries, error) {
	series := models.SymbolSeries{}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return series, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(text, ",")
		if len(fields) < 2 {
			continue
		}
		ts, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(fields[0]), time.UTC)
		if err != nil {
			return nil, fmt.Errorf("%w: %s:%d: timestamp %q", models.ErrParse, path, line, fields[0])
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: %s:%d: rate %q", models.ErrParse, path, line, fields[1])
		}
		series.Set(ts, rate)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return series, nil
}

// Render formats series as ascending "yyyyMMdd HH:mm:ss,rate" lines.
func Render(series models.SymbolSeries) []byte {
	var buf bytes.Buffer
	for _, ts := range series.Timestamps() {
		buf.WriteString(time.Unix(ts, 0).UTC().Format(TimeLayout))
		buf.WriteByte(',')
		buf.WriteString(series[ts].String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
