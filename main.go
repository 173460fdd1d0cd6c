package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"fundingflow/config"
	"fundingflow/internal/ratelimit"
	"fundingflow/logger"
	"fundingflow/processor"
	"fundingflow/reader"
	binancereader "fundingflow/reader/binance"
	bybitreader "fundingflow/reader/bybit"
	"fundingflow/writer"
)

type sourceFactory func(cfg *config.Config, limiter *ratelimit.Limiter) reader.Source

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	date := flag.String("date", "", "Process a single UTC date (YYYY-MM-DD) instead of the full history")
	destination := flag.String("destination", "", "Root directory for series files, overrides storage.destination")
	flag.Parse()

	path := config.ResolveConfigPath(*configPath)
	cfg, err := config.ReadConfig(path)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *date != "" {
		cfg.Run.Date = strings.TrimSpace(*date)
	}
	if *destination != "" {
		cfg.Storage.Destination = *destination
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("Invalid configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	runID := uuid.NewString()
	log.WithFields(logger.Fields{
		"service":     cfg.Fundingflow.Name,
		"version":     cfg.Fundingflow.Version,
		"environment": config.AppEnvironment(),
		"config":      path,
		"run_id":      runID,
	}).Info("starting fundingflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}

	runDate, _ := cfg.RunDate()
	start, _ := cfg.HistoryStart()
	dates := processor.ProcessingDates(runDate, start, time.Now().UTC())

	var archive processor.Archive
	if cfg.Storage.S3.Enabled {
		a, err := writer.NewArchiver(ctx, cfg)
		if err != nil {
			log.WithError(err).Error("Failed to initialize S3 archiver")
			os.Exit(1)
		}
		archive = a
	}

	type source struct {
		enabled bool
		limit   config.RateLimitConfig
		build   sourceFactory
	}
	sources := []source{
		{cfg.Source.Bybit.Enabled, cfg.Source.Bybit.RateLimit, func(c *config.Config, l *ratelimit.Limiter) reader.Source {
			return bybitreader.NewReader(c, l)
		}},
		{cfg.Source.Binance.Enabled, cfg.Source.Binance.RateLimit, func(c *config.Config, l *ratelimit.Limiter) reader.Source {
			return binancereader.NewReader(c, l)
		}},
	}

	failed := false
	for _, s := range sources {
		if !s.enabled {
			continue
		}
		if err := runSource(ctx, cfg, s.limit, s.build, archive, dates, runID); err != nil {
			failed = true
			break
		}
	}

	logger.LogReport(log)
	if failed {
		log.WithFields(logger.Fields{"run_id": runID}).Error("fundingflow run failed")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{"run_id": runID}).Info("fundingflow run finished")
}

func runSource(ctx context.Context, cfg *config.Config, limit config.RateLimitConfig, build sourceFactory, archive processor.Archive, dates []time.Time, runID string) error {
	rl := cfg.EffectiveRateLimit(limit)
	limiter := ratelimit.New(rl.Requests, rl.Window)
	defer limiter.Close()

	src := build(cfg, limiter)
	series := writer.NewSeriesWriter(src.Exchange(), cfg.Storage.Destination, cfg.Storage.Existing, cfg.Storage.Scratch)
	p := processor.NewFundingProcessor(src, series, archive, dates, cfg.Reader.MaxWorkers, runID)

	sum, err := p.Run(ctx)
	entry := logger.GetLogger().WithComponent("main").WithFields(logger.Fields{
		"exchange":     src.Exchange(),
		"symbols":      sum.Symbols,
		"observations": sum.Observations,
	})
	if err != nil {
		entry.WithError(err).Error("exchange run failed")
		return err
	}
	entry.Info("exchange run succeeded")
	return nil
}
