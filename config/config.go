package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DateLayout is the calendar date format used by run.date and run.history_start.
const DateLayout = "2006-01-02"

// DefaultHistoryStart is the first date processed in full-history mode.
const DefaultHistoryStart = "2019-11-14"

type Config struct {
	Fundingflow FundingflowConfig `yaml:"fundingflow"`
	Run         RunConfig         `yaml:"run"`
	Reader      ReaderConfig      `yaml:"reader"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Source      SourceConfig      `yaml:"source"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type FundingflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// RunConfig selects the processing dates. An empty Date processes every day
// from HistoryStart up to, but excluding, the current UTC date.
type RunConfig struct {
	Date         string `yaml:"date"`
	HistoryStart string `yaml:"history_start"`
}

type ReaderConfig struct {
	// MaxWorkers bounds the parallel funding requests per date; 0 uses GOMAXPROCS.
	MaxWorkers int `yaml:"max_workers"`
	// Timeout applies to each HTTP request; 0 leaves the client default.
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Bybit   BybitSourceConfig   `yaml:"bybit"`
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BybitSourceConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	URL            string               `yaml:"url"`
	Categories     []string             `yaml:"categories"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type BinanceSourceConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	URL            string               `yaml:"url"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

// StorageConfig locates the series files. Existing defaults to Destination
// and Scratch to the per-exchange output directory.
type StorageConfig struct {
	Destination string   `yaml:"destination"`
	Existing    string   `yaml:"existing"`
	Scratch     string   `yaml:"scratch"`
	S3          S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	Compression     string `yaml:"compression"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// defaultConfig holds the values applied before the file is unmarshalled.
func defaultConfig() Config {
	return Config{
		Run: RunConfig{HistoryStart: DefaultHistoryStart},
		RateLimit: RateLimitConfig{
			Requests: 10,
			Window:   time.Second,
		},
		Source: SourceConfig{
			Bybit: BybitSourceConfig{
				Enabled:    true,
				URL:        "https://api.bybit.com",
				Categories: []string{"linear", "inverse"},
			},
			Binance: BinanceSourceConfig{
				URL: "https://fapi.binance.com",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig reads, decodes and validates the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	config, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// ReadConfig reads and decodes the configuration file at path without
// validating it, so that callers can apply overrides first.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decodeConfig(data)
}

// ParseConfig decodes YAML configuration, applies environment overrides and
// validates the result.
func ParseConfig(data []byte) (*Config, error) {
	config, err := decodeConfig(data)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

func decodeConfig(data []byte) (*Config, error) {
	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	return &config, nil
}

// Validate re-checks the configuration, e.g. after flag overrides.
func (c *Config) Validate() error {
	return validateConfig(c)
}

// RunDate returns the configured deployment date, or nil in full-history mode.
func (c *Config) RunDate() (*time.Time, error) {
	if strings.TrimSpace(c.Run.Date) == "" {
		return nil, nil
	}
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(c.Run.Date), time.UTC)
	if err != nil {
		return nil, fmt.Errorf("run.date %q: %w", c.Run.Date, err)
	}
	return &d, nil
}

// HistoryStart returns the first date of full-history mode.
func (c *Config) HistoryStart() (time.Time, error) {
	start := c.Run.HistoryStart
	if strings.TrimSpace(start) == "" {
		start = DefaultHistoryStart
	}
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(start), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("run.history_start %q: %w", start, err)
	}
	return d, nil
}

// EffectiveRateLimit returns the exchange specific limit when set and the
// global one otherwise.
func (c *Config) EffectiveRateLimit(exchange RateLimitConfig) RateLimitConfig {
	if exchange.Requests > 0 && exchange.Window > 0 {
		return exchange
	}
	return c.RateLimit
}

var bybitCategories = map[string]struct{}{"linear": {}, "inverse": {}}

func validateConfig(cfg *Config) error {
	if cfg.Fundingflow.Name == "" {
		return fmt.Errorf("fundingflow.name is required")
	}

	if cfg.Fundingflow.Version == "" {
		return fmt.Errorf("fundingflow.version is required")
	}

	if strings.TrimSpace(cfg.Storage.Destination) == "" {
		return fmt.Errorf("storage.destination is required")
	}

	if _, err := cfg.RunDate(); err != nil {
		return err
	}
	if _, err := cfg.HistoryStart(); err != nil {
		return err
	}

	if cfg.RateLimit.Requests <= 0 {
		return fmt.Errorf("rate_limit.requests must be greater than 0")
	}
	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be greater than 0")
	}

	if cfg.Reader.MaxWorkers < 0 {
		return fmt.Errorf("reader.max_workers must not be negative")
	}

	if !cfg.Source.Bybit.Enabled && !cfg.Source.Binance.Enabled {
		return fmt.Errorf("at least one source must be enabled")
	}

	if cfg.Source.Bybit.Enabled {
		if cfg.Source.Bybit.URL == "" {
			return fmt.Errorf("source.bybit.url is required when bybit is enabled")
		}
		if len(cfg.Source.Bybit.Categories) == 0 {
			return fmt.Errorf("source.bybit.categories must not be empty")
		}
		for _, c := range cfg.Source.Bybit.Categories {
			if _, ok := bybitCategories[strings.ToLower(c)]; !ok {
				return fmt.Errorf("source.bybit.categories: unknown category '%s'", c)
			}
		}
	}

	if cfg.Source.Binance.Enabled && cfg.Source.Binance.URL == "" {
		return fmt.Errorf("source.binance.url is required when binance is enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if (cfg.Storage.S3.AccessKeyID == "") != (cfg.Storage.S3.SecretAccessKey == "") {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key must be set together")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
