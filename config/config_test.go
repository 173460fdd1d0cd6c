package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `fundingflow:
  name: "TestApp"
  version: "1.0"
storage:
  destination: "/tmp/data"
`

// writeTempConfig writes content to a temporary file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Fundingflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Fundingflow.Name)
	}
	if cfg.RateLimit.Requests != 10 || cfg.RateLimit.Window != time.Second {
		t.Errorf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if !cfg.Source.Bybit.Enabled || cfg.Source.Binance.Enabled {
		t.Errorf("unexpected source defaults: bybit=%v binance=%v", cfg.Source.Bybit.Enabled, cfg.Source.Binance.Enabled)
	}
	if got := strings.Join(cfg.Source.Bybit.Categories, ","); got != "linear,inverse" {
		t.Errorf("unexpected categories: %s", got)
	}
	date, err := cfg.RunDate()
	if err != nil || date != nil {
		t.Errorf("expected full-history mode, got %v (%v)", date, err)
	}
	start, err := cfg.HistoryStart()
	if err != nil {
		t.Fatalf("HistoryStart: %v", err)
	}
	if !start.Equal(time.Date(2019, 11, 14, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected history start: %v", start)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseConfigRunDate(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalConfig + "run:\n  date: \"2024-01-01\"\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	date, err := cfg.RunDate()
	if err != nil || date == nil {
		t.Fatalf("expected a run date, got %v (%v)", date, err)
	}
	if !date.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date: %v", date)
	}
}

func TestParseConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing destination", "fundingflow:\n  name: a\n  version: b\n"},
		{"missing name", "fundingflow:\n  version: b\nstorage:\n  destination: /tmp\n"},
		{"bad date", minimalConfig + "run:\n  date: \"01/02/2024\"\n"},
		{"bad history start", minimalConfig + "run:\n  history_start: \"yesterday\"\n"},
		{"zero rate limit", minimalConfig + "rate_limit:\n  requests: 0\n"},
		{"negative workers", minimalConfig + "reader:\n  max_workers: -1\n"},
		{"no source", minimalConfig + "source:\n  bybit:\n    enabled: false\n"},
		{"unknown category", minimalConfig + "source:\n  bybit:\n    categories: [\"spot\"]\n"},
		{"s3 without bucket", minimalConfig[:len(minimalConfig)-1] + "\n  s3:\n    enabled: true\n    region: eu-west-1\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Setenv("S3_BUCKET", "")
			if _, err := ParseConfig([]byte(c.content)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseConfigS3EnvOverride(t *testing.T) {
	t.Setenv("S3_BUCKET", "funding-archive")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")

	cfg, err := ParseConfig([]byte(minimalConfig + "  s3:\n    enabled: true\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Storage.S3.Bucket != "funding-archive" || cfg.Storage.S3.Region != "eu-west-1" {
		t.Fatalf("env overrides not applied: %+v", cfg.Storage.S3)
	}
}

func TestEffectiveRateLimit(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalConfig + "source:\n  bybit:\n    rate_limit:\n      requests: 5\n      window: 2s\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if got := cfg.EffectiveRateLimit(cfg.Source.Bybit.RateLimit); got.Requests != 5 || got.Window != 2*time.Second {
		t.Fatalf("unexpected bybit limit: %+v", got)
	}
	if got := cfg.EffectiveRateLimit(cfg.Source.Binance.RateLimit); got.Requests != 10 || got.Window != time.Second {
		t.Fatalf("unexpected binance limit: %+v", got)
	}
}

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(wd)

	if err := os.MkdirAll("config", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile("config/config.production.yml", []byte(minimalConfig), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolveConfigPath(""); got != "config/config.production.yml" {
		t.Errorf("expected production file, got %s", got)
	}
	if got := ResolveConfigPath("other.yml"); got != "other.yml" {
		t.Errorf("explicit path changed: %s", got)
	}

	t.Setenv("APP_ENV", "staging")
	if got := ResolveConfigPath(DefaultConfigPath); got != DefaultConfigPath {
		t.Errorf("expected default path without staging file, got %s", got)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestReadConfigSkipsValidation(t *testing.T) {
	path := writeTempConfig(t, "fundingflow:\n  name: fundingflow\n  version: \"1\"\n")
	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig failed: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing destination to fail validation")
	}
	cfg.Storage.Destination = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate after override: %v", err)
	}
}
