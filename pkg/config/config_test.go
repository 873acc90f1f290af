package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Limits.Daily != 50000 {
		t.Errorf("expected daily cap 50000, got %d", cfg.Limits.Daily)
	}
	if cfg.Retry.BaseDelay != time.Second {
		t.Errorf("expected 1s base delay, got %v", cfg.Retry.BaseDelay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	for spot, want := range map[float64]float64{30: 0.5, 75: 1, 190: 2.5, 480: 5, 500: 10, 900: 10} {
		if got := cfg.Options.IntervalFor(spot); got != want {
			t.Errorf("strike interval at %v = %v, want %v", spot, got, want)
		}
	}
}

func TestLoadStrikeTiers(t *testing.T) {
	content := `
options:
  strike_interval: 25
  strike_tiers:
    - {below: 100, interval: 1}
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Options.StrikeTiers) != 1 {
		t.Fatalf("expected configured tiers to replace defaults, got %+v", cfg.Options.StrikeTiers)
	}
	if got := cfg.Options.IntervalFor(40); got != 1 {
		t.Errorf("interval at 40 = %v, want 1", got)
	}
	if got := cfg.Options.IntervalFor(480); got != 25 {
		t.Errorf("interval at 480 = %v, want 25", got)
	}
	if cfg.Options.StrikesAbove != 20 {
		t.Errorf("expected default strikes_above, got %d", cfg.Options.StrikesAbove)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_BRIDGE_TOKEN", "tok-123")

	content := `
db_path: "test.db"
source:
  kind: bridge
  url: http://bridge:8194
  token: ${TEST_BRIDGE_TOKEN}
  max_securities_per_request: 10
limits:
  daily: 1000
  monthly: 9000
universe:
  index: {ticker: QQQ, spot: 480}
  constituents:
    - {ticker: AAPL, spot: 190}
    - {ticker: MSFT, spot: 410}
    - {ticker: NVDA, spot: 120}
  top_n: 2
retry:
  max_attempts: 4
  base_delay: 250ms
engine:
  concurrency: 2
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Source.Token != "tok-123" {
		t.Errorf("env var not expanded: got %s", cfg.Source.Token)
	}
	if cfg.Limits.Monthly != 9000 {
		t.Errorf("expected monthly 9000, got %d", cfg.Limits.Monthly)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms base delay, got %v", cfg.Retry.BaseDelay)
	}
	// Unset keys keep their defaults.
	if cfg.Retry.MaxDelay != 30*time.Second {
		t.Errorf("expected default max delay, got %v", cfg.Retry.MaxDelay)
	}
	if cfg.Engine.Concurrency != 2 || cfg.Engine.MaxUnitAttempts != 9 || cfg.Engine.FatalHaltThreshold != 3 {
		t.Errorf("unexpected engine config: %+v", cfg.Engine)
	}

	req, err := cfg.Request(time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Constituents) != 2 {
		t.Fatalf("expected top_n to keep 2 constituents, got %d", len(req.Constituents))
	}
	if req.MaxSecuritiesPerRequest != 10 {
		t.Errorf("expected 10 securities per request, got %d", req.MaxSecuritiesPerRequest)
	}
	if !req.Period.Snapshot() {
		t.Error("expected snapshot period without history range")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Engine.Concurrency = 8
	cfg.Limits.Daily = 0
	cfg.Sink.Kind = "postgres"
	cfg.History = HistoryConfig{Start: "2026-02-01", End: "2026-01-01"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"concurrency", "caps must be positive", "postgres requires dsn", "end before start"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestRequestHistory(t *testing.T) {
	cfg := Default()
	cfg.History = HistoryConfig{Start: "2026-10-05", End: "2026-10-09"}

	req, err := cfg.Request(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if req.Period.Snapshot() {
		t.Fatal("expected historical period")
	}
	if got := req.Period.Count(); got != 5 {
		t.Errorf("expected 5 weekdays, got %d", got)
	}
}
