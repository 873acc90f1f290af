package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/pario-ai/chainfetch/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all chainfetch configuration. It is treated as an immutable
// snapshot for the duration of a run.
type Config struct {
	DBPath   string              `yaml:"db_path"`
	Source   SourceConfig        `yaml:"source"`
	Limits   LimitsConfig        `yaml:"limits"`
	Universe UniverseConfig      `yaml:"universe"`
	Fields   FieldsConfig        `yaml:"fields"`
	Options  models.OptionParams `yaml:"options"`
	History  HistoryConfig       `yaml:"history"`
	Retry    RetryConfig         `yaml:"retry"`
	Engine   EngineConfig        `yaml:"engine"`
	Sink     SinkConfig          `yaml:"sink"`
	Audit    models.AuditConfig  `yaml:"audit"`
	Metrics  MetricsConfig       `yaml:"metrics"`
	Tracing  TracingConfig       `yaml:"tracing"`
}

// SourceConfig selects and tunes the vendor data source.
// Kind is "bridge" (default) or "sim".
type SourceConfig struct {
	Kind                    string        `yaml:"kind"`
	URL                     string        `yaml:"url"`
	Token                   string        `yaml:"token"`
	Timeout                 time.Duration `yaml:"timeout"`
	MaxSecuritiesPerRequest int           `yaml:"max_securities_per_request"`
	MaxFieldsPerRequest     int           `yaml:"max_fields_per_request"`
}

// LimitsConfig defines the vendor's hard quota caps.
type LimitsConfig struct {
	Daily     int64   `yaml:"daily"`
	Monthly   int64   `yaml:"monthly"`
	WarnRatio float64 `yaml:"warn_ratio"`
}

// UniverseConfig lists the index and its constituents.
type UniverseConfig struct {
	Index        models.Underlying   `yaml:"index"`
	Constituents []models.Underlying `yaml:"constituents"`
	TopN         int                 `yaml:"top_n"`
}

// FieldsConfig lists the vendor fields requested per security kind.
type FieldsConfig struct {
	Equity []string `yaml:"equity"`
	Option []string `yaml:"option"`
}

// HistoryConfig switches planning to a historical range. Empty means snapshot.
type HistoryConfig struct {
	Start string `yaml:"start"` // YYYY-MM-DD
	End   string `yaml:"end"`
}

// RetryConfig controls transient-error retries within one execution.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// EngineConfig bounds concurrency and failure handling for a run.
type EngineConfig struct {
	Concurrency        int `yaml:"concurrency"`
	MaxUnitAttempts    int `yaml:"max_unit_attempts"`
	FatalHaltThreshold int `yaml:"fatal_halt_threshold"`
}

// SinkConfig selects where fetched records are stored.
// Kind is "sqlite" (default, uses DBPath) or "postgres".
type SinkConfig struct {
	Kind string `yaml:"kind"`
	DSN  string `yaml:"dsn"`
}

// MetricsConfig controls the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// TracingConfig selects a span exporter: "none" or "stdout".
type TracingConfig struct {
	Exporter string `yaml:"exporter"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DBPath: "chainfetch.db",
		Source: SourceConfig{
			Kind:                    "bridge",
			URL:                     "http://localhost:8194",
			Timeout:                 30 * time.Second,
			MaxSecuritiesPerRequest: 20,
			MaxFieldsPerRequest:     25,
		},
		Limits: LimitsConfig{
			Daily:     50000,
			Monthly:   500000,
			WarnRatio: 0.8,
		},
		Universe: UniverseConfig{
			Index: models.Underlying{Ticker: "QQQ", Spot: 480},
		},
		Fields: FieldsConfig{
			Equity: []string{"PX_LAST", "PX_OPEN", "PX_HIGH", "PX_LOW", "PX_VOLUME", "CUR_MKT_CAP"},
			Option: []string{"PX_LAST", "PX_BID", "PX_ASK", "VOLUME", "OPEN_INT", "IVOL_MID",
				"DELTA", "GAMMA", "THETA", "VEGA"},
		},
		Options: models.OptionParams{
			StrikesAbove:    20,
			StrikesBelow:    20,
			StrikeInterval:  10,
			StrikeTiers:     slices.Clone(models.DefaultStrikeTiers),
			MaxDaysToExpiry: 60,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Multiplier:  2,
		},
		Engine: EngineConfig{
			Concurrency:        1,
			MaxUnitAttempts:    9,
			FatalHaltThreshold: 3,
		},
		Sink: SinkConfig{Kind: "sqlite"},
		Audit: models.AuditConfig{
			Enabled:       true,
			DBPath:        "chainfetch_audit.db",
			RetentionDays: 30,
			MaxErrorSize:  2048,
		},
		Tracing: TracingConfig{Exporter: "none"},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run safely.
func (c *Config) Validate() error {
	var errs []error
	if c.Limits.Daily <= 0 || c.Limits.Monthly <= 0 {
		errs = append(errs, errors.New("limits: daily and monthly caps must be positive"))
	}
	if c.Engine.Concurrency < 1 || c.Engine.Concurrency > 4 {
		errs = append(errs, fmt.Errorf("engine: concurrency %d outside 1-4", c.Engine.Concurrency))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry: max_attempts must be at least 1"))
	}
	switch c.Source.Kind {
	case "bridge", "sim":
	default:
		errs = append(errs, fmt.Errorf("source: unknown kind %q", c.Source.Kind))
	}
	switch c.Sink.Kind {
	case "sqlite":
	case "postgres":
		if c.Sink.DSN == "" {
			errs = append(errs, errors.New("sink: postgres requires dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("sink: unknown kind %q", c.Sink.Kind))
	}
	if _, _, err := c.historyRange(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) historyRange() (time.Time, time.Time, error) {
	if c.History.Start == "" && c.History.End == "" {
		return time.Time{}, time.Time{}, nil
	}
	start, err := time.Parse("2006-01-02", c.History.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("history: invalid start: %w", err)
	}
	end, err := time.Parse("2006-01-02", c.History.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("history: invalid end: %w", err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("history: end before start")
	}
	return start, end, nil
}

// Request builds the campaign request described by the configuration.
func (c *Config) Request(asOf time.Time) (models.FetchRequest, error) {
	start, end, err := c.historyRange()
	if err != nil {
		return models.FetchRequest{}, err
	}
	constituents := c.Universe.Constituents
	if c.Universe.TopN > 0 && c.Universe.TopN < len(constituents) {
		constituents = constituents[:c.Universe.TopN]
	}
	return models.FetchRequest{
		Index:                   c.Universe.Index,
		Constituents:            constituents,
		EquityFields:            c.Fields.Equity,
		OptionFields:            c.Fields.Option,
		Options:                 c.Options,
		Period:                  models.Period{Start: start, End: end},
		AsOf:                    asOf,
		MaxSecuritiesPerRequest: c.Source.MaxSecuritiesPerRequest,
		MaxFieldsPerRequest:     c.Source.MaxFieldsPerRequest,
	}, nil
}
