package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pario-ai/chainfetch/pkg/audit"
	"github.com/pario-ai/chainfetch/pkg/config"
	"github.com/pario-ai/chainfetch/pkg/engine"
	"github.com/pario-ai/chainfetch/pkg/fetch"
	"github.com/pario-ai/chainfetch/pkg/ledger"
	"github.com/pario-ai/chainfetch/pkg/metrics"
	"github.com/pario-ai/chainfetch/pkg/sink"
	"github.com/pario-ai/chainfetch/pkg/source"
	"github.com/pario-ai/chainfetch/pkg/source/bridge"
	"github.com/pario-ai/chainfetch/pkg/source/sim"
	"github.com/pario-ai/chainfetch/pkg/taskstore"
	"github.com/pario-ai/chainfetch/pkg/tracing"
)

// app holds the stores every command shares.
type app struct {
	cfg         *config.Config
	ledgerStore *ledger.SQLiteStore
	ledger      *ledger.Ledger
	tasks       *taskstore.SQLiteStore
	closers     []func() error
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func openApp(configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	ls, err := ledger.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	tasks, err := taskstore.New(cfg.DBPath)
	if err != nil {
		_ = ls.Close()
		return nil, err
	}

	a := &app{
		cfg:         cfg,
		ledgerStore: ls,
		tasks:       tasks,
		ledger: ledger.New(ls, ledger.Limits{
			Daily:     cfg.Limits.Daily,
			Monthly:   cfg.Limits.Monthly,
			WarnRatio: cfg.Limits.WarnRatio,
		}),
	}
	a.closers = append(a.closers, ls.Close, tasks.Close)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close", "error", err)
		}
	}
}

// engine wires the data source, sink, journal, metrics and tracing around
// the shared stores. Everything opened here is released by Close.
func (a *app) engine(ctx context.Context, simulate bool) (*engine.Engine, error) {
	cfg := a.cfg

	src, err := a.source(simulate)
	if err != nil {
		return nil, err
	}

	out, err := sink.Open(cfg.Sink.Kind, cfg.DBPath, cfg.Sink.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	a.closers = append(a.closers, out.Close)

	var journal fetch.Journal
	if cfg.Audit.Enabled {
		l, err := audit.New(cfg.Audit)
		if err != nil {
			return nil, fmt.Errorf("open audit db: %w", err)
		}
		a.closers = append(a.closers, l.Close)
		journal = l
	}

	var collector *metrics.Collector
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(reg)
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, reg); err != nil {
				slog.Error("metrics server", "addr", cfg.Metrics.Listen, "error", err)
			}
		}()
		slog.Info("serving metrics", "addr", cfg.Metrics.Listen)
	}

	shutdown, err := tracing.Init(cfg.Tracing.Exporter, "chainfetch")
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	return engine.New(engine.Config{
		Concurrency:        cfg.Engine.Concurrency,
		MaxUnitAttempts:    cfg.Engine.MaxUnitAttempts,
		FatalHaltThreshold: cfg.Engine.FatalHaltThreshold,
		Retry: fetch.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Multiplier:  cfg.Retry.Multiplier,
		},
	}, engine.Deps{
		Ledger:  a.ledger,
		Tasks:   a.tasks,
		Source:  src,
		Sink:    out,
		Journal: journal,
		Metrics: collector,
		Logger:  slog.Default(),
	}), nil
}

func (a *app) source(simulate bool) (source.DataSource, error) {
	if simulate || a.cfg.Source.Kind == "sim" {
		slog.Info("using simulated data source")
		return sim.New(), nil
	}
	c, err := bridge.New(a.cfg.Source.URL, a.cfg.Source.Token, a.cfg.Source.Timeout,
		bridge.WithSessionFile(a.cfg.DBPath+".session"))
	if err != nil {
		return nil, fmt.Errorf("data source: %w", err)
	}
	return c, nil
}

// finish prints s and converts its state into the process exit status.
func finish(s *engine.Summary, err error) error {
	if s != nil {
		if perr := printSummary(s); perr != nil {
			return perr
		}
	}
	if err != nil {
		if errors.Is(err, engine.ErrActiveCheckpoint) {
			return fmt.Errorf("%w (resume it, or start over with --force)", err)
		}
		if s == nil {
			return err
		}
		slog.Error("run stopped", "error", err)
	}
	if code := s.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}
