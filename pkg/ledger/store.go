package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/chainfetch/pkg/models"
)

// Store persists usage windows.
type Store interface {
	// Load returns the window for kind and periodKey. A missing window is
	// returned with zero consumption.
	Load(ctx context.Context, kind models.WindowKind, periodKey string) (models.UsageWindow, error)
	// Commit durably records cost against the given windows in one step.
	Commit(ctx context.Context, cost int64, windows ...models.UsageWindow) error
	// History returns the most recent windows of a kind, newest first.
	History(ctx context.Context, kind models.WindowKind, limit int) ([]models.UsageWindow, error)
	// Close releases resources.
	Close() error
}

// SQLiteStore implements Store with a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const createWindows = `
CREATE TABLE IF NOT EXISTS usage_windows (
	kind TEXT NOT NULL,
	period_key TEXT NOT NULL,
	consumed INTEGER NOT NULL DEFAULT 0,
	cap INTEGER NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (kind, period_key)
);
CREATE TABLE IF NOT EXISTS usage_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cost INTEGER NOT NULL,
	daily_key TEXT NOT NULL,
	monthly_key TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_events_time ON usage_events(created_at);
`

// NewSQLiteStore opens the ledger database and runs auto-migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createWindows); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, kind models.WindowKind, periodKey string) (models.UsageWindow, error) {
	w := models.UsageWindow{Kind: kind, PeriodKey: periodKey}
	err := s.db.QueryRowContext(ctx,
		`SELECT consumed, cap FROM usage_windows WHERE kind = ? AND period_key = ?`,
		string(kind), periodKey,
	).Scan(&w.Consumed, &w.Cap)
	if errors.Is(err, sql.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return w, fmt.Errorf("load %s window %s: %w", kind, periodKey, err)
	}
	return w, nil
}

// Commit implements Store. Window rows carry absolute consumption; an event
// row keeps the per-spend history.
func (s *SQLiteStore) Commit(ctx context.Context, cost int64, windows ...models.UsageWindow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage commit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var dailyKey, monthlyKey string
	for _, w := range windows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO usage_windows (kind, period_key, consumed, cap, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(kind, period_key) DO UPDATE SET
			   consumed = excluded.consumed, cap = excluded.cap, updated_at = excluded.updated_at`,
			string(w.Kind), w.PeriodKey, w.Consumed, w.Cap, now,
		); err != nil {
			return fmt.Errorf("upsert %s window: %w", w.Kind, err)
		}
		switch w.Kind {
		case models.WindowDaily:
			dailyKey = w.PeriodKey
		case models.WindowMonthly:
			monthlyKey = w.PeriodKey
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_events (cost, daily_key, monthly_key, created_at) VALUES (?, ?, ?, ?)`,
		cost, dailyKey, monthlyKey, now,
	); err != nil {
		return fmt.Errorf("record usage event: %w", err)
	}
	return tx.Commit()
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, kind models.WindowKind, limit int) ([]models.UsageWindow, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT period_key, consumed, cap FROM usage_windows
		 WHERE kind = ? ORDER BY period_key DESC LIMIT ?`,
		string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("usage history: %w", err)
	}
	defer rows.Close()

	var out []models.UsageWindow
	for rows.Next() {
		w := models.UsageWindow{Kind: kind}
		if err := rows.Scan(&w.PeriodKey, &w.Consumed, &w.Cap); err != nil {
			return nil, fmt.Errorf("scan usage window: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
