// Package audit keeps a journal of every query attempt issued to the vendor.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/pario-ai/chainfetch/pkg/models"
	_ "modernc.org/sqlite"
)

// Logger writes and queries attempt entries in a dedicated SQLite database.
type Logger struct {
	db   *sql.DB
	cfg  models.AuditConfig
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the audit SQLite database and creates the schema.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS attempts (
		correlation_id TEXT PRIMARY KEY,
		run_id         INTEGER NOT NULL,
		unit_id        TEXT NOT NULL,
		attempt        INTEGER NOT NULL,
		outcome        TEXT NOT NULL,
		error          TEXT,
		securities     INTEGER NOT NULL,
		records        INTEGER NOT NULL,
		latency_ms     INTEGER NOT NULL,
		created_at     DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attempts_unit ON attempts(run_id, unit_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attempts_created ON attempts(created_at)`)
	return err
}

// Log inserts an attempt entry. A nil Logger discards entries.
func (l *Logger) Log(ctx context.Context, entry models.AttemptEntry) error {
	if l == nil || l.db == nil {
		return nil
	}

	errText := entry.Error
	if l.cfg.MaxErrorSize > 0 && len(errText) > l.cfg.MaxErrorSize {
		errText = errText[:l.cfg.MaxErrorSize]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO attempts
		(correlation_id, run_id, unit_id, attempt, outcome, error,
		 securities, records, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.CorrelationID, entry.RunID, entry.UnitID, entry.Attempt, entry.Outcome, errText,
		entry.Securities, entry.Records, entry.LatencyMs, entry.CreatedAt.UTC(),
	)
	return err
}

// Query returns attempt entries matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AttemptEntry, error) {
	q := `SELECT correlation_id, run_id, unit_id, attempt, outcome, error,
		securities, records, latency_ms, created_at
		FROM attempts WHERE 1=1`
	var args []any

	if opts.RunID != 0 {
		q += " AND run_id = ?"
		args = append(args, opts.RunID)
	}
	if opts.UnitID != "" {
		q += " AND unit_id = ?"
		args = append(args, opts.UnitID)
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	q += " ORDER BY created_at DESC, attempt DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AttemptEntry
	for rows.Next() {
		var e models.AttemptEntry
		var errText sql.NullString
		if err := rows.Scan(
			&e.CorrelationID, &e.RunID, &e.UnitID, &e.Attempt, &e.Outcome, &errText,
			&e.Securities, &e.Records, &e.LatencyMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns aggregate counts grouped by outcome and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT outcome, date(created_at) as day, count(*) as cnt
		 FROM attempts GROUP BY outcome, day ORDER BY day DESC, outcome`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.Outcome, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM attempts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}
