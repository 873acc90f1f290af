package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/chainfetch/pkg/models"
)

// ErrNoActiveCheckpoint is returned when no open checkpoint exists.
var ErrNoActiveCheckpoint = errors.New("no active checkpoint")

// UnitUpdate carries the mutable state of a single unit.
type UnitUpdate struct {
	UnitID     string
	Status     models.UnitStatus
	Attempts   int
	LastError  string
	SkipReason string
}

// Warning is a partial-data note recorded against a unit.
type Warning struct {
	UnitID    string    `json:"unit_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists checkpoints and the state of their units.
type Store interface {
	// LoadActive returns the most recent checkpoint that is not complete.
	LoadActive(ctx context.Context) (*models.Checkpoint, error)
	// Latest returns the most recent checkpoint, complete or not.
	Latest(ctx context.Context) (*models.Checkpoint, error)
	// Save writes a checkpoint and all of its units, assigning RunID when zero.
	Save(ctx context.Context, cp *models.Checkpoint) error
	// UpdateUnit persists one unit transition.
	UpdateUnit(ctx context.Context, runID int64, u UnitUpdate) error
	// Complete marks a checkpoint closed.
	Complete(ctx context.Context, runID int64) error
	// Counts returns unit counts by status.
	Counts(ctx context.Context, runID int64) (models.StatusCounts, error)
	// Units returns a checkpoint's units in planned order, optionally filtered by status.
	Units(ctx context.Context, runID int64, statuses ...models.UnitStatus) ([]models.WorkUnit, error)
	// RecordWarning keeps a partial-data warning for a unit.
	RecordWarning(ctx context.Context, runID int64, unitID, msg string) error
	// Warnings returns the warnings recorded for a checkpoint.
	Warnings(ctx context.Context, runID int64) ([]Warning, error)
	// Close releases resources.
	Close() error
}

// SQLiteStore implements Store with a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const createTables = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_digest TEXT NOT NULL,
	as_of TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE TABLE IF NOT EXISTS work_units (
	run_id INTEGER NOT NULL,
	unit_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	underlying TEXT NOT NULL,
	securities TEXT NOT NULL,
	fields TEXT NOT NULL,
	period_start TEXT NOT NULL DEFAULT '',
	period_end TEXT NOT NULL DEFAULT '',
	estimated_cost INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	skip_reason TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, unit_id)
);
CREATE INDEX IF NOT EXISTS idx_units_status ON work_units(run_id, status);
CREATE TABLE IF NOT EXISTS unit_warnings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL,
	unit_id TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

const dateLayout = "2006-01-02"

// New opens the task database and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate task db: %w", err)
	}
	if !columnExists(db, "checkpoints", "as_of") {
		if _, err := db.Exec(`ALTER TABLE checkpoints ADD COLUMN as_of TEXT NOT NULL DEFAULT ''`); err != nil {
			db.Close()
			return nil, fmt.Errorf("add as_of column: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// LoadActive implements Store.
func (s *SQLiteStore) LoadActive(ctx context.Context) (*models.Checkpoint, error) {
	return s.load(ctx, `SELECT run_id, request_digest, as_of, created_at, completed_at FROM checkpoints
		WHERE completed_at IS NULL ORDER BY run_id DESC LIMIT 1`)
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context) (*models.Checkpoint, error) {
	return s.load(ctx, `SELECT run_id, request_digest, as_of, created_at, completed_at FROM checkpoints
		ORDER BY run_id DESC LIMIT 1`)
}

func (s *SQLiteStore) load(ctx context.Context, query string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	var (
		asOf      string
		completed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query).Scan(&cp.RunID, &cp.RequestDigest, &asOf, &cp.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.AsOf, err = parseDate(asOf); err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		cp.CompletedAt = &t
	}

	units, err := s.Units(ctx, cp.RunID)
	if err != nil {
		return nil, err
	}
	cp.Units = units
	return cp, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, cp *models.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save checkpoint: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.RunID == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (request_digest, as_of, created_at) VALUES (?, ?, ?)`,
			cp.RequestDigest, formatDate(cp.AsOf), cp.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		if cp.RunID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("checkpoint id: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO work_units
		(run_id, unit_id, position, seq, kind, underlying, securities, fields,
		 period_start, period_end, estimated_cost, status, attempts, last_error, skip_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, unit_id) DO UPDATE SET
		  position = excluded.position, status = excluded.status, attempts = excluded.attempts,
		  last_error = excluded.last_error, skip_reason = excluded.skip_reason,
		  updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare unit upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range cp.Units {
		u := &cp.Units[i]
		secs, _ := json.Marshal(u.Securities)
		flds, _ := json.Marshal(u.Fields)
		if u.UpdatedAt.IsZero() {
			u.UpdatedAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			cp.RunID, u.ID, i, u.Seq, string(u.Kind), u.Underlying, string(secs), string(flds),
			formatDate(u.Period.Start), formatDate(u.Period.End), u.EstimatedCost,
			string(u.Status), u.Attempts, u.LastError, u.SkipReason, u.UpdatedAt,
		); err != nil {
			return fmt.Errorf("save unit %s: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateUnit implements Store.
func (s *SQLiteStore) UpdateUnit(ctx context.Context, runID int64, u UnitUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_units SET status = ?, attempts = ?, last_error = ?, skip_reason = ?, updated_at = ?
		 WHERE run_id = ? AND unit_id = ?`,
		string(u.Status), u.Attempts, u.LastError, u.SkipReason, time.Now().UTC(), runID, u.UnitID)
	if err != nil {
		return fmt.Errorf("update unit %s: %w", u.UnitID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update unit %s: not in checkpoint %d", u.UnitID, runID)
	}
	return nil
}

// Complete implements Store.
func (s *SQLiteStore) Complete(ctx context.Context, runID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET completed_at = ? WHERE run_id = ? AND completed_at IS NULL`,
		time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("complete checkpoint %d: %w", runID, err)
	}
	return nil
}

// Counts implements Store.
func (s *SQLiteStore) Counts(ctx context.Context, runID int64) (models.StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM work_units WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("count units: %w", err)
	}
	defer rows.Close()

	counts := make(models.StatusCounts)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan unit count: %w", err)
		}
		counts[models.UnitStatus(status)] = n
	}
	return counts, rows.Err()
}

// Units implements Store.
func (s *SQLiteStore) Units(ctx context.Context, runID int64, statuses ...models.UnitStatus) ([]models.WorkUnit, error) {
	q := `SELECT unit_id, seq, kind, underlying, securities, fields, period_start, period_end,
		estimated_cost, status, attempts, last_error, skip_reason, updated_at
		FROM work_units WHERE run_id = ?`
	args := []any{runID}
	if len(statuses) > 0 {
		q += " AND status IN (" + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += " ORDER BY position"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	var units []models.WorkUnit
	for rows.Next() {
		var u models.WorkUnit
		var kind, status, secs, flds, start, end string
		if err := rows.Scan(&u.ID, &u.Seq, &kind, &u.Underlying, &secs, &flds, &start, &end,
			&u.EstimatedCost, &status, &u.Attempts, &u.LastError, &u.SkipReason, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u.Kind = models.UnitKind(kind)
		u.Status = models.UnitStatus(status)
		if err := json.Unmarshal([]byte(secs), &u.Securities); err != nil {
			return nil, fmt.Errorf("decode securities of %s: %w", u.ID, err)
		}
		if err := json.Unmarshal([]byte(flds), &u.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of %s: %w", u.ID, err)
		}
		if u.Period.Start, err = parseDate(start); err != nil {
			return nil, err
		}
		if u.Period.End, err = parseDate(end); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// RecordWarning implements Store.
func (s *SQLiteStore) RecordWarning(ctx context.Context, runID int64, unitID, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unit_warnings (run_id, unit_id, message, created_at) VALUES (?, ?, ?, ?)`,
		runID, unitID, msg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record warning: %w", err)
	}
	return nil
}

// Warnings implements Store.
func (s *SQLiteStore) Warnings(ctx context.Context, runID int64) ([]Warning, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_id, message, created_at FROM unit_warnings WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query warnings: %w", err)
	}
	defer rows.Close()

	var out []Warning
	for rows.Next() {
		var w Warning
		if err := rows.Scan(&w.UnitID, &w.Message, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan warning: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse period date %q: %w", s, err)
	}
	return t, nil
}
