package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/chainfetch/pkg/models"
)

// SQLite is a record sink backed by SQLite.
type SQLite struct {
	db      *sql.DB
	writes  atomic.Int64
	upserts atomic.Int64
}

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS records (
	security TEXT NOT NULL,
	as_of TEXT NOT NULL,
	kind TEXT NOT NULL,
	underlying TEXT NOT NULL,
	fields TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (security, as_of)
);
CREATE INDEX IF NOT EXISTS idx_records_underlying ON records(underlying, as_of);
`

// NewSQLite opens the sink database and runs auto-migration.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sink db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createRecordsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sink db: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Write implements Sink. All records are written in one transaction.
func (s *SQLite) Write(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sink write: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (security, as_of, kind, underlying, fields, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(security, as_of) DO UPDATE SET
		  fields = json_patch(records.fields, excluded.fields),
		  kind = excluded.kind, underlying = excluded.underlying, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare record upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		fields, err := encodeFields(r.Fields)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, r.Key.Security, r.Key.AsOf, string(r.Kind), r.Underlying, string(fields), now); err != nil {
			return fmt.Errorf("upsert record %s@%s: %w", r.Key.Security, r.Key.AsOf, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sink write: %w", err)
	}
	s.writes.Add(1)
	s.upserts.Add(int64(len(records)))
	return nil
}

// Get returns the stored record for key.
func (s *SQLite) Get(ctx context.Context, key models.RecordKey) (*models.Record, bool, error) {
	r := models.Record{Key: key}
	var kind, fields string
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, underlying, fields FROM records WHERE security = ? AND as_of = ?`,
		key.Security, key.AsOf,
	).Scan(&kind, &r.Underlying, &fields)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get record: %w", err)
	}
	r.Kind = models.UnitKind(kind)
	if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
		return nil, false, fmt.Errorf("decode record fields: %w", err)
	}
	return &r, true, nil
}

// Records returns every stored record ordered by key.
func (s *SQLite) Records(ctx context.Context) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT security, as_of, kind, underlying, fields FROM records ORDER BY security, as_of`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var r models.Record
		var kind, fields string
		if err := rows.Scan(&r.Key.Security, &r.Key.AsOf, &kind, &r.Underlying, &fields); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Kind = models.UnitKind(kind)
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, fmt.Errorf("decode record fields: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats returns the stored record count and this process's write counters.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Writes: s.writes.Load(), Upserts: s.upserts.Load()}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&st.Records); err != nil {
		return st, fmt.Errorf("sink stats: %w", err)
	}
	return st, nil
}

// Close implements Sink.
func (s *SQLite) Close() error {
	return s.db.Close()
}
