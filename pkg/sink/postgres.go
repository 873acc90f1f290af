package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/pario-ai/chainfetch/pkg/models"
)

// Postgres is a record sink backed by PostgreSQL.
type Postgres struct {
	db      *sql.DB
	writes  atomic.Int64
	upserts atomic.Int64
}

const createPostgresRecords = `
CREATE TABLE IF NOT EXISTS records (
	security TEXT NOT NULL,
	as_of TEXT NOT NULL,
	kind TEXT NOT NULL,
	underlying TEXT NOT NULL,
	fields JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (security, as_of)
);
CREATE INDEX IF NOT EXISTS idx_records_underlying ON records(underlying, as_of);
`

// NewPostgres connects to dsn and runs auto-migration.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres sink: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres sink: %w", err)
	}
	if _, err := db.ExecContext(ctx, createPostgresRecords); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres sink: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Write implements Sink.
func (p *Postgres) Write(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sink write: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (security, as_of, kind, underlying, fields, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, now())
		ON CONFLICT (security, as_of) DO UPDATE SET
		  fields = records.fields || EXCLUDED.fields,
		  kind = EXCLUDED.kind, underlying = EXCLUDED.underlying, updated_at = now()`)
	if err != nil {
		return fmt.Errorf("prepare record upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		fields, err := encodeFields(r.Fields)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, r.Key.Security, r.Key.AsOf, string(r.Kind), r.Underlying, string(fields)); err != nil {
			return fmt.Errorf("upsert record %s@%s: %w", r.Key.Security, r.Key.AsOf, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sink write: %w", err)
	}
	p.writes.Add(1)
	p.upserts.Add(int64(len(records)))
	return nil
}

// Stats returns the stored record count and this process's write counters.
func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Writes: p.writes.Load(), Upserts: p.upserts.Load()}
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&st.Records); err != nil {
		return st, fmt.Errorf("sink stats: %w", err)
	}
	return st, nil
}

// Close implements Sink.
func (p *Postgres) Close() error {
	return p.db.Close()
}
