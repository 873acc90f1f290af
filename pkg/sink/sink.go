// Package sink stores fetched records with idempotent keyed upserts.
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pario-ai/chainfetch/pkg/models"
)

// Sink persists records. Writes are upserts keyed on (security, as_of);
// fields of an existing record are merged, never erased.
type Sink interface {
	Write(ctx context.Context, records []models.Record) error
	Close() error
}

// Stats reports sink activity.
type Stats struct {
	Records int64
	Writes  int64
	Upserts int64
}

// Open returns the sink selected by kind.
func Open(kind, dbPath, dsn string) (Sink, error) {
	switch kind {
	case "", "sqlite":
		s, err := NewSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		p, err := NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", kind)
	}
}

func encodeFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return b, nil
}
