package models

import "time"

// RecordKey is the natural identity used for idempotent upserts.
type RecordKey struct {
	Security string `json:"security"`
	AsOf     string `json:"as_of"`
}

// Record is one security's field values at one point in time. Fields are
// optional: vendor payloads vary by security and liquidity.
type Record struct {
	Key        RecordKey      `json:"key"`
	Kind       UnitKind       `json:"kind"`
	Underlying string         `json:"underlying"`
	Fields     map[string]any `json:"fields"`
}

// FetchResult is the outcome of one successfully executed unit.
type FetchResult struct {
	UnitID    string    `json:"unit_id"`
	Records   []Record  `json:"records"`
	Warnings  []string  `json:"warnings,omitempty"`
	Attempts  int       `json:"attempts"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Partial reports whether the result under-delivered.
func (r *FetchResult) Partial() bool {
	return len(r.Warnings) > 0
}
