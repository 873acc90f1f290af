package models

import "time"

// AttemptEntry records a single query issued to the data source.
type AttemptEntry struct {
	CorrelationID string    `json:"correlation_id"`
	RunID         int64     `json:"run_id"`
	UnitID        string    `json:"unit_id"`
	Attempt       int       `json:"attempt"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	Securities    int       `json:"securities"`
	Records       int       `json:"records"`
	LatencyMs     int64     `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditConfig controls the attempt journal.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxErrorSize  int    `yaml:"max_error_size"` // bytes
}

// AuditQueryOpts specifies filters for querying attempt entries.
type AuditQueryOpts struct {
	RunID   int64
	UnitID  string
	Outcome string
	Since   time.Time
	Limit   int
}

// AuditStat holds aggregate attempt counts for an outcome/day combination.
type AuditStat struct {
	Outcome string
	Day     string
	Count   int
}
