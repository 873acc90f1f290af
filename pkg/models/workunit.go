package models

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

// UnitStatus is the lifecycle state of a WorkUnit.
type UnitStatus string

const (
	StatusPending  UnitStatus = "pending"
	StatusInFlight UnitStatus = "in_flight"
	StatusDone     UnitStatus = "done"
	StatusFailed   UnitStatus = "failed"
	StatusSkipped  UnitStatus = "skipped"
)

// Terminal reports whether no further transition is expected within a run.
func (s UnitStatus) Terminal() bool {
	return s == StatusDone || s == StatusSkipped
}

// UnitKind distinguishes equity field requests from option chain slices.
type UnitKind string

const (
	KindEquity UnitKind = "equity"
	KindOption UnitKind = "option"
)

// Skip reasons recorded on units that are never attempted again.
const (
	SkipUnitExceedsCap    = "UnitExceedsCap"
	SkipAttemptsExhausted = "AttemptsExhausted"
)

// Period is either a single snapshot or an inclusive historical date range.
type Period struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Snapshot reports whether the period is a point-in-time request.
func (p Period) Snapshot() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

// Count returns the number of metered periods: 1 for a snapshot, otherwise
// the number of weekdays in [Start, End].
func (p Period) Count() int {
	if p.Snapshot() {
		return 1
	}
	n := 0
	for d := dateOnly(p.Start); !d.After(dateOnly(p.End)); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n++
		}
	}
	return n
}

// String renders the period for IDs and display.
func (p Period) String() string {
	if p.Snapshot() {
		return "snapshot"
	}
	return p.Start.Format("20060102") + "-" + p.End.Format("20060102")
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WorkUnit is one quota-costed, independently retryable fetch request.
type WorkUnit struct {
	ID            string     `json:"id"`
	Kind          UnitKind   `json:"kind"`
	Underlying    string     `json:"underlying"`
	Securities    []string   `json:"securities"`
	Fields        []string   `json:"fields"`
	Period        Period     `json:"period"`
	Seq           int        `json:"seq"`
	EstimatedCost int64      `json:"estimated_cost"`
	Status        UnitStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	SkipReason    string     `json:"skip_reason,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// UnitID derives a stable identifier from the fields that define what a unit
// fetches. Securities and fields are sorted first so presentation order does
// not change identity.
func UnitID(kind UnitKind, securities, fields []string, period Period) string {
	secs := slices.Clone(securities)
	slices.Sort(secs)
	flds := slices.Clone(fields)
	slices.Sort(flds)

	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(secs, "\x1f")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(flds, "\x1f")))
	h.Write([]byte{0})
	h.Write([]byte(period.String()))
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// Cost applies the vendor metering formula: securities × fields × periods.
func Cost(securities, fields int, period Period) int64 {
	return int64(securities) * int64(fields) * int64(period.Count())
}

// Checkpoint is the persisted set of units for one fetch campaign.
type Checkpoint struct {
	RunID         int64      `json:"run_id"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	RequestDigest string     `json:"request_digest"`
	AsOf          time.Time  `json:"as_of"`
	Units         []WorkUnit `json:"units"`
}

// StatusCounts tallies units by status.
type StatusCounts map[UnitStatus]int

// Counts returns the number of units in each status.
func (c *Checkpoint) Counts() StatusCounts {
	counts := make(StatusCounts, 5)
	for _, u := range c.Units {
		counts[u.Status]++
	}
	return counts
}

// Unit returns a pointer to the unit with the given id, or nil.
func (c *Checkpoint) Unit(id string) *WorkUnit {
	for i := range c.Units {
		if c.Units[i].ID == id {
			return &c.Units[i]
		}
	}
	return nil
}
