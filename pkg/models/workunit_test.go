package models

import (
	"testing"
	"time"
)

func TestUnitIDIgnoresOrder(t *testing.T) {
	a := UnitID(KindEquity, []string{"AAPL US Equity", "MSFT US Equity"}, []string{"PX_LAST", "PX_OPEN"}, Period{})
	b := UnitID(KindEquity, []string{"MSFT US Equity", "AAPL US Equity"}, []string{"PX_OPEN", "PX_LAST"}, Period{})
	if a != b {
		t.Errorf("ids differ: %s vs %s", a, b)
	}

	c := UnitID(KindOption, []string{"AAPL US Equity", "MSFT US Equity"}, []string{"PX_LAST", "PX_OPEN"}, Period{})
	if a == c {
		t.Error("kind should change the id")
	}

	hist := Period{Start: date(2026, 10, 12), End: date(2026, 10, 16)}
	d := UnitID(KindEquity, []string{"AAPL US Equity", "MSFT US Equity"}, []string{"PX_LAST", "PX_OPEN"}, hist)
	if a == d {
		t.Error("period should change the id")
	}
}

func TestPeriodCount(t *testing.T) {
	tests := []struct {
		name string
		p    Period
		want int
	}{
		{"snapshot", Period{}, 1},
		{"one weekday", Period{Start: date(2026, 10, 14), End: date(2026, 10, 14)}, 1},
		{"full week", Period{Start: date(2026, 10, 12), End: date(2026, 10, 18)}, 5},
		{"weekend only", Period{Start: date(2026, 10, 17), End: date(2026, 10, 18)}, 0},
		{"two weeks", Period{Start: date(2026, 10, 9), End: date(2026, 10, 20)}, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Count(); got != tt.want {
				t.Errorf("Count() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCost(t *testing.T) {
	hist := Period{Start: date(2026, 10, 12), End: date(2026, 10, 16)}
	if got := Cost(2, 3, Period{}); got != 6 {
		t.Errorf("snapshot cost = %d, want 6", got)
	}
	if got := Cost(1, 3, hist); got != 15 {
		t.Errorf("historical cost = %d, want 15", got)
	}
}

func TestCheckpointCounts(t *testing.T) {
	cp := &Checkpoint{Units: []WorkUnit{
		{ID: "a", Status: StatusDone},
		{ID: "b", Status: StatusPending},
		{ID: "c", Status: StatusDone},
	}}
	counts := cp.Counts()
	if counts[StatusDone] != 2 || counts[StatusPending] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
	if u := cp.Unit("b"); u == nil || u.Status != StatusPending {
		t.Errorf("Unit(b) = %+v", u)
	}
	if cp.Unit("z") != nil {
		t.Error("Unit(z) should be nil")
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
