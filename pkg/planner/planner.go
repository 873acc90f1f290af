// Package planner expands a fetch request into ordered, costed work units.
package planner

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/chainfetch/pkg/models"
)

// ErrInvalidRequest is returned for requests that cannot be planned.
var ErrInvalidRequest = errors.New("invalid fetch request")

// Budget bounds the cost of a single unit. A unit costing more than
// DailyCap can never be reserved on any day and is emitted as skipped.
// Zero disables the check.
type Budget struct {
	DailyCap int64
}

// Plan expands req into work units ordered by ascending cost, ties broken by
// declaration order. Identical units are emitted once.
func Plan(req models.FetchRequest, budget Budget) ([]models.WorkUnit, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	var expiries []time.Time
	if len(req.OptionFields) > 0 {
		var err error
		if expiries, err = resolveExpiries(req); err != nil {
			return nil, err
		}
	}

	var units []models.WorkUnit
	seen := make(map[string]bool)
	add := func(kind models.UnitKind, underlying string, securities []string, fields []string) {
		for _, secs := range chunk(securities, req.MaxSecuritiesPerRequest) {
			for _, flds := range chunk(fields, req.MaxFieldsPerRequest) {
				id := models.UnitID(kind, secs, flds, req.Period)
				if seen[id] {
					continue
				}
				seen[id] = true
				units = append(units, models.WorkUnit{
					ID:            id,
					Kind:          kind,
					Underlying:    underlying,
					Securities:    secs,
					Fields:        flds,
					Period:        req.Period,
					Seq:           len(units),
					EstimatedCost: models.Cost(len(secs), len(flds), req.Period),
					Status:        models.StatusPending,
				})
			}
		}
	}

	for _, u := range req.Universe() {
		if len(req.EquityFields) > 0 {
			add(models.KindEquity, u.Ticker, []string{u.EquitySecurity()}, req.EquityFields)
		}
		if len(req.OptionFields) == 0 || u.Spot <= 0 {
			continue
		}
		strikes := StrikeLadder(u.Spot, req.Options)
		for _, exp := range expiries {
			add(models.KindOption, u.Ticker, Chain(u.Ticker, exp, strikes), req.OptionFields)
		}
	}

	slices.SortStableFunc(units, func(a, b models.WorkUnit) int {
		if a.EstimatedCost != b.EstimatedCost {
			if a.EstimatedCost < b.EstimatedCost {
				return -1
			}
			return 1
		}
		return a.Seq - b.Seq
	})

	if budget.DailyCap > 0 {
		for i := range units {
			if units[i].EstimatedCost > budget.DailyCap {
				units[i].Status = models.StatusSkipped
				units[i].SkipReason = models.SkipUnitExceedsCap
			}
		}
	}
	return units, nil
}

func validate(req models.FetchRequest) error {
	if len(req.Universe()) == 0 {
		return fmt.Errorf("%w: empty universe", ErrInvalidRequest)
	}
	if len(req.EquityFields) == 0 && len(req.OptionFields) == 0 {
		return fmt.Errorf("%w: no fields requested", ErrInvalidRequest)
	}
	p := req.Period
	if !p.Snapshot() {
		if p.Start.IsZero() || p.End.IsZero() || p.End.Before(p.Start) {
			return fmt.Errorf("%w: bad period %s", ErrInvalidRequest, p)
		}
		if p.Count() == 0 {
			return fmt.Errorf("%w: period %s has no weekdays", ErrInvalidRequest, p)
		}
	}
	if len(req.OptionFields) > 0 {
		o := req.Options
		if o.StrikeInterval <= 0 {
			return fmt.Errorf("%w: strike interval must be positive", ErrInvalidRequest)
		}
		for i, t := range o.StrikeTiers {
			if t.Interval <= 0 {
				return fmt.Errorf("%w: strike tier below %v has non-positive interval", ErrInvalidRequest, t.Below)
			}
			if i > 0 && t.Below <= o.StrikeTiers[i-1].Below {
				return fmt.Errorf("%w: strike tiers must ascend", ErrInvalidRequest)
			}
		}
		if o.StrikesAbove < 0 || o.StrikesBelow < 0 {
			return fmt.Errorf("%w: negative strike count", ErrInvalidRequest)
		}
	}
	return nil
}

func chunk(items []string, size int) [][]string {
	if size <= 0 || size >= len(items) {
		return [][]string{items}
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end:end])
	}
	return out
}

// StrikeLadder returns strikes from spot-below×interval to spot+above×interval,
// rounded outward to the interval. The interval is picked by spot tier.
func StrikeLadder(spot float64, o models.OptionParams) []decimal.Decimal {
	interval := decimal.NewFromFloat(o.IntervalFor(spot))
	s := decimal.NewFromFloat(spot)

	lo := s.Sub(interval.Mul(decimal.NewFromInt(int64(o.StrikesBelow)))).Floor()
	hi := s.Add(interval.Mul(decimal.NewFromInt(int64(o.StrikesAbove)))).Ceil()
	lo = lo.Div(interval).Floor().Mul(interval)
	hi = hi.Div(interval).Ceil().Mul(interval)
	if lo.LessThanOrEqual(decimal.Zero) {
		lo = interval
	}

	var strikes []decimal.Decimal
	for k := lo; k.LessThanOrEqual(hi); k = k.Add(interval) {
		strikes = append(strikes, k)
	}
	return strikes
}

// Chain returns call and put tickers for every strike at one expiry.
func Chain(underlying string, expiry time.Time, strikes []decimal.Decimal) []string {
	out := make([]string, 0, 2*len(strikes))
	for _, k := range strikes {
		out = append(out, OptionTicker(underlying, expiry, "C", k), OptionTicker(underlying, expiry, "P", k))
	}
	return out
}

// OptionTicker formats a vendor option identifier, e.g. "QQQ US 12/20/24 C500 Equity".
func OptionTicker(underlying string, expiry time.Time, right string, strike decimal.Decimal) string {
	return fmt.Sprintf("%s US %s %s%s Equity", underlying, expiry.Format("01/02/06"), right, strike.String())
}

func resolveExpiries(req models.FetchRequest) ([]time.Time, error) {
	if len(req.Options.Expiries) > 0 {
		out := make([]time.Time, 0, len(req.Options.Expiries))
		for _, s := range req.Options.Expiries {
			t, err := time.Parse("20060102", s)
			if err != nil {
				return nil, fmt.Errorf("%w: expiry %q: %v", ErrInvalidRequest, s, err)
			}
			if !slices.ContainsFunc(out, t.Equal) {
				out = append(out, t)
			}
		}
		slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
		return out, nil
	}

	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	return Expiries(asOf, req.Options.MaxDaysToExpiry), nil
}

// Expiries returns every Friday in (asOf, asOf+maxDays] plus the quarterly
// third Fridays in that window, sorted and deduplicated.
func Expiries(asOf time.Time, maxDays int) []time.Time {
	today := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
	end := today.AddDate(0, 0, maxDays)

	var out []time.Time
	ahead := (int(time.Friday) - int(today.Weekday()) + 7) % 7
	if ahead == 0 {
		ahead = 7
	}
	for d := today.AddDate(0, 0, ahead); !d.After(end); d = d.AddDate(0, 0, 7) {
		out = append(out, d)
	}

	for y := today.Year(); y <= end.Year(); y++ {
		for _, m := range []time.Month{time.March, time.June, time.September, time.December} {
			q := thirdFriday(y, m)
			if q.After(today) && !q.After(end) && !slices.ContainsFunc(out, q.Equal) {
				out = append(out, q)
			}
		}
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

func thirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}

// Estimate summarises a plan for dry runs.
type Estimate struct {
	Units     int
	Skipped   int
	TotalCost int64
	Days      int
}

// Summarize totals the runnable cost of units and the days of dailyCap it needs.
func Summarize(units []models.WorkUnit, dailyCap int64) Estimate {
	var e Estimate
	for _, u := range units {
		e.Units++
		if u.Status == models.StatusSkipped {
			e.Skipped++
			continue
		}
		e.TotalCost += u.EstimatedCost
	}
	if dailyCap > 0 {
		e.Days = int((e.TotalCost + dailyCap - 1) / dailyCap)
	}
	return e
}
