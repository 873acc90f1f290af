package planner

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/chainfetch/pkg/models"
)

func equityRequest() models.FetchRequest {
	return models.FetchRequest{
		Index:        models.Underlying{Ticker: "QQQ", Spot: 480},
		Constituents: []models.Underlying{{Ticker: "AAPL", Spot: 190}},
		EquityFields: []string{"PX_LAST", "PX_OPEN", "PX_VOLUME"},
	}
}

func TestPlanTwoSecuritiesThreeFields(t *testing.T) {
	units, err := Plan(equityRequest(), Budget{DailyCap: 5})
	require.NoError(t, err)
	require.Len(t, units, 2)

	for i, u := range units {
		assert.Equal(t, int64(3), u.EstimatedCost)
		assert.Equal(t, models.StatusPending, u.Status)
		assert.Equal(t, i, u.Seq, "equal costs keep declaration order")
	}
	assert.Equal(t, []string{"QQQ US Equity"}, units[0].Securities)
	assert.Equal(t, []string{"AAPL US Equity"}, units[1].Securities)
}

func TestPlanDeterministicIDs(t *testing.T) {
	a, err := Plan(equityRequest(), Budget{})
	require.NoError(t, err)

	req := equityRequest()
	req.EquityFields = []string{"PX_VOLUME", "PX_LAST", "PX_OPEN"}
	b, err := Plan(req, Budget{})
	require.NoError(t, err)

	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
	}
}

func TestPlanOrdersByCost(t *testing.T) {
	req := equityRequest()
	req.OptionFields = []string{"PX_BID", "PX_ASK"}
	req.Options = models.OptionParams{StrikesAbove: 1, StrikesBelow: 1, StrikeInterval: 5, Expiries: []string{"20261120"}}

	units, err := Plan(req, Budget{})
	require.NoError(t, err)

	for i := 1; i < len(units); i++ {
		prev, cur := units[i-1], units[i]
		assert.LessOrEqual(t, prev.EstimatedCost, cur.EstimatedCost)
		if prev.EstimatedCost == cur.EstimatedCost {
			assert.Less(t, prev.Seq, cur.Seq)
		}
	}
	// Equity bundles cost 3; option chains cost 3 strikes × 2 rights × 2 fields.
	assert.Equal(t, models.KindEquity, units[0].Kind)
	assert.Equal(t, int64(12), units[len(units)-1].EstimatedCost)
}

func TestPlanChunking(t *testing.T) {
	req := models.FetchRequest{
		Index:                   models.Underlying{Ticker: "QQQ", Spot: 480},
		OptionFields:            []string{"PX_BID", "PX_ASK", "DELTA"},
		Options:                 models.OptionParams{StrikesAbove: 2, StrikesBelow: 2, StrikeInterval: 5, Expiries: []string{"20261120"}},
		MaxSecuritiesPerRequest: 4,
		MaxFieldsPerRequest:     2,
	}

	units, err := Plan(req, Budget{})
	require.NoError(t, err)

	// 5 strikes × 2 rights = 10 securities → chunks of 4, 4, 2; fields → 2, 1.
	require.Len(t, units, 6)
	var total int64
	for _, u := range units {
		assert.LessOrEqual(t, len(u.Securities), 4)
		assert.LessOrEqual(t, len(u.Fields), 2)
		total += u.EstimatedCost
	}
	assert.Equal(t, int64(30), total)
}

func TestPlanHistoricalCost(t *testing.T) {
	req := equityRequest()
	req.Period = models.Period{
		Start: time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 10, 11, 0, 0, 0, 0, time.UTC),
	}

	units, err := Plan(req, Budget{})
	require.NoError(t, err)
	for _, u := range units {
		assert.Equal(t, int64(15), u.EstimatedCost, "1 security × 3 fields × 5 weekdays")
	}
}

func TestPlanSkipsUnitExceedingCap(t *testing.T) {
	req := equityRequest()
	req.Constituents = nil
	req.OptionFields = []string{"PX_BID"}
	req.Options = models.OptionParams{StrikesAbove: 5, StrikesBelow: 5, StrikeInterval: 5, Expiries: []string{"20261120"}}

	units, err := Plan(req, Budget{DailyCap: 10})
	require.NoError(t, err)
	require.Len(t, units, 2)

	assert.Equal(t, models.StatusPending, units[0].Status)
	assert.Equal(t, models.StatusSkipped, units[1].Status)
	assert.Equal(t, models.SkipUnitExceedsCap, units[1].SkipReason)

	est := Summarize(units, 10)
	assert.Equal(t, 1, est.Skipped)
	assert.Equal(t, int64(3), est.TotalCost)
	assert.Equal(t, 1, est.Days)
}

func TestPlanInvalid(t *testing.T) {
	cases := map[string]func(*models.FetchRequest){
		"empty universe": func(r *models.FetchRequest) { r.Index = models.Underlying{}; r.Constituents = nil },
		"no fields":      func(r *models.FetchRequest) { r.EquityFields = nil },
		"bad period": func(r *models.FetchRequest) {
			r.Period = models.Period{Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		},
		"weekend only": func(r *models.FetchRequest) {
			r.Period = models.Period{Start: time.Date(2026, 10, 10, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 10, 11, 0, 0, 0, 0, time.UTC)}
		},
		"zero interval": func(r *models.FetchRequest) { r.OptionFields = []string{"PX_BID"} },
		"bad expiry": func(r *models.FetchRequest) {
			r.OptionFields = []string{"PX_BID"}
			r.Options = models.OptionParams{StrikeInterval: 5, Expiries: []string{"2026-11-20"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := equityRequest()
			mutate(&req)
			_, err := Plan(req, Budget{})
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestStrikeLadder(t *testing.T) {
	strikes := StrikeLadder(480, models.OptionParams{StrikesAbove: 2, StrikesBelow: 2, StrikeInterval: 5})
	require.Len(t, strikes, 5)
	assert.Equal(t, "470", strikes[0].String())
	assert.Equal(t, "490", strikes[4].String())

	frac := StrikeLadder(481.3, models.OptionParams{StrikesAbove: 1, StrikesBelow: 1, StrikeInterval: 2.5})
	got := make([]string, len(frac))
	for i, k := range frac {
		got[i] = k.String()
	}
	assert.Equal(t, []string{"477.5", "480", "482.5", "485"}, got)
}

func TestStrikeLadderTiers(t *testing.T) {
	o := models.OptionParams{StrikesAbove: 20, StrikesBelow: 20, StrikeInterval: 10, StrikeTiers: models.DefaultStrikeTiers}

	tests := []struct {
		spot     float64
		step     string
		lo, hi   string
		nStrikes int
	}{
		{spot: 30, step: "0.5", lo: "20", hi: "40", nStrikes: 41},
		{spot: 75, step: "1", lo: "55", hi: "95", nStrikes: 41},
		{spot: 190, step: "2.5", lo: "140", hi: "240", nStrikes: 41},
		{spot: 480, step: "5", lo: "380", hi: "580", nStrikes: 41},
		{spot: 650, step: "10", lo: "450", hi: "850", nStrikes: 41},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.spot), func(t *testing.T) {
			strikes := StrikeLadder(tt.spot, o)
			require.Len(t, strikes, tt.nStrikes)
			assert.Equal(t, tt.lo, strikes[0].String())
			assert.Equal(t, tt.hi, strikes[len(strikes)-1].String())
			assert.Equal(t, tt.step, strikes[1].Sub(strikes[0]).String())
		})
	}
}

func TestPlanAppliesTierPerUnderlying(t *testing.T) {
	req := models.FetchRequest{
		Index:        models.Underlying{Ticker: "QQQ", Spot: 480},
		Constituents: []models.Underlying{{Ticker: "INTC", Spot: 30}, {Ticker: "AAPL", Spot: 190}},
		OptionFields: []string{"PX_BID"},
		Options: models.OptionParams{
			StrikesAbove: 1, StrikesBelow: 1, StrikeInterval: 10,
			StrikeTiers: models.DefaultStrikeTiers,
			Expiries:    []string{"20261120"},
		},
	}
	units, err := Plan(req, Budget{})
	require.NoError(t, err)

	chains := make(map[string][]string)
	for _, u := range units {
		chains[u.Underlying] = u.Securities
	}
	assert.Contains(t, chains["INTC"], "INTC US 11/20/26 C29.5 Equity")
	assert.Contains(t, chains["INTC"], "INTC US 11/20/26 P30.5 Equity")
	assert.Contains(t, chains["AAPL"], "AAPL US 11/20/26 C187.5 Equity")
	assert.Contains(t, chains["AAPL"], "AAPL US 11/20/26 P192.5 Equity")
	assert.Contains(t, chains["QQQ"], "QQQ US 11/20/26 C475 Equity")
}

func TestPlanRejectsBadStrikeTiers(t *testing.T) {
	req := equityRequest()
	req.OptionFields = []string{"PX_BID"}
	req.Options = models.OptionParams{StrikeInterval: 10, Expiries: []string{"20261120"},
		StrikeTiers: []models.StrikeTier{{Below: 100, Interval: 1}, {Below: 50, Interval: 0.5}}}
	_, err := Plan(req, Budget{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req.Options.StrikeTiers = []models.StrikeTier{{Below: 50, Interval: 0}}
	_, err = Plan(req, Budget{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestOptionTicker(t *testing.T) {
	exp := time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "QQQ US 12/20/24 C500 Equity", OptionTicker("QQQ", exp, "C", decimal.NewFromInt(500)))
	assert.Equal(t, "QQQ US 12/20/24 P482.5 Equity", OptionTicker("QQQ", exp, "P", decimal.RequireFromString("482.5")))
}

func TestExpiries(t *testing.T) {
	asOf := time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC) // a Friday

	short := Expiries(asOf, 30)
	require.Len(t, short, 4)
	assert.Equal(t, "20261023", short[0].Format("20060102"))
	for _, d := range short {
		assert.Equal(t, time.Friday, d.Weekday())
	}

	long := Expiries(asOf, 70)
	assert.Len(t, long, 10)
	assert.Contains(t, long, time.Date(2026, 12, 18, 0, 0, 0, 0, time.UTC))
}
