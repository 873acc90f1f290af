package models

import "time"

// Underlying is a security whose equity fields and option chain are fetched.
type Underlying struct {
	Ticker string  `json:"ticker" yaml:"ticker"`
	Spot   float64 `json:"spot" yaml:"spot"`
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	Sector string  `json:"sector,omitempty" yaml:"sector,omitempty"`
}

// EquitySecurity returns the vendor identifier for the underlying's equity.
func (u Underlying) EquitySecurity() string {
	return u.Ticker + " US Equity"
}

// StrikeTier sets the strike interval for underlyings priced below Below.
type StrikeTier struct {
	Below    float64 `json:"below" yaml:"below"`
	Interval float64 `json:"interval" yaml:"interval"`
}

// DefaultStrikeTiers are the listed-option strike increments by spot price.
// Spots at or above the last tier use OptionParams.StrikeInterval.
var DefaultStrikeTiers = []StrikeTier{
	{Below: 50, Interval: 0.5},
	{Below: 100, Interval: 1},
	{Below: 200, Interval: 2.5},
	{Below: 500, Interval: 5},
}

// OptionParams controls option chain expansion around the spot price.
type OptionParams struct {
	StrikesAbove    int          `json:"strikes_above" yaml:"strikes_above"`
	StrikesBelow    int          `json:"strikes_below" yaml:"strikes_below"`
	StrikeInterval  float64      `json:"strike_interval" yaml:"strike_interval"`
	StrikeTiers     []StrikeTier `json:"strike_tiers,omitempty" yaml:"strike_tiers,omitempty"` // ascending by Below
	MaxDaysToExpiry int          `json:"max_days_to_expiry" yaml:"max_days_to_expiry"`
	Expiries        []string     `json:"expiries,omitempty" yaml:"expiries,omitempty"` // YYYYMMDD
}

// IntervalFor returns the strike interval for an underlying at spot: the
// first tier whose bound exceeds spot, else StrikeInterval.
func (o OptionParams) IntervalFor(spot float64) float64 {
	for _, t := range o.StrikeTiers {
		if spot < t.Below {
			return t.Interval
		}
	}
	return o.StrikeInterval
}

// FetchRequest declares a campaign: universe × fields × period.
type FetchRequest struct {
	Index        Underlying   `json:"index"`
	Constituents []Underlying `json:"constituents"`
	EquityFields []string     `json:"equity_fields"`
	OptionFields []string     `json:"option_fields"`
	Options      OptionParams `json:"options"`
	Period       Period       `json:"period"`
	AsOf         time.Time    `json:"as_of"`

	MaxSecuritiesPerRequest int `json:"max_securities_per_request"`
	MaxFieldsPerRequest     int `json:"max_fields_per_request"`
}

// Universe returns the index followed by constituents in declaration order.
func (r FetchRequest) Universe() []Underlying {
	out := make([]Underlying, 0, len(r.Constituents)+1)
	if r.Index.Ticker != "" {
		out = append(out, r.Index)
	}
	return append(out, r.Constituents...)
}
