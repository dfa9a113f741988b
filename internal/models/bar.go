package models

import "time"

// Bar is one OHLCV tuple for a single instrument over one interval.
type Bar struct {
	Timestamp time.Time `json:"ts" db:"ts"`
	Symbol    string    `json:"sym" db:"sym"`
	Open      float64   `json:"o" db:"o"`
	High      float64   `json:"h" db:"h"`
	Low       float64   `json:"l" db:"l"`
	Close     float64   `json:"c" db:"c"`
	Volume    float64   `json:"v" db:"v"`
}

// Req is one historical pull request: inclusive date window for one symbol.
type Req struct {
	Symbol   string    `json:"sym"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Interval string    `json:"interval"`
}

// Constituent is one index member as reported by an index provider.
type Constituent struct {
	Symbol        string   `json:"symbol"`
	Weight        *float64 `json:"weight,omitempty"`
	Name          *string  `json:"name,omitempty"`
	AssetClass    *string  `json:"asset_class,omitempty"`
	MatcherSymbol *string  `json:"matcher_symbol,omitempty"`
	BaseCurrency  *string  `json:"base_currency,omitempty"`
	QuoteCurrency *string  `json:"quote_currency,omitempty"`
}
