package backtest

import (
	"time"

	"github.com/finpack/finpack/internal/modules/marketdata"
	"github.com/finpack/finpack/internal/modules/portfolio"
	"github.com/finpack/finpack/internal/modules/strategy"
)

// FinalPosition is an open position marked to the last available price.
type FinalPosition struct {
	Ticker      string  `json:"ticker"`
	Country     string  `json:"country"`
	Industry    string  `json:"industry"`
	Shares      float64 `json:"shares"`
	AvgCost     float64 `json:"avgCost"`
	LastPrice   float64 `json:"lastPrice"`
	MarketValue float64 `json:"marketValue"` // ledger currency
	PnLPct      float64 `json:"pnlPct"`
	EntryDate   string  `json:"entryDate"`
	HoldingDays int     `json:"holdingDays"`
}

// Result is the complete output of one run. Failures are carried in the
// Error field with Success false; the engine never panics across this
// boundary.
type Result struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	Config    Config               `json:"config"`
	DateRange marketdata.DateRange `json:"dateRange"`
	Metrics   *Metrics             `json:"metrics,omitempty"`
	Benchmark *Benchmark           `json:"benchmark,omitempty"`

	EquityCurve      []portfolio.Snapshot      `json:"equityCurve,omitempty"`
	Trades           []portfolio.Trade         `json:"trades,omitempty"`
	FinalPositions   []FinalPosition           `json:"finalPositions,omitempty"`
	SelectionHistory []strategy.SelectionEntry `json:"selectionHistory,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}
