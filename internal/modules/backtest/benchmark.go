package backtest

import (
	"github.com/finpack/finpack/internal/modules/currency"
	"github.com/finpack/finpack/internal/modules/marketdata"
)

// Benchmark index tickers per market.
const (
	BenchmarkUS = "^IXIC"
	BenchmarkTW = "^TWII"
)

// BenchmarkPoint is one day of buy-and-hold benchmark equity.
type BenchmarkPoint struct {
	Date   string  `json:"date"`
	Equity float64 `json:"equity"`
}

// Benchmark is a buy-and-hold comparison over the same date range. The
// global market holds both indices at equal weight; the US leg is
// converted at each day's exchange rate.
type Benchmark struct {
	Tickers     []string         `json:"tickers"`
	TotalReturn float64          `json:"totalReturn"`
	Curve       []BenchmarkPoint `json:"curve"`
}

type benchmarkLeg struct {
	ticker  string
	country string
	shares  float64
}

// ComputeBenchmark simulates holding the market index (or indices) across
// the run's date range. It reads the unfiltered bundle because index
// tickers are excluded from the tradable universe. Returns nil when no
// index data is available.
func ComputeBenchmark(bundle *marketdata.Bundle, market string, dr marketdata.DateRange, initial float64, fx *currency.Service) *Benchmark {
	var specs []benchmarkLeg
	switch market {
	case marketdata.MarketUS:
		specs = []benchmarkLeg{{ticker: BenchmarkUS, country: marketdata.CountryUS}}
	case marketdata.MarketTW:
		specs = []benchmarkLeg{{ticker: BenchmarkTW, country: marketdata.CountryTW}}
	default:
		specs = []benchmarkLeg{
			{ticker: BenchmarkUS, country: marketdata.CountryUS},
			{ticker: BenchmarkTW, country: marketdata.CountryTW},
		}
	}

	startDate := bundle.Dates[dr.StartIdx]
	weight := initial / float64(len(specs))

	var legs []benchmarkLeg
	var tickers []string
	for _, leg := range specs {
		price, ok := bundle.PriceAt(leg.ticker, dr.StartIdx)
		if !ok || price <= 0 {
			continue
		}
		leg.shares = fx.FromLedger(weight, leg.country, startDate) / price
		legs = append(legs, leg)
		tickers = append(tickers, leg.ticker)
	}
	if len(legs) == 0 {
		return nil
	}

	// Legs that have no data keep their cash allocation flat.
	idle := initial - weight*float64(len(legs))

	curve := make([]BenchmarkPoint, 0, dr.EndIdx-dr.StartIdx+1)
	for idx := dr.StartIdx; idx <= dr.EndIdx; idx++ {
		date := bundle.Dates[idx]
		equity := idle
		for _, leg := range legs {
			price, ok := bundle.PriceAt(leg.ticker, idx)
			if !ok {
				continue
			}
			equity += fx.ToLedger(leg.shares*price, leg.country, date)
		}
		curve = append(curve, BenchmarkPoint{Date: date, Equity: equity})
	}

	return &Benchmark{
		Tickers:     tickers,
		TotalReturn: curve[len(curve)-1].Equity/initial - 1,
		Curve:       curve,
	}
}
