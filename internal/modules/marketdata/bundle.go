// Package marketdata holds the read-only input bundle the simulation consumes:
// the trading-date sequence, per-ticker daily closes, static metadata, and the
// externally computed ranking tables and metric values for the two metrics
// (Sharpe and Growth). The bundle never changes during a run.
package marketdata

import (
	"fmt"
	"math"
	"sort"
)

// Countries recognised by the per-country ranking tables.
const (
	CountryUS = "US"
	CountryTW = "TW"
)

// Market scopes accepted by a backtest configuration.
const (
	MarketUS     = "us"
	MarketTW     = "tw"
	MarketGlobal = "global"
)

// Metric identifiers for the two externally ranked metrics.
const (
	MetricSharpe = "sharpe"
	MetricGrowth = "growth"
)

// NonTradableIndustries are excluded from the eligible universe.
var NonTradableIndustries = map[string]bool{
	"Market Index": true,
	"Index":        true,
}

// SecurityInfo is the static per-ticker metadata.
type SecurityInfo struct {
	Country  string `json:"country"`
	Industry string `json:"industry"`
}

// RankTable maps date → country → tickers ordered best-first.
type RankTable map[string]map[string][]string

// ValueTable maps date → ticker → raw metric value.
type ValueTable map[string]map[string]float64

// Bundle is the immutable input data for one backtest run.
//
// Prices are dense per-date series aligned with Dates; missing observations
// are NaN. Ranking tables and metric values are supplied by the upstream
// data service and are never computed here.
type Bundle struct {
	Dates      []string                // trading dates, ascending YYYY-MM-DD
	Prices     map[string][]float64    // ticker → close per date index
	Info       map[string]SecurityInfo // ticker → metadata
	SharpeRank RankTable
	GrowthRank RankTable
	Sharpe     ValueTable
	Growth     ValueTable
	FXRates    map[string]float64 // date → USD/TWD
	FXDefault  float64

	dateIdx map[string]int
}

// DateRange describes the configured vs. actual simulation window after
// snapping to available trading days.
type DateRange struct {
	RequestedStart string `json:"requestedStart"`
	RequestedEnd   string `json:"requestedEnd"`
	ActualStart    string `json:"actualStart"`
	ActualEnd      string `json:"actualEnd"`
	StartIdx       int    `json:"-"`
	EndIdx         int    `json:"-"`
}

// Adjusted reports whether either end of the range was snapped.
func (r DateRange) Adjusted() bool {
	return r.RequestedStart != r.ActualStart || r.RequestedEnd != r.ActualEnd
}

// Tickers returns all tickers with price data, sorted for deterministic
// iteration.
func (b *Bundle) Tickers() []string {
	out := make([]string, 0, len(b.Prices))
	for t := range b.Prices {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// DateIndex returns the index of a trading date, or -1 when the date is not a
// trading day in this bundle.
func (b *Bundle) DateIndex(date string) int {
	if b.dateIdx == nil {
		b.buildDateIndex()
	}
	if idx, ok := b.dateIdx[date]; ok {
		return idx
	}
	return -1
}

func (b *Bundle) buildDateIndex() {
	b.dateIdx = make(map[string]int, len(b.Dates))
	for i, d := range b.Dates {
		b.dateIdx[d] = i
	}
}

// PriceAt returns the close for a ticker at a date index. When the ticker has
// no observation that day the most recent earlier close is used; this
// fallback keeps the simulation running through data gaps at the cost of
// some precision. The second return is false when no price exists at all up
// to that day.
func (b *Bundle) PriceAt(ticker string, idx int) (float64, bool) {
	series, ok := b.Prices[ticker]
	if !ok || idx < 0 {
		return 0, false
	}
	if idx >= len(series) {
		idx = len(series) - 1
	}
	for i := idx; i >= 0; i-- {
		if !math.IsNaN(series[i]) && series[i] > 0 {
			return series[i], true
		}
	}
	return 0, false
}

// Country returns the ticker's country code, defaulting to US when the
// metadata is missing.
func (b *Bundle) Country(ticker string) string {
	if info, ok := b.Info[ticker]; ok && info.Country != "" {
		return info.Country
	}
	return CountryUS
}

// Industry returns the ticker's industry, or "Unknown".
func (b *Bundle) Industry(ticker string) string {
	if info, ok := b.Info[ticker]; ok && info.Industry != "" {
		return info.Industry
	}
	return "Unknown"
}

// Ranking returns the ordered ranking list for a metric, date and country.
func (b *Bundle) Ranking(metric, date, country string) []string {
	var table RankTable
	switch metric {
	case MetricSharpe:
		table = b.SharpeRank
	case MetricGrowth:
		table = b.GrowthRank
	default:
		return nil
	}
	if day, ok := table[date]; ok {
		return day[country]
	}
	return nil
}

// MetricValue returns the raw metric value for a ticker on a date. The second
// return is false when the value is unavailable.
func (b *Bundle) MetricValue(metric, date, ticker string) (float64, bool) {
	var table ValueTable
	switch metric {
	case MetricSharpe:
		table = b.Sharpe
	case MetricGrowth:
		table = b.Growth
	default:
		return 0, false
	}
	day, ok := table[date]
	if !ok {
		return 0, false
	}
	v, ok := day[ticker]
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// SnapRange resolves a requested start/end date pair to actual trading days:
// the start snaps forward to the first trading day at or after it, the end
// snaps backward to the last trading day at or before it. The adjustment is
// surfaced in the returned DateRange rather than treated as an error.
func (b *Bundle) SnapRange(start, end string) (DateRange, error) {
	if len(b.Dates) == 0 {
		return DateRange{}, fmt.Errorf("bundle has no trading dates")
	}

	startIdx := sort.SearchStrings(b.Dates, start)
	if startIdx >= len(b.Dates) {
		return DateRange{}, fmt.Errorf("start date %s is after all available data", start)
	}

	endIdx := sort.SearchStrings(b.Dates, end)
	if endIdx < len(b.Dates) && b.Dates[endIdx] == end {
		// exact trading day
	} else {
		endIdx--
	}
	if endIdx < 0 {
		return DateRange{}, fmt.Errorf("end date %s is before all available data", end)
	}

	if startIdx > endIdx {
		return DateRange{}, fmt.Errorf("start date %s is after end date %s within available data", start, end)
	}

	return DateRange{
		RequestedStart: start,
		RequestedEnd:   end,
		ActualStart:    b.Dates[startIdx],
		ActualEnd:      b.Dates[endIdx],
		StartIdx:       startIdx,
		EndIdx:         endIdx,
	}, nil
}

// FilterMarket returns a view of the bundle restricted to one market scope
// ("us", "tw" or "global"). Non-tradable industries are always removed. The
// underlying slices and tables are shared, not copied.
func (b *Bundle) FilterMarket(market string) *Bundle {
	filtered := &Bundle{
		Dates:      b.Dates,
		Prices:     make(map[string][]float64),
		Info:       make(map[string]SecurityInfo),
		SharpeRank: b.SharpeRank,
		GrowthRank: b.GrowthRank,
		Sharpe:     b.Sharpe,
		Growth:     b.Growth,
		FXRates:    b.FXRates,
		FXDefault:  b.FXDefault,
	}

	for ticker, series := range b.Prices {
		if NonTradableIndustries[b.Industry(ticker)] {
			continue
		}
		country := b.Country(ticker)
		switch market {
		case MarketUS:
			if country != CountryUS {
				continue
			}
		case MarketTW:
			if country != CountryTW {
				continue
			}
		}
		filtered.Prices[ticker] = series
		if info, ok := b.Info[ticker]; ok {
			filtered.Info[ticker] = info
		}
	}

	return filtered
}

// Countries returns the country codes in scope for a market selection.
func Countries(market string) []string {
	switch market {
	case MarketUS:
		return []string{CountryUS}
	case MarketTW:
		return []string{CountryTW}
	default:
		return []string{CountryUS, CountryTW}
	}
}
