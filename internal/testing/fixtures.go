// Package testing provides testing utilities and fixtures shared across
// package tests.
package testing

import (
	"fmt"
	"math"
	"os"
	"sort"
	"testing"

	"github.com/finpack/finpack/internal/database"
	"github.com/finpack/finpack/internal/modules/marketdata"
)

// NewTestDB creates a throwaway SQLite database for testing and returns it
// with a cleanup function. Each call gets an isolated temporary file.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{Path: tmpPath, Name: name})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to open test database: %v", err)
	}

	cleanup := func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	}
	return db, cleanup
}

// FixtureTicker describes one instrument in a test bundle. Price, Sharpe and
// Growth series must either match the date count or hold a single value that
// is repeated for every date.
type FixtureTicker struct {
	Country  string
	Industry string
	Prices   []float64
	Sharpe   []float64
	Growth   []float64
}

// Bundle assembles a marketdata.Bundle from fixture tickers. Ranking tables
// are derived per date and country by sorting the metric values descending,
// mirroring how the upstream service builds them.
func Bundle(dates []string, tickers map[string]FixtureTicker) *marketdata.Bundle {
	b := &marketdata.Bundle{
		Dates:      dates,
		Prices:     make(map[string][]float64),
		Info:       make(map[string]marketdata.SecurityInfo),
		SharpeRank: make(marketdata.RankTable),
		GrowthRank: make(marketdata.RankTable),
		Sharpe:     make(marketdata.ValueTable),
		Growth:     make(marketdata.ValueTable),
		FXRates:    make(map[string]float64),
	}

	for name, ft := range tickers {
		country := ft.Country
		if country == "" {
			country = marketdata.CountryUS
		}
		b.Info[name] = marketdata.SecurityInfo{Country: country, Industry: ft.Industry}
		b.Prices[name] = expand(ft.Prices, len(dates))
	}

	for i, date := range dates {
		sharpeDay := make(map[string]float64)
		growthDay := make(map[string]float64)
		for name, ft := range tickers {
			if v, ok := at(ft.Sharpe, i); ok {
				sharpeDay[name] = v
			}
			if v, ok := at(ft.Growth, i); ok {
				growthDay[name] = v
			}
		}
		if len(sharpeDay) > 0 {
			b.Sharpe[date] = sharpeDay
			b.SharpeRank[date] = rankByCountry(sharpeDay, b)
		}
		if len(growthDay) > 0 {
			b.Growth[date] = growthDay
			b.GrowthRank[date] = rankByCountry(growthDay, b)
		}
	}

	return b
}

func expand(series []float64, n int) []float64 {
	out := make([]float64, n)
	switch len(series) {
	case 0:
		for i := range out {
			out[i] = math.NaN()
		}
	case 1:
		for i := range out {
			out[i] = series[0]
		}
	default:
		copy(out, series)
		for i := len(series); i < n; i++ {
			out[i] = series[len(series)-1]
		}
	}
	return out
}

func at(series []float64, i int) (float64, bool) {
	switch {
	case len(series) == 0:
		return 0, false
	case len(series) == 1:
		return series[0], true
	case i < len(series):
		return series[i], true
	default:
		return series[len(series)-1], true
	}
}

func rankByCountry(values map[string]float64, b *marketdata.Bundle) map[string][]string {
	byCountry := make(map[string][]string)
	for ticker := range values {
		c := b.Country(ticker)
		byCountry[c] = append(byCountry[c], ticker)
	}
	for c, list := range byCountry {
		sort.Slice(list, func(i, j int) bool {
			if values[list[i]] != values[list[j]] {
				return values[list[i]] > values[list[j]]
			}
			return list[i] < list[j]
		})
		byCountry[c] = list
	}
	return byCountry
}
