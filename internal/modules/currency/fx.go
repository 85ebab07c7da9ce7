// Package currency provides exchange-rate lookups for the simulation ledger.
//
// The ledger tracks cash in TWD. US-listed instruments are priced in USD and
// are converted at the rate for the trade date; TW-listed instruments need no
// conversion. Rates fall back to the most recent known date, then to a
// configured default when no history exists at all.
package currency

import (
	"sort"

	"github.com/rs/zerolog"
)

// Ledger is the currency the portfolio's cash balance is tracked in.
const Ledger = "TWD"

// DefaultRate is the USD/TWD fallback applied when no rate history is loaded.
const DefaultRate = 32.0

// Service resolves USD/TWD exchange rates by date.
type Service struct {
	rates       map[string]float64
	sortedDates []string
	defaultRate float64
	log         zerolog.Logger
}

// NewService creates an FX service from a date → rate map. Dates use the
// YYYY-MM-DD format used everywhere else in the bundle.
func NewService(rates map[string]float64, defaultRate float64, log zerolog.Logger) *Service {
	if defaultRate <= 0 {
		defaultRate = DefaultRate
	}

	dates := make([]string, 0, len(rates))
	for d := range rates {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	return &Service{
		rates:       rates,
		sortedDates: dates,
		defaultRate: defaultRate,
		log:         log.With().Str("service", "fx").Logger(),
	}
}

// Rate returns the USD/TWD rate for a date (1 USD = Rate TWD).
// Falls back to the most recent earlier date, then the default rate.
func (s *Service) Rate(date string) float64 {
	if r, ok := s.rates[date]; ok {
		return r
	}

	// Most recent known date at or before the requested one.
	idx := sort.SearchStrings(s.sortedDates, date)
	if idx > 0 {
		return s.rates[s.sortedDates[idx-1]]
	}

	return s.defaultRate
}

// ToLedger converts a native-currency amount to the ledger currency.
// TW instruments are already in TWD; everything else is treated as USD.
func (s *Service) ToLedger(amount float64, country, date string) float64 {
	if country == "TW" {
		return amount
	}
	return amount * s.Rate(date)
}

// FromLedger converts a ledger-currency amount to an instrument's native
// currency.
func (s *Service) FromLedger(amount float64, country, date string) float64 {
	if country == "TW" {
		return amount
	}
	return amount / s.Rate(date)
}

// Latest returns the rate for the most recent known date, or the default.
func (s *Service) Latest() float64 {
	if len(s.sortedDates) == 0 {
		return s.defaultRate
	}
	return s.rates[s.sortedDates[len(s.sortedDates)-1]]
}
