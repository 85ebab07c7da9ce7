package marketdata

import (
	"database/sql"
	"fmt"
	"math"

	"github.com/rs/zerolog"
)

// Repository loads the input bundle from the market database. The tables it
// reads (prices, rankings, metric values) are produced by the upstream data
// service; this repository only assembles them into a Bundle.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a market data repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "marketdata").Logger(),
	}
}

// Schema returns the DDL for the market database. Kept here so tests and the
// import tooling share one definition.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS securities (
	ticker   TEXT PRIMARY KEY,
	country  TEXT NOT NULL,
	industry TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS prices (
	ticker TEXT NOT NULL,
	date   TEXT NOT NULL,
	close  REAL,
	PRIMARY KEY (ticker, date)
);
CREATE INDEX IF NOT EXISTS idx_prices_date ON prices(date);
CREATE TABLE IF NOT EXISTS rankings (
	metric   TEXT NOT NULL,
	date     TEXT NOT NULL,
	country  TEXT NOT NULL,
	position INTEGER NOT NULL,
	ticker   TEXT NOT NULL,
	PRIMARY KEY (metric, date, country, position)
);
CREATE TABLE IF NOT EXISTS metric_values (
	metric TEXT NOT NULL,
	date   TEXT NOT NULL,
	ticker TEXT NOT NULL,
	value  REAL,
	PRIMARY KEY (metric, date, ticker)
);
CREATE TABLE IF NOT EXISTS fx_rates (
	date TEXT PRIMARY KEY,
	rate REAL NOT NULL
);`
}

// InitSchema creates the market tables if they do not exist.
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(Schema()); err != nil {
		return fmt.Errorf("failed to initialize market schema: %w", err)
	}
	return nil
}

// LoadBundle assembles the full input bundle from the database.
func (r *Repository) LoadBundle() (*Bundle, error) {
	bundle := &Bundle{
		Prices:     make(map[string][]float64),
		Info:       make(map[string]SecurityInfo),
		SharpeRank: make(RankTable),
		GrowthRank: make(RankTable),
		Sharpe:     make(ValueTable),
		Growth:     make(ValueTable),
		FXRates:    make(map[string]float64),
	}

	if err := r.loadDates(bundle); err != nil {
		return nil, err
	}
	if len(bundle.Dates) == 0 {
		return nil, fmt.Errorf("market database contains no price data")
	}
	if err := r.loadSecurities(bundle); err != nil {
		return nil, err
	}
	if err := r.loadPrices(bundle); err != nil {
		return nil, err
	}
	if err := r.loadRankings(bundle); err != nil {
		return nil, err
	}
	if err := r.loadMetricValues(bundle); err != nil {
		return nil, err
	}
	if err := r.loadFXRates(bundle); err != nil {
		return nil, err
	}

	r.log.Info().
		Int("dates", len(bundle.Dates)).
		Int("tickers", len(bundle.Prices)).
		Int("fx_rates", len(bundle.FXRates)).
		Msg("Loaded market bundle")

	return bundle, nil
}

func (r *Repository) loadDates(bundle *Bundle) error {
	rows, err := r.db.Query("SELECT DISTINCT date FROM prices ORDER BY date")
	if err != nil {
		return fmt.Errorf("failed to query trading dates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return fmt.Errorf("failed to scan trading date: %w", err)
		}
		bundle.Dates = append(bundle.Dates, d)
	}
	return rows.Err()
}

func (r *Repository) loadSecurities(bundle *Bundle) error {
	rows, err := r.db.Query("SELECT ticker, country, industry FROM securities")
	if err != nil {
		return fmt.Errorf("failed to query securities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ticker string
		var info SecurityInfo
		if err := rows.Scan(&ticker, &info.Country, &info.Industry); err != nil {
			return fmt.Errorf("failed to scan security: %w", err)
		}
		bundle.Info[ticker] = info
	}
	return rows.Err()
}

func (r *Repository) loadPrices(bundle *Bundle) error {
	idxOf := make(map[string]int, len(bundle.Dates))
	for i, d := range bundle.Dates {
		idxOf[d] = i
	}

	rows, err := r.db.Query("SELECT ticker, date, close FROM prices")
	if err != nil {
		return fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ticker, date string
		var close sql.NullFloat64
		if err := rows.Scan(&ticker, &date, &close); err != nil {
			return fmt.Errorf("failed to scan price: %w", err)
		}

		series, ok := bundle.Prices[ticker]
		if !ok {
			series = make([]float64, len(bundle.Dates))
			for i := range series {
				series[i] = math.NaN()
			}
			bundle.Prices[ticker] = series
		}
		if idx, ok := idxOf[date]; ok && close.Valid {
			series[idx] = close.Float64
		}
	}
	return rows.Err()
}

func (r *Repository) loadRankings(bundle *Bundle) error {
	rows, err := r.db.Query(
		"SELECT metric, date, country, ticker FROM rankings ORDER BY metric, date, country, position")
	if err != nil {
		return fmt.Errorf("failed to query rankings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var metric, date, country, ticker string
		if err := rows.Scan(&metric, &date, &country, &ticker); err != nil {
			return fmt.Errorf("failed to scan ranking: %w", err)
		}

		var table RankTable
		switch metric {
		case MetricSharpe:
			table = bundle.SharpeRank
		case MetricGrowth:
			table = bundle.GrowthRank
		default:
			continue
		}
		if table[date] == nil {
			table[date] = make(map[string][]string)
		}
		table[date][country] = append(table[date][country], ticker)
	}
	return rows.Err()
}

func (r *Repository) loadMetricValues(bundle *Bundle) error {
	rows, err := r.db.Query("SELECT metric, date, ticker, value FROM metric_values")
	if err != nil {
		return fmt.Errorf("failed to query metric values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var metric, date, ticker string
		var value sql.NullFloat64
		if err := rows.Scan(&metric, &date, &ticker, &value); err != nil {
			return fmt.Errorf("failed to scan metric value: %w", err)
		}
		if !value.Valid {
			continue
		}

		var table ValueTable
		switch metric {
		case MetricSharpe:
			table = bundle.Sharpe
		case MetricGrowth:
			table = bundle.Growth
		default:
			continue
		}
		if table[date] == nil {
			table[date] = make(map[string]float64)
		}
		table[date][ticker] = value.Float64
	}
	return rows.Err()
}

func (r *Repository) loadFXRates(bundle *Bundle) error {
	rows, err := r.db.Query("SELECT date, rate FROM fx_rates")
	if err != nil {
		return fmt.Errorf("failed to query fx rates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var date string
		var rate float64
		if err := rows.Scan(&date, &rate); err != nil {
			return fmt.Errorf("failed to scan fx rate: %w", err)
		}
		bundle.FXRates[date] = rate
	}
	return rows.Err()
}
