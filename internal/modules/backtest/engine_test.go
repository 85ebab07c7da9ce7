package backtest

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpack/finpack/internal/modules/marketdata"
	"github.com/finpack/finpack/internal/modules/portfolio"
	"github.com/finpack/finpack/internal/modules/strategy"
	testhelpers "github.com/finpack/finpack/internal/testing"
)

var testDates = []string{"2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05", "2024-01-08", "2024-01-09"}

func flatBundle() *marketdata.Bundle {
	return testhelpers.Bundle(testDates, map[string]testhelpers.FixtureTicker{
		"AAPL":  {Prices: []float64{150}, Sharpe: []float64{2.5}},
		"MSFT":  {Prices: []float64{380}, Sharpe: []float64{2.0}},
		"NVDA":  {Prices: []float64{500}, Sharpe: []float64{1.5}},
		"AMZN":  {Prices: []float64{155}, Sharpe: []float64{1.0}},
		"META":  {Prices: []float64{350}, Sharpe: []float64{0.5}},
		"^IXIC": {Industry: "Market Index", Prices: []float64{15000}},
	})
}

func flatConfig() Config {
	return Config{
		InitialCapital:     1_000_000,
		TradeAmount:        320_000,
		MaxPositions:       2,
		Market:             marketdata.MarketUS,
		StartDate:          testDates[0],
		EndDate:            testDates[len(testDates)-1],
		RebalanceFrequency: FrequencyDaily,
		RebalanceStrategy:  RuleConfig{ID: "immediate", Enabled: true},
		BuyConditions: []RuleConfig{
			{ID: "sharpe_rank", Enabled: true, Params: strategy.Params{"top_n": 2}},
		},
		Fees: portfolio.DefaultFees(),
	}
}

func TestEngineRunFlatPrices(t *testing.T) {
	e := NewEngine(flatBundle(), zerolog.Nop())

	result, err := e.Run(flatConfig(), nil)
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.NotEmpty(t, result.ID)

	// Day one buys the top two sharpe names and nothing changes after:
	// flat prices mean the held set always equals the target set.
	require.Len(t, result.Trades, 2)
	assert.Equal(t, "AAPL", result.Trades[0].Ticker)
	assert.Equal(t, "MSFT", result.Trades[1].Ticker)
	assert.Equal(t, portfolio.ActionBuy, result.Trades[0].Action)

	// 66 AAPL shares and 26 MSFT shares at integer sizing; total equity is
	// the initial capital minus the two buy fees.
	assert.Equal(t, 66.0, result.Trades[0].Shares)
	assert.Equal(t, 26.0, result.Trades[1].Shares)

	require.Len(t, result.EquityCurve, len(testDates))
	wantEquity := 1_000_000 - result.Metrics.TotalFees
	for _, snap := range result.EquityCurve {
		assert.InDelta(t, wantEquity, snap.Equity, 1e-6)
	}

	assert.Len(t, result.SelectionHistory, len(testDates))
	assert.Len(t, result.FinalPositions, 2)
	assert.False(t, result.DateRange.Adjusted())

	// Flat prices: no losses, no drawdown.
	assert.True(t, result.Metrics.Sortino.IsInf())
	assert.True(t, result.Metrics.Calmar.IsInf())
	assert.InDelta(t, -result.Metrics.TotalFees/1_000_000, result.Metrics.TotalReturn, 1e-9)

	require.NotNil(t, result.Benchmark)
	assert.Equal(t, []string{BenchmarkUS}, result.Benchmark.Tickers)
	assert.InDelta(t, 0, result.Benchmark.TotalReturn, 1e-9)
}

func TestEngineSnapsDateRange(t *testing.T) {
	e := NewEngine(flatBundle(), zerolog.Nop())

	cfg := flatConfig()
	cfg.StartDate = "2024-01-01" // holiday before the first trading day
	cfg.EndDate = "2024-01-06"   // Saturday

	result, err := e.Run(cfg, nil)
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	assert.Equal(t, "2024-01-02", result.DateRange.ActualStart)
	assert.Equal(t, "2024-01-05", result.DateRange.ActualEnd)
	assert.True(t, result.DateRange.Adjusted())
	assert.Len(t, result.EquityCurve, 4)
}

func TestEngineDrawdownSell(t *testing.T) {
	b := testhelpers.Bundle(testDates, map[string]testhelpers.FixtureTicker{
		"AAPL": {Prices: []float64{150, 150, 100, 100, 100, 100}, Sharpe: []float64{2.5}},
		"MSFT": {Prices: []float64{380}, Sharpe: []float64{0.5}},
	})
	e := NewEngine(b, zerolog.Nop())

	cfg := flatConfig()
	cfg.MaxPositions = 1
	cfg.BuyConditions = []RuleConfig{
		{ID: "sharpe_rank", Enabled: true, Params: strategy.Params{"top_n": 1}},
	}
	cfg.SellConditions = []RuleConfig{
		{ID: "drawdown", Enabled: true, Params: strategy.Params{"threshold": 0.15, "from_highest": 1}},
	}

	result, err := e.Run(cfg, nil)
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	var sell *portfolio.Trade
	for i := range result.Trades {
		if result.Trades[i].Action == portfolio.ActionSell {
			sell = &result.Trades[i]
			break
		}
	}
	require.NotNil(t, sell, "the price collapse must trigger a sell")
	assert.Equal(t, "drawdown", sell.Reason)
	assert.Equal(t, "2024-01-04", sell.Date)
	assert.Negative(t, sell.Profit)
}

func TestEngineRejectsConcurrentRun(t *testing.T) {
	e := NewEngine(flatBundle(), zerolog.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan *Result, 1)

	go func() {
		result, err := e.Run(flatConfig(), func(day, total int) {
			if day == 1 {
				close(started)
				<-release
			}
		})
		assert.NoError(t, err)
		done <- result
	}()

	<-started
	_, err := e.Run(flatConfig(), nil)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	result := <-done
	assert.True(t, result.Success)

	// The engine accepts new runs once the first finishes.
	_, err = e.Run(flatConfig(), nil)
	assert.NoError(t, err)
}

func TestEngineValidationRejectsBeforeRunning(t *testing.T) {
	e := NewEngine(flatBundle(), zerolog.Nop())

	cfg := flatConfig()
	cfg.InitialCapital = -1

	result, err := e.Run(cfg, nil)
	assert.Nil(t, result)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "initialCapital", cfgErr.Field)
}

func TestEngineProgressCallback(t *testing.T) {
	e := NewEngine(flatBundle(), zerolog.Nop())

	var days []int
	total := 0
	_, err := e.Run(flatConfig(), func(day, n int) {
		days = append(days, day)
		total = n
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, days)
	assert.Equal(t, 6, total)
}

func TestIsRebalanceDay(t *testing.T) {
	dates := []string{
		"2024-01-05", // Friday, ISO week 1
		"2024-01-08", // Monday, ISO week 2
		"2024-01-09",
		"2024-01-31",
		"2024-02-01",
	}
	tests := []struct {
		name      string
		frequency string
		dayIdx    int
		want      bool
	}{
		{"daily always", FrequencyDaily, 2, true},
		{"first day always", FrequencyMonthly, 0, true},
		{"weekly on monday", FrequencyWeekly, 1, true},
		{"weekly mid-week", FrequencyWeekly, 2, false},
		{"monthly mid-month", FrequencyMonthly, 3, false},
		{"monthly on first trading day", FrequencyMonthly, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRebalanceDay(tt.frequency, dates, tt.dayIdx, 0))
		})
	}
}
