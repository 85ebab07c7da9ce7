package backtest

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpack/finpack/internal/modules/portfolio"
)

func curveOf(points map[string]float64, order []string) []portfolio.Snapshot {
	out := make([]portfolio.Snapshot, 0, len(order))
	for _, date := range order {
		out = append(out, portfolio.Snapshot{Date: date, Equity: points[date]})
	}
	return out
}

func TestComputeMaxDrawdown(t *testing.T) {
	curve := curveOf(map[string]float64{
		"2024-01-02": 100,
		"2024-01-03": 120,
		"2024-01-04": 90,
		"2024-01-05": 110,
	}, []string{"2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"})

	m := Compute(curve, nil, 100)

	assert.InDelta(t, 0.25, m.MaxDrawdown, 1e-9)
	assert.Equal(t, "2024-01-03", m.MaxDrawdownStart)
	assert.Equal(t, "2024-01-04", m.MaxDrawdownEnd)
	assert.InDelta(t, 0.10, m.TotalReturn, 1e-9)
}

func TestComputeAnnualizedReturn(t *testing.T) {
	// One calendar year, 21% up: the annualized figure nearly matches the
	// total because 365 days is just under one 365.25-day year.
	curve := curveOf(map[string]float64{
		"2023-01-02": 100,
		"2024-01-02": 121,
	}, []string{"2023-01-02", "2024-01-02"})

	m := Compute(curve, nil, 100)
	years := 365.0 / 365.25
	want := math.Pow(1.21, 1/years) - 1
	assert.InDelta(t, want, m.AnnualizedReturn, 1e-9)
}

func TestComputeInfiniteSentinels(t *testing.T) {
	// Monotonically rising equity: no negative returns and no drawdown.
	curve := curveOf(map[string]float64{
		"2024-01-02": 100,
		"2024-01-03": 101,
		"2024-01-04": 103,
	}, []string{"2024-01-02", "2024-01-03", "2024-01-04"})

	trades := []portfolio.Trade{
		{Action: portfolio.ActionBuy, Fee: 10},
		{Action: portfolio.ActionSell, Profit: 500, Fee: 12, HoldingDays: 4},
	}

	m := Compute(curve, trades, 100)

	assert.True(t, math.IsInf(float64(m.Sortino), 1))
	assert.True(t, math.IsInf(float64(m.Calmar), 1))
	assert.True(t, math.IsInf(float64(m.ProfitFactor), 1))
}

func TestComputeTradeStats(t *testing.T) {
	trades := []portfolio.Trade{
		{Action: portfolio.ActionBuy, Fee: 100},
		{Action: portfolio.ActionBuy, Fee: 100},
		{Action: portfolio.ActionSell, Profit: 3000, Fee: 50, HoldingDays: 10},
		{Action: portfolio.ActionSell, Profit: -1000, Fee: 50, HoldingDays: 20},
		{Action: portfolio.ActionSell, Profit: 1500, Fee: 50, HoldingDays: 30},
	}
	curve := curveOf(map[string]float64{"2024-01-02": 100}, []string{"2024-01-02"})

	m := Compute(curve, trades, 100)

	assert.Equal(t, 3, m.TradeCount)
	assert.Equal(t, 2, m.WinCount)
	assert.Equal(t, 1, m.LossCount)
	assert.InDelta(t, 2.0/3.0, m.WinRate, 1e-9)
	assert.InDelta(t, 2250, m.AvgWin, 1e-9)
	assert.InDelta(t, 1000, m.AvgLoss, 1e-9)
	assert.InDelta(t, 4.5, float64(m.ProfitFactor), 1e-9)
	assert.InDelta(t, 20, m.AvgHoldingDays, 1e-9)
	assert.InDelta(t, 350, m.TotalFees, 1e-9)
}

func TestComputeEmptyCurve(t *testing.T) {
	m := Compute(nil, nil, 100)
	assert.Zero(t, m.TotalReturn)
	assert.Zero(t, m.TradeCount)
}

func TestRatioJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value Ratio
	}{
		{"finite", Ratio(1.375)},
		{"positive infinity", Ratio(math.Inf(1))},
		{"negative infinity", Ratio(math.Inf(-1))},
		{"zero", Ratio(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.value)
			require.NoError(t, err)

			var got Ratio
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestMetricsJSONCarriesInfinity(t *testing.T) {
	m := &Metrics{Sortino: Ratio(math.Inf(1)), ProfitFactor: Ratio(math.Inf(1))}

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sortino":"Infinity"`)

	var got Metrics
	require.NoError(t, json.Unmarshal(data, &got))
	assert.True(t, math.IsInf(float64(got.Sortino), 1))
	assert.True(t, math.IsInf(float64(got.ProfitFactor), 1))
}
