package portfolio

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpack/finpack/internal/modules/currency"
	"github.com/finpack/finpack/pkg/logger"
)

func newTestPortfolio(t *testing.T, capital float64) *Portfolio {
	t.Helper()
	log := logger.New(logger.Config{Level: "error"})
	fx := currency.NewService(map[string]float64{"2025-01-02": 32.0}, 32.0, log)
	return New(capital, DefaultFees(), fx, log)
}

func TestBuyOpensPosition(t *testing.T) {
	p := newTestPortfolio(t, 1_000_000)

	trade, err := p.Buy("2330", 1000, 600, "TW", "2025-01-02")
	require.NoError(t, err)

	// TW: no conversion, fee = 600000 * 0.006 = 3600 (no floor).
	assert.Equal(t, 600_000.0, trade.AmountLedger)
	assert.Equal(t, 3600.0, trade.Fee)
	assert.InDelta(t, 1_000_000-603_600, p.Cash(), 1e-9)

	pos := p.Position("2330")
	require.NotNil(t, pos)
	assert.Equal(t, 1000.0, pos.Shares)
	assert.Equal(t, 600.0, pos.AvgCost)
	assert.Equal(t, "2025-01-02", pos.EntryDate)
}

func TestBuyConvertsUSAmount(t *testing.T) {
	p := newTestPortfolio(t, 1_000_000)

	trade, err := p.Buy("AAPL", 10, 150, "US", "2025-01-02")
	require.NoError(t, err)

	// 1500 USD * 32 = 48000 TWD; fee = max(48000*0.003, 15) = 144.
	assert.Equal(t, 1500.0, trade.Amount)
	assert.Equal(t, 48_000.0, trade.AmountLedger)
	assert.Equal(t, 144.0, trade.Fee)

	// Cost basis is ledger currency, avg cost stays native.
	pos := p.Position("AAPL")
	assert.Equal(t, 150.0, pos.AvgCost)
	assert.Equal(t, 48_144.0, pos.CostBasis)
}

func TestBuyMinimumFeeFloor(t *testing.T) {
	p := newTestPortfolio(t, 1_000_000)

	// Tiny US order: 1 share at 1 USD = 32 TWD; rate fee would be 0.096,
	// the 15 TWD floor applies.
	trade, err := p.Buy("PENNY", 1, 1, "US", "2025-01-02")
	require.NoError(t, err)
	assert.Equal(t, 15.0, trade.Fee)
}

func TestBuyInsufficientCash(t *testing.T) {
	p := newTestPortfolio(t, 1000)

	_, err := p.Buy("2330", 1000, 600, "TW", "2025-01-02")
	assert.True(t, errors.Is(err, ErrInsufficientCash))
	assert.Equal(t, 1000.0, p.Cash())
	assert.Equal(t, 0, p.Count())
}

func TestBuyReAveragesCostBasis(t *testing.T) {
	p := newTestPortfolio(t, 10_000_000)

	_, err := p.Buy("2330", 1000, 600, "TW", "2025-01-02")
	require.NoError(t, err)
	_, err = p.Buy("2330", 1000, 700, "TW", "2025-01-02")
	require.NoError(t, err)

	pos := p.Position("2330")
	assert.Equal(t, 2000.0, pos.Shares)
	// (1000*600 + 1000*700) / 2000 = 650
	assert.Equal(t, 650.0, pos.AvgCost)
	// Entry date survives adds.
	assert.Equal(t, "2025-01-02", pos.EntryDate)
	assert.Equal(t, 1, p.Count())
}

func TestSellZeroSharesMeansSellAll(t *testing.T) {
	p := newTestPortfolio(t, 1_000_000)
	_, err := p.Buy("2330", 1000, 600, "TW", "2025-01-02")
	require.NoError(t, err)

	trade, err := p.Sell("2330", 0, 660, "2025-01-12", "drawdown(40%)")
	require.NoError(t, err)

	assert.Equal(t, 1000.0, trade.Shares)
	assert.False(t, p.Has("2330"))

	// Profit = (660-600)*1000 - fee; fee = 660000*0.006 = 3960.
	assert.InDelta(t, 60_000-3960, trade.Profit, 1e-9)
	assert.Equal(t, 10, trade.HoldingDays)
	assert.Equal(t, "drawdown(40%)", trade.Reason)
}

func TestSellRejectsOverHeldShares(t *testing.T) {
	p := newTestPortfolio(t, 1_000_000)
	_, err := p.Buy("2330", 1000, 600, "TW", "2025-01-02")
	require.NoError(t, err)

	_, err = p.Sell("2330", 2000, 600, "2025-01-03", "test")
	assert.True(t, errors.Is(err, ErrInsufficientShares))
	// Rejected, not clamped: position untouched.
	assert.Equal(t, 1000.0, p.Position("2330").Shares)

	_, err = p.Sell("GHOST", 0, 100, "2025-01-03", "test")
	assert.True(t, errors.Is(err, ErrNoPosition))
}

func TestPartialSellKeepsPosition(t *testing.T) {
	p := newTestPortfolio(t, 1_000_000)
	_, err := p.Buy("2330", 2000, 600, "TW", "2025-01-02")
	require.NoError(t, err)

	before := p.Position("2330").CostBasis
	_, err = p.Sell("2330", 1000, 620, "2025-01-05", "trim")
	require.NoError(t, err)

	pos := p.Position("2330")
	require.NotNil(t, pos)
	assert.Equal(t, 1000.0, pos.Shares)
	assert.Equal(t, 600.0, pos.AvgCost)
	assert.InDelta(t, before/2, pos.CostBasis, 1e-9)
}

func TestLedgerConservation(t *testing.T) {
	p := newTestPortfolio(t, 1_000_000)

	_, err := p.Buy("2330", 1000, 600, "TW", "2025-01-02")
	require.NoError(t, err)
	_, err = p.Buy("AAPL", 20, 150, "US", "2025-01-02")
	require.NoError(t, err)
	_, err = p.Sell("2330", 0, 630, "2025-01-02", "test")
	require.NoError(t, err)
	_, err = p.Buy("2330", 500, 640, "TW", "2025-01-02")
	require.NoError(t, err)
	_, err = p.Sell("AAPL", 10, 140, "2025-01-02", "test")
	require.NoError(t, err)

	// Ledger conservation: cash plus the avgCost-equivalent of open
	// positions equals initial capital minus all fees plus gross realized
	// P&L. Holds for any trade sequence at a constant exchange rate.
	rate := 32.0
	var held float64
	for _, ticker := range p.Tickers() {
		pos := p.Position(ticker)
		value := pos.Shares * pos.AvgCost
		if pos.Country != "TW" {
			value *= rate
		}
		held += value
	}

	var totalFees, grossRealized float64
	for _, tr := range p.Trades() {
		totalFees += tr.Fee
		if tr.Action == ActionSell {
			// Trade.Profit is net of the sell fee; add it back for gross.
			grossRealized += tr.Profit + tr.Fee
		}
	}

	assert.InDelta(t, 1_000_000-totalFees+grossRealized, p.Cash()+held, 1e-6)
}

func TestRecordHistorySnapshotsByValue(t *testing.T) {
	p := newTestPortfolio(t, 1_000_000)
	_, err := p.Buy("2330", 1000, 600, "TW", "2025-01-02")
	require.NoError(t, err)

	prices := func(string) (float64, bool) { return 650, true }
	snap := p.RecordHistory("2025-01-02", prices, func(string) string { return "Semiconductors" })

	assert.Equal(t, 650_000.0, snap.HoldingsValue)
	assert.InDelta(t, p.Cash()+650_000, snap.Equity, 1e-9)

	h := snap.Holdings["2330"]
	assert.Equal(t, 1000.0, h.Shares)
	assert.Equal(t, "Semiconductors", h.Industry)

	// Mutating the position afterwards must not affect the snapshot.
	_, err = p.Sell("2330", 500, 650, "2025-01-03", "trim")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, p.History()[0].Holdings["2330"].Shares)
}

func TestCalculateValueFallsBackToCost(t *testing.T) {
	p := newTestPortfolio(t, 1_000_000)
	_, err := p.Buy("2330", 1000, 600, "TW", "2025-01-02")
	require.NoError(t, err)

	v := p.CalculateValue(func(string) (float64, bool) { return 0, false }, "2025-01-02")
	assert.Equal(t, 600_000.0, v.PositionValue)
	assert.Equal(t, p.Cash()+600_000, v.TotalValue)
}

func TestReset(t *testing.T) {
	p := newTestPortfolio(t, 1_000_000)
	_, err := p.Buy("2330", 1000, 600, "TW", "2025-01-02")
	require.NoError(t, err)
	p.RecordHistory("2025-01-02", func(string) (float64, bool) { return 600, true }, nil)

	p.Reset()
	assert.Equal(t, 1_000_000.0, p.Cash())
	assert.Equal(t, 0, p.Count())
	assert.Empty(t, p.Trades())
	assert.Empty(t, p.History())
}

func TestHoldingDaysCeiling(t *testing.T) {
	assert.Equal(t, 1, holdingDays("2025-01-02", "2025-01-03"))
	assert.Equal(t, 0, holdingDays("2025-01-02", "2025-01-02"))
	assert.Equal(t, 31, holdingDays("2025-01-02", "2025-02-02"))
}

func TestFeeComputation(t *testing.T) {
	p := newTestPortfolio(t, 0)
	assert.Equal(t, 15.0, p.Fee(100, "US"))
	assert.InDelta(t, 300.0, p.Fee(100_000, "US"), 1e-9)
	assert.Equal(t, 0.6, p.Fee(100, "TW"))
	assert.True(t, math.Abs(p.Fee(100_000, "TW")-600.0) < 1e-9)
}
