package backtest

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/finpack/finpack/internal/modules/portfolio"
)

// Ratio is a float64 that survives JSON encoding when infinite. Sortino,
// Calmar and profit factor legitimately reach +Inf (no losing trades, zero
// drawdown) and those values are results, not errors.
type Ratio float64

// IsInf reports whether the ratio is positive or negative infinity.
func (r Ratio) IsInf() bool { return math.IsInf(float64(r), 0) }

func (r Ratio) MarshalJSON() ([]byte, error) {
	v := float64(r)
	switch {
	case math.IsInf(v, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Infinity"`), nil
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	default:
		return []byte(strconv.FormatFloat(v, 'g', -1, 64)), nil
	}
}

func (r *Ratio) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"Infinity"`:
		*r = Ratio(math.Inf(1))
		return nil
	case `"-Infinity"`:
		*r = Ratio(math.Inf(-1))
		return nil
	case `"NaN"`:
		*r = Ratio(math.NaN())
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("parse ratio: %w", err)
	}
	*r = Ratio(v)
	return nil
}

// Metrics is the performance summary of one run.
type Metrics struct {
	TotalReturn      float64 `json:"totalReturn"`
	AnnualizedReturn float64 `json:"annualizedReturn"`
	MaxDrawdown      float64 `json:"maxDrawdown"`
	MaxDrawdownStart string  `json:"maxDrawdownStart,omitempty"`
	MaxDrawdownEnd   string  `json:"maxDrawdownEnd,omitempty"`
	Volatility       float64 `json:"volatility"`
	Sharpe           Ratio   `json:"sharpe"`
	Sortino          Ratio   `json:"sortino"`
	Calmar           Ratio   `json:"calmar"`

	TradeCount     int     `json:"tradeCount"`
	WinCount       int     `json:"winCount"`
	LossCount      int     `json:"lossCount"`
	WinRate        float64 `json:"winRate"`
	AvgWin         float64 `json:"avgWin"`
	AvgLoss        float64 `json:"avgLoss"`
	ProfitFactor   Ratio   `json:"profitFactor"`
	AvgHoldingDays float64 `json:"avgHoldingDays"`
	TotalFees      float64 `json:"totalFees"`
}

const tradingDaysPerYear = 252

// Compute derives the full metrics set from an equity curve and trade log.
// It is a pure function; the engine calls it once at the end of a run.
func Compute(curve []portfolio.Snapshot, trades []portfolio.Trade, initial float64) *Metrics {
	m := &Metrics{}
	if len(curve) == 0 || initial <= 0 {
		return m
	}

	final := curve[len(curve)-1].Equity
	m.TotalReturn = final/initial - 1

	years := elapsedYears(curve[0].Date, curve[len(curve)-1].Date)
	if years > 0 && final > 0 {
		m.AnnualizedReturn = math.Pow(final/initial, 1/years) - 1
	}

	m.MaxDrawdown, m.MaxDrawdownStart, m.MaxDrawdownEnd = maxDrawdown(curve)

	returns := dailyReturns(curve)
	if len(returns) > 1 {
		m.Volatility = stat.StdDev(returns, nil) * math.Sqrt(tradingDaysPerYear)
	}

	if m.Volatility > 0 {
		m.Sharpe = Ratio(m.AnnualizedReturn / m.Volatility)
	}

	// Sortino uses downside deviation: the root mean square of negative
	// returns only. No negative returns means an infinite ratio.
	downside := negativeReturns(returns)
	if len(downside) == 0 {
		m.Sortino = Ratio(math.Inf(1))
	} else {
		var ss float64
		for _, r := range downside {
			ss += r * r
		}
		dd := math.Sqrt(ss/float64(len(downside))) * math.Sqrt(tradingDaysPerYear)
		if dd > 0 {
			m.Sortino = Ratio(m.AnnualizedReturn / dd)
		}
	}

	if m.MaxDrawdown > 0 {
		m.Calmar = Ratio(m.AnnualizedReturn / m.MaxDrawdown)
	} else {
		m.Calmar = Ratio(math.Inf(1))
	}

	m.fillTradeStats(trades)
	return m
}

func (m *Metrics) fillTradeStats(trades []portfolio.Trade) {
	var wins, losses float64
	var holdingDays int
	var sells int
	for _, t := range trades {
		m.TotalFees += t.Fee
		if t.Action != portfolio.ActionSell {
			continue
		}
		sells++
		holdingDays += t.HoldingDays
		if t.Profit > 0 {
			m.WinCount++
			wins += t.Profit
		} else if t.Profit < 0 {
			m.LossCount++
			losses += -t.Profit
		}
	}
	m.TradeCount = sells
	if sells > 0 {
		m.WinRate = float64(m.WinCount) / float64(sells)
		m.AvgHoldingDays = float64(holdingDays) / float64(sells)
	}
	if m.WinCount > 0 {
		m.AvgWin = wins / float64(m.WinCount)
	}
	if m.LossCount > 0 {
		m.AvgLoss = losses / float64(m.LossCount)
	}
	switch {
	case losses > 0:
		m.ProfitFactor = Ratio(wins / losses)
	case wins > 0:
		m.ProfitFactor = Ratio(math.Inf(1))
	}
}

func elapsedYears(start, end string) float64 {
	s, err1 := time.Parse("2006-01-02", start)
	e, err2 := time.Parse("2006-01-02", end)
	if err1 != nil || err2 != nil {
		return 0
	}
	return e.Sub(s).Hours() / 24 / 365.25
}

func dailyReturns(curve []portfolio.Snapshot) []float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, curve[i].Equity/prev-1)
	}
	return returns
}

func negativeReturns(returns []float64) []float64 {
	var out []float64
	for _, r := range returns {
		if r < 0 {
			out = append(out, r)
		}
	}
	return out
}

// maxDrawdown finds the deepest peak-to-trough decline and the dates of
// the peak and trough that bound it.
func maxDrawdown(curve []portfolio.Snapshot) (float64, string, string) {
	var worst float64
	var worstStart, worstEnd string

	peak := curve[0].Equity
	peakDate := curve[0].Date
	for _, snap := range curve[1:] {
		if snap.Equity > peak {
			peak = snap.Equity
			peakDate = snap.Date
			continue
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - snap.Equity) / peak
		if dd > worst {
			worst = dd
			worstStart = peakDate
			worstEnd = snap.Date
		}
	}
	return worst, worstStart, worstEnd
}
