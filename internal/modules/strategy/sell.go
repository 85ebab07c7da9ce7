package strategy

import (
	"fmt"

	"github.com/finpack/finpack/internal/modules/marketdata"
	"github.com/finpack/finpack/internal/modules/portfolio"
)

// SellCondition decides whether one held position should be closed today.
// All enabled conditions run independently every day; any true result
// triggers the sell. Conditions that track streaks store their counters on
// the position and must be evaluated exactly once per day.
type SellCondition interface {
	ID() string
	Check(ticker string, pos *portfolio.Position, ctx *Context) (bool, string)
}

// NewSellCondition builds a condition from its stable identifier.
func NewSellCondition(id string, params Params) (SellCondition, error) {
	switch id {
	case "sharpe_fail":
		return &rankFailCondition{id: id, metric: marketdata.MetricSharpe, rankN: int(params.get("rank_n", 20)), periods: int(params.get("periods", 3))}, nil
	case "growth_fail":
		return &momentumFailCondition{id: id, metric: marketdata.MetricGrowth, days: int(params.get("days", 5)), threshold: params.get("threshold", 0)}, nil
	case "not_selected":
		return &notSelectedCondition{id: id, periods: int(params.get("periods", 5))}, nil
	case "drawdown":
		return &drawdownCondition{id: id, threshold: params.get("threshold", 0.1), fromHighest: params.get("from_highest", 1) != 0}, nil
	case "weakness":
		return &weaknessCondition{id: id, rankN: int(params.get("rank_n", 30)), periods: int(params.get("periods", 3))}, nil
	default:
		return nil, fmt.Errorf("unknown sell condition %q", id)
	}
}

// rankFailCondition sells after the ticker has been outside the top-K
// ranking for N consecutive days.
type rankFailCondition struct {
	id      string
	metric  string
	rankN   int
	periods int
}

func (c *rankFailCondition) ID() string { return c.id }

func (c *rankFailCondition) Check(ticker string, pos *portfolio.Position, ctx *Context) (bool, string) {
	if ctx.topSet(c.metric, c.rankN, ctx.Date)[ticker] {
		pos.RankFailStreak = 0
		return false, ""
	}
	pos.RankFailStreak++
	if pos.RankFailStreak >= c.periods {
		return true, c.id
	}
	return false, ""
}

// momentumFailCondition sells when the rolling average of a metric over
// the last N days drops below a threshold. Insufficient history never
// triggers.
type momentumFailCondition struct {
	id        string
	metric    string
	days      int
	threshold float64
}

func (c *momentumFailCondition) ID() string { return c.id }

func (c *momentumFailCondition) Check(ticker string, _ *portfolio.Position, ctx *Context) (bool, string) {
	dates := ctx.datesBack(c.days)
	if dates == nil {
		return false, ""
	}
	var sum float64
	var n int
	for _, date := range dates {
		if v, ok := ctx.Bundle.MetricValue(c.metric, date, ticker); ok {
			sum += v
			n++
		}
	}
	if n < c.days {
		return false, ""
	}
	if sum/float64(n) < c.threshold {
		return true, c.id
	}
	return false, ""
}

// notSelectedCondition sells a ticker absent from the pipeline output for
// N consecutive days. Sells run before the day's pipeline, so the streak
// is checked against the most recent recorded selection.
type notSelectedCondition struct {
	id      string
	periods int
}

func (c *notSelectedCondition) ID() string { return c.id }

func (c *notSelectedCondition) Check(ticker string, pos *portfolio.Position, ctx *Context) (bool, string) {
	entry, ok := ctx.History.Last()
	if !ok {
		return false, ""
	}
	selected := false
	for _, t := range entry.Tickers {
		if t == ticker {
			selected = true
			break
		}
	}
	if selected {
		pos.NotSelectedStreak = 0
		return false, ""
	}
	pos.NotSelectedStreak++
	if pos.NotSelectedStreak >= c.periods {
		return true, c.id
	}
	return false, ""
}

// drawdownCondition sells on a percentage decline from either the entry
// price or the highest price seen since entry.
type drawdownCondition struct {
	id          string
	threshold   float64
	fromHighest bool
}

func (c *drawdownCondition) ID() string { return c.id }

func (c *drawdownCondition) Check(ticker string, pos *portfolio.Position, ctx *Context) (bool, string) {
	price, ok := ctx.Bundle.PriceAt(ticker, ctx.DayIdx)
	if !ok {
		return false, ""
	}
	ref := pos.BuyPrice
	if c.fromHighest {
		ref = pos.PeakPrice
	}
	if ref <= 0 {
		return false, ""
	}
	if (ref-price)/ref >= c.threshold {
		return true, c.id
	}
	return false, ""
}

// weaknessCondition sells when the ticker falls outside the top-K of BOTH
// metric rankings for N consecutive days. Both must fail on the same day
// to extend the streak; a recovery on either metric resets it.
type weaknessCondition struct {
	id      string
	rankN   int
	periods int
}

func (c *weaknessCondition) ID() string { return c.id }

func (c *weaknessCondition) Check(ticker string, pos *portfolio.Position, ctx *Context) (bool, string) {
	sharpeOK := ctx.topSet(marketdata.MetricSharpe, c.rankN, ctx.Date)[ticker]
	growthOK := ctx.topSet(marketdata.MetricGrowth, c.rankN, ctx.Date)[ticker]
	if sharpeOK || growthOK {
		pos.WeaknessStreak = 0
		return false, ""
	}
	pos.WeaknessStreak++
	if pos.WeaknessStreak >= c.periods {
		return true, c.id
	}
	return false, ""
}
