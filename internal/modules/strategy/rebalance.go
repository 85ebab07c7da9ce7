package strategy

import (
	"fmt"

	"github.com/finpack/finpack/internal/modules/marketdata"
	"github.com/finpack/finpack/internal/modules/portfolio"
	"github.com/finpack/finpack/internal/modules/trading"
)

// RebalanceStrategy gates whether new capital may be deployed on a given
// day and, when it fires, turns the candidate list into trades. Sell
// conditions run regardless; only buying is gated.
type RebalanceStrategy interface {
	ID() string
	ShouldRebalance(ctx *Context, targets []string) bool
	Execute(exec *trading.Executor, targets []string, prices portfolio.PriceFunc, country func(string) string, ctx *Context) trading.RebalanceResult
}

// NewRebalanceStrategy builds a strategy from its stable identifier.
func NewRebalanceStrategy(id string, params Params) (RebalanceStrategy, error) {
	switch id {
	case "immediate":
		return &immediateStrategy{}, nil
	case "batch":
		return &batchStrategy{cashFraction: params.get("cash_fraction", 0.5)}, nil
	case "delayed":
		return &delayedStrategy{topN: int(params.get("top_n", 10)), threshold: params.get("threshold", 1.0)}, nil
	case "concentrated":
		return &concentratedStrategy{topK: int(params.get("top_k", 5)), margin: params.get("margin", 1.5)}, nil
	case "none":
		return &noneStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown rebalance strategy %q", id)
	}
}

func sameSet(targets []string, positions map[string]*portfolio.Position) bool {
	if len(targets) != len(positions) {
		return false
	}
	for _, t := range targets {
		if _, ok := positions[t]; !ok {
			return false
		}
	}
	return true
}

// immediateStrategy rebalances whenever the target set differs from the
// held set.
type immediateStrategy struct{}

func (s *immediateStrategy) ID() string { return "immediate" }

func (s *immediateStrategy) ShouldRebalance(ctx *Context, targets []string) bool {
	return !sameSet(targets, ctx.Positions)
}

func (s *immediateStrategy) Execute(exec *trading.Executor, targets []string, prices portfolio.PriceFunc, country func(string) string, ctx *Context) trading.RebalanceResult {
	return exec.ExecuteRebalance(targets, prices, country, ctx.Date)
}

// batchStrategy always allows a rebalance but caps the buy side to a fixed
// fraction of available cash, split evenly across the new names.
type batchStrategy struct {
	cashFraction float64
}

func (s *batchStrategy) ID() string { return "batch" }

func (s *batchStrategy) ShouldRebalance(_ *Context, _ []string) bool { return true }

func (s *batchStrategy) Execute(exec *trading.Executor, targets []string, prices portfolio.PriceFunc, country func(string) string, ctx *Context) trading.RebalanceResult {
	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}

	var res trading.RebalanceResult
	p := exec.Portfolio()
	for _, ticker := range p.Tickers() {
		if want[ticker] {
			continue
		}
		price, ok := prices(ticker)
		if !ok {
			continue
		}
		if trade, err := p.Sell(ticker, 0, price, ctx.Date, "rebalance"); err == nil {
			res.Sells = append(res.Sells, trade)
		}
	}

	var newNames []string
	for _, t := range targets {
		if !p.Has(t) {
			newNames = append(newNames, t)
		}
	}
	if len(newNames) == 0 {
		return res
	}
	perName := p.Cash() * s.cashFraction / float64(len(newNames))
	for _, ticker := range newNames {
		price, ok := prices(ticker)
		if !ok {
			continue
		}
		if trade, err := exec.BuyWithAmount(ticker, price, perName, country(ticker), ctx.Date); err == nil {
			res.Buys = append(res.Buys, trade)
		}
	}
	return res
}

// delayedStrategy deploys capital only when the market is strong: the
// average metric value of the top-N ranked names must exceed a threshold.
type delayedStrategy struct {
	topN      int
	threshold float64
}

func (s *delayedStrategy) ID() string { return "delayed" }

func (s *delayedStrategy) ShouldRebalance(ctx *Context, _ []string) bool {
	avg, ok := topAverage(ctx, marketdata.MetricSharpe, 0, s.topN)
	return ok && avg > s.threshold
}

func (s *delayedStrategy) Execute(exec *trading.Executor, targets []string, prices portfolio.PriceFunc, country func(string) string, ctx *Context) trading.RebalanceResult {
	return exec.ExecuteRebalance(targets, prices, country, ctx.Date)
}

// concentratedStrategy deploys capital when leadership is concentrated:
// the top-K average metric exceeds the next-K average by a margin, or the
// next-K average is non-positive while the top-K is positive.
type concentratedStrategy struct {
	topK   int
	margin float64
}

func (s *concentratedStrategy) ID() string { return "concentrated" }

func (s *concentratedStrategy) ShouldRebalance(ctx *Context, _ []string) bool {
	top, okTop := topAverage(ctx, marketdata.MetricSharpe, 0, s.topK)
	next, okNext := topAverage(ctx, marketdata.MetricSharpe, s.topK, s.topK)
	if !okTop || !okNext {
		return false
	}
	if next <= 0 {
		return top > 0
	}
	return top > next*s.margin
}

func (s *concentratedStrategy) Execute(exec *trading.Executor, targets []string, prices portfolio.PriceFunc, country func(string) string, ctx *Context) trading.RebalanceResult {
	return exec.ExecuteRebalance(targets, prices, country, ctx.Date)
}

// noneStrategy never initiates buys. Liquidation still happens through the
// sell-condition set.
type noneStrategy struct{}

func (s *noneStrategy) ID() string { return "none" }

func (s *noneStrategy) ShouldRebalance(_ *Context, _ []string) bool { return false }

func (s *noneStrategy) Execute(_ *trading.Executor, _ []string, _ portfolio.PriceFunc, _ func(string) string, _ *Context) trading.RebalanceResult {
	return trading.RebalanceResult{}
}

// topAverage averages the metric values of ranked names in positions
// [offset, offset+count) across the in-scope countries.
func topAverage(ctx *Context, metric string, offset, count int) (float64, bool) {
	var sum float64
	var n int
	for _, c := range marketdata.Countries(ctx.Market) {
		ranking := ctx.Bundle.Ranking(metric, ctx.Date, c)
		for i := offset; i < offset+count && i < len(ranking); i++ {
			if v, ok := ctx.Bundle.MetricValue(metric, ctx.Date, ranking[i]); ok {
				sum += v
				n++
			}
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
