package strategy

import (
	"fmt"
	"math"
	"sort"

	talib "github.com/markcheno/go-talib"

	"github.com/finpack/finpack/internal/modules/marketdata"
)

// Category tags a buy condition's role in the pipeline.
type Category string

const (
	// CategoryUniverse conditions narrow the universe by rank membership.
	CategoryUniverse Category = "A"
	// CategoryMomentum conditions narrow further on metric values.
	CategoryMomentum Category = "B"
	// CategorySelector conditions order and cap the final candidate list.
	CategorySelector Category = "C"
)

// BuyCondition narrows a ticker list for one day.
type BuyCondition interface {
	ID() string
	Category() Category
	Filter(tickers []string, ctx *Context) []string
}

// Params carries a rule's numeric parameters.
type Params map[string]float64

func (p Params) get(key string, fallback float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return fallback
}

// NewBuyCondition builds a condition from its stable identifier.
func NewBuyCondition(id string, params Params) (BuyCondition, error) {
	switch id {
	case "sharpe_rank":
		return &rankCondition{id: id, metric: marketdata.MetricSharpe, topN: int(params.get("top_n", 20))}, nil
	case "growth_rank":
		return &rankCondition{id: id, metric: marketdata.MetricGrowth, topN: int(params.get("top_n", 20))}, nil
	case "sharpe_threshold":
		return &thresholdCondition{id: id, metric: marketdata.MetricSharpe, threshold: params.get("threshold", 1.0)}, nil
	case "sharpe_streak":
		return &rankStreakCondition{id: id, metric: marketdata.MetricSharpe, days: int(params.get("days", 3)), topN: int(params.get("top_n", 20))}, nil
	case "growth_streak":
		return &percentileStreakCondition{id: id, metric: marketdata.MetricGrowth, days: int(params.get("days", 3)), percentile: params.get("percentile", 0.2)}, nil
	case "ma_filter":
		return &maFilterCondition{id: id, window: int(params.get("window", 20))}, nil
	case "sort_sharpe":
		return &sortMetricCondition{id: id, metric: marketdata.MetricSharpe, topN: int(params.get("top_n", 5))}, nil
	case "sort_industry":
		return &sortIndustryCondition{id: id, metric: marketdata.MetricSharpe, topN: int(params.get("top_n", 5))}, nil
	default:
		return nil, fmt.Errorf("unknown buy condition %q", id)
	}
}

// rankCondition keeps tickers inside the day's top-N ranking for a metric.
// When the market spans both countries each country contributes its own
// top-N and the sets are unioned.
type rankCondition struct {
	id     string
	metric string
	topN   int
}

func (c *rankCondition) ID() string         { return c.id }
func (c *rankCondition) Category() Category { return CategoryUniverse }

func (c *rankCondition) Filter(tickers []string, ctx *Context) []string {
	top := ctx.topSet(c.metric, c.topN, ctx.Date)
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if top[t] {
			out = append(out, t)
		}
	}
	return out
}

// thresholdCondition keeps tickers whose metric value meets a floor.
type thresholdCondition struct {
	id        string
	metric    string
	threshold float64
}

func (c *thresholdCondition) ID() string         { return c.id }
func (c *thresholdCondition) Category() Category { return CategoryMomentum }

func (c *thresholdCondition) Filter(tickers []string, ctx *Context) []string {
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if v, ok := ctx.Bundle.MetricValue(c.metric, ctx.Date, t); ok && v >= c.threshold {
			out = append(out, t)
		}
	}
	return out
}

// rankStreakCondition keeps tickers that stayed inside the top-N ranking
// for each of the last N days. With fewer days of history than the streak
// requires the result is the empty set.
type rankStreakCondition struct {
	id     string
	metric string
	days   int
	topN   int
}

func (c *rankStreakCondition) ID() string         { return c.id }
func (c *rankStreakCondition) Category() Category { return CategoryMomentum }

func (c *rankStreakCondition) Filter(tickers []string, ctx *Context) []string {
	dates := ctx.datesBack(c.days)
	if dates == nil {
		return nil
	}
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		held := true
		for _, date := range dates {
			if !ctx.topSet(c.metric, c.topN, date)[t] {
				held = false
				break
			}
		}
		if held {
			out = append(out, t)
		}
	}
	return out
}

// percentileStreakCondition keeps tickers ranked inside the top fraction of
// the day's ranking for N consecutive days. The cutoff rounds up so a small
// ranking still admits at least one name.
type percentileStreakCondition struct {
	id         string
	metric     string
	days       int
	percentile float64
}

func (c *percentileStreakCondition) ID() string         { return c.id }
func (c *percentileStreakCondition) Category() Category { return CategoryMomentum }

func (c *percentileStreakCondition) inCutoff(ticker, date string, ctx *Context) bool {
	for _, country := range marketdata.Countries(ctx.Market) {
		ranking := ctx.Bundle.Ranking(c.metric, date, country)
		if len(ranking) == 0 {
			continue
		}
		cutoff := int(math.Ceil(float64(len(ranking)) * c.percentile))
		for i, t := range ranking {
			if i >= cutoff {
				break
			}
			if t == ticker {
				return true
			}
		}
	}
	return false
}

func (c *percentileStreakCondition) Filter(tickers []string, ctx *Context) []string {
	dates := ctx.datesBack(c.days)
	if dates == nil {
		return nil
	}
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		held := true
		for _, date := range dates {
			if !c.inCutoff(t, date, ctx) {
				held = false
				break
			}
		}
		if held {
			out = append(out, t)
		}
	}
	return out
}

// maFilterCondition keeps tickers trading above their simple moving
// average. Tickers without enough price history for the window are
// excluded.
type maFilterCondition struct {
	id     string
	window int
}

func (c *maFilterCondition) ID() string         { return c.id }
func (c *maFilterCondition) Category() Category { return CategoryMomentum }

func (c *maFilterCondition) Filter(tickers []string, ctx *Context) []string {
	if ctx.DayIdx+1 < c.window {
		return nil
	}
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		series := ctx.Bundle.Prices[t]
		if series == nil {
			continue
		}
		window := series[ctx.DayIdx+1-c.window : ctx.DayIdx+1]
		if hasGap(window) {
			continue
		}
		sma := talib.Sma(window, c.window)
		last := sma[len(sma)-1]
		if window[len(window)-1] > last {
			out = append(out, t)
		}
	}
	return out
}

func hasGap(series []float64) bool {
	for _, v := range series {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// sortMetricCondition orders candidates by metric value descending and
// keeps the first N.
type sortMetricCondition struct {
	id     string
	metric string
	topN   int
}

func (c *sortMetricCondition) ID() string         { return c.id }
func (c *sortMetricCondition) Category() Category { return CategorySelector }

func (c *sortMetricCondition) Filter(tickers []string, ctx *Context) []string {
	out := sortByMetric(tickers, c.metric, ctx)
	if len(out) > c.topN {
		out = out[:c.topN]
	}
	return out
}

// sortIndustryCondition picks N candidates spread evenly across industries
// by round-robin, each industry's names ordered by metric value.
type sortIndustryCondition struct {
	id     string
	metric string
	topN   int
}

func (c *sortIndustryCondition) ID() string         { return c.id }
func (c *sortIndustryCondition) Category() Category { return CategorySelector }

func (c *sortIndustryCondition) Filter(tickers []string, ctx *Context) []string {
	groups := make(map[string][]string)
	var industries []string
	for _, t := range tickers {
		ind := ctx.Bundle.Industry(t)
		if _, ok := groups[ind]; !ok {
			industries = append(industries, ind)
		}
		groups[ind] = append(groups[ind], t)
	}
	sort.Strings(industries)
	for ind := range groups {
		groups[ind] = sortByMetric(groups[ind], c.metric, ctx)
	}

	var out []string
	for round := 0; len(out) < c.topN; round++ {
		picked := false
		for _, ind := range industries {
			if round < len(groups[ind]) {
				out = append(out, groups[ind][round])
				picked = true
				if len(out) == c.topN {
					break
				}
			}
		}
		if !picked {
			break
		}
	}
	return out
}

func sortByMetric(tickers []string, metric string, ctx *Context) []string {
	out := make([]string, len(tickers))
	copy(out, tickers)
	sort.SliceStable(out, func(i, j int) bool {
		vi, oki := ctx.Bundle.MetricValue(metric, ctx.Date, out[i])
		vj, okj := ctx.Bundle.MetricValue(metric, ctx.Date, out[j])
		if oki != okj {
			return oki
		}
		return vi > vj
	})
	return out
}
