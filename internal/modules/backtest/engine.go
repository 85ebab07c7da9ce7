package backtest

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/finpack/finpack/internal/modules/currency"
	"github.com/finpack/finpack/internal/modules/marketdata"
	"github.com/finpack/finpack/internal/modules/portfolio"
	"github.com/finpack/finpack/internal/modules/strategy"
	"github.com/finpack/finpack/internal/modules/trading"
)

// ErrRunInProgress rejects a Run call while another run is in flight on
// the same engine. Concurrent requests are rejected, never queued.
var ErrRunInProgress = errors.New("a backtest run is already in progress")

// ProgressFunc receives (completed days, total days) during a run. It is
// called synchronously from the daily loop and must return quickly.
type ProgressFunc func(day, total int)

// Engine drives the daily simulation over an immutable data bundle.
type Engine struct {
	bundle  *marketdata.Bundle
	log     zerolog.Logger
	running atomic.Bool
}

func NewEngine(bundle *marketdata.Bundle, log zerolog.Logger) *Engine {
	return &Engine{
		bundle: bundle,
		log:    log.With().Str("component", "backtest").Logger(),
	}
}

// Running reports whether a run is currently in flight.
func (e *Engine) Running() bool { return e.running.Load() }

// Run executes one backtest. Validation failures and the in-progress
// precondition are returned as errors before any simulation work; failures
// mid-run come back as a Result with Success false.
func (e *Engine) Run(cfg Config, onProgress ProgressFunc) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer e.running.Store(false)

	result := &Result{
		ID:        uuid.New().String(),
		Config:    cfg,
		StartedAt: time.Now().UTC(),
	}

	// Any unexpected failure mid-run becomes a structured result rather
	// than a panic across the API boundary.
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("run", result.ID).Msg("run panicked")
			result.Success = false
			result.Error = fmt.Sprintf("internal error: %v", r)
		}
		result.FinishedAt = time.Now().UTC()
	}()

	e.simulate(cfg, result, onProgress)
	return result, nil
}

func (e *Engine) simulate(cfg Config, result *Result, onProgress ProgressFunc) {
	bundle := e.bundle.FilterMarket(cfg.Market)

	dateRange, err := bundle.SnapRange(cfg.StartDate, cfg.EndDate)
	if err != nil {
		result.Error = fmt.Sprintf("date range: %v", err)
		return
	}
	result.DateRange = dateRange

	buys, sells, rebalance, err := cfg.buildRules()
	if err != nil {
		result.Error = err.Error()
		return
	}

	fees := cfg.Fees
	if fees == nil {
		fees = portfolio.DefaultFees()
	}
	fx := currency.NewService(bundle.FXRates, bundle.FXDefault, e.log)
	book := portfolio.New(cfg.InitialCapital, fees, fx, e.log)
	exec := trading.New(book, fees, fx, trading.Config{
		Amount:           cfg.TradeAmount,
		MaxPositions:     cfg.MaxPositions,
		LotSize:          cfg.LotSize,
		AllowFractional:  cfg.AllowFractional,
		AllowPartialFill: cfg.AllowPartialFill,
	}, e.log)
	pipeline := strategy.NewPipeline(buys, e.log)
	history := strategy.NewSelectionHistory()

	total := dateRange.EndIdx - dateRange.StartIdx + 1
	countryOf := func(ticker string) string { return bundle.Country(ticker) }
	industryOf := func(ticker string) string { return bundle.Industry(ticker) }

	for dayIdx := dateRange.StartIdx; dayIdx <= dateRange.EndIdx; dayIdx++ {
		date := bundle.Dates[dayIdx]
		prices := func(ticker string) (float64, bool) {
			return bundle.PriceAt(ticker, dayIdx)
		}

		book.UpdatePeaks(prices)

		ctx := &strategy.Context{
			Bundle:    bundle,
			DayIdx:    dayIdx,
			Date:      date,
			Market:    cfg.Market,
			History:   history,
			Positions: book.Positions(),
			Cash:      book.Cash(),
		}

		e.runSells(book, sells, ctx, prices)

		candidates := pipeline.Select(ctx)
		history.Append(date, candidates)

		// Freed cash and vacated slots from today's sells are eligible for
		// same-day reinvestment; refresh the view before deploying.
		ctx.Cash = book.Cash()

		if isRebalanceDay(cfg.RebalanceFrequency, bundle.Dates, dayIdx, dateRange.StartIdx) &&
			rebalance.ShouldRebalance(ctx, candidates) {
			rebalance.Execute(exec, candidates, prices, countryOf, ctx)
			e.fillOpenSlots(exec, candidates, prices, countryOf, date)
		}

		book.RecordHistory(date, prices, industryOf)

		if onProgress != nil {
			onProgress(dayIdx-dateRange.StartIdx+1, total)
		}
	}

	lastIdx := dateRange.EndIdx
	result.Success = true
	result.Metrics = Compute(book.History(), book.Trades(), cfg.InitialCapital)
	result.EquityCurve = book.History()
	result.Trades = book.Trades()
	result.SelectionHistory = history.Entries()
	result.FinalPositions = finalPositions(book, bundle, fx, lastIdx)
	result.Benchmark = ComputeBenchmark(e.bundle, cfg.Market, dateRange, cfg.InitialCapital, fx)

	e.log.Info().
		Str("run", result.ID).
		Str("market", cfg.Market).
		Int("days", total).
		Int("trades", len(result.Trades)).
		Float64("totalReturn", result.Metrics.TotalReturn).
		Msg("run complete")
}

// runSells evaluates every enabled sell condition against every held
// position. Any true result closes the position; all conditions still run
// so their streak counters stay current.
func (e *Engine) runSells(book *portfolio.Portfolio, sells []strategy.SellCondition, ctx *strategy.Context, prices portfolio.PriceFunc) {
	for _, ticker := range book.Tickers() {
		pos := book.Position(ticker)
		shouldSell := false
		reason := ""
		for _, cond := range sells {
			hit, why := cond.Check(ticker, pos, ctx)
			if hit && !shouldSell {
				shouldSell = true
				reason = why
			}
		}
		if !shouldSell {
			continue
		}
		price, ok := prices(ticker)
		if !ok {
			e.log.Warn().Str("ticker", ticker).Str("date", ctx.Date).Msg("no price for sell")
			continue
		}
		if _, err := book.Sell(ticker, 0, price, ctx.Date, reason); err != nil {
			e.log.Warn().Err(err).Str("ticker", ticker).Msg("sell skipped")
		}
	}
}

// fillOpenSlots buys candidates into remaining position slots, skipping
// names already held. Per-trade rejections are logged and skipped.
func (e *Engine) fillOpenSlots(exec *trading.Executor, candidates []string, prices portfolio.PriceFunc, countryOf func(string) string, date string) {
	book := exec.Portfolio()
	for _, ticker := range candidates {
		if book.Count() >= exec.Config().MaxPositions {
			return
		}
		if book.Has(ticker) {
			continue
		}
		price, ok := prices(ticker)
		if !ok {
			continue
		}
		if _, err := exec.ExecuteBuy(ticker, price, countryOf(ticker), date); err != nil {
			e.log.Debug().Err(err).Str("ticker", ticker).Msg("slot fill skipped")
		}
	}
}

// isRebalanceDay reports whether capital may be deployed on this day under
// the configured cadence. The first simulated day always qualifies; weekly
// and monthly cadences fire on the first trading day of each ISO week or
// calendar month.
func isRebalanceDay(frequency string, dates []string, dayIdx, startIdx int) bool {
	if frequency == FrequencyDaily || dayIdx == startIdx {
		return true
	}
	cur, err := time.Parse("2006-01-02", dates[dayIdx])
	if err != nil {
		return false
	}
	prev, err := time.Parse("2006-01-02", dates[dayIdx-1])
	if err != nil {
		return false
	}
	switch frequency {
	case FrequencyWeekly:
		cy, cw := cur.ISOWeek()
		py, pw := prev.ISOWeek()
		return cy != py || cw != pw
	case FrequencyMonthly:
		return cur.Month() != prev.Month() || cur.Year() != prev.Year()
	}
	return false
}

func finalPositions(book *portfolio.Portfolio, bundle *marketdata.Bundle, fx *currency.Service, lastIdx int) []FinalPosition {
	lastDate := bundle.Dates[lastIdx]
	var out []FinalPosition
	for ticker, pos := range book.Positions() {
		price, ok := bundle.PriceAt(ticker, lastIdx)
		if !ok {
			price = pos.AvgCost
		}
		pnl := 0.0
		if pos.AvgCost > 0 {
			pnl = price/pos.AvgCost - 1
		}
		out = append(out, FinalPosition{
			Ticker:      ticker,
			Country:     pos.Country,
			Industry:    bundle.Industry(ticker),
			Shares:      pos.Shares,
			AvgCost:     pos.AvgCost,
			LastPrice:   price,
			MarketValue: fx.ToLedger(pos.Shares*price, pos.Country, lastDate),
			PnLPct:      pnl,
			EntryDate:   pos.EntryDate,
			HoldingDays: daysBetween(pos.EntryDate, lastDate),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

func daysBetween(start, end string) int {
	s, err1 := time.Parse("2006-01-02", start)
	e, err2 := time.Parse("2006-01-02", end)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(e.Sub(s).Hours() / 24)
}
