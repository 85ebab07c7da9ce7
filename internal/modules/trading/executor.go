// Package trading sizes and executes orders against the portfolio ledger.
// It owns lot rounding, the max-position gate and the optional partial-fill
// retry; the portfolio itself only checks cash and share balances.
package trading

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/finpack/finpack/internal/modules/currency"
	"github.com/finpack/finpack/internal/modules/marketdata"
	"github.com/finpack/finpack/internal/modules/portfolio"
)

var (
	// ErrAmountTooSmall means the per-trade budget buys zero shares after
	// lot rounding at the given price.
	ErrAmountTooSmall = errors.New("amount too small for one lot")

	// ErrMaxPositions rejects a buy that would open a new position beyond
	// the configured ceiling. Adding to an existing position is never gated.
	ErrMaxPositions = errors.New("max positions reached")
)

// DefaultLotSize is the Taiwan board-lot size in shares.
const DefaultLotSize = 1000

// Config controls order sizing.
type Config struct {
	// Amount is the target spend per buy, in the ledger currency.
	Amount float64
	// MaxPositions caps the number of concurrently held tickers.
	MaxPositions int
	// LotSize is the share multiple for TW instruments. Zero means
	// DefaultLotSize.
	LotSize float64
	// AllowFractional permits fractional share counts for non-lot markets.
	AllowFractional bool
	// AllowPartialFill retries a cash-rejected buy with the largest
	// affordable share count instead of skipping the trade.
	AllowPartialFill bool
}

// RebalanceResult reports the trades produced by one rebalance pass.
type RebalanceResult struct {
	Sells []portfolio.Trade
	Buys  []portfolio.Trade
}

// Executor wraps a portfolio with sizing and gating rules.
type Executor struct {
	portfolio *portfolio.Portfolio
	fees      portfolio.Fees
	fx        *currency.Service
	cfg       Config
	log       zerolog.Logger
}

func New(p *portfolio.Portfolio, fees portfolio.Fees, fx *currency.Service, cfg Config, log zerolog.Logger) *Executor {
	if cfg.LotSize <= 0 {
		cfg.LotSize = DefaultLotSize
	}
	return &Executor{
		portfolio: p,
		fees:      fees,
		fx:        fx,
		cfg:       cfg,
		log:       log.With().Str("component", "trading").Logger(),
	}
}

// shareCount converts a native-currency budget into a share count under the
// market's rounding rule. Returns zero when the budget does not cover the
// minimum tradable quantity.
func (e *Executor) shareCount(budgetNative, price float64, country string) float64 {
	if country == marketdata.CountryTW {
		lots := math.Floor(budgetNative / price / e.cfg.LotSize)
		return lots * e.cfg.LotSize
	}
	if e.cfg.AllowFractional {
		return budgetNative / price
	}
	return math.Floor(budgetNative / price)
}

// ExecuteBuy buys ticker at price for the configured per-trade amount.
// New tickers are gated by MaxPositions; additions to held tickers are not.
func (e *Executor) ExecuteBuy(ticker string, price float64, country, date string) (portfolio.Trade, error) {
	if !e.portfolio.Has(ticker) && e.portfolio.Count() >= e.cfg.MaxPositions {
		return portfolio.Trade{}, fmt.Errorf("buy %s: %w", ticker, ErrMaxPositions)
	}
	if price <= 0 {
		return portfolio.Trade{}, fmt.Errorf("buy %s: %w", ticker, portfolio.ErrInvalidPrice)
	}

	budget := e.cfg.Amount
	if cash := e.portfolio.Cash(); cash < budget {
		budget = cash
	}
	shares := e.shareCount(e.fx.FromLedger(budget, country, date), price, country)
	if shares <= 0 {
		return portfolio.Trade{}, fmt.Errorf("buy %s: %w", ticker, ErrAmountTooSmall)
	}

	trade, err := e.portfolio.Buy(ticker, shares, price, country, date)
	if errors.Is(err, portfolio.ErrInsufficientCash) && e.cfg.AllowPartialFill {
		return e.retryAffordable(ticker, price, country, date)
	}
	return trade, err
}

// retryAffordable recomputes the largest share count whose amount plus fee
// fits in available cash, then re-submits the buy.
func (e *Executor) retryAffordable(ticker string, price float64, country, date string) (portfolio.Trade, error) {
	cash := e.portfolio.Cash()
	sched := e.fees.For(country)

	// Amount a with fee max(a*rate, minFee) fits when a+fee <= cash. Solve
	// the proportional branch first, fall back to the flat-fee branch.
	affordable := cash / (1 + sched.Rate)
	if affordable*sched.Rate < sched.MinFee {
		affordable = cash - sched.MinFee
	}
	if affordable <= 0 {
		return portfolio.Trade{}, fmt.Errorf("buy %s: %w", ticker, ErrAmountTooSmall)
	}

	shares := e.shareCount(e.fx.FromLedger(affordable, country, date), price, country)
	if shares <= 0 {
		return portfolio.Trade{}, fmt.Errorf("buy %s: %w", ticker, ErrAmountTooSmall)
	}
	e.log.Debug().Str("ticker", ticker).Float64("shares", shares).Msg("partial fill")
	return e.portfolio.Buy(ticker, shares, price, country, date)
}

// ExecuteSell sells shares of ticker. Zero shares sells the whole position.
func (e *Executor) ExecuteSell(ticker string, shares, price float64, date, reason string) (portfolio.Trade, error) {
	return e.portfolio.Sell(ticker, shares, price, date, reason)
}

// ExecuteRebalance sells every held ticker absent from targets, then buys
// every target not already held. Per-trade rejections are logged and
// skipped; they never abort the pass.
func (e *Executor) ExecuteRebalance(targets []string, prices portfolio.PriceFunc, country func(string) string, date string) RebalanceResult {
	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}

	var res RebalanceResult
	for _, ticker := range e.portfolio.Tickers() {
		if want[ticker] {
			continue
		}
		price, ok := prices(ticker)
		if !ok {
			e.log.Warn().Str("ticker", ticker).Str("date", date).Msg("no price for rebalance sell")
			continue
		}
		trade, err := e.portfolio.Sell(ticker, 0, price, date, "rebalance")
		if err != nil {
			e.log.Warn().Err(err).Str("ticker", ticker).Msg("rebalance sell skipped")
			continue
		}
		res.Sells = append(res.Sells, trade)
	}

	for _, ticker := range targets {
		if e.portfolio.Has(ticker) {
			continue
		}
		price, ok := prices(ticker)
		if !ok {
			continue
		}
		trade, err := e.ExecuteBuy(ticker, price, country(ticker), date)
		if err != nil {
			e.log.Debug().Err(err).Str("ticker", ticker).Msg("rebalance buy skipped")
			continue
		}
		res.Buys = append(res.Buys, trade)
	}
	return res
}

// BuyWithAmount executes a buy with an explicit ledger-currency budget
// instead of the configured per-trade amount. Rebalance strategies use it
// to spread a capped cash fraction across several names.
func (e *Executor) BuyWithAmount(ticker string, price, amountLedger float64, country, date string) (portfolio.Trade, error) {
	saved := e.cfg.Amount
	e.cfg.Amount = amountLedger
	trade, err := e.ExecuteBuy(ticker, price, country, date)
	e.cfg.Amount = saved
	return trade, err
}

// Portfolio exposes the wrapped ledger for valuation and snapshots.
func (e *Executor) Portfolio() *portfolio.Portfolio { return e.portfolio }

// Config returns the executor's sizing configuration.
func (e *Executor) Config() Config { return e.cfg }
