// Package portfolio implements the simulation ledger: cash, open positions,
// the append-only trade log, and the per-day equity history.
//
// Cash is tracked in the ledger currency (TWD). Position cost basis stays in
// the instrument's native currency; profit is derived in native currency and
// converted once at sell time. This split is deliberate - P&L reporting
// re-derives native-currency profit before converting.
package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/finpack/finpack/internal/modules/currency"
)

// Trade-level rejections. These are per-trade decisions, not run failures:
// callers log and continue.
var (
	ErrInsufficientCash   = errors.New("insufficient_cash")
	ErrInsufficientShares = errors.New("insufficient_shares")
	ErrNoPosition         = errors.New("no_position")
	ErrInvalidPrice       = errors.New("invalid_price")
)

// Action is the trade direction.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// FeeSchedule is the per-country commission model: fee = max(amount*Rate,
// MinFee), both in ledger currency. US-style markets carry a minimum fee
// floor, TW-style markets do not.
type FeeSchedule struct {
	Rate   float64 `json:"rate"`
	MinFee float64 `json:"minFee"`
}

// Fees maps a country code to its fee schedule.
type Fees map[string]FeeSchedule

// DefaultFees mirrors the production fee configuration.
func DefaultFees() Fees {
	return Fees{
		"US": {Rate: 0.003, MinFee: 15},
		"TW": {Rate: 0.006, MinFee: 0},
	}
}

// For returns the schedule for a country, defaulting to the US schedule.
func (f Fees) For(country string) FeeSchedule {
	if s, ok := f[country]; ok {
		return s
	}
	return f["US"]
}

// Position is an open holding. Shares are fractional for US-style
// instruments when fractional trading is enabled, and lot-quantized for
// TW-style instruments. The streak counters belong to the sell conditions
// and persist across days while the position is open.
type Position struct {
	Ticker    string  `json:"ticker"`
	Shares    float64 `json:"shares"`
	AvgCost   float64 `json:"avgCost"`   // per share, native currency
	CostBasis float64 `json:"costBasis"` // total, ledger currency, fees included
	Country   string  `json:"country"`
	EntryDate string  `json:"entryDate"`
	BuyPrice  float64 `json:"buyPrice"`  // native currency
	PeakPrice float64 `json:"peakPrice"` // highest close since entry, native

	RankFailStreak    int `json:"rankFailStreak"`
	NotSelectedStreak int `json:"notSelectedStreak"`
	WeaknessStreak    int `json:"weaknessStreak"`
}

// Trade is an immutable log entry. Amount is in the instrument's native
// currency; AmountLedger, Fee and Profit are in the ledger currency.
// Profit and HoldingDays are only set on sells.
type Trade struct {
	Date         string  `json:"date"`
	Ticker       string  `json:"ticker"`
	Action       Action  `json:"action"`
	Shares       float64 `json:"shares"`
	Price        float64 `json:"price"`
	Amount       float64 `json:"amount"`
	AmountLedger float64 `json:"amountLedger"`
	Fee          float64 `json:"fee"`
	Reason       string  `json:"reason"`
	Profit       float64 `json:"profit,omitempty"`
	HoldingDays  int     `json:"holdingDays,omitempty"`
}

// Holding is the per-ticker detail captured in an equity snapshot.
type Holding struct {
	Shares       float64 `json:"shares"`
	AvgCost      float64 `json:"avgCost"`
	CurrentPrice float64 `json:"currentPrice"`
	MarketValue  float64 `json:"marketValue"` // ledger currency
	PnLPct       float64 `json:"pnlPct"`
	BuyDate      string  `json:"buyDate"`
	Industry     string  `json:"industry"`
	Country      string  `json:"country"`
}

// Snapshot is one day's equity record. Holdings are deep-copied values so the
// UI can reconstruct "what did I hold on day X" without replaying trades.
type Snapshot struct {
	Date          string             `json:"date"`
	Cash          float64            `json:"cash"`
	HoldingsValue float64            `json:"holdingsValue"`
	Equity        float64            `json:"equity"`
	Holdings      map[string]Holding `json:"holdings"`
}

// Valuation is the result of marking the portfolio to a day's prices.
type Valuation struct {
	Cash          float64 `json:"cash"`
	PositionValue float64 `json:"positionValue"`
	TotalValue    float64 `json:"totalValue"`
}

// PriceFunc resolves a ticker's native-currency price for the current day.
// The second return is false when no price is known.
type PriceFunc func(ticker string) (float64, bool)

// InfoFunc resolves a ticker's industry for snapshots.
type InfoFunc func(ticker string) string

// Portfolio is the ledger. It is not safe for concurrent use; the engine
// drives it from a single goroutine.
type Portfolio struct {
	cash           float64
	initialCapital float64
	fees           Fees
	fx             *currency.Service
	positions      map[string]*Position
	trades         []Trade
	history        []Snapshot
	log            zerolog.Logger
}

// New creates a portfolio with the given starting capital in ledger currency.
func New(initialCapital float64, fees Fees, fx *currency.Service, log zerolog.Logger) *Portfolio {
	if fees == nil {
		fees = DefaultFees()
	}
	return &Portfolio{
		cash:           initialCapital,
		initialCapital: initialCapital,
		fees:           fees,
		fx:             fx,
		positions:      make(map[string]*Position),
		log:            log.With().Str("service", "portfolio").Logger(),
	}
}

// Cash returns the current ledger-currency cash balance.
func (p *Portfolio) Cash() float64 { return p.cash }

// InitialCapital returns the starting capital.
func (p *Portfolio) InitialCapital() float64 { return p.initialCapital }

// Count returns the number of open positions.
func (p *Portfolio) Count() int { return len(p.positions) }

// Position returns the open position for a ticker, or nil.
func (p *Portfolio) Position(ticker string) *Position {
	return p.positions[ticker]
}

// Has reports whether a ticker is currently held.
func (p *Portfolio) Has(ticker string) bool {
	_, ok := p.positions[ticker]
	return ok
}

// Tickers returns held tickers sorted for deterministic iteration.
func (p *Portfolio) Tickers() []string {
	out := make([]string, 0, len(p.positions))
	for t := range p.positions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Positions returns the live position set keyed by ticker. Callers treat the
// map as read-only except for the condition-owned streak counters.
func (p *Portfolio) Positions() map[string]*Position {
	return p.positions
}

// Trades returns the append-only trade log.
func (p *Portfolio) Trades() []Trade { return p.trades }

// History returns the recorded equity snapshots.
func (p *Portfolio) History() []Snapshot { return p.history }

// TotalFees sums all fees paid, in ledger currency.
func (p *Portfolio) TotalFees() float64 {
	var total float64
	for _, t := range p.trades {
		total += t.Fee
	}
	return total
}

// Fee computes the commission for a ledger-currency amount.
func (p *Portfolio) Fee(amountLedger float64, country string) float64 {
	s := p.fees.For(country)
	return math.Max(amountLedger*s.Rate, s.MinFee)
}

// Buy debits cash for shares at a native-currency price. A new position is
// opened, or an existing one has its cost basis re-averaged in native
// currency. Fails with ErrInsufficientCash when amount plus fee exceeds cash.
func (p *Portfolio) Buy(ticker string, shares, price float64, country, date string) (Trade, error) {
	if shares <= 0 || price <= 0 {
		return Trade{}, ErrInvalidPrice
	}

	amount := shares * price
	amountLedger := p.fx.ToLedger(amount, country, date)
	fee := p.Fee(amountLedger, country)
	totalCost := amountLedger + fee

	if totalCost > p.cash {
		return Trade{}, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientCash, totalCost, p.cash)
	}

	p.cash -= totalCost

	if pos, ok := p.positions[ticker]; ok {
		// Re-average in native currency; entry date and peak are kept.
		pos.AvgCost = (pos.Shares*pos.AvgCost + amount) / (pos.Shares + shares)
		pos.Shares += shares
		pos.CostBasis += totalCost
		if price > pos.PeakPrice {
			pos.PeakPrice = price
		}
	} else {
		p.positions[ticker] = &Position{
			Ticker:    ticker,
			Shares:    shares,
			AvgCost:   price,
			CostBasis: totalCost,
			Country:   country,
			EntryDate: date,
			BuyPrice:  price,
			PeakPrice: price,
		}
	}

	trade := Trade{
		Date:         date,
		Ticker:       ticker,
		Action:       ActionBuy,
		Shares:       shares,
		Price:        price,
		Amount:       amount,
		AmountLedger: amountLedger,
		Fee:          fee,
		Reason:       "buy",
	}
	p.trades = append(p.trades, trade)

	p.log.Debug().
		Str("ticker", ticker).
		Float64("shares", shares).
		Float64("price", price).
		Float64("cost", totalCost).
		Msg("Buy executed")

	return trade, nil
}

// Sell credits cash for shares at a native-currency price. shares == 0 is
// the sentinel for "sell the entire position". Fails with
// ErrInsufficientShares when more shares are requested than held; the
// request is rejected, never clamped.
func (p *Portfolio) Sell(ticker string, shares, price float64, date, reason string) (Trade, error) {
	pos, ok := p.positions[ticker]
	if !ok {
		return Trade{}, fmt.Errorf("%w: %s", ErrNoPosition, ticker)
	}
	if price <= 0 {
		return Trade{}, ErrInvalidPrice
	}

	if shares == 0 {
		shares = pos.Shares
	}
	if shares > pos.Shares {
		return Trade{}, fmt.Errorf("%w: requested %.4f, holding %.4f", ErrInsufficientShares, shares, pos.Shares)
	}

	amount := shares * price
	amountLedger := p.fx.ToLedger(amount, pos.Country, date)
	fee := p.Fee(amountLedger, pos.Country)

	// Native-currency P&L, converted once, net of the sell fee.
	profitNative := amount - shares*pos.AvgCost
	profit := p.fx.ToLedger(profitNative, pos.Country, date) - fee

	p.cash += amountLedger - fee

	holdingDays := holdingDays(pos.EntryDate, date)

	if shares == pos.Shares {
		delete(p.positions, ticker)
	} else {
		ratio := shares / pos.Shares
		pos.CostBasis -= pos.CostBasis * ratio
		pos.Shares -= shares
	}

	trade := Trade{
		Date:         date,
		Ticker:       ticker,
		Action:       ActionSell,
		Shares:       shares,
		Price:        price,
		Amount:       amount,
		AmountLedger: amountLedger,
		Fee:          fee,
		Reason:       reason,
		Profit:       profit,
		HoldingDays:  holdingDays,
	}
	p.trades = append(p.trades, trade)

	p.log.Debug().
		Str("ticker", ticker).
		Float64("shares", shares).
		Float64("profit", profit).
		Str("reason", reason).
		Msg("Sell executed")

	return trade, nil
}

// CalculateValue marks the portfolio to the given prices. Positions without
// a resolvable price are valued at average cost.
func (p *Portfolio) CalculateValue(prices PriceFunc, date string) Valuation {
	var positionValue float64
	for ticker, pos := range p.positions {
		price, ok := prices(ticker)
		if !ok {
			price = pos.AvgCost
		}
		positionValue += p.fx.ToLedger(pos.Shares*price, pos.Country, date)
	}
	return Valuation{
		Cash:          p.cash,
		PositionValue: positionValue,
		TotalValue:    p.cash + positionValue,
	}
}

// RecordHistory appends one equity snapshot for the day, after all trades for
// that day have settled. Holdings are snapshotted by value, not by reference.
func (p *Portfolio) RecordHistory(date string, prices PriceFunc, industry InfoFunc) Snapshot {
	holdings := make(map[string]Holding, len(p.positions))
	var holdingsValue float64

	for ticker, pos := range p.positions {
		price, ok := prices(ticker)
		if !ok {
			price = pos.AvgCost
		}
		marketValue := p.fx.ToLedger(pos.Shares*price, pos.Country, date)
		holdingsValue += marketValue

		pnlPct := 0.0
		if pos.CostBasis > 0 {
			pnlPct = (marketValue - pos.CostBasis) / pos.CostBasis
		}

		ind := "Unknown"
		if industry != nil {
			ind = industry(ticker)
		}

		holdings[ticker] = Holding{
			Shares:       pos.Shares,
			AvgCost:      pos.AvgCost,
			CurrentPrice: price,
			MarketValue:  marketValue,
			PnLPct:       pnlPct,
			BuyDate:      pos.EntryDate,
			Industry:     ind,
			Country:      pos.Country,
		}
	}

	snap := Snapshot{
		Date:          date,
		Cash:          p.cash,
		HoldingsValue: holdingsValue,
		Equity:        p.cash + holdingsValue,
		Holdings:      holdings,
	}
	p.history = append(p.history, snap)
	return snap
}

// UpdatePeaks raises each position's peak price to the day's close when
// higher. Called once per day before sell evaluation.
func (p *Portfolio) UpdatePeaks(prices PriceFunc) {
	for ticker, pos := range p.positions {
		if price, ok := prices(ticker); ok && price > pos.PeakPrice {
			pos.PeakPrice = price
		}
	}
}

// Reset returns the portfolio to its initial state.
func (p *Portfolio) Reset() {
	p.cash = p.initialCapital
	p.positions = make(map[string]*Position)
	p.trades = nil
	p.history = nil
}

// holdingDays is the whole-day difference between entry and exit, rounded up.
func holdingDays(entry, exit string) int {
	start, err1 := time.Parse("2006-01-02", entry)
	end, err2 := time.Parse("2006-01-02", exit)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(math.Ceil(end.Sub(start).Hours() / 24))
}
