// Package backtest orchestrates a full simulation run: it validates the
// request, drives the daily state machine over the data bundle, and turns
// the ledger's output into a reportable result.
package backtest

import (
	"fmt"
	"time"

	"github.com/finpack/finpack/internal/modules/marketdata"
	"github.com/finpack/finpack/internal/modules/portfolio"
	"github.com/finpack/finpack/internal/modules/strategy"
)

// Rebalance cadences.
const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

// RuleConfig enables one strategy rule with its numeric parameters.
type RuleConfig struct {
	ID      string          `json:"id"`
	Enabled bool            `json:"enabled"`
	Params  strategy.Params `json:"params,omitempty"`
}

// Config is one backtest request.
type Config struct {
	InitialCapital float64 `json:"initialCapital"`
	TradeAmount    float64 `json:"tradeAmount"`
	MaxPositions   int     `json:"maxPositions"`
	Market         string  `json:"market"`
	StartDate      string  `json:"startDate"`
	EndDate        string  `json:"endDate"`

	RebalanceFrequency string     `json:"rebalanceFrequency"`
	RebalanceStrategy  RuleConfig `json:"rebalanceStrategy"`

	BuyConditions  []RuleConfig `json:"buyConditions"`
	SellConditions []RuleConfig `json:"sellConditions"`

	Fees             portfolio.Fees `json:"fees,omitempty"`
	LotSize          float64        `json:"lotSize,omitempty"`
	AllowFractional  bool           `json:"allowFractional,omitempty"`
	AllowPartialFill bool           `json:"allowPartialFill,omitempty"`
}

// DefaultConfig is the catalog default: a global sharpe momentum strategy
// with a drawdown stop and weekly capital deployment.
func DefaultConfig() Config {
	return Config{
		InitialCapital:     1_000_000,
		TradeAmount:        200_000,
		MaxPositions:       5,
		Market:             marketdata.MarketGlobal,
		RebalanceFrequency: FrequencyWeekly,
		RebalanceStrategy:  RuleConfig{ID: "immediate", Enabled: true},
		BuyConditions: []RuleConfig{
			{ID: "sharpe_rank", Enabled: true, Params: strategy.Params{"top_n": 20}},
			{ID: "sharpe_threshold", Enabled: true, Params: strategy.Params{"threshold": 1.0}},
			{ID: "sort_sharpe", Enabled: true, Params: strategy.Params{"top_n": 5}},
		},
		SellConditions: []RuleConfig{
			{ID: "sharpe_fail", Enabled: true, Params: strategy.Params{"rank_n": 30, "periods": 3}},
			{ID: "drawdown", Enabled: true, Params: strategy.Params{"threshold": 0.15, "from_highest": 1}},
		},
		Fees:             portfolio.DefaultFees(),
		AllowPartialFill: true,
	}
}

// ConfigError reports one invalid request field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

func validMarket(m string) bool {
	return m == marketdata.MarketUS || m == marketdata.MarketTW || m == marketdata.MarketGlobal
}

func validFrequency(f string) bool {
	return f == FrequencyDaily || f == FrequencyWeekly || f == FrequencyMonthly
}

// Validate rejects a config before any simulation work starts. Invalid
// input is reported, never silently defaulted.
func (c *Config) Validate() error {
	if c.InitialCapital <= 0 {
		return &ConfigError{"initialCapital", "must be positive"}
	}
	if c.TradeAmount <= 0 {
		return &ConfigError{"tradeAmount", "must be positive"}
	}
	if c.MaxPositions < 1 || c.MaxPositions > 100 {
		return &ConfigError{"maxPositions", "must be between 1 and 100"}
	}
	if !validMarket(c.Market) {
		return &ConfigError{"market", fmt.Sprintf("unknown market %q", c.Market)}
	}
	if !validFrequency(c.RebalanceFrequency) {
		return &ConfigError{"rebalanceFrequency", fmt.Sprintf("unknown frequency %q", c.RebalanceFrequency)}
	}
	if c.StartDate == "" || c.EndDate == "" {
		return &ConfigError{"dateRange", "start and end dates are required"}
	}
	start, err := time.Parse("2006-01-02", c.StartDate)
	if err != nil {
		return &ConfigError{"startDate", "must be YYYY-MM-DD"}
	}
	end, err := time.Parse("2006-01-02", c.EndDate)
	if err != nil {
		return &ConfigError{"endDate", "must be YYYY-MM-DD"}
	}
	if start.After(end) {
		return &ConfigError{"dateRange", "start date is after end date"}
	}

	for country, sched := range c.Fees {
		if sched.Rate < 0 || sched.Rate >= 1 {
			return &ConfigError{"fees", fmt.Sprintf("%s rate out of range", country)}
		}
		if sched.MinFee < 0 {
			return &ConfigError{"fees", fmt.Sprintf("%s min fee is negative", country)}
		}
	}

	// Every rule must be constructible, and at least one enabled universe
	// condition must bound the candidate set.
	hasUniverse := false
	for _, rc := range c.BuyConditions {
		if !rc.Enabled {
			continue
		}
		cond, err := strategy.NewBuyCondition(rc.ID, rc.Params)
		if err != nil {
			return &ConfigError{"buyConditions", err.Error()}
		}
		if cond.Category() == strategy.CategoryUniverse {
			hasUniverse = true
		}
	}
	if !hasUniverse {
		return &ConfigError{"buyConditions", "at least one rank-based condition must be enabled"}
	}
	for _, rc := range c.SellConditions {
		if !rc.Enabled {
			continue
		}
		if _, err := strategy.NewSellCondition(rc.ID, rc.Params); err != nil {
			return &ConfigError{"sellConditions", err.Error()}
		}
	}
	if !c.RebalanceStrategy.Enabled {
		return &ConfigError{"rebalanceStrategy", "a rebalance strategy is required"}
	}
	if _, err := strategy.NewRebalanceStrategy(c.RebalanceStrategy.ID, c.RebalanceStrategy.Params); err != nil {
		return &ConfigError{"rebalanceStrategy", err.Error()}
	}
	return nil
}

// buildRules instantiates the enabled rules. Validate must have passed.
func (c *Config) buildRules() ([]strategy.BuyCondition, []strategy.SellCondition, strategy.RebalanceStrategy, error) {
	var buys []strategy.BuyCondition
	for _, rc := range c.BuyConditions {
		if !rc.Enabled {
			continue
		}
		cond, err := strategy.NewBuyCondition(rc.ID, rc.Params)
		if err != nil {
			return nil, nil, nil, err
		}
		buys = append(buys, cond)
	}
	var sells []strategy.SellCondition
	for _, rc := range c.SellConditions {
		if !rc.Enabled {
			continue
		}
		cond, err := strategy.NewSellCondition(rc.ID, rc.Params)
		if err != nil {
			return nil, nil, nil, err
		}
		sells = append(sells, cond)
	}
	reb, err := strategy.NewRebalanceStrategy(c.RebalanceStrategy.ID, c.RebalanceStrategy.Params)
	if err != nil {
		return nil, nil, nil, err
	}
	return buys, sells, reb, nil
}
