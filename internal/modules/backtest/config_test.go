package backtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpack/finpack/internal/modules/portfolio"
	"github.com/finpack/finpack/internal/modules/strategy"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartDate = "2024-01-02"
	cfg.EndDate = "2024-06-28"
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.StartDate = "2024-01-02"
		cfg.EndDate = "2024-06-28"
		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"negative capital", func(c *Config) { c.InitialCapital = -5 }, "initialCapital"},
		{"zero trade amount", func(c *Config) { c.TradeAmount = 0 }, "tradeAmount"},
		{"zero max positions", func(c *Config) { c.MaxPositions = 0 }, "maxPositions"},
		{"too many positions", func(c *Config) { c.MaxPositions = 101 }, "maxPositions"},
		{"unknown market", func(c *Config) { c.Market = "jp" }, "market"},
		{"unknown frequency", func(c *Config) { c.RebalanceFrequency = "hourly" }, "rebalanceFrequency"},
		{"missing dates", func(c *Config) { c.StartDate = "" }, "dateRange"},
		{"malformed date", func(c *Config) { c.StartDate = "01/02/2024" }, "startDate"},
		{"inverted range", func(c *Config) { c.StartDate, c.EndDate = c.EndDate, c.StartDate }, "dateRange"},
		{"fee rate out of range", func(c *Config) {
			c.Fees = portfolio.Fees{"US": {Rate: 1.5}}
		}, "fees"},
		{"unknown buy condition", func(c *Config) {
			c.BuyConditions = append(c.BuyConditions, RuleConfig{ID: "vibes", Enabled: true})
		}, "buyConditions"},
		{"no universe condition", func(c *Config) {
			c.BuyConditions = []RuleConfig{
				{ID: "sharpe_threshold", Enabled: true, Params: strategy.Params{"threshold": 1}},
			}
		}, "buyConditions"},
		{"disabled universe condition", func(c *Config) {
			for i := range c.BuyConditions {
				c.BuyConditions[i].Enabled = false
			}
		}, "buyConditions"},
		{"unknown sell condition", func(c *Config) {
			c.SellConditions = append(c.SellConditions, RuleConfig{ID: "panic_sell", Enabled: true})
		}, "sellConditions"},
		{"missing rebalance strategy", func(c *Config) {
			c.RebalanceStrategy = RuleConfig{}
		}, "rebalanceStrategy"},
		{"unknown rebalance strategy", func(c *Config) {
			c.RebalanceStrategy = RuleConfig{ID: "martingale", Enabled: true}
		}, "rebalanceStrategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}
