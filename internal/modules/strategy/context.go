// Package strategy implements the rule grammar of a simulation: buy
// conditions combined into a candidate pipeline, sell conditions evaluated
// per position, and rebalance strategies gating capital deployment.
package strategy

import (
	"github.com/finpack/finpack/internal/modules/marketdata"
	"github.com/finpack/finpack/internal/modules/portfolio"
)

// Context is the read-only view a rule sees for one simulated day. The
// engine builds a fresh context per day; rules never reach outside it.
type Context struct {
	Bundle  *marketdata.Bundle
	DayIdx  int
	Date    string
	Market  string
	History *SelectionHistory

	// Positions is the live position map. Sell conditions may update the
	// streak counters stored on a position; nothing else is mutable.
	Positions map[string]*portfolio.Position
	Cash      float64
}

// topSet returns the union of each in-scope country's top n tickers for a
// metric on the given date.
func (c *Context) topSet(metric string, n int, date string) map[string]bool {
	set := make(map[string]bool)
	for _, country := range marketdata.Countries(c.Market) {
		ranking := c.Bundle.Ranking(metric, date, country)
		for i, ticker := range ranking {
			if i >= n {
				break
			}
			set[ticker] = true
		}
	}
	return set
}

// datesBack returns the last n trading dates ending at the context's day,
// oldest first. Returns nil when fewer than n dates of history exist.
func (c *Context) datesBack(n int) []string {
	if n <= 0 || c.DayIdx+1 < n {
		return nil
	}
	return c.Bundle.Dates[c.DayIdx+1-n : c.DayIdx+1]
}

// SelectionEntry records one day's buy-pipeline output.
type SelectionEntry struct {
	Date    string   `json:"date"`
	Tickers []string `json:"tickers"`
}

// SelectionHistory accumulates the pipeline output day by day. Sell
// conditions that track "not selected" streaks read it, and the final
// result exposes it for inspection.
type SelectionHistory struct {
	entries []SelectionEntry
}

func NewSelectionHistory() *SelectionHistory {
	return &SelectionHistory{}
}

func (h *SelectionHistory) Append(date string, tickers []string) {
	copied := make([]string, len(tickers))
	copy(copied, tickers)
	h.entries = append(h.entries, SelectionEntry{Date: date, Tickers: copied})
}

// Last returns the most recent entry. ok is false before the first append.
func (h *SelectionHistory) Last() (SelectionEntry, bool) {
	if len(h.entries) == 0 {
		return SelectionEntry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

func (h *SelectionHistory) Entries() []SelectionEntry {
	return h.entries
}

func (h *SelectionHistory) Len() int {
	return len(h.entries)
}
