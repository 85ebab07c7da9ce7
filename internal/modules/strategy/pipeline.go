package strategy

import (
	"github.com/rs/zerolog"
)

// Pipeline combines enabled buy conditions into one candidate selection.
//
// The combination rule is fixed: every universe (A) condition narrows the
// set by intersection, then every momentum (B) condition does the same,
// then only the LAST enabled selector (C) runs. Selectors order and cap
// the list rather than filter it, so stacking several is meaningless; the
// earlier ones are ignored on purpose.
type Pipeline struct {
	universe []BuyCondition
	momentum []BuyCondition
	selector BuyCondition
	log      zerolog.Logger
}

func NewPipeline(conditions []BuyCondition, log zerolog.Logger) *Pipeline {
	p := &Pipeline{log: log.With().Str("component", "pipeline").Logger()}
	for _, c := range conditions {
		switch c.Category() {
		case CategoryUniverse:
			p.universe = append(p.universe, c)
		case CategoryMomentum:
			p.momentum = append(p.momentum, c)
		case CategorySelector:
			p.selector = c
		}
	}
	return p
}

// HasUniverse reports whether at least one universe condition is enabled.
// Without one the pipeline would start from the whole market every day.
func (p *Pipeline) HasUniverse() bool { return len(p.universe) > 0 }

// Select runs the pipeline for the context's day and returns the ordered
// candidate list.
func (p *Pipeline) Select(ctx *Context) []string {
	candidates := ctx.Bundle.Tickers()
	for _, c := range p.universe {
		candidates = c.Filter(candidates, ctx)
		if len(candidates) == 0 {
			return nil
		}
	}
	for _, c := range p.momentum {
		candidates = c.Filter(candidates, ctx)
		if len(candidates) == 0 {
			return nil
		}
	}
	if p.selector != nil {
		candidates = p.selector.Filter(candidates, ctx)
	}
	p.log.Debug().Str("date", ctx.Date).Int("candidates", len(candidates)).Msg("pipeline run")
	return candidates
}
