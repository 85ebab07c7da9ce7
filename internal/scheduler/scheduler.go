// Package scheduler runs the nightly backtest job: once fresh rankings are
// loaded it replays the default strategy over the trailing year and stores
// the result, so the morning review always has a current run to look at.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/finpack/finpack/internal/modules/backtest"
)

// BacktestRunner executes one backtest run.
type BacktestRunner interface {
	Run(cfg backtest.Config, onProgress backtest.ProgressFunc) (*backtest.Result, error)
}

// ResultStore persists completed runs and bounds their number.
type ResultStore interface {
	Save(*backtest.Result) error
	Prune(keep int) (int, error)
}

// Scheduler owns the cron loop for the nightly run.
type Scheduler struct {
	cron   *cron.Cron
	runner BacktestRunner
	store  ResultStore
	base   backtest.Config
	keep   int
	log    zerolog.Logger

	now func() time.Time
}

func New(runner BacktestRunner, store ResultStore, base backtest.Config, keep int, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		runner: runner,
		store:  store,
		base:   base,
		keep:   keep,
		log:    log.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}
}

// Start registers the nightly job under the given cron spec and starts the
// loop.
func (s *Scheduler) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.RunNightly); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Str("spec", spec).Msg("nightly backtest scheduled")
	return nil
}

// Stop halts the cron loop. Running jobs finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info().Msg("scheduler stopped")
}

// RunNightly executes the base strategy over the trailing year, stores the
// result and prunes old runs. A run already in flight is skipped, not
// queued.
func (s *Scheduler) RunNightly() {
	cfg := s.base
	end := s.now()
	cfg.EndDate = end.Format("2006-01-02")
	cfg.StartDate = end.AddDate(-1, 0, 0).Format("2006-01-02")

	result, err := s.runner.Run(cfg, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("nightly run not started")
		return
	}
	if !result.Success {
		s.log.Error().Str("run", result.ID).Str("reason", result.Error).Msg("nightly run failed")
		return
	}

	if err := s.store.Save(result); err != nil {
		s.log.Error().Err(err).Str("run", result.ID).Msg("failed to store nightly result")
		return
	}
	if _, err := s.store.Prune(s.keep); err != nil {
		s.log.Warn().Err(err).Msg("prune failed")
	}

	s.log.Info().
		Str("run", result.ID).
		Float64("totalReturn", result.Metrics.TotalReturn).
		Msg("nightly run stored")
}
