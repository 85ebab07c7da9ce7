// Package main is the entry point for the FinPack backtest service. It
// loads the precomputed market data bundle, exposes the backtest API over
// HTTP and, when enabled, schedules the nightly run.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/finpack/finpack/internal/config"
	"github.com/finpack/finpack/internal/database"
	"github.com/finpack/finpack/internal/modules/backtest"
	backtesthandlers "github.com/finpack/finpack/internal/modules/backtest/handlers"
	"github.com/finpack/finpack/internal/modules/marketdata"
	"github.com/finpack/finpack/internal/modules/results"
	"github.com/finpack/finpack/internal/scheduler"
	"github.com/finpack/finpack/internal/server"
	"github.com/finpack/finpack/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Str("dataDir", cfg.DataDir).Msg("starting finpack")

	// Market data: the precomputed price/ranking bundle produced by the
	// upstream ranking service.
	marketDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "market.db"),
		Profile: database.ProfileMarket,
		Name:    "market",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open market database")
	}
	defer marketDB.Close()

	marketRepo := marketdata.NewRepository(marketDB.Conn(), log)
	if err := marketRepo.InitSchema(); err != nil {
		log.Fatal().Err(err).Msg("failed to init market schema")
	}
	bundle, err := marketRepo.LoadBundle()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load market data bundle")
	}
	log.Info().
		Int("tickers", len(bundle.Tickers())).
		Int("dates", len(bundle.Dates)).
		Msg("market data bundle loaded")

	// Results archive.
	resultsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "results.db"),
		Profile: database.ProfileResults,
		Name:    "results",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open results database")
	}
	defer resultsDB.Close()

	resultRepo := results.NewRepository(resultsDB.Conn(), log)
	if err := resultRepo.InitSchema(); err != nil {
		log.Fatal().Err(err).Msg("failed to init results schema")
	}

	engine := backtest.NewEngine(bundle, log)
	progress := backtesthandlers.NewProgressBroker(log)
	handlers := backtesthandlers.NewBacktestHandlers(engine, resultRepo, progress, log)

	srv := server.New(server.Config{
		Log:      log,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
		Backtest: handlers,
	})

	var sched *scheduler.Scheduler
	if cfg.ScheduleEnabled {
		sched = scheduler.New(engine, resultRepo, backtest.DefaultConfig(), cfg.ResultsKeep, log)
		if err := sched.Start(cfg.ScheduleSpec); err != nil {
			log.Fatal().Err(err).Str("spec", cfg.ScheduleSpec).Msg("failed to start scheduler")
		}
	}

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	if sched != nil {
		sched.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("stopped")
}
