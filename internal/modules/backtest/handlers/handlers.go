// Package handlers provides the HTTP API for running backtests and
// browsing stored results.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/finpack/finpack/internal/modules/backtest"
	"github.com/finpack/finpack/internal/modules/results"
)

// ResultStore persists completed runs.
type ResultStore interface {
	Save(*backtest.Result) error
	Get(id string) (*backtest.Result, error)
	List(limit int) ([]results.Summary, error)
	Delete(id string) error
}

// BacktestHandlers contains the HTTP handlers for the backtest API.
type BacktestHandlers struct {
	engine   *backtest.Engine
	store    ResultStore
	progress *ProgressBroker
	log      zerolog.Logger
}

func NewBacktestHandlers(engine *backtest.Engine, store ResultStore, progress *ProgressBroker, log zerolog.Logger) *BacktestHandlers {
	return &BacktestHandlers{
		engine:   engine,
		store:    store,
		progress: progress,
		log:      log.With().Str("handler", "backtest").Logger(),
	}
}

// HandleRun executes a backtest synchronously and returns the full result.
// POST /api/backtest/run
func (h *BacktestHandlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	// Decoding over the defaults lets a request override only the fields
	// it cares about.
	cfg := backtest.DefaultConfig()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.engine.Run(cfg, func(day, total int) {
		h.progress.Publish(ProgressEvent{Day: day, Total: total})
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, backtest.ErrRunInProgress) {
			status = http.StatusConflict
		}
		h.writeError(w, status, err.Error())
		return
	}

	if result.Success {
		if err := h.store.Save(result); err != nil {
			h.log.Error().Err(err).Str("run", result.ID).Msg("failed to persist result")
		}
	}
	h.progress.Publish(ProgressEvent{Day: -1, Total: -1, RunID: result.ID, Done: true})

	h.writeJSON(w, http.StatusOK, result)
}

// HandleOptions returns the rule catalog and request defaults.
// GET /api/backtest/options
func (h *BacktestHandlers) HandleOptions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"defaults":            backtest.DefaultConfig(),
		"markets":             []string{"us", "tw", "global"},
		"rebalanceFrequency":  []string{backtest.FrequencyDaily, backtest.FrequencyWeekly, backtest.FrequencyMonthly},
		"buyConditions":       buyConditionCatalog,
		"sellConditions":      sellConditionCatalog,
		"rebalanceStrategies": rebalanceStrategyCatalog,
	})
}

// HandleListResults returns stored run summaries.
// GET /api/backtest/results
func (h *BacktestHandlers) HandleListResults(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if param := r.URL.Query().Get("limit"); param != "" {
		if parsed, err := strconv.Atoi(param); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	list, err := h.store.List(limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []results.Summary{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

// HandleGetResult returns one stored run in full.
// GET /api/backtest/results/{id}
func (h *BacktestHandlers) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.store.Get(id)
	if errors.Is(err, results.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "result not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleDeleteResult removes one stored run.
// DELETE /api/backtest/results/{id}
func (h *BacktestHandlers) HandleDeleteResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.store.Delete(id)
	if errors.Is(err, results.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "result not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// HandleStatus reports whether a run is in flight.
// GET /api/backtest/status
func (h *BacktestHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]bool{"running": h.engine.Running()})
}

func (h *BacktestHandlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *BacktestHandlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

type ruleOption struct {
	ID       string             `json:"id"`
	Category string             `json:"category,omitempty"`
	Params   map[string]float64 `json:"params"`
}

var buyConditionCatalog = []ruleOption{
	{ID: "sharpe_rank", Category: "A", Params: map[string]float64{"top_n": 20}},
	{ID: "growth_rank", Category: "A", Params: map[string]float64{"top_n": 20}},
	{ID: "sharpe_threshold", Category: "B", Params: map[string]float64{"threshold": 1.0}},
	{ID: "sharpe_streak", Category: "B", Params: map[string]float64{"days": 3, "top_n": 20}},
	{ID: "growth_streak", Category: "B", Params: map[string]float64{"days": 3, "percentile": 0.2}},
	{ID: "ma_filter", Category: "B", Params: map[string]float64{"window": 20}},
	{ID: "sort_sharpe", Category: "C", Params: map[string]float64{"top_n": 5}},
	{ID: "sort_industry", Category: "C", Params: map[string]float64{"top_n": 5}},
}

var sellConditionCatalog = []ruleOption{
	{ID: "sharpe_fail", Params: map[string]float64{"rank_n": 30, "periods": 3}},
	{ID: "growth_fail", Params: map[string]float64{"days": 5, "threshold": 0}},
	{ID: "not_selected", Params: map[string]float64{"periods": 5}},
	{ID: "drawdown", Params: map[string]float64{"threshold": 0.15, "from_highest": 1}},
	{ID: "weakness", Params: map[string]float64{"rank_n": 30, "periods": 3}},
}

var rebalanceStrategyCatalog = []ruleOption{
	{ID: "immediate", Params: map[string]float64{}},
	{ID: "batch", Params: map[string]float64{"cash_fraction": 0.5}},
	{ID: "delayed", Params: map[string]float64{"top_n": 10, "threshold": 1.0}},
	{ID: "concentrated", Params: map[string]float64{"top_k": 5, "margin": 1.5}},
	{ID: "none", Params: map[string]float64{}},
}
