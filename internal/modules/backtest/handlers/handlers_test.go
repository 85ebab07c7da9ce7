package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpack/finpack/internal/modules/backtest"
	"github.com/finpack/finpack/internal/modules/marketdata"
	"github.com/finpack/finpack/internal/modules/results"
	"github.com/finpack/finpack/internal/modules/strategy"
	testhelpers "github.com/finpack/finpack/internal/testing"
)

var testDates = []string{"2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"}

func newTestRouter(t *testing.T) (*chi.Mux, *BacktestHandlers) {
	t.Helper()
	log := zerolog.Nop()

	bundle := testhelpers.Bundle(testDates, map[string]testhelpers.FixtureTicker{
		"AAPL": {Prices: []float64{150}, Sharpe: []float64{2.5}},
		"MSFT": {Prices: []float64{380}, Sharpe: []float64{2.0}},
		"META": {Prices: []float64{350}, Sharpe: []float64{0.5}},
	})
	engine := backtest.NewEngine(bundle, log)

	db, cleanup := testhelpers.NewTestDB(t, "results")
	t.Cleanup(cleanup)
	repo := results.NewRepository(db.Conn(), log)
	require.NoError(t, repo.InitSchema())

	h := NewBacktestHandlers(engine, repo, NewProgressBroker(log), log)
	r := chi.NewRouter()
	r.Route("/api", h.RegisterRoutes)
	return r, h
}

func runRequest(cfg map[string]interface{}) *http.Request {
	body, _ := json.Marshal(cfg)
	req := httptest.NewRequest(http.MethodPost, "/api/backtest/run", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func validRunConfig() map[string]interface{} {
	return map[string]interface{}{
		"initialCapital":     1_000_000,
		"tradeAmount":        320_000,
		"maxPositions":       2,
		"market":             marketdata.MarketUS,
		"startDate":          testDates[0],
		"endDate":            testDates[len(testDates)-1],
		"rebalanceFrequency": backtest.FrequencyDaily,
		"rebalanceStrategy":  backtest.RuleConfig{ID: "immediate", Enabled: true},
		"buyConditions": []backtest.RuleConfig{
			{ID: "sharpe_rank", Enabled: true, Params: strategy.Params{"top_n": 2}},
		},
		"sellConditions": []backtest.RuleConfig{},
	}
}

func TestHandleRunPersistsResult(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, runRequest(validRunConfig()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result backtest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.ID)
	assert.Len(t, result.Trades, 2)

	// The run is now retrievable through the results API.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/backtest/results/"+result.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stored backtest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, result.ID, stored.ID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/backtest/results/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var list []results.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, result.ID, list[0].ID)
}

func TestHandleRunRejectsInvalidConfig(t *testing.T) {
	router, _ := newTestRouter(t)

	cfg := validRunConfig()
	cfg["initialCapital"] = -1

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, runRequest(cfg))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "initialCapital")
}

func TestHandleGetResultNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/backtest/results/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDeleteResult(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, runRequest(validRunConfig()))
	require.Equal(t, http.StatusOK, rec.Code)

	var result backtest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/backtest/results/"+result.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/backtest/results/"+result.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleOptions(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/backtest/options", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var opts map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opts))
	assert.Contains(t, opts, "buyConditions")
	assert.Contains(t, opts, "sellConditions")
	assert.Contains(t, opts, "rebalanceStrategies")
	assert.Contains(t, opts, "defaults")
}

func TestHandleStatusIdle(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/backtest/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":false}`, rec.Body.String())
}

func TestProgressBrokerFanOut(t *testing.T) {
	b := NewProgressBroker(zerolog.Nop())

	ch := b.subscribe()
	defer b.unsubscribe(ch)

	b.Publish(ProgressEvent{Day: 3, Total: 10})
	got := <-ch
	assert.Equal(t, 3, got.Day)
	assert.Equal(t, 10, got.Total)
}

func TestProgressBrokerDropsWhenFull(t *testing.T) {
	b := NewProgressBroker(zerolog.Nop())

	ch := b.subscribe()
	defer b.unsubscribe(ch)

	// Far more events than the subscriber buffer holds; Publish must not
	// block.
	for i := 0; i < 1000; i++ {
		b.Publish(ProgressEvent{Day: i, Total: 1000})
	}
	assert.Equal(t, cap(ch), len(ch))
}
