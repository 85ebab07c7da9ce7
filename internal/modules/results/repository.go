// Package results persists completed backtest runs so they can be listed
// and replayed after a restart. Summary columns are queryable; the full
// result is stored as a msgpack payload.
package results

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/finpack/finpack/internal/modules/backtest"
)

// ErrNotFound is returned when no stored run matches the requested id.
var ErrNotFound = errors.New("result not found")

// Summary is the listing row for one stored run.
type Summary struct {
	ID          string  `json:"id"`
	CreatedAt   string  `json:"createdAt"`
	Market      string  `json:"market"`
	StartDate   string  `json:"startDate"`
	EndDate     string  `json:"endDate"`
	Success     bool    `json:"success"`
	TotalReturn float64 `json:"totalReturn"`
}

type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "results").Logger(),
	}
}

// Schema returns the DDL for the results store.
func Schema() string {
	return `
	CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		created_at   TEXT NOT NULL DEFAULT (datetime('now')),
		market       TEXT NOT NULL,
		start_date   TEXT NOT NULL,
		end_date     TEXT NOT NULL,
		success      INTEGER NOT NULL,
		total_return REAL NOT NULL,
		config_json  TEXT NOT NULL,
		payload      BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
	`
}

func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(Schema()); err != nil {
		return fmt.Errorf("init results schema: %w", err)
	}
	return nil
}

// Save stores one completed run keyed by its id.
func (r *Repository) Save(res *backtest.Result) error {
	payload, err := msgpack.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", res.ID, err)
	}
	configJSON, err := json.Marshal(res.Config)
	if err != nil {
		return fmt.Errorf("encode config %s: %w", res.ID, err)
	}

	totalReturn := 0.0
	if res.Metrics != nil {
		totalReturn = res.Metrics.TotalReturn
	}

	_, err = r.db.Exec(`
		INSERT INTO runs (id, market, start_date, end_date, success, total_return, config_json, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID,
		res.Config.Market,
		res.DateRange.ActualStart,
		res.DateRange.ActualEnd,
		res.Success,
		totalReturn,
		string(configJSON),
		payload,
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", res.ID, err)
	}
	r.log.Debug().Str("run", res.ID).Int("bytes", len(payload)).Msg("result saved")
	return nil
}

// Get loads one stored run by id.
func (r *Repository) Get(id string) (*backtest.Result, error) {
	var payload []byte
	err := r.db.QueryRow(`SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load result %s: %w", id, err)
	}

	var res backtest.Result
	if err := msgpack.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", id, err)
	}
	return &res, nil
}

// List returns run summaries, newest first.
func (r *Repository) List(limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, created_at, market, start_date, end_date, success, total_return
		FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.CreatedAt, &s.Market, &s.StartDate, &s.EndDate, &s.Success, &s.TotalReturn); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes one stored run.
func (r *Repository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete result %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune keeps the newest n runs and deletes the rest, returning the count
// removed. Scheduled runs accumulate nightly, so the store is bounded.
func (r *Repository) Prune(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := r.db.Exec(`
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY created_at DESC, id LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info().Int64("removed", n).Int("kept", keep).Msg("pruned stored results")
	}
	return int(n), nil
}
