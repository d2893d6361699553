package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"btc-consensus/internal/domain"
	"btc-consensus/internal/storage"
)

// uniqueViolation reports a unique-constraint violation (23505). The
// hour-bucket PK and the per-window uniques surface this way, and the
// stores map it to storage.ErrDuplicateKey.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// ForecastStore implements storage.ForecastStore using PostgreSQL. The
// forecast aggregate spans four tables (forecasts, forecast_windows,
// model_outputs, market_snapshots); Insert writes them in one
// transaction so a crash mid-cycle never leaves a partial forecast.
type ForecastStore struct {
	pool *Pool
}

// NewForecastStore creates a new ForecastStore.
func NewForecastStore(pool *Pool) *ForecastStore {
	return &ForecastStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ForecastStore = (*ForecastStore)(nil)

// Insert persists a forecast aggregate atomically.
// Returns ErrDuplicateKey if the hour bucket already exists.
func (s *ForecastStore) Insert(ctx context.Context, f *domain.Forecast) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin forecast insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO forecasts (
			id, created_at, reference_price, health_grade, health_reason,
			consensus_strength, divergence_summary
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		f.ID,
		f.CreatedAt,
		f.ReferencePrice,
		string(f.HealthGrade),
		f.HealthReason,
		f.ConsensusStrength,
		stringsOrEmpty(f.DivergenceSummary),
	)
	if err != nil {
		if uniqueViolation(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert forecast: %w", err)
	}

	for _, w := range f.Windows {
		_, err = tx.Exec(ctx, `
			INSERT INTO forecast_windows (
				forecast_id, horizon, prob_up, prob_down, prob_flat,
				prob_move_1pct, prob_move_2pct, expected_range_pct,
				confidence, main_conclusion, top_factors, invalidation
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			f.ID,
			string(w.Window),
			w.ProbUp,
			w.ProbDown,
			w.ProbFlat,
			w.ProbMove1Pct,
			w.ProbMove2Pct,
			w.ExpectedRangePct,
			w.Confidence,
			w.MainConclusion,
			factorsOrEmpty(w.TopFactors),
			stringsOrEmpty(w.Invalidation),
		)
		if err != nil {
			return fmt.Errorf("insert forecast window %s: %w", w.Window, err)
		}
	}

	for _, o := range f.ModelOutputs {
		_, err = tx.Exec(ctx, `
			INSERT INTO model_outputs (
				forecast_id, model, horizon, prob_up, prob_down, prob_flat,
				confidence, reasoning, raw
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			f.ID,
			o.Model,
			string(o.Window),
			o.ProbUp,
			o.ProbDown,
			o.ProbFlat,
			o.Confidence,
			o.Reasoning,
			o.Raw,
		)
		if err != nil {
			return fmt.Errorf("insert model output %s/%s: %w", o.Model, o.Window, err)
		}
	}

	if f.Snapshot != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO market_snapshots (
				forecast_id, price, price_change_1h_pct, price_change_24h_pct,
				volume_24h, funding_rate, open_interest, order_book_imbalance,
				realized_vol_24h, snapshot_time
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			f.ID,
			f.Snapshot.Price,
			f.Snapshot.PriceChange1hPct,
			f.Snapshot.PriceChange24hPct,
			f.Snapshot.Volume24h,
			f.Snapshot.FundingRate,
			f.Snapshot.OpenInterest,
			f.Snapshot.OrderBookImbalance,
			f.Snapshot.RealizedVol24h,
			f.Snapshot.SnapshotTime,
		)
		if err != nil {
			return fmt.Errorf("insert market snapshot: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit forecast insert: %w", err)
	}
	return nil
}

// GetByID retrieves a forecast with windows, model outputs and snapshot
// attached. Returns ErrNotFound if not exists.
func (s *ForecastStore) GetByID(ctx context.Context, id string) (*domain.Forecast, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, created_at, reference_price, health_grade, health_reason,
		       consensus_strength, divergence_summary
		FROM forecasts
		WHERE id = $1
	`, id)

	f, err := scanForecast(row)
	if err != nil {
		if noRows(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get forecast by id: %w", err)
	}

	if err := s.attach(ctx, []*domain.Forecast{f}); err != nil {
		return nil, err
	}
	if err := s.attachSnapshot(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// GetLatest retrieves the most recently created forecast.
// Returns ErrNotFound if the store is empty.
func (s *ForecastStore) GetLatest(ctx context.Context) (*domain.Forecast, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM forecasts ORDER BY created_at DESC, id DESC LIMIT 1
	`).Scan(&id)
	if err != nil {
		if noRows(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get latest forecast: %w", err)
	}
	return s.GetByID(ctx, id)
}

// List retrieves forecast summaries ordered by created_at DESC.
func (s *ForecastStore) List(ctx context.Context, limit, offset int) ([]*storage.ForecastSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, reference_price, health_grade, consensus_strength
		FROM forecasts
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list forecasts: %w", err)
	}
	defer rows.Close()

	var summaries []*storage.ForecastSummary
	for rows.Next() {
		var sm storage.ForecastSummary
		var grade string
		if err := rows.Scan(&sm.ID, &sm.CreatedAt, &sm.ReferencePrice, &grade, &sm.ConsensusStrength); err != nil {
			return nil, fmt.Errorf("scan forecast summary: %w", err)
		}
		sm.HealthGrade = domain.HealthGrade(grade)
		summaries = append(summaries, &sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forecast summaries: %w", err)
	}
	return summaries, nil
}

// ListSettleable retrieves non-halted forecasts created at or after
// createdAfter, with windows and model outputs attached, ordered by
// created_at ASC.
func (s *ForecastStore) ListSettleable(ctx context.Context, createdAfter time.Time) ([]*domain.Forecast, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, reference_price, health_grade, health_reason,
		       consensus_strength, divergence_summary
		FROM forecasts
		WHERE health_grade <> $1 AND created_at >= $2
		ORDER BY created_at ASC, id ASC
	`, string(domain.HealthHalted), createdAfter)
	if err != nil {
		return nil, fmt.Errorf("list settleable forecasts: %w", err)
	}
	defer rows.Close()

	var forecasts []*domain.Forecast
	for rows.Next() {
		f, err := scanForecast(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settleable forecast: %w", err)
		}
		forecasts = append(forecasts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settleable forecasts: %w", err)
	}

	if err := s.attach(ctx, forecasts); err != nil {
		return nil, err
	}
	return forecasts, nil
}

// ListWindows retrieves all consensus window rows.
func (s *ForecastStore) ListWindows(ctx context.Context) ([]*domain.ForecastWindow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT forecast_id, horizon, prob_up, prob_down, prob_flat,
		       prob_move_1pct, prob_move_2pct, expected_range_pct,
		       confidence, main_conclusion, top_factors, invalidation
		FROM forecast_windows
		ORDER BY forecast_id ASC, horizon ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list forecast windows: %w", err)
	}
	defer rows.Close()

	return scanWindows(rows)
}

// attach loads windows and model outputs for the given forecasts in two
// batched queries.
func (s *ForecastStore) attach(ctx context.Context, forecasts []*domain.Forecast) error {
	if len(forecasts) == 0 {
		return nil
	}

	ids := make([]string, len(forecasts))
	byID := make(map[string]*domain.Forecast, len(forecasts))
	for i, f := range forecasts {
		ids[i] = f.ID
		byID[f.ID] = f
	}

	rows, err := s.pool.Query(ctx, `
		SELECT forecast_id, horizon, prob_up, prob_down, prob_flat,
		       prob_move_1pct, prob_move_2pct, expected_range_pct,
		       confidence, main_conclusion, top_factors, invalidation
		FROM forecast_windows
		WHERE forecast_id = ANY($1)
		ORDER BY forecast_id ASC, horizon ASC
	`, ids)
	if err != nil {
		return fmt.Errorf("load forecast windows: %w", err)
	}
	windows, err := scanWindows(rows)
	if err != nil {
		return err
	}
	for _, w := range windows {
		f := byID[w.ForecastID]
		if f.Windows == nil {
			f.Windows = make(map[domain.Window]*domain.ForecastWindow, len(domain.Windows()))
		}
		f.Windows[w.Window] = w
	}

	outRows, err := s.pool.Query(ctx, `
		SELECT forecast_id, model, horizon, prob_up, prob_down, prob_flat,
		       confidence, reasoning, raw
		FROM model_outputs
		WHERE forecast_id = ANY($1)
		ORDER BY forecast_id ASC, model ASC, horizon ASC
	`, ids)
	if err != nil {
		return fmt.Errorf("load model outputs: %w", err)
	}
	defer outRows.Close()

	for outRows.Next() {
		var o domain.ModelOutput
		var horizon string
		err := outRows.Scan(
			&o.ForecastID,
			&o.Model,
			&horizon,
			&o.ProbUp,
			&o.ProbDown,
			&o.ProbFlat,
			&o.Confidence,
			&o.Reasoning,
			&o.Raw,
		)
		if err != nil {
			return fmt.Errorf("scan model output: %w", err)
		}
		o.Window = domain.Window(horizon)
		byID[o.ForecastID].ModelOutputs = append(byID[o.ForecastID].ModelOutputs, &o)
	}
	if err := outRows.Err(); err != nil {
		return fmt.Errorf("iterate model outputs: %w", err)
	}
	return nil
}

func (s *ForecastStore) attachSnapshot(ctx context.Context, f *domain.Forecast) error {
	row := s.pool.QueryRow(ctx, `
		SELECT forecast_id, price, price_change_1h_pct, price_change_24h_pct,
		       volume_24h, funding_rate, open_interest, order_book_imbalance,
		       realized_vol_24h, snapshot_time
		FROM market_snapshots
		WHERE forecast_id = $1
	`, f.ID)

	var snap domain.MarketSnapshot
	err := row.Scan(
		&snap.ForecastID,
		&snap.Price,
		&snap.PriceChange1hPct,
		&snap.PriceChange24hPct,
		&snap.Volume24h,
		&snap.FundingRate,
		&snap.OpenInterest,
		&snap.OrderBookImbalance,
		&snap.RealizedVol24h,
		&snap.SnapshotTime,
	)
	if err != nil {
		// Halted forecasts are stored without a snapshot.
		if noRows(err) {
			return nil
		}
		return fmt.Errorf("load market snapshot: %w", err)
	}
	f.Snapshot = &snap
	return nil
}

func scanForecast(row pgx.Row) (*domain.Forecast, error) {
	var f domain.Forecast
	var grade string

	err := row.Scan(
		&f.ID,
		&f.CreatedAt,
		&f.ReferencePrice,
		&grade,
		&f.HealthReason,
		&f.ConsensusStrength,
		&f.DivergenceSummary,
	)
	if err != nil {
		return nil, err
	}

	f.HealthGrade = domain.HealthGrade(grade)
	if f.DivergenceSummary == nil {
		f.DivergenceSummary = []string{}
	}
	return &f, nil
}

func scanWindows(rows pgx.Rows) ([]*domain.ForecastWindow, error) {
	defer rows.Close()

	var windows []*domain.ForecastWindow
	for rows.Next() {
		var w domain.ForecastWindow
		var horizon string

		err := rows.Scan(
			&w.ForecastID,
			&horizon,
			&w.ProbUp,
			&w.ProbDown,
			&w.ProbFlat,
			&w.ProbMove1Pct,
			&w.ProbMove2Pct,
			&w.ExpectedRangePct,
			&w.Confidence,
			&w.MainConclusion,
			&w.TopFactors,
			&w.Invalidation,
		)
		if err != nil {
			return nil, fmt.Errorf("scan forecast window: %w", err)
		}

		w.Window = domain.Window(horizon)
		windows = append(windows, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forecast windows: %w", err)
	}
	return windows, nil
}

// JSONB columns default to '[]'; nil slices would round-trip as SQL
// NULL, so empty values are pinned to empty slices on the way in.

func stringsOrEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func factorsOrEmpty(v []domain.TopFactor) []domain.TopFactor {
	if v == nil {
		return []domain.TopFactor{}
	}
	return v
}
