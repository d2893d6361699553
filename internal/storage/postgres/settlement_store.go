package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"btc-consensus/internal/domain"
	"btc-consensus/internal/storage"
)

// SettlementStore implements storage.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *Pool
}

// NewSettlementStore creates a new SettlementStore.
func NewSettlementStore(pool *Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SettlementStore = (*SettlementStore)(nil)

// Insert adds a settlement. Returns ErrDuplicateKey if a row for
// (forecast_id, window) already exists.
func (s *SettlementStore) Insert(ctx context.Context, stl *domain.Settlement) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settlements (
			forecast_id, horizon, actual_return_pct, actual_direction,
			predicted_direction, is_hit, settled_at, start_price, end_price
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		stl.ForecastID,
		string(stl.Window),
		stl.ActualReturnPct,
		string(stl.ActualDirection),
		string(stl.PredictedDirection),
		stl.IsHit,
		stl.SettledAt,
		stl.StartPrice,
		stl.EndPrice,
	)
	if err != nil {
		if uniqueViolation(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

// Exists reports whether (forecast_id, window) is already settled.
func (s *SettlementStore) Exists(ctx context.Context, forecastID string, window domain.Window) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM settlements WHERE forecast_id = $1 AND horizon = $2
		)
	`, forecastID, string(window)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check settlement exists: %w", err)
	}
	return exists, nil
}

// GetByForecast retrieves all settlements for a forecast.
func (s *SettlementStore) GetByForecast(ctx context.Context, forecastID string) ([]*domain.Settlement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT forecast_id, horizon, actual_return_pct, actual_direction,
		       predicted_direction, is_hit, settled_at, start_price, end_price
		FROM settlements
		WHERE forecast_id = $1
		ORDER BY horizon ASC
	`, forecastID)
	if err != nil {
		return nil, fmt.Errorf("get settlements by forecast: %w", err)
	}
	defer rows.Close()

	return scanSettlements(rows)
}

// ListSettledSince retrieves settlements with settled_at >= cutoff.
func (s *SettlementStore) ListSettledSince(ctx context.Context, cutoff time.Time) ([]*domain.Settlement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT forecast_id, horizon, actual_return_pct, actual_direction,
		       predicted_direction, is_hit, settled_at, start_price, end_price
		FROM settlements
		WHERE settled_at >= $1
		ORDER BY settled_at ASC, forecast_id ASC, horizon ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list settlements since: %w", err)
	}
	defer rows.Close()

	return scanSettlements(rows)
}

func scanSettlements(rows pgx.Rows) ([]*domain.Settlement, error) {
	var settlements []*domain.Settlement
	for rows.Next() {
		var stl domain.Settlement
		var horizon, actual, predicted string

		err := rows.Scan(
			&stl.ForecastID,
			&horizon,
			&stl.ActualReturnPct,
			&actual,
			&predicted,
			&stl.IsHit,
			&stl.SettledAt,
			&stl.StartPrice,
			&stl.EndPrice,
		)
		if err != nil {
			return nil, fmt.Errorf("scan settlement row: %w", err)
		}

		stl.Window = domain.Window(horizon)
		stl.ActualDirection = domain.Direction(actual)
		stl.PredictedDirection = domain.Direction(predicted)
		settlements = append(settlements, &stl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlement rows: %w", err)
	}
	return settlements, nil
}
