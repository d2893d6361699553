package postgres

import (
	"context"
	"fmt"
	"time"

	"btc-consensus/internal/domain"
	"btc-consensus/internal/storage"
)

// ModelSettlementStore implements storage.ModelSettlementStore using PostgreSQL.
type ModelSettlementStore struct {
	pool *Pool
}

// NewModelSettlementStore creates a new ModelSettlementStore.
func NewModelSettlementStore(pool *Pool) *ModelSettlementStore {
	return &ModelSettlementStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ModelSettlementStore = (*ModelSettlementStore)(nil)

// Insert adds a model settlement. Returns ErrDuplicateKey if a row for
// (forecast_id, window, model) already exists.
func (s *ModelSettlementStore) Insert(ctx context.Context, stl *domain.ModelSettlement) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO model_settlements (
			forecast_id, model, horizon, predicted_direction,
			actual_direction, confidence, is_hit, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		stl.ForecastID,
		stl.Model,
		string(stl.Window),
		string(stl.PredictedDirection),
		string(stl.ActualDirection),
		stl.Confidence,
		stl.IsHit,
		stl.SettledAt,
	)
	if err != nil {
		if uniqueViolation(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert model settlement: %w", err)
	}
	return nil
}

// Exists reports whether (forecast_id, window, model) is already settled.
func (s *ModelSettlementStore) Exists(ctx context.Context, forecastID string, window domain.Window, model string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM model_settlements
			WHERE forecast_id = $1 AND horizon = $2 AND model = $3
		)
	`, forecastID, string(window), model).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check model settlement exists: %w", err)
	}
	return exists, nil
}

// ListSettledSince retrieves model settlements with settled_at >= cutoff.
func (s *ModelSettlementStore) ListSettledSince(ctx context.Context, cutoff time.Time) ([]*domain.ModelSettlement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT forecast_id, model, horizon, predicted_direction,
		       actual_direction, confidence, is_hit, settled_at
		FROM model_settlements
		WHERE settled_at >= $1
		ORDER BY settled_at ASC, forecast_id ASC, model ASC, horizon ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list model settlements since: %w", err)
	}
	defer rows.Close()

	var settlements []*domain.ModelSettlement
	for rows.Next() {
		var stl domain.ModelSettlement
		var horizon, predicted, actual string

		err := rows.Scan(
			&stl.ForecastID,
			&stl.Model,
			&horizon,
			&predicted,
			&actual,
			&stl.Confidence,
			&stl.IsHit,
			&stl.SettledAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan model settlement row: %w", err)
		}

		stl.Window = domain.Window(horizon)
		stl.PredictedDirection = domain.Direction(predicted)
		stl.ActualDirection = domain.Direction(actual)
		settlements = append(settlements, &stl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model settlement rows: %w", err)
	}
	return settlements, nil
}
