package storage

import (
	"context"
	"time"

	"btc-consensus/internal/domain"
)

// ForecastSummary is the lightweight listing row for forecast history.
type ForecastSummary struct {
	ID                string             `json:"id"`
	CreatedAt         time.Time          `json:"created_at"`
	ReferencePrice    float64            `json:"reference_price"`
	HealthGrade       domain.HealthGrade `json:"data_health_grade"`
	ConsensusStrength int                `json:"consensus_strength"`
}

// ForecastStore provides access to forecast storage: the top-level record
// plus its consensus windows, per-model outputs and market snapshot.
type ForecastStore interface {
	// Insert persists a forecast aggregate atomically.
	// Returns ErrDuplicateKey if the hour bucket already exists.
	Insert(ctx context.Context, f *domain.Forecast) error

	// GetByID retrieves a forecast with windows, model outputs and snapshot
	// attached. Settlements are kept in their own store and joined by the
	// caller. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Forecast, error)

	// GetLatest retrieves the most recently created forecast.
	// Returns ErrNotFound if the store is empty.
	GetLatest(ctx context.Context) (*domain.Forecast, error)

	// List retrieves forecast summaries ordered by created_at DESC.
	List(ctx context.Context, limit, offset int) ([]*ForecastSummary, error)

	// ListSettleable retrieves non-halted forecasts created at or after
	// createdAfter, with windows and model outputs attached, ordered by
	// created_at ASC. The settlement engine checks per-window settlement
	// existence itself; the cutoff bounds the scan to windows that can
	// still be pending.
	ListSettleable(ctx context.Context, createdAfter time.Time) ([]*domain.Forecast, error)

	// ListWindows retrieves all consensus window rows. Used by accuracy
	// rollups to join stored confidence onto settlements.
	ListWindows(ctx context.Context) ([]*domain.ForecastWindow, error)
}

// SettlementStore provides access to consensus settlement storage.
type SettlementStore interface {
	// Insert adds a settlement. Returns ErrDuplicateKey if a row for
	// (forecast_id, window) already exists.
	Insert(ctx context.Context, s *domain.Settlement) error

	// Exists reports whether (forecast_id, window) is already settled.
	Exists(ctx context.Context, forecastID string, window domain.Window) (bool, error)

	// GetByForecast retrieves all settlements for a forecast.
	GetByForecast(ctx context.Context, forecastID string) ([]*domain.Settlement, error)

	// ListSettledSince retrieves settlements with settled_at >= cutoff.
	ListSettledSince(ctx context.Context, cutoff time.Time) ([]*domain.Settlement, error)
}

// ModelSettlementStore provides access to per-model settlement storage.
type ModelSettlementStore interface {
	// Insert adds a model settlement. Returns ErrDuplicateKey if a row for
	// (forecast_id, window, model) already exists.
	Insert(ctx context.Context, s *domain.ModelSettlement) error

	// Exists reports whether (forecast_id, window, model) is already settled.
	Exists(ctx context.Context, forecastID string, window domain.Window, model string) (bool, error)

	// ListSettledSince retrieves model settlements with settled_at >= cutoff.
	ListSettledSince(ctx context.Context, cutoff time.Time) ([]*domain.ModelSettlement, error)
}
