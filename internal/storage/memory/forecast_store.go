package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"btc-consensus/internal/domain"
	"btc-consensus/internal/storage"
)

// ForecastStore is an in-memory implementation of storage.ForecastStore.
type ForecastStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Forecast // keyed by hour-bucket id
}

// NewForecastStore creates a new in-memory forecast store.
func NewForecastStore() *ForecastStore {
	return &ForecastStore{
		data: make(map[string]*domain.Forecast),
	}
}

var _ storage.ForecastStore = (*ForecastStore)(nil)

// Insert persists a forecast aggregate. Returns ErrDuplicateKey if the
// hour bucket already exists. The check and the write happen under one
// lock, matching the uniqueness guarantee of the postgres store.
func (s *ForecastStore) Insert(_ context.Context, f *domain.Forecast) error {
	if f == nil || f.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[f.ID]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[f.ID] = copyForecast(f)
	return nil
}

// GetByID retrieves a forecast by its hour bucket. Returns ErrNotFound if not exists.
func (s *ForecastStore) GetByID(_ context.Context, id string) (*domain.Forecast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyForecast(f), nil
}

// GetLatest retrieves the most recently created forecast.
func (s *ForecastStore) GetLatest(_ context.Context) (*domain.Forecast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Forecast
	for _, f := range s.data {
		if latest == nil || f.CreatedAt.After(latest.CreatedAt) {
			latest = f
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return copyForecast(latest), nil
}

// List retrieves forecast summaries ordered by created_at DESC.
func (s *ForecastStore) List(_ context.Context, limit, offset int) ([]*storage.ForecastSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*domain.Forecast, 0, len(s.data))
	for _, f := range s.data {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	summaries := make([]*storage.ForecastSummary, len(all))
	for i, f := range all {
		summaries[i] = &storage.ForecastSummary{
			ID:                f.ID,
			CreatedAt:         f.CreatedAt,
			ReferencePrice:    f.ReferencePrice,
			HealthGrade:       f.HealthGrade,
			ConsensusStrength: f.ConsensusStrength,
		}
	}
	return summaries, nil
}

// ListSettleable retrieves non-halted forecasts created at or after
// createdAfter, ordered by created_at ASC.
func (s *ForecastStore) ListSettleable(_ context.Context, createdAfter time.Time) ([]*domain.Forecast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Forecast
	for _, f := range s.data {
		if f.HealthGrade == domain.HealthHalted || f.CreatedAt.Before(createdAfter) {
			continue
		}
		result = append(result, copyForecast(f))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListWindows retrieves all consensus window rows.
func (s *ForecastStore) ListWindows(_ context.Context) ([]*domain.ForecastWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ForecastWindow
	for _, f := range s.data {
		for _, w := range f.Windows {
			cp := *w
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ForecastID != result[j].ForecastID {
			return result[i].ForecastID < result[j].ForecastID
		}
		return result[i].Window < result[j].Window
	})
	return result, nil
}

// copyForecast deep-copies a forecast aggregate so callers can never
// mutate stored state.
func copyForecast(f *domain.Forecast) *domain.Forecast {
	cp := *f

	if f.DivergenceSummary != nil {
		cp.DivergenceSummary = append([]string(nil), f.DivergenceSummary...)
	}
	if f.Windows != nil {
		cp.Windows = make(map[domain.Window]*domain.ForecastWindow, len(f.Windows))
		for k, w := range f.Windows {
			wc := *w
			wc.TopFactors = append([]domain.TopFactor(nil), w.TopFactors...)
			wc.Invalidation = append([]string(nil), w.Invalidation...)
			cp.Windows[k] = &wc
		}
	}
	if f.ModelOutputs != nil {
		cp.ModelOutputs = make([]*domain.ModelOutput, len(f.ModelOutputs))
		for i, o := range f.ModelOutputs {
			oc := *o
			cp.ModelOutputs[i] = &oc
		}
	}
	if f.Snapshot != nil {
		sc := *f.Snapshot
		cp.Snapshot = &sc
	}
	if f.Settlements != nil {
		cp.Settlements = make(map[domain.Window]*domain.Settlement, len(f.Settlements))
		for k, st := range f.Settlements {
			stc := *st
			cp.Settlements[k] = &stc
		}
	}
	return &cp
}
