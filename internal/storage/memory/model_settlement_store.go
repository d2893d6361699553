package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"btc-consensus/internal/domain"
	"btc-consensus/internal/storage"
)

type modelSettlementKey struct {
	forecastID string
	window     domain.Window
	model      string
}

// ModelSettlementStore is an in-memory implementation of storage.ModelSettlementStore.
type ModelSettlementStore struct {
	mu   sync.RWMutex
	data map[modelSettlementKey]*domain.ModelSettlement
}

// NewModelSettlementStore creates a new in-memory model settlement store.
func NewModelSettlementStore() *ModelSettlementStore {
	return &ModelSettlementStore{
		data: make(map[modelSettlementKey]*domain.ModelSettlement),
	}
}

var _ storage.ModelSettlementStore = (*ModelSettlementStore)(nil)

// Insert adds a model settlement. Returns ErrDuplicateKey if
// (forecast_id, window, model) already exists.
func (s *ModelSettlementStore) Insert(_ context.Context, st *domain.ModelSettlement) error {
	if st == nil || st.ForecastID == "" || st.Model == "" || !st.Window.Valid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := modelSettlementKey{forecastID: st.ForecastID, window: st.Window, model: st.Model}
	if _, exists := s.data[key]; exists {
		return storage.ErrDuplicateKey
	}

	cp := *st
	s.data[key] = &cp
	return nil
}

// Exists reports whether (forecast_id, window, model) is already settled.
func (s *ModelSettlementStore) Exists(_ context.Context, forecastID string, window domain.Window, model string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.data[modelSettlementKey{forecastID: forecastID, window: window, model: model}]
	return exists, nil
}

// ListSettledSince retrieves model settlements with settled_at >= cutoff.
func (s *ModelSettlementStore) ListSettledSince(_ context.Context, cutoff time.Time) ([]*domain.ModelSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ModelSettlement
	for _, st := range s.data {
		if !st.SettledAt.Before(cutoff) {
			cp := *st
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].SettledAt.Equal(result[j].SettledAt) {
			return result[i].SettledAt.Before(result[j].SettledAt)
		}
		if result[i].ForecastID != result[j].ForecastID {
			return result[i].ForecastID < result[j].ForecastID
		}
		if result[i].Model != result[j].Model {
			return result[i].Model < result[j].Model
		}
		return result[i].Window.Duration() < result[j].Window.Duration()
	})
	return result, nil
}
