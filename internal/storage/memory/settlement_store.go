package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"btc-consensus/internal/domain"
	"btc-consensus/internal/storage"
)

type settlementKey struct {
	forecastID string
	window     domain.Window
}

// SettlementStore is an in-memory implementation of storage.SettlementStore.
type SettlementStore struct {
	mu   sync.RWMutex
	data map[settlementKey]*domain.Settlement
}

// NewSettlementStore creates a new in-memory settlement store.
func NewSettlementStore() *SettlementStore {
	return &SettlementStore{
		data: make(map[settlementKey]*domain.Settlement),
	}
}

var _ storage.SettlementStore = (*SettlementStore)(nil)

// Insert adds a settlement. Returns ErrDuplicateKey if (forecast_id, window)
// already exists. Check and write share one lock so concurrent settlement
// passes cannot both insert the same key.
func (s *SettlementStore) Insert(_ context.Context, st *domain.Settlement) error {
	if st == nil || st.ForecastID == "" || !st.Window.Valid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := settlementKey{forecastID: st.ForecastID, window: st.Window}
	if _, exists := s.data[key]; exists {
		return storage.ErrDuplicateKey
	}

	cp := *st
	s.data[key] = &cp
	return nil
}

// Exists reports whether (forecast_id, window) is already settled.
func (s *SettlementStore) Exists(_ context.Context, forecastID string, window domain.Window) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.data[settlementKey{forecastID: forecastID, window: window}]
	return exists, nil
}

// GetByForecast retrieves all settlements for a forecast, ordered by window.
func (s *SettlementStore) GetByForecast(_ context.Context, forecastID string) ([]*domain.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Settlement
	for _, st := range s.data {
		if st.ForecastID == forecastID {
			cp := *st
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Window.Duration() < result[j].Window.Duration()
	})
	return result, nil
}

// ListSettledSince retrieves settlements with settled_at >= cutoff.
func (s *SettlementStore) ListSettledSince(_ context.Context, cutoff time.Time) ([]*domain.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Settlement
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
		return result[i].Window.Duration() < result[j].Window.Duration()
	})
	return result, nil
}
