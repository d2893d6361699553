package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-consensus/internal/domain"
	"btc-consensus/internal/storage"
)

func testModelSettlement(forecastID, model string, window domain.Window, settledAt time.Time) *domain.ModelSettlement {
	return &domain.ModelSettlement{
		ForecastID:         forecastID,
		Model:              model,
		Window:             window,
		PredictedDirection: domain.DirectionUp,
		ActualDirection:    domain.DirectionUp,
		Confidence:         70,
		IsHit:              true,
		SettledAt:          settledAt,
	}
}

func TestModelSettlementStore_InsertAndExists(t *testing.T) {
	store := NewModelSettlementStore()
	ctx := context.Background()

	settledAt := time.Date(2025, 6, 1, 13, 5, 0, 0, time.UTC)
	require.NoError(t, store.Insert(ctx, testModelSettlement("2025060112", "deepseek", domain.Window1h, settledAt)))

	exists, err := store.Exists(ctx, "2025060112", domain.Window1h, "deepseek")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Exists(ctx, "2025060112", domain.Window1h, "gemini")
	require.NoError(t, err)
	assert.False(t, exists, "key includes the model")
}

func TestModelSettlementStore_DuplicateKey(t *testing.T) {
	store := NewModelSettlementStore()
	ctx := context.Background()

	settledAt := time.Date(2025, 6, 1, 13, 5, 0, 0, time.UTC)
	require.NoError(t, store.Insert(ctx, testModelSettlement("2025060112", "deepseek", domain.Window1h, settledAt)))

	err := store.Insert(ctx, testModelSettlement("2025060112", "deepseek", domain.Window1h, settledAt))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	require.NoError(t, store.Insert(ctx, testModelSettlement("2025060112", "grok", domain.Window1h, settledAt)))
}

func TestModelSettlementStore_InsertInvalid(t *testing.T) {
	store := NewModelSettlementStore()
	ctx := context.Background()

	assert.ErrorIs(t, store.Insert(ctx, nil), storage.ErrInvalidInput)
	assert.ErrorIs(t, store.Insert(ctx, &domain.ModelSettlement{ForecastID: "x", Window: domain.Window1h}), storage.ErrInvalidInput)
}

func TestModelSettlementStore_ListSettledSince_Ordering(t *testing.T) {
	store := NewModelSettlementStore()
	ctx := context.Background()

	settledAt := time.Date(2025, 6, 1, 13, 5, 0, 0, time.UTC)
	require.NoError(t, store.Insert(ctx, testModelSettlement("2025060112", "grok", domain.Window1h, settledAt)))
	require.NoError(t, store.Insert(ctx, testModelSettlement("2025060112", "deepseek", domain.Window4h, settledAt)))
	require.NoError(t, store.Insert(ctx, testModelSettlement("2025060112", "deepseek", domain.Window1h, settledAt)))
	require.NoError(t, store.Insert(ctx, testModelSettlement("2025052012", "gemini", domain.Window1h, time.Date(2025, 5, 20, 13, 5, 0, 0, time.UTC))))

	got, err := store.ListSettledSince(ctx, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 3, "old rows fall outside the cutoff")

	assert.Equal(t, "deepseek", got[0].Model)
	assert.Equal(t, domain.Window1h, got[0].Window)
	assert.Equal(t, "deepseek", got[1].Model)
	assert.Equal(t, domain.Window4h, got[1].Window)
	assert.Equal(t, "grok", got[2].Model)
}
