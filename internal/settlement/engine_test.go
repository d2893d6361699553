package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-consensus/internal/domain"
	"btc-consensus/internal/storage/memory"
)

type stubPrices struct {
	price float64
	err   error
	calls int
}

func (s *stubPrices) PriceAt(_ context.Context, _ time.Time) (float64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.price, nil
}

type fixture struct {
	forecasts        *memory.ForecastStore
	settlements      *memory.SettlementStore
	modelSettlements *memory.ModelSettlementStore
	prices           *stubPrices
	engine           *Engine
	now              time.Time
}

func newFixture(t *testing.T, endPrice float64) *fixture {
	t.Helper()
	f := &fixture{
		forecasts:        memory.NewForecastStore(),
		settlements:      memory.NewSettlementStore(),
		modelSettlements: memory.NewModelSettlementStore(),
		prices:           &stubPrices{price: endPrice},
		now:              time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC),
	}
	f.engine = NewEngine(f.forecasts, f.settlements, f.modelSettlements, f.prices, zerolog.Nop()).
		WithClock(func() time.Time { return f.now })
	return f
}

// storedForecast persists a forecast created at the given time with a
// bullish consensus call in every window and one bullish model output.
func (f *fixture) storedForecast(t *testing.T, createdAt time.Time, refPrice float64) *domain.Forecast {
	t.Helper()
	fc := &domain.Forecast{
		ID:             domain.ForecastIDAt(createdAt),
		CreatedAt:      createdAt,
		ReferencePrice: refPrice,
		HealthGrade:    domain.HealthNormal,
		Windows:        make(map[domain.Window]*domain.ForecastWindow),
	}
	for _, w := range domain.Windows() {
		fc.Windows[w] = &domain.ForecastWindow{
			ForecastID: fc.ID,
			Window:     w,
			AggregatedWindow: domain.AggregatedWindow{
				ProbUp: 0.7, ProbDown: 0.1, ProbFlat: 0.2, Confidence: 70,
			},
		}
		fc.ModelOutputs = append(fc.ModelOutputs, &domain.ModelOutput{
			ForecastID: fc.ID,
			Model:      "deepseek",
			Window:     w,
			ProbUp:     0.8, ProbDown: 0.1, ProbFlat: 0.1,
			Confidence: 80,
		})
	}
	require.NoError(t, f.forecasts.Insert(context.Background(), fc))
	return fc
}

func TestSettleDue_OnlyExpiredWindows(t *testing.T) {
	f := newFixture(t, 101_000)
	// Created 2h ago: the 1h window expired, 4h and 24h have not.
	f.storedForecast(t, f.now.Add(-2*time.Hour), 100_000)

	stats, err := f.engine.SettleDue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.WindowsSettled)
	assert.Equal(t, 1, stats.ModelsSettled)
	assert.Equal(t, 2, stats.Skipped)

	exists, err := f.settlements.Exists(context.Background(), domain.ForecastIDAt(f.now.Add(-2*time.Hour)), domain.Window1h)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSettleDue_HitAndDirections(t *testing.T) {
	// +1% realized: above the flat band, actual=up, consensus predicted up.
	f := newFixture(t, 101_000)
	fc := f.storedForecast(t, f.now.Add(-2*time.Hour), 100_000)

	_, err := f.engine.SettleDue(context.Background())
	require.NoError(t, err)

	settled, err := f.settlements.GetByForecast(context.Background(), fc.ID)
	require.NoError(t, err)
	require.Len(t, settled, 1)

	s := settled[0]
	assert.Equal(t, domain.Window1h, s.Window)
	assert.InDelta(t, 1.0, s.ActualReturnPct, 1e-9)
	assert.Equal(t, domain.DirectionUp, s.ActualDirection)
	assert.Equal(t, domain.DirectionUp, s.PredictedDirection)
	assert.True(t, s.IsHit)
	assert.Equal(t, 100_000.0, s.StartPrice)
	assert.Equal(t, 101_000.0, s.EndPrice)
	assert.Equal(t, f.now, s.SettledAt)
}

func TestSettleDue_FlatBandMakesDirectionalCallMiss(t *testing.T) {
	// +0.3% realized is inside the ±0.5% flat band: actual=flat,
	// predicted=up, so the directional call misses.
	f := newFixture(t, 100_300)
	fc := f.storedForecast(t, f.now.Add(-2*time.Hour), 100_000)

	_, err := f.engine.SettleDue(context.Background())
	require.NoError(t, err)

	settled, err := f.settlements.GetByForecast(context.Background(), fc.ID)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, domain.DirectionFlat, settled[0].ActualDirection)
	assert.False(t, settled[0].IsHit)
}

func TestSettleDue_Idempotent(t *testing.T) {
	f := newFixture(t, 101_000)
	f.storedForecast(t, f.now.Add(-2*time.Hour), 100_000)

	first, err := f.engine.SettleDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.WindowsSettled)

	second, err := f.engine.SettleDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.WindowsSettled)
	assert.Equal(t, 0, second.ModelsSettled)
	assert.Equal(t, 0, second.Failures)
}

func TestSettleDue_PriceFailureRetries(t *testing.T) {
	f := newFixture(t, 101_000)
	fc := f.storedForecast(t, f.now.Add(-2*time.Hour), 100_000)

	f.prices.err = errors.New("binance unavailable")
	stats, err := f.engine.SettleDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.WindowsSettled)
	assert.Equal(t, 1, stats.Failures)

	// Source recovers; the next pass settles the same window.
	f.prices.err = nil
	stats, err = f.engine.SettleDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WindowsSettled)

	exists, err := f.settlements.Exists(context.Background(), fc.ID, domain.Window1h)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSettleDue_HaltedForecastsNeverSettle(t *testing.T) {
	f := newFixture(t, 101_000)
	halted := &domain.Forecast{
		ID:             domain.ForecastIDAt(f.now.Add(-25 * time.Hour)),
		CreatedAt:      f.now.Add(-25 * time.Hour),
		ReferencePrice: 100_000,
		HealthGrade:    domain.HealthHalted,
	}
	require.NoError(t, f.forecasts.Insert(context.Background(), halted))

	stats, err := f.engine.SettleDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.WindowsSettled)
	assert.Equal(t, 0, f.prices.calls)
}

func TestSettleDue_ModelRowsIndependentOfConsensus(t *testing.T) {
	f := newFixture(t, 101_000)
	fc := f.storedForecast(t, f.now.Add(-2*time.Hour), 100_000)

	// Consensus row already written by an earlier pass that died before
	// the model rows landed.
	require.NoError(t, f.settlements.Insert(context.Background(), &domain.Settlement{
		ForecastID:         fc.ID,
		Window:             domain.Window1h,
		PredictedDirection: domain.DirectionUp,
		ActualDirection:    domain.DirectionUp,
		IsHit:              true,
		SettledAt:          f.now.Add(-time.Minute),
	}))

	stats, err := f.engine.SettleDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.WindowsSettled, "consensus row already present")
	assert.Equal(t, 1, stats.ModelsSettled, "missing model row backfilled")

	exists, err := f.modelSettlements.Exists(context.Background(), fc.ID, domain.Window1h, "deepseek")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSettleDue_AllWindowsAfterADay(t *testing.T) {
	f := newFixture(t, 99_000) // -1%: actual=down everywhere
	fc := f.storedForecast(t, f.now.Add(-25*time.Hour), 100_000)

	stats, err := f.engine.SettleDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.WindowsSettled)
	assert.Equal(t, 3, stats.ModelsSettled)

	settled, err := f.settlements.GetByForecast(context.Background(), fc.ID)
	require.NoError(t, err)
	require.Len(t, settled, 3)
	for _, s := range settled {
		assert.Equal(t, domain.DirectionDown, s.ActualDirection)
		assert.False(t, s.IsHit, "bullish consensus against a down move")
	}
}

func TestSettleDue_EmptyStore(t *testing.T) {
	f := newFixture(t, 101_000)
	stats, err := f.engine.SettleDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}
