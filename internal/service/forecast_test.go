package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-consensus/internal/domain"
	"btc-consensus/internal/market"
	"btc-consensus/internal/storage"
	"btc-consensus/internal/storage/memory"
)

type stubMarket struct {
	data *market.Data
	err  error
}

func (s *stubMarket) Assemble(_ context.Context) (*market.Data, error) {
	return s.data, s.err
}

type stubRunner struct {
	results []domain.ModelResult
	calls   int
}

func (s *stubRunner) Run(_ context.Context, _ string) []domain.ModelResult {
	s.calls++
	return s.results
}

func normalMarket(price float64) *market.Data {
	return &market.Data{
		Spot: market.SpotData{
			Price:             price,
			PriceChange24hPct: 1.2,
			Volume24h:         20000,
			Klines1h:          []market.Kline{{Close: price * 0.99}, {Close: price}},
		},
		Health:    domain.DataHealth{Grade: domain.HealthNormal},
		FetchedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func successResult(model string, up, down, flat float64, conf int) domain.ModelResult {
	windows := make(map[domain.Window]domain.WindowPrediction, 3)
	for _, w := range domain.Windows() {
		windows[w] = domain.WindowPrediction{
			ProbUp: up, ProbDown: down, ProbFlat: flat,
			ProbMove1Pct: 0.5, ProbMove2Pct: 0.2, ExpectedRangePct: 1.1,
			Confidence: conf,
		}
	}
	return domain.ModelResult{
		Model: model, Success: true, Raw: "{}",
		Prediction: &domain.ModelPrediction{Windows: windows, Reasoning: "r"},
	}
}

type fixture struct {
	svc         *ForecastService
	runner      *stubRunner
	forecasts   *memory.ForecastStore
	settlements *memory.SettlementStore
	now         time.Time
}

func newFixture(t *testing.T, data *market.Data, results []domain.ModelResult) *fixture {
	t.Helper()
	f := &fixture{
		runner:      &stubRunner{results: results},
		forecasts:   memory.NewForecastStore(),
		settlements: memory.NewSettlementStore(),
		now:         time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
	}
	f.svc = NewForecastService(&stubMarket{data: data}, f.runner, f.forecasts, f.settlements, nil, zerolog.Nop()).
		WithClock(func() time.Time { return f.now })
	return f
}

func TestRunScheduledCycle_PersistsHourBucket(t *testing.T) {
	f := newFixture(t, normalMarket(100_000), []domain.ModelResult{
		successResult("deepseek", 0.6, 0.2, 0.2, 70),
		successResult("gemini", 0.6, 0.2, 0.2, 70),
	})

	forecast, err := f.svc.RunScheduledCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2025060112", forecast.ID)
	assert.Equal(t, 100_000.0, forecast.ReferencePrice)
	assert.Equal(t, domain.HealthNormal, forecast.HealthGrade)
	assert.Len(t, forecast.Windows, 3)
	assert.Len(t, forecast.ModelOutputs, 6, "two models x three windows")
	require.NotNil(t, forecast.Snapshot)
	assert.Equal(t, "2025060112", forecast.Snapshot.ForecastID)

	stored, err := f.forecasts.GetByID(context.Background(), "2025060112")
	require.NoError(t, err)
	assert.Equal(t, forecast.ConsensusStrength, stored.ConsensusStrength)
}

func TestRunScheduledCycle_SecondRunIsNoOp(t *testing.T) {
	f := newFixture(t, normalMarket(100_000), []domain.ModelResult{
		successResult("deepseek", 0.6, 0.2, 0.2, 70),
	})

	first, err := f.svc.RunScheduledCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.runner.calls)

	second, err := f.svc.RunScheduledCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.runner.calls, "models not called again for the same bucket")
}

func TestRunScheduledCycle_NextHourGetsNewForecast(t *testing.T) {
	f := newFixture(t, normalMarket(100_000), []domain.ModelResult{
		successResult("deepseek", 0.6, 0.2, 0.2, 70),
	})

	first, err := f.svc.RunScheduledCycle(context.Background())
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	second, err := f.svc.RunScheduledCycle(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, f.runner.calls)
}

func TestRunScheduledCycle_HaltedSkipsModels(t *testing.T) {
	data := normalMarket(0)
	data.Health = domain.DataHealth{Grade: domain.HealthHalted, Reason: "critical: spot market data unavailable"}
	f := newFixture(t, data, nil)

	forecast, err := f.svc.RunScheduledCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.HealthHalted, forecast.HealthGrade)
	assert.Equal(t, "critical: spot market data unavailable", forecast.HealthReason)
	assert.Equal(t, 0, forecast.ConsensusStrength)
	assert.Empty(t, forecast.Windows)
	assert.Empty(t, forecast.ModelOutputs)
	assert.Nil(t, forecast.Snapshot)
	assert.Equal(t, 0, f.runner.calls, "no model calls on halted data")

	_, err = f.forecasts.GetByID(context.Background(), forecast.ID)
	assert.NoError(t, err, "halted forecasts are still persisted")
}

func TestRunScheduledCycle_AllModelsFailedYieldsNeutral(t *testing.T) {
	f := newFixture(t, normalMarket(100_000), []domain.ModelResult{
		{Model: "deepseek", Success: false, Error: "timeout"},
		{Model: "gemini", Success: false, Error: "parse failed"},
		{Model: "grok", Success: false, Error: "timeout"},
	})

	forecast, err := f.svc.RunScheduledCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, forecast.ConsensusStrength)
	assert.Empty(t, forecast.ModelOutputs)
	require.Len(t, forecast.Windows, 3)
	for _, w := range domain.Windows() {
		assert.Equal(t, "insufficient data", forecast.Windows[w].MainConclusion)
	}
}

func TestGenerateOnDemand_NeverPersisted(t *testing.T) {
	f := newFixture(t, normalMarket(100_000), []domain.ModelResult{
		successResult("deepseek", 0.6, 0.2, 0.2, 70),
	})

	forecast, err := f.svc.GenerateOnDemand(context.Background())
	require.NoError(t, err)
	require.NotNil(t, forecast)

	_, err = f.forecasts.GetByID(context.Background(), forecast.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetByID_AttachesSettlements(t *testing.T) {
	f := newFixture(t, normalMarket(100_000), []domain.ModelResult{
		successResult("deepseek", 0.6, 0.2, 0.2, 70),
	})

	forecast, err := f.svc.RunScheduledCycle(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.settlements.Insert(context.Background(), &domain.Settlement{
		ForecastID:         forecast.ID,
		Window:             domain.Window1h,
		PredictedDirection: domain.DirectionUp,
		ActualDirection:    domain.DirectionUp,
		IsHit:              true,
		SettledAt:          f.now,
	}))

	got, err := f.svc.GetByID(context.Background(), forecast.ID)
	require.NoError(t, err)
	require.Len(t, got.Settlements, 1)
	assert.True(t, got.Settlements[domain.Window1h].IsHit)
}

func TestGetByID_UnknownID(t *testing.T) {
	f := newFixture(t, normalMarket(100_000), nil)
	_, err := f.svc.GetByID(context.Background(), "1999010100")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
