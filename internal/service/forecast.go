// Package service orchestrates one forecast cycle: market context →
// model fan-out → consensus aggregation → idempotent persistence.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"btc-consensus/internal/consensus"
	"btc-consensus/internal/domain"
	"btc-consensus/internal/llm"
	"btc-consensus/internal/market"
	"btc-consensus/internal/observability"
	"btc-consensus/internal/storage"
)

// MarketProvider supplies the assembled market context.
type MarketProvider interface {
	Assemble(ctx context.Context) (*market.Data, error)
}

// ModelRunner fans the prompt out to the forecasting models.
type ModelRunner interface {
	Run(ctx context.Context, prompt string) []domain.ModelResult
}

// ForecastService runs forecast cycles and serves forecast reads with
// settlements attached.
type ForecastService struct {
	market      MarketProvider
	models      ModelRunner
	forecasts   storage.ForecastStore
	settlements storage.SettlementStore
	metrics     *observability.Metrics
	log         zerolog.Logger
	now         func() time.Time
}

func NewForecastService(
	marketProvider MarketProvider,
	models ModelRunner,
	forecasts storage.ForecastStore,
	settlements storage.SettlementStore,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *ForecastService {
	return &ForecastService{
		market:      marketProvider,
		models:      models,
		forecasts:   forecasts,
		settlements: settlements,
		metrics:     metrics,
		log:         log.With().Str("component", "forecast").Logger(),
		now:         time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (s *ForecastService) WithClock(now func() time.Time) *ForecastService {
	s.now = now
	return s
}

// RunScheduledCycle generates and persists the forecast for the current
// hour bucket. A bucket that already has a forecast is returned as-is:
// re-running a cycle is a no-op, not an error.
func (s *ForecastService) RunScheduledCycle(ctx context.Context) (*domain.Forecast, error) {
	start := s.now()
	id := domain.ForecastIDAt(start)

	existing, err := s.forecasts.GetByID(ctx, id)
	switch {
	case err == nil:
		s.log.Debug().Str("forecast", id).Msg("hour bucket already forecast, skipping")
		return existing, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("check hour bucket %s: %w", id, err)
	}

	forecast, err := s.generate(ctx, id)
	if err != nil {
		s.metrics.RecordCycle("error", s.now().Sub(start).Seconds())
		return nil, err
	}

	if err := s.forecasts.Insert(ctx, forecast); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Concurrent cycle won the bucket; theirs is the record.
			s.log.Info().Str("forecast", id).Msg("lost insert race for hour bucket")
			return s.forecasts.GetByID(ctx, id)
		}
		s.metrics.RecordCycle("error", s.now().Sub(start).Seconds())
		return nil, fmt.Errorf("persist forecast %s: %w", id, err)
	}

	s.metrics.RecordCycle(string(forecast.HealthGrade), s.now().Sub(start).Seconds())
	if s.metrics != nil {
		s.metrics.ConsensusStrength.Set(float64(forecast.ConsensusStrength))
		s.metrics.LastSuccessfulCycle.Set(float64(s.now().Unix()))
	}
	s.log.Info().
		Str("forecast", id).
		Str("grade", string(forecast.HealthGrade)).
		Int("consensus_strength", forecast.ConsensusStrength).
		Int("model_outputs", len(forecast.ModelOutputs)).
		Msg("forecast stored")
	return forecast, nil
}

// GenerateOnDemand builds a forecast right now without persisting it.
// Halted and degraded states come back in the forecast itself rather
// than as errors.
func (s *ForecastService) GenerateOnDemand(ctx context.Context) (*domain.Forecast, error) {
	return s.generate(ctx, domain.ForecastIDAt(s.now()))
}

// generate assembles the context and runs the full cycle. On a halted
// grade no model is called and the forecast carries no windows; when
// every model fails the windows fall back to the neutral default with
// zero consensus strength.
func (s *ForecastService) generate(ctx context.Context, id string) (*domain.Forecast, error) {
	data, err := s.market.Assemble(ctx)
	if err != nil {
		return nil, fmt.Errorf("assemble market context: %w", err)
	}
	s.metrics.RecordHealthGrade(string(data.Health.Grade))

	forecast := &domain.Forecast{
		ID:             id,
		CreatedAt:      s.now().UTC(),
		ReferencePrice: data.Spot.Price,
		HealthGrade:    data.Health.Grade,
		HealthReason:   data.Health.Reason,
	}

	if data.Health.Grade == domain.HealthHalted {
		s.log.Warn().Str("forecast", id).Str("reason", data.Health.Reason).
			Msg("market data halted, skipping model calls")
		forecast.DivergenceSummary = []string{}
		return forecast, nil
	}

	forecast.Snapshot = data.Snapshot(id)

	prompt := llm.BuildPrompt(data)
	results := s.models.Run(ctx, prompt)
	for _, r := range results {
		status := "success"
		if !r.Success {
			status = "failure"
		}
		s.metrics.RecordModelCall(r.Model, status)
	}

	aggregated := consensus.Aggregate(results)
	forecast.ConsensusStrength = aggregated.Metrics.ConsensusStrength
	forecast.DivergenceSummary = aggregated.Metrics.DivergenceSummary

	forecast.Windows = make(map[domain.Window]*domain.ForecastWindow, len(aggregated.Windows))
	for w, agg := range aggregated.Windows {
		forecast.Windows[w] = &domain.ForecastWindow{
			ForecastID:       id,
			Window:           w,
			AggregatedWindow: agg,
		}
	}

	forecast.ModelOutputs = modelOutputs(id, results)
	return forecast, nil
}

// modelOutputs flattens successful results into per-(model, window) rows.
func modelOutputs(forecastID string, results []domain.ModelResult) []*domain.ModelOutput {
	var outputs []*domain.ModelOutput
	for _, r := range results {
		if !r.Success || r.Prediction == nil {
			continue
		}
		for _, w := range domain.Windows() {
			p, ok := r.Prediction.Windows[w]
			if !ok {
				continue
			}
			outputs = append(outputs, &domain.ModelOutput{
				ForecastID: forecastID,
				Model:      r.Model,
				Window:     w,
				ProbUp:     p.ProbUp,
				ProbDown:   p.ProbDown,
				ProbFlat:   p.ProbFlat,
				Confidence: p.Confidence,
				Reasoning:  r.Prediction.Reasoning,
				Raw:        r.Raw,
			})
		}
	}
	return outputs
}

// GetByID returns a stored forecast with its settlements attached.
func (s *ForecastService) GetByID(ctx context.Context, id string) (*domain.Forecast, error) {
	forecast, err := s.forecasts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.attachSettlements(ctx, forecast)
}

// Latest returns the most recent stored forecast with settlements attached.
func (s *ForecastService) Latest(ctx context.Context) (*domain.Forecast, error) {
	forecast, err := s.forecasts.GetLatest(ctx)
	if err != nil {
		return nil, err
	}
	return s.attachSettlements(ctx, forecast)
}

// List returns forecast summaries, newest first.
func (s *ForecastService) List(ctx context.Context, limit, offset int) ([]*storage.ForecastSummary, error) {
	return s.forecasts.List(ctx, limit, offset)
}

func (s *ForecastService) attachSettlements(ctx context.Context, f *domain.Forecast) (*domain.Forecast, error) {
	settled, err := s.settlements.GetByForecast(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("load settlements for %s: %w", f.ID, err)
	}
	if len(settled) > 0 {
		f.Settlements = make(map[domain.Window]*domain.Settlement, len(settled))
		for _, st := range settled {
			f.Settlements[st.Window] = st
		}
	}
	return f, nil
}
