// Package settlement compares expired forecast windows against realized
// prices and records the verdicts. Every write path is idempotent: the
// storage uniqueness constraints make re-running a pass harmless.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"btc-consensus/internal/domain"
	"btc-consensus/internal/storage"
)

// PriceSource looks up the realized price at a past instant.
type PriceSource interface {
	PriceAt(ctx context.Context, t time.Time) (float64, error)
}

// Stats summarizes one settlement pass.
type Stats struct {
	WindowsSettled int
	ModelsSettled  int
	Skipped        int
	Failures       int
}

// Engine runs settlement passes over all settleable forecasts.
type Engine struct {
	forecasts        storage.ForecastStore
	settlements      storage.SettlementStore
	modelSettlements storage.ModelSettlementStore
	prices           PriceSource
	log              zerolog.Logger
	now              func() time.Time
}

func NewEngine(
	forecasts storage.ForecastStore,
	settlements storage.SettlementStore,
	modelSettlements storage.ModelSettlementStore,
	prices PriceSource,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		forecasts:        forecasts,
		settlements:      settlements,
		modelSettlements: modelSettlements,
		prices:           prices,
		log:              log.With().Str("component", "settlement").Logger(),
		now:              time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// settleableLookback bounds how far back a pass scans for pending
// windows. The longest horizon is 24h; the extra day absorbs outages of
// the settlement loop or the price source.
const settleableLookback = 48 * time.Hour

// SettleDue settles every expired, not-yet-settled (forecast, window)
// pair and its per-model rows. A price lookup failure skips just that
// pair; the next pass retries it.
func (e *Engine) SettleDue(ctx context.Context) (Stats, error) {
	var stats Stats

	forecasts, err := e.forecasts.ListSettleable(ctx, e.now().UTC().Add(-settleableLookback))
	if err != nil {
		return stats, fmt.Errorf("list settleable forecasts: %w", err)
	}

	for _, f := range forecasts {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		e.settleForecast(ctx, f, &stats)
	}

	if stats.WindowsSettled > 0 || stats.Failures > 0 {
		e.log.Info().
			Int("windows_settled", stats.WindowsSettled).
			Int("models_settled", stats.ModelsSettled).
			Int("skipped", stats.Skipped).
			Int("failures", stats.Failures).
			Msg("settlement pass completed")
	}
	return stats, nil
}

func (e *Engine) settleForecast(ctx context.Context, f *domain.Forecast, stats *Stats) {
	now := e.now().UTC()

	for _, window := range domain.Windows() {
		expiry := f.CreatedAt.Add(window.Duration())
		if now.Before(expiry) {
			stats.Skipped++
			continue
		}

		fw, ok := f.Windows[window]
		if !ok {
			continue
		}

		settled, err := e.settlements.Exists(ctx, f.ID, window)
		if err != nil {
			e.log.Error().Err(err).Str("forecast", f.ID).Str("window", string(window)).
				Msg("settlement existence check failed")
			stats.Failures++
			continue
		}
		if e.modelsPending(ctx, f, window) || !settled {
			e.settleWindow(ctx, f, fw, window, expiry, now, settled, stats)
		}
	}
}

// settleWindow fetches the realized price once and writes the consensus
// row (unless already present) plus any missing per-model rows.
func (e *Engine) settleWindow(
	ctx context.Context,
	f *domain.Forecast,
	fw *domain.ForecastWindow,
	window domain.Window,
	expiry, now time.Time,
	consensusSettled bool,
	stats *Stats,
) {
	endPrice, err := e.prices.PriceAt(ctx, expiry)
	if err != nil {
		e.log.Warn().Err(err).Str("forecast", f.ID).Str("window", string(window)).
			Msg("realized price unavailable, will retry")
		stats.Failures++
		return
	}
	if f.ReferencePrice <= 0 {
		e.log.Error().Str("forecast", f.ID).Msg("reference price missing, cannot settle")
		stats.Failures++
		return
	}

	actualReturnPct := (endPrice - f.ReferencePrice) / f.ReferencePrice * 100
	actualDirection := domain.DirectionOfReturn(actualReturnPct)

	if !consensusSettled {
		predicted := fw.PredictedDirection()
		s := &domain.Settlement{
			ForecastID:         f.ID,
			Window:             window,
			ActualReturnPct:    actualReturnPct,
			ActualDirection:    actualDirection,
			PredictedDirection: predicted,
			IsHit:              predicted == actualDirection,
			SettledAt:          now,
			StartPrice:         f.ReferencePrice,
			EndPrice:           endPrice,
		}
		switch err := e.settlements.Insert(ctx, s); {
		case err == nil:
			stats.WindowsSettled++
			e.log.Info().
				Str("forecast", f.ID).
				Str("window", string(window)).
				Str("predicted", string(predicted)).
				Str("actual", string(actualDirection)).
				Float64("return_pct", actualReturnPct).
				Bool("hit", s.IsHit).
				Msg("window settled")
		case errors.Is(err, storage.ErrDuplicateKey):
			// Another pass won the race; nothing to do.
		default:
			e.log.Error().Err(err).Str("forecast", f.ID).Str("window", string(window)).
				Msg("settlement insert failed")
			stats.Failures++
		}
	}

	e.settleModels(ctx, f, window, actualDirection, now, stats)
}

// settleModels writes one row per successful model output for the
// window. Each model settles independently of the consensus row and of
// the other models.
func (e *Engine) settleModels(
	ctx context.Context,
	f *domain.Forecast,
	window domain.Window,
	actualDirection domain.Direction,
	now time.Time,
	stats *Stats,
) {
	for _, out := range f.ModelOutputs {
		if out.Window != window {
			continue
		}

		exists, err := e.modelSettlements.Exists(ctx, f.ID, window, out.Model)
		if err != nil {
			e.log.Error().Err(err).Str("forecast", f.ID).Str("model", out.Model).
				Msg("model settlement existence check failed")
			stats.Failures++
			continue
		}
		if exists {
			continue
		}

		predicted := out.PredictedDirection()
		ms := &domain.ModelSettlement{
			ForecastID:         f.ID,
			Model:              out.Model,
			Window:             window,
			PredictedDirection: predicted,
			ActualDirection:    actualDirection,
			Confidence:         out.Confidence,
			IsHit:              predicted == actualDirection,
			SettledAt:          now,
		}
		switch err := e.modelSettlements.Insert(ctx, ms); {
		case err == nil:
			stats.ModelsSettled++
		case errors.Is(err, storage.ErrDuplicateKey):
			// Already settled concurrently.
		default:
			e.log.Error().Err(err).Str("forecast", f.ID).Str("model", out.Model).
				Msg("model settlement insert failed")
			stats.Failures++
		}
	}
}

// modelsPending reports whether any model output for the window still
// lacks its settlement row.
func (e *Engine) modelsPending(ctx context.Context, f *domain.Forecast, window domain.Window) bool {
	for _, out := range f.ModelOutputs {
		if out.Window != window {
			continue
		}
		exists, err := e.modelSettlements.Exists(ctx, f.ID, window, out.Model)
		if err != nil || !exists {
			return true
		}
	}
	return false
}
