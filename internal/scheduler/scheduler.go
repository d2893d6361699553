// Package scheduler drives the two periodic loops: the hour-aligned
// forecast cycle and the settlement scan.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"btc-consensus/internal/domain"
	"btc-consensus/internal/observability"
	"btc-consensus/internal/settlement"
)

// DefaultSettleInterval is how often expired windows are scanned when
// the config does not say otherwise.
const DefaultSettleInterval = 10 * time.Minute

// startupGrace delays the hour-boundary fire slightly so the bucket's
// market data is unambiguously inside the new hour.
const startupGrace = 5 * time.Second

// Both loops run off one select, so a pass that never returns would
// stall the other loop too. Each pass gets a hard deadline well under
// its period.
const (
	cycleTimeout  = 5 * time.Minute
	settleTimeout = 5 * time.Minute
)

// CycleRunner runs one scheduled forecast cycle.
type CycleRunner interface {
	RunScheduledCycle(ctx context.Context) (*domain.Forecast, error)
}

// Settler runs one settlement pass.
type Settler interface {
	SettleDue(ctx context.Context) (settlement.Stats, error)
}

// Scheduler owns the forecast and settlement loops. Run blocks until
// the context is canceled; loop errors are logged, never fatal.
type Scheduler struct {
	cycles         CycleRunner
	settler        Settler
	settleInterval time.Duration
	metrics        *observability.Metrics
	log            zerolog.Logger
	now            func() time.Time
}

func New(cycles CycleRunner, settler Settler, settleInterval time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Scheduler {
	if settleInterval <= 0 {
		settleInterval = DefaultSettleInterval
	}
	return &Scheduler{
		cycles:         cycles,
		settler:        settler,
		settleInterval: settleInterval,
		metrics:        metrics,
		log:            log.With().Str("component", "scheduler").Logger(),
		now:            time.Now,
	}
}

// Run starts both loops and an immediate catch-up pass of each, then
// blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runCycle(ctx)
	s.runSettlement(ctx)

	forecastTimer := time.NewTimer(s.untilNextHour())
	defer forecastTimer.Stop()
	settleTicker := time.NewTicker(s.settleInterval)
	defer settleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-forecastTimer.C:
			s.runCycle(ctx)
			forecastTimer.Reset(s.untilNextHour())
		case <-settleTicker.C:
			s.runSettlement(ctx)
		}
	}
}

// untilNextHour returns the wait to the next hour boundary plus grace.
func (s *Scheduler) untilNextHour() time.Duration {
	now := s.now()
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now) + startupGrace
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()
	if _, err := s.cycles.RunScheduledCycle(ctx); err != nil {
		s.log.Error().Err(err).Msg("forecast cycle failed")
	}
}

func (s *Scheduler) runSettlement(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	stats, err := s.settler.SettleDue(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("settlement pass failed")
		return
	}
	s.metrics.RecordSettlementPass(stats.WindowsSettled, stats.ModelsSettled, stats.Failures, s.now().Unix())
}
