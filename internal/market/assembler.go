package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"btc-consensus/internal/domain"
)

const (
	// highLatencyThreshold downgrades an otherwise healthy cycle when the
	// full assembly took longer than this.
	highLatencyThreshold = 10 * time.Second

	// DefaultCacheTTL keeps repeated reads within a minute off the APIs.
	DefaultCacheTTL = time.Minute
)

// SpotFetcher and FuturesFetcher are the two Binance surfaces the
// assembler depends on, split so tests can fail them independently.
type SpotFetcher interface {
	FetchSpot(ctx context.Context) (SpotData, error)
}

type FuturesFetcher interface {
	FetchFutures(ctx context.Context) (FuturesData, error)
}

// ExternalFetcher supplies the best-effort sentiment sources.
type ExternalFetcher interface {
	FetchAll(ctx context.Context) ExternalData
}

// Assembler builds the full market context and grades its health.
// A spot failure halts the cycle; a futures failure or slow assembly
// degrades it; external sources never affect the grade.
type Assembler struct {
	spot     SpotFetcher
	futures  FuturesFetcher
	external ExternalFetcher
	log      zerolog.Logger

	now func() time.Time
	ttl time.Duration

	mu       sync.Mutex
	cached   *Data
	cachedAt time.Time
}

// NewAssembler wires the three sources together with the given cache TTL.
func NewAssembler(spot SpotFetcher, futures FuturesFetcher, external ExternalFetcher, ttl time.Duration, log zerolog.Logger) *Assembler {
	return &Assembler{
		spot:     spot,
		futures:  futures,
		external: external,
		log:      log.With().Str("component", "market").Logger(),
		now:      time.Now,
		ttl:      ttl,
	}
}

// WithClock replaces the time source, for tests.
func (a *Assembler) WithClock(now func() time.Time) *Assembler {
	a.now = now
	return a
}

// Assemble returns the current market context, serving from cache while
// fresh. Halted contexts are returned with a valid Data value and a nil
// error: the caller decides what a halted cycle means.
func (a *Assembler) Assemble(ctx context.Context) (*Data, error) {
	a.mu.Lock()
	if a.cached != nil && a.now().Sub(a.cachedAt) < a.ttl {
		cached := a.cached
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	data, err := a.assemble(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cached = data
	a.cachedAt = a.now()
	a.mu.Unlock()
	return data, nil
}

func (a *Assembler) assemble(ctx context.Context) (*Data, error) {
	start := a.now()
	data := &Data{FetchedAt: start.UTC()}

	grade := domain.HealthNormal
	reason := ""

	spot, err := a.spot.FetchSpot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.log.Error().Err(err).Msg("spot fetch failed")
		grade = domain.HealthHalted
		reason = "critical: spot market data unavailable"
	} else {
		data.Spot = spot
		data.Technicals = ComputeTechnicals(spot.Klines1h)
	}

	if grade != domain.HealthHalted {
		futuresData, err := a.futures.FetchFutures(ctx)
		if err != nil {
			a.log.Warn().Err(err).Msg("futures fetch failed")
			grade = domain.HealthDegraded
			reason = "warning: futures data unavailable, using spot data only"
		} else {
			data.Futures = futuresData
		}

		data.External = a.external.FetchAll(ctx)
	}

	latency := a.now().Sub(start)
	if grade == domain.HealthNormal && latency > highLatencyThreshold {
		grade = domain.HealthDegraded
		reason = fmt.Sprintf("warning: high latency (%dms)", latency.Milliseconds())
	}

	data.Health = domain.DataHealth{
		Grade:     grade,
		Reason:    reason,
		LatencyMs: latency.Milliseconds(),
	}

	a.log.Info().
		Str("grade", string(grade)).
		Int64("latency_ms", latency.Milliseconds()).
		Float64("price", data.Spot.Price).
		Msg("market context assembled")
	return data, nil
}

// Invalidate drops the cached context; the next Assemble refetches.
func (a *Assembler) Invalidate() {
	a.mu.Lock()
	a.cached = nil
	a.mu.Unlock()
}
