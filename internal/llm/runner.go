package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"btc-consensus/internal/domain"
)

// DefaultCallTimeout bounds a single model call; a slow model must not
// stall the other two past it.
const DefaultCallTimeout = 90 * time.Second

// Runner fans one prompt out to all configured models and collects one
// ModelResult per model, success or not.
type Runner struct {
	clients []Client
	timeout time.Duration
	log     zerolog.Logger
}

// NewRunner builds a runner over the given clients. A timeout of zero
// falls back to DefaultCallTimeout.
func NewRunner(clients []Client, timeout time.Duration, log zerolog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Runner{
		clients: clients,
		timeout: timeout,
		log:     log.With().Str("component", "llm").Logger(),
	}
}

// Run calls every model in parallel with the shared prompt. It never
// returns an error: a failed or unparseable model shows up as a result
// with Success=false, and results keep the client order.
func (r *Runner) Run(ctx context.Context, prompt string) []domain.ModelResult {
	start := time.Now()
	results := make([]domain.ModelResult, len(r.clients))

	var g errgroup.Group
	for i, client := range r.clients {
		g.Go(func() error {
			results[i] = r.runOne(ctx, client, prompt)
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}
	r.log.Info().
		Int("models", len(results)).
		Int("succeeded", succeeded).
		Dur("elapsed", time.Since(start)).
		Msg("model calls completed")
	return results
}

func (r *Runner) runOne(ctx context.Context, client Client, prompt string) domain.ModelResult {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result := domain.ModelResult{Model: client.Name()}

	raw, err := client.Complete(callCtx, prompt)
	if err != nil {
		r.log.Warn().Err(err).Str("model", client.Name()).Msg("model call failed")
		result.Error = err.Error()
		return result
	}
	result.Raw = raw

	pred, err := Parse(raw)
	if err != nil {
		r.log.Warn().Err(err).Str("model", client.Name()).Msg("model response did not parse")
		result.Error = "parse failed: " + err.Error()
		return result
	}

	result.Success = true
	result.Prediction = pred
	return result
}
