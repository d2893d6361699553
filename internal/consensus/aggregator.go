// Package consensus turns the per-model forecast results of one cycle into
// a single aggregated forecast per window, plus a 0-100 consensus-strength
// score and a short divergence summary. Everything here is a pure function
// of the ModelResult set: the same input always yields the identical output.
package consensus

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/samber/lo"

	"btc-consensus/internal/domain"
)

const (
	// maxTopFactors caps the merged factor list per window.
	maxTopFactors = 5
	// maxInvalidations caps the merged invalidation-condition list per window.
	maxInvalidations = 5
	// maxDivergenceEntries caps the divergence summary.
	maxDivergenceEntries = 3

	// directionalWeight and consistencyWeight split the consensus score
	// between directional agreement and probability-distribution tightness.
	directionalWeight = 0.6
	consistencyWeight = 0.4

	// stdDevCeiling is the probability standard deviation at or above which
	// the distribution-consistency component scores zero.
	stdDevCeiling = 0.3

	// volHighThreshold and volModerateThreshold drive the volatility part
	// of the synthesized conclusion.
	volHighThreshold     = 0.4 // on prob_move_2pct
	volModerateThreshold = 0.6 // on prob_move_1pct

	// confidenceSpreadThreshold triggers a divergence entry when the gap
	// between the most and least confident model exceeds it.
	confidenceSpreadThreshold = 20

	// rangeRatioThreshold and rangeGapThresholdPct both must be exceeded
	// before expected-range disagreement is reported.
	rangeRatioThreshold  = 1.5
	rangeGapThresholdPct = 0.5
)

// Result is the full output of one aggregation pass.
type Result struct {
	Windows map[domain.Window]domain.AggregatedWindow
	Metrics domain.ConsensusMetrics
}

// Aggregate combines 0-N model results into the consensus forecast.
// Failed results contribute nothing; with zero successes every window
// falls back to the neutral default and consensus strength is 0.
func Aggregate(results []domain.ModelResult) Result {
	successful := successfulResults(results)

	windows := make(map[domain.Window]domain.AggregatedWindow, 3)
	for _, w := range domain.Windows() {
		windows[w] = aggregateWindow(successful, w)
	}

	return Result{
		Windows: windows,
		Metrics: domain.ConsensusMetrics{
			ConsensusStrength: consensusStrength(successful),
			DivergenceSummary: divergenceSummary(successful),
		},
	}
}

func successfulResults(results []domain.ModelResult) []domain.ModelResult {
	return lo.Filter(results, func(r domain.ModelResult, _ int) bool {
		return r.Success && r.Prediction != nil
	})
}

// NeutralWindow is the fixed fallback used when no model produced a usable
// prediction for a window. Consumers rely on the shape always being present.
func NeutralWindow() domain.AggregatedWindow {
	return domain.AggregatedWindow{
		ProbUp:           0.33,
		ProbDown:         0.33,
		ProbFlat:         0.34,
		ProbMove1Pct:     0.5,
		ProbMove2Pct:     0.2,
		ExpectedRangePct: 1,
		Confidence:       0,
		MainConclusion:   "insufficient data",
		TopFactors:       []domain.TopFactor{},
		Invalidation:     []string{},
	}
}

func aggregateWindow(successful []domain.ModelResult, window domain.Window) domain.AggregatedWindow {
	preds := make([]domain.WindowPrediction, 0, len(successful))
	for _, r := range successful {
		if p, ok := r.Prediction.Windows[window]; ok {
			preds = append(preds, p)
		}
	}
	if len(preds) == 0 {
		return NeutralWindow()
	}

	n := float64(len(preds))
	var up, down, flat, move1, move2, rangePct, conf float64
	for _, p := range preds {
		up += p.ProbUp
		down += p.ProbDown
		flat += p.ProbFlat
		move1 += p.ProbMove1Pct
		move2 += p.ProbMove2Pct
		rangePct += p.ExpectedRangePct
		conf += float64(p.Confidence)
	}
	up, down, flat = up/n, down/n, flat/n
	move1, move2, rangePct = move1/n, move2/n, rangePct/n

	// Averaging can itself drift the direction split off 1.0, so the
	// renormalization here is unconditional, unlike the parser's.
	total := up + down + flat
	if total > 0 {
		up, down, flat = up/total, down/total, flat/total
	}

	return domain.AggregatedWindow{
		ProbUp:           up,
		ProbDown:         down,
		ProbFlat:         flat,
		ProbMove1Pct:     move1,
		ProbMove2Pct:     move2,
		ExpectedRangePct: rangePct,
		Confidence:       int(math.Round(conf / n)),
		MainConclusion:   synthesizeConclusion(up, down, move1, move2),
		TopFactors:       mergeFactors(preds),
		Invalidation:     mergeInvalidations(preds),
	}
}

// synthesizeConclusion builds the short deterministic label from the
// aggregated direction split and volatility probabilities. No model text
// is involved.
func synthesizeConclusion(probUp, probDown, probMove1, probMove2 float64) string {
	var direction string
	switch domain.DirectionOf(probUp, probDown) {
	case domain.DirectionUp:
		direction = "bullish bias"
	case domain.DirectionDown:
		direction = "bearish bias"
	default:
		direction = "range-bound"
	}

	var vol string
	switch {
	case probMove2 > volHighThreshold:
		vol = "high volatility risk"
	case probMove1 > volModerateThreshold:
		vol = "moderate volatility"
	default:
		vol = "limited volatility"
	}

	return direction + ", " + vol
}

// mergeFactors unions all models' factors; a repeated factor name keeps
// its maximum strength. Sorted by strength descending, capped at five.
func mergeFactors(preds []domain.WindowPrediction) []domain.TopFactor {
	merged := []domain.TopFactor{}
	index := make(map[string]int)

	for _, p := range preds {
		for _, f := range p.TopFactors {
			if i, seen := index[f.Name]; seen {
				if f.Strength > merged[i].Strength {
					merged[i].Strength = f.Strength
				}
				continue
			}
			index[f.Name] = len(merged)
			merged = append(merged, f)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Strength > merged[j].Strength
	})
	if len(merged) > maxTopFactors {
		merged = merged[:maxTopFactors]
	}
	return merged
}

// mergeInvalidations unions distinct invalidation strings in order of
// first appearance, capped at five.
func mergeInvalidations(preds []domain.WindowPrediction) []string {
	merged := []string{}
	seen := make(map[string]struct{})

	for _, p := range preds {
		for _, inv := range p.Invalidation {
			if _, ok := seen[inv]; ok {
				continue
			}
			seen[inv] = struct{}{}
			merged = append(merged, inv)
		}
	}
	if len(merged) > maxInvalidations {
		merged = merged[:maxInvalidations]
	}
	return merged
}

// consensusStrength scores model agreement 0-100. Fewer than two
// successful models cannot agree or disagree, so the score is 0.
func consensusStrength(successful []domain.ModelResult) int {
	if len(successful) < 2 {
		return 0
	}

	// Directional consensus: per window, the fraction of models sharing
	// the majority direction under the margin rule.
	var dirConsensus []float64
	for _, w := range domain.Windows() {
		counts := map[domain.Direction]int{}
		total := 0
		for _, r := range successful {
			p, ok := r.Prediction.Windows[w]
			if !ok {
				continue
			}
			counts[domain.DirectionOf(p.ProbUp, p.ProbDown)]++
			total++
		}
		if total == 0 {
			continue
		}
		maxCount := 0
		for _, c := range counts {
			if c > maxCount {
				maxCount = c
			}
		}
		dirConsensus = append(dirConsensus, float64(maxCount)/float64(total))
	}
	avgDirectional := mean(dirConsensus)

	// Distribution consensus: population stddev of prob_up and prob_down
	// per window (six values), averaged and normalized against the ceiling.
	var stdDevs []float64
	for _, w := range domain.Windows() {
		var ups, downs []float64
		for _, r := range successful {
			if p, ok := r.Prediction.Windows[w]; ok {
				ups = append(ups, p.ProbUp)
				downs = append(downs, p.ProbDown)
			}
		}
		stdDevs = append(stdDevs, stdDev(ups), stdDev(downs))
	}
	consistency := math.Max(0, 1-mean(stdDevs)/stdDevCeiling)

	score := math.Round((directionalWeight*avgDirectional + consistencyWeight*consistency) * 100)
	return int(score)
}

// divergenceSummary emits up to three disagreement notes computed from the
// 4h window, in fixed priority order: directional camps, confidence spread,
// expected-range spread.
func divergenceSummary(successful []domain.ModelResult) []string {
	summaries := []string{}
	if len(successful) < 2 {
		return summaries
	}

	type call struct {
		name       string
		direction  domain.Direction
		confidence int
		rangePct   float64
	}
	calls := make([]call, 0, len(successful))
	for _, r := range successful {
		p, ok := r.Prediction.Windows[domain.Window4h]
		if !ok {
			continue
		}
		calls = append(calls, call{
			name:       r.Model,
			direction:  domain.DirectionOf(p.ProbUp, p.ProbDown),
			confidence: p.Confidence,
			rangePct:   p.ExpectedRangePct,
		})
	}
	if len(calls) < 2 {
		return summaries
	}

	bulls := lo.FilterMap(calls, func(c call, _ int) (string, bool) {
		return c.name, c.direction == domain.DirectionUp
	})
	bears := lo.FilterMap(calls, func(c call, _ int) (string, bool) {
		return c.name, c.direction == domain.DirectionDown
	})
	if len(bulls) > 0 && len(bears) > 0 {
		summaries = append(summaries, fmt.Sprintf("%s bullish vs %s bearish",
			strings.Join(bulls, "/"), strings.Join(bears, "/")))
	}

	most, least := calls[0], calls[0]
	for _, c := range calls[1:] {
		if c.confidence > most.confidence {
			most = c
		}
		if c.confidence < least.confidence {
			least = c
		}
	}
	if most.confidence-least.confidence > confidenceSpreadThreshold {
		summaries = append(summaries, fmt.Sprintf("%s confidence high (%d) while %s is low (%d)",
			most.name, most.confidence, least.name, least.confidence))
	}

	wide, narrow := calls[0], calls[0]
	for _, c := range calls[1:] {
		if c.rangePct > wide.rangePct {
			wide = c
		}
		if c.rangePct < narrow.rangePct {
			narrow = c
		}
	}
	if wide.rangePct > narrow.rangePct*rangeRatioThreshold && wide.rangePct-narrow.rangePct > rangeGapThresholdPct {
		summaries = append(summaries, fmt.Sprintf("%s expects a wide range (%.1f%%) while %s expects %.1f%%",
			wide.name, wide.rangePct, narrow.name, narrow.rangePct))
	}

	if len(summaries) > maxDivergenceEntries {
		summaries = summaries[:maxDivergenceEntries]
	}
	return summaries
}
