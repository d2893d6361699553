// Package llm runs the three forecasting models against one shared
// market prompt and parses their JSON answers into domain predictions.
package llm

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/kaptinlin/jsonrepair"

	"btc-consensus/internal/domain"
)

// probSumTolerance is how far a window's direction split may drift from
// 1.0 before it is renormalized.
const probSumTolerance = 0.01

var (
	fencedJSON  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	controlChar = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)
)

type wireFactor struct {
	Name      string  `json:"name"`
	Direction string  `json:"direction"`
	Strength  float64 `json:"strength"`
	Evidence  string  `json:"evidence"`
}

type wireWindow struct {
	ProbUp           float64      `json:"prob_up"`
	ProbDown         float64      `json:"prob_down"`
	ProbFlat         float64      `json:"prob_flat"`
	ProbMove1Pct     float64      `json:"prob_move_1pct"`
	ProbMove2Pct     float64      `json:"prob_move_2pct"`
	ExpectedRangePct float64      `json:"expected_range_pct"`
	Confidence       float64      `json:"confidence"`
	MainConclusion   string       `json:"main_conclusion"`
	TopFactors       []wireFactor `json:"top_factors"`
	Invalidation     []string     `json:"invalidation"`
}

type wirePrediction struct {
	Windows   map[string]*wireWindow `json:"windows"`
	Reasoning string                 `json:"reasoning"`
}

// Parse turns a raw model response into a prediction. The response may
// wrap its JSON in a markdown fence, carry stray control characters or
// be mildly malformed; jsonrepair handles the latter. All three windows
// must be present, and each window's direction split is renormalized
// when it drifts more than probSumTolerance off 1.0.
func Parse(raw string) (*domain.ModelPrediction, error) {
	payload := raw
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		payload = m[1]
	}
	payload = strings.TrimSpace(controlChar.ReplaceAllString(payload, ""))
	if payload == "" {
		return nil, errors.New("empty response")
	}

	repaired, err := jsonrepair.JSONRepair(payload)
	if err != nil {
		return nil, fmt.Errorf("repair json: %w", err)
	}

	var wire wirePrediction
	if err := sonic.UnmarshalString(repaired, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal prediction: %w", err)
	}

	pred := &domain.ModelPrediction{
		Windows:   make(map[domain.Window]domain.WindowPrediction, 3),
		Reasoning: strings.TrimSpace(wire.Reasoning),
	}
	for _, w := range domain.Windows() {
		ww, ok := wire.Windows[string(w)]
		if !ok || ww == nil {
			return nil, fmt.Errorf("missing window %q", w)
		}
		pred.Windows[w] = toDomainWindow(ww)
	}
	return pred, nil
}

func toDomainWindow(w *wireWindow) domain.WindowPrediction {
	up, down, flat := w.ProbUp, w.ProbDown, w.ProbFlat
	if sum := up + down + flat; sum > 0 && math.Abs(sum-1) > probSumTolerance {
		up, down, flat = up/sum, down/sum, flat/sum
	}

	factors := make([]domain.TopFactor, 0, len(w.TopFactors))
	for _, f := range w.TopFactors {
		factors = append(factors, domain.TopFactor{
			Name:      f.Name,
			Direction: f.Direction,
			Strength:  f.Strength,
			Evidence:  f.Evidence,
		})
	}

	return domain.WindowPrediction{
		ProbUp:           up,
		ProbDown:         down,
		ProbFlat:         flat,
		ProbMove1Pct:     w.ProbMove1Pct,
		ProbMove2Pct:     w.ProbMove2Pct,
		ExpectedRangePct: w.ExpectedRangePct,
		Confidence:       int(math.Round(w.Confidence)),
		MainConclusion:   strings.TrimSpace(w.MainConclusion),
		TopFactors:       factors,
		Invalidation:     w.Invalidation,
	}
}
