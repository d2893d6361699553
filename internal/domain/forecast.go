package domain

import "time"

// TopFactor is one driver behind a model's window call.
type TopFactor struct {
	Name      string  `json:"name"`
	Direction string  `json:"direction"` // up / down / neutral
	Strength  float64 `json:"strength"`  // 0-100
	Evidence  string  `json:"evidence"`
}

// WindowPrediction is a single model's probabilistic call for one window.
// Probabilities are renormalized at the parse boundary so that
// ProbUp+ProbDown+ProbFlat sums to 1 before any arithmetic sees them.
// Immutable once created.
type WindowPrediction struct {
	ProbUp           float64     `json:"prob_up"`
	ProbDown         float64     `json:"prob_down"`
	ProbFlat         float64     `json:"prob_flat"`
	ProbMove1Pct     float64     `json:"prob_move_1pct"`
	ProbMove2Pct     float64     `json:"prob_move_2pct"`
	ExpectedRangePct float64     `json:"expected_range_pct"`
	Confidence       int         `json:"confidence"` // 0-100
	MainConclusion   string      `json:"main_conclusion"`
	TopFactors       []TopFactor `json:"top_factors"`
	Invalidation     []string    `json:"invalidation"`
}

// ModelPrediction is the fully parsed output of one model call:
// one WindowPrediction per horizon plus the model's overall reasoning.
type ModelPrediction struct {
	Windows   map[Window]WindowPrediction `json:"windows"`
	Reasoning string                      `json:"reasoning"`
}

// ModelResult records one model invocation attempt, success or not.
// Exactly one exists per model per forecast cycle; never mutated.
type ModelResult struct {
	Model      string           `json:"model"`
	Success    bool             `json:"success"`
	Prediction *ModelPrediction `json:"prediction,omitempty"`
	Raw        string           `json:"raw"`
	Error      string           `json:"error,omitempty"`
}

// AggregatedWindow is the consensus forecast for one window, derived
// deterministically from the successful ModelResults of a cycle.
type AggregatedWindow struct {
	ProbUp           float64     `json:"prob_up"`
	ProbDown         float64     `json:"prob_down"`
	ProbFlat         float64     `json:"prob_flat"`
	ProbMove1Pct     float64     `json:"prob_move_1pct"`
	ProbMove2Pct     float64     `json:"prob_move_2pct"`
	ExpectedRangePct float64     `json:"expected_range_pct"`
	Confidence       int         `json:"confidence"`
	MainConclusion   string      `json:"main_conclusion"`
	TopFactors       []TopFactor `json:"top_factors"`
	Invalidation     []string    `json:"invalidation"`
}

// PredictedDirection applies the margin rule to the consensus split.
func (w AggregatedWindow) PredictedDirection() Direction {
	return DirectionOf(w.ProbUp, w.ProbDown)
}

// ConsensusMetrics quantifies how much the models agreed in one cycle.
type ConsensusMetrics struct {
	// ConsensusStrength is 0-100; 0 whenever fewer than two models succeeded.
	ConsensusStrength int `json:"consensus_strength"`
	// DivergenceSummary holds at most three human-readable disagreement notes.
	DivergenceSummary []string `json:"divergence_summary"`
}

// ForecastWindow is the persisted consensus row for (forecast, window).
type ForecastWindow struct {
	ForecastID string `json:"forecast_id"`
	Window     Window `json:"window"`
	AggregatedWindow
}

// ModelOutput is the persisted per-model row for (forecast, model, window).
type ModelOutput struct {
	ForecastID string  `json:"forecast_id"`
	Model      string  `json:"model"`
	Window     Window  `json:"window"`
	ProbUp     float64 `json:"prob_up"`
	ProbDown   float64 `json:"prob_down"`
	ProbFlat   float64 `json:"prob_flat"`
	Confidence int     `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Raw        string  `json:"raw"`
}

// PredictedDirection applies the margin rule to this model's split.
func (o *ModelOutput) PredictedDirection() Direction {
	return DirectionOf(o.ProbUp, o.ProbDown)
}

// Forecast is the top-level record for one cycle. A scheduled forecast
// is persisted exactly once per hour bucket; an on-demand forecast is
// never persisted and exists only in the response that produced it.
type Forecast struct {
	ID                string      `json:"id"` // hour bucket, YYYYMMDDHH UTC
	CreatedAt         time.Time   `json:"created_at"`
	ReferencePrice    float64     `json:"reference_price"`
	HealthGrade       HealthGrade `json:"data_health_grade"`
	HealthReason      string      `json:"data_health_reason,omitempty"`
	ConsensusStrength int         `json:"consensus_strength"`
	DivergenceSummary []string    `json:"divergence_summary"`

	// Windows is empty for halted forecasts, otherwise holds all three horizons.
	Windows map[Window]*ForecastWindow `json:"windows,omitempty"`

	// ModelOutputs holds rows for successful models only (0-3 models x 3 windows).
	ModelOutputs []*ModelOutput `json:"model_outputs,omitempty"`

	// Snapshot is the market data the forecast was generated from.
	Snapshot *MarketSnapshot `json:"snapshot,omitempty"`

	// Settlements accumulate after creation as windows expire; they are
	// attached on read, not part of the forecast's own lifecycle.
	Settlements map[Window]*Settlement `json:"settlements,omitempty"`
}
