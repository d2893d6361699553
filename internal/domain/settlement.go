package domain

import "time"

// Settlement grades the consensus call for one (forecast, window) against
// the realized price at the window's expiry. Created exactly once, only
// after the expiry has passed; immutable thereafter. The storage layer
// enforces uniqueness on (forecast_id, window) so concurrent settlement
// passes cannot produce duplicates.
type Settlement struct {
	ForecastID         string    `json:"forecast_id"`
	Window             Window    `json:"window"`
	ActualReturnPct    float64   `json:"actual_return_pct"`
	ActualDirection    Direction `json:"actual_direction"`
	PredictedDirection Direction `json:"predicted_direction"`
	IsHit              bool      `json:"is_hit"`
	SettledAt          time.Time `json:"settled_at"`
	StartPrice         float64   `json:"start_price"`
	EndPrice           float64   `json:"end_price"`
}

// ModelSettlement mirrors Settlement for a single model's own call,
// keyed by (forecast_id, window, model) and settled independently of
// the consensus row. Confidence is the model's stored confidence for
// the window at settlement time, kept here so accuracy rollups do not
// need a join back to the model output.
type ModelSettlement struct {
	ForecastID         string    `json:"forecast_id"`
	Model              string    `json:"model"`
	Window             Window    `json:"window"`
	PredictedDirection Direction `json:"predicted_direction"`
	ActualDirection    Direction `json:"actual_direction"`
	Confidence         int       `json:"confidence"`
	IsHit              bool      `json:"is_hit"`
	SettledAt          time.Time `json:"settled_at"`
}
