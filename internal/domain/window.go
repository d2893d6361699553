package domain

import "time"

// Window is one of the three fixed forecast horizons.
// Horizons never change at runtime; every per-horizon entity carries
// exactly one record per window.
type Window string

const (
	Window1h  Window = "1h"
	Window4h  Window = "4h"
	Window24h Window = "24h"
)

// Windows returns all horizons in canonical order.
func Windows() []Window {
	return []Window{Window1h, Window4h, Window24h}
}

// Duration returns the wall-clock length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case Window1h:
		return time.Hour
	case Window4h:
		return 4 * time.Hour
	case Window24h:
		return 24 * time.Hour
	}
	return 0
}

// Valid reports whether w is one of the three known horizons.
func (w Window) Valid() bool {
	return w == Window1h || w == Window4h || w == Window24h
}

// Direction classifies a price move or a model's directional call.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionFlat Direction = "flat"
)

const (
	// DirectionMargin is the probability lead one side needs over the
	// other before a prediction counts as directional rather than flat.
	DirectionMargin = 0.1

	// FlatReturnThresholdPct bounds the realized-return band treated as
	// flat at settlement, in percent. Identical for all horizons.
	FlatReturnThresholdPct = 0.5
)

// DirectionOf applies the margin rule to a probability split.
// It is the single classification used for consensus, per-model calls
// and settlement alike.
func DirectionOf(probUp, probDown float64) Direction {
	switch {
	case probUp > probDown+DirectionMargin:
		return DirectionUp
	case probDown > probUp+DirectionMargin:
		return DirectionDown
	default:
		return DirectionFlat
	}
}

// DirectionOfReturn classifies a realized return against the flat band.
func DirectionOfReturn(returnPct float64) Direction {
	switch {
	case returnPct > FlatReturnThresholdPct:
		return DirectionUp
	case returnPct < -FlatReturnThresholdPct:
		return DirectionDown
	default:
		return DirectionFlat
	}
}

// HealthGrade reports how trustworthy the market data behind a forecast is.
type HealthGrade string

const (
	HealthNormal   HealthGrade = "normal"
	HealthDegraded HealthGrade = "degraded"
	HealthHalted   HealthGrade = "halted"
)

// ForecastIDFormat is the hour-bucketed forecast key layout (UTC).
// One scheduled forecast exists per bucket; the bucket is the natural
// idempotency key for the hourly cycle.
const ForecastIDFormat = "2006010215"

// ForecastIDAt returns the hour-bucket id for t.
func ForecastIDAt(t time.Time) string {
	return t.UTC().Format(ForecastIDFormat)
}
