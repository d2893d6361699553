package domain

import "time"

// MarketSnapshot is the persisted subset of the market data a forecast
// was generated from. Nullable fields come from the futures API, which
// may be unavailable while the spot side is still healthy (degraded grade).
type MarketSnapshot struct {
	ForecastID         string    `json:"forecast_id"`
	Price              float64   `json:"price"`
	PriceChange1hPct   float64   `json:"price_change_1h_pct"`
	PriceChange24hPct  float64   `json:"price_change_24h_pct"`
	Volume24h          float64   `json:"volume_24h"`
	FundingRate        *float64  `json:"funding_rate,omitempty"`
	OpenInterest       *float64  `json:"open_interest,omitempty"`
	OrderBookImbalance *float64  `json:"order_book_imbalance,omitempty"`
	RealizedVol24h     float64   `json:"realized_vol_24h"`
	SnapshotTime       time.Time `json:"snapshot_time"`
}

// DataHealth is the market-data health verdict for one assembly pass.
type DataHealth struct {
	Grade     HealthGrade `json:"grade"`
	Reason    string      `json:"reason,omitempty"`
	LatencyMs int64       `json:"latency_ms"`
}
