// Package market assembles the BTC market picture a forecast cycle runs
// on: Binance spot and futures data, external sentiment sources, derived
// technicals and a health grade describing how much of it arrived intact.
package market

import (
	"time"

	"btc-consensus/internal/domain"
)

// Kline is one OHLCV candle.
type Kline struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// BookLevel is one price level of the order book.
type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is the top-of-book depth snapshot.
type OrderBook struct {
	Bids     []BookLevel `json:"bids"`
	Asks     []BookLevel `json:"asks"`
	BidTotal float64     `json:"bid_total"` // notional, price*qty summed
	AskTotal float64     `json:"ask_total"`
	// Imbalance is (bidTotal-askTotal)/(bidTotal+askTotal) in percent;
	// positive means the bid side is heavier.
	Imbalance float64 `json:"imbalance"`
}

// Trade is one recent spot trade.
type Trade struct {
	ID           int64     `json:"id"`
	Price        float64   `json:"price"`
	Quantity     float64   `json:"quantity"`
	Time         time.Time `json:"time"`
	IsBuyerMaker bool      `json:"is_buyer_maker"`
}

// SpotData holds everything fetched from the spot API in one pass.
type SpotData struct {
	Price             float64
	PriceChange24hPct float64
	Volume24h         float64
	High24h           float64
	Low24h            float64
	Klines1h          []Kline
	Klines4h          []Kline
	OrderBook         *OrderBook
	RecentTrades      []Trade
}

// FuturesData holds the derivatives side; any field may be nil when the
// futures API is down while spot is fine.
type FuturesData struct {
	FundingRate  *float64
	OpenInterest *float64
}

// Technicals are indicator values derived from the 1h kline series.
type Technicals struct {
	EMA20          float64
	RSI14          float64
	MACD           float64
	MACDSignal     float64
	Momentum6hPct  float64
	RealizedVol1h  float64 // annualized, percent
	RealizedVol24h float64
}

// FearGreed is the alternative.me fear & greed reading.
type FearGreed struct {
	Value          int    `json:"value"` // 0-100
	Classification string `json:"classification"`
	Timestamp      int64  `json:"timestamp"`
}

// Overview is the broad-market context from CoinCap or CoinGecko.
type Overview struct {
	MarketCap         float64 `json:"market_cap"`
	MarketCapRank     int     `json:"market_cap_rank"`
	TotalVolume       float64 `json:"total_volume"`
	CirculatingSupply float64 `json:"circulating_supply"`
	ATH               float64 `json:"ath"`
	ATHChangePct      float64 `json:"ath_change_pct"`
	PriceChange7dPct  float64 `json:"price_change_7d_pct"`
	PriceChange30dPct float64 `json:"price_change_30d_pct"`
}

// NewsItem is one headline from the news feed.
type NewsItem struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	URL         string    `json:"url"`
}

// ExternalData groups the best-effort third-party sources. Every field
// may be missing without affecting the health grade.
type ExternalData struct {
	FearGreed *FearGreed
	Overview  *Overview
	News      []NewsItem
}

// Data is the complete assembled market context for one cycle.
type Data struct {
	Spot       SpotData
	Futures    FuturesData
	Technicals Technicals
	External   ExternalData
	Health     domain.DataHealth
	FetchedAt  time.Time
}

// PriceChange1hPct derives the 1h change from the kline series; the last
// candle is the open one, so the reference is the close before it.
func (d *Data) PriceChange1hPct() float64 {
	k := d.Spot.Klines1h
	if len(k) < 2 || k[len(k)-2].Close == 0 {
		return 0
	}
	ref := k[len(k)-2].Close
	return (d.Spot.Price - ref) / ref * 100
}

// Snapshot reduces the context to the persisted subset for forecastID.
func (d *Data) Snapshot(forecastID string) *domain.MarketSnapshot {
	s := &domain.MarketSnapshot{
		ForecastID:        forecastID,
		Price:             d.Spot.Price,
		PriceChange1hPct:  d.PriceChange1hPct(),
		PriceChange24hPct: d.Spot.PriceChange24hPct,
		Volume24h:         d.Spot.Volume24h,
		FundingRate:       d.Futures.FundingRate,
		OpenInterest:      d.Futures.OpenInterest,
		RealizedVol24h:    d.Technicals.RealizedVol24h,
		SnapshotTime:      d.FetchedAt,
	}
	if d.Spot.OrderBook != nil {
		imb := d.Spot.OrderBook.Imbalance
		s.OrderBookImbalance = &imb
	}
	return s
}
