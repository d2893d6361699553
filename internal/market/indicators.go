package market

import (
	"math"

	"github.com/cinar/indicator"
	"github.com/samber/lo"
)

const (
	// hoursPerYear annualizes hourly log-return volatility.
	hoursPerYear = 24 * 365

	emaPeriod      = 20
	rsiPeriod      = 14
	macdSlowPeriod = 26
	momentumWindow = 6 // hours
	shortVolWindow = 6 // hours
)

// ComputeTechnicals derives indicator values from the 1h kline series.
// Short series produce zero values rather than errors; the prompt just
// carries less signal on a thin cycle.
func ComputeTechnicals(klines1h []Kline) Technicals {
	closes := lo.Map(klines1h, func(k Kline, _ int) float64 { return k.Close })

	var t Technicals
	t.RealizedVol24h = realizedVol(closes)
	t.RealizedVol1h = realizedVol(lo.Subset(closes, -shortVolWindow, uint(shortVolWindow)))

	if len(closes) >= emaPeriod {
		t.EMA20 = lo.LastOrEmpty(indicator.Ema(emaPeriod, closes))
	}
	if len(closes) > rsiPeriod {
		_, rsi := indicator.RsiPeriod(rsiPeriod, closes)
		t.RSI14 = lo.LastOrEmpty(rsi)
	}
	// MACD needs the slow EMA(26) to have settled.
	if len(closes) > macdSlowPeriod {
		macd, signal := indicator.Macd(closes)
		t.MACD = lo.LastOrEmpty(macd)
		t.MACDSignal = lo.LastOrEmpty(signal)
	}

	if len(closes) >= momentumWindow && closes[len(closes)-momentumWindow] != 0 {
		base := closes[len(closes)-momentumWindow]
		t.Momentum6hPct = (closes[len(closes)-1] - base) / base * 100
	}
	return t
}

// realizedVol is the annualized population stddev of hourly log returns,
// in percent.
func realizedVol(closes []float64) float64 {
	if len(closes) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	if len(returns) == 0 {
		return 0
	}

	mean := lo.Sum(returns) / float64(len(returns))
	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	sd := math.Sqrt(sumSq / float64(len(returns)))
	return sd * math.Sqrt(hoursPerYear) * 100
}
