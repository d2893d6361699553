package llm

import (
	"fmt"
	"strings"
	"time"

	"btc-consensus/internal/market"
)

const systemPrompt = "You are a professional cryptocurrency market analyst specializing in " +
	"data-driven short-term forecasting. Answer strictly in the requested JSON format."

const maxHeadlines = 8

// BuildPrompt renders the assembled market context into the shared user
// prompt. The output is deterministic for a given context: every model
// in a cycle sees the identical prompt.
func BuildPrompt(data *market.Data) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a professional BTC market analyst. Based on the complete market data below, produce a structured forecast for the next 1h/4h/24h.\n\n")
	fmt.Fprintf(&b, "## Market data (%s)\n\n", data.FetchedAt.UTC().Format(time.RFC3339))

	writePriceSection(&b, data)
	writeVolumeSection(&b, data)
	writeDerivativesSection(&b, data)
	writeOrderBookSection(&b, data.Spot.OrderBook)
	writeTradesSection(&b, data.Spot.RecentTrades)
	writeTechnicalsSection(&b, data.Technicals)
	writeExternalSections(&b, data.External)

	b.WriteString(outputInstructions)
	return b.String()
}

func writePriceSection(b *strings.Builder, data *market.Data) {
	spot := data.Spot
	rangePct := 0.0
	if spot.Price > 0 {
		rangePct = (spot.High24h - spot.Low24h) / spot.Price * 100
	}
	fmt.Fprintf(b, "### Price\n")
	fmt.Fprintf(b, "- Current price: $%.2f\n", spot.Price)
	fmt.Fprintf(b, "- 1h change: %.2f%%\n", data.PriceChange1hPct())
	fmt.Fprintf(b, "- 24h change: %.2f%%\n", spot.PriceChange24hPct)
	fmt.Fprintf(b, "- 24h range: $%.2f - $%.2f (%.2f%%)\n\n", spot.Low24h, spot.High24h, rangePct)
}

func writeVolumeSection(b *strings.Builder, data *market.Data) {
	fmt.Fprintf(b, "### Volume and volatility\n")
	fmt.Fprintf(b, "- 24h volume: %.0fK BTC\n", data.Spot.Volume24h/1000)
	fmt.Fprintf(b, "- 1h realized vol (annualized): %.1f%%\n", data.Technicals.RealizedVol1h)
	fmt.Fprintf(b, "- 24h realized vol (annualized): %.1f%%\n\n", data.Technicals.RealizedVol24h)
}

func writeDerivativesSection(b *strings.Builder, data *market.Data) {
	fmt.Fprintf(b, "### Derivatives\n")
	if data.Futures.FundingRate != nil {
		fmt.Fprintf(b, "- Funding rate: %.4f%%\n", *data.Futures.FundingRate*100)
	} else {
		fmt.Fprintf(b, "- Funding rate: unavailable\n")
	}
	if data.Futures.OpenInterest != nil {
		fmt.Fprintf(b, "- Open interest: %.1fK BTC\n", *data.Futures.OpenInterest/1000)
	} else {
		fmt.Fprintf(b, "- Open interest: unavailable\n")
	}
	b.WriteString("\n")
}

func writeOrderBookSection(b *strings.Builder, book *market.OrderBook) {
	if book == nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return
	}
	topBid, topAsk := book.Bids[0], book.Asks[0]
	spread := 0.0
	if topBid.Price > 0 {
		spread = (topAsk.Price - topBid.Price) / topBid.Price * 100
	}
	fmt.Fprintf(b, "### Order book depth (top %d)\n", len(book.Bids))
	fmt.Fprintf(b, "- Best bid: $%.2f x %.3f BTC\n", topBid.Price, topBid.Quantity)
	fmt.Fprintf(b, "- Best ask: $%.2f x %.3f BTC\n", topAsk.Price, topAsk.Quantity)
	fmt.Fprintf(b, "- Spread: %.4f%%\n", spread)
	fmt.Fprintf(b, "- Bid notional: $%.2fM\n", book.BidTotal/1e6)
	fmt.Fprintf(b, "- Ask notional: $%.2fM\n", book.AskTotal/1e6)
	fmt.Fprintf(b, "- Imbalance: %.2f%% (positive = bid heavy)\n\n", book.Imbalance)
}

func writeTradesSection(b *strings.Builder, trades []market.Trade) {
	if len(trades) == 0 {
		return
	}
	var buyVol, sellVol float64
	var buys, sells int
	for _, t := range trades {
		if t.IsBuyerMaker {
			sellVol += t.Quantity
			sells++
		} else {
			buyVol += t.Quantity
			buys++
		}
	}
	ratio := buyVol
	if sellVol > 0 {
		ratio = buyVol / sellVol
	}
	fmt.Fprintf(b, "### Recent trades (%d)\n", len(trades))
	fmt.Fprintf(b, "- Taker buy volume: %.3f BTC (%d trades)\n", buyVol, buys)
	fmt.Fprintf(b, "- Taker sell volume: %.3f BTC (%d trades)\n", sellVol, sells)
	fmt.Fprintf(b, "- Buy/sell ratio: %.2f\n\n", ratio)
}

func writeTechnicalsSection(b *strings.Builder, t market.Technicals) {
	trend := "sideways"
	switch {
	case t.Momentum6hPct > 0.5:
		trend = "uptrend"
	case t.Momentum6hPct < -0.5:
		trend = "downtrend"
	}
	fmt.Fprintf(b, "### Technicals\n")
	fmt.Fprintf(b, "- Short-term trend: %s\n", trend)
	fmt.Fprintf(b, "- 6h momentum: %.2f%%\n", t.Momentum6hPct)
	if t.EMA20 > 0 {
		fmt.Fprintf(b, "- EMA20 (1h): $%.2f\n", t.EMA20)
	}
	if t.RSI14 > 0 {
		fmt.Fprintf(b, "- RSI14 (1h): %.1f\n", t.RSI14)
	}
	if t.MACD != 0 || t.MACDSignal != 0 {
		fmt.Fprintf(b, "- MACD (1h): %.2f, signal %.2f\n", t.MACD, t.MACDSignal)
	}
	b.WriteString("\n")
}

func writeExternalSections(b *strings.Builder, ext market.ExternalData) {
	if fg := ext.FearGreed; fg != nil {
		fmt.Fprintf(b, "### Fear & Greed index\n")
		fmt.Fprintf(b, "- Current: %d/100 (%s)\n\n", fg.Value, fg.Classification)
	}
	if ov := ext.Overview; ov != nil {
		fmt.Fprintf(b, "### Market overview\n")
		fmt.Fprintf(b, "- Market cap: $%.2fT (#%d)\n", ov.MarketCap/1e12, ov.MarketCapRank)
		fmt.Fprintf(b, "- ATH: $%.2f (%.1f%% from ATH)\n", ov.ATH, ov.ATHChangePct)
		fmt.Fprintf(b, "- 7d change: %.2f%%\n", ov.PriceChange7dPct)
		fmt.Fprintf(b, "- 30d change: %.2f%%\n", ov.PriceChange30dPct)
		fmt.Fprintf(b, "- Circulating supply: %.2fM BTC\n\n", ov.CirculatingSupply/1e6)
	}
	if len(ext.News) > 0 {
		fmt.Fprintf(b, "### Latest headlines\n")
		for i, n := range ext.News {
			if i == maxHeadlines {
				break
			}
			fmt.Fprintf(b, "- %s\n", n.Title)
		}
		b.WriteString("\n")
	}
}

const outputInstructions = `## Output requirements

Respond with exactly the following JSON structure and nothing else:

` + "```json" + `
{
  "windows": {
    "1h": {
      "prob_up": <0.0-1.0, probability of a move above +0.5%>,
      "prob_down": <0.0-1.0, probability of a move below -0.5%>,
      "prob_flat": <0.0-1.0, probability of staying within ±0.5%>,
      "prob_move_1pct": <0.0-1.0, probability of a >=1% move either way>,
      "prob_move_2pct": <0.0-1.0, probability of a >=2% move either way>,
      "expected_range_pct": <expected price range in percent>,
      "confidence": <0-100>,
      "main_conclusion": "<one-sentence conclusion>",
      "top_factors": [
        {"name": "<factor>", "direction": "<up/down/neutral>", "strength": <0-100>, "evidence": "<evidence>"}
      ],
      "invalidation": ["<condition 1>", "<condition 2>"]
    },
    "4h": { ...same shape... },
    "24h": { ...same shape... }
  },
  "reasoning": "<overall reasoning in two or three sentences>"
}
` + "```" + `

## Rules
1. prob_up + prob_down + prob_flat must equal 1.0 in every window.
2. Lower your confidence when the data is thin or the picture is unclear.
3. top_factors needs at least two entries, each backed by concrete data above.
4. invalidation entries must be specific, checkable conditions.
5. Output JSON only, no surrounding text.`
