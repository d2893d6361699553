package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	symbol = "BTCUSDT"

	klines1hLimit  = 48
	klines4hLimit  = 7
	depthLimit     = 20
	tradesLimit    = 50
	klineInterval1 = "1h"
	klineInterval4 = "4h"
)

// BinanceSource fetches spot and futures data for the BTCUSDT pair.
// Both clients work unauthenticated for the market-data endpoints used here.
type BinanceSource struct {
	spot    *binance.Client
	futures *futures.Client
	log     zerolog.Logger
}

// NewBinanceSource builds a source; empty keys are fine for public endpoints.
func NewBinanceSource(apiKey, secretKey string, log zerolog.Logger) *BinanceSource {
	return &BinanceSource{
		spot:    binance.NewClient(apiKey, secretKey),
		futures: binance.NewFuturesClient(apiKey, secretKey),
		log:     log.With().Str("component", "binance").Logger(),
	}
}

// FetchSpot pulls ticker, klines, depth and recent trades in parallel.
// Any failure fails the whole spot fetch: a forecast without spot data
// is not worth generating.
func (b *BinanceSource) FetchSpot(ctx context.Context) (SpotData, error) {
	var data SpotData
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		stats, err := b.spot.NewListPriceChangeStatsService().Symbol(symbol).Do(gctx)
		if err != nil {
			return fmt.Errorf("24h ticker: %w", err)
		}
		if len(stats) == 0 {
			return errors.New("24h ticker: empty response")
		}
		s := stats[0]
		data.Price = parseFloat(s.LastPrice)
		data.PriceChange24hPct = parseFloat(s.PriceChangePercent)
		data.Volume24h = parseFloat(s.Volume)
		data.High24h = parseFloat(s.HighPrice)
		data.Low24h = parseFloat(s.LowPrice)
		return nil
	})

	g.Go(func() error {
		klines, err := b.fetchKlines(gctx, klineInterval1, klines1hLimit)
		if err != nil {
			return fmt.Errorf("1h klines: %w", err)
		}
		data.Klines1h = klines
		return nil
	})

	g.Go(func() error {
		klines, err := b.fetchKlines(gctx, klineInterval4, klines4hLimit)
		if err != nil {
			return fmt.Errorf("4h klines: %w", err)
		}
		data.Klines4h = klines
		return nil
	})

	g.Go(func() error {
		depth, err := b.spot.NewDepthService().Symbol(symbol).Limit(depthLimit).Do(gctx)
		if err != nil {
			return fmt.Errorf("depth: %w", err)
		}
		data.OrderBook = buildOrderBook(depth)
		return nil
	})

	g.Go(func() error {
		trades, err := b.spot.NewRecentTradesService().Symbol(symbol).Limit(tradesLimit).Do(gctx)
		if err != nil {
			return fmt.Errorf("recent trades: %w", err)
		}
		data.RecentTrades = convertTrades(trades)
		return nil
	})

	if err := g.Wait(); err != nil {
		return SpotData{}, err
	}
	return data, nil
}

// FetchFutures pulls funding rate and open interest. Errors surface to
// the caller so the assembler can grade the cycle degraded; fields stay
// nil rather than zero when their fetch failed.
func (b *BinanceSource) FetchFutures(ctx context.Context) (FuturesData, error) {
	var data FuturesData
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		res, err := b.futures.NewPremiumIndexService().Symbol(symbol).Do(gctx)
		if err != nil {
			return fmt.Errorf("premium index: %w", err)
		}
		for _, r := range res {
			if r.Symbol == symbol {
				rate := parseFloat(r.LastFundingRate)
				data.FundingRate = &rate
				break
			}
		}
		return nil
	})

	g.Go(func() error {
		res, err := b.futures.NewGetOpenInterestService().Symbol(symbol).Do(gctx)
		if err != nil {
			return fmt.Errorf("open interest: %w", err)
		}
		oi := parseFloat(res.OpenInterest)
		data.OpenInterest = &oi
		return nil
	})

	if err := g.Wait(); err != nil {
		return FuturesData{}, err
	}
	return data, nil
}

// PriceAt returns the 1m close covering t, for settlement lookups.
func (b *BinanceSource) PriceAt(ctx context.Context, t time.Time) (float64, error) {
	start := t.UnixMilli()
	end := start + time.Minute.Milliseconds()
	klines, err := b.spot.NewKlinesService().
		Symbol(symbol).
		Interval("1m").
		StartTime(start).
		EndTime(end).
		Limit(1).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("1m kline at %s: %w", t.UTC().Format(time.RFC3339), err)
	}
	if len(klines) == 0 {
		return 0, fmt.Errorf("no 1m kline at %s", t.UTC().Format(time.RFC3339))
	}
	return parseFloat(klines[0].Close), nil
}

// CurrentPrice returns the latest spot price.
func (b *BinanceSource) CurrentPrice(ctx context.Context) (float64, error) {
	prices, err := b.spot.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("list prices: %w", err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return strconv.ParseFloat(p.Price, 64)
		}
	}
	return 0, errors.New("symbol not found in price list")
}

func (b *BinanceSource) fetchKlines(ctx context.Context, interval string, limit int) ([]Kline, error) {
	raw, err := b.spot.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		klines = append(klines, Kline{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}
	return klines, nil
}

func convertTrades(raw []*binance.Trade) []Trade {
	trades := make([]Trade, 0, len(raw))
	for _, t := range raw {
		trades = append(trades, Trade{
			ID:           t.ID,
			Price:        parseFloat(t.Price),
			Quantity:     parseFloat(t.Quantity),
			Time:         time.UnixMilli(t.Time),
			IsBuyerMaker: t.IsBuyerMaker,
		})
	}
	return trades
}

func buildOrderBook(depth *binance.DepthResponse) *OrderBook {
	book := &OrderBook{
		Bids: make([]BookLevel, 0, len(depth.Bids)),
		Asks: make([]BookLevel, 0, len(depth.Asks)),
	}
	for _, lvl := range depth.Bids {
		price, qty := parseFloat(lvl.Price), parseFloat(lvl.Quantity)
		book.Bids = append(book.Bids, BookLevel{Price: price, Quantity: qty})
		book.BidTotal += price * qty
	}
	for _, lvl := range depth.Asks {
		price, qty := parseFloat(lvl.Price), parseFloat(lvl.Quantity)
		book.Asks = append(book.Asks, BookLevel{Price: price, Quantity: qty})
		book.AskTotal += price * qty
	}
	if total := book.BidTotal + book.AskTotal; total > 0 {
		book.Imbalance = (book.BidTotal - book.AskTotal) / total * 100
	}
	return book
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
