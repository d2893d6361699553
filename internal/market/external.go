package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	fearGreedURL   = "https://api.alternative.me/fng/?limit=1"
	coinCapAsset   = "https://api.coincap.io/v2/assets/bitcoin"
	coinCapHistory = "https://api.coincap.io/v2/assets/bitcoin/history?interval=d1"
	coinGeckoURL   = "https://api.coingecko.com/api/v3/coins/bitcoin?localization=false&tickers=false&community_data=false&developer_data=false"
	newsURL        = "https://min-api.cryptocompare.com/data/v2/news/?categories=BTC&excludeCategories=Sponsored"

	externalTimeout = 15 * time.Second
	maxNewsItems    = 10

	// btcATH anchors the ATH change when only CoinCap answers; its
	// history endpoint does not reach back far enough to derive it.
	btcATH     = 109000.0
	btcATHDate = "2025-01-20"
)

// fallbackOverview is served when every overview source fails; a stale
// broad-market picture beats an empty prompt section.
var fallbackOverview = Overview{
	MarketCap:         1.9e12,
	MarketCapRank:     1,
	TotalVolume:       2.5e10,
	CirculatingSupply: 1.96e7,
	ATH:               btcATH,
	ATHChangePct:      -10,
}

// ExternalClient fetches the best-effort sentiment sources. Every method
// degrades to a fallback or nil instead of failing the cycle.
type ExternalClient struct {
	http *http.Client
	log  zerolog.Logger
}

func NewExternalClient(log zerolog.Logger) *ExternalClient {
	return &ExternalClient{
		http: &http.Client{Timeout: externalTimeout},
		log:  log.With().Str("component", "external").Logger(),
	}
}

// FetchAll gathers all external sources in parallel. It never errors.
func (c *ExternalClient) FetchAll(ctx context.Context) ExternalData {
	var data ExternalData
	var g errgroup.Group

	g.Go(func() error {
		data.FearGreed = c.FearGreed(ctx)
		return nil
	})
	g.Go(func() error {
		data.Overview = c.MarketOverview(ctx)
		return nil
	})
	g.Go(func() error {
		data.News = c.News(ctx)
		return nil
	})
	_ = g.Wait()
	return data
}

// FearGreed returns the latest index reading, falling back to a neutral
// 50 when the source is down.
func (c *ExternalClient) FearGreed(ctx context.Context) *FearGreed {
	var resp struct {
		Data []struct {
			Value               string `json:"value"`
			ValueClassification string `json:"value_classification"`
			Timestamp           string `json:"timestamp"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, fearGreedURL, &resp); err != nil || len(resp.Data) == 0 {
		c.log.Warn().Err(err).Msg("fear & greed fetch failed, using neutral fallback")
		return &FearGreed{Value: 50, Classification: "Neutral", Timestamp: time.Now().UnixMilli()}
	}

	value, _ := strconv.Atoi(resp.Data[0].Value)
	ts, _ := strconv.ParseInt(resp.Data[0].Timestamp, 10, 64)
	return &FearGreed{
		Value:          value,
		Classification: resp.Data[0].ValueClassification,
		Timestamp:      ts * 1000,
	}
}

// MarketOverview tries CoinCap first, then CoinGecko, then the static
// fallback. Never nil.
func (c *ExternalClient) MarketOverview(ctx context.Context) *Overview {
	if ov := c.coinCap(ctx); ov != nil {
		return ov
	}
	if ov := c.coinGecko(ctx); ov != nil {
		return ov
	}
	c.log.Warn().Msg("all overview sources failed, using static fallback")
	ov := fallbackOverview
	return &ov
}

func (c *ExternalClient) coinCap(ctx context.Context) *Overview {
	var asset struct {
		Data struct {
			MarketCapUsd string `json:"marketCapUsd"`
			Rank         string `json:"rank"`
			VolumeUsd24h string `json:"volumeUsd24Hr"`
			Supply       string `json:"supply"`
			PriceUsd     string `json:"priceUsd"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, coinCapAsset, &asset); err != nil {
		c.log.Debug().Err(err).Msg("coincap asset fetch failed")
		return nil
	}

	var history struct {
		Data []struct {
			PriceUsd string `json:"priceUsd"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, coinCapHistory, &history); err != nil {
		c.log.Debug().Err(err).Msg("coincap history fetch failed")
		return nil
	}

	price := parseFloat(asset.Data.PriceUsd)
	rank, _ := strconv.Atoi(asset.Data.Rank)
	ov := &Overview{
		MarketCap:         parseFloat(asset.Data.MarketCapUsd),
		MarketCapRank:     rank,
		TotalVolume:       parseFloat(asset.Data.VolumeUsd24h),
		CirculatingSupply: parseFloat(asset.Data.Supply),
		ATH:               btcATH,
	}
	if btcATH > 0 {
		ov.ATHChangePct = (price - btcATH) / btcATH * 100
	}

	prices := history.Data
	if n := len(prices); n >= 7 {
		ago := parseFloat(prices[n-7].PriceUsd)
		if ago > 0 {
			ov.PriceChange7dPct = (price - ago) / ago * 100
		}
	}
	if n := len(prices); n >= 30 {
		ago := parseFloat(prices[n-30].PriceUsd)
		if ago > 0 {
			ov.PriceChange30dPct = (price - ago) / ago * 100
		}
	}
	return ov
}

func (c *ExternalClient) coinGecko(ctx context.Context) *Overview {
	var resp struct {
		MarketData struct {
			MarketCap         map[string]float64 `json:"market_cap"`
			MarketCapRank     int                `json:"market_cap_rank"`
			TotalVolume       map[string]float64 `json:"total_volume"`
			CirculatingSupply float64            `json:"circulating_supply"`
			ATH               map[string]float64 `json:"ath"`
			ATHChangePct      map[string]float64 `json:"ath_change_percentage"`
			PriceChange7d     float64            `json:"price_change_percentage_7d"`
			PriceChange30d    float64            `json:"price_change_percentage_30d"`
		} `json:"market_data"`
	}
	if err := c.getJSON(ctx, coinGeckoURL, &resp); err != nil {
		c.log.Debug().Err(err).Msg("coingecko fetch failed")
		return nil
	}

	md := resp.MarketData
	return &Overview{
		MarketCap:         md.MarketCap["usd"],
		MarketCapRank:     md.MarketCapRank,
		TotalVolume:       md.TotalVolume["usd"],
		CirculatingSupply: md.CirculatingSupply,
		ATH:               md.ATH["usd"],
		ATHChangePct:      md.ATHChangePct["usd"],
		PriceChange7dPct:  md.PriceChange7d,
		PriceChange30dPct: md.PriceChange30d,
	}
}

// News returns up to ten recent BTC headlines, empty on failure.
func (c *ExternalClient) News(ctx context.Context) []NewsItem {
	var resp struct {
		Data []struct {
			Title       string `json:"title"`
			Source      string `json:"source"`
			PublishedOn int64  `json:"published_on"`
			URL         string `json:"url"`
		} `json:"Data"`
	}
	if err := c.getJSON(ctx, newsURL, &resp); err != nil {
		c.log.Warn().Err(err).Msg("news fetch failed")
		return nil
	}

	items := make([]NewsItem, 0, maxNewsItems)
	for _, it := range resp.Data {
		if it.Title == "" {
			continue
		}
		items = append(items, NewsItem{
			Title:       it.Title,
			Source:      it.Source,
			PublishedAt: time.Unix(it.PublishedOn, 0).UTC(),
			URL:         it.URL,
		})
		if len(items) == maxNewsItems {
			break
		}
	}
	return items
}

func (c *ExternalClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(body, out)
}
