// Package api serves the read-only HTTP surface: forecasts, accuracy
// rollups, the market snapshot and on-demand generation.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"btc-consensus/internal/accuracy"
	"btc-consensus/internal/domain"
	"btc-consensus/internal/market"
	"btc-consensus/internal/observability"
	"btc-consensus/internal/storage"
)

const (
	defaultListLimit = 24
	maxListLimit     = 200
)

// ForecastReader is the forecast surface the handlers need.
type ForecastReader interface {
	GetByID(ctx context.Context, id string) (*domain.Forecast, error)
	Latest(ctx context.Context) (*domain.Forecast, error)
	List(ctx context.Context, limit, offset int) ([]*storage.ForecastSummary, error)
	GenerateOnDemand(ctx context.Context) (*domain.Forecast, error)
}

// AccuracyReader computes rollups on demand.
type AccuracyReader interface {
	Consensus(ctx context.Context, days int) (*accuracy.Report, error)
	Models(ctx context.Context, days int) ([]*accuracy.ModelReport, error)
}

// MarketReader supplies the current (possibly cached) market context.
type MarketReader interface {
	Assemble(ctx context.Context) (*market.Data, error)
}

// Server wires the echo router over the service layer.
type Server struct {
	echo      *echo.Echo
	forecasts ForecastReader
	accuracy  AccuracyReader
	market    MarketReader
	log       zerolog.Logger
}

// Options configures the server.
type Options struct {
	Forecasts    ForecastReader
	Accuracy     AccuracyReader
	Market       MarketReader
	Metrics      bool
	MetricsPath  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Log          zerolog.Logger
}

// New builds the server and registers all routes.
func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	if opts.ReadTimeout > 0 {
		e.Server.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		e.Server.WriteTimeout = opts.WriteTimeout
	}

	s := &Server{
		echo:      e,
		forecasts: opts.Forecasts,
		accuracy:  opts.Accuracy,
		market:    opts.Market,
		log:       opts.Log.With().Str("component", "api").Logger(),
	}

	api := e.Group("/api")
	api.GET("/forecasts", s.listForecasts)
	api.GET("/forecasts/latest", s.latestForecast)
	api.GET("/forecasts/:id", s.forecastByID)
	api.POST("/forecasts/generate", s.generateForecast)
	api.GET("/accuracy", s.consensusAccuracy)
	api.GET("/accuracy/models", s.modelAccuracy)
	api.GET("/market", s.marketSnapshot)
	api.GET("/health", s.health)

	if opts.Metrics {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(observability.Handler()))
	}
	return s
}

// Start blocks serving on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) latestForecast(c echo.Context) error {
	forecast, err := s.forecasts.Latest(c.Request().Context())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorBody{Error: "no forecasts yet"})
		}
		return s.internalError(c, err)
	}
	return c.JSON(http.StatusOK, forecast)
}

func (s *Server) forecastByID(c echo.Context) error {
	id := c.Param("id")
	forecast, err := s.forecasts.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorBody{Error: "forecast not found: " + id})
		}
		return s.internalError(c, err)
	}
	return c.JSON(http.StatusOK, forecast)
}

func (s *Server) listForecasts(c echo.Context) error {
	limit := queryInt(c, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	summaries, err := s.forecasts.List(c.Request().Context(), limit, offset)
	if err != nil {
		return s.internalError(c, err)
	}
	if summaries == nil {
		summaries = []*storage.ForecastSummary{}
	}
	return c.JSON(http.StatusOK, summaries)
}

func (s *Server) generateForecast(c echo.Context) error {
	forecast, err := s.forecasts.GenerateOnDemand(c.Request().Context())
	if err != nil {
		return s.internalError(c, err)
	}
	// Halted and degraded grades ride along in the body.
	return c.JSON(http.StatusOK, forecast)
}

func (s *Server) consensusAccuracy(c echo.Context) error {
	report, err := s.accuracy.Consensus(c.Request().Context(), queryInt(c, "days", 0))
	if err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) modelAccuracy(c echo.Context) error {
	reports, err := s.accuracy.Models(c.Request().Context(), queryInt(c, "days", 0))
	if err != nil {
		return s.internalError(c, err)
	}
	if reports == nil {
		reports = []*accuracy.ModelReport{}
	}
	return c.JSON(http.StatusOK, reports)
}

func (s *Server) marketSnapshot(c echo.Context) error {
	data, err := s.market.Assemble(c.Request().Context())
	if err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(http.StatusOK, marketResponse(data))
}

func (s *Server) health(c echo.Context) error {
	data, err := s.market.Assemble(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, data.Health)
}

func (s *Server) internalError(c echo.Context, err error) error {
	s.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// marketResponse is the public shape of the market endpoint: the
// assembled context minus bulky kline/trade series.
func marketResponse(d *market.Data) map[string]any {
	resp := map[string]any{
		"price":                d.Spot.Price,
		"price_change_1h_pct":  d.PriceChange1hPct(),
		"price_change_24h_pct": d.Spot.PriceChange24hPct,
		"volume_24h":           d.Spot.Volume24h,
		"high_24h":             d.Spot.High24h,
		"low_24h":              d.Spot.Low24h,
		"realized_vol_24h":     d.Technicals.RealizedVol24h,
		"health":               d.Health,
		"fetched_at":           d.FetchedAt,
	}
	if d.Futures.FundingRate != nil {
		resp["funding_rate"] = *d.Futures.FundingRate
	}
	if d.Futures.OpenInterest != nil {
		resp["open_interest"] = *d.Futures.OpenInterest
	}
	if d.Spot.OrderBook != nil {
		resp["order_book_imbalance"] = d.Spot.OrderBook.Imbalance
	}
	if d.External.FearGreed != nil {
		resp["fear_greed"] = d.External.FearGreed
	}
	return resp
}
