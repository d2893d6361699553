package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-consensus/internal/accuracy"
	"btc-consensus/internal/domain"
	"btc-consensus/internal/market"
	"btc-consensus/internal/storage"
)

type stubForecasts struct {
	byID      map[string]*domain.Forecast
	latest    *domain.Forecast
	summaries []*storage.ForecastSummary
	onDemand  *domain.Forecast
	err       error

	lastLimit  int
	lastOffset int
}

func (s *stubForecasts) GetByID(_ context.Context, id string) (*domain.Forecast, error) {
	if s.err != nil {
		return nil, s.err
	}
	f, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return f, nil
}

func (s *stubForecasts) Latest(_ context.Context) (*domain.Forecast, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.latest == nil {
		return nil, storage.ErrNotFound
	}
	return s.latest, nil
}

func (s *stubForecasts) List(_ context.Context, limit, offset int) ([]*storage.ForecastSummary, error) {
	s.lastLimit, s.lastOffset = limit, offset
	return s.summaries, s.err
}

func (s *stubForecasts) GenerateOnDemand(_ context.Context) (*domain.Forecast, error) {
	return s.onDemand, s.err
}

type stubAccuracy struct {
	report   *accuracy.Report
	models   []*accuracy.ModelReport
	err      error
	lastDays int
}

func (s *stubAccuracy) Consensus(_ context.Context, days int) (*accuracy.Report, error) {
	s.lastDays = days
	return s.report, s.err
}

func (s *stubAccuracy) Models(_ context.Context, days int) ([]*accuracy.ModelReport, error) {
	s.lastDays = days
	return s.models, s.err
}

type stubMarket struct {
	data *market.Data
	err  error
}

func (s *stubMarket) Assemble(_ context.Context) (*market.Data, error) {
	return s.data, s.err
}

func sampleForecast(id string) *domain.Forecast {
	return &domain.Forecast{
		ID:             id,
		CreatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ReferencePrice: 67000,
		HealthGrade:    domain.HealthNormal,
	}
}

func sampleMarketData() *market.Data {
	return &market.Data{
		Spot: market.SpotData{
			Price:             67000,
			PriceChange24hPct: 1.5,
			Volume24h:         21000,
			High24h:           68000,
			Low24h:            66000,
			OrderBook:         &market.OrderBook{Imbalance: 4.2},
		},
		Futures: market.FuturesData{FundingRate: lo.ToPtr(0.01)},
		Health:  domain.DataHealth{Grade: domain.HealthNormal, LatencyMs: 120},
	}
}

func newTestServer(t *testing.T, forecasts *stubForecasts, acc *stubAccuracy, mkt *stubMarket) *httptest.Server {
	t.Helper()
	srv := New(Options{
		Forecasts: forecasts,
		Accuracy:  acc,
		Market:    mkt,
		Log:       zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestGetForecastByID(t *testing.T) {
	forecasts := &stubForecasts{byID: map[string]*domain.Forecast{
		"2025060112": sampleForecast("2025060112"),
	}}
	ts := newTestServer(t, forecasts, &stubAccuracy{}, &stubMarket{})

	var got domain.Forecast
	code := getJSON(t, ts.URL+"/api/forecasts/2025060112", &got)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2025060112", got.ID)
	assert.Equal(t, 67000.0, got.ReferencePrice)
}

func TestGetForecastByID_NotFound(t *testing.T) {
	ts := newTestServer(t, &stubForecasts{}, &stubAccuracy{}, &stubMarket{})

	var body map[string]string
	code := getJSON(t, ts.URL+"/api/forecasts/2020010100", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "2020010100")
}

func TestGetLatest(t *testing.T) {
	forecasts := &stubForecasts{latest: sampleForecast("2025060113")}
	ts := newTestServer(t, forecasts, &stubAccuracy{}, &stubMarket{})

	var got domain.Forecast
	code := getJSON(t, ts.URL+"/api/forecasts/latest", &got)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2025060113", got.ID)
}

func TestGetLatest_Empty(t *testing.T) {
	ts := newTestServer(t, &stubForecasts{}, &stubAccuracy{}, &stubMarket{})
	code := getJSON(t, ts.URL+"/api/forecasts/latest", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListForecasts_EmptyIsArray(t *testing.T) {
	ts := newTestServer(t, &stubForecasts{}, &stubAccuracy{}, &stubMarket{})

	resp, err := http.Get(ts.URL + "/api/forecasts")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got []*storage.ForecastSummary
	require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&got))
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestListForecasts_Pagination(t *testing.T) {
	forecasts := &stubForecasts{summaries: []*storage.ForecastSummary{
		{ID: "2025060112", ConsensusStrength: 80},
	}}
	ts := newTestServer(t, forecasts, &stubAccuracy{}, &stubMarket{})

	var got []*storage.ForecastSummary
	code := getJSON(t, ts.URL+"/api/forecasts?limit=5&offset=10", &got)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, got, 1)
	assert.Equal(t, 5, forecasts.lastLimit)
	assert.Equal(t, 10, forecasts.lastOffset)
}

func TestListForecasts_BadParamsFallBack(t *testing.T) {
	forecasts := &stubForecasts{}
	ts := newTestServer(t, forecasts, &stubAccuracy{}, &stubMarket{})

	code := getJSON(t, ts.URL+"/api/forecasts?limit=-1&offset=junk", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, defaultListLimit, forecasts.lastLimit)
	assert.Equal(t, 0, forecasts.lastOffset)
}

func TestGenerateForecast(t *testing.T) {
	halted := sampleForecast("2025060114")
	halted.HealthGrade = domain.HealthHalted
	halted.HealthReason = "critical: spot market data unavailable"
	ts := newTestServer(t, &stubForecasts{onDemand: halted}, &stubAccuracy{}, &stubMarket{})

	resp, err := http.Post(ts.URL+"/api/forecasts/generate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.Forecast
	require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, domain.HealthHalted, got.HealthGrade)
	assert.Contains(t, got.HealthReason, "critical")
}

func TestAccuracyEndpoints(t *testing.T) {
	acc := &stubAccuracy{
		report: &accuracy.Report{
			TrailingDays: 7,
			Overall:      accuracy.Bucket{Total: 10, Hits: 6, HitRate: 0.6},
		},
		models: []*accuracy.ModelReport{
			{Model: "deepseek", TrailingDays: 7, Overall: accuracy.Bucket{Total: 4, Hits: 2, HitRate: 0.5}},
		},
	}
	ts := newTestServer(t, &stubForecasts{}, acc, &stubMarket{})

	var report accuracy.Report
	code := getJSON(t, ts.URL+"/api/accuracy?days=14", &report)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 14, acc.lastDays)
	assert.InDelta(t, 0.6, report.Overall.HitRate, 1e-9)

	var models []*accuracy.ModelReport
	code = getJSON(t, ts.URL+"/api/accuracy/models", &models)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, acc.lastDays, "missing days falls through to the calculator default")
	require.Len(t, models, 1)
	assert.Equal(t, "deepseek", models[0].Model)
}

func TestMarketEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubForecasts{}, &stubAccuracy{}, &stubMarket{data: sampleMarketData()})

	var got map[string]any
	code := getJSON(t, ts.URL+"/api/market", &got)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 67000.0, got["price"])
	assert.Equal(t, 0.01, got["funding_rate"])
	assert.Equal(t, 4.2, got["order_book_imbalance"])
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubForecasts{}, &stubAccuracy{}, &stubMarket{data: sampleMarketData()})

	var got domain.DataHealth
	code := getJSON(t, ts.URL+"/api/health", &got)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.HealthNormal, got.Grade)
}

func TestHealthEndpoint_AssemblyFailure(t *testing.T) {
	ts := newTestServer(t, &stubForecasts{}, &stubAccuracy{}, &stubMarket{err: errors.New("binance unreachable")})
	code := getJSON(t, ts.URL+"/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	ts := newTestServer(t, &stubForecasts{err: errors.New("pool exhausted")}, &stubAccuracy{}, &stubMarket{})

	var body map[string]string
	code := getJSON(t, ts.URL+"/api/forecasts/latest", &body)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal error", body["error"])
}
