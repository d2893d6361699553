// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Forecast cycle metrics
	CyclesTotal       *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	ConsensusStrength prometheus.Gauge
	HealthGrade       *prometheus.GaugeVec

	// Model metrics
	ModelCallsTotal   *prometheus.CounterVec
	ModelCallDuration *prometheus.HistogramVec

	// Settlement metrics
	WindowsSettledTotal    prometheus.Counter
	ModelRowsSettledTotal  prometheus.Counter
	SettlementFailures     prometheus.Counter
	LastSettlementPassUnix prometheus.Gauge

	// Market metrics
	MarketFetchDuration prometheus.Histogram
	MarketFetchErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulCycle prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "btc_consensus"
	}

	return &Metrics{
		CyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forecast",
			Name:      "cycles_total",
			Help:      "Total number of forecast cycles by outcome",
		}, []string{"status"}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "forecast",
			Name:      "cycle_duration_seconds",
			Help:      "Forecast cycle duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		ConsensusStrength: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "forecast",
			Name:      "consensus_strength",
			Help:      "Consensus strength of the most recent forecast (0-100)",
		}),
		HealthGrade: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "health_grade",
			Help:      "Current market data health grade (1 for the active grade)",
		}, []string{"grade"}),

		ModelCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "model_calls_total",
			Help:      "Total number of model calls by model and outcome",
		}, []string{"model", "status"}),
		ModelCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "model_call_duration_seconds",
			Help:      "Model call duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 90, 120},
		}, []string{"model"}),

		WindowsSettledTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "windows_settled_total",
			Help:      "Total number of consensus windows settled",
		}),
		ModelRowsSettledTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "model_rows_settled_total",
			Help:      "Total number of per-model settlement rows written",
		}),
		SettlementFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "failures_total",
			Help:      "Total number of settlement failures (retried next pass)",
		}),
		LastSettlementPassUnix: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "last_pass_timestamp",
			Help:      "Unix timestamp of the last completed settlement pass",
		}),

		MarketFetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "fetch_duration_seconds",
			Help:      "Market context assembly duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		MarketFetchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "fetch_errors_total",
			Help:      "Total number of market fetch errors by source",
		}, []string{"source"}),

		LastSuccessfulCycle: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_cycle_timestamp",
			Help:      "Unix timestamp of the last successfully stored forecast",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCycle records one forecast cycle outcome.
func (m *Metrics) RecordCycle(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(status).Inc()
	m.CycleDuration.Observe(durationSeconds)
}

// RecordModelCall records one model invocation outcome.
func (m *Metrics) RecordModelCall(model, status string) {
	if m == nil {
		return
	}
	m.ModelCallsTotal.WithLabelValues(model, status).Inc()
}

// RecordHealthGrade sets the active health grade gauge.
func (m *Metrics) RecordHealthGrade(grade string) {
	if m == nil {
		return
	}
	for _, g := range []string{"normal", "degraded", "halted"} {
		v := 0.0
		if g == grade {
			v = 1
		}
		m.HealthGrade.WithLabelValues(g).Set(v)
	}
}

// RecordSettlementPass records the outcome of one settlement pass.
func (m *Metrics) RecordSettlementPass(windows, modelRows, failures int, atUnix int64) {
	if m == nil {
		return
	}
	m.WindowsSettledTotal.Add(float64(windows))
	m.ModelRowsSettledTotal.Add(float64(modelRows))
	m.SettlementFailures.Add(float64(failures))
	m.LastSettlementPassUnix.Set(float64(atUnix))
}
