// Package accuracy rolls settled forecasts up into hit-rate reports,
// for the consensus as a whole and for each model separately.
package accuracy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"btc-consensus/internal/domain"
	"btc-consensus/internal/storage"
)

// DefaultTrailingDays is the report window when the caller does not ask
// for a specific one.
const DefaultTrailingDays = 7

// Bucket is one hit-rate cell: total settled calls, hits among them and
// the hit rate as a 0-1 fraction (0 when nothing settled).
type Bucket struct {
	Total         int     `json:"total"`
	Hits          int     `json:"hits"`
	HitRate       float64 `json:"hit_rate"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Report is the consensus accuracy over a trailing period.
type Report struct {
	TrailingDays int                       `json:"trailing_days"`
	Overall      Bucket                    `json:"overall"`
	ByWindow     map[domain.Window]*Bucket `json:"by_window"`
}

// ModelReport is one model's accuracy over a trailing period.
type ModelReport struct {
	Model        string                    `json:"model"`
	TrailingDays int                       `json:"trailing_days"`
	Overall      Bucket                    `json:"overall"`
	ByWindow     map[domain.Window]*Bucket `json:"by_window"`
}

// Calculator computes rollups from the settlement stores.
type Calculator struct {
	forecasts        storage.ForecastStore
	settlements      storage.SettlementStore
	modelSettlements storage.ModelSettlementStore
	now              func() time.Time
}

func NewCalculator(
	forecasts storage.ForecastStore,
	settlements storage.SettlementStore,
	modelSettlements storage.ModelSettlementStore,
) *Calculator {
	return &Calculator{
		forecasts:        forecasts,
		settlements:      settlements,
		modelSettlements: modelSettlements,
		now:              time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Consensus reports the consensus hit rate over the trailing days.
// Confidence comes from the stored consensus windows, joined on
// (forecast, window).
func (c *Calculator) Consensus(ctx context.Context, days int) (*Report, error) {
	if days <= 0 {
		days = DefaultTrailingDays
	}
	cutoff := c.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	settled, err := c.settlements.ListSettledSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}

	confidence, err := c.windowConfidence(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		TrailingDays: days,
		ByWindow:     emptyBuckets(),
	}
	var overallConfSum float64
	confBy := make(map[domain.Window]float64)

	for _, s := range settled {
		b := report.ByWindow[s.Window]
		if b == nil {
			continue
		}
		b.Total++
		report.Overall.Total++
		if s.IsHit {
			b.Hits++
			report.Overall.Hits++
		}
		conf := confidence[windowKey{s.ForecastID, s.Window}]
		confBy[s.Window] += conf
		overallConfSum += conf
	}

	for w, b := range report.ByWindow {
		finalize(b, confBy[w])
	}
	finalize(&report.Overall, overallConfSum)
	return report, nil
}

// Models reports per-model hit rates over the trailing days, sorted by
// model name.
func (c *Calculator) Models(ctx context.Context, days int) ([]*ModelReport, error) {
	if days <= 0 {
		days = DefaultTrailingDays
	}
	cutoff := c.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	settled, err := c.modelSettlements.ListSettledSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list model settlements: %w", err)
	}

	byModel := make(map[string]*ModelReport)
	confSums := make(map[string]map[domain.Window]float64)
	overallConf := make(map[string]float64)

	for _, s := range settled {
		report, ok := byModel[s.Model]
		if !ok {
			report = &ModelReport{
				Model:        s.Model,
				TrailingDays: days,
				ByWindow:     emptyBuckets(),
			}
			byModel[s.Model] = report
			confSums[s.Model] = make(map[domain.Window]float64)
		}

		b := report.ByWindow[s.Window]
		if b == nil {
			continue
		}
		b.Total++
		report.Overall.Total++
		if s.IsHit {
			b.Hits++
			report.Overall.Hits++
		}
		confSums[s.Model][s.Window] += float64(s.Confidence)
		overallConf[s.Model] += float64(s.Confidence)
	}

	reports := make([]*ModelReport, 0, len(byModel))
	for model, report := range byModel {
		for w, b := range report.ByWindow {
			finalize(b, confSums[model][w])
		}
		finalize(&report.Overall, overallConf[model])
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Model < reports[j].Model })
	return reports, nil
}

type windowKey struct {
	forecastID string
	window     domain.Window
}

func (c *Calculator) windowConfidence(ctx context.Context) (map[windowKey]float64, error) {
	windows, err := c.forecasts.ListWindows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list forecast windows: %w", err)
	}
	confidence := make(map[windowKey]float64, len(windows))
	for _, w := range windows {
		confidence[windowKey{w.ForecastID, w.Window}] = float64(w.Confidence)
	}
	return confidence, nil
}

func emptyBuckets() map[domain.Window]*Bucket {
	buckets := make(map[domain.Window]*Bucket, 3)
	for _, w := range domain.Windows() {
		buckets[w] = &Bucket{}
	}
	return buckets
}

// finalize computes the derived fields once counting is done. An empty
// bucket keeps a zero hit rate rather than dividing by zero.
func finalize(b *Bucket, confSum float64) {
	if b.Total == 0 {
		return
	}
	b.HitRate = float64(b.Hits) / float64(b.Total)
	b.AvgConfidence = confSum / float64(b.Total)
}
