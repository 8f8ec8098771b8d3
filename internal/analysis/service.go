package analysis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"StockETL/internal/model"
)

// BarSource supplies raw bars for a set of tickers over a date range.
// An empty ticker list means every symbol; zero times leave that side open.
// Rows the source cannot decode come back as RowErrors.
type BarSource interface {
	LoadBars(ctx context.Context, tickers []string, start, end time.Time) ([]model.RawBar, []model.RowError, error)
}

// Service loads stored series and runs the Engine over them.
type Service struct {
	Source BarSource
	Engine *Engine
}

// NewService creates a Service.
func NewService(src BarSource, engine *Engine) *Service {
	return &Service{Source: src, Engine: engine}
}

// Analyze loads the requested series and enriches them. Rows rejected by the
// source and by the engine are merged into Report.Rejected.
func (s *Service) Analyze(ctx context.Context, tickers []string, start, end time.Time) (*Report, error) {
	bars, loadErrs, err := s.Source.LoadBars(ctx, tickers, start, end)
	if err != nil {
		return nil, fmt.Errorf("load bars: %w", err)
	}
	report, err := s.Engine.Run(ctx, bars)
	if err != nil {
		return nil, err
	}
	if len(loadErrs) > 0 {
		report.Rejected = append(report.Rejected, loadErrs...)
		sort.SliceStable(report.Rejected, func(i, j int) bool {
			a, b := report.Rejected[i], report.Rejected[j]
			if a.Symbol != b.Symbol {
				return a.Symbol < b.Symbol
			}
			return a.Date < b.Date
		})
	}
	return report, nil
}

// LatestOutliers returns the flagged bars dated on each symbol's most recent day.
func LatestOutliers(r *Report) []model.EnrichedBar {
	latest := make(map[string]time.Time)
	for _, b := range r.Bars {
		if b.Date.After(latest[b.Symbol]) {
			latest[b.Symbol] = b.Date
		}
	}
	var out []model.EnrichedBar
	for _, b := range r.Outliers() {
		if b.Date.Equal(latest[b.Symbol]) {
			out = append(out, b)
		}
	}
	return out
}
