package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"StockETL/internal/calculator"
	"StockETL/internal/metrics"
	"StockETL/internal/model"
)

// Report is the output of one feature and outlier run.
type Report struct {
	RunID     string              `json:"run_id"`
	StartedAt time.Time           `json:"started_at"`
	Params    calculator.Params   `json:"params"`
	Symbols   []string            `json:"symbols"`
	Bars      []model.EnrichedBar `json:"bars"`
	Rejected  []model.RowError    `json:"rejected"`
}

// Outliers returns the bars flagged on close or volume.
func (r *Report) Outliers() []model.EnrichedBar {
	var out []model.EnrichedBar
	for _, b := range r.Bars {
		if b.IsOutlierClose || b.IsOutlierVolume {
			out = append(out, b)
		}
	}
	return out
}

// Engine validates raw bars, splits them per symbol and enriches every symbol
// independently.
type Engine struct {
	Params  calculator.Params
	Workers int
	Metrics *metrics.Metrics
}

// NewEngine creates an Engine. workers <= 0 means one worker per symbol.
func NewEngine(p calculator.Params, workers int, m *metrics.Metrics) *Engine {
	return &Engine{Params: p, Workers: workers, Metrics: m}
}

// Run computes enriched bars for every well-formed input row. Malformed rows
// are skipped and listed in Report.Rejected. Output is ordered by symbol then
// date, whatever the input order.
func (e *Engine) Run(ctx context.Context, bars []model.RawBar) (*Report, error) {
	if err := e.Params.Validate(); err != nil {
		return nil, fmt.Errorf("analysis params: %w", err)
	}
	start := time.Now()

	series, rejected := Partition(bars)
	symbols := make([]string, 0, len(series))
	for s := range series {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	results := make([][]model.EnrichedBar, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	if e.Workers > 0 {
		g.SetLimit(e.Workers)
	}
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = calculator.Enrich(series[sym], e.Params)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("enrich symbols: %w", err)
	}

	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: start.UTC(),
		Params:    e.Params,
		Symbols:   symbols,
		Rejected:  rejected,
	}
	var closeOutliers, volumeOutliers int
	for _, r := range results {
		for _, b := range r {
			if b.IsOutlierClose {
				closeOutliers++
			}
			if b.IsOutlierVolume {
				volumeOutliers++
			}
		}
		report.Bars = append(report.Bars, r...)
	}

	e.Metrics.ObserveAnalysis(time.Since(start), len(report.Bars), len(rejected), closeOutliers, volumeOutliers)
	log.Info().
		Str("run_id", report.RunID).
		Int("symbols", len(symbols)).
		Int("bars", len(report.Bars)).
		Int("rejected", len(rejected)).
		Int("close_outliers", closeOutliers).
		Int("volume_outliers", volumeOutliers).
		Dur("took", time.Since(start)).
		Msg("analysis finished")
	return report, nil
}

// Partition drops malformed rows and groups the rest by symbol, each group
// sorted by date. A repeated (symbol, date) keeps its first occurrence.
func Partition(bars []model.RawBar) (map[string][]model.RawBar, []model.RowError) {
	series := make(map[string][]model.RawBar)
	seen := make(map[string]struct{}, len(bars))
	var rejected []model.RowError

	for _, b := range bars {
		if reason := checkBar(b); reason != "" {
			rejected = append(rejected, model.RowError{Symbol: b.Symbol, Date: b.DateString(), Reason: reason})
			continue
		}
		b.Symbol = strings.TrimSpace(b.Symbol)
		b.Date = model.Day(b.Date)
		key := b.Symbol + "|" + b.DateString()
		if _, dup := seen[key]; dup {
			rejected = append(rejected, model.RowError{Symbol: b.Symbol, Date: b.DateString(), Reason: "duplicate bar for symbol and date"})
			continue
		}
		seen[key] = struct{}{}
		series[b.Symbol] = append(series[b.Symbol], b)
	}

	for _, s := range series {
		sort.SliceStable(s, func(i, j int) bool { return s[i].Date.Before(s[j].Date) })
	}
	sort.SliceStable(rejected, func(i, j int) bool {
		if rejected[i].Symbol != rejected[j].Symbol {
			return rejected[i].Symbol < rejected[j].Symbol
		}
		return rejected[i].Date < rejected[j].Date
	})
	return series, rejected
}

// checkBar returns why b cannot be enriched, or "" when it can.
func checkBar(b model.RawBar) string {
	switch {
	case strings.TrimSpace(b.Symbol) == "":
		return "missing symbol"
	case b.Date.IsZero():
		return "missing date"
	case !b.Close.Valid:
		return "missing close"
	case b.Volume < 0:
		return "negative volume"
	}
	prices := []struct {
		name string
		v    decimal.Decimal
	}{
		{"open", b.Open},
		{"high", b.High},
		{"low", b.Low},
		{"close", b.Close.Decimal},
	}
	for _, p := range prices {
		if f, _ := p.v.Float64(); math.IsInf(f, 0) || math.IsNaN(f) {
			return p.name + " out of range"
		}
	}
	return ""
}
