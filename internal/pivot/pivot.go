package pivot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"StockETL/internal/model"
)

// Metric extracts one named value from an enriched bar. ok is false when the
// value is absent on that bar.
type Metric struct {
	Name  string
	Value func(b model.EnrichedBar) (v any, ok bool)
}

func present(v any) (any, bool) { return v, true }

func optional(p *float64) (any, bool) {
	if p == nil {
		return nil, false
	}
	return *p, true
}

// DefaultMetrics covers every EnrichedBar field, in output column order.
var DefaultMetrics = []Metric{
	{"open", func(b model.EnrichedBar) (any, bool) { return present(b.Open) }},
	{"high", func(b model.EnrichedBar) (any, bool) { return present(b.High) }},
	{"low", func(b model.EnrichedBar) (any, bool) { return present(b.Low) }},
	{"close", func(b model.EnrichedBar) (any, bool) { return present(b.Close.Decimal) }},
	{"volume", func(b model.EnrichedBar) (any, bool) { return present(b.Volume) }},
	{"monthly_avg_close", func(b model.EnrichedBar) (any, bool) { return present(b.MonthlyAvgClose) }},
	{"monthly_stddev_close", func(b model.EnrichedBar) (any, bool) { return optional(b.MonthlyStddevClose) }},
	{"monthly_avg_volume", func(b model.EnrichedBar) (any, bool) { return present(b.MonthlyAvgVolume) }},
	{"monthly_stddev_volume", func(b model.EnrichedBar) (any, bool) { return optional(b.MonthlyStddevVolume) }},
	{"ma_20d_close", func(b model.EnrichedBar) (any, bool) { return present(b.MA20dClose) }},
	{"ma_50d_close", func(b model.EnrichedBar) (any, bool) { return present(b.MA50dClose) }},
	{"volatility_20d_close", func(b model.EnrichedBar) (any, bool) { return optional(b.Volatility20dClose) }},
	{"prev_close", func(b model.EnrichedBar) (any, bool) { return optional(b.PrevClose) }},
	{"pct_change_close", func(b model.EnrichedBar) (any, bool) { return optional(b.PctChangeClose) }},
	{"daily_range", func(b model.EnrichedBar) (any, bool) { return present(b.DailyRange) }},
	{"day_of_week", func(b model.EnrichedBar) (any, bool) { return present(b.DayOfWeek) }},
	{"day_of_month", func(b model.EnrichedBar) (any, bool) { return present(b.DayOfMonth) }},
	{"month", func(b model.EnrichedBar) (any, bool) { return present(b.Month) }},
	{"is_outlier_close", func(b model.EnrichedBar) (any, bool) { return present(b.IsOutlierClose) }},
	{"is_outlier_volume", func(b model.EnrichedBar) (any, bool) { return present(b.IsOutlierVolume) }},
}

// SelectMetrics picks metrics by name, keeping the requested order.
// An empty list selects DefaultMetrics.
func SelectMetrics(names []string) ([]Metric, error) {
	if len(names) == 0 {
		return DefaultMetrics, nil
	}
	byName := make(map[string]Metric, len(DefaultMetrics))
	for _, m := range DefaultMetrics {
		byName[m.Name] = m
	}
	out := make([]Metric, 0, len(names))
	for _, n := range names {
		m, ok := byName[strings.TrimSpace(n)]
		if !ok {
			return nil, fmt.Errorf("unknown metric %q", n)
		}
		out = append(out, m)
	}
	return out, nil
}

// ColumnName is the wide column for a metric of a symbol, e.g. close_AAPL.
func ColumnName(metric, symbol string) string {
	return metric + "_" + symbol
}

// Table is a wide pivot: one row per date, newest first.
type Table struct {
	Symbols []string             `json:"symbols"`
	Metrics []string             `json:"metrics"`
	Columns []string             `json:"columns"`
	Rows    []model.WidePivotRow `json:"rows"`
}

// Build pivots enriched bars of any number of symbols. Columns are ordered
// metric first, then symbol. A date on which only some symbols traded is kept,
// with the other symbols' columns absent.
func Build(bars []model.EnrichedBar, metrics []Metric) *Table {
	if metrics == nil {
		metrics = DefaultMetrics
	}

	symbolSet := make(map[string]struct{})
	rows := make(map[time.Time]*model.WidePivotRow)
	for _, b := range bars {
		symbolSet[b.Symbol] = struct{}{}
		d := model.Day(b.Date)
		row, ok := rows[d]
		if !ok {
			row = &model.WidePivotRow{Date: d, Values: make(map[string]any)}
			rows[d] = row
		}
		for _, m := range metrics {
			if v, ok := m.Value(b); ok {
				row.Values[ColumnName(m.Name, b.Symbol)] = v
			}
		}
	}

	t := &Table{}
	for s := range symbolSet {
		t.Symbols = append(t.Symbols, s)
	}
	sort.Strings(t.Symbols)
	for _, m := range metrics {
		t.Metrics = append(t.Metrics, m.Name)
		for _, s := range t.Symbols {
			t.Columns = append(t.Columns, ColumnName(m.Name, s))
		}
	}

	t.Rows = make([]model.WidePivotRow, 0, len(rows))
	for _, r := range rows {
		t.Rows = append(t.Rows, *r)
	}
	sort.Slice(t.Rows, func(i, j int) bool { return t.Rows[i].Date.After(t.Rows[j].Date) })
	return t
}

// Value looks up a cell. ok is false for an absent cell.
func (t *Table) Value(date time.Time, metric, symbol string) (any, bool) {
	d := model.Day(date)
	i := sort.Search(len(t.Rows), func(i int) bool { return !t.Rows[i].Date.After(d) })
	if i == len(t.Rows) || !t.Rows[i].Date.Equal(d) {
		return nil, false
	}
	v, ok := t.Rows[i].Values[ColumnName(metric, symbol)]
	return v, ok
}

// JSONRows returns the rows with decimal cells as exact JSON numbers, so price
// and feature columns encode alike.
func (t *Table) JSONRows() []model.WidePivotRow {
	out := make([]model.WidePivotRow, len(t.Rows))
	for i, r := range t.Rows {
		values := make(map[string]any, len(r.Values))
		for k, v := range r.Values {
			if d, ok := v.(decimal.Decimal); ok {
				v = json.Number(d.String())
			}
			values[k] = v
		}
		out[i] = model.WidePivotRow{Date: r.Date, Values: values}
	}
	return out
}

// formatCell renders a cell for text exports; absent cells are empty.
func formatCell(v any, ok bool) string {
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case decimal.Decimal:
		return x.String()
	case float64:
		return decimal.NewFromFloat(x).String()
	default:
		return fmt.Sprint(x)
	}
}
