package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the civil date format used on every boundary (API, store, exports).
const DateLayout = "2006-01-02"

// ErrMalformedBar marks a raw bar that cannot enter the feature pipeline.
var ErrMalformedBar = errors.New("malformed bar")

// RawBar is one trading day for one symbol.
type RawBar struct {
	Symbol string              `json:"symbol"`
	Date   time.Time           `json:"date"`
	Open   decimal.Decimal     `json:"open"`
	High   decimal.Decimal     `json:"high"`
	Low    decimal.Decimal     `json:"low"`
	Close  decimal.NullDecimal `json:"close"`
	Volume int64               `json:"volume"`
}

// CloseFloat returns the close as float64. Callers must check Close.Valid first.
func (b RawBar) CloseFloat() float64 {
	f, _ := b.Close.Decimal.Float64()
	return f
}

// DateString formats the bar date, or returns "" for a zero date.
func (b RawBar) DateString() string {
	if b.Date.IsZero() {
		return ""
	}
	return b.Date.Format(DateLayout)
}

// EnrichedBar is a RawBar plus the computed monthly, rolling, lag and outlier features.
// Pointer fields are absent (nil) when there is not enough history to define them.
type EnrichedBar struct {
	RawBar

	MonthlyAvgClose     float64  `json:"monthly_avg_close"`
	MonthlyStddevClose  *float64 `json:"monthly_stddev_close"`
	MonthlyAvgVolume    float64  `json:"monthly_avg_volume"`
	MonthlyStddevVolume *float64 `json:"monthly_stddev_volume"`

	MA20dClose         float64  `json:"ma_20d_close"`
	MA50dClose         float64  `json:"ma_50d_close"`
	Volatility20dClose *float64 `json:"volatility_20d_close"`

	PrevClose      *float64 `json:"prev_close"`
	PctChangeClose *float64 `json:"pct_change_close"`
	DailyRange     float64  `json:"daily_range"`

	DayOfWeek  int `json:"day_of_week"`
	DayOfMonth int `json:"day_of_month"`
	Month      int `json:"month"`

	IsOutlierClose  bool `json:"is_outlier_close"`
	IsOutlierVolume bool `json:"is_outlier_volume"`
}

// RowError identifies a rejected input row and why it was skipped.
type RowError struct {
	Symbol string `json:"symbol"`
	Date   string `json:"date"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("%s %s: %v: %s", e.Symbol, e.Date, ErrMalformedBar, e.Reason)
}

func (e RowError) Unwrap() error { return ErrMalformedBar }

// ParseDate parses a YYYY-MM-DD string into a UTC midnight time.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// Day returns the calendar day of t in its own location, as UTC midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
