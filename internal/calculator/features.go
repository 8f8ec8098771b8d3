package calculator

import (
	"fmt"

	"StockETL/internal/model"
)

// Params are the window sizes and fence multiplier of a feature run.
type Params struct {
	ShortWindow         int     `json:"short_window"`
	LongWindow          int     `json:"long_window"`
	VolatilityWindow    int     `json:"volatility_window"`
	OutlierLookbackDays int     `json:"outlier_lookback_days"`
	IQRMultiplier       float64 `json:"iqr_multiplier"`
}

// DefaultParams returns 20/50/20 row windows, a 90 day outlier lookback and 1.5 IQR fences.
func DefaultParams() Params {
	return Params{
		ShortWindow:         20,
		LongWindow:          50,
		VolatilityWindow:    20,
		OutlierLookbackDays: 90,
		IQRMultiplier:       1.5,
	}
}

// Validate rejects windows that cannot hold a value.
func (p Params) Validate() error {
	if p.ShortWindow < 1 || p.LongWindow < 1 || p.VolatilityWindow < 1 {
		return fmt.Errorf("window sizes must be positive (short=%d long=%d volatility=%d)",
			p.ShortWindow, p.LongWindow, p.VolatilityWindow)
	}
	if p.OutlierLookbackDays < 1 {
		return fmt.Errorf("outlier lookback must be positive, got %d", p.OutlierLookbackDays)
	}
	if p.IQRMultiplier < 0 {
		return fmt.Errorf("iqr multiplier must not be negative, got %g", p.IQRMultiplier)
	}
	return nil
}

// Features computes every non-outlier feature for one symbol's series.
// bars must belong to a single symbol, be sorted by date and carry a valid close.
// The output has the same length and order as the input.
func Features(bars []model.RawBar, p Params) []model.EnrichedBar {
	if len(bars) == 0 {
		return nil
	}
	out := make([]model.EnrichedBar, len(bars))
	months := monthlyStats(bars)
	short := NewRollingWindow(p.ShortWindow)
	long := NewRollingWindow(p.LongWindow)
	vol := NewRollingWindow(p.VolatilityWindow)

	for i, b := range bars {
		c := b.CloseFloat()
		short.Push(c)
		long.Push(c)
		vol.Push(c)

		e := model.EnrichedBar{RawBar: b}

		ms := months[monthKey{year: b.Date.Year(), month: int(b.Date.Month())}]
		e.MonthlyAvgClose = ms.avgClose
		e.MonthlyStddevClose = ms.stdClose
		e.MonthlyAvgVolume = ms.avgVolume
		e.MonthlyStddevVolume = ms.stdVolume

		e.MA20dClose = short.Mean()
		e.MA50dClose = long.Mean()
		if sd, ok := vol.SampleStddev(); ok {
			e.Volatility20dClose = &sd
		}

		if i > 0 {
			prev := bars[i-1].CloseFloat()
			e.PrevClose = &prev
			if prev != 0 {
				pct := (c - prev) / prev
				e.PctChangeClose = &pct
			}
		}

		e.DailyRange = DailyRange(b)
		e.DayOfWeek = int(b.Date.Weekday())
		e.DayOfMonth = b.Date.Day()
		e.Month = int(b.Date.Month())

		out[i] = e
	}
	return out
}

// Enrich runs Features and then DetectOutliers over one symbol's series.
func Enrich(bars []model.RawBar, p Params) []model.EnrichedBar {
	out := Features(bars, p)
	DetectOutliers(out, p.OutlierLookbackDays, p.IQRMultiplier)
	return out
}

type monthKey struct {
	year  int
	month int
}

type monthStats struct {
	avgClose  float64
	stdClose  *float64
	avgVolume float64
	stdVolume *float64
}

// monthlyStats aggregates close and volume over each calendar month of a
// single symbol's series. Every day in a month sees the whole month.
func monthlyStats(bars []model.RawBar) map[monthKey]monthStats {
	closes := make(map[monthKey][]float64)
	volumes := make(map[monthKey][]float64)
	for _, b := range bars {
		k := monthKey{year: b.Date.Year(), month: int(b.Date.Month())}
		closes[k] = append(closes[k], b.CloseFloat())
		volumes[k] = append(volumes[k], float64(b.Volume))
	}
	out := make(map[monthKey]monthStats, len(closes))
	for k, cs := range closes {
		vs := volumes[k]
		ms := monthStats{avgClose: Mean(cs), avgVolume: Mean(vs)}
		if sd, ok := SampleStddev(cs); ok {
			ms.stdClose = &sd
		}
		if sd, ok := SampleStddev(vs); ok {
			ms.stdVolume = &sd
		}
		out[k] = ms
	}
	return out
}
