package calculator

import "StockETL/internal/model"

// DetectOutliers sets IsOutlierClose and IsOutlierVolume on one symbol's
// date-sorted series. Each row is judged against the bars dated within the
// trailing lookbackDays calendar days, the row itself included. Windows with
// fewer than two bars never flag.
func DetectOutliers(bars []model.EnrichedBar, lookbackDays int, k float64) {
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	closes := make([]float64, 0, len(bars))
	volumes := make([]float64, 0, len(bars))

	// The series is sorted, so the window is always bars[head:i+1];
	// head only moves forward as the oldest bars fall out.
	head := 0
	for i := range bars {
		d := bars[i].Date
		cutoff := d.AddDate(0, 0, -(lookbackDays - 1))
		for bars[head].Date.Before(cutoff) {
			head++
		}

		window := bars[head : i+1]
		if len(window) < 2 {
			bars[i].IsOutlierClose = false
			bars[i].IsOutlierVolume = false
			continue
		}

		closes = closes[:0]
		volumes = volumes[:0]
		for _, w := range window {
			closes = append(closes, w.CloseFloat())
			volumes = append(volumes, float64(w.Volume))
		}
		bars[i].IsOutlierClose = IQRFences(closes, k).Outside(bars[i].CloseFloat())
		bars[i].IsOutlierVolume = IQRFences(volumes, k).Outside(float64(bars[i].Volume))
	}
}
