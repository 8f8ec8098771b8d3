package calculator

import "StockETL/internal/model"

// DailyRange returns high - low computed exactly in decimal.
func DailyRange(b model.RawBar) float64 {
	r, _ := b.High.Sub(b.Low).Float64()
	return r
}
