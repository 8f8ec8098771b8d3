package model

import "time"

// WidePivotRow holds every {metric}_{symbol} value observed on one date.
// A column missing from Values is absent, which is distinct from a zero value.
type WidePivotRow struct {
	Date   time.Time      `json:"date"`
	Values map[string]any `json:"values"`
}
