package model

import "time"

// Symbol is a tracked ticker.
type Symbol struct {
	ID          int64     `json:"id"`
	Ticker      string    `json:"ticker"`
	CompanyName string    `json:"company_name"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// DownloadStatus is the lifecycle state of a download run.
type DownloadStatus string

const (
	DownloadPending   DownloadStatus = "Pending"
	DownloadCompleted DownloadStatus = "Completed"
	DownloadFailed    DownloadStatus = "Failed"
)

// Download records one fetch of a symbol's price history over a date range.
type Download struct {
	ID           int64          `json:"id"`
	SymbolID     int64          `json:"symbol_id"`
	DownloadedAt time.Time      `json:"downloaded_at"`
	StartDate    time.Time      `json:"start_date"`
	EndDate      time.Time      `json:"end_date"`
	Status       DownloadStatus `json:"status"`
	Rows         int            `json:"rows"`
	Error        string         `json:"error,omitempty"`
}
