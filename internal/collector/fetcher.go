package collector

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"StockETL/internal/model"
)

var (
	// ErrNoData is returned when the source has no bars for the request.
	ErrNoData = errors.New("no data returned")
	// ErrRateLimited is returned when the source refuses the call for quota reasons.
	ErrRateLimited = errors.New("rate limited by data source")
	// ErrInvalidRange is returned for a start date after the end date.
	ErrInvalidRange = errors.New("start date is after end date")
)

// Fetcher downloads daily bars for one ticker over an inclusive date range.
type Fetcher interface {
	FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]model.RawBar, error)
	Name() string
}

// newHTTPClient builds a client with a 30s timeout and optional proxy.
func newHTTPClient(proxyURL string) *http.Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
	}
}

// inRange keeps the bars dated within [start, end].
func inRange(bars []model.RawBar, start, end time.Time) []model.RawBar {
	start, end = model.Day(start), model.Day(end)
	out := bars[:0]
	for _, b := range bars {
		if b.Date.Before(start) || b.Date.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}
