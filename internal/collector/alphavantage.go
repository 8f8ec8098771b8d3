package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"StockETL/internal/model"
)

const (
	// DefaultAlphaVantageBaseURL is the public Alpha Vantage host.
	DefaultAlphaVantageBaseURL = "https://www.alphavantage.co"
	// DefaultAlphaVantageFunction is the daily series query function.
	DefaultAlphaVantageFunction = "TIME_SERIES_DAILY"
	// DefaultAlphaVantageOutputSize asks for the full history.
	DefaultAlphaVantageOutputSize = "full"
)

// AlphaVantageFetcher implements Fetcher using a daily time series endpoint.
// Calls are spaced by a client-side limiter to stay inside the free quota.
type AlphaVantageFetcher struct {
	BaseURL    string
	APIKey     string
	Function   string // query function, e.g. TIME_SERIES_DAILY
	OutputSize string // compact or full
	Client     *http.Client
	Limiter    *rate.Limiter
}

// NewAlphaVantageFetcher creates a fetcher allowing requestsPerMinute calls
// (5 when <= 0), with optional proxy support.
func NewAlphaVantageFetcher(baseURL, apiKey, proxyURL string, requestsPerMinute int) *AlphaVantageFetcher {
	if baseURL == "" {
		baseURL = DefaultAlphaVantageBaseURL
	}
	if requestsPerMinute <= 0 {
		requestsPerMinute = 5
	}
	return &AlphaVantageFetcher{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Function:   DefaultAlphaVantageFunction,
		OutputSize: DefaultAlphaVantageOutputSize,
		Client:     newHTTPClient(proxyURL),
		Limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1),
	}
}

func (f *AlphaVantageFetcher) Name() string { return "alphavantage" }

// avDaily is the expected JSON shape of TIME_SERIES_DAILY.
// Quota and error responses carry one of the message keys instead of the series.
type avDaily struct {
	Series       map[string]avBar `json:"Time Series (Daily)"`
	ErrorMessage string           `json:"Error Message"`
	Note         string           `json:"Note"`
	Information  string           `json:"Information"`
}

type avBar struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

func (f *AlphaVantageFetcher) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]model.RawBar, error) {
	if err := f.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("alphavantage wait: %w", err)
	}

	q := url.Values{}
	q.Set("function", f.Function)
	q.Set("symbol", symbol)
	q.Set("outputsize", f.OutputSize)
	q.Set("apikey", f.APIKey)
	endpoint := f.BaseURL + "/query?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alphavantage fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("alphavantage: status %d, body: %s", resp.StatusCode, string(body))
	}

	var daily avDaily
	if err := json.NewDecoder(resp.Body).Decode(&daily); err != nil {
		return nil, fmt.Errorf("alphavantage decode: %w", err)
	}
	switch {
	case daily.ErrorMessage != "":
		return nil, fmt.Errorf("alphavantage api error: %s", daily.ErrorMessage)
	case daily.Note != "":
		return nil, fmt.Errorf("alphavantage: %w: %s", ErrRateLimited, daily.Note)
	case len(daily.Series) == 0 && daily.Information != "":
		return nil, fmt.Errorf("alphavantage: %w: %s", ErrRateLimited, daily.Information)
	case len(daily.Series) == 0:
		return nil, fmt.Errorf("alphavantage %s: %w", symbol, ErrNoData)
	}

	bars := make([]model.RawBar, 0, len(daily.Series))
	for date, ab := range daily.Series {
		b, err := ab.toRawBar(symbol, date)
		if err != nil {
			return nil, fmt.Errorf("alphavantage %s %s: %w", symbol, date, err)
		}
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return inRange(bars, start, end), nil
}

func (ab avBar) toRawBar(symbol, date string) (model.RawBar, error) {
	b := model.RawBar{Symbol: symbol}
	var err error
	if b.Date, err = model.ParseDate(date); err != nil {
		return b, err
	}
	if b.Open, err = decimal.NewFromString(ab.Open); err != nil {
		return b, fmt.Errorf("open: %w", err)
	}
	if b.High, err = decimal.NewFromString(ab.High); err != nil {
		return b, fmt.Errorf("high: %w", err)
	}
	if b.Low, err = decimal.NewFromString(ab.Low); err != nil {
		return b, fmt.Errorf("low: %w", err)
	}
	c, err := decimal.NewFromString(ab.Close)
	if err != nil {
		return b, fmt.Errorf("close: %w", err)
	}
	b.Close = decimal.NewNullDecimal(c)
	if b.Volume, err = strconv.ParseInt(ab.Volume, 10, 64); err != nil {
		return b, fmt.Errorf("volume: %w", err)
	}
	return b, nil
}
