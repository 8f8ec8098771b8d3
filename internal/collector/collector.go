package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"StockETL/internal/metrics"
	"StockETL/internal/model"
	"StockETL/internal/store"
)

// MockFetcher returns controllable fixed data for development and testing.
type MockFetcher struct {
	Price decimal.Decimal
	Bars  map[string][]model.RawBar
	Err   error
	Calls int
}

func (m *MockFetcher) Name() string { return "mock" }

func (m *MockFetcher) FetchDailyBars(_ context.Context, symbol string, start, end time.Time) ([]model.RawBar, error) {
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if bars, ok := m.Bars[symbol]; ok {
		return inRange(append([]model.RawBar(nil), bars...), start, end), nil
	}
	return generateMockBars(symbol, m.Price, start, end), nil
}

// generateMockBars yields one bar per weekday in [start, end].
func generateMockBars(symbol string, basePrice decimal.Decimal, start, end time.Time) []model.RawBar {
	if basePrice.IsZero() {
		basePrice = decimal.NewFromInt(100)
	}
	var bars []model.RawBar
	i := 0
	for d := model.Day(start); !d.After(model.Day(end)); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		p := basePrice.Mul(decimal.NewFromFloat(1 + float64(i%10-5)*0.001)).Round(4)
		bars = append(bars, model.RawBar{
			Symbol: symbol,
			Date:   d,
			Open:   p.Mul(decimal.RequireFromString("0.999")).Round(4),
			High:   p.Mul(decimal.RequireFromString("1.005")).Round(4),
			Low:    p.Mul(decimal.RequireFromString("0.995")).Round(4),
			Close:  decimal.NewNullDecimal(p),
			Volume: 1000000,
		})
		i++
	}
	return bars
}

// PriceStore is the persistence the Collector writes through.
type PriceStore interface {
	GetSymbol(ctx context.Context, id int64) (*model.Symbol, error)
	GetSymbolByTicker(ctx context.Context, ticker string) (*model.Symbol, error)
	AddDownload(ctx context.Context, symbolID int64, start, end time.Time) (*model.Download, error)
	UpdateDownloadStatus(ctx context.Context, id int64, status model.DownloadStatus, rows int, errMsg string) error
	CoveredThrough(ctx context.Context, symbolID int64) (time.Time, error)
	ReplacePrices(ctx context.Context, symbolID, downloadID int64, start, end time.Time, bars []model.RawBar) (int, error)
	SymbolsToDownload(ctx context.Context, staleAfter time.Duration) ([]model.Symbol, error)
}

// Request asks for one symbol's prices over [Start, End]. SymbolID wins over
// Ticker when both are set. A zero End means today, a zero Start means End
// minus the collector's default lookback.
type Request struct {
	SymbolID int64
	Ticker   string
	Start    time.Time
	End      time.Time
}

// Collector orchestrates fetching prices and recording them with their download metadata.
type Collector struct {
	Fetcher      Fetcher
	Store        PriceStore
	Metrics      *metrics.Metrics
	StaleAfter   time.Duration
	LookbackDays int

	now func() time.Time
}

// NewCollector creates a new Collector.
func NewCollector(fetcher Fetcher, st PriceStore, m *metrics.Metrics, staleAfter time.Duration, lookbackDays int) *Collector {
	if lookbackDays <= 0 {
		lookbackDays = 365
	}
	return &Collector{
		Fetcher:      fetcher,
		Store:        st,
		Metrics:      m,
		StaleAfter:   staleAfter,
		LookbackDays: lookbackDays,
		now:          time.Now,
	}
}

func (c *Collector) resolve(ctx context.Context, req Request) (*model.Symbol, error) {
	if req.SymbolID > 0 {
		return c.Store.GetSymbol(ctx, req.SymbolID)
	}
	if req.Ticker == "" {
		return nil, errors.New("symbol id or ticker is required")
	}
	return c.Store.GetSymbolByTicker(ctx, req.Ticker)
}

// Download fetches one symbol's range and replaces the stored prices in it.
// The download row ends Completed with the stored row count, or Failed with the error.
func (c *Collector) Download(ctx context.Context, req Request) (*model.Download, error) {
	end := model.Day(req.End)
	if req.End.IsZero() {
		end = model.Day(c.now())
	}
	start := model.Day(req.Start)
	if req.Start.IsZero() {
		start = end.AddDate(0, 0, -c.LookbackDays)
	}
	if start.After(end) {
		return nil, fmt.Errorf("%s > %s: %w", start.Format(model.DateLayout), end.Format(model.DateLayout), ErrInvalidRange)
	}

	sym, err := c.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	dl, err := c.Store.AddDownload(ctx, sym.ID, start, end)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("symbol", sym.Ticker).Int64("download_id", dl.ID).
		Str("source", c.Fetcher.Name()).Logger()
	logger.Info().Str("start", start.Format(model.DateLayout)).Str("end", end.Format(model.DateLayout)).
		Msg("download started")

	bars, err := c.Fetcher.FetchDailyBars(ctx, sym.Ticker, start, end)
	if err != nil {
		return c.fail(ctx, dl, fmt.Errorf("fetch %s: %w", sym.Ticker, err))
	}
	for i := range bars {
		bars[i].Symbol = sym.Ticker
	}

	n, err := c.Store.ReplacePrices(ctx, sym.ID, dl.ID, start, end, bars)
	if err != nil {
		return c.fail(ctx, dl, fmt.Errorf("store %s: %w", sym.Ticker, err))
	}
	if err := c.Store.UpdateDownloadStatus(ctx, dl.ID, model.DownloadCompleted, n, ""); err != nil {
		return nil, err
	}
	dl.Status = model.DownloadCompleted
	dl.Rows = n
	c.Metrics.ObserveDownload(c.Fetcher.Name(), string(dl.Status), n)
	logger.Info().Int("rows", n).Msg("download completed")
	return dl, nil
}

func (c *Collector) fail(ctx context.Context, dl *model.Download, cause error) (*model.Download, error) {
	dl.Status = model.DownloadFailed
	dl.Error = cause.Error()
	// The caller's context may be the reason for the failure; record it regardless.
	if err := c.Store.UpdateDownloadStatus(context.WithoutCancel(ctx), dl.ID, dl.Status, 0, dl.Error); err != nil {
		log.Error().Err(err).Int64("download_id", dl.ID).Msg("record failed download")
	}
	c.Metrics.ObserveDownload(c.Fetcher.Name(), string(dl.Status), 0)
	log.Warn().Err(cause).Int64("download_id", dl.ID).Msg("download failed")
	return dl, cause
}

// RefreshStale downloads every active symbol that is due, continuing from the
// day after the latest end date any completed download reached. Failures do not stop the other
// symbols; they are joined into the returned error.
func (c *Collector) RefreshStale(ctx context.Context) ([]model.Download, error) {
	due, err := c.Store.SymbolsToDownload(ctx, c.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("list stale symbols: %w", err)
	}
	log.Info().Int("symbols", len(due)).Msg("refreshing stale symbols")

	today := model.Day(c.now())
	var (
		done []model.Download
		errs []error
	)
	for _, sym := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		start := today.AddDate(0, 0, -c.LookbackDays)
		if through, err := c.Store.CoveredThrough(ctx, sym.ID); err == nil {
			start = through.AddDate(0, 0, 1)
		} else if !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		if start.After(today) {
			start = today
		}
		dl, err := c.Download(ctx, Request{SymbolID: sym.ID, Start: start, End: today})
		if dl != nil {
			done = append(done, *dl)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return done, errors.Join(errs...)
}
