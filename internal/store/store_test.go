package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StockETL/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func day(s string) time.Time {
	t, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func rawBar(symbol, date, close string, volume int64) model.RawBar {
	c := decimal.RequireFromString(close)
	return model.RawBar{
		Symbol: symbol,
		Date:   day(date),
		Open:   c,
		High:   c.Add(decimal.NewFromInt(1)),
		Low:    c.Sub(decimal.NewFromInt(1)),
		Close:  decimal.NewNullDecimal(c),
		Volume: volume,
	}
}

func TestSymbols(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	aapl, err := s.AddSymbol(ctx, " aapl ", "Apple Inc.")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", aapl.Ticker)
	assert.True(t, aapl.IsActive)

	_, err = s.AddSymbol(ctx, "AAPL", "dup")
	assert.ErrorIs(t, err, ErrConflict)

	nvda, err := s.AddSymbol(ctx, "NVDA", "NVIDIA")
	require.NoError(t, err)

	got, err := s.GetSymbolByTicker(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, aapl.ID, got.ID)
	assert.Equal(t, "Apple Inc.", got.CompanyName)

	nvda.IsActive = false
	nvda.CompanyName = "NVIDIA Corp."
	require.NoError(t, s.UpdateSymbol(ctx, *nvda))

	got, err = s.GetSymbol(ctx, nvda.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, "NVIDIA Corp.", got.CompanyName)

	all, err := s.ListSymbols(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "AAPL", all[0].Ticker)

	active, err := s.ListSymbols(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "AAPL", active[0].Ticker)

	_, err = s.GetSymbol(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateSymbol(ctx, model.Symbol{ID: 999}), ErrNotFound)
}

func TestDownloads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sym, err := s.AddSymbol(ctx, "AAPL", "")
	require.NoError(t, err)

	_, err = s.LastDownload(ctx, sym.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)

	d, err := s.AddDownload(ctx, sym.ID, day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	assert.Equal(t, model.DownloadPending, d.Status)

	require.NoError(t, s.UpdateDownloadStatus(ctx, d.ID, model.DownloadCompleted, 21, ""))

	got, err := s.GetDownload(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadCompleted, got.Status)
	assert.Equal(t, 21, got.Rows)
	assert.Equal(t, day("2024-01-31"), got.EndDate)

	failed, err := s.AddDownload(ctx, sym.ID, day("2024-02-01"), day("2024-02-10"))
	require.NoError(t, err)
	require.NoError(t, s.UpdateDownloadStatus(ctx, failed.ID, model.DownloadFailed, 0, "timeout"))

	last, err := s.LastDownload(ctx, sym.ID, "")
	require.NoError(t, err)
	assert.Equal(t, failed.ID, last.ID)
	assert.Equal(t, "timeout", last.Error)

	lastOK, err := s.LastDownload(ctx, sym.ID, model.DownloadCompleted)
	require.NoError(t, err)
	assert.Equal(t, d.ID, lastOK.ID)

	list, err := s.ListDownloads(ctx, sym.ID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	assert.ErrorIs(t, s.UpdateDownloadStatus(ctx, 999, model.DownloadFailed, 0, ""), ErrNotFound)
}

func TestCoveredThrough(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sym, err := s.AddSymbol(ctx, "AAPL", "")
	require.NoError(t, err)

	_, err = s.CoveredThrough(ctx, sym.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	recent, err := s.AddDownload(ctx, sym.ID, day("2024-05-01"), day("2024-06-05"))
	require.NoError(t, err)
	require.NoError(t, s.UpdateDownloadStatus(ctx, recent.ID, model.DownloadCompleted, 25, ""))

	// A later backfill of an older range does not pull coverage back.
	backfill, err := s.AddDownload(ctx, sym.ID, day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	require.NoError(t, s.UpdateDownloadStatus(ctx, backfill.ID, model.DownloadCompleted, 21, ""))

	// Failed downloads never count as coverage.
	failed, err := s.AddDownload(ctx, sym.ID, day("2024-06-06"), day("2024-06-30"))
	require.NoError(t, err)
	require.NoError(t, s.UpdateDownloadStatus(ctx, failed.ID, model.DownloadFailed, 0, "timeout"))

	through, err := s.CoveredThrough(ctx, sym.ID)
	require.NoError(t, err)
	assert.Equal(t, day("2024-06-05"), through)
}

func TestSymbolsToDownload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.AddSymbol(ctx, "NEVR", "")
	require.NoError(t, err)
	fresh, err := s.AddSymbol(ctx, "FRSH", "")
	require.NoError(t, err)
	stale, err := s.AddSymbol(ctx, "STAL", "")
	require.NoError(t, err)
	failedOnly, err := s.AddSymbol(ctx, "FAIL", "")
	require.NoError(t, err)
	inactive, err := s.AddSymbol(ctx, "GONE", "")
	require.NoError(t, err)
	inactive.IsActive = false
	require.NoError(t, s.UpdateSymbol(ctx, *inactive))

	record := func(symID int64, at time.Time, status model.DownloadStatus) {
		s.now = func() time.Time { return at }
		d, err := s.AddDownload(ctx, symID, day("2024-01-01"), day("2024-01-02"))
		require.NoError(t, err)
		require.NoError(t, s.UpdateDownloadStatus(ctx, d.ID, status, 1, ""))
	}
	record(fresh.ID, now.AddDate(0, 0, -2), model.DownloadCompleted)
	record(stale.ID, now.AddDate(0, 0, -7), model.DownloadCompleted)
	record(failedOnly.ID, now.AddDate(0, 0, -1), model.DownloadFailed)
	s.now = func() time.Time { return now }

	due, err := s.SymbolsToDownload(ctx, 7*24*time.Hour)
	require.NoError(t, err)

	var tickers []string
	for _, d := range due {
		tickers = append(tickers, d.Ticker)
	}
	assert.Equal(t, []string{"FAIL", "NEVR", "STAL"}, tickers)
}

func TestReplacePricesAndLoadBars(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	aapl, err := s.AddSymbol(ctx, "AAPL", "")
	require.NoError(t, err)
	nvda, err := s.AddSymbol(ctx, "NVDA", "")
	require.NoError(t, err)

	n, err := s.ReplacePrices(ctx, aapl.ID, 0, day("2024-01-02"), day("2024-01-04"), []model.RawBar{
		rawBar("AAPL", "2024-01-02", "181.25", 1000),
		rawBar("AAPL", "2024-01-03", "182.10", 1200),
		rawBar("AAPL", "2024-01-04", "180.00", 900),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.ReplacePrices(ctx, nvda.ID, 0, day("2024-01-02"), day("2024-01-02"), []model.RawBar{
		rawBar("NVDA", "2024-01-02", "480.5", 5000),
	})
	require.NoError(t, err)

	// Re-download a narrower range: the 2024-01-03 row is dropped, 2024-01-02 kept.
	_, err = s.ReplacePrices(ctx, aapl.ID, 0, day("2024-01-03"), day("2024-01-04"), []model.RawBar{
		rawBar("AAPL", "2024-01-04", "185", 950),
	})
	require.NoError(t, err)

	count, err := s.CountPrices(ctx, aapl.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	bars, rowErrs, err := s.LoadBars(ctx, nil, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, rowErrs)
	require.Len(t, bars, 3)
	assert.Equal(t, "AAPL", bars[0].Symbol)
	assert.Equal(t, day("2024-01-02"), bars[0].Date)
	assert.True(t, decimal.RequireFromString("181.25").Equal(bars[0].Close.Decimal))
	assert.True(t, decimal.RequireFromString("185").Equal(bars[1].Close.Decimal))
	assert.Equal(t, int64(950), bars[1].Volume)
	assert.Equal(t, "NVDA", bars[2].Symbol)

	bars, _, err = s.LoadBars(ctx, []string{"nvda"}, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, bars, 1)

	bars, _, err = s.LoadBars(ctx, []string{"AAPL"}, day("2024-01-03"), day("2024-01-31"))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, day("2024-01-04"), bars[0].Date)
}

func TestLoadBars_ReportsUndecodableRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sym, err := s.AddSymbol(ctx, "AAPL", "")
	require.NoError(t, err)

	_, err = s.db.Exec(`INSERT INTO prices (symbol_id, date, open, high, low, close, volume, created_at) VALUES
		(?, '2024-01-02', '1', '2', '0.5', '1.5', 10, 0),
		(?, '2024-01-03', '1', '2', '0.5', NULL, 10, 0),
		(?, '2024-01-04', 'abc', '2', '0.5', '1.5', 10, 0),
		(?, '2024-13-45', '1', '2', '0.5', '1.5', 10, 0)`,
		sym.ID, sym.ID, sym.ID, sym.ID)
	require.NoError(t, err)

	bars, rowErrs, err := s.LoadBars(ctx, nil, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Close.Valid)
	assert.False(t, bars[1].Close.Valid, "NULL close passes through for the engine to reject")

	require.Len(t, rowErrs, 2)
	assert.Equal(t, model.RowError{Symbol: "AAPL", Date: "2024-01-04", Reason: "unparsable open"}, rowErrs[0])
	assert.Equal(t, model.RowError{Symbol: "AAPL", Date: "2024-13-45", Reason: "unparsable date"}, rowErrs[1])
}

func TestConfigValues(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetConfigValue(ctx, "api_key")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetConfigValue(ctx, "api_key", "one", "data source key"))
	require.NoError(t, s.SetConfigValue(ctx, "api_key", "two", "data source key"))

	v, err := s.GetConfigValue(ctx, "api_key")
	require.NoError(t, err)
	assert.Equal(t, "two", v)
}
