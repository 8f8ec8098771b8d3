package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"StockETL/internal/analysis"
	"StockETL/internal/model"
)

type mockRefresher struct{ mock.Mock }

func (m *mockRefresher) RefreshStale(ctx context.Context) ([]model.Download, error) {
	args := m.Called(ctx)
	dl, _ := args.Get(0).([]model.Download)
	return dl, args.Error(1)
}

type mockAnalyzer struct{ mock.Mock }

func (m *mockAnalyzer) Analyze(ctx context.Context, tickers []string, start, end time.Time) (*analysis.Report, error) {
	args := m.Called(ctx, tickers, start, end)
	r, _ := args.Get(0).(*analysis.Report)
	return r, args.Error(1)
}

type mockSymbols struct{ mock.Mock }

func (m *mockSymbols) ListSymbols(ctx context.Context, activeOnly bool) ([]model.Symbol, error) {
	args := m.Called(ctx, activeOnly)
	s, _ := args.Get(0).([]model.Symbol)
	return s, args.Error(1)
}

// recorder captures sent messages.
type recorder struct{ sent []string }

func (r *recorder) Send(_ context.Context, text string) error {
	r.sent = append(r.sent, text)
	return nil
}

func (r *recorder) SendWithRetry(ctx context.Context, text string, _ int) error {
	return r.Send(ctx, text)
}

var today = time.Date(2024, 3, 8, 15, 0, 0, 0, time.UTC)

func enriched(symbol string, date time.Time, close string, outlier bool) model.EnrichedBar {
	c := decimal.RequireFromString(close)
	return model.EnrichedBar{
		RawBar: model.RawBar{
			Symbol: symbol, Date: date, Open: c, High: c, Low: c,
			Close: decimal.NewNullDecimal(c), Volume: 100,
		},
		IsOutlierClose: outlier,
	}
}

func sampleReport() *analysis.Report {
	d1 := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	return &analysis.Report{
		RunID:     "abcdef0123456789",
		StartedAt: today,
		Symbols:   []string{"AAPL", "NVDA"},
		Bars: []model.EnrichedBar{
			enriched("AAPL", d1, "180", true),
			enriched("AAPL", d2, "181", false),
			enriched("NVDA", d1, "800", false),
			enriched("NVDA", d2, "900", true),
		},
	}
}

type fixture struct {
	refresher *mockRefresher
	analyzer  *mockAnalyzer
	symbols   *mockSymbols
	sent      *recorder
	sched     *Scheduler
}

func newFixture(t *testing.T, opts Options) *fixture {
	f := &fixture{
		refresher: &mockRefresher{},
		analyzer:  &mockAnalyzer{},
		symbols:   &mockSymbols{},
		sent:      &recorder{},
	}
	f.sched = NewScheduler(context.Background(), f.refresher, f.analyzer, f.symbols, f.sent, opts)
	f.sched.now = func() time.Time { return today }
	t.Cleanup(func() {
		f.refresher.AssertExpectations(t)
		f.analyzer.AssertExpectations(t)
		f.symbols.AssertExpectations(t)
	})
	return f
}

func TestRegisterAll(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.sched.RegisterAll("0 0 23 * * 1-5", "0 30 23 * * 1-5"))
	assert.Len(t, f.sched.Cron.Entries(), 2)

	err := f.sched.RegisterAll("not a cron", "0 30 23 * * 1-5")
	assert.ErrorContains(t, err, "register refresh job")
}

func TestRunRefreshNow(t *testing.T) {
	f := newFixture(t, Options{})
	downloads := []model.Download{{SymbolID: 1, Status: model.DownloadCompleted, Rows: 4, StartDate: today, EndDate: today}}
	f.refresher.On("RefreshStale", mock.Anything).Return(downloads, errors.New("fetch MSFT: boom"))
	f.symbols.On("ListSymbols", mock.Anything, false).Return([]model.Symbol{{ID: 1, Ticker: "AAPL"}}, nil)

	msg := f.sched.RunRefreshNow(context.Background())
	assert.Contains(t, msg, "AAPL")
	assert.Contains(t, msg, "4 rows")
	assert.Contains(t, msg, "fetch MSFT: boom")
	assert.Equal(t, []string{msg}, f.sent.sent)
}

func TestRunAnalysisNow_ExportsAndNotifies(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, Options{Tickers: []string{"AAPL", "NVDA"}, ReportLookbackDays: 30, ExportDir: dir})
	end := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	f.analyzer.On("Analyze", mock.Anything, []string{"AAPL", "NVDA"}, end.AddDate(0, 0, -30), end).
		Return(sampleReport(), nil)

	report, err := f.sched.RunAnalysisNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123456789", report.RunID)

	_, err = os.Stat(filepath.Join(dir, "pivot_2024-03-08.csv"))
	assert.NoError(t, err)

	require.Len(t, f.sent.sent, 1)
	msg := f.sent.sent[0]
	assert.Contains(t, msg, "<b>NVDA</b> 2024-03-08")
	assert.NotContains(t, msg, "<b>AAPL</b>", "AAPL flagged only before its latest day")
}

func TestRunAnalysisNow_Failure(t *testing.T) {
	f := newFixture(t, Options{})
	f.analyzer.On("Analyze", mock.Anything, []string(nil), mock.Anything, mock.Anything).
		Return(nil, errors.New("load bars: disk"))

	_, err := f.sched.RunAnalysisNow(context.Background())
	assert.Error(t, err)
	require.Len(t, f.sent.sent, 1)
	assert.Contains(t, f.sent.sent[0], "analysis failed")
}

func TestHandleCommand(t *testing.T) {
	t.Run("symbols", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.symbols.On("ListSymbols", mock.Anything, false).
			Return([]model.Symbol{{ID: 1, Ticker: "AAPL", IsActive: true}}, nil)
		assert.Contains(t, f.sched.HandleCommand(context.Background(), "/symbols@stocketl_bot"), "AAPL")
	})

	t.Run("outliers runs analysis first", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.analyzer.On("Analyze", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(sampleReport(), nil).Once()

		assert.Empty(t, f.sched.HandleCommand(context.Background(), "/outliers"))
		require.Len(t, f.sent.sent, 1)

		reply := f.sched.HandleCommand(context.Background(), "/outliers")
		assert.Contains(t, reply, "NVDA")
		assert.Len(t, f.sent.sent, 1)
	})

	t.Run("refresh", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.refresher.On("RefreshStale", mock.Anything).Return(nil, nil)
		f.symbols.On("ListSymbols", mock.Anything, false).Return(nil, nil)
		assert.Empty(t, f.sched.HandleCommand(context.Background(), "/refresh"))
		require.Len(t, f.sent.sent, 1)
		assert.Contains(t, f.sent.sent[0], "up to date")
	})

	t.Run("help", func(t *testing.T) {
		f := newFixture(t, Options{})
		assert.Contains(t, f.sched.HandleCommand(context.Background(), "hello"), "/refresh")
	})
}
