package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"StockETL/internal/analysis"
	"StockETL/internal/collector"
	"StockETL/internal/config"
	"StockETL/internal/metrics"
	"StockETL/internal/model"
	"StockETL/internal/notifier"
	"StockETL/internal/pivot"
	"StockETL/internal/scheduler"
	"StockETL/internal/store"
	"StockETL/internal/web"
)

// App wires the store, downloader, analysis service and outer surfaces.
type App struct {
	Cfg       *config.Config
	Store     *store.SQLiteStore
	Fetcher   collector.Fetcher
	Collector *collector.Collector
	Service   *analysis.Service
	Metrics   *metrics.Metrics
	Notifier  notifier.Notifier

	telegram *notifier.TelegramNotifier
}

// Configuration table keys read when building the Alpha Vantage fetcher.
const (
	configAPIFunction = "API_FUNCTION"
	configOutputSize  = "OUTPUT_SIZE"
)

type configReader interface {
	GetConfigValue(ctx context.Context, key string) (string, error)
}

func newFetcher(ctx context.Context, cfg *config.Config, settings configReader) (collector.Fetcher, error) {
	switch cfg.DataSource.Provider {
	case "alphavantage":
		f := collector.NewAlphaVantageFetcher(cfg.DataSource.BaseURL, cfg.DataSource.APIKey, cfg.Proxy, cfg.DataSource.RequestsPerMinute)
		var err error
		if f.Function, err = storedSetting(ctx, settings, configAPIFunction, f.Function); err != nil {
			return nil, err
		}
		if f.OutputSize, err = storedSetting(ctx, settings, configOutputSize, f.OutputSize); err != nil {
			return nil, err
		}
		return f, nil
	case "mock":
		return &collector.MockFetcher{}, nil
	default:
		return collector.NewYahooFetcher(cfg.DataSource.BaseURL, cfg.Proxy), nil
	}
}

// storedSetting returns the configuration table value for key, or def when
// the key is absent or blank.
func storedSetting(ctx context.Context, settings configReader, key, def string) (string, error) {
	v, err := settings.GetConfigValue(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return "", err
	}
	if v = strings.TrimSpace(v); v == "" {
		return def, nil
	}
	return v, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if dir := filepath.Dir(cfg.Database.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(cfg.Database.SQLitePath)
	if err != nil {
		return nil, err
	}

	fetcher, err := newFetcher(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build fetcher: %w", err)
	}

	m := metrics.New()
	engine := analysis.NewEngine(cfg.Params(), cfg.Analysis.Workers, m)
	a := &App{
		Cfg:       cfg,
		Store:     st,
		Fetcher:   fetcher,
		Collector: collector.NewCollector(fetcher, st, m, cfg.StaleAfter(), cfg.Download.DefaultLookbackDays),
		Service:   analysis.NewService(st, engine),
		Metrics:   m,
		Notifier:  notifier.Noop{},
	}
	if cfg.TelegramEnabled() {
		a.telegram = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy)
		a.Notifier = a.telegram
	}
	return a, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// Setup creates the export directory and registers the configured symbols.
func (a *App) Setup(ctx context.Context) error {
	if a.Cfg.Export.Dir != "" {
		if err := os.MkdirAll(a.Cfg.Export.Dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	added := 0
	for _, t := range a.Cfg.Analysis.Symbols {
		sym, err := a.Store.AddSymbol(ctx, t, "")
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		added++
		log.Info().Str("symbol", sym.Ticker).Int64("symbol_id", sym.ID).Msg("symbol registered")
	}
	if err := a.Store.SetConfigValue(ctx, "last_setup", time.Now().UTC().Format(time.RFC3339), "time of the last -setup run"); err != nil {
		return err
	}
	log.Info().Int("added", added).Int("configured", len(a.Cfg.Analysis.Symbols)).Msg("setup complete")
	return nil
}

// Refresh downloads every stale symbol once.
func (a *App) Refresh(ctx context.Context) error {
	downloads, err := a.Collector.RefreshStale(ctx)
	rows := 0
	for _, d := range downloads {
		rows += d.Rows
	}
	log.Info().Int("downloads", len(downloads)).Int("rows", rows).Msg("refresh finished")
	return err
}

// Verify prints stored row counts and the last download of every symbol.
func (a *App) Verify(ctx context.Context, out io.Writer) error {
	syms, err := a.Store.ListSymbols(ctx, false)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tACTIVE\tROWS\tLAST DOWNLOAD\tSTATUS\tRANGE")
	for _, s := range syms {
		n, err := a.Store.CountPrices(ctx, s.ID)
		if err != nil {
			return err
		}
		last, status, span := "-", "-", "-"
		dl, err := a.Store.LastDownload(ctx, s.ID, "")
		switch {
		case err == nil:
			last = dl.DownloadedAt.Format(time.RFC3339)
			status = string(dl.Status)
			span = dl.StartDate.Format(model.DateLayout) + ".." + dl.EndDate.Format(model.DateLayout)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		fmt.Fprintf(tw, "%s\t%t\t%d\t%s\t%s\t%s\n", s.Ticker, s.IsActive, n, last, status, span)
	}
	return tw.Flush()
}

func (a *App) reportWindow() (time.Time, time.Time) {
	end := model.Day(time.Now())
	return end.AddDate(0, 0, -a.Cfg.Analysis.ReportLookbackDays), end
}

// Analyze runs the analysis over the report window and logs the outliers
// found on each symbol's latest day.
func (a *App) Analyze(ctx context.Context) error {
	start, end := a.reportWindow()
	report, err := a.Service.Analyze(ctx, a.Cfg.Analysis.Symbols, start, end)
	if err != nil {
		return err
	}
	for _, rej := range report.Rejected {
		log.Warn().Str("symbol", rej.Symbol).Str("date", rej.Date).Str("reason", rej.Reason).Msg("row rejected")
	}
	latest := analysis.LatestOutliers(report)
	for _, o := range latest {
		log.Info().Str("symbol", o.Symbol).Str("date", o.DateString()).
			Bool("close", o.IsOutlierClose).Bool("volume", o.IsOutlierVolume).Msg("outlier")
	}
	log.Info().Str("run_id", report.RunID).Int("symbols", len(report.Symbols)).Int("bars", len(report.Bars)).
		Int("rejected", len(report.Rejected)).Int("latest_outliers", len(latest)).Msg("analysis complete")
	return nil
}

// Export writes the pivot of the report window to path; the extension picks the format.
func (a *App) Export(ctx context.Context, path string) error {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format != "csv" && format != "xlsx" {
		return fmt.Errorf("export %s: extension must be .csv or .xlsx", path)
	}
	start, end := a.reportWindow()
	report, err := a.Service.Analyze(ctx, a.Cfg.Analysis.Symbols, start, end)
	if err != nil {
		return err
	}
	table := pivot.Build(report.Bars, pivot.DefaultMetrics)
	dir, file := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	written, err := pivot.WriteFile(dir, strings.TrimSuffix(file, filepath.Ext(file)), format, table)
	if err != nil {
		return err
	}
	log.Info().Str("path", written).Int("rows", len(table.Rows)).Int("columns", len(table.Columns)).Msg("pivot exported")
	return nil
}

// Serve runs the scheduler, the HTTP API and Telegram polling until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	sched := scheduler.NewScheduler(ctx, a.Collector, a.Service, a.Store, a.Notifier, scheduler.Options{
		Tickers:            a.Cfg.Analysis.Symbols,
		ReportLookbackDays: a.Cfg.Analysis.ReportLookbackDays,
		ExportDir:          a.Cfg.Export.Dir,
		ExportFormat:       a.Cfg.Export.Format,
	})
	if err := sched.RegisterAll(a.Cfg.Schedule.RefreshCron, a.Cfg.Schedule.AnalysisCron); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	srv := web.NewServer(web.Options{
		Addr:            a.Cfg.Server.Addr,
		ReadTimeout:     a.Cfg.Server.ReadTimeout,
		WriteTimeout:    a.Cfg.Server.WriteTimeout,
		ShutdownTimeout: a.Cfg.Server.ShutdownTimeout,
	}, a.Store, a.Collector, a.Service, a.Metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if a.telegram != nil {
		g.Go(func() error {
			a.telegram.StartPolling(gctx, sched.HandleCommand)
			return nil
		})
		log.Info().Msg("telegram polling started")
	}
	if os.Getenv("RUN_ON_START") == "true" {
		log.Info().Msg("RUN_ON_START enabled, refreshing now")
		g.Go(func() error {
			sched.RunRefreshNow(gctx)
			return nil
		})
	}
	return g.Wait()
}
