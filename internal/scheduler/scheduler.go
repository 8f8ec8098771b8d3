package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"StockETL/internal/analysis"
	"StockETL/internal/model"
	"StockETL/internal/notifier"
	"StockETL/internal/pivot"
)

// Refresher downloads every stale symbol.
type Refresher interface {
	RefreshStale(ctx context.Context) ([]model.Download, error)
}

// Analyzer runs the feature and outlier pipeline over stored prices.
type Analyzer interface {
	Analyze(ctx context.Context, tickers []string, start, end time.Time) (*analysis.Report, error)
}

// SymbolLister lists tracked symbols.
type SymbolLister interface {
	ListSymbols(ctx context.Context, activeOnly bool) ([]model.Symbol, error)
}

// Options configures the analysis job.
type Options struct {
	Tickers            []string
	ReportLookbackDays int
	ExportDir          string
	ExportFormat       string
}

// Scheduler manages the cron jobs and answers chat commands.
type Scheduler struct {
	Cron      *cron.Cron
	Refresher Refresher
	Analyzer  Analyzer
	Symbols   SymbolLister
	Notifier  notifier.Notifier
	Options   Options
	Ctx       context.Context

	now func() time.Time

	mu         sync.Mutex
	lastReport *analysis.Report
}

// NewScheduler creates a new Scheduler.
func NewScheduler(ctx context.Context, r Refresher, a Analyzer, syms SymbolLister, n notifier.Notifier, opts Options) *Scheduler {
	if n == nil {
		n = notifier.Noop{}
	}
	if opts.ReportLookbackDays <= 0 {
		opts.ReportLookbackDays = 180
	}
	if opts.ExportFormat == "" {
		opts.ExportFormat = "csv"
	}
	return &Scheduler{
		Cron:      cron.New(cron.WithSeconds()),
		Refresher: r,
		Analyzer:  a,
		Symbols:   syms,
		Notifier:  n,
		Options:   opts,
		Ctx:       ctx,
		now:       time.Now,
	}
}

// RegisterAll registers the refresh and analysis jobs.
func (s *Scheduler) RegisterAll(refreshCron, analysisCron string) error {
	if _, err := s.Cron.AddFunc(refreshCron, func() { s.RunRefreshNow(s.Ctx) }); err != nil {
		return fmt.Errorf("register refresh job: %w", err)
	}
	if _, err := s.Cron.AddFunc(analysisCron, func() { s.RunAnalysisNow(s.Ctx) }); err != nil {
		return fmt.Errorf("register analysis job: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Info().Int("jobs", len(s.Cron.Entries())).Msg("scheduler started")
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Info().Msg("scheduler stopped")
}

// RunRefreshNow downloads stale symbols and sends the summary.
func (s *Scheduler) RunRefreshNow(ctx context.Context) string {
	log.Info().Msg("running refresh job")
	downloads, err := s.Refresher.RefreshStale(ctx)
	if err != nil {
		log.Error().Err(err).Int("downloads", len(downloads)).Msg("refresh job")
	}
	msg := notifier.FormatDownloadSummary(downloads, s.tickerNames(ctx), err)
	s.trySend(ctx, msg)
	return msg
}

// RunAnalysisNow analyses the report window, exports the pivot when an
// export dir is set and sends the outlier report.
func (s *Scheduler) RunAnalysisNow(ctx context.Context) (*analysis.Report, error) {
	end := model.Day(s.now())
	start := end.AddDate(0, 0, -s.Options.ReportLookbackDays)
	log.Info().Str("start", start.Format(model.DateLayout)).Str("end", end.Format(model.DateLayout)).
		Msg("running analysis job")

	report, err := s.Analyzer.Analyze(ctx, s.Options.Tickers, start, end)
	if err != nil {
		log.Error().Err(err).Msg("analysis job")
		s.trySend(ctx, fmt.Sprintf("❌ analysis failed: %v", err))
		return nil, err
	}
	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	if s.Options.ExportDir != "" {
		table := pivot.Build(report.Bars, pivot.DefaultMetrics)
		path, err := pivot.WriteFile(s.Options.ExportDir, "pivot_"+end.Format(model.DateLayout), s.Options.ExportFormat, table)
		if err != nil {
			log.Error().Err(err).Msg("export pivot")
		} else {
			log.Info().Str("path", path).Int("rows", len(table.Rows)).Msg("pivot exported")
		}
	}

	s.trySend(ctx, s.outlierMessage(report))
	return report, nil
}

func (s *Scheduler) outlierMessage(r *analysis.Report) string {
	return notifier.FormatOutlierReport(r.RunID, r.StartedAt, len(r.Symbols), analysis.LatestOutliers(r))
}

// HandleCommand processes a chat command and returns a reply.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	cmd, _, _ := strings.Cut(command, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	switch cmd {
	case "/refresh":
		// The summary is delivered by the job itself.
		s.RunRefreshNow(ctx)
		return ""
	case "/outliers":
		s.mu.Lock()
		r := s.lastReport
		s.mu.Unlock()
		if r == nil {
			// No run yet; the job sends its own report or failure.
			s.RunAnalysisNow(ctx)
			return ""
		}
		return s.outlierMessage(r)
	case "/symbols":
		syms, err := s.Symbols.ListSymbols(ctx, false)
		if err != nil {
			return fmt.Sprintf("❌ list symbols: %v", err)
		}
		return notifier.FormatSymbols(syms)
	default:
		return notifier.FormatHelp()
	}
}

func (s *Scheduler) tickerNames(ctx context.Context) map[int64]string {
	syms, err := s.Symbols.ListSymbols(ctx, false)
	if err != nil {
		log.Warn().Err(err).Msg("list symbols")
		return nil
	}
	names := make(map[int64]string, len(syms))
	for _, sym := range syms {
		names[sym.ID] = sym.Ticker
	}
	return names
}

func (s *Scheduler) trySend(ctx context.Context, text string) {
	if err := s.Notifier.SendWithRetry(ctx, text, 3); err != nil {
		log.Error().Err(err).Msg("send notification")
	}
}
