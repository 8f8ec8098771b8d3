package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog/hlog"

	"StockETL/internal/analysis"
	"StockETL/internal/collector"
	"StockETL/internal/model"
	"StockETL/internal/pivot"
)

// Store is the persistence the API reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	ListSymbols(ctx context.Context, activeOnly bool) ([]model.Symbol, error)
	AddSymbol(ctx context.Context, ticker, companyName string) (*model.Symbol, error)
	GetSymbol(ctx context.Context, id int64) (*model.Symbol, error)
	UpdateSymbol(ctx context.Context, sym model.Symbol) error
	ListDownloads(ctx context.Context, symbolID int64, limit int) ([]model.Download, error)
}

// Downloader fetches and stores one symbol's prices.
type Downloader interface {
	Download(ctx context.Context, req collector.Request) (*model.Download, error)
}

// Analyzer runs the feature pipeline over stored prices.
type Analyzer interface {
	Analyze(ctx context.Context, tickers []string, start, end time.Time) (*analysis.Report, error)
}

// AddSymbolRequest is the body of POST /api/symbols.
type AddSymbolRequest struct {
	Ticker      string `json:"ticker" validate:"required,max=16"`
	CompanyName string `json:"company_name" validate:"max=200"`
}

// Bind implements render.Binder.
func (a *AddSymbolRequest) Bind(*http.Request) error {
	a.Ticker = strings.TrimSpace(a.Ticker)
	return nil
}

// UpdateSymbolRequest is the body of PATCH /api/symbols/{id}. Omitted fields
// keep their stored value.
type UpdateSymbolRequest struct {
	CompanyName *string `json:"company_name" validate:"omitempty,max=200"`
	IsActive    *bool   `json:"is_active"`
}

// Bind implements render.Binder.
func (u *UpdateSymbolRequest) Bind(*http.Request) error {
	if u.CompanyName == nil && u.IsActive == nil {
		return errors.New("nothing to update: set company_name or is_active")
	}
	if u.CompanyName != nil {
		name := strings.TrimSpace(*u.CompanyName)
		u.CompanyName = &name
	}
	return nil
}

// DownloadRequest is the body of POST /api/downloads.
type DownloadRequest struct {
	SymbolID  int64  `json:"symbol_id" validate:"required,gt=0"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
}

// Bind implements render.Binder.
func (d *DownloadRequest) Bind(*http.Request) error { return nil }

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok"}
	if err := s.store.Ping(r.Context()); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("database ping failed")
		resp.Status, resp.Database = "degraded", err.Error()
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}

func (s *Server) listSymbols(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			renderError(w, r, errInvalidParameter("active", err))
			return
		}
		activeOnly = b
	}
	syms, err := s.store.ListSymbols(r.Context(), activeOnly)
	if err != nil {
		renderDomainError(w, r, err)
		return
	}
	if syms == nil {
		syms = []model.Symbol{}
	}
	render.JSON(w, r, syms)
}

func (s *Server) addSymbol(w http.ResponseWriter, r *http.Request) {
	var req AddSymbolRequest
	if err := render.Bind(r, &req); err != nil {
		renderError(w, r, errInvalidRequest(err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		renderError(w, r, errValidation(err))
		return
	}
	sym, err := s.store.AddSymbol(r.Context(), req.Ticker, req.CompanyName)
	if err != nil {
		renderDomainError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("symbol", sym.Ticker).Int64("symbol_id", sym.ID).Msg("symbol added")
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, sym)
}

func (s *Server) updateSymbol(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		renderError(w, r, errInvalidParameter("id", err))
		return
	}
	var req UpdateSymbolRequest
	if err := render.Bind(r, &req); err != nil {
		renderError(w, r, errInvalidRequest(err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		renderError(w, r, errValidation(err))
		return
	}
	sym, err := s.store.GetSymbol(r.Context(), id)
	if err != nil {
		renderDomainError(w, r, err)
		return
	}
	if req.CompanyName != nil {
		sym.CompanyName = *req.CompanyName
	}
	if req.IsActive != nil {
		sym.IsActive = *req.IsActive
	}
	if err := s.store.UpdateSymbol(r.Context(), *sym); err != nil {
		renderDomainError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("symbol", sym.Ticker).Bool("active", sym.IsActive).Msg("symbol updated")
	render.JSON(w, r, sym)
}

func (s *Server) listDownloads(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		renderError(w, r, errInvalidParameter("id", err))
		return
	}
	if _, err := s.store.GetSymbol(r.Context(), id); err != nil {
		renderDomainError(w, r, err)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			renderError(w, r, errInvalidParameter("limit", fmt.Errorf("must be a positive integer")))
			return
		}
	}
	dls, err := s.store.ListDownloads(r.Context(), id, limit)
	if err != nil {
		renderDomainError(w, r, err)
		return
	}
	if dls == nil {
		dls = []model.Download{}
	}
	render.JSON(w, r, dls)
}

func (s *Server) createDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := render.Bind(r, &req); err != nil {
		renderError(w, r, errInvalidRequest(err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		renderError(w, r, errValidation(err))
		return
	}
	// Both dates passed the datetime rule.
	start, _ := model.ParseDate(req.StartDate)
	end, _ := model.ParseDate(req.EndDate)
	if start.After(end) {
		renderError(w, r, newAPIError(http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed",
			[]FieldError{{Field: "end_date", Message: "must not be before start_date"}}))
		return
	}

	dl, err := s.downloader.Download(r.Context(), collector.Request{SymbolID: req.SymbolID, Start: start, End: end})
	switch {
	case err == nil:
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, dl)
	case dl != nil && dl.Status == model.DownloadFailed:
		code := "UPSTREAM_FAILED"
		if errors.Is(err, collector.ErrRateLimited) {
			code = "UPSTREAM_RATE_LIMITED"
		}
		renderError(w, r, newAPIError(http.StatusBadGateway, code, err.Error(), dl))
	default:
		renderDomainError(w, r, err)
	}
}

// analysisQuery is the shared symbols/start/end query of the analysis routes.
type analysisQuery struct {
	Tickers []string
	Start   time.Time
	End     time.Time
}

func parseAnalysisQuery(r *http.Request) (analysisQuery, *APIError) {
	var q analysisQuery
	vals := r.URL.Query()
	for _, t := range strings.Split(vals.Get("symbols"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			q.Tickers = append(q.Tickers, t)
		}
	}
	var err error
	if v := vals.Get("start"); v != "" {
		if q.Start, err = model.ParseDate(v); err != nil {
			return q, errInvalidParameter("start", err)
		}
	}
	if v := vals.Get("end"); v != "" {
		if q.End, err = model.ParseDate(v); err != nil {
			return q, errInvalidParameter("end", err)
		}
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.Start.After(q.End) {
		return q, errorFrom(collector.ErrInvalidRange)
	}
	return q, nil
}

func (s *Server) features(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseAnalysisQuery(r)
	if apiErr != nil {
		renderError(w, r, apiErr)
		return
	}
	report, err := s.analyzer.Analyze(r.Context(), q.Tickers, q.Start, q.End)
	if err != nil {
		renderDomainError(w, r, err)
		return
	}
	render.JSON(w, r, report)
}

type pivotResponse struct {
	RunID    string               `json:"run_id"`
	Symbols  []string             `json:"symbols"`
	Columns  []string             `json:"columns"`
	Rows     []model.WidePivotRow `json:"rows"`
	Rejected []model.RowError     `json:"rejected"`
}

var contentTypes = map[string]string{
	"csv":  "text/csv; charset=utf-8",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

func (s *Server) pivot(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseAnalysisQuery(r)
	if apiErr != nil {
		renderError(w, r, apiErr)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if _, ok := contentTypes[format]; !ok && format != "json" {
		renderError(w, r, errInvalidParameter("format", fmt.Errorf("%q is not one of json, csv, xlsx", format)))
		return
	}
	var names []string
	if v := r.URL.Query().Get("metrics"); v != "" {
		names = strings.Split(v, ",")
	}
	metrics, err := pivot.SelectMetrics(names)
	if err != nil {
		renderError(w, r, errInvalidParameter("metrics", err))
		return
	}

	report, err := s.analyzer.Analyze(r.Context(), q.Tickers, q.Start, q.End)
	if err != nil {
		renderDomainError(w, r, err)
		return
	}
	table := pivot.Build(report.Bars, metrics)

	if format == "json" {
		render.JSON(w, r, pivotResponse{
			RunID:    report.RunID,
			Symbols:  table.Symbols,
			Columns:  table.Columns,
			Rows:     table.JSONRows(),
			Rejected: report.Rejected,
		})
		return
	}

	// Encode fully before writing so a failure can still become an error response.
	var buf bytes.Buffer
	if err := pivot.Write(&buf, table, format); err != nil {
		renderDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentTypes[format])
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="pivot.%s"`, format))
	w.Write(buf.Bytes())
}
