package web

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"StockETL/internal/analysis"
	"StockETL/internal/calculator"
	"StockETL/internal/collector"
	"StockETL/internal/metrics"
	"StockETL/internal/model"
	"StockETL/internal/store"
)

type testEnv struct {
	store   *store.SQLiteStore
	fetcher *collector.MockFetcher
	server  *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := metrics.New()
	fetcher := &collector.MockFetcher{}
	col := collector.NewCollector(fetcher, st, m, 7*24*time.Hour, 365)
	svc := analysis.NewService(st, analysis.NewEngine(calculator.DefaultParams(), 2, m))
	return &testEnv{
		store:   st,
		fetcher: fetcher,
		server:  NewServer(Options{Addr: ":0"}, st, col, svc, m),
	}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seed adds AAPL and NVDA and downloads January 2024 for both.
func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	for _, tk := range []string{"AAPL", "NVDA"} {
		sym, err := e.store.AddSymbol(context.Background(), tk, "")
		require.NoError(t, err)
		rec := e.do(t, http.MethodPost, "/api/downloads",
			`{"symbol_id":`+itoa(sym.ID)+`,"start_date":"2024-01-01","end_date":"2024-01-31"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[healthResponse](t, rec).Status)
}

func TestSymbols(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/symbols", `{"ticker":" aapl ","company_name":"Apple Inc."}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sym := decode[model.Symbol](t, rec)
	assert.Equal(t, "AAPL", sym.Ticker)
	assert.True(t, sym.IsActive)

	rec = env.do(t, http.MethodPost, "/api/symbols", `{"ticker":"AAPL"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/symbols", `{"company_name":"nobody"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decode[APIError](t, rec)
	assert.Equal(t, "VALIDATION_FAILED", apiErr.ErrorCode)
	assert.Contains(t, rec.Body.String(), `"field":"ticker"`)

	rec = env.do(t, http.MethodPost, "/api/symbols", `{"ticker":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/symbols?active=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	syms := decode[[]model.Symbol](t, rec)
	require.Len(t, syms, 1)
	assert.Equal(t, "Apple Inc.", syms[0].CompanyName)

	rec = env.do(t, http.MethodGet, "/api/symbols?active=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSymbol(t *testing.T) {
	env := newTestEnv(t)
	sym, err := env.store.AddSymbol(context.Background(), "AAPL", "Apple")
	require.NoError(t, err)
	target := "/api/symbols/" + itoa(sym.ID)

	rec := env.do(t, http.MethodPatch, target, `{"company_name":" Apple Inc. "}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[model.Symbol](t, rec)
	assert.Equal(t, "Apple Inc.", got.CompanyName)
	assert.True(t, got.IsActive)

	rec = env.do(t, http.MethodPatch, target, `{"is_active":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := env.store.GetSymbol(context.Background(), sym.ID)
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc.", stored.CompanyName)
	assert.False(t, stored.IsActive)

	rec = env.do(t, http.MethodGet, "/api/symbols?active=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]model.Symbol](t, rec))

	tests := []struct {
		name      string
		target    string
		body      string
		wantCode  int
		wantField string
	}{
		{"unknown symbol", "/api/symbols/999", `{"is_active":true}`, http.StatusNotFound, ""},
		{"bad id", "/api/symbols/abc", `{"is_active":true}`, http.StatusBadRequest, ""},
		{"empty body", target, `{}`, http.StatusBadRequest, ""},
		{"long name", target, `{"company_name":"` + strings.Repeat("x", 201) + `"}`, http.StatusBadRequest, "company_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPatch, tt.target, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantField != "" {
				assert.Contains(t, rec.Body.String(), `"field":"`+tt.wantField+`"`)
			}
		})
	}
}

func TestCreateDownload_Validation(t *testing.T) {
	env := newTestEnv(t)
	sym, err := env.store.AddSymbol(context.Background(), "AAPL", "")
	require.NoError(t, err)
	id := itoa(sym.ID)

	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantField string
	}{
		{"missing symbol", `{"start_date":"2024-01-01","end_date":"2024-01-31"}`, http.StatusBadRequest, "symbol_id"},
		{"bad start", `{"symbol_id":` + id + `,"start_date":"01/01/2024","end_date":"2024-01-31"}`, http.StatusBadRequest, "start_date"},
		{"missing end", `{"symbol_id":` + id + `,"start_date":"2024-01-01"}`, http.StatusBadRequest, "end_date"},
		{"reversed", `{"symbol_id":` + id + `,"start_date":"2024-02-01","end_date":"2024-01-31"}`, http.StatusBadRequest, "end_date"},
		{"unknown symbol", `{"symbol_id":999,"start_date":"2024-01-01","end_date":"2024-01-31"}`, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/downloads", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantField != "" {
				assert.Contains(t, rec.Body.String(), `"field":"`+tt.wantField+`"`)
			}
		})
	}
	assert.Zero(t, env.fetcher.Calls)
}

func TestCreateDownload(t *testing.T) {
	env := newTestEnv(t)
	sym, err := env.store.AddSymbol(context.Background(), "AAPL", "")
	require.NoError(t, err)
	body := `{"symbol_id":` + itoa(sym.ID) + `,"start_date":"2024-01-01","end_date":"2024-01-05"}`

	rec := env.do(t, http.MethodPost, "/api/downloads", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dl := decode[model.Download](t, rec)
	assert.Equal(t, model.DownloadCompleted, dl.Status)
	assert.Equal(t, 5, dl.Rows)

	env.fetcher.Err = collector.ErrRateLimited
	rec = env.do(t, http.MethodPost, "/api/downloads", body)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	apiErr := decode[APIError](t, rec)
	assert.Equal(t, "UPSTREAM_RATE_LIMITED", apiErr.ErrorCode)

	env.fetcher.Err = errors.New("connection reset")
	rec = env.do(t, http.MethodPost, "/api/downloads", body)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "UPSTREAM_FAILED", decode[APIError](t, rec).ErrorCode)

	rec = env.do(t, http.MethodGet, "/api/symbols/"+itoa(sym.ID)+"/downloads?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	dls := decode[[]model.Download](t, rec)
	require.Len(t, dls, 3)
	statuses := []model.DownloadStatus{dls[0].Status, dls[1].Status, dls[2].Status}
	assert.ElementsMatch(t, []model.DownloadStatus{model.DownloadCompleted, model.DownloadFailed, model.DownloadFailed}, statuses)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/symbols/999/downloads", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/symbols/x/downloads", "").Code)
}

func TestFeatures(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	rec := env.do(t, http.MethodGet, "/api/features?symbols=AAPL&start=2024-01-08&end=2024-01-12", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[analysis.Report](t, rec)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, []string{"AAPL"}, report.Symbols)
	require.Len(t, report.Bars, 5)
	assert.Equal(t, "2024-01-08", report.Bars[0].DateString())
	assert.Nil(t, report.Bars[0].PrevClose, "first row of the loaded range has no previous close")

	rec = env.do(t, http.MethodGet, "/api/features?start=2024-02-01&end=2024-01-01", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/features?start=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPivot(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	const q = "/api/pivot?symbols=AAPL,NVDA&start=2024-01-29&end=2024-01-31&metrics=close,volume"

	t.Run("json", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, q, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[pivotResponse](t, rec)
		assert.Equal(t, []string{"close_AAPL", "close_NVDA", "volume_AAPL", "volume_NVDA"}, resp.Columns)
		require.Len(t, resp.Rows, 3)
		assert.Equal(t, "2024-01-31", resp.Rows[0].Date.Format(model.DateLayout), "newest first")
		assert.IsType(t, float64(0), resp.Rows[0].Values["close_AAPL"], "prices are JSON numbers")
		assert.IsType(t, float64(0), resp.Rows[0].Values["volume_AAPL"])
		assert.NotContains(t, rec.Body.String(), `"close_AAPL":"`)
	})

	t.Run("csv", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, q+"&format=csv", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
		records, err := csv.NewReader(rec.Body).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 4)
		assert.Equal(t, []string{"date", "close_AAPL", "close_NVDA", "volume_AAPL", "volume_NVDA"}, records[0])
		assert.Equal(t, "1000000", records[1][3])
	})

	t.Run("xlsx", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, q+"&format=xlsx", "")
		require.Equal(t, http.StatusOK, rec.Code)
		f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
		require.NoError(t, err)
		defer f.Close()
		rows, err := f.GetRows("Pivot")
		require.NoError(t, err)
		assert.Len(t, rows, 4)
	})

	t.Run("bad parameters", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, q+"&format=parquet", "").Code)
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/pivot?metrics=rsi", "").Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/healthz", "")

	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `stocketl_http_requests_total{code="200",method="GET",route="/healthz"} 1`)
}

func TestRun_Shutdown(t *testing.T) {
	env := newTestEnv(t)
	env.server.opts.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
