package web

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"StockETL/internal/metrics"
)

// Options holds the HTTP server settings.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the JSON API over the store, downloader and analysis service.
type Server struct {
	opts       Options
	store      Store
	downloader Downloader
	analyzer   Analyzer
	metrics    *metrics.Metrics
	validate   *validator.Validate
	router     chi.Router
}

// NewServer builds the router. m may be nil.
func NewServer(opts Options, st Store, dl Downloader, an Analyzer, m *metrics.Metrics) *Server {
	v := validator.New()
	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Server{
		opts:       opts,
		store:      st,
		downloader: dl,
		analyzer:   an,
		metrics:    m,
		validate:   v,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(s.accessLog))
	r.Use(middleware.Recoverer)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/symbols", s.listSymbols)
		r.Post("/symbols", s.addSymbol)
		r.Patch("/symbols/{id}", s.updateSymbol)
		r.Get("/symbols/{id}/downloads", s.listDownloads)
		r.Post("/downloads", s.createDownload)
		r.Get("/features", s.features)
		r.Get("/pivot", s.pivot)
	})
	return r
}

func (s *Server) accessLog(r *http.Request, status, size int, d time.Duration) {
	route := chi.RouteContext(r.Context()).RoutePattern()
	if route == "" {
		route = "unmatched"
	}
	s.metrics.ObserveRequest(r.Method, route, status, d)

	var ev *zerolog.Event
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	} else {
		ev = hlog.FromRequest(r).Debug()
	}
	ev.Str("method", r.Method).Str("route", route).Int("status", status).
		Int("size", size).Dur("duration", d).Msg("request")
}

// ServeHTTP makes the Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		timeout := s.opts.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			return err
		}
		log.Info().Msg("http server stopped")
		return <-errCh
	case err := <-errCh:
		return err
	}
}
