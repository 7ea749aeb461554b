package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cap-rebalancer/internal/risk"
	"cap-rebalancer/internal/scheduler"
	"cap-rebalancer/internal/service"
)

// Runner executes one rebalance cycle on demand.
type Runner interface {
	RunCycle(ctx context.Context, trigger string, dryRun bool) (service.Report, error)
}

// PanicSource reports the current market stress assessment.
type PanicSource interface {
	Current(ctx context.Context) risk.Assessment
}

// Server exposes the control API and the dashboard's read endpoints.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	sw       *scheduler.Switch
	next     func(time.Time) time.Time
	runner   Runner
	panics   PanicSource
	account  AccountReader
	history  HistoryReader
	universe UniverseSearcher
	indices  []string
	minCap   decimal.Decimal
	maxCap   decimal.Decimal
	logger   zerolog.Logger
}

// Options wires the server collaborators. Next may be nil when no schedule is configured.
type Options struct {
	Addr     string
	Switch   *scheduler.Switch
	Next     func(time.Time) time.Time
	Runner   Runner
	Panic    PanicSource
	Account  AccountReader
	History  HistoryReader
	Universe UniverseSearcher
	// Indices are the index tickers served under /api/index.
	Indices []string
	// MinCap and MaxCap bound the stock search.
	MinCap decimal.Decimal
	MaxCap decimal.Decimal
}

// New builds the router and the underlying http.Server.
func New(opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		sw:       opts.Switch,
		next:     opts.Next,
		runner:   opts.Runner,
		panics:   opts.Panic,
		account:  opts.Account,
		history:  opts.History,
		universe: opts.Universe,
		indices:  opts.Indices,
		minCap:   opts.MinCap,
		maxCap:   opts.MaxCap,
		logger:   logger.With().Str("component", "api").Logger(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.routes()

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/enable", s.handleEnable)
			r.Post("/disable", s.handleDisable)
		})
		r.Post("/rebalance/run", s.handleRun)
		r.Get("/panic", s.handlePanic)

		r.Get("/account", s.handleAccount)
		r.Get("/index", s.handleIndexSummary)
		r.Get("/index/{ticker}", s.handleIndexHistory)
		r.Get("/stocks/search", s.handleStockSearch)
		r.Get("/stocks/{ticker}", s.handleStockHistory)
	})
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("control API listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info().Msg("shutting down control API")
		return s.server.Shutdown(shutdownCtx)
	}
}

type statusResponse struct {
	scheduler.Status
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status(s.sw.Status()))
}

func (s *Server) handleEnable(w http.ResponseWriter, _ *http.Request) {
	st := s.sw.Enable()
	s.logger.Info().Msg("scheduler enabled")
	writeJSON(w, http.StatusOK, s.status(st))
}

func (s *Server) handleDisable(w http.ResponseWriter, _ *http.Request) {
	st := s.sw.Disable()
	s.logger.Info().Msg("scheduler disabled")
	writeJSON(w, http.StatusOK, s.status(st))
}

func (s *Server) status(st scheduler.Status) statusResponse {
	resp := statusResponse{Status: st}
	if s.next != nil && st.Enabled {
		next := s.next(time.Now())
		if !next.IsZero() {
			resp.NextRun = &next
		}
	}
	return resp
}

// handleRun starts a manual cycle regardless of the scheduler switch. The run is not
// tied to the request lifetime: a client disconnect must not interrupt order placement.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if raw := r.URL.Query().Get("dry_run"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "dry_run must be a boolean")
			return
		}
		dryRun = parsed
	}

	report, err := s.runner.RunCycle(context.WithoutCancel(r.Context()), service.TriggerManual, dryRun)
	switch {
	case errors.Is(err, service.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error().Err(err).Msg("manual rebalance failed")
		writeJSON(w, http.StatusInternalServerError, report)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

type dropView struct {
	Date           string  `json:"date"`
	Price          float64 `json:"price"`
	DailyReturnPct float64 `json:"daily_return_pct"`
}

type panicResponse struct {
	Panic  bool       `json:"panic"`
	Reason string     `json:"reason"`
	Drops  []dropView `json:"drops"`
	Anchor string     `json:"anchor,omitempty"`
}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	a := s.panics.Current(r.Context())
	resp := panicResponse{Panic: a.Panic, Reason: a.Reason, Drops: make([]dropView, 0, len(a.Drops))}
	for _, d := range a.Drops {
		resp.Drops = append(resp.Drops, dropView{
			Date:           d.Date.Format(time.DateOnly),
			Price:          d.Price,
			DailyReturnPct: d.DailyReturnPct,
		})
	}
	if !a.Anchor.IsZero() {
		resp.Anchor = a.Anchor.Format(time.DateOnly)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
