package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cap-rebalancer/internal/broker"
	"cap-rebalancer/internal/domain"
)

// AccountReader returns the account's holdings and cash.
type AccountReader interface {
	FetchHoldings(ctx context.Context) (broker.Balance, error)
}

// HistoryReader serves stored daily history topped up from the brokerage.
type HistoryReader interface {
	PriceHistory(ctx context.Context, ticker string) ([]domain.PricePoint, error)
	IndexHistory(ctx context.Context, ticker string) ([]domain.IndexPoint, error)
}

// UniverseSearcher screens instruments by market capitalisation.
type UniverseSearcher interface {
	FetchCandidateUniverse(ctx context.Context, minCap, maxCap decimal.Decimal) ([]domain.CandidateInstrument, error)
}

type holdingView struct {
	Ticker    string  `json:"ticker"`
	Name      string  `json:"name"`
	Quantity  int64   `json:"quantity"`
	Price     float64 `json:"price"`
	Valuation float64 `json:"valuation"`
}

type accountResponse struct {
	Holdings   []holdingView `json:"holdings"`
	Cash       float64       `json:"cash"`
	TotalValue float64       `json:"total_value"`
}

type indexSummary struct {
	Ticker         string  `json:"ticker"`
	Date           string  `json:"date"`
	Price          float64 `json:"price"`
	DailyReturnPct float64 `json:"daily_return_pct"`
}

type pointView struct {
	Date           string   `json:"date"`
	Price          float64  `json:"price"`
	DailyReturnPct *float64 `json:"daily_return_pct,omitempty"`
}

type instrumentView struct {
	Ticker    string  `json:"ticker"`
	Name      string  `json:"name"`
	MarketCap float64 `json:"market_cap"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	bal, err := s.account.FetchHoldings(r.Context())
	if err != nil {
		s.upstreamError(w, "fetch holdings", err)
		return
	}

	resp := accountResponse{
		Holdings:   make([]holdingView, 0, len(bal.Holdings)),
		Cash:       bal.Cash,
		TotalValue: bal.TotalValue(),
	}
	for _, h := range bal.Holdings {
		resp.Holdings = append(resp.Holdings, holdingView{
			Ticker:    h.Ticker,
			Name:      h.DisplayName,
			Quantity:  h.AvailableQuantity,
			Price:     h.CurrentPrice,
			Valuation: h.CurrentValuation,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIndexSummary reports the latest level of every configured index.
func (s *Server) handleIndexSummary(w http.ResponseWriter, r *http.Request) {
	summaries := make([]indexSummary, len(s.indices))
	found := make([]bool, len(s.indices))

	g, ctx := errgroup.WithContext(r.Context())
	for i, ticker := range s.indices {
		i, ticker := i, ticker
		g.Go(func() error {
			points, err := s.history.IndexHistory(ctx, ticker)
			if err != nil {
				return err
			}
			if len(points) == 0 {
				return nil
			}
			latest := points[len(points)-1]
			summaries[i] = indexSummary{
				Ticker:         ticker,
				Date:           latest.Date.Format(time.DateOnly),
				Price:          latest.Price,
				DailyReturnPct: math.Round(latest.DailyReturnPct*100) / 100,
			}
			found[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.upstreamError(w, "fetch index history", err)
		return
	}

	out := make([]indexSummary, 0, len(summaries))
	for i, sum := range summaries {
		if found[i] {
			out = append(out, sum)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIndexHistory(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	if !slices.Contains(s.indices, ticker) {
		writeError(w, http.StatusNotFound, "unknown index "+ticker)
		return
	}

	points, err := s.history.IndexHistory(r.Context(), ticker)
	if err != nil {
		s.upstreamError(w, "fetch index history", err)
		return
	}
	out := make([]pointView, 0, len(points))
	for _, p := range points {
		ret := p.DailyReturnPct
		out = append(out, pointView{Date: p.Date.Format(time.DateOnly), Price: p.Price, DailyReturnPct: &ret})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStockHistory(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "ticker")))
	if ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}

	points, err := s.history.PriceHistory(r.Context(), ticker)
	if err != nil {
		s.upstreamError(w, "fetch price history", err)
		return
	}
	out := make([]pointView, 0, len(points))
	for _, p := range points {
		out = append(out, pointView{Date: p.Date.Format(time.DateOnly), Price: p.Price})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStockSearch matches the query against tickers and names inside the configured cap band.
func (s *Server) handleStockSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("q")))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	candidates, err := s.universe.FetchCandidateUniverse(r.Context(), s.minCap, s.maxCap)
	if err != nil {
		s.upstreamError(w, "fetch candidate universe", err)
		return
	}
	out := make([]instrumentView, 0)
	for _, c := range candidates {
		if strings.Contains(strings.ToUpper(c.Ticker), query) || strings.Contains(strings.ToUpper(c.DisplayName), query) {
			out = append(out, instrumentView{Ticker: c.Ticker, Name: c.DisplayName, MarketCap: c.MarketCap})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) upstreamError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error().Err(err).Str("op", op).Msg("brokerage read failed")
	writeError(w, http.StatusBadGateway, op+": "+err.Error())
}
