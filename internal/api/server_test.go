package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cap-rebalancer/internal/broker"
	"cap-rebalancer/internal/domain"
	"cap-rebalancer/internal/risk"
	"cap-rebalancer/internal/scheduler"
	"cap-rebalancer/internal/service"
	"cap-rebalancer/internal/storage"
)

type fakeRunner struct {
	err    error
	calls  int
	dryRun bool
}

func (f *fakeRunner) RunCycle(ctx context.Context, trigger string, dryRun bool) (service.Report, error) {
	f.calls++
	f.dryRun = dryRun
	if ctx.Err() != nil {
		return service.Report{}, ctx.Err()
	}
	return service.Report{
		RunID:   uuid.MustParse("7d4f5a52-3a3f-4f6e-9d53-0d9b6f0a1c11"),
		Trigger: trigger,
		DryRun:  dryRun,
		Status:  storage.RunCompleted,
		Sells:   []domain.OrderIntent{{Ticker: "AAPL", Quantity: 2, LimitPrice: 190, Side: domain.SideSell, Reason: "drawdown"}},
	}, f.err
}

type fakePanic struct{}

func (fakePanic) Current(context.Context) risk.Assessment {
	return risk.Assessment{
		Panic:  true,
		Reason: "single drop inside one month",
		Drops: []domain.IndexPoint{
			{Ticker: "COMP", Date: time.Date(2025, 4, 3, 0, 0, 0, 0, time.UTC), Price: 16550.6, DailyReturnPct: -5.97},
		},
	}
}

type fakeAccount struct {
	err error
}

func (f fakeAccount) FetchHoldings(context.Context) (broker.Balance, error) {
	return broker.Balance{
		Holdings: []domain.HoldingPosition{
			{Ticker: "AAPL", DisplayName: "APPLE INC", AvailableQuantity: 12, CurrentValuation: 2400.5, CurrentPrice: 200.04},
		},
		Cash: 1234.5,
	}, f.err
}

type fakeHistory struct {
	prices  map[string][]domain.PricePoint
	indices map[string][]domain.IndexPoint
	err     error
}

func (f fakeHistory) PriceHistory(_ context.Context, ticker string) ([]domain.PricePoint, error) {
	return f.prices[ticker], f.err
}

func (f fakeHistory) IndexHistory(_ context.Context, ticker string) ([]domain.IndexPoint, error) {
	return f.indices[ticker], f.err
}

type fakeUniverse struct {
	minCap, maxCap decimal.Decimal
}

func (f *fakeUniverse) FetchCandidateUniverse(_ context.Context, minCap, maxCap decimal.Decimal) ([]domain.CandidateInstrument, error) {
	f.minCap, f.maxCap = minCap, maxCap
	return []domain.CandidateInstrument{
		{Ticker: "AAPL", DisplayName: "APPLE INC", MarketCap: 3.1e12},
		{Ticker: "PINE", DisplayName: "PINEAPPLE CORP", MarketCap: 4e9},
		{Ticker: "MSFT", DisplayName: "MICROSOFT", MarketCap: 3.4e12},
	}, nil
}

func date(m time.Month, d int) time.Time {
	return time.Date(2025, m, d, 0, 0, 0, 0, time.UTC)
}

func testHistory() fakeHistory {
	return fakeHistory{
		prices: map[string][]domain.PricePoint{
			"AAPL": {{Ticker: "AAPL", Date: date(6, 26), Price: 201.56}, {Ticker: "AAPL", Date: date(6, 27), Price: 201.08}},
		},
		indices: map[string][]domain.IndexPoint{
			"COMP":   {{Ticker: "COMP", Date: date(6, 26), Price: 20167.91}, {Ticker: "COMP", Date: date(6, 27), Price: 20273.46, DailyReturnPct: 0.52337}},
			"FX@KRW": {{Ticker: "FX@KRW", Date: date(6, 27), Price: 1362.1, DailyReturnPct: -0.126}},
		},
	}
}

func newTestServer(runner Runner) (*Server, *scheduler.Switch) {
	return newTestServerWith(runner, fakeAccount{}, testHistory(), &fakeUniverse{})
}

func newTestServerWith(runner Runner, account AccountReader, hist HistoryReader, universe UniverseSearcher) (*Server, *scheduler.Switch) {
	sw := scheduler.NewSwitch(false)
	next := func(t time.Time) time.Time { return t.Add(time.Hour) }
	return New(Options{
		Addr:     ":0",
		Switch:   sw,
		Next:     next,
		Runner:   runner,
		Panic:    fakePanic{},
		Account:  account,
		History:  hist,
		Universe: universe,
		Indices:  []string{"COMP", "SPX", "FX@KRW"},
		MinCap:   decimal.NewFromInt(2_700_000_000),
		MaxCap:   decimal.NewFromInt(27_000_000_000),
	}, zerolog.Nop()), sw
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(&fakeRunner{})
	rec := do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSchedulerToggle(t *testing.T) {
	s, sw := newTestServer(&fakeRunner{})

	var body map[string]any
	rec := do(t, s, http.MethodGet, "/api/scheduler/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["enabled"])
	assert.NotContains(t, body, "next_run")

	rec = do(t, s, http.MethodPost, "/api/scheduler/enable")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["enabled"])
	assert.Contains(t, body, "next_run")
	assert.True(t, sw.Enabled())

	rec = do(t, s, http.MethodPost, "/api/scheduler/disable")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, sw.Enabled())

	rec = do(t, s, http.MethodGet, "/api/scheduler/enable")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestManualRun(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestServer(runner)

	rec := do(t, s, http.MethodPost, "/api/rebalance/run?dry_run=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, runner.dryRun)

	var report service.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, service.TriggerManual, report.Trigger)
	require.Len(t, report.Sells, 1)
	assert.Equal(t, domain.SideSell, report.Sells[0].Side)
}

func TestManualRunErrors(t *testing.T) {
	s, _ := newTestServer(&fakeRunner{err: service.ErrRunInProgress})
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/rebalance/run").Code)

	s, _ = newTestServer(&fakeRunner{err: errors.New("submit failed")})
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodPost, "/api/rebalance/run").Code)

	runner := &fakeRunner{}
	s, _ = newTestServer(runner)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/rebalance/run?dry_run=maybe").Code)
	assert.Zero(t, runner.calls)
}

func TestPanicEndpoint(t *testing.T) {
	s, _ := newTestServer(&fakeRunner{})
	rec := do(t, s, http.MethodGet, "/api/panic")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp panicResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Panic)
	require.Len(t, resp.Drops, 1)
	assert.Equal(t, "2025-04-03", resp.Drops[0].Date)
	assert.Empty(t, resp.Anchor)
}

func TestAccountEndpoint(t *testing.T) {
	s, _ := newTestServer(&fakeRunner{})
	rec := do(t, s, http.MethodGet, "/api/account")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp accountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Holdings, 1)
	assert.Equal(t, holdingView{Ticker: "AAPL", Name: "APPLE INC", Quantity: 12, Price: 200.04, Valuation: 2400.5}, resp.Holdings[0])
	assert.Equal(t, 1234.5, resp.Cash)
	assert.InDelta(t, 3635.0, resp.TotalValue, 1e-9)

	s, _ = newTestServerWith(&fakeRunner{}, fakeAccount{err: errors.New("EGW00123 token expired")}, testHistory(), &fakeUniverse{})
	rec = do(t, s, http.MethodGet, "/api/account")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "EGW00123")
}

func TestIndexSummaryEndpoint(t *testing.T) {
	s, _ := newTestServer(&fakeRunner{})
	rec := do(t, s, http.MethodGet, "/api/index")
	require.Equal(t, http.StatusOK, rec.Code)

	// SPX has no history yet and is left out; order follows configuration
	var resp []indexSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []indexSummary{
		{Ticker: "COMP", Date: "2025-06-27", Price: 20273.46, DailyReturnPct: 0.52},
		{Ticker: "FX@KRW", Date: "2025-06-27", Price: 1362.1, DailyReturnPct: -0.13},
	}, resp)
}

func TestIndexHistoryEndpoint(t *testing.T) {
	s, _ := newTestServer(&fakeRunner{})
	rec := do(t, s, http.MethodGet, "/api/index/fx@krw")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []pointView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "2025-06-27", resp[0].Date)
	require.NotNil(t, resp[0].DailyReturnPct)
	assert.InDelta(t, -0.126, *resp[0].DailyReturnPct, 1e-9)

	rec = do(t, s, http.MethodGet, "/api/index/NDX")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s, _ = newTestServerWith(&fakeRunner{}, fakeAccount{}, fakeHistory{err: errors.New("http 500")}, &fakeUniverse{})
	assert.Equal(t, http.StatusBadGateway, do(t, s, http.MethodGet, "/api/index/COMP").Code)
	assert.Equal(t, http.StatusBadGateway, do(t, s, http.MethodGet, "/api/index").Code)
}

func TestStockHistoryEndpoint(t *testing.T) {
	s, _ := newTestServer(&fakeRunner{})
	rec := do(t, s, http.MethodGet, "/api/stocks/aapl")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []pointView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, pointView{Date: "2025-06-27", Price: 201.08}, resp[1])
	assert.NotContains(t, rec.Body.String(), "daily_return_pct")
}

func TestStockSearchEndpoint(t *testing.T) {
	universe := &fakeUniverse{}
	s, _ := newTestServerWith(&fakeRunner{}, fakeAccount{}, testHistory(), universe)

	rec := do(t, s, http.MethodGet, "/api/stocks/search?q=apple")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []instrumentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "AAPL", resp[0].Ticker)
	assert.Equal(t, "PINE", resp[1].Ticker)
	assert.True(t, decimal.NewFromInt(2_700_000_000).Equal(universe.minCap))
	assert.True(t, decimal.NewFromInt(27_000_000_000).Equal(universe.maxCap))

	rec = do(t, s, http.MethodGet, "/api/stocks/search?q=msft")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "MICROSOFT", resp[0].Name)

	rec = do(t, s, http.MethodGet, "/api/stocks/search?q=zzz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/stocks/search?q=%20").Code)
}
