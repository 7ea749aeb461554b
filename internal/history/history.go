package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cap-rebalancer/internal/domain"
)

// DefaultStartDate is where history begins when nothing is stored yet.
var DefaultStartDate = time.Date(2008, 1, 2, 0, 0, 0, 0, time.UTC)

// Fetcher pulls raw daily history from the brokerage.
type Fetcher interface {
	FetchPriceHistory(ctx context.Context, ticker string, from time.Time) ([]domain.PricePoint, error)
	FetchIndexHistory(ctx context.Context, ticker string, from time.Time) ([]domain.IndexPoint, error)
}

// PriceStore is the persisted side of instrument history.
type PriceStore interface {
	InsertPricePoints(ctx context.Context, points []domain.PricePoint) (int64, error)
	ListPricePoints(ctx context.Context, ticker string) ([]domain.PricePoint, error)
	LatestPricePoint(ctx context.Context, ticker string) (domain.PricePoint, bool, error)
}

// IndexStore is the persisted side of index history.
type IndexStore interface {
	InsertIndexPoints(ctx context.Context, points []domain.IndexPoint) (int64, error)
	ListIndexPoints(ctx context.Context, ticker string) ([]domain.IndexPoint, error)
	LatestIndexPoint(ctx context.Context, ticker string) (domain.IndexPoint, bool, error)
}

// Options tune the service.
type Options struct {
	StartDate time.Time
	// Location is the exchange's timezone; "today" is the exchange's session date.
	Location *time.Location
	Workers  int
}

// Service merges stored history with fresh brokerage data. Only days strictly before
// today are persisted; today's point is returned but refetched on every call.
type Service struct {
	fetcher Fetcher
	prices  PriceStore
	index   IndexStore
	opts    Options
	now     func() time.Time
	logger  zerolog.Logger
}

// NewService wires the service. prices and index may be nil, in which case history is
// fetched from the start date on every call and nothing is persisted.
func NewService(fetcher Fetcher, prices PriceStore, index IndexStore, opts Options, logger zerolog.Logger) *Service {
	if opts.StartDate.IsZero() {
		opts.StartDate = DefaultStartDate
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Service{
		fetcher: fetcher,
		prices:  prices,
		index:   index,
		opts:    opts,
		now:     time.Now,
		logger:  logger.With().Str("component", "history").Logger(),
	}
}

func (s *Service) today() time.Time {
	return domain.Day(s.now(), s.opts.Location)
}

// PriceHistory returns the full daily history of ticker, oldest first.
func (s *Service) PriceHistory(ctx context.Context, ticker string) ([]domain.PricePoint, error) {
	points, _, err := s.syncPrices(ctx, ticker)
	return points, err
}

func (s *Service) syncPrices(ctx context.Context, ticker string) ([]domain.PricePoint, int64, error) {
	if s.prices == nil {
		fetched, err := s.fetcher.FetchPriceHistory(ctx, ticker, s.opts.StartDate)
		if err != nil {
			return nil, 0, err
		}
		return dedupePrices(fetched), 0, nil
	}

	from := s.opts.StartDate
	latest, ok, err := s.prices.LatestPricePoint(ctx, ticker)
	if err != nil {
		return nil, 0, fmt.Errorf("latest stored price %s: %w", ticker, err)
	}
	if ok {
		from = latest.Date.AddDate(0, 0, 1)
	}

	today := s.today()
	var live []domain.PricePoint
	var inserted int64
	if !from.After(today) {
		fetched, err := s.fetcher.FetchPriceHistory(ctx, ticker, from)
		if err != nil {
			return nil, 0, err
		}
		var past []domain.PricePoint
		for _, p := range dedupePrices(fetched) {
			switch {
			case ok && !p.Date.After(latest.Date):
				continue
			case p.Date.Before(today):
				past = append(past, p)
			default:
				live = append(live, p)
			}
		}
		inserted, err = s.prices.InsertPricePoints(ctx, past)
		if err != nil {
			return nil, 0, fmt.Errorf("store prices %s: %w", ticker, err)
		}
		if inserted > 0 {
			s.logger.Debug().Str("ticker", ticker).Int64("inserted", inserted).Msg("price history extended")
		}
	}

	stored, err := s.prices.ListPricePoints(ctx, ticker)
	if err != nil {
		return nil, 0, fmt.Errorf("list stored prices %s: %w", ticker, err)
	}
	return dedupePrices(append(stored, live...)), inserted, nil
}

// IndexHistory returns the daily history of an index with returns computed against the
// previous point, oldest first.
func (s *Service) IndexHistory(ctx context.Context, ticker string) ([]domain.IndexPoint, error) {
	points, _, err := s.syncIndex(ctx, ticker)
	return points, err
}

func (s *Service) syncIndex(ctx context.Context, ticker string) ([]domain.IndexPoint, int64, error) {
	if s.index == nil {
		fetched, err := s.fetcher.FetchIndexHistory(ctx, ticker, s.opts.StartDate)
		if err != nil {
			return nil, 0, err
		}
		return withReturns(nil, dedupeIndex(fetched)), 0, nil
	}

	from := s.opts.StartDate
	latest, ok, err := s.index.LatestIndexPoint(ctx, ticker)
	if err != nil {
		return nil, 0, fmt.Errorf("latest stored index %s: %w", ticker, err)
	}
	var prev *domain.IndexPoint
	if ok {
		from = latest.Date.AddDate(0, 0, 1)
		prev = &latest
	}

	today := s.today()
	var live []domain.IndexPoint
	var inserted int64
	if !from.After(today) {
		fetched, err := s.fetcher.FetchIndexHistory(ctx, ticker, from)
		if err != nil {
			return nil, 0, err
		}
		fresh := make([]domain.IndexPoint, 0, len(fetched))
		for _, p := range dedupeIndex(fetched) {
			if ok && !p.Date.After(latest.Date) {
				continue
			}
			fresh = append(fresh, p)
		}

		var past []domain.IndexPoint
		for _, p := range withReturns(prev, fresh) {
			if p.Date.Before(today) {
				past = append(past, p)
			} else {
				live = append(live, p)
			}
		}
		inserted, err = s.index.InsertIndexPoints(ctx, past)
		if err != nil {
			return nil, 0, fmt.Errorf("store index %s: %w", ticker, err)
		}
		if inserted > 0 {
			s.logger.Debug().Str("ticker", ticker).Int64("inserted", inserted).Msg("index history extended")
		}
	}

	stored, err := s.index.ListIndexPoints(ctx, ticker)
	if err != nil {
		return nil, 0, fmt.Errorf("list stored index %s: %w", ticker, err)
	}
	return dedupeIndex(append(stored, live...)), inserted, nil
}

// withReturns fills DailyReturnPct for points in ascending order. The first point is
// measured against prev, or gets 0 when there is no previous point.
func withReturns(prev *domain.IndexPoint, points []domain.IndexPoint) []domain.IndexPoint {
	out := make([]domain.IndexPoint, len(points))
	for i, p := range points {
		p.DailyReturnPct = 0
		if prev != nil && prev.Price > 0 {
			p.DailyReturnPct = (p.Price - prev.Price) / prev.Price * 100
		}
		out[i] = p
		prev = &out[i]
	}
	return out
}

// SyncResult is the outcome of refreshing one ticker.
type SyncResult struct {
	Ticker   string
	Index    bool
	Points   int
	Inserted int64
	Err      error
}

// SyncAll refreshes the given instruments and indices concurrently. A failing ticker
// does not stop the others; all failures are joined into the returned error.
func (s *Service) SyncAll(ctx context.Context, tickers, indices []string) ([]SyncResult, error) {
	results := make([]SyncResult, len(tickers)+len(indices))

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, t := range tickers {
		i, t := i, t
		g.Go(func() error {
			points, inserted, err := s.syncPrices(ctx, t)
			results[i] = SyncResult{Ticker: t, Points: len(points), Inserted: inserted, Err: err}
			return nil
		})
	}
	for j, t := range indices {
		j, t := j, t
		g.Go(func() error {
			points, inserted, err := s.syncIndex(ctx, t)
			results[len(tickers)+j] = SyncResult{Ticker: t, Index: true, Points: len(points), Inserted: inserted, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Ticker, r.Err))
			s.logger.Error().Err(r.Err).Str("ticker", r.Ticker).Bool("index", r.Index).Msg("history sync failed")
			continue
		}
		s.logger.Info().Str("ticker", r.Ticker).Bool("index", r.Index).Int("points", r.Points).Int64("inserted", r.Inserted).Msg("history synced")
	}
	return results, errors.Join(errs...)
}

func dedupePrices(points []domain.PricePoint) []domain.PricePoint {
	sort.SliceStable(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	out := points[:0:0]
	for _, p := range points {
		if n := len(out); n > 0 && out[n-1].Date.Equal(p.Date) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out
}

func dedupeIndex(points []domain.IndexPoint) []domain.IndexPoint {
	sort.SliceStable(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	out := points[:0:0]
	for _, p := range points {
		if n := len(out); n > 0 && out[n-1].Date.Equal(p.Date) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out
}
