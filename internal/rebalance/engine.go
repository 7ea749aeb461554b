package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cap-rebalancer/internal/domain"
)

// PriceHistory returns the full daily price history of an instrument.
type PriceHistory interface {
	PriceHistory(ctx context.Context, ticker string) ([]domain.PricePoint, error)
}

// OrderSubmitter places one order with the brokerage.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, order domain.OrderIntent) error
}

// SettlementWaiter blocks until previously submitted sells have settled.
// Any non-nil error means the cash position is uncertain.
type SettlementWaiter interface {
	Wait(ctx context.Context) error
}

// Options tune the engine.
type Options struct {
	// FetchWorkers bounds concurrent price history fetches.
	FetchWorkers int
}

// Engine turns target allocations into sell and buy orders.
type Engine struct {
	prices     PriceHistory
	orders     OrderSubmitter
	settlement SettlementWaiter
	opts       Options
	logger     zerolog.Logger
}

// Result describes what one rebalance run did.
type Result struct {
	Panic         bool
	Sells         []domain.OrderIntent
	Buys          []domain.OrderIntent
	Settled       bool
	SettlementErr error
	// Skipped maps tickers whose analysis failed to the reason.
	Skipped map[string]error
}

// NewEngine wires the engine collaborators.
func NewEngine(prices PriceHistory, orders OrderSubmitter, settlement SettlementWaiter, opts Options, logger zerolog.Logger) *Engine {
	if opts.FetchWorkers <= 0 {
		opts.FetchWorkers = 4
	}
	return &Engine{
		prices:     prices,
		orders:     orders,
		settlement: settlement,
		opts:       opts,
		logger:     logger.With().Str("component", "rebalance_engine").Logger(),
	}
}

type plan struct {
	target   domain.TargetAllocation
	holding  domain.HoldingPosition
	analysis Analysis
}

// Rebalance runs one cycle: prune dropped positions, sell down, wait for settlement, then buy.
// Holdings and targets are read-only. A returned error is always an order submission failure;
// per-instrument data problems are reported in Result.Skipped.
func (e *Engine) Rebalance(ctx context.Context, holdings []domain.HoldingPosition, targets []domain.TargetAllocation, panicking bool) (Result, error) {
	res := Result{Panic: panicking, Skipped: make(map[string]error)}

	working, err := e.prune(ctx, holdings, targets, &res)
	if err != nil {
		return res, err
	}

	plans := e.analyze(ctx, working, targets, &res)
	remaining := make(map[string]int64, len(working))
	for _, h := range working {
		remaining[h.Ticker] = h.AvailableQuantity
	}

	for _, p := range plans {
		for _, order := range e.size(p, domain.SideSell, panicking) {
			if left := remaining[order.Ticker]; order.Quantity > left {
				e.logger.Warn().Str("ticker", order.Ticker).
					Int64("wanted", order.Quantity).
					Int64("available", left).
					Msg("sell capped at available quantity")
				order.Quantity = left
			}
			if order.Quantity <= 0 {
				continue
			}
			if err := e.submit(ctx, order, &res.Sells); err != nil {
				return res, err
			}
			remaining[order.Ticker] -= order.Quantity
		}
	}

	if err := e.settlement.Wait(ctx); err != nil {
		res.SettlementErr = err
		e.logger.Warn().Err(err).Int("sells", len(res.Sells)).Msg("settlement not confirmed; skipping buys")
		return res, nil
	}
	res.Settled = true

	var buyErrs []error
	for _, p := range plans {
		limit := buyLimit(p, panicking)
		for _, order := range e.size(p, domain.SideBuy, panicking) {
			if order.Quantity > limit {
				e.logger.Warn().Str("ticker", order.Ticker).
					Str("rule", order.Reason).
					Int64("wanted", order.Quantity).
					Int64("shortfall", limit).
					Msg("buy capped at target shortfall")
				order.Quantity = limit
			}
			if order.Quantity <= 0 {
				continue
			}
			if err := e.submit(ctx, order, &res.Buys); err != nil {
				buyErrs = append(buyErrs, err)
				continue
			}
			limit -= order.Quantity
		}
	}

	e.logger.Info().
		Bool("panic", panicking).
		Int("sells", len(res.Sells)).
		Int("buys", len(res.Buys)).
		Int("skipped", len(res.Skipped)).
		Msg("rebalance finished")
	return res, errors.Join(buyErrs...)
}

// prune liquidates positions that are no longer in the target set and returns the rest.
func (e *Engine) prune(ctx context.Context, holdings []domain.HoldingPosition, targets []domain.TargetAllocation, res *Result) ([]domain.HoldingPosition, error) {
	wanted := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		wanted[t.Ticker] = struct{}{}
	}

	working := make([]domain.HoldingPosition, 0, len(holdings))
	for _, h := range holdings {
		if _, ok := wanted[h.Ticker]; ok || strings.TrimSpace(h.Ticker) == "" {
			working = append(working, h)
			continue
		}

		if h.AvailableQuantity <= 0 {
			e.logger.Info().Str("ticker", h.Ticker).Msg("dropped position has nothing available to sell")
			continue
		}
		order := domain.OrderIntent{
			Ticker:     h.Ticker,
			Quantity:   h.AvailableQuantity,
			LimitPrice: h.CurrentPrice,
			Side:       domain.SideSell,
			Reason:     "prune",
		}
		if err := e.submit(ctx, order, &res.Sells); err != nil {
			return nil, err
		}
		e.logger.Info().Str("ticker", h.Ticker).Str("name", h.DisplayName).Msg("position liquidated")
	}
	return working, nil
}

type historyResult struct {
	points []domain.PricePoint
	err    error
}

// analyze fetches histories concurrently and builds one plan per target that passes its checks.
func (e *Engine) analyze(ctx context.Context, holdings []domain.HoldingPosition, targets []domain.TargetAllocation, res *Result) []plan {
	histories := make([]historyResult, len(targets))
	var g errgroup.Group
	g.SetLimit(e.opts.FetchWorkers)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			points, err := e.prices.PriceHistory(ctx, t.Ticker)
			histories[i] = historyResult{points: points, err: err}
			return nil
		})
	}
	_ = g.Wait()

	byTicker := make(map[string]domain.HoldingPosition, len(holdings))
	for _, h := range holdings {
		byTicker[h.Ticker] = h
	}

	plans := make([]plan, 0, len(targets))
	for i, t := range targets {
		if err := histories[i].err; err != nil {
			e.skip(res, t.Ticker, fmt.Errorf("fetch price history: %w", err))
			continue
		}
		analysis, err := Analyze(histories[i].points)
		if err != nil {
			e.skip(res, t.Ticker, err)
			continue
		}
		holding, ok := byTicker[t.Ticker]
		if !ok {
			e.skip(res, t.Ticker, ErrHoldingNotFound)
			continue
		}

		e.logger.Debug().Str("ticker", t.Ticker).
			Float64("highest", analysis.Highest.Price).
			Float64("lowest_after_high", analysis.LowestAfterHigh.Price).
			Float64("current", analysis.CurrentPrice).
			Float64("target", t.TargetAmount).
			Float64("own", holding.CurrentValuation).
			Msg("instrument analysed")
		plans = append(plans, plan{target: t, holding: holding, analysis: analysis})
	}
	return plans
}

// size converts the rule adjustments for one instrument into orders on the given side.
// Sells act on negative adjustments, buys on positive ones; zero-share orders are dropped.
func (e *Engine) size(p plan, side domain.Side, panicking bool) []domain.OrderIntent {
	price := p.analysis.CurrentPrice
	orders := make([]domain.OrderIntent, 0, 2)
	for _, adj := range adjustments(p.analysis, p.target.TargetAmount, p.holding.CurrentValuation, panicking) {
		if (side == domain.SideSell && adj.amount >= 0) || (side == domain.SideBuy && adj.amount <= 0) {
			continue
		}
		qty := shareQuantity(adj.amount, price)
		if qty == 0 {
			e.logger.Debug().Str("ticker", p.target.Ticker).
				Str("side", string(side)).
				Str("rule", adj.rule).
				Float64("amount", adj.amount).
				Msg("order rounds to zero shares; suppressed")
			continue
		}
		orders = append(orders, domain.OrderIntent{
			Ticker:     p.target.Ticker,
			Quantity:   qty,
			LimitPrice: price,
			Side:       side,
			Reason:     adj.rule,
		})
	}
	return orders
}

// buyLimit is the number of whole shares that lifts a holding to its target. In normal mode
// the rules together never buy past it; the single panic rule is left uncapped.
func buyLimit(p plan, panicking bool) int64 {
	if panicking {
		return math.MaxInt64
	}
	shortfall := p.target.TargetAmount - p.holding.CurrentValuation
	if shortfall <= 0 {
		return 0
	}
	return shareQuantity(shortfall, p.analysis.CurrentPrice)
}

func (e *Engine) submit(ctx context.Context, order domain.OrderIntent, into *[]domain.OrderIntent) error {
	if err := e.orders.SubmitOrder(ctx, order); err != nil {
		e.logger.Error().Err(err).Str("order", order.String()).Str("rule", order.Reason).Msg("order submission failed")
		return fmt.Errorf("submit %s: %w", order, err)
	}
	*into = append(*into, order)
	e.logger.Info().Str("order", order.String()).Str("rule", order.Reason).Msg("order submitted")
	return nil
}

func (e *Engine) skip(res *Result, ticker string, err error) {
	wrapped := &InstrumentError{Ticker: ticker, Err: err}
	res.Skipped[ticker] = wrapped
	e.logger.Warn().Err(err).Str("ticker", ticker).Msg("instrument skipped for this run")
}
