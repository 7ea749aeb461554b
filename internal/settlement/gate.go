package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"cap-rebalancer/internal/domain"
)

const (
	// DefaultAttempts is how many times the pending-order query is polled.
	DefaultAttempts = 10
	// DefaultInterval is the fixed spacing between polls.
	DefaultInterval = 3 * time.Second
)

// ErrSettlementTimeout is returned when sells are still pending after every attempt.
var ErrSettlementTimeout = errors.New("settlement: sell orders still pending")

// UnsettledQuerier lists orders the brokerage has not fully executed yet.
type UnsettledQuerier interface {
	QueryUnsettledOrders(ctx context.Context) ([]domain.UnsettledOrder, error)
}

// Options tune the polling loop.
type Options struct {
	Attempts int
	Interval time.Duration
}

// Gate blocks until the brokerage reports no unsettled orders.
type Gate struct {
	query  UnsettledQuerier
	opts   Options
	logger zerolog.Logger
}

// NewGate constructs a gate, falling back to the default policy for unset options.
func NewGate(query UnsettledQuerier, opts Options, logger zerolog.Logger) *Gate {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Gate{
		query:  query,
		opts:   opts,
		logger: logger.With().Str("component", "settlement_gate").Logger(),
	}
}

// Wait polls until settled. A nil error is the only success; timeout, cancellation and
// repeated query failures all return an error and must be treated as "not settled".
func (g *Gate) Wait(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= g.opts.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			g.logger.Warn().Err(err).Int("attempt", attempt).Msg("settlement wait cancelled")
			return err
		}

		pending, err := g.query.QueryUnsettledOrders(ctx)
		switch {
		case err != nil:
			lastErr = err
			g.logger.Error().Err(err).Int("attempt", attempt).Msg("pending order query failed")
		case countUnsettled(pending) == 0:
			g.logger.Info().Int("attempt", attempt).Msg("all sell orders settled")
			return nil
		default:
			lastErr = nil
			g.logger.Info().
				Int("attempt", attempt).
				Int("pending", countUnsettled(pending)).
				Dur("retry_in", g.opts.Interval).
				Msg("sell orders not settled yet")
		}

		if attempt == g.opts.Attempts {
			break
		}

		timer := time.NewTimer(g.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			g.logger.Warn().Err(ctx.Err()).Int("attempt", attempt).Msg("settlement wait cancelled")
			return ctx.Err()
		case <-timer.C:
		}
	}

	g.logger.Warn().Int("attempts", g.opts.Attempts).Msg("sell orders not settled before timeout")
	if lastErr != nil {
		return errors.Join(ErrSettlementTimeout, lastErr)
	}
	return ErrSettlementTimeout
}

func countUnsettled(orders []domain.UnsettledOrder) int {
	n := 0
	for _, o := range orders {
		if o.UnsettledQty != 0 {
			n++
		}
	}
	return n
}
