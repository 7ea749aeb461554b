package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cap-rebalancer/internal/domain"
	"cap-rebalancer/internal/rebalance"
	"cap-rebalancer/internal/storage"
)

// auditSubmitter records every order attempt under the run id before returning the
// downstream result unchanged.
type auditSubmitter struct {
	next   rebalance.OrderSubmitter
	store  storage.AuditStore
	runID  uuid.UUID
	dryRun bool
	now    func() time.Time
	logger zerolog.Logger
}

func (a *auditSubmitter) SubmitOrder(ctx context.Context, order domain.OrderIntent) error {
	err := a.next.SubmitOrder(ctx, order)
	if a.store == nil {
		return err
	}

	rec := storage.OrderRecord{
		RunID:      a.runID,
		Ticker:     order.Ticker,
		Side:       string(order.Side),
		Quantity:   order.Quantity,
		LimitPrice: decimal.NewFromFloat(order.LimitPrice),
		Reason:     order.Reason,
		Status:     storage.OrderSubmitted,
		CreatedAt:  a.now().UTC(),
	}
	switch {
	case err != nil:
		msg := err.Error()
		rec.Status = storage.OrderFailed
		rec.Error = &msg
	case a.dryRun:
		rec.Status = storage.OrderDryRun
	}
	if _, recErr := a.store.RecordOrder(ctx, rec); recErr != nil {
		a.logger.Error().Err(recErr).Str("order", order.String()).Msg("failed to persist order audit")
	}
	return err
}

type dryRunSubmitter struct {
	logger zerolog.Logger
}

func (d dryRunSubmitter) SubmitOrder(_ context.Context, order domain.OrderIntent) error {
	d.logger.Info().Str("order", order.String()).Str("rule", order.Reason).Msg("dry-run: order not sent")
	return nil
}

// settledGate stands in for the settlement gate when nothing was actually sold.
type settledGate struct{}

func (settledGate) Wait(context.Context) error { return nil }
