package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"cap-rebalancer/internal/alerting"
	"cap-rebalancer/internal/broker"
	"cap-rebalancer/internal/config"
	"cap-rebalancer/internal/domain"
	"cap-rebalancer/internal/rebalance"
	"cap-rebalancer/internal/risk"
	"cap-rebalancer/internal/scheduler"
	"cap-rebalancer/internal/storage"
	"cap-rebalancer/internal/universe"
)

// Run triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerCLI      = "cli"
)

// ErrRunInProgress is returned when another process holds the rebalance lock.
var ErrRunInProgress = errors.New("rebalance already running")

// UniverseSource screens listed instruments by market cap.
type UniverseSource interface {
	FetchCandidateUniverse(ctx context.Context, minCap, maxCap decimal.Decimal) ([]domain.CandidateInstrument, error)
}

// AccountSource reads the current holdings and cash.
type AccountSource interface {
	FetchHoldings(ctx context.Context) (broker.Balance, error)
}

// PanicAssessor reports the market stress state used for sizing.
type PanicAssessor interface {
	Current(ctx context.Context) risk.Assessment
}

// Dependencies are the collaborators of one rebalance cycle. Audit, Locker and
// Notifier are optional.
type Dependencies struct {
	Universe UniverseSource
	Account  AccountSource
	Prices   rebalance.PriceHistory
	Orders   rebalance.OrderSubmitter
	Gate     rebalance.SettlementWaiter
	Panic    PanicAssessor
	Audit    storage.AuditStore
	Locker   storage.AdvisoryLocker
	Notifier alerting.Notifier
}

// Report is the outcome of one cycle.
type Report struct {
	RunID           uuid.UUID                 `json:"run_id"`
	Trigger         string                    `json:"trigger"`
	DryRun          bool                      `json:"dry_run"`
	Status          string                    `json:"status"`
	Panic           bool                      `json:"panic"`
	PanicReason     string                    `json:"panic_reason,omitempty"`
	TotalValue      decimal.Decimal           `json:"total_value"`
	Targets         []domain.TargetAllocation `json:"targets,omitempty"`
	Sells           []domain.OrderIntent      `json:"sells"`
	Buys            []domain.OrderIntent      `json:"buys"`
	Settled         bool                      `json:"settled"`
	SettlementError string                    `json:"settlement_error,omitempty"`
	Skipped         map[string]string         `json:"skipped,omitempty"`
	Error           string                    `json:"error,omitempty"`
	StartedAt       time.Time                 `json:"started_at"`
	FinishedAt      time.Time                 `json:"finished_at"`
}

// Service orchestrates one rebalance cycle end to end.
type Service struct {
	scheduler *scheduler.Scheduler
	deps      Dependencies
	logger    zerolog.Logger

	seedCap      decimal.Decimal
	capMult      decimal.Decimal
	fetchWorkers int
	account      string
	alertsOn     bool
	lockKey      int64

	flight singleflight.Group
	now    func() time.Time
}

// New constructs the orchestrator.
func New(cfg *config.Config, sched *scheduler.Scheduler, deps Dependencies, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:    sched,
		deps:         deps,
		logger:       logger.With().Str("component", "service").Logger(),
		seedCap:      decimal.NewFromFloat(cfg.Universe.SeedMarketCap),
		capMult:      decimal.NewFromFloat(cfg.Universe.MaxCapMultiplier),
		fetchWorkers: cfg.History.FetchWorkers,
		account:      cfg.Broker.AccountNumber + "-" + cfg.Broker.AccountProductCode,
		alertsOn:     cfg.Alerting.Enabled,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
		now:          time.Now,
	}
}

// Run blocks on the cron trigger until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Tick)
}

// Tick is the scheduled entry point. A run held by another process is not an error.
func (s *Service) Tick(ctx context.Context, fired time.Time) error {
	_, err := s.RunCycle(ctx, TriggerSchedule, false)
	if errors.Is(err, ErrRunInProgress) {
		s.logger.Info().Time("fired", fired).Msg("skip tick because a rebalance is already running")
		return nil
	}
	return err
}

// RunCycle executes one rebalance. Concurrent callers in this process share the
// in-flight run; across processes the postgres advisory lock decides.
func (s *Service) RunCycle(ctx context.Context, trigger string, dryRun bool) (Report, error) {
	key := fmt.Sprintf("%s/%t", s.account, dryRun)
	v, err, shared := s.flight.Do(key, func() (any, error) {
		return s.lockedCycle(ctx, trigger, dryRun)
	})
	if shared {
		s.logger.Info().Str("trigger", trigger).Msg("joined in-flight rebalance")
	}
	report, _ := v.(Report)
	return report, err
}

func (s *Service) lockedCycle(ctx context.Context, trigger string, dryRun bool) (Report, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return Report{}, err
	}
	if !proceed {
		return Report{Trigger: trigger, DryRun: dryRun, Status: storage.RunSkipped}, ErrRunInProgress
	}
	if unlock != nil {
		defer unlock()
	}

	return s.execute(ctx, trigger, dryRun)
}

func (s *Service) execute(ctx context.Context, trigger string, dryRun bool) (Report, error) {
	report := Report{
		RunID:     uuid.New(),
		Trigger:   trigger,
		DryRun:    dryRun,
		StartedAt: s.now().UTC(),
		Skipped:   map[string]string{},
	}
	logger := s.logger.With().Str("run_id", report.RunID.String()).Str("trigger", trigger).Bool("dry_run", dryRun).Logger()

	runErr := s.rebalance(ctx, &report, logger)

	report.FinishedAt = s.now().UTC()
	report.Status = storage.RunCompleted
	if runErr != nil {
		report.Status = storage.RunFailed
		report.Error = runErr.Error()
		logger.Error().Err(runErr).Msg("rebalance failed")
	} else {
		logger.Info().
			Bool("panic", report.Panic).
			Int("sells", len(report.Sells)).
			Int("buys", len(report.Buys)).
			Int("skipped", len(report.Skipped)).
			Msg("rebalance completed")
	}

	s.recordRun(ctx, report, logger)
	s.notify(ctx, report, logger)
	return report, runErr
}

func (s *Service) rebalance(ctx context.Context, report *Report, logger zerolog.Logger) error {
	minCap := s.seedCap
	maxCap := s.seedCap.Mul(s.capMult)
	candidates, err := s.deps.Universe.FetchCandidateUniverse(ctx, minCap, maxCap)
	if err != nil {
		return fmt.Errorf("fetch candidate universe: %w", err)
	}
	logger.Info().Int("candidates", len(candidates)).
		Str("min_cap", minCap.String()).
		Str("max_cap", maxCap.String()).
		Msg("candidate universe fetched")

	balance, err := s.deps.Account.FetchHoldings(ctx)
	if err != nil {
		return fmt.Errorf("fetch holdings: %w", err)
	}
	total := balance.TotalValue()
	report.TotalValue = decimal.NewFromFloat(total)

	targets, err := universe.Allocate(candidates, total)
	if err != nil {
		return fmt.Errorf("allocate targets: %w", err)
	}
	report.Targets = targets

	assessment := s.deps.Panic.Current(ctx)
	report.Panic = assessment.Panic
	report.PanicReason = assessment.Reason

	orders, gate := s.deps.Orders, s.deps.Gate
	if report.DryRun {
		orders, gate = dryRunSubmitter{logger: logger}, settledGate{}
	}
	orders = &auditSubmitter{
		next:   orders,
		store:  s.deps.Audit,
		runID:  report.RunID,
		dryRun: report.DryRun,
		now:    s.now,
		logger: logger,
	}

	engine := rebalance.NewEngine(s.deps.Prices, orders, gate, rebalance.Options{FetchWorkers: s.fetchWorkers}, logger)
	result, err := engine.Rebalance(ctx, balance.Holdings, targets, assessment.Panic)

	report.Sells = result.Sells
	report.Buys = result.Buys
	report.Settled = result.Settled
	if result.SettlementErr != nil {
		report.SettlementError = result.SettlementErr.Error()
	}
	for ticker, reason := range result.Skipped {
		report.Skipped[ticker] = reason.Error()
	}
	return err
}

func (s *Service) recordRun(ctx context.Context, report Report, logger zerolog.Logger) {
	if s.deps.Audit == nil {
		return
	}
	rec := storage.RunRecord{
		ID:          report.RunID,
		Trigger:     report.Trigger,
		DryRun:      report.DryRun,
		Panic:       report.Panic,
		PanicReason: report.PanicReason,
		TotalValue:  report.TotalValue,
		Sells:       len(report.Sells),
		Buys:        len(report.Buys),
		Skipped:     len(report.Skipped),
		Settled:     report.Settled,
		Status:      report.Status,
		StartedAt:   report.StartedAt,
		FinishedAt:  report.FinishedAt,
	}
	if report.Error != "" {
		msg := report.Error
		rec.Error = &msg
	}
	if err := s.deps.Audit.RecordRun(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("failed to persist run record")
	}
}

func (s *Service) notify(ctx context.Context, report Report, logger zerolog.Logger) {
	if !s.alertsOn || s.deps.Notifier == nil {
		return
	}
	note := alerting.Notification{
		RunID:           report.RunID.String(),
		Trigger:         report.Trigger,
		StartedAt:       report.StartedAt,
		DryRun:          report.DryRun,
		Panic:           report.Panic,
		PanicReason:     report.PanicReason,
		TotalValue:      report.TotalValue,
		Sells:           report.Sells,
		Buys:            report.Buys,
		Settled:         report.Settled,
		SettlementError: report.SettlementError,
		Skipped:         report.Skipped,
		Error:           report.Error,
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		logger.Error().Err(err).Msg("failed to dispatch run summary")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
