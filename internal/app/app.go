package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cap-rebalancer/internal/alerting"
	"cap-rebalancer/internal/api"
	"cap-rebalancer/internal/broker"
	"cap-rebalancer/internal/config"
	"cap-rebalancer/internal/domain"
	"cap-rebalancer/internal/history"
	"cap-rebalancer/internal/risk"
	"cap-rebalancer/internal/scheduler"
	"cap-rebalancer/internal/service"
	"cap-rebalancer/internal/settlement"
	"cap-rebalancer/internal/storage"
	"cap-rebalancer/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime holds the collaborators shared by the trading commands.
type runtime struct {
	store    *storage.Store
	broker   *broker.Client
	history  *history.Service
	detector *risk.Detector
	indices  []string
	// loc drives the cron trigger; exchange-day decisions use the broker's timezone.
	loc   *time.Location
	close func()
}

func (a *App) newBroker(exchange *time.Location, indices []config.IndexSpec) *broker.Client {
	cfg := a.Config.Broker
	ua := cfg.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	codes := make(map[string]string, len(indices))
	for _, idx := range indices {
		if idx.MarketCode != "" {
			codes[idx.Ticker] = idx.MarketCode
		}
	}
	return broker.NewClient(broker.Options{
		BaseURL:            cfg.BaseURL,
		AppKey:             cfg.AppKey,
		AppSecret:          cfg.AppSecret,
		AccountNumber:      cfg.AccountNumber,
		AccountProductCode: cfg.AccountProductCode,
		OrderExchange:      cfg.OrderExchange,
		QuoteExchange:      cfg.QuoteExchange,
		ChartMarketCode:    cfg.IndexMarketCode,
		MarketCodes:        codes,
		Timeout:            cfg.RequestTimeout,
		CallInterval:       cfg.CallInterval,
		UserAgent:          ua,
		Location:           exchange,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openRuntime wires broker, storage and history. Without a DSN history is fetched
// from the start date on every call and nothing is persisted.
func (a *App) openRuntime(ctx context.Context, workers int) (*runtime, error) {
	if a.Config.Broker.AppKey == "" || a.Config.Broker.AppSecret == "" {
		return nil, errors.New("broker.app_key and broker.app_secret are required")
	}
	loc, err := a.Config.Location()
	if err != nil {
		return nil, err
	}
	exchange, err := a.Config.ExchangeLocation()
	if err != nil {
		return nil, err
	}
	indices, err := a.Config.Indices()
	if err != nil {
		return nil, err
	}
	start, err := a.Config.HistoryStart()
	if err != nil {
		return nil, err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
		closeStore = func() {}
	}

	client := a.newBroker(exchange, indices)

	var prices history.PriceStore
	var index history.IndexStore
	if store != nil {
		prices = store
		index = store
	}
	if workers <= 0 {
		workers = a.Config.History.FetchWorkers
	}
	hist := history.NewService(client, prices, index, history.Options{
		StartDate: start,
		Location:  exchange,
		Workers:   workers,
	}, a.Logger)

	return &runtime{
		store:    store,
		broker:   client,
		history:  hist,
		detector: risk.NewDetector(hist, a.Config.History.IndexTicker, exchange, a.Logger),
		indices:  indexTickers(indices),
		loc:      loc,
		close:    closeStore,
	}, nil
}

func indexTickers(indices []config.IndexSpec) []string {
	out := make([]string, 0, len(indices))
	for _, idx := range indices {
		out = append(out, idx.Ticker)
	}
	return out
}

func (a *App) newService(rt *runtime, sched *scheduler.Scheduler) *service.Service {
	deps := service.Dependencies{
		Universe: rt.broker,
		Account:  rt.broker,
		Prices:   rt.history,
		Orders:   rt.broker,
		Gate: settlement.NewGate(rt.broker, settlement.Options{
			Attempts: a.Config.Settlement.Attempts,
			Interval: a.Config.Settlement.Interval,
		}, a.Logger),
		Panic:    rt.detector,
		Notifier: a.newNotifier(),
	}
	if rt.store != nil {
		deps.Audit = rt.store
		deps.Locker = rt.store
	}
	return service.New(a.Config, sched, deps, a.Logger)
}

// Run executes the scheduled rebalancer together with the control API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Config.ValidateTrading(); err != nil {
		return err
	}
	rt, err := a.openRuntime(ctx, 0)
	if err != nil {
		return err
	}
	defer rt.close()

	sched, err := scheduler.New(scheduler.Options{
		Spec:     a.Config.Scheduler.Spec,
		Location: rt.loc,
	}, scheduler.NewSwitch(a.Config.Scheduler.Enabled), a.Logger)
	if err != nil {
		return err
	}

	svc := a.newService(rt, sched)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if a.Config.HTTP.Enabled {
		minCap, maxCap := a.capBand()
		srv := api.New(api.Options{
			Addr:     a.Config.HTTP.Addr,
			Switch:   sched.Switch(),
			Next:     sched.Next,
			Runner:   svc,
			Panic:    rt.detector,
			Account:  rt.broker,
			History:  rt.history,
			Universe: rt.broker,
			Indices:  rt.indices,
			MinCap:   minCap,
			MaxCap:   maxCap,
		}, a.Logger)
		g.Go(func() error {
			if err := srv.Serve(gctx); err != nil {
				return fmt.Errorf("control api: %w", err)
			}
			return nil
		})
	}

	a.Logger.Info().Str("version", version.Version).Bool("enabled", a.Config.Scheduler.Enabled).Msg("starting rebalancer")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("rebalancer terminated with error")
		return err
	}

	a.Logger.Info().Msg("rebalancer stopped")
	return nil
}

// ExportOptions hold parameters for exporting stored history.
type ExportOptions struct {
	Ticker    string
	Index     bool
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Runs  bool
	// Side filters orders; empty shows both.
	Side domain.Side
}

// SyncOptions configure the sync-history job.
type SyncOptions struct {
	Tickers []string
	Workers int
}

// RebalanceOptions configure a one-off cycle.
type RebalanceOptions struct {
	DryRun bool
}
