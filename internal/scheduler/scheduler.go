package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSpec fires at 04:55 on weekdays, before the US cash session closes in Seoul time.
const DefaultSpec = "0 55 4 * * MON-FRI"

// TickFunc is invoked on every cron activation.
type TickFunc func(ctx context.Context, fired time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Spec is a six-field cron expression (seconds first) or a descriptor such as "@every 1h".
	Spec     string
	Location *time.Location
}

// Scheduler drives cron-triggered rebalance runs, gated by a Switch.
type Scheduler struct {
	opts     Options
	schedule cron.Schedule
	sw       *Switch
	logger   zerolog.Logger
}

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New constructs a Scheduler instance. sw may be nil, in which case every activation runs.
func New(opts Options, sw *Switch, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Spec == "" {
		opts.Spec = DefaultSpec
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	schedule, err := parser.Parse(opts.Spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", opts.Spec, err)
	}
	if sw == nil {
		sw = NewSwitch(true)
	}
	return &Scheduler{
		opts:     opts,
		schedule: schedule,
		sw:       sw,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Switch returns the enable/disable switch consulted before each activation.
func (s *Scheduler) Switch() *Switch {
	return s.sw
}

// Next reports the first activation strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.opts.Location))
}

// Run blocks, invoking tick on every activation until ctx is cancelled. An activation that
// arrives while the previous one is still running is skipped. On shutdown Run waits for
// the running tick to return.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	adapter := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(s.opts.Location),
		cron.WithParser(parser),
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		fired := time.Now().In(s.opts.Location)
		if !s.sw.Enabled() {
			s.logger.Info().Time("fired", fired).Msg("scheduler disabled; activation skipped")
			return
		}
		s.logger.Info().Time("fired", fired).Msg("executing scheduled tick")
		if err := tick(ctx, fired); err != nil {
			s.logger.Error().Err(err).Time("fired", fired).Msg("tick execution failed")
		}
	}))

	s.logger.Info().Str("spec", s.opts.Spec).
		Str("location", s.opts.Location.String()).
		Time("next", s.Next(time.Now())).
		Bool("enabled", s.sw.Enabled()).
		Msg("scheduler started")
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
	return ctx.Err()
}

// cronLogger routes cron's internal logging into zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
