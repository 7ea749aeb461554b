package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cap-rebalancer/internal/domain"
)

// ErrNoIndexData means the reference index has no stored history to judge from.
var ErrNoIndexData = errors.New("risk: no index data")

// IndexSource provides the daily history of a reference index.
type IndexSource interface {
	IndexHistory(ctx context.Context, ticker string) ([]domain.IndexPoint, error)
}

// Detector evaluates the panic state of one reference index.
type Detector struct {
	source IndexSource
	ticker string
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger
}

// NewDetector wires a detector for ticker. Dates are judged in loc.
func NewDetector(source IndexSource, ticker string, loc *time.Location, logger zerolog.Logger) *Detector {
	if loc == nil {
		loc = time.UTC
	}
	return &Detector{
		source: source,
		ticker: ticker,
		loc:    loc,
		now:    time.Now,
		logger: logger.With().Str("component", "panic_detector").Str("index", ticker).Logger(),
	}
}

// Ticker returns the reference index ticker.
func (d *Detector) Ticker() string {
	return d.ticker
}

// Assess fetches the index history and evaluates it. Fetch failures and empty
// history are returned as errors so callers can distinguish "cannot determine".
func (d *Detector) Assess(ctx context.Context) (Assessment, error) {
	points, err := d.source.IndexHistory(ctx, d.ticker)
	if err != nil {
		return Assessment{}, fmt.Errorf("fetch index history %s: %w", d.ticker, err)
	}
	if len(points) == 0 {
		return Assessment{}, ErrNoIndexData
	}

	today := domain.Day(d.now(), d.loc)
	return Evaluate(points, today), nil
}

// Current returns the assessment used for trading. It fails open: when the state cannot be
// determined the result reports no panic and the reason carries the error.
func (d *Detector) Current(ctx context.Context) Assessment {
	assessment, err := d.Assess(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("cannot determine panic state; assuming no panic")
		return Assessment{Reason: "undetermined: " + err.Error()}
	}

	event := d.logger.Info()
	if assessment.Panic {
		event = d.logger.Warn()
	}
	event.Bool("panic", assessment.Panic).
		Int("drops", len(assessment.Drops)).
		Str("reason", assessment.Reason).
		Msg("panic state evaluated")
	return assessment
}
