package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cap-rebalancer/internal/domain"
)

var today = day(2025, 6, 30)

type seriesBuilder struct {
	points []domain.IndexPoint
	date   time.Time
	price  float64
}

func newSeries(start time.Time, price float64) *seriesBuilder {
	return &seriesBuilder{
		points: []domain.IndexPoint{{Ticker: "COMP", Date: start, Price: price}},
		date:   start,
		price:  price,
	}
}

// move appends the next calendar day with the given return.
func (b *seriesBuilder) move(pct float64) *seriesBuilder {
	b.date = b.date.AddDate(0, 0, 1)
	b.price = b.price * (1 + pct/100)
	b.points = append(b.points, domain.IndexPoint{Ticker: "COMP", Date: b.date, Price: b.price, DailyReturnPct: pct})
	return b
}

func (b *seriesBuilder) flat(n int) *seriesBuilder {
	for i := 0; i < n; i++ {
		b.move(0)
	}
	return b
}

func (b *seriesBuilder) rise(n int) *seriesBuilder {
	for i := 0; i < n; i++ {
		b.move(1)
	}
	return b
}

func TestEvaluateNoDropsNeverPanics(t *testing.T) {
	points := newSeries(day(2025, 4, 1), 100).move(-2.9).flat(20).move(-1.5).rise(3).flat(30).points

	a := Evaluate(points, today)
	assert.False(t, a.Panic)
	assert.Empty(t, a.Drops)
}

func TestEvaluateSingleDropRecoveredByEightRisingCloses(t *testing.T) {
	b := newSeries(day(2025, 6, 19), 100)
	b.move(-5) // 2025-06-20, ten days before today
	b.rise(8)

	a := Evaluate(b.points, today)
	assert.False(t, a.Panic, a.Reason)
	assert.Equal(t, day(2025, 6, 20), a.Anchor)
}

func TestEvaluateSingleDropWithoutRecoveryPanics(t *testing.T) {
	b := newSeries(day(2025, 6, 19), 100)
	b.move(-5)
	b.rise(6).move(-0.5).rise(2)

	a := Evaluate(b.points, today)
	assert.True(t, a.Panic, a.Reason)
	require.Len(t, a.Drops, 1)
}

func TestEvaluateScenarioTwoDropsTakesSingleDropBranch(t *testing.T) {
	b := newSeries(day(2025, 6, 24), 100)
	b.move(-4).move(1).move(-3.5).move(2).move(-1)

	a := Evaluate(b.points, today)
	require.Len(t, a.Drops, 2)
	assert.Equal(t, day(2025, 6, 27), a.Drops[0].Date, "most recent drop first")
	assert.Equal(t, day(2025, 6, 25), a.Drops[1].Date)
	assert.True(t, a.Panic)
	assert.Equal(t, day(2025, 6, 27), a.Anchor)
}

func TestEvaluateDropThresholdIsInclusive(t *testing.T) {
	b := newSeries(day(2025, 6, 20), 100)
	b.move(-3.0).flat(3)

	a := Evaluate(b.points, today)
	assert.True(t, a.Panic)
	assert.Len(t, a.Drops, 1)
}

func TestEvaluateSingleDropMonthBoundary(t *testing.T) {
	// today - 1 month - 1 day = 2025-05-29
	onBoundary := newSeries(day(2025, 5, 28), 100).move(-4).flat(10).points
	assert.True(t, Evaluate(onBoundary, today).Panic)

	pastBoundary := newSeries(day(2025, 5, 27), 100).move(-4).flat(10).points
	a := Evaluate(pastBoundary, today)
	assert.False(t, a.Panic)
	assert.Len(t, a.Drops, 1)
}

func TestEvaluateDropWindowBoundary(t *testing.T) {
	// today - 2 months - 1 day = 2025-04-29
	inside := newSeries(day(2025, 4, 28), 100).move(-4).points
	assert.Len(t, Evaluate(inside, today).Drops, 1)

	outside := newSeries(day(2025, 4, 27), 100).move(-4).points
	assert.Empty(t, Evaluate(outside, today).Drops)
}

func clusterSeries() *seriesBuilder {
	b := newSeries(day(2025, 6, 1), 100)
	b.move(-4).flat(2) // 06-02
	b.move(-4).flat(4) // 06-05
	b.move(-4).flat(5) // 06-10
	b.move(-4)         // 06-16
	return b
}

func TestEvaluateFourDropClusterPanics(t *testing.T) {
	b := clusterSeries()
	b.flat(5)

	a := Evaluate(b.points, today)
	assert.True(t, a.Panic, a.Reason)
	require.Len(t, a.Drops, 4)
	assert.Equal(t, day(2025, 6, 2), a.Anchor, "cluster anchor is the oldest drop")
}

func TestEvaluateFourDropClusterClearsAfterRecovery(t *testing.T) {
	b := clusterSeries()
	b.rise(8)

	a := Evaluate(b.points, today)
	assert.False(t, a.Panic, a.Reason)
}

func TestEvaluateFourDropsSpreadOverTwoMonthsStillPanics(t *testing.T) {
	b := newSeries(day(2025, 4, 30), 100)
	b.move(-4).move(-4).move(-4) // 05-01 .. 05-03
	b.flat(37)                   // through 06-09
	b.move(-4)                   // 06-10
	b.rise(10)

	a := Evaluate(b.points, today)
	require.Len(t, a.Drops, 4)
	assert.True(t, a.Panic, "spread drops keep the panic while the latest is within a month")
	assert.True(t, a.Anchor.IsZero())
}

func TestEvaluateIsIdempotentAndOrderInsensitive(t *testing.T) {
	b := clusterSeries()
	b.flat(3)
	points := b.points

	first := Evaluate(points, today)
	second := Evaluate(points, today)
	assert.Equal(t, first, second)

	reversed := make([]domain.IndexPoint, len(points))
	for i, p := range points {
		reversed[len(points)-1-i] = p
	}
	assert.Equal(t, first.Panic, Evaluate(reversed, today).Panic)
	assert.Equal(t, day(2025, 6, 1), points[0].Date, "input must not be reordered")
}

func TestHasUptrend(t *testing.T) {
	b := newSeries(day(2025, 1, 1), 100)
	b.rise(6).move(-1).rise(7)
	points := b.points

	assert.False(t, HasUptrend(points, day(2025, 1, 1), 9), "longest run is eight points")
	assert.True(t, HasUptrend(points, day(2025, 1, 1), 8))
	assert.False(t, HasUptrend(points, day(2025, 1, 10), 8), "run after the floor is too short")
	assert.False(t, HasUptrend(nil, day(2025, 1, 1), 8))
}

func TestHasUptrendRequiresStrictIncrease(t *testing.T) {
	b := newSeries(day(2025, 1, 1), 100)
	b.rise(3).move(0).rise(4)
	assert.False(t, HasUptrend(b.points, day(2025, 1, 1), 8))
}

type stubIndexSource struct {
	points []domain.IndexPoint
	err    error
}

func (s stubIndexSource) IndexHistory(context.Context, string) ([]domain.IndexPoint, error) {
	return s.points, s.err
}

func TestDetectorFailsOpen(t *testing.T) {
	d := NewDetector(stubIndexSource{err: errors.New("boom")}, "COMP", time.UTC, zerolog.Nop())
	current := d.Current(context.Background())
	assert.False(t, current.Panic)
	assert.Contains(t, current.Reason, "boom")

	d = NewDetector(stubIndexSource{}, "COMP", time.UTC, zerolog.Nop())
	_, err := d.Assess(context.Background())
	assert.ErrorIs(t, err, ErrNoIndexData)
	assert.False(t, d.Current(context.Background()).Panic)
}

func TestDetectorUsesClock(t *testing.T) {
	b := newSeries(day(2025, 6, 24), 100)
	b.move(-4).flat(2)

	d := NewDetector(stubIndexSource{points: b.points}, "COMP", time.UTC, zerolog.Nop())
	d.now = func() time.Time { return time.Date(2025, 6, 30, 9, 0, 0, 0, time.UTC) }
	assert.True(t, d.Current(context.Background()).Panic)

	d.now = func() time.Time { return time.Date(2025, 9, 30, 9, 0, 0, 0, time.UTC) }
	assert.False(t, d.Current(context.Background()).Panic)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
