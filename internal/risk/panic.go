package risk

import (
	"sort"
	"time"

	"cap-rebalancer/internal/domain"
)

const (
	// DropThresholdPct is the daily index return at or below which a day counts as a sharp drop.
	DropThresholdPct = -3.0
	// RecoveryRunLength is the number of consecutive strictly rising closes that clears a panic.
	RecoveryRunLength = 8

	dropWindowMonths = 2
	clusterSize      = 4
)

// Assessment is the outcome of a panic evaluation together with the evidence behind it.
type Assessment struct {
	Panic  bool
	Reason string
	// Drops holds qualifying drops inside the window, most recent first.
	Drops []domain.IndexPoint
	// Anchor is the date the recovery scan started from; zero when no scan ran.
	Anchor time.Time
}

// Evaluate decides whether the index history signals market stress as of today.
// It is a pure function: the same history and day always give the same answer.
func Evaluate(points []domain.IndexPoint, today time.Time) Assessment {
	today = domain.Day(today, time.UTC)
	history := sortedCopy(points)

	windowStart := domain.AddMonths(today, -dropWindowMonths).AddDate(0, 0, -1)
	drops := make([]domain.IndexPoint, 0)
	for i := len(history) - 1; i >= 0; i-- {
		p := history[i]
		if p.Date.Before(windowStart) || p.Date.After(today) {
			continue
		}
		if p.DailyReturnPct <= DropThresholdPct {
			drops = append(drops, p)
		}
	}

	if len(drops) == 0 {
		return Assessment{Reason: "no drop of -3% or worse in the last two months"}
	}

	if len(drops) >= clusterSize {
		first := drops[0].Date
		fourth := drops[clusterSize-1].Date

		if !first.After(monthAndDayAfter(fourth)) {
			anchor := drops[len(drops)-1].Date
			if HasUptrend(history, anchor, RecoveryRunLength) {
				return Assessment{Reason: "drop cluster recovered with eight consecutive rising closes", Drops: drops, Anchor: anchor}
			}
			return Assessment{Panic: true, Reason: "four or more drops within one month", Drops: drops, Anchor: anchor}
		}

		if today.After(monthAndDayAfter(first)) {
			return Assessment{Reason: "more than a month since the most recent drop", Drops: drops}
		}
		return Assessment{Panic: true, Reason: "four or more drops in two months, latest within a month", Drops: drops}
	}

	dropDate := drops[0].Date
	monthAgo := domain.AddMonths(today, -1).AddDate(0, 0, -1)
	if dropDate.Before(monthAgo) {
		return Assessment{Reason: "most recent drop is older than one month", Drops: drops}
	}
	if HasUptrend(history, dropDate, RecoveryRunLength) {
		return Assessment{Reason: "recent drop recovered with eight consecutive rising closes", Drops: drops, Anchor: dropDate}
	}
	return Assessment{Panic: true, Reason: "drop within the last month without recovery", Drops: drops, Anchor: dropDate}
}

// HasUptrend reports whether the points dated on or after from contain a run of length
// consecutive points in which every price is strictly above its predecessor.
// The earliest qualifying window wins.
func HasUptrend(points []domain.IndexPoint, from time.Time, length int) bool {
	if length < 2 {
		return length == 1 && len(points) > 0
	}
	from = domain.Day(from, time.UTC)

	window := make([]domain.IndexPoint, 0, len(points))
	for _, p := range sortedCopy(points) {
		if !p.Date.Before(from) {
			window = append(window, p)
		}
	}

	run := 1
	for i := 1; i < len(window); i++ {
		if window[i].Price > window[i-1].Price {
			run++
			if run >= length {
				return true
			}
			continue
		}
		run = 1
	}
	return false
}

func monthAndDayAfter(t time.Time) time.Time {
	return domain.AddMonths(t, 1).AddDate(0, 0, 1)
}

func sortedCopy(points []domain.IndexPoint) []domain.IndexPoint {
	out := make([]domain.IndexPoint, len(points))
	copy(out, points)
	for i := range out {
		out[i].Date = domain.Day(out[i].Date, time.UTC)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
