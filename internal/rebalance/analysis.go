package rebalance

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"cap-rebalancer/internal/domain"
)

const (
	// DrawdownUnit is the size of one drawdown tranche in normal mode.
	DrawdownUnit = 0.05
	// PanicDrawdownUnit is the size of one drawdown tranche while the market is in panic.
	PanicDrawdownUnit = 0.025
	// TrancheRatio is the share of the target amount moved per tranche.
	TrancheRatio = 0.10
	// ReboundFactor is how far above its post-peak trough a price must be to count as recovered.
	ReboundFactor = 1.1
)

// Invariant violations that abort processing of a single instrument.
var (
	ErrHighestPriceNotFound       = errors.New("highest price not found")
	ErrLowestAfterHighestNotFound = errors.New("lowest price after highest not found")
	ErrHoldingNotFound            = errors.New("holding not found")
)

// InstrumentError ties a per-instrument failure to its ticker.
type InstrumentError struct {
	Ticker string
	Err    error
}

func (e *InstrumentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Ticker, e.Err)
}

func (e *InstrumentError) Unwrap() error {
	return e.Err
}

// Analysis summarises the price path of one instrument.
type Analysis struct {
	Highest         domain.PricePoint
	LowestAfterHigh domain.PricePoint
	CurrentPrice    float64
}

// DropPct is the fractional decline of the current price from the peak, or 0 at or above it.
func (a Analysis) DropPct() float64 {
	if a.Highest.Price <= 0 || a.CurrentPrice >= a.Highest.Price {
		return 0
	}
	return (a.Highest.Price - a.CurrentPrice) / a.Highest.Price
}

// Rebounded reports whether the current price sits more than 10% above the post-peak trough.
func (a Analysis) Rebounded() bool {
	return a.LowestAfterHigh.Price*ReboundFactor < a.CurrentPrice
}

// Analyze finds the peak, the trough after it and the latest price. The history may arrive
// in any order; the earliest point wins ties.
func Analyze(points []domain.PricePoint) (Analysis, error) {
	if len(points) == 0 {
		return Analysis{}, ErrHighestPriceNotFound
	}

	sorted := make([]domain.PricePoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	highest := sorted[0]
	for _, p := range sorted[1:] {
		if p.Price > highest.Price {
			highest = p
		}
	}

	var lowest *domain.PricePoint
	for i := range sorted {
		p := sorted[i]
		if !p.Date.After(highest.Date) {
			continue
		}
		if lowest == nil || p.Price < lowest.Price {
			lowest = &sorted[i]
		}
	}
	if lowest == nil {
		return Analysis{}, ErrLowestAfterHighestNotFound
	}

	return Analysis{
		Highest:         highest,
		LowestAfterHigh: *lowest,
		CurrentPrice:    sorted[len(sorted)-1].Price,
	}, nil
}

// adjustment is one rule's view of how much money should move into (positive)
// or out of (negative) an instrument.
type adjustment struct {
	rule   string
	amount float64
}

// adjustments evaluates the sizing rules for one instrument. Buying and selling share
// this function; the side only decides which sign is acted on.
func adjustments(a Analysis, target, own float64, panicking bool) []adjustment {
	out := make([]adjustment, 0, 2)

	if panicking {
		tranches := trancheCount(a.DropPct(), PanicDrawdownUnit)
		if tranches > 0 {
			liquidation := target * TrancheRatio * float64(tranches)
			out = append(out, adjustment{rule: "panic", amount: -(own - target) + target - liquidation})
		}
		return out
	}

	if a.Rebounded() {
		out = append(out, adjustment{rule: "recovery", amount: target - own})
	}
	if tranches := trancheCount(a.DropPct(), DrawdownUnit); tranches > 0 {
		exposure := target * TrancheRatio * float64(tranches)
		out = append(out, adjustment{rule: "drawdown", amount: exposure - own})
	}
	return out
}

func trancheCount(drop, unit float64) int {
	if drop <= 0 {
		return 0
	}
	return int(math.Floor(drop / unit))
}

// shareQuantity truncates a money amount into whole shares toward zero.
func shareQuantity(amount, price float64) int64 {
	if price <= 0 {
		return 0
	}
	return int64(math.Abs(amount) / price)
}
