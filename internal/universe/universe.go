package universe

import (
	"errors"
	"fmt"
	"sort"

	"cap-rebalancer/internal/domain"
)

// TierThreshold is the fraction of the largest market cap an instrument needs to stay in the cap tier.
const TierThreshold = 0.9

var (
	// ErrNoCandidates is returned when the screen produced nothing to weight.
	ErrNoCandidates = errors.New("universe: no candidate instruments")
	// ErrZeroMarketCap is returned when the selected tier has no capitalisation to weight by.
	ErrZeroMarketCap = errors.New("universe: selected market caps sum to zero")
	// ErrNegativeMarketCap flags a malformed screen row.
	ErrNegativeMarketCap = errors.New("universe: negative market cap")
)

// SelectTier sorts candidates by market cap descending and returns the contiguous prefix
// whose caps are at least TierThreshold of the largest. The input slice is not modified.
func SelectTier(candidates []domain.CandidateInstrument) ([]domain.CandidateInstrument, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	for _, c := range candidates {
		if c.MarketCap < 0 {
			return nil, fmt.Errorf("%w: %s %.0f", ErrNegativeMarketCap, c.Ticker, c.MarketCap)
		}
	}

	sorted := make([]domain.CandidateInstrument, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MarketCap > sorted[j].MarketCap })

	floor := sorted[0].MarketCap * TierThreshold
	tier := make([]domain.CandidateInstrument, 0, len(sorted))
	for _, c := range sorted {
		if c.MarketCap < floor {
			break
		}
		tier = append(tier, c)
	}
	return tier, nil
}

// Weigh converts a tier into currency targets proportional to market cap.
func Weigh(tier []domain.CandidateInstrument, totalValue float64) ([]domain.TargetAllocation, error) {
	if len(tier) == 0 {
		return nil, ErrNoCandidates
	}

	var sum float64
	for _, c := range tier {
		sum += c.MarketCap
	}
	if sum <= 0 {
		return nil, ErrZeroMarketCap
	}

	targets := make([]domain.TargetAllocation, 0, len(tier))
	for _, c := range tier {
		targets = append(targets, domain.TargetAllocation{
			Ticker:       c.Ticker,
			DisplayName:  c.DisplayName,
			MarketCap:    c.MarketCap,
			TargetAmount: totalValue * c.MarketCap / sum,
		})
	}
	return targets, nil
}

// Allocate selects the cap tier and weights it against totalValue.
func Allocate(candidates []domain.CandidateInstrument, totalValue float64) ([]domain.TargetAllocation, error) {
	tier, err := SelectTier(candidates)
	if err != nil {
		return nil, err
	}
	return Weigh(tier, totalValue)
}
