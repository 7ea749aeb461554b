package universe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cap-rebalancer/internal/domain"
)

func candidates(caps map[string]float64) []domain.CandidateInstrument {
	out := make([]domain.CandidateInstrument, 0, len(caps))
	for ticker, mc := range caps {
		out = append(out, domain.CandidateInstrument{Ticker: ticker, DisplayName: ticker + " Inc", MarketCap: mc})
	}
	return out
}

func TestAllocateScenario(t *testing.T) {
	targets, err := Allocate(candidates(map[string]float64{"C": 500, "A": 1000, "B": 950}), 10000)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	assert.Equal(t, "A", targets[0].Ticker)
	assert.InDelta(t, 5128.205, targets[0].TargetAmount, 0.001)
	assert.Equal(t, "B", targets[1].Ticker)
	assert.InDelta(t, 4871.795, targets[1].TargetAmount, 0.001)
}

func TestSelectTierIsLongestQualifyingPrefix(t *testing.T) {
	in := []domain.CandidateInstrument{
		{Ticker: "D", MarketCap: 880},
		{Ticker: "A", MarketCap: 1000},
		{Ticker: "E", MarketCap: 950},
		{Ticker: "B", MarketCap: 905},
		{Ticker: "C", MarketCap: 899.99},
	}
	tier, err := SelectTier(in)
	require.NoError(t, err)

	got := make([]string, 0, len(tier))
	for _, c := range tier {
		got = append(got, c.Ticker)
		assert.GreaterOrEqual(t, c.MarketCap, 0.9*1000)
	}
	assert.Equal(t, []string{"A", "E", "B"}, got)
	assert.Equal(t, "D", in[0].Ticker, "input must keep its order")
}

func TestSelectTierAlwaysKeepsLargest(t *testing.T) {
	tier, err := SelectTier(candidates(map[string]float64{"A": 10, "B": 1}))
	require.NoError(t, err)
	require.Len(t, tier, 1)
	assert.Equal(t, "A", tier[0].Ticker)
}

func TestWeightsSumToTotal(t *testing.T) {
	sets := []map[string]float64{
		{"A": 1},
		{"A": 3_100_000, "B": 3_000_000, "C": 2_900_000},
		{"A": 7.5, "B": 7.4, "C": 7.3, "D": 7.0, "E": 6.8},
	}
	for _, caps := range sets {
		targets, err := Allocate(candidates(caps), 123456.78)
		require.NoError(t, err)

		var sum float64
		for _, tgt := range targets {
			sum += tgt.TargetAmount
		}
		assert.InDelta(t, 123456.78, sum, 1e-6)
	}
}

func TestAllocateErrors(t *testing.T) {
	_, err := Allocate(nil, 100)
	assert.ErrorIs(t, err, ErrNoCandidates)

	_, err = Allocate(candidates(map[string]float64{"A": 0, "B": 0}), 100)
	assert.ErrorIs(t, err, ErrZeroMarketCap)

	_, err = Allocate(candidates(map[string]float64{"A": 10, "B": -1}), 100)
	assert.ErrorIs(t, err, ErrNegativeMarketCap)
}
