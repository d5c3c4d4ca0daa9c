package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborfin/steward/internal/types"
)

func baseStrategy() types.UserStrategy {
	return types.UserStrategy{
		UserID:                   "user-1",
		Enabled:                  true,
		MinAPY:                   8,
		MinTvlUSD:                1_000_000,
		MinPoolAgeDays:           0,
		RiskAversion:             0.5,
		MaxPositions:             3,
		MaxAllocPerPositionUSD:   20_000,
		MinPositionSizeUSD:       3_000,
		DailyRebalanceLimit:      10,
		HourlyRebalanceLimit:     5,
		MaxILLossPercent:         5,
		ThetaMinBenefit:          0.05,
		DefaultLowerRangePercent: -10,
		DefaultUpperRangePercent: 15,
	}
}

func stablePool(id types.PoolID, apr, tvl float64) types.Pool {
	return types.Pool{
		ID:             id,
		Chain:          "osmosis-1",
		TokenA:         types.Token{Symbol: "usdc", Denom: "uusdc", Precision: 6},
		TokenB:         types.Token{Symbol: "usdt", Denom: "uusdt", Precision: 6},
		FeeTierPercent: 0.3,
		TvlUSD:         tvl,
		Volume24hUSD:   tvl / 10,
		AdvertisedAPR:  apr,
		AgeInDays:      90,
		IsActive:       true,
	}
}

func TestDecideGreedyAllocation(t *testing.T) {
	// Three candidates at $50k capital: the speculative pool is excluded on
	// negative effective yield, and capital spreads over the two survivors
	// up to the per-position cap, leaving $10k idle.
	poolA := types.Pool{
		ID:            1,
		TokenA:        types.Token{Symbol: "shib", Denom: "ushib"},
		TokenB:        types.Token{Symbol: "pepe", Denom: "upepe"},
		TvlUSD:        5_000_000,
		AdvertisedAPR: 35,
		AgeInDays:     90,
		IsActive:      true,
	}
	poolB := types.Pool{
		ID:             2,
		TokenA:         types.Token{Symbol: "eth", Denom: "weth"},
		TokenB:         types.Token{Symbol: "usdc", Denom: "uusdc"},
		FeeTierPercent: 0.3,
		TvlUSD:         10_000_000,
		AdvertisedAPR:  20,
		AgeInDays:      90,
		IsActive:       true,
	}
	poolC := stablePool(3, 15, 3_000_000)

	req := Request{
		UserID:           "user-1",
		Strategy:         baseStrategy(),
		CandidatePools:   []types.Pool{poolA, poolB, poolC},
		WalletBalanceUSD: 50_000,
		ExpectedGasUSD:   1,
	}

	decision, err := Decide(req)
	require.NoError(t, err)

	require.Len(t, decision.Ideal, 2)
	// Stable/stable pool carries no risk penalty, so it outranks the higher
	// advertised APR of the blue-chip pool.
	assert.Equal(t, types.PoolID(3), decision.Ideal[0].PoolID)
	assert.InDelta(t, 20_000, decision.Ideal[0].AmountUSD, 1e-9)
	assert.InDelta(t, 15, decision.Ideal[0].EffectiveYield, 1e-9)

	assert.Equal(t, types.PoolID(2), decision.Ideal[1].PoolID)
	assert.InDelta(t, 20_000, decision.Ideal[1].AmountUSD, 1e-9)
	assert.InDelta(t, 8, decision.Ideal[1].EffectiveYield, 1e-9)

	assert.InDelta(t, 10_000, decision.Metadata.UnallocatedUSD, 1e-9)

	// Fresh capital with a profitable target passes every gate.
	assert.True(t, decision.Metadata.GatesPassed)
	assert.Len(t, decision.Actions.ToEnter, 2)
	assert.Empty(t, decision.Actions.ToWithdraw)
}

func TestDecideExcludesNegativeEffectiveYield(t *testing.T) {
	// Unclassified/unclassified pair: risk factor 0.30 on both sides wipes
	// out a 35% APR once the penalty and aversion scaling apply.
	speculative := types.Pool{
		ID:            1,
		TokenA:        types.Token{Symbol: "shib", Denom: "ushib"},
		TokenB:        types.Token{Symbol: "pepe", Denom: "upepe"},
		TvlUSD:        5_000_000,
		AdvertisedAPR: 35,
		AgeInDays:     90,
		IsActive:      true,
	}

	req := Request{
		UserID:           "user-1",
		Strategy:         baseStrategy(),
		CandidatePools:   []types.Pool{speculative},
		WalletBalanceUSD: 50_000,
		ExpectedGasUSD:   1,
	}

	decision, err := Decide(req)
	require.NoError(t, err)
	assert.Empty(t, decision.Ideal)
	assert.Equal(t, ReasonNoPositiveYield, decision.Reason)
	assert.False(t, decision.Executable())
}

func TestDecideIsDeterministic(t *testing.T) {
	req := Request{
		UserID:           "user-1",
		Strategy:         baseStrategy(),
		CandidatePools:   []types.Pool{stablePool(1, 12, 2_000_000), stablePool(2, 10, 4_000_000)},
		WalletBalanceUSD: 30_000,
		ExpectedGasUSD:   1,
	}

	first, err := Decide(req)
	require.NoError(t, err)
	second, err := Decide(req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecideEmptyReasons(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		reason string
	}{
		{
			name:   "no capital",
			mutate: func(r *Request) { r.WalletBalanceUSD = 0 },
			reason: ReasonNoCapital,
		},
		{
			name: "no eligible pools",
			mutate: func(r *Request) {
				for i := range r.CandidatePools {
					r.CandidatePools[i].TvlUSD = 100 // below the TVL floor
				}
			},
			reason: ReasonNoEligiblePools,
		},
		{
			name: "no viable slots",
			mutate: func(r *Request) {
				r.WalletBalanceUSD = 1_000 // below min position size
			},
			reason: ReasonNoViableSlots,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := Request{
				UserID:           "user-1",
				Strategy:         baseStrategy(),
				CandidatePools:   []types.Pool{stablePool(1, 12, 2_000_000)},
				WalletBalanceUSD: 50_000,
				ExpectedGasUSD:   1,
			}
			tc.mutate(&req)

			decision, err := Decide(req)
			require.NoError(t, err)
			assert.Equal(t, tc.reason, decision.Reason)
			assert.False(t, decision.Executable())
		})
	}
}

func TestDecideAtTarget(t *testing.T) {
	strategy := baseStrategy()
	strategy.MaxPositions = 1

	req := Request{
		UserID:   "user-1",
		Strategy: strategy,
		CurrentPositions: []types.Position{{
			ID:           "pos-1",
			UserID:       "user-1",
			PoolID:       1,
			DepositedUSD: 20_000,
			Status:       types.StatusActive,
		}},
		CandidatePools:   []types.Pool{stablePool(1, 12, 2_000_000)},
		WalletBalanceUSD: 0,
		ExpectedGasUSD:   1,
	}

	decision, err := Decide(req)
	require.NoError(t, err)
	assert.Equal(t, ReasonAtTarget, decision.Reason)
	assert.False(t, decision.Executable())
}

func TestDecideRejectsInvalidStrategy(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.UserStrategy)
	}{
		{"zero max positions", func(s *types.UserStrategy) { s.MaxPositions = 0 }},
		{"risk aversion above one", func(s *types.UserStrategy) { s.RiskAversion = 1.5 }},
		{"negative max allocation", func(s *types.UserStrategy) { s.MaxAllocPerPositionUSD = -1 }},
		{"inverted range", func(s *types.UserStrategy) {
			s.DefaultLowerRangePercent = 15
			s.DefaultUpperRangePercent = -10
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			strategy := baseStrategy()
			tc.mutate(&strategy)

			_, err := Decide(Request{
				UserID:           "user-1",
				Strategy:         strategy,
				CandidatePools:   []types.Pool{stablePool(1, 12, 2_000_000)},
				WalletBalanceUSD: 10_000,
			})
			require.ErrorIs(t, err, ErrInvalidStrategy)
		})
	}
}

func TestGateRebalanceLimitBlocksExecution(t *testing.T) {
	req := Request{
		UserID:           "user-1",
		Strategy:         baseStrategy(),
		CandidatePools:   []types.Pool{stablePool(1, 15, 3_000_000)},
		WalletBalanceUSD: 20_000,
		ExpectedGasUSD:   1,
		RebalancesToday:  10, // at the daily limit
	}

	decision, err := Decide(req)
	require.NoError(t, err)
	assert.False(t, decision.Metadata.GatesPassed)
	assert.Contains(t, decision.Metadata.GateFailures, GateRebalanceLimit)
	assert.False(t, decision.Executable())
	// The ideal portfolio is still reported for observability.
	assert.NotEmpty(t, decision.Ideal)
}

func TestGateNetProfitBlocksExecution(t *testing.T) {
	req := Request{
		UserID:           "user-1",
		Strategy:         baseStrategy(),
		CandidatePools:   []types.Pool{stablePool(1, 15, 3_000_000)},
		WalletBalanceUSD: 20_000,
		ExpectedGasUSD:   500, // gas dwarfs the projected 30d profit
	}

	decision, err := Decide(req)
	require.NoError(t, err)
	assert.False(t, decision.Metadata.GatesPassed)
	assert.Contains(t, decision.Metadata.GateFailures, GateNetProfit)
	assert.False(t, decision.Executable())
}

func TestGateYieldUpliftBlocksMarginalMove(t *testing.T) {
	// Two nearly identical pools: the engine prefers the marginally better
	// one, but a 0.3pp uplift is churn, not progress.
	strategy := baseStrategy()
	strategy.MaxPositions = 1

	req := Request{
		UserID:   "user-1",
		Strategy: strategy,
		CurrentPositions: []types.Position{{
			ID:           "pos-1",
			UserID:       "user-1",
			PoolID:       1,
			DepositedUSD: 20_000,
			Status:       types.StatusActive,
		}},
		CandidatePools: []types.Pool{
			stablePool(1, 8.0, 3_000_000),
			stablePool(2, 8.3, 3_000_000),
		},
		WalletBalanceUSD: 0,
		ExpectedGasUSD:   0.5,
	}

	decision, err := Decide(req)
	require.NoError(t, err)
	require.Len(t, decision.Ideal, 1)
	assert.Equal(t, types.PoolID(2), decision.Ideal[0].PoolID)
	assert.False(t, decision.Metadata.GatesPassed)
	assert.Contains(t, decision.Metadata.GateFailures, GateYieldUplift)
	assert.False(t, decision.Executable())
}

func TestGateILLossAndOverride(t *testing.T) {
	strategy := baseStrategy()
	strategy.MaxPositions = 1

	makeRequest := func(override bool) Request {
		s := strategy
		s.AllowGateOverrideOnIL = override
		return Request{
			UserID:   "user-1",
			Strategy: s,
			CurrentPositions: []types.Position{{
				ID:           "pos-1",
				UserID:       "user-1",
				PoolID:       1,
				DepositedUSD: 20_000,
				Status:       types.StatusActive,
			}},
			CandidatePools: []types.Pool{
				stablePool(1, 8, 3_000_000),
				stablePool(2, 20, 3_000_000),
			},
			WalletBalanceUSD: 0,
			ExpectedGasUSD:   1,
			ILEstimates:      map[string]float64{"pos-1": 6.0}, // above the 5% cap
		}
	}

	decision, err := Decide(makeRequest(false))
	require.NoError(t, err)
	assert.False(t, decision.Metadata.GatesPassed)
	assert.Equal(t, []string{GateILLoss}, decision.Metadata.GateFailures)
	assert.False(t, decision.Executable())

	// With the override enabled and every other gate green, the exit is
	// allowed despite the realized IL.
	decision, err = Decide(makeRequest(true))
	require.NoError(t, err)
	assert.True(t, decision.Metadata.GatesPassed)
	assert.True(t, decision.Executable())
	require.Len(t, decision.Actions.ToWithdraw, 1)
	assert.Equal(t, "pos-1", decision.Actions.ToWithdraw[0].PositionID)
}

func TestGateUtilityGainBlocksFeeHeavyMove(t *testing.T) {
	// The target pool yields a full point more but burns almost all of it
	// in swap fees: the yield-uplift gate passes while the utility gain
	// stays below theta, so the utility gate alone must block the move.
	strategy := baseStrategy()
	strategy.MaxPositions = 1

	cheap := stablePool(1, 8.0, 3_000_000)
	cheap.FeeTierPercent = 0.02
	feeHeavy := stablePool(2, 9.0, 3_000_000)
	feeHeavy.FeeTierPercent = 1.0

	req := Request{
		UserID:   "user-1",
		Strategy: strategy,
		CurrentPositions: []types.Position{{
			ID:           "pos-1",
			UserID:       "user-1",
			PoolID:       1,
			DepositedUSD: 20_000,
			Status:       types.StatusActive,
		}},
		CandidatePools:   []types.Pool{cheap, feeHeavy},
		WalletBalanceUSD: 0,
		ExpectedGasUSD:   0.1,
	}

	decision, err := Decide(req)
	require.NoError(t, err)
	require.Len(t, decision.Ideal, 1)
	assert.Equal(t, types.PoolID(2), decision.Ideal[0].PoolID)
	assert.False(t, decision.Metadata.GatesPassed)
	assert.Equal(t, []string{GateUtilityGain}, decision.Metadata.GateFailures)
	assert.InDelta(t, 0.02, decision.Metadata.NetUtilityGain, 1e-9)
	assert.False(t, decision.Executable())
}

func TestDriftToleranceIsStrategyTunable(t *testing.T) {
	// $5k idle against a $15k position in the only ideal pool: 25% drift
	// from the $20k target. The default 1% tolerance re-sizes the position;
	// a strategy tolerance above the drift leaves it alone.
	makeRequest := func(tolerance float64) Request {
		strategy := baseStrategy()
		strategy.MaxPositions = 1
		strategy.RebalanceDriftTolerance = tolerance
		return Request{
			UserID:   "user-1",
			Strategy: strategy,
			CurrentPositions: []types.Position{{
				ID:           "pos-1",
				UserID:       "user-1",
				PoolID:       1,
				DepositedUSD: 15_000,
				Status:       types.StatusActive,
			}},
			CandidatePools:   []types.Pool{stablePool(1, 15, 3_000_000)},
			WalletBalanceUSD: 5_000,
			ExpectedGasUSD:   1,
		}
	}

	decision, err := Decide(makeRequest(0)) // falls back to the 1% default
	require.NoError(t, err)
	require.True(t, decision.Executable())
	require.Len(t, decision.Actions.ToWithdraw, 1)
	assert.Equal(t, "pos-1", decision.Actions.ToWithdraw[0].PositionID)
	require.Len(t, decision.Actions.ToEnter, 1)
	assert.InDelta(t, 20_000, decision.Actions.ToEnter[0].AmountUSD, 1e-9)

	decision, err = Decide(makeRequest(0.30))
	require.NoError(t, err)
	assert.Equal(t, ReasonAtTarget, decision.Reason)
	assert.False(t, decision.Executable())
}

func TestGateFailuresAreConjunctive(t *testing.T) {
	// Exhausted rate limit and ruinous gas at the same time: both gates must
	// be reported, not just the first.
	req := Request{
		UserID:             "user-1",
		Strategy:           baseStrategy(),
		CandidatePools:     []types.Pool{stablePool(1, 15, 3_000_000)},
		WalletBalanceUSD:   20_000,
		ExpectedGasUSD:     500,
		RebalancesThisHour: 5,
	}

	decision, err := Decide(req)
	require.NoError(t, err)
	assert.Contains(t, decision.Metadata.GateFailures, GateRebalanceLimit)
	assert.Contains(t, decision.Metadata.GateFailures, GateNetProfit)
	assert.False(t, decision.Executable())
}
