/*

The allocation engine. Decide builds a risk-adjusted ideal portfolio from the
candidate pools, diffs it against the user's open positions, and gates the
resulting rebalance on profitability and rate limits. It is pure: no I/O, no
clocks, no hidden counters. Calling it twice with identical inputs yields an
identical decision, which makes it safe to invoke speculatively (e.g., for
the preview endpoint).

*/

package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/harborfin/steward/internal/logger"
	"github.com/harborfin/steward/internal/risk"
	"github.com/harborfin/steward/internal/types"
)

var (
	ErrInvalidStrategy = errors.New("invalid user strategy")
	ErrInvalidRequest  = errors.New("invalid decision request")
)

// Empty-decision reasons. These are results, not errors: "nothing to do" is
// a normal outcome for the engine.
const (
	ReasonNoCapital       = "No deposit amount specified"
	ReasonNoEligiblePools = "No pools satisfy the strategy filters"
	ReasonNoPositiveYield = "No pool has a positive risk-adjusted yield"
	ReasonNoViableSlots   = "No allocation clears the minimum position size"
	ReasonAtTarget        = "Portfolio already matches the ideal allocation"
)

var engineLogger = logger.GetForComponent("allocation_engine")

// Request carries every input Decide needs. Rebalance counters and gas
// expectations are supplied by the caller so the engine stays free of
// clocks and storage.
type Request struct {
	UserID           string
	Strategy         types.UserStrategy
	CurrentPositions []types.Position
	CandidatePools   []types.Pool
	WalletBalanceUSD float64

	RebalancesToday    int
	RebalancesThisHour int
	ExpectedGasUSD     float64

	// ILEstimates maps open position IDs to their current impermanent loss
	// percent, used by the forced-exit gate.
	ILEstimates map[string]float64
}

// scoredPool is a candidate that survived filtering, annotated with its
// risk-adjusted yields.
type scoredPool struct {
	pool           types.Pool
	riskFactor     float64
	realYield      float64
	effectiveYield float64
}

// Decide evaluates the user's portfolio against the candidate pools and
// returns either an executable action set or an advisory result explaining
// why nothing should move. It returns an error only for malformed input.
func Decide(req Request) (types.Decision, error) {
	if err := validateRequest(req); err != nil {
		return types.Decision{}, err
	}

	decision := types.Decision{UserID: req.UserID}

	totalCapital := req.WalletBalanceUSD
	for _, pos := range req.CurrentPositions {
		totalCapital += pos.DepositedUSD
	}
	decision.Metadata.TotalCapitalUSD = totalCapital

	if totalCapital <= 0 {
		decision.Reason = ReasonNoCapital
		return decision, nil
	}

	eligible := filterCandidates(req.Strategy, req.CandidatePools)
	if len(eligible) == 0 {
		decision.Reason = ReasonNoEligiblePools
		return decision, nil
	}

	scored := scoreCandidates(req.Strategy, eligible)
	if len(scored) == 0 {
		decision.Reason = ReasonNoPositiveYield
		return decision, nil
	}

	rankCandidates(scored)

	ideal, unallocated := buildIdealPortfolio(req.Strategy, scored, totalCapital)
	decision.Ideal = ideal
	decision.Metadata.UnallocatedUSD = unallocated
	if len(ideal) == 0 {
		decision.Reason = ReasonNoViableSlots
		return decision, nil
	}

	evaluateRebalance(req, scored, &decision)

	engineLogger.Debug().
		Str("userID", req.UserID).
		Int("idealPools", len(decision.Ideal)).
		Bool("gatesPassed", decision.Metadata.GatesPassed).
		Int("withdrawals", len(decision.Actions.ToWithdraw)).
		Int("entries", len(decision.Actions.ToEnter)).
		Msg("Decision evaluated")

	return decision, nil
}

// validateRequest rejects malformed strategy input. Missing opportunity is
// never an error; broken configuration always is.
func validateRequest(req Request) error {
	s := req.Strategy
	if s.MaxPositions <= 0 {
		return errors.Join(ErrInvalidStrategy, fmt.Errorf("max positions must be positive, got %d", s.MaxPositions))
	}
	if s.RiskAversion < 0 || s.RiskAversion > 1 {
		return errors.Join(ErrInvalidStrategy, fmt.Errorf("risk aversion must be in [0,1], got %f", s.RiskAversion))
	}
	if s.MaxAllocPerPositionUSD <= 0 {
		return errors.Join(ErrInvalidStrategy, fmt.Errorf("max allocation per position must be positive, got %f", s.MaxAllocPerPositionUSD))
	}
	if s.MinPositionSizeUSD < 0 {
		return errors.Join(ErrInvalidStrategy, fmt.Errorf("min position size cannot be negative, got %f", s.MinPositionSizeUSD))
	}
	if s.DefaultLowerRangePercent >= s.DefaultUpperRangePercent {
		return errors.Join(ErrInvalidStrategy, fmt.Errorf(
			"range bounds inverted: lower %f must be below upper %f",
			s.DefaultLowerRangePercent, s.DefaultUpperRangePercent))
	}
	if math.IsNaN(req.WalletBalanceUSD) || math.IsInf(req.WalletBalanceUSD, 0) {
		return errors.Join(ErrInvalidRequest, errors.New("wallet balance is not finite"))
	}
	if math.IsNaN(req.ExpectedGasUSD) || math.IsInf(req.ExpectedGasUSD, 0) || req.ExpectedGasUSD < 0 {
		return errors.Join(ErrInvalidRequest, errors.New("expected gas cost is not finite or negative"))
	}
	return nil
}

// filterCandidates applies the strategy's eligibility filters.
func filterCandidates(strategy types.UserStrategy, pools []types.Pool) []types.Pool {
	allowed := make(map[string]bool, len(strategy.AllowedTokens))
	for _, sym := range strategy.AllowedTokens {
		allowed[strings.ToLower(sym)] = true
	}

	eligible := make([]types.Pool, 0, len(pools))
	for _, pool := range pools {
		if !pool.IsActive {
			continue
		}
		if pool.TvlUSD < strategy.MinTvlUSD {
			continue
		}
		if pool.AgeInDays < strategy.MinPoolAgeDays {
			continue
		}
		if pool.AdvertisedAPR < strategy.MinAPY {
			continue
		}
		// Empty allowed set means unrestricted.
		if len(allowed) > 0 {
			if !allowed[strings.ToLower(pool.TokenA.Symbol)] || !allowed[strings.ToLower(pool.TokenB.Symbol)] {
				continue
			}
		}
		eligible = append(eligible, pool)
	}
	return eligible
}

// scoreCandidates computes risk-adjusted yields and drops pools whose
// effective yield is negative. The exclusion is deliberate: capital
// preservation beats nominal yield.
func scoreCandidates(strategy types.UserStrategy, pools []types.Pool) []scoredPool {
	scored := make([]scoredPool, 0, len(pools))
	for _, pool := range pools {
		rf := risk.PoolRiskFactor(pool)
		realYield := pool.AdvertisedAPR - rf*100
		effectiveYield := realYield - strategy.RiskAversion*rf*100
		if math.IsNaN(effectiveYield) || math.IsInf(effectiveYield, 0) {
			engineLogger.Warn().
				Uint64("poolID", uint64(pool.ID)).
				Float64("effectiveYield", effectiveYield).
				Msg("Skipping pool with non-finite effective yield")
			continue
		}
		if effectiveYield < 0 {
			continue
		}
		scored = append(scored, scoredPool{
			pool:           pool,
			riskFactor:     rf,
			realYield:      realYield,
			effectiveYield: effectiveYield,
		})
	}
	return scored
}

// rankCandidates orders by effective yield descending; ties go to the pool
// with higher TVL (stability preference).
func rankCandidates(scored []scoredPool) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].effectiveYield != scored[j].effectiveYield {
			return scored[i].effectiveYield > scored[j].effectiveYield
		}
		return scored[i].pool.TvlUSD > scored[j].pool.TvlUSD
	})
}

// buildIdealPortfolio walks the ranked candidates and greedily commits
// capital. Each allocation is capped by the per-position maximum and an even
// split of the remaining capital over the slots still fillable; allocations
// below the minimum position size are skipped without stopping the walk.
func buildIdealPortfolio(strategy types.UserStrategy, scored []scoredPool, totalCapital float64) ([]types.PoolAllocation, float64) {
	portfolio := make([]types.PoolAllocation, 0, strategy.MaxPositions)
	remaining := totalCapital

	for i, candidate := range scored {
		if len(portfolio) == strategy.MaxPositions {
			break
		}
		if remaining <= 0 {
			break
		}

		slotsLeft := strategy.MaxPositions - len(portfolio)
		candidatesLeft := len(scored) - i
		stillNeeded := slotsLeft
		if candidatesLeft < stillNeeded {
			stillNeeded = candidatesLeft
		}

		allocation := math.Min(strategy.MaxAllocPerPositionUSD, math.Min(remaining, remaining/float64(stillNeeded)))
		if allocation < strategy.MinPositionSizeUSD {
			continue
		}

		portfolio = append(portfolio, types.PoolAllocation{
			PoolID:         candidate.pool.ID,
			AmountUSD:      allocation,
			RealYield:      candidate.realYield,
			EffectiveYield: candidate.effectiveYield,
			RiskFactor:     candidate.riskFactor,
		})
		remaining -= allocation
	}

	return portfolio, remaining
}
